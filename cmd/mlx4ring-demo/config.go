package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type demoConfig struct {
	BusAddrs     [2]string `yaml:"busAddrs"`
	MTU          int       `yaml:"mtu"`
	RxDesc       int       `yaml:"rxDesc"`
	TxDesc       int       `yaml:"txDesc"`
	MacTableSize int       `yaml:"macTableSize"`
	Pool         struct {
		Capacity int `yaml:"capacity"`
		Dataroom int `yaml:"dataroom"`
	} `yaml:"pool"`
}

func defaultConfig() demoConfig {
	var cfg demoConfig
	cfg.BusAddrs = [2]string{"0000:01:00.0", "0000:02:00.0"}
	cfg.MTU = 1500
	cfg.RxDesc = 256
	cfg.TxDesc = 256
	cfg.MacTableSize = 64
	cfg.Pool.Capacity = 1024
	cfg.Pool.Dataroom = 2176
	return cfg
}

func loadConfig(filename string) (demoConfig, error) {
	cfg := defaultConfig()
	if filename == "" {
		return cfg, nil
	}
	body, e := os.ReadFile(filename)
	if e != nil {
		return cfg, e
	}
	if e = yaml.Unmarshal(body, &cfg); e != nil {
		return cfg, fmt.Errorf("parse %s: %w", filename, e)
	}
	return cfg, nil
}
