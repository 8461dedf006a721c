// Command mlx4ring-demo drives traffic between two in-memory adapters
// through the ring and port layers.
package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/packetlab/mlx4ring/core/macaddr"
	"github.com/packetlab/mlx4ring/core/pciaddr"
	"github.com/packetlab/mlx4ring/core/version"
	"github.com/packetlab/mlx4ring/driver"
	"github.com/packetlab/mlx4ring/memverbs"
	"github.com/packetlab/mlx4ring/pktmbuf"
	"github.com/packetlab/mlx4ring/port"
)

var (
	interrupt = make(chan os.Signal, 1)
	cfg       demoConfig
	mgr       *driver.Manager
	fabric    *memverbs.Fabric
	txPort    *port.Port
	rxPort    *port.Port
	pool      *pktmbuf.Pool
)

func openPorts(c *cli.Context) (e error) {
	if fabric, e = memverbs.NewFabric(cfg.MacTableSize); e != nil {
		return e
	}
	if pool, e = pktmbuf.NewPool("demo", pktmbuf.PoolConfig{
		Capacity: cfg.Pool.Capacity,
		Dataroom: cfg.Pool.Dataroom,
	}); e != nil {
		return e
	}

	mgr = driver.NewManager()
	adapters := []*memverbs.Adapter{
		memverbs.New(memverbs.AdapterConfig{Name: "demoA"}),
		memverbs.New(memverbs.AdapterConfig{Name: "demoB"}),
	}
	ports := make([]*port.Port, len(adapters))
	for i, a := range adapters {
		fabric.Attach(a)
		addr := pciaddr.MustParse(cfg.BusAddrs[i])
		if ports[i], e = mgr.Attach(addr, a, port.Config{
			MacAddr: a.MacAddr(),
			MTU:     cfg.MTU,
			ID:      uint16(i + 1),
		}); e != nil {
			return e
		}
		if e = ports[i].Configure(1, 1); e != nil {
			return e
		}
		if e = ports[i].RxQueueSetup(0, cfg.RxDesc, pool); e != nil {
			return e
		}
		if e = ports[i].TxQueueSetup(0, cfg.TxDesc); e != nil {
			return e
		}
		if e = ports[i].Start(); e != nil {
			return e
		}
	}
	txPort, rxPort = ports[0], ports[1]
	log.Printf("ports started, %s -> %s", txPort.Name(), rxPort.Name())
	return nil
}

var app = &cli.App{
	Version: version.V.String(),
	Usage:   "mlx4 descriptor ring demo.",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "config",
			Usage: "YAML configuration `file`.",
		},
		&cli.GenericFlag{
			Name:  "dst",
			Value: &macaddr.Flag{},
			Usage: "destination MAC `address`, default is the peer port",
		},
		&cli.DurationFlag{
			Name:  "duration",
			Value: 10 * time.Second,
			Usage: "how long to run traffic",
		},
		&cli.DurationFlag{
			Name:  "interval",
			Value: time.Second,
			Usage: "report interval",
		},
		&cli.IntFlag{
			Name:  "size",
			Value: 200,
			Usage: "frame `length` in octets",
		},
	},
	Before: func(c *cli.Context) (e error) {
		signal.Notify(interrupt, syscall.SIGINT)
		if cfg, e = loadConfig(c.String("config")); e != nil {
			return e
		}
		return openPorts(c)
	},
	Action: func(c *cli.Context) error {
		dst := rxPort.MacAddr()
		if f := c.Generic("dst").(*macaddr.Flag); !f.Empty() {
			dst = f.HardwareAddr
		}
		return runTraffic(dst, c.Duration("duration"), c.Duration("interval"), c.Int("size"))
	},
	After: func(c *cli.Context) error {
		if mgr == nil {
			return nil
		}
		e := mgr.Close()
		if pool != nil {
			log.Printf("buffers still in use: %d", pool.CountInUse())
		}
		return e
	},
}

func main() {
	e := app.Run(os.Args)
	if e != nil {
		log.Fatal(e)
	}
}
