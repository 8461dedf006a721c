package main

import (
	"fmt"
	"log"
	"net"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/packetlab/mlx4ring/pktmbuf"
	"github.com/packetlab/mlx4ring/port"
	"github.com/packetlab/mlx4ring/ring"
)

// buildFrame serializes one Ethernet+IPv4+UDP frame of the given total length.
func buildFrame(src, dst net.HardwareAddr, length int) ([]byte, error) {
	const headers = 14 + 20 + 8
	if length < headers+1 {
		return nil, fmt.Errorf("frame length %d too short", length)
	}
	eth := &layers.Ethernet{
		SrcMAC:       src,
		DstMAC:       dst,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IPv4(192, 0, 2, 1).To4(),
		DstIP:    net.IPv4(192, 0, 2, 2).To4(),
	}
	udp := &layers.UDP{SrcPort: 9000, DstPort: 9000}
	if e := udp.SetNetworkLayerForChecksum(ip); e != nil {
		return nil, e
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	payload := make(gopacket.Payload, length-headers)
	if e := gopacket.SerializeLayers(buf, opts, eth, ip, udp, payload); e != nil {
		return nil, e
	}
	return buf.Bytes(), nil
}

func runTraffic(dst net.HardwareAddr, duration, interval time.Duration, size int) error {
	frame, e := buildFrame(txPort.MacAddr(), dst, size)
	if e != nil {
		return e
	}

	deadline := time.After(duration)
	report := time.NewTicker(interval)
	defer report.Stop()

	var last port.Stats
	lastTime := time.Now()
	vec := make(pktmbuf.Vector, ring.MaxBurstSize)
	rxVec := make(pktmbuf.Vector, ring.MaxBurstSize)

	for {
		select {
		case <-interrupt:
			log.Print("interrupted")
			return nil
		case <-deadline:
			st := rxPort.Stats()
			log.Printf("done: rx %s packets, %s",
				humanize.Comma(int64(st.Rx.Packets)), humanize.Bytes(st.Rx.Octets))
			return nil
		case now := <-report.C:
			st := rxPort.Stats()
			elapsed := now.Sub(lastTime).Seconds()
			pps := float64(st.Rx.Packets-last.Rx.Packets) / elapsed
			bps := float64(st.Rx.Octets-last.Rx.Octets) / elapsed
			log.Printf("rx %s pps, %s/s, %s dropped",
				humanize.Comma(int64(pps)),
				humanize.Bytes(uint64(bps)),
				humanize.Comma(int64(st.Rx.Dropped)))
			last, lastTime = st, now
		default:
			n := pool.AllocBurst(vec)
			for _, p := range vec[:n] {
				if e := p.Append(frame); e != nil {
					return e
				}
			}
			sent := txPort.TxBurst(0, vec[:n])
			if sent < n {
				vec[sent:n].Close()
			}
			for {
				nRx := rxPort.RxBurst(0, rxVec)
				if nRx == 0 {
					break
				}
				rxVec[:nRx].Close()
			}
		}
	}
}
