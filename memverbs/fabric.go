package memverbs

import (
	"net"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"
)

type pairWire struct {
	peer *Adapter
}

func (w pairWire) Transmit(src *Adapter, frame []byte) {
	w.peer.Deliver(frame)
}

// NewPair creates two adapters connected back to back.
// Every frame sent on one appears on the other.
func NewPair(cfgA, cfgB AdapterConfig) (a, b *Adapter) {
	a, b = New(cfgA), New(cfgB)
	a.SetWire(pairWire{peer: b})
	b.SetWire(pairWire{peer: a})
	return
}

// Fabric is a learning switch connecting any number of adapters.
// Source MAC addresses are learned into a bounded table; frames toward
// unknown or multicast destinations are flooded.
type Fabric struct {
	mu       sync.Mutex
	ports    []*Adapter
	macTable *lru.Cache
}

var _ Wire = (*Fabric)(nil)

// NewFabric creates a Fabric whose MAC table holds up to tableSize entries.
func NewFabric(tableSize int) (*Fabric, error) {
	table, e := lru.New(tableSize)
	if e != nil {
		return nil, e
	}
	return &Fabric{macTable: table}, nil
}

// Attach connects an adapter to the fabric and becomes its wire.
func (f *Fabric) Attach(a *Adapter) {
	f.mu.Lock()
	f.ports = append(f.ports, a)
	f.mu.Unlock()
	a.SetWire(f)
}

// Transmit implements Wire.
func (f *Fabric) Transmit(src *Adapter, frame []byte) {
	if len(frame) < 14 {
		return
	}
	srcMac := net.HardwareAddr(frame[6:12]).String()
	dstMac := net.HardwareAddr(frame[0:6]).String()

	f.mu.Lock()
	f.macTable.Add(srcMac, src)
	var out []*Adapter
	if frame[0]&0x01 == 0 {
		if port, ok := f.macTable.Get(dstMac); ok {
			out = []*Adapter{port.(*Adapter)}
		}
	}
	if out == nil {
		out = append(out, f.ports...)
	}
	f.mu.Unlock()

	delivered := 0
	for _, port := range out {
		if port == src {
			continue
		}
		if port.Deliver(frame) {
			delivered++
		}
	}
	if delivered == 0 {
		logger.Debug("frame not delivered", zap.String("dst", dstMac), zap.String("src", srcMac))
	}
}
