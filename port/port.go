// Package port ties descriptor rings to an adapter: queue lifecycle, traffic
// steering, statistics, and device-level reconfiguration.
//
// Control operations serialize on the port mutex. The burst methods never
// take it: they only read the removed flag and touch their own queue, so a
// polling goroutine can run them while control operations proceed. Teardown
// bridges the gap with a short quiescence sleep instead of a lock; the
// residual race window is a documented limitation.
package port

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/packetlab/mlx4ring/core/logging"
	"github.com/packetlab/mlx4ring/core/macaddr"
	"github.com/packetlab/mlx4ring/pktmbuf"
	"github.com/packetlab/mlx4ring/ring"
	"github.com/packetlab/mlx4ring/verbs"
)

var logger = logging.New("port")

const (
	// MaxMacAddresses bounds the unicast filter table. The last slot is
	// reserved for the broadcast address.
	MaxMacAddresses = 128

	// MaxVlanIDs bounds the VLAN filter table.
	MaxVlanIDs = 127

	// EtherMTU is the default MTU.
	EtherMTU = 1500

	// frameOverhead is added to the MTU to size receive elements:
	// Ethernet header plus frame checksum.
	frameOverhead = 18

	// closeQuiescence is slept after flipping the removed flag, letting
	// in-flight bursts on other goroutines drain before queue teardown.
	closeQuiescence = time.Millisecond
)

// Errors returned by control operations.
var (
	ErrQueueIndex   = errors.New("queue index out of range")
	ErrQueueBusy    = errors.New("queue already configured")
	ErrQueueShrink  = errors.New("cannot shrink queue array while queues are configured")
	ErrMacTableFull = errors.New("MAC address table is full")
	ErrMacReserved  = errors.New("MAC slot is reserved for broadcast")
	ErrVlanTable    = errors.New("VLAN filter table is full")
	ErrClosed       = errors.New("port is closed")
)

// Config configures a Port.
type Config struct {
	// MacAddr is the primary unicast address, installed in MAC slot 0.
	MacAddr net.HardwareAddr `json:"macAddr"`

	// MTU is the initial MTU. Default is EtherMTU.
	MTU int `json:"mtu,omitempty"`

	// PhysPort is the physical adapter port. Default is ring.DefaultPort.
	PhysPort uint8 `json:"physPort,omitempty"`

	// ID is recorded in the port field of received packets.
	ID uint16 `json:"id,omitempty"`
}

func (cfg *Config) applyDefaults() error {
	if !macaddr.IsUnicast(cfg.MacAddr) {
		return errors.New("Config.MacAddr must be a unicast MAC-48 address")
	}
	if cfg.MTU == 0 {
		cfg.MTU = EtherMTU
	}
	if cfg.PhysPort == 0 {
		cfg.PhysPort = ring.DefaultPort
	}
	return nil
}

// Link describes the adapter link.
type Link struct {
	Up   bool `json:"up"`
	Mbps int  `json:"mbps"`
}

// Info describes device limits.
type Info struct {
	MaxRxQueues     int `json:"maxRxQueues"`
	MaxTxQueues     int `json:"maxTxQueues"`
	MaxMacAddresses int `json:"maxMacAddresses"`
	MinRxBufSize    int `json:"minRxBufSize"`
}

// Stats aggregates soft counters over all queues. Queues released since the
// last reset no longer contribute.
type Stats struct {
	Rx ring.RxCounters `json:"rx"`
	Tx ring.TxCounters `json:"tx"`
}

func (st Stats) String() string {
	return fmt.Sprintf("RX(%s) TX(%s)", st.Rx, st.Tx)
}

// rxSlot pairs a receive queue with its steering flows and the configuration
// needed to rebuild it.
type rxSlot struct {
	queue *ring.RxQueue
	cfg   ring.RxConfig
	flows []verbs.Flow
}

// Port is the device-private state of one adapter.
type Port struct {
	mu  sync.Mutex
	dev verbs.Device
	ctx verbs.Context
	pd  verbs.PD
	cfg Config

	rxqs []*rxSlot
	txqs []*ring.TxQueue

	macs     [MaxMacAddresses]net.HardwareAddr // nil entries are free
	vlans    []uint16
	promisc  bool
	allmulti bool
	started  bool
	closed   bool
	removed  atomic.Bool
	lastLink Link
}

// New opens dev and prepares a port with no queues.
func New(dev verbs.Device, cfg Config) (*Port, error) {
	if e := cfg.applyDefaults(); e != nil {
		return nil, e
	}
	ctx, e := dev.Open()
	if e != nil {
		return nil, fmt.Errorf("open device: %w", e)
	}
	pd, e := ctx.AllocPD()
	if e != nil {
		return nil, multierr.Append(fmt.Errorf("alloc PD: %w", e), ctx.Close())
	}

	p := &Port{
		dev: dev,
		ctx: ctx,
		pd:  pd,
		cfg: cfg,
	}
	p.macs[0] = append(net.HardwareAddr(nil), cfg.MacAddr...)
	p.macs[MaxMacAddresses-1] = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	logger.Info("port opened",
		zap.String("device", dev.Name()),
		zap.Stringer("mac", cfg.MacAddr),
	)
	return p, nil
}

// Name returns the underlying device name.
func (p *Port) Name() string {
	return p.dev.Name()
}

// MacAddr returns the primary unicast address.
func (p *Port) MacAddr() net.HardwareAddr {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append(net.HardwareAddr(nil), p.macs[0]...)
}

// MTU returns the current MTU.
func (p *Port) MTU() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg.MTU
}

// Configure sizes the queue arrays. Growing preserves configured queues;
// shrinking is rejected while queues would be cut off.
func (p *Port) Configure(nRx, nTx int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if nRx < 0 || nTx < 0 {
		return fmt.Errorf("%w: %d/%d", ErrQueueIndex, nRx, nTx)
	}

	for i := nRx; i < len(p.rxqs); i++ {
		if p.rxqs[i] != nil {
			return fmt.Errorf("%w: RX queue %d", ErrQueueShrink, i)
		}
	}
	for i := nTx; i < len(p.txqs); i++ {
		if p.txqs[i] != nil {
			return fmt.Errorf("%w: TX queue %d", ErrQueueShrink, i)
		}
	}

	rxqs := make([]*rxSlot, nRx)
	copy(rxqs, p.rxqs)
	txqs := make([]*ring.TxQueue, nTx)
	copy(txqs, p.txqs)
	p.rxqs, p.txqs = rxqs, txqs
	logger.Info("port configured",
		zap.String("device", p.dev.Name()),
		zap.Int("rxQueues", nRx),
		zap.Int("txQueues", nTx),
	)
	return nil
}

// RxQueueSetup creates receive queue idx. Fields Desc and Pool of cfg are the
// caller's; frame length, physical port, and packet marking come from the
// port configuration.
func (p *Port) RxQueueSetup(idx int, desc int, pool *pktmbuf.Pool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if idx < 0 || idx >= len(p.rxqs) {
		return fmt.Errorf("%w: RX %d", ErrQueueIndex, idx)
	}
	if p.rxqs[idx] != nil {
		return fmt.Errorf("%w: RX %d", ErrQueueBusy, idx)
	}

	cfg := p.rxRingConfig(desc, pool)
	q, e := ring.NewRxQueue(p.ctx, p.pd, cfg)
	if e != nil {
		return fmt.Errorf("RX queue %d: %w", idx, e)
	}
	slot := &rxSlot{queue: q, cfg: cfg}
	if p.started {
		if e := p.attachFlows(slot); e != nil {
			return multierr.Append(fmt.Errorf("RX queue %d flows: %w", idx, e), q.Close())
		}
	}
	p.rxqs[idx] = slot
	return nil
}

func (p *Port) rxRingConfig(desc int, pool *pktmbuf.Pool) ring.RxConfig {
	maxLen := p.cfg.MTU + frameOverhead
	return ring.RxConfig{
		Desc:        desc,
		Pool:        pool,
		MaxRxPktLen: maxLen,
		Jumbo:       p.cfg.MTU > EtherMTU,
		Port:        p.cfg.PhysPort,
		PortID:      p.cfg.ID,
	}
}

// RxQueueRelease destroys receive queue idx. Releasing an empty slot is a
// no-op.
func (p *Port) RxQueueRelease(idx int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if idx < 0 || idx >= len(p.rxqs) {
		return fmt.Errorf("%w: RX %d", ErrQueueIndex, idx)
	}
	slot := p.rxqs[idx]
	if slot == nil {
		return nil
	}
	p.rxqs[idx] = nil
	e := p.detachFlows(slot)
	return multierr.Append(e, slot.queue.Close())
}

// TxQueueSetup creates transmit queue idx.
func (p *Port) TxQueueSetup(idx int, desc int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if idx < 0 || idx >= len(p.txqs) {
		return fmt.Errorf("%w: TX %d", ErrQueueIndex, idx)
	}
	if p.txqs[idx] != nil {
		return fmt.Errorf("%w: TX %d", ErrQueueBusy, idx)
	}

	q, e := ring.NewTxQueue(p.ctx, p.pd, ring.TxConfig{Desc: desc, Port: p.cfg.PhysPort})
	if e != nil {
		return fmt.Errorf("TX queue %d: %w", idx, e)
	}
	p.txqs[idx] = q
	return nil
}

// TxQueueRelease destroys transmit queue idx. Releasing an empty slot is a
// no-op.
func (p *Port) TxQueueRelease(idx int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if idx < 0 || idx >= len(p.txqs) {
		return fmt.Errorf("%w: TX %d", ErrQueueIndex, idx)
	}
	q := p.txqs[idx]
	if q == nil {
		return nil
	}
	p.txqs[idx] = nil
	return q.Close()
}

// Start attaches steering flows to every receive queue. On failure every
// queue already started is rolled back. Start is idempotent.
func (p *Port) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if p.started {
		return nil
	}

	var done []*rxSlot
	for idx, slot := range p.rxqs {
		if slot == nil {
			continue
		}
		if e := p.attachFlows(slot); e != nil {
			for _, s := range done {
				p.detachFlows(s)
			}
			return fmt.Errorf("start RX queue %d: %w", idx, e)
		}
		done = append(done, slot)
	}
	p.started = true
	logger.Info("port started", zap.String("device", p.dev.Name()))
	return nil
}

// Stop detaches steering flows from every receive queue. Queues and their
// buffers stay configured. Stop is idempotent.
func (p *Port) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return nil
	}
	var e error
	for _, slot := range p.rxqs {
		if slot != nil {
			e = multierr.Append(e, p.detachFlows(slot))
		}
	}
	p.started = false
	logger.Info("port stopped", zap.String("device", p.dev.Name()))
	return e
}

// IsStarted reports whether flows are attached.
func (p *Port) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

// SetMTU changes the MTU. Every configured receive queue is torn down and
// rebuilt with the new frame length so scattered mode can engage or
// disengage. A failed rebuild leaves that slot empty rather than keeping a
// ring with stale geometry.
func (p *Port) SetMTU(mtu int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if mtu <= 0 {
		return fmt.Errorf("invalid MTU %d", mtu)
	}
	p.cfg.MTU = mtu

	for idx, slot := range p.rxqs {
		if slot == nil {
			continue
		}
		p.rxqs[idx] = nil
		e := multierr.Append(p.detachFlows(slot), slot.queue.Close())
		if e != nil {
			return fmt.Errorf("RX queue %d teardown: %w", idx, e)
		}

		cfg := p.rxRingConfig(slot.cfg.Desc, slot.cfg.Pool)
		q, e := ring.NewRxQueue(p.ctx, p.pd, cfg)
		if e != nil {
			return fmt.Errorf("RX queue %d rebuild: %w", idx, e)
		}
		next := &rxSlot{queue: q, cfg: cfg}
		if p.started {
			if e := p.attachFlows(next); e != nil {
				return multierr.Append(fmt.Errorf("RX queue %d flows: %w", idx, e), q.Close())
			}
		}
		p.rxqs[idx] = next
	}
	logger.Info("MTU changed",
		zap.String("device", p.dev.Name()),
		zap.Int("mtu", mtu),
	)
	return nil
}

// LinkUpdate queries the link and reports whether it changed since the last
// query.
func (p *Port) LinkUpdate() (link Link, changed bool, e error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	attr, e := p.ctx.QueryPort(p.cfg.PhysPort)
	if e != nil {
		return Link{}, false, e
	}
	link = Link{
		Up:   attr.State == verbs.PortActive,
		Mbps: attr.SpeedMbps(),
	}
	changed = link != p.lastLink
	p.lastLink = link
	return link, changed, nil
}

// DevInfo returns device limits.
func (p *Port) DevInfo() Info {
	attr := p.ctx.DeviceAttr()
	return Info{
		MaxRxQueues:     attr.MaxQP / 2,
		MaxTxQueues:     attr.MaxQP / 2,
		MaxMacAddresses: MaxMacAddresses,
		MinRxBufSize:    pktmbuf.DefaultHeadroom + 64,
	}
}

// Stats sums soft counters over all configured queues.
func (p *Port) Stats() (st Stats) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, slot := range p.rxqs {
		if slot == nil {
			continue
		}
		cnt := slot.queue.Counters()
		st.Rx.Packets += cnt.Packets
		st.Rx.Octets += cnt.Octets
		st.Rx.Dropped += cnt.Dropped
		st.Rx.Nombuf += cnt.Nombuf
	}
	for _, q := range p.txqs {
		if q == nil {
			continue
		}
		cnt := q.Counters()
		st.Tx.Packets += cnt.Packets
		st.Tx.Octets += cnt.Octets
		st.Tx.Dropped += cnt.Dropped
	}
	return st
}

// ResetStats zeroes the soft counters of all configured queues.
func (p *Port) ResetStats() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, slot := range p.rxqs {
		if slot != nil {
			slot.queue.ResetCounters()
		}
	}
	for _, q := range p.txqs {
		if q != nil {
			q.ResetCounters()
		}
	}
}

// RxBurst receives packets on queue idx.
// It runs lock-free and returns 0 on a removed port or an empty slot.
func (p *Port) RxBurst(idx int, vec pktmbuf.Vector) int {
	if p.removed.Load() || idx < 0 || idx >= len(p.rxqs) {
		return 0
	}
	slot := p.rxqs[idx]
	if slot == nil {
		return 0
	}
	return slot.queue.ReceiveBurst(vec)
}

// TxBurst transmits packets on queue idx.
// It runs lock-free and returns 0 on a removed port or an empty slot.
func (p *Port) TxBurst(idx int, vec pktmbuf.Vector) int {
	if p.removed.Load() || idx < 0 || idx >= len(p.txqs) {
		return 0
	}
	q := p.txqs[idx]
	if q == nil {
		return 0
	}
	return q.SendBurst(vec)
}

// Close tears the port down: bursts are disabled first, then a short
// quiescence sleep lets polling goroutines drain before queues are
// destroyed. Close is idempotent.
func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	p.removed.Store(true)
	time.Sleep(closeQuiescence)

	var e error
	for idx, slot := range p.rxqs {
		if slot == nil {
			continue
		}
		p.rxqs[idx] = nil
		e = multierr.Append(e, p.detachFlows(slot))
		e = multierr.Append(e, slot.queue.Close())
	}
	for idx, q := range p.txqs {
		if q == nil {
			continue
		}
		p.txqs[idx] = nil
		e = multierr.Append(e, q.Close())
	}
	p.started = false
	e = multierr.Append(e, p.pd.Close())
	e = multierr.Append(e, p.ctx.Close())
	logger.Info("port closed", zap.String("device", p.dev.Name()))
	return e
}
