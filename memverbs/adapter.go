// Package memverbs provides an in-memory implementation of the verbs
// hardware boundary: simulated adapters with queue pairs, completion queues,
// memory regions, and MAC-based flow steering. Frames travel synchronously
// over a Wire connecting adapters, so the package doubles as the test double
// for every ring-engine test and as the backend of the demo command.
package memverbs

import (
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/packetlab/mlx4ring/core/logging"
	"github.com/packetlab/mlx4ring/core/macaddr"
	"github.com/packetlab/mlx4ring/verbs"
)

var logger = logging.New("memverbs")

// Adapter limit defaults.
const (
	DefaultMaxQPWR = 4096
	DefaultMaxSge  = 32
	DefaultMaxQP   = 64
	DefaultMaxCQ   = 64
)

// AdapterConfig contains options for New.
type AdapterConfig struct {
	Name     string
	MacAddr  net.HardwareAddr // random locally-administered address if empty
	Attr     verbs.DeviceAttr // zero fields replaced with defaults
	PortAttr verbs.PortAttr   // zero value replaced with an active 4x10G port
}

func (cfg *AdapterConfig) applyDefaults() {
	if len(cfg.MacAddr) == 0 {
		cfg.MacAddr = macaddr.MakeRandom(false)
	}
	if cfg.Attr.MaxQPWR == 0 {
		cfg.Attr.MaxQPWR = DefaultMaxQPWR
	}
	if cfg.Attr.MaxSge == 0 {
		cfg.Attr.MaxSge = DefaultMaxSge
	}
	if cfg.Attr.MaxQP == 0 {
		cfg.Attr.MaxQP = DefaultMaxQP
	}
	if cfg.Attr.MaxCQ == 0 {
		cfg.Attr.MaxCQ = DefaultMaxCQ
	}
	if cfg.PortAttr == (verbs.PortAttr{}) {
		cfg.PortAttr = verbs.PortAttr{State: verbs.PortActive, ActiveSpeed: 10000, ActiveWidth: 4}
	}
}

// Wire carries egress frames of an adapter somewhere.
type Wire interface {
	Transmit(src *Adapter, frame []byte)
}

// Adapter is a simulated NIC.
type Adapter struct {
	mu       sync.Mutex
	cfg      AdapterConfig
	wire     Wire
	flows    []*flowRule
	flowSkip int
	flowErr  error
}

var _ verbs.Device = (*Adapter)(nil)

// New creates an Adapter. Frames sent while no wire is attached are dropped.
func New(cfg AdapterConfig) *Adapter {
	cfg.applyDefaults()
	return &Adapter{cfg: cfg}
}

// Name returns the adapter name.
func (a *Adapter) Name() string {
	return a.cfg.Name
}

// MacAddr returns the adapter's primary MAC address.
func (a *Adapter) MacAddr() net.HardwareAddr {
	return a.cfg.MacAddr
}

// FailCreateFlowAfter injects a fault: the next accepted CreateFlow calls on
// any queue pair of this adapter succeed, then subsequent calls report e.
// Pass a nil error to restore normal operation.
func (a *Adapter) FailCreateFlowAfter(accepted int, e error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.flowSkip, a.flowErr = accepted, e
}

func (a *Adapter) createFlowError() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.flowErr == nil {
		return nil
	}
	if a.flowSkip > 0 {
		a.flowSkip--
		return nil
	}
	return a.flowErr
}

// SetWire attaches the egress wire.
func (a *Adapter) SetWire(w Wire) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.wire = w
}

// Open creates a verbs context on this adapter.
func (a *Adapter) Open() (verbs.Context, error) {
	return &context{adapter: a}, nil
}

func (a *Adapter) transmit(frame []byte) {
	a.mu.Lock()
	wire := a.wire
	a.mu.Unlock()
	if wire == nil {
		logger.Debug("frame dropped, no wire", zap.String("adapter", a.cfg.Name))
		return
	}
	wire.Transmit(a, frame)
}

// Deliver steers an ingress frame to the first matching flow's queue pair.
// It returns false when no flow matches or the QP has no receive buffer.
func (a *Adapter) Deliver(frame []byte) bool {
	if len(frame) < 14 {
		return false
	}
	a.mu.Lock()
	rule := a.matchFlowLocked(frame)
	a.mu.Unlock()
	if rule == nil {
		return false
	}
	return rule.qp.receive(frame)
}

func (a *Adapter) matchFlowLocked(frame []byte) *flowRule {
	for _, kind := range []verbs.FlowKind{verbs.FlowNormal, verbs.FlowAllMulti, verbs.FlowPromisc} {
		for _, rule := range a.flows {
			if rule.spec.Kind == kind && rule.match(frame) {
				return rule
			}
		}
	}
	return nil
}

func (a *Adapter) attachFlow(rule *flowRule) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.flows = append(a.flows, rule)
}

func (a *Adapter) detachFlow(rule *flowRule) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, f := range a.flows {
		if f == rule {
			a.flows = append(a.flows[:i], a.flows[i+1:]...)
			return
		}
	}
}

type context struct {
	mu      sync.Mutex
	adapter *Adapter
	closed  bool
}

var _ verbs.Context = (*context)(nil)

func (ctx *context) DeviceAttr() verbs.DeviceAttr {
	return ctx.adapter.cfg.Attr
}

func (ctx *context) QueryPort(port uint8) (verbs.PortAttr, error) {
	if port != 1 {
		return verbs.PortAttr{}, fmt.Errorf("adapter has one port, not %d", port)
	}
	return ctx.adapter.cfg.PortAttr, nil
}

func (ctx *context) AllocPD() (verbs.PD, error) {
	if ctx.isClosed() {
		return nil, verbs.ErrClosed
	}
	return &PD{
		adapter: ctx.adapter,
		regions: map[uint32]*memRegion{},
	}, nil
}

func (ctx *context) CreateCQ(depth int) (verbs.CQ, error) {
	if ctx.isClosed() {
		return nil, verbs.ErrClosed
	}
	if depth <= 0 {
		return nil, verbs.ErrCQDepth
	}
	return newCQ(depth), nil
}

func (ctx *context) isClosed() bool {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	return ctx.closed
}

func (ctx *context) Close() error {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	ctx.closed = true
	return nil
}
