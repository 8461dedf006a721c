// Package driver owns the process-wide adapter registry: a bounded table of
// ports keyed by PCI bus address, tied to driver load and unload.
package driver

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/packetlab/mlx4ring/core/logging"
	"github.com/packetlab/mlx4ring/core/pciaddr"
	"github.com/packetlab/mlx4ring/port"
	"github.com/packetlab/mlx4ring/verbs"
)

var logger = logging.New("driver")

// MaxAdapters bounds the registry.
const MaxAdapters = 32

// Errors returned by the registry.
var (
	ErrRegistryFull = errors.New("adapter registry is full")
	ErrDuplicate    = errors.New("bus address already registered")
	ErrNotFound     = errors.New("bus address not registered")
)

type slot struct {
	addr pciaddr.PCIAddress
	port *port.Port
}

// Manager is the adapter registry. Lookup is a linear scan over at most
// MaxAdapters slots.
type Manager struct {
	mu    sync.Mutex
	slots []slot
}

// NewManager creates an empty registry.
func NewManager() *Manager {
	return &Manager{slots: make([]slot, 0, MaxAdapters)}
}

// Attach opens dev as a port and registers it under addr.
func (m *Manager) Attach(addr pciaddr.PCIAddress, dev verbs.Device, cfg port.Config) (*port.Port, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.slots {
		if s.addr == addr {
			return nil, fmt.Errorf("%w: %s", ErrDuplicate, addr)
		}
	}
	if len(m.slots) == MaxAdapters {
		return nil, ErrRegistryFull
	}

	p, e := port.New(dev, cfg)
	if e != nil {
		return nil, fmt.Errorf("attach %s: %w", addr, e)
	}
	m.slots = append(m.slots, slot{addr: addr, port: p})
	logger.Info("adapter attached",
		zap.Stringer("addr", addr),
		zap.String("device", dev.Name()),
		zap.Int("count", len(m.slots)),
	)
	return p, nil
}

// Get looks up the port registered under addr.
func (m *Manager) Get(addr pciaddr.PCIAddress) (*port.Port, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.slots {
		if s.addr == addr {
			return s.port, true
		}
	}
	return nil, false
}

// List returns the registered bus addresses in attach order.
func (m *Manager) List() []pciaddr.PCIAddress {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := make([]pciaddr.PCIAddress, len(m.slots))
	for i, s := range m.slots {
		list[i] = s.addr
	}
	return list
}

// Len returns the number of registered adapters.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.slots)
}

// Detach closes the port registered under addr and frees its slot.
func (m *Manager) Detach(addr pciaddr.PCIAddress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, s := range m.slots {
		if s.addr == addr {
			m.slots = append(m.slots[:i], m.slots[i+1:]...)
			logger.Info("adapter detached", zap.Stringer("addr", addr))
			return s.port.Close()
		}
	}
	return fmt.Errorf("%w: %s", ErrNotFound, addr)
}

// Close detaches every adapter. The registry stays usable afterwards.
func (m *Manager) Close() error {
	m.mu.Lock()
	slots := m.slots
	m.slots = m.slots[:0]
	m.mu.Unlock()

	var e error
	for _, s := range slots {
		e = multierr.Append(e, s.port.Close())
	}
	return e
}
