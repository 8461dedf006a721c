// Package pktmbuf implements fixed-capacity packet buffer pools.
//
// A pool owns one contiguous backing region, carved into equally sized
// buffers. Buffer handles are preallocated; Alloc and free never touch the
// heap. The backing region is what gets registered with hardware as a
// memory region, so its total size and base address are exposed.
package pktmbuf

import (
	"errors"
	"fmt"
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/packetlab/mlx4ring/core/logging"
)

var logger = logging.New("pktmbuf")

// DefaultHeadroom is the default headroom of a freshly allocated buffer.
const DefaultHeadroom = 128

// Pool limits and defaults.
const (
	MinDataroom     = DefaultHeadroom + 64
	DefaultDataroom = DefaultHeadroom + 2048
	DefaultCapacity = 1024
)

// PoolConfig contains options for NewPool.
type PoolConfig struct {
	Capacity int // number of buffers
	Dataroom int // bytes per buffer, headroom included
}

func (cfg *PoolConfig) applyDefaults() error {
	if cfg.Capacity == 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.Dataroom == 0 {
		cfg.Dataroom = DefaultDataroom
	}
	if cfg.Capacity < 0 || cfg.Dataroom < MinDataroom {
		return fmt.Errorf("capacity must be positive and dataroom at least %d", MinDataroom)
	}
	return nil
}

// Pool is a fixed-capacity packet buffer pool.
type Pool struct {
	name     string
	cfg      PoolConfig
	mem      []byte
	pkts     []Packet
	freeList []int32
}

// NewPool creates a Pool backed by an anonymous mapping.
func NewPool(name string, cfg PoolConfig) (*Pool, error) {
	if e := cfg.applyDefaults(); e != nil {
		return nil, e
	}

	mem, e := unix.Mmap(-1, 0, cfg.Capacity*cfg.Dataroom,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if e != nil {
		return nil, fmt.Errorf("mmap: %w", e)
	}

	pool := &Pool{
		name:     name,
		cfg:      cfg,
		mem:      mem,
		pkts:     make([]Packet, cfg.Capacity),
		freeList: make([]int32, 0, cfg.Capacity),
	}
	for i := range pool.pkts {
		p := &pool.pkts[i]
		p.pool = pool
		p.buf = mem[i*cfg.Dataroom : (i+1)*cfg.Dataroom : (i+1)*cfg.Dataroom]
		pool.freeList = append(pool.freeList, int32(i))
	}
	logger.Info("pool created",
		zap.String("pool", name),
		zap.Int("capacity", cfg.Capacity),
		zap.Int("dataroom", cfg.Dataroom),
	)
	return pool, nil
}

// Name returns the pool name.
func (pool *Pool) Name() string {
	return pool.name
}

// Capacity returns the number of buffers owned by the pool.
func (pool *Pool) Capacity() int {
	return pool.cfg.Capacity
}

// Dataroom returns the buffer size, headroom included.
func (pool *Pool) Dataroom() int {
	return pool.cfg.Dataroom
}

// CountAvailable returns the number of free buffers.
func (pool *Pool) CountAvailable() int {
	return len(pool.freeList)
}

// CountInUse returns the number of allocated buffers.
func (pool *Pool) CountInUse() int {
	return pool.cfg.Capacity - len(pool.freeList)
}

// Backing returns the full backing region, for memory-region registration.
func (pool *Pool) Backing() []byte {
	return pool.mem
}

// BaseAddr returns the address of the first byte of the backing region.
func (pool *Pool) BaseAddr() uintptr {
	return uintptr(unsafe.Pointer(&pool.mem[0]))
}

// Alloc takes one buffer from the pool.
// It returns nil when the pool is exhausted; callers on the hot path handle
// this inline and never wait.
func (pool *Pool) Alloc() *Packet {
	n := len(pool.freeList)
	if n == 0 {
		return nil
	}
	idx := pool.freeList[n-1]
	pool.freeList = pool.freeList[:n-1]

	p := &pool.pkts[idx]
	p.allocated = true
	p.reset()
	return p
}

// AllocBurst takes up to len(out) buffers, filling out from the front.
// It returns the number of buffers allocated.
func (pool *Pool) AllocBurst(out []*Packet) int {
	for i := range out {
		if out[i] = pool.Alloc(); out[i] == nil {
			return i
		}
	}
	return len(out)
}

func (pool *Pool) free(p *Packet) {
	if !p.allocated {
		logger.Panic("double free",
			zap.String("pool", pool.name),
			zap.Int("index", p.index()),
		)
	}
	p.allocated = false
	p.next = nil
	pool.freeList = append(pool.freeList, int32(p.index()))
}

// Close unmaps the backing region.
// Buffers still in use become invalid; this is logged and tolerated.
func (pool *Pool) Close() error {
	if pool.mem == nil {
		return nil
	}
	if n := pool.CountInUse(); n > 0 {
		logger.Warn("closing pool with buffers in use",
			zap.String("pool", pool.name),
			zap.Int("count", n),
		)
	}
	mem := pool.mem
	pool.mem, pool.pkts, pool.freeList = nil, nil, nil
	return unix.Munmap(mem)
}

// ErrPoolClosed indicates use of a closed pool.
var ErrPoolClosed = errors.New("pool is closed")
