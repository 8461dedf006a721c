package memverbs

import (
	"sync"
	"unsafe"

	"github.com/packetlab/mlx4ring/verbs"
)

type memRegion struct {
	pd     *PD
	base   uintptr
	mem    []byte
	lkey   uint32
	access verbs.AccessFlags
}

var _ verbs.MR = (*memRegion)(nil)

func (mr *memRegion) LKey() uint32 {
	return mr.lkey
}

func (mr *memRegion) Close() error {
	mr.pd.mu.Lock()
	defer mr.pd.mu.Unlock()
	delete(mr.pd.regions, mr.lkey)
	return nil
}

// PD is a simulated protection domain.
type PD struct {
	mu       sync.Mutex
	adapter  *Adapter
	regions  map[uint32]*memRegion
	nextLKey uint32
	nQP      int

	registerErr error // fault injection
}

var _ verbs.PD = (*PD)(nil)

func (pd *PD) RegisterMR(region []byte, access verbs.AccessFlags) (verbs.MR, error) {
	pd.mu.Lock()
	defer pd.mu.Unlock()
	if pd.registerErr != nil {
		return nil, pd.registerErr
	}
	if len(region) == 0 {
		return nil, verbs.ErrNoResources
	}
	pd.nextLKey++
	mr := &memRegion{
		pd:     pd,
		base:   uintptr(unsafe.Pointer(&region[0])),
		mem:    region,
		lkey:   pd.nextLKey,
		access: access,
	}
	pd.regions[mr.lkey] = mr
	return mr, nil
}

// CountMRs returns the number of live memory regions.
func (pd *PD) CountMRs() int {
	pd.mu.Lock()
	defer pd.mu.Unlock()
	return len(pd.regions)
}

// SetRegisterMRError injects e as the result of subsequent RegisterMR calls.
// Pass nil to restore normal operation.
func (pd *PD) SetRegisterMRError(e error) {
	pd.mu.Lock()
	defer pd.mu.Unlock()
	pd.registerErr = e
}

// resolve maps an SGE to the registered bytes it points at.
func (pd *PD) resolve(sge verbs.Sge) ([]byte, bool) {
	pd.mu.Lock()
	mr, ok := pd.regions[sge.LKey]
	pd.mu.Unlock()
	if !ok {
		return nil, false
	}
	off := int64(sge.Addr) - int64(mr.base)
	if off < 0 || off+int64(sge.Length) > int64(len(mr.mem)) {
		return nil, false
	}
	return mr.mem[off : off+int64(sge.Length)], true
}

func (pd *PD) CreateQP(init verbs.QPInitAttr) (verbs.QP, error) {
	pd.mu.Lock()
	defer pd.mu.Unlock()
	if init.SendCQ == nil && init.RecvCQ == nil {
		return nil, verbs.ErrNoResources
	}
	if pd.nQP >= pd.adapter.cfg.Attr.MaxQP {
		return nil, verbs.ErrNoResources
	}
	pd.nQP++
	return newQP(pd, init), nil
}

func (pd *PD) Close() error {
	pd.mu.Lock()
	defer pd.mu.Unlock()
	pd.regions = map[uint32]*memRegion{}
	return nil
}
