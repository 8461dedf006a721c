package memverbs

import (
	"sync"

	binutils "github.com/jfoster/binary-utilities"

	"github.com/packetlab/mlx4ring/verbs"
)

// CQ is a simulated completion queue.
type CQ struct {
	mu      sync.Mutex
	depth   int
	events  []verbs.WC
	pollErr error // fault injection, one-shot
}

var _ verbs.CQ = (*CQ)(nil)

func newCQ(depth int) *CQ {
	return &CQ{depth: int(binutils.NextPowerOfTwo(int64(depth)))}
}

// Depth returns the aligned queue depth.
func (cq *CQ) Depth() int {
	return cq.depth
}

func (cq *CQ) push(wc verbs.WC) {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	if len(cq.events) >= cq.depth {
		logger.Warn("completion queue overrun, event lost")
		return
	}
	cq.events = append(cq.events, wc)
}

func (cq *CQ) Poll(wcs []verbs.WC) (int, error) {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	if cq.pollErr != nil {
		e := cq.pollErr
		cq.pollErr = nil
		return 0, e
	}
	n := copy(wcs, cq.events)
	cq.events = cq.events[:copy(cq.events, cq.events[n:])]
	return n, nil
}

// SetPollError injects e as the result of the next Poll call.
func (cq *CQ) SetPollError(e error) {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	cq.pollErr = e
}

// Inject appends a raw completion event, for tests that need a completion
// hardware would not normally generate.
func (cq *CQ) Inject(wc verbs.WC) {
	cq.push(wc)
}

// Pending returns the number of undelivered completions.
func (cq *CQ) Pending() int {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	return len(cq.events)
}

func (cq *CQ) Close() error {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	cq.events = nil
	return nil
}
