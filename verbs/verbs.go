// Package verbs defines the queue-pair hardware boundary.
//
// The interfaces mirror a classic producer/consumer NIC control surface:
// descriptor posting, completion polling, memory-region registration, and
// queue-pair state transitions. Hardware behind this boundary is an external
// collaborator; the memverbs package provides an in-memory implementation.
package verbs

import (
	"errors"
	"io"
)

// Errors returned across the hardware boundary.
var (
	ErrQPState     = errors.New("operation not allowed in current QP state")
	ErrBadLKey     = errors.New("SGE references an unregistered memory region")
	ErrRingFull    = errors.New("work queue is full")
	ErrCQDepth     = errors.New("completion queue depth exceeded")
	ErrClosed      = errors.New("object is closed")
	ErrNoResources = errors.New("out of hardware resources")
)

// InvalidLKey is the sentinel returned when a memory region cannot be resolved.
const InvalidLKey = ^uint32(0)

// Device represents an adapter that can be opened for verbs access.
type Device interface {
	Name() string
	Open() (Context, error)
}

// Context is an open adapter handle.
type Context interface {
	io.Closer

	DeviceAttr() DeviceAttr
	QueryPort(port uint8) (PortAttr, error)
	AllocPD() (PD, error)
	CreateCQ(depth int) (CQ, error)
}

// PD is a protection domain: the scope of memory registrations and queue pairs.
type PD interface {
	io.Closer

	// RegisterMR registers a memory region for DMA access.
	RegisterMR(region []byte, access AccessFlags) (MR, error)

	// CreateQP creates a queue pair in the Reset state.
	CreateQP(init QPInitAttr) (QP, error)
}

// MR is a registered memory region.
type MR interface {
	io.Closer

	// LKey returns the local access key authorizing DMA on this region.
	LKey() uint32
}

// CQ is a completion queue.
type CQ interface {
	io.Closer

	// Poll retrieves at most len(wcs) completions without blocking.
	// It returns the number of completions written into wcs.
	Poll(wcs []WC) (int, error)
}

// QP is a queue pair: a send work queue and a receive work queue.
type QP interface {
	io.Closer

	State() QPState

	// Modify transitions the QP state machine.
	Modify(attr QPAttr) error

	// PostSend submits a chain of send work requests in one call.
	// It returns the number of leading work requests accepted by hardware;
	// err is non-nil when accepted < len(wrs).
	PostSend(wrs []SendWR) (accepted int, err error)

	// PostRecv submits a chain of receive work requests in one call.
	// It returns the number of leading work requests accepted by hardware;
	// err is non-nil when accepted < len(wrs).
	PostRecv(wrs []RecvWR) (accepted int, err error)

	// CreateFlow attaches a steering rule directing matching ingress
	// traffic to this QP's receive queue.
	CreateFlow(spec FlowSpec) (Flow, error)
}

// Flow is an attached steering rule.
type Flow interface {
	io.Closer
}
