package verbs

import (
	"fmt"
	"net"
)

// Sge is one scatter/gather element: (address, length, region key).
type Sge struct {
	Addr   uintptr
	Length uint32
	LKey   uint32
}

// SendWR is a send work request.
type SendWR struct {
	ID       uint64 // caller-chosen identifier, echoed in the completion
	Sges     []Sge
	Signaled bool // request a completion event for this WR
}

// RecvWR is a receive work request.
type RecvWR struct {
	ID   uint64
	Sges []Sge
}

// WCStatus is a work completion status.
type WCStatus uint8

// WCStatus values.
const (
	WCSuccess WCStatus = iota
	WCLocalLengthErr
	WCLocalProtErr
	WCGeneralErr
)

func (st WCStatus) String() string {
	switch st {
	case WCSuccess:
		return "success"
	case WCLocalLengthErr:
		return "local-length-error"
	case WCLocalProtErr:
		return "local-protection-error"
	case WCGeneralErr:
		return "general-error"
	}
	return fmt.Sprintf("status-%d", uint8(st))
}

// WCOpcode identifies the operation a completion refers to.
type WCOpcode uint8

// WCOpcode values.
const (
	WCSend WCOpcode = iota
	WCRecv
)

// WC is a work completion event.
type WC struct {
	ID      uint64
	Status  WCStatus
	Opcode  WCOpcode
	ByteLen uint32
}

// QPState is a queue pair state.
type QPState uint8

// QP state machine, in transition order.
const (
	QPStateReset QPState = iota
	QPStateInit
	QPStateRTR // ready to receive
	QPStateRTS // ready to send
	QPStateErr
)

func (st QPState) String() string {
	switch st {
	case QPStateReset:
		return "RESET"
	case QPStateInit:
		return "INIT"
	case QPStateRTR:
		return "RTR"
	case QPStateRTS:
		return "RTS"
	case QPStateErr:
		return "ERR"
	}
	return fmt.Sprintf("state-%d", uint8(st))
}

// QPAttr carries queue pair modification parameters.
type QPAttr struct {
	State QPState
	Port  uint8 // physical port, significant when transitioning to Init
}

// QPType is a queue pair service type.
type QPType uint8

// QPType values. Only raw packet queue pairs are used by this driver.
const (
	QPTypeRawPacket QPType = iota
)

// QPCap bounds the work queues of a QP.
type QPCap struct {
	MaxSendWR  int
	MaxRecvWR  int
	MaxSendSge int
	MaxRecvSge int

	// MaxInlineData is the largest payload copied into the work request
	// itself instead of being fetched by gather entry.
	MaxInlineData int
}

// QPInitAttr carries queue pair creation parameters.
type QPInitAttr struct {
	SendCQ CQ
	RecvCQ CQ
	Cap    QPCap
	Type   QPType

	// SigAll requests a completion event for every send WR.
	// The TX engine manages signaling per burst instead, so this stays false.
	SigAll bool
}

// AccessFlags controls DMA permissions of a memory region.
type AccessFlags uint32

// AccessFlags values.
const (
	AccessLocalWrite AccessFlags = 1 << iota
	AccessRemoteWrite
)

// DeviceAttr describes adapter limits.
type DeviceAttr struct {
	MaxQPWR int // work requests per queue
	MaxSge  int // scatter/gather elements per work request
	MaxQP   int
	MaxCQ   int
}

// PortState is a physical port state.
type PortState uint8

// PortState values.
const (
	PortDown PortState = iota
	PortActive
)

// PortAttr describes a physical port.
type PortAttr struct {
	State       PortState
	ActiveSpeed int // per-lane signaling rate in Mbps
	ActiveWidth int // lane count
}

// SpeedMbps returns the aggregate port speed in Mbps.
func (a PortAttr) SpeedMbps() int {
	return a.ActiveSpeed * a.ActiveWidth
}

// FlowKind selects a steering rule type.
type FlowKind uint8

// FlowKind values.
const (
	// FlowNormal matches a destination MAC address, optionally restricted
	// to a set of VLAN IDs.
	FlowNormal FlowKind = iota

	// FlowAllMulti matches all multicast destinations.
	FlowAllMulti

	// FlowPromisc matches every frame.
	FlowPromisc
)

// FlowSpec describes a steering rule.
type FlowSpec struct {
	Kind    FlowKind
	Dst     net.HardwareAddr // significant for FlowNormal
	VlanIDs []uint16         // empty means untagged and any tag
}
