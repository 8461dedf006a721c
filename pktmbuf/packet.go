package pktmbuf

import (
	"errors"
	"unsafe"
)

// Packet errors.
var (
	ErrNotEmpty = errors.New("packet is not empty")
	ErrTailroom = errors.New("not enough tailroom")
)

// Packet is a handle to one pool-owned buffer, optionally chained into a
// multi-segment packet. A Packet is exclusively owned by whichever ring slot
// or caller currently references it, and is never duplicated.
type Packet struct {
	pool      *Pool
	buf       []byte
	dataOff   int
	dataLen   int
	pktLen    int // total length across the chain, head segment only
	segCount  int
	port      uint16
	next      *Packet
	allocated bool
}

func (p *Packet) index() int {
	base := uintptr(unsafe.Pointer(&p.pool.pkts[0]))
	return int((uintptr(unsafe.Pointer(p)) - base) / unsafe.Sizeof(Packet{}))
}

func (p *Packet) reset() {
	p.dataOff = DefaultHeadroom
	p.dataLen = 0
	p.pktLen = 0
	p.segCount = 1
	p.port = 0
	p.next = nil
}

// Pool returns the owning pool.
func (p *Packet) Pool() *Pool {
	return p.pool
}

// Len returns total packet length in octets.
func (p *Packet) Len() int {
	return p.pktLen
}

// SetLen sets total packet length; meaningful on the head segment only.
func (p *Packet) SetLen(n int) {
	p.pktLen = n
}

// DataLen returns the length of this segment.
func (p *Packet) DataLen() int {
	return p.dataLen
}

// SetDataLen sets the length of this segment.
func (p *Packet) SetDataLen(n int) {
	p.dataLen = n
}

// SegCount returns the number of segments; meaningful on the head segment.
func (p *Packet) SegCount() int {
	return p.segCount
}

// SetSegCount sets the segment count on the head segment.
func (p *Packet) SetSegCount(n int) {
	p.segCount = n
}

// Port returns the ingress port tag.
func (p *Packet) Port() uint16 {
	return p.port
}

// SetPort sets the ingress port tag.
func (p *Packet) SetPort(port uint16) {
	p.port = port
}

// Next returns the following segment, or nil on the last segment.
func (p *Packet) Next() *Packet {
	return p.next
}

// SetNext links seg as the following segment.
func (p *Packet) SetNext(seg *Packet) {
	p.next = seg
}

// Dataroom returns the buffer size, headroom included.
func (p *Packet) Dataroom() int {
	return len(p.buf)
}

// Headroom returns the unused space before the data of this segment.
func (p *Packet) Headroom() int {
	return p.dataOff
}

// Tailroom returns the unused space after the data of this segment.
func (p *Packet) Tailroom() int {
	return len(p.buf) - p.dataOff - p.dataLen
}

// SetHeadroom changes the headroom of this segment.
// It can only be used on an empty segment.
func (p *Packet) SetHeadroom(headroom int) error {
	if p.dataLen > 0 {
		return ErrNotEmpty
	}
	p.dataOff = headroom
	return nil
}

// BufAddr returns the address of the first byte of the buffer.
func (p *Packet) BufAddr() uintptr {
	return uintptr(unsafe.Pointer(&p.buf[0]))
}

// DataAddr returns the DMA address of the data of this segment.
func (p *Packet) DataAddr() uintptr {
	return p.BufAddr() + uintptr(p.dataOff)
}

// Data returns the payload of this segment.
func (p *Packet) Data() []byte {
	return p.buf[p.dataOff : p.dataOff+p.dataLen]
}

// Append copies b into the tailroom of this segment, extending the segment
// and total lengths.
func (p *Packet) Append(b []byte) error {
	if len(b) > p.Tailroom() {
		return ErrTailroom
	}
	copy(p.buf[p.dataOff+p.dataLen:], b)
	p.dataLen += len(b)
	p.pktLen += len(b)
	return nil
}

// Bytes returns a copy of the packet payload, all segments concatenated.
func (p *Packet) Bytes() []byte {
	b := make([]byte, 0, p.pktLen)
	for seg := p; seg != nil; seg = seg.next {
		b = append(b, seg.Data()...)
	}
	return b
}

// SegmentLengths returns lengths of segments in this packet.
func (p *Packet) SegmentLengths() (list []int) {
	for seg := p; seg != nil; seg = seg.next {
		list = append(list, seg.dataLen)
	}
	return list
}

// Close releases every segment of the packet to its pool.
func (p *Packet) Close() error {
	for seg := p; seg != nil; {
		next := seg.next
		seg.pool.free(seg)
		seg = next
	}
	return nil
}

// CloseSegment releases this segment only, ignoring the chain.
func (p *Packet) CloseSegment() error {
	p.pool.free(p)
	return nil
}

// Vector is a burst of packets.
type Vector []*Packet

// Close releases every packet in the vector.
func (vec Vector) Close() error {
	for _, p := range vec {
		if p != nil {
			p.Close()
		}
	}
	return nil
}
