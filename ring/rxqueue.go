package ring

import (
	"errors"
	"fmt"

	"github.com/pkg/math"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/packetlab/mlx4ring/pktmbuf"
	"github.com/packetlab/mlx4ring/verbs"
)

// EtherMaxLen is the default maximum frame length.
const EtherMaxLen = 1518

// ErrNoBuffers indicates the mbuf pool cannot seed the receive ring.
var ErrNoBuffers = errors.New("not enough buffers to fill the receive ring")

// ErrFrameLen indicates MaxRxPktLen exceeds what a receive element can hold.
var ErrFrameLen = errors.New("maximum frame length exceeds receive element capacity")

// RxConfig configures a receive queue.
type RxConfig struct {
	// Desc is the descriptor count, a positive multiple of DescAlign.
	// In scattered mode each receive element spends MaxSgePerWR
	// descriptors; otherwise one element spends one descriptor.
	Desc int `json:"desc"`

	// Pool supplies receive buffers. The queue keeps the ring filled from
	// this pool for its whole lifetime.
	Pool *pktmbuf.Pool `json:"-"`

	// MaxRxPktLen is the longest frame to accept. Default is EtherMaxLen.
	MaxRxPktLen int `json:"maxRxPktLen,omitempty"`

	// Jumbo enables scattered receive when MaxRxPktLen does not fit in a
	// single buffer.
	Jumbo bool `json:"jumbo,omitempty"`

	// Port is the physical adapter port. Default is DefaultPort.
	Port uint8 `json:"port,omitempty"`

	// PortID is recorded in the port field of received packets.
	PortID uint16 `json:"portID,omitempty"`
}

func (cfg *RxConfig) applyDefaults() {
	if cfg.MaxRxPktLen == 0 {
		cfg.MaxRxPktLen = EtherMaxLen
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
}

// rxElt is a single-buffer receive element.
type rxElt struct {
	pkt *pktmbuf.Packet
	wr  verbs.RecvWR
	sge [1]verbs.Sge
}

// rxEltSp is a scattered receive element spanning MaxSgePerWR buffers.
type rxEltSp struct {
	pkts [MaxSgePerWR]*pktmbuf.Packet
	wr   verbs.RecvWR
	sges [MaxSgePerWR]verbs.Sge
}

// RxQueue is a receive descriptor ring.
// Burst and Close calls must come from a single goroutine.
type RxQueue struct {
	cfg   RxConfig
	sp    bool // scattered receive
	eltsN int
	cq    verbs.CQ
	qp    verbs.QP
	mr    verbs.MR

	elts   []rxElt
	eltsSp []rxEltSp
	cnt    RxCounters

	wcs    []verbs.WC
	repost []verbs.RecvWR

	closed bool
}

// NewRxQueue creates a receive queue, fills its ring from cfg.Pool, and
// drives its QP to the RTR state. Creation is all or nothing: on any error
// every resource acquired so far is released.
func NewRxQueue(ctx verbs.Context, pd verbs.PD, cfg RxConfig) (*RxQueue, error) {
	cfg.applyDefaults()
	if e := checkDesc(cfg.Desc, false); e != nil {
		return nil, e
	}
	if cfg.Pool == nil {
		return nil, errors.New("RxConfig.Pool is required")
	}

	// probe one buffer to learn the usable room per element
	probe := cfg.Pool.Alloc()
	if probe == nil {
		return nil, ErrNoBuffers
	}
	headRoom := probe.Tailroom() // first buffer keeps its headroom
	fullRoom := probe.Dataroom()
	probe.Close()

	sp := cfg.Jumbo && cfg.MaxRxPktLen > headRoom
	eltsN := cfg.Desc
	if sp {
		if e := checkDesc(cfg.Desc, true); e != nil {
			return nil, e
		}
		eltsN = cfg.Desc / MaxSgePerWR
		if cfg.MaxRxPktLen > headRoom+(MaxSgePerWR-1)*fullRoom {
			return nil, fmt.Errorf("%w: %d > %d", ErrFrameLen,
				cfg.MaxRxPktLen, headRoom+(MaxSgePerWR-1)*fullRoom)
		}
	}

	attr := ctx.DeviceAttr()
	if eltsN > attr.MaxQPWR {
		logger.Warn("RX element count clamped to device limit",
			zap.Int("requested", eltsN),
			zap.Int("limit", attr.MaxQPWR),
		)
		eltsN = attr.MaxQPWR
	}

	cq, e := ctx.CreateCQ(eltsN)
	if e != nil {
		return nil, fmt.Errorf("create CQ: %w", e)
	}
	mr, e := pd.RegisterMR(cfg.Pool.Backing(), verbs.AccessLocalWrite)
	if e != nil {
		return nil, multierr.Append(fmt.Errorf("register pool region: %w", e), cq.Close())
	}

	recvSge := 1
	if sp {
		recvSge = math.MinInt(MaxSgePerWR, attr.MaxSge)
	}
	qp, e := pd.CreateQP(verbs.QPInitAttr{
		SendCQ: cq,
		RecvCQ: cq,
		Cap: verbs.QPCap{
			MaxRecvWR:  eltsN,
			MaxRecvSge: recvSge,
		},
		Type: verbs.QPTypeRawPacket,
	})
	if e != nil {
		return nil, multierr.Combine(fmt.Errorf("create QP: %w", e), mr.Close(), cq.Close())
	}

	q := &RxQueue{
		cfg:    cfg,
		sp:     sp,
		eltsN:  eltsN,
		cq:     cq,
		qp:     qp,
		mr:     mr,
		wcs:    make([]verbs.WC, math.MinInt(eltsN, MaxBurstSize)),
		repost: make([]verbs.RecvWR, 0, MaxBurstSize),
	}
	if e := q.setup(); e != nil {
		return nil, multierr.Append(e, multierr.Combine(qp.Close(), mr.Close(), cq.Close()))
	}

	logger.Info("RX queue ready",
		zap.Int("desc", cfg.Desc),
		zap.Int("elements", eltsN),
		zap.Bool("scattered", sp),
	)
	return q, nil
}

// setup transitions the QP, fills the ring, and arms it for receive.
func (q *RxQueue) setup() error {
	if e := q.qp.Modify(verbs.QPAttr{State: verbs.QPStateInit, Port: q.cfg.Port}); e != nil {
		return fmt.Errorf("QP to INIT: %w", e)
	}

	if q.sp {
		q.eltsSp = make([]rxEltSp, q.eltsCount())
		if e := q.allocEltsSp(); e != nil {
			return e
		}
		for i := range q.eltsSp {
			q.repost = append(q.repost, q.eltsSp[i].wr)
		}
	} else {
		q.elts = make([]rxElt, q.eltsCount())
		if e := q.allocElts(); e != nil {
			return e
		}
		for i := range q.elts {
			q.repost = append(q.repost, q.elts[i].wr)
		}
	}
	if _, e := q.qp.PostRecv(q.repost); e != nil {
		q.freeElts()
		return fmt.Errorf("post receive ring: %w", e)
	}
	q.repost = q.repost[:0]

	if e := q.qp.Modify(verbs.QPAttr{State: verbs.QPStateRTR}); e != nil {
		q.freeElts()
		return fmt.Errorf("QP to RTR: %w", e)
	}
	return nil
}

func (q *RxQueue) eltsCount() int {
	return q.eltsN
}

func (q *RxQueue) allocElts() error {
	lkey := q.mr.LKey()
	for i := range q.elts {
		pkt := q.cfg.Pool.Alloc()
		if pkt == nil {
			q.freeElts()
			return ErrNoBuffers
		}
		elt := &q.elts[i]
		elt.pkt = pkt
		elt.sge[0] = verbs.Sge{
			Addr:   pkt.DataAddr(),
			Length: uint32(pkt.Tailroom()),
			LKey:   lkey,
		}
		elt.wr = verbs.RecvWR{ID: uint64(i), Sges: elt.sge[:]}
	}
	return nil
}

func (q *RxQueue) allocEltsSp() error {
	lkey := q.mr.LKey()
	for i := range q.eltsSp {
		elt := &q.eltsSp[i]
		for j := 0; j < MaxSgePerWR; j++ {
			pkt := q.cfg.Pool.Alloc()
			if pkt == nil {
				q.freeElts()
				return ErrNoBuffers
			}
			if j > 0 {
				// only the first segment keeps headroom
				pkt.SetHeadroom(0)
			}
			elt.pkts[j] = pkt
			elt.sges[j] = verbs.Sge{
				Addr:   pkt.DataAddr(),
				Length: uint32(pkt.Tailroom()),
				LKey:   lkey,
			}
		}
		elt.wr = verbs.RecvWR{ID: uint64(i), Sges: elt.sges[:]}
	}
	return nil
}

func (q *RxQueue) freeElts() {
	for i := range q.elts {
		if pkt := q.elts[i].pkt; pkt != nil {
			pkt.Close()
			q.elts[i].pkt = nil
		}
	}
	for i := range q.eltsSp {
		for j, pkt := range q.eltsSp[i].pkts {
			if pkt != nil {
				pkt.Close()
				q.eltsSp[i].pkts[j] = nil
			}
		}
	}
}

// QP exposes the queue pair; the owning port attaches steering flows to it.
func (q *RxQueue) QP() verbs.QP {
	return q.qp
}

// Capacity returns the number of receive elements.
func (q *RxQueue) Capacity() int {
	return q.eltsCount()
}

// Scattered reports whether the queue receives frames across multiple buffers.
func (q *RxQueue) Scattered() bool {
	return q.sp
}

// Counters returns a snapshot of the soft counters.
func (q *RxQueue) Counters() RxCounters {
	return q.cnt
}

// ResetCounters zeroes the soft counters.
func (q *RxQueue) ResetCounters() {
	q.cnt = RxCounters{}
}

// ReceiveBurst retrieves received packets into vec.
// It returns the number of packets written, starting at vec[0]. Ownership of
// returned packets passes to the caller; the ring replaces their buffers so
// it always stays full.
func (q *RxQueue) ReceiveBurst(vec pktmbuf.Vector) int {
	if q.sp {
		return q.receiveScattered(vec)
	}
	return q.receiveCompact(vec)
}

func (q *RxQueue) receiveCompact(vec pktmbuf.Vector) int {
	if q.sp {
		// guards against a stale dispatch after reconfiguration
		return q.receiveScattered(vec)
	}

	n := math.MinInt(len(vec), len(q.wcs))
	if n == 0 {
		return 0
	}
	polled, e := q.cq.Poll(q.wcs[:n])
	if e != nil {
		logger.Warn("RX completion poll failed", zap.Error(e))
		return 0
	}

	rx := 0
	q.repost = q.repost[:0]
	for _, wc := range q.wcs[:polled] {
		elt := &q.elts[wc.ID]
		if wc.Status != verbs.WCSuccess {
			q.cnt.Dropped++
			logger.Debug("RX completion error",
				zap.Stringer("status", wc.Status),
				zap.Uint64("element", wc.ID),
			)
			q.repost = append(q.repost, elt.wr)
			continue
		}

		repl := q.cfg.Pool.Alloc()
		if repl == nil {
			// without a replacement the arrived frame cannot leave the ring
			q.cnt.Nombuf++
			q.repost = append(q.repost, elt.wr)
			continue
		}

		pkt := elt.pkt
		pkt.SetDataLen(int(wc.ByteLen))
		pkt.SetLen(int(wc.ByteLen))
		pkt.SetSegCount(1)
		pkt.SetPort(q.cfg.PortID)

		elt.pkt = repl
		elt.sge[0].Addr = repl.DataAddr()
		elt.sge[0].Length = uint32(repl.Tailroom())
		q.repost = append(q.repost, elt.wr)

		vec[rx] = pkt
		rx++
		q.cnt.Packets++
		q.cnt.Octets += uint64(wc.ByteLen)
	}

	q.postRepost()
	return rx
}

func (q *RxQueue) receiveScattered(vec pktmbuf.Vector) int {
	if !q.sp {
		// guards against a stale dispatch after reconfiguration
		return q.receiveCompact(vec)
	}

	n := math.MinInt(len(vec), len(q.wcs))
	if n == 0 {
		return 0
	}
	polled, e := q.cq.Poll(q.wcs[:n])
	if e != nil {
		logger.Warn("RX completion poll failed", zap.Error(e))
		return 0
	}

	rx := 0
	q.repost = q.repost[:0]
	for _, wc := range q.wcs[:polled] {
		elt := &q.eltsSp[wc.ID]
		if wc.Status != verbs.WCSuccess {
			q.cnt.Dropped++
			logger.Debug("RX completion error",
				zap.Stringer("status", wc.Status),
				zap.Uint64("element", wc.ID),
			)
			q.repost = append(q.repost, elt.wr)
			continue
		}

		head, ok := q.spliceScattered(elt, int(wc.ByteLen))
		if !ok {
			q.cnt.Nombuf++
			q.repost = append(q.repost, elt.wr)
			continue
		}
		q.repost = append(q.repost, elt.wr)

		vec[rx] = head
		rx++
		q.cnt.Packets++
		q.cnt.Octets += uint64(wc.ByteLen)
	}

	q.postRepost()
	return rx
}

// spliceScattered chains the element's consumed buffers into one packet and
// installs freshly allocated replacements. Replacement is all or nothing:
// when the pool runs dry, already-allocated buffers go back and the element
// is left intact for reposting.
func (q *RxQueue) spliceScattered(elt *rxEltSp, byteLen int) (*pktmbuf.Packet, bool) {
	// count the buffers the frame actually landed in
	need, rem := 0, byteLen
	for need == 0 || (rem > 0 && need < MaxSgePerWR) {
		rem -= math.MinInt(rem, int(elt.sges[need].Length))
		need++
	}

	var repl [MaxSgePerWR]*pktmbuf.Packet
	for j := 0; j < need; j++ {
		pkt := q.cfg.Pool.Alloc()
		if pkt == nil {
			for k := 0; k < j; k++ {
				repl[k].Close()
			}
			return nil, false
		}
		if j > 0 {
			pkt.SetHeadroom(0)
		}
		repl[j] = pkt
	}

	head, rem := elt.pkts[0], byteLen
	var prev *pktmbuf.Packet
	for j := 0; j < need; j++ {
		seg := elt.pkts[j]
		take := math.MinInt(rem, int(elt.sges[j].Length))
		seg.SetDataLen(take)
		rem -= take
		if prev != nil {
			prev.SetNext(seg)
		}
		prev = seg

		elt.pkts[j] = repl[j]
		elt.sges[j].Addr = repl[j].DataAddr()
		elt.sges[j].Length = uint32(repl[j].Tailroom())
	}
	prev.SetNext(nil)

	head.SetLen(byteLen)
	head.SetSegCount(need)
	head.SetPort(q.cfg.PortID)
	return head, true
}

// postRepost returns processed elements to the hardware in one call.
// The ring cannot recover from a failed repost: elements would leak out of
// the perpetual refill cycle, so this aborts the process.
func (q *RxQueue) postRepost() {
	if len(q.repost) == 0 {
		return
	}
	accepted, e := q.qp.PostRecv(q.repost)
	if e != nil || accepted < len(q.repost) {
		logger.Fatal("receive repost failed",
			zap.Int("requested", len(q.repost)),
			zap.Int("accepted", accepted),
			zap.Error(e),
		)
	}
	q.repost = q.repost[:0]
}

// Close releases ring buffers and destroys the QP and CQ.
// Close is idempotent.
func (q *RxQueue) Close() error {
	if q.closed {
		return nil
	}
	q.closed = true

	e := multierr.Append(q.qp.Close(), q.cq.Close())
	q.freeElts()
	e = multierr.Append(e, q.mr.Close())
	logger.Info("RX queue closed", zap.Int("elements", q.eltsCount()))
	return e
}
