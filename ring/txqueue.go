package ring

import (
	"fmt"

	"github.com/pkg/math"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/packetlab/mlx4ring/pktmbuf"
	"github.com/packetlab/mlx4ring/verbs"
)

// TxConfig configures a transmit queue.
type TxConfig struct {
	// Desc is the descriptor count, a positive multiple of DescAlign.
	// Each descriptor holds one in-flight packet of up to MaxSgePerWR
	// segments.
	Desc int `json:"desc"`

	// Port is the physical adapter port. Default is DefaultPort.
	Port uint8 `json:"port,omitempty"`
}

func (cfg *TxConfig) applyDefaults() {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
}

type txElt struct {
	pkt  *pktmbuf.Packet // head of the chain held by this slot; nil when free
	comp int32           // previous slot reclaimed by the same completion event; -1 ends the walk
	sges [MaxSgePerWR]verbs.Sge
}

// TxQueue is a transmit descriptor ring.
// Burst and Close calls must come from a single goroutine.
type TxQueue struct {
	cfg TxConfig
	cq  verbs.CQ
	qp  verbs.QP

	elts     []txElt
	cur      int   // next slot to fill
	used     int   // slots holding a packet
	free     int   // used+free == len(elts) at all times
	comp     int   // outstanding completion events
	lostHead int32 // slots posted without a signaled tail; -1 when empty

	mrCache *regionCache
	cnt     TxCounters

	wcs     []verbs.WC
	wrs     []verbs.SendWR
	wrBytes []uint64
	wrPkt   []int
	dropIdx []int

	closed bool
}

// NewTxQueue creates a transmit queue and drives its QP to the RTS state.
func NewTxQueue(ctx verbs.Context, pd verbs.PD, cfg TxConfig) (*TxQueue, error) {
	cfg.applyDefaults()
	if e := checkDesc(cfg.Desc, true); e != nil {
		return nil, e
	}
	eltsN := cfg.Desc

	attr := ctx.DeviceAttr()
	if eltsN > attr.MaxQPWR {
		logger.Warn("TX slot count clamped to device limit",
			zap.Int("requested", eltsN),
			zap.Int("limit", attr.MaxQPWR),
		)
		eltsN = attr.MaxQPWR
	}

	cq, e := ctx.CreateCQ(eltsN)
	if e != nil {
		return nil, fmt.Errorf("create CQ: %w", e)
	}
	qp, e := pd.CreateQP(verbs.QPInitAttr{
		SendCQ: cq,
		RecvCQ: cq,
		Cap: verbs.QPCap{
			MaxSendWR:     eltsN,
			MaxSendSge:    math.MinInt(MaxSgePerWR, attr.MaxSge),
			MaxInlineData: MaxInline,
		},
		Type: verbs.QPTypeRawPacket,
	})
	if e != nil {
		return nil, multierr.Append(fmt.Errorf("create QP: %w", e), cq.Close())
	}
	for _, mod := range []verbs.QPAttr{
		{State: verbs.QPStateInit, Port: cfg.Port},
		{State: verbs.QPStateRTR},
		{State: verbs.QPStateRTS},
	} {
		if e := qp.Modify(mod); e != nil {
			e = fmt.Errorf("QP to %s: %w", mod.State, e)
			return nil, multierr.Combine(e, qp.Close(), cq.Close())
		}
	}

	q := &TxQueue{
		cfg:      cfg,
		cq:       cq,
		qp:       qp,
		elts:     make([]txElt, eltsN),
		free:     eltsN,
		lostHead: -1,
		mrCache:  newRegionCache(pd),
		wcs:      make([]verbs.WC, math.MinInt(eltsN, MaxBurstSize)),
		wrs:      make([]verbs.SendWR, 0, MaxBurstSize),
		wrBytes:  make([]uint64, 0, MaxBurstSize),
		wrPkt:    make([]int, 0, MaxBurstSize),
	}
	for i := range q.elts {
		q.elts[i].comp = -1
	}
	logger.Info("TX queue ready",
		zap.Int("desc", cfg.Desc),
		zap.Int("slots", eltsN),
	)
	return q, nil
}

// QP exposes the queue pair, used by the owning port for teardown ordering.
func (q *TxQueue) QP() verbs.QP {
	return q.qp
}

// Capacity returns the number of packet slots.
func (q *TxQueue) Capacity() int {
	return len(q.elts)
}

// CountFree returns the number of slots available to SendBurst.
func (q *TxQueue) CountFree() int {
	return q.free
}

// CountUsed returns the number of slots holding in-flight packets.
func (q *TxQueue) CountUsed() int {
	return q.used
}

// Counters returns a snapshot of the soft counters.
func (q *TxQueue) Counters() TxCounters {
	return q.cnt
}

// ResetCounters zeroes the soft counters.
func (q *TxQueue) ResetCounters() {
	q.cnt = TxCounters{}
}

// Complete reclaims slots whose transmissions have finished.
// SendBurst calls this implicitly.
func (q *TxQueue) Complete() {
	q.complete()
}

func (q *TxQueue) complete() {
	if q.comp == 0 {
		return
	}
	n, e := q.cq.Poll(q.wcs)
	if e != nil {
		logger.Warn("TX completion poll failed", zap.Error(e))
		return
	}
	if n == 0 {
		return
	}

	// a completion event proves the send queue advanced past any slots
	// stranded by an earlier partial post
	freed := q.freeChain(q.lostHead)
	q.lostHead = -1

	for _, wc := range q.wcs[:n] {
		if wc.Status != verbs.WCSuccess {
			logger.Warn("TX completion error",
				zap.Stringer("status", wc.Status),
				zap.Uint64("slot", wc.ID),
			)
		}
		freed += q.freeChain(int32(wc.ID))
		q.comp--
	}
	q.used -= freed
	q.free += freed
}

// freeChain releases every slot on the back-link chain starting at head.
func (q *TxQueue) freeChain(head int32) (freed int) {
	for i := head; i >= 0; {
		elt := &q.elts[i]
		i = elt.comp
		elt.pkt.Close()
		elt.pkt = nil
		elt.comp = -1
		freed++
	}
	return freed
}

// buildSges fills the SGE array of slot with pkt's segments.
// It fails when the chain needs more than MaxSgePerWR elements or when a
// segment's pool cannot be registered; the slot is left untouched.
func (q *TxQueue) buildSges(slot int, pkt *pktmbuf.Packet) ([]verbs.Sge, bool) {
	sges := q.elts[slot].sges[:0]
	for seg := pkt; seg != nil; seg = seg.Next() {
		if seg.DataLen() == 0 && seg != pkt {
			continue
		}
		if len(sges) == MaxSgePerWR {
			return nil, false
		}
		lkey := q.mrCache.lkey(seg.Pool())
		if lkey == verbs.InvalidLKey {
			return nil, false
		}
		sges = append(sges, verbs.Sge{
			Addr:   seg.DataAddr(),
			Length: uint32(seg.DataLen()),
			LKey:   lkey,
		})
	}
	return sges, true
}

// SendBurst posts packets for transmission.
// It returns the number of leading packets consumed: either posted to
// hardware or dropped and freed because they cannot be transmitted. The
// caller retains ownership of pkts[consumed:] and may resubmit them once
// slots free up.
func (q *TxQueue) SendBurst(pkts pktmbuf.Vector) int {
	q.complete()
	if len(pkts) == 0 || q.free == 0 {
		return 0
	}

	max := math.MinInt(q.free, math.MinInt(len(pkts), MaxBurstSize))
	q.wrs = q.wrs[:0]
	q.wrBytes = q.wrBytes[:0]
	q.wrPkt = q.wrPkt[:0]
	q.dropIdx = q.dropIdx[:0]
	prev := int32(-1)

	scanned := 0
	for ; scanned < len(pkts) && len(q.wrs) < max; scanned++ {
		pkt := pkts[scanned]
		sges, ok := q.buildSges(q.cur, pkt)
		if !ok {
			q.dropIdx = append(q.dropIdx, scanned)
			continue
		}
		slot := q.cur
		elt := &q.elts[slot]
		elt.pkt = pkt
		elt.comp = prev
		prev = int32(slot)
		q.wrs = append(q.wrs, verbs.SendWR{ID: uint64(slot), Sges: sges})
		q.wrBytes = append(q.wrBytes, uint64(pkt.Len()))
		q.wrPkt = append(q.wrPkt, scanned)
		if q.cur++; q.cur == len(q.elts) {
			q.cur = 0
		}
	}

	consumed := scanned
	if len(q.wrs) > 0 {
		consumed = q.post(scanned)
	}

	for _, idx := range q.dropIdx {
		if idx >= consumed {
			break
		}
		pkts[idx].Close()
		q.cnt.Dropped++
	}
	return consumed
}

// post submits the prepared work requests. Only the batch tail requests a
// completion event; one event reclaims the whole batch through the comp
// back-links. It returns the number of leading packets consumed.
func (q *TxQueue) post(scanned int) int {
	q.wrs[len(q.wrs)-1].Signaled = true

	accepted, e := q.qp.PostSend(q.wrs)
	if accepted == len(q.wrs) && e == nil {
		q.used += accepted
		q.free -= accepted
		q.comp++
		q.countAccepted(accepted)
		return scanned
	}

	logger.Warn("partial send post",
		zap.Int("requested", len(q.wrs)),
		zap.Int("accepted", accepted),
		zap.Error(e),
	)

	// disown the unsent slots and rewind the fill cursor onto them
	for _, wr := range q.wrs[accepted:] {
		elt := &q.elts[wr.ID]
		elt.pkt = nil
		elt.comp = -1
	}
	q.cur = int(q.wrs[accepted].ID)

	if accepted == 0 {
		return q.wrPkt[0]
	}

	// the accepted prefix was posted without a signaled tail, so no
	// completion event will name it; park it on the lost list until the
	// next event proves the send queue has drained past it
	q.elts[q.wrs[0].ID].comp = q.lostHead
	q.lostHead = int32(q.wrs[accepted-1].ID)
	q.used += accepted
	q.free -= accepted
	q.countAccepted(accepted)
	return q.wrPkt[accepted-1] + 1
}

func (q *TxQueue) countAccepted(accepted int) {
	for i := 0; i < accepted; i++ {
		q.cnt.Packets++
		q.cnt.Octets += q.wrBytes[i]
	}
}

// Close releases in-flight packets and destroys the QP and CQ.
// Close is idempotent.
func (q *TxQueue) Close() error {
	if q.closed {
		return nil
	}
	q.closed = true

	for i := range q.elts {
		if elt := &q.elts[i]; elt.pkt != nil {
			elt.pkt.Close()
			elt.pkt = nil
			elt.comp = -1
		}
	}
	q.lostHead = -1
	q.used, q.free, q.comp = 0, len(q.elts), 0

	e := multierr.Combine(q.qp.Close(), q.cq.Close(), q.mrCache.close())
	logger.Info("TX queue closed", zap.Int("slots", len(q.elts)))
	return e
}
