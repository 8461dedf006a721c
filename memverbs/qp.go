package memverbs

import (
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/packetlab/mlx4ring/core/macaddr"
	"github.com/packetlab/mlx4ring/verbs"
)

// QP is a simulated queue pair.
type QP struct {
	mu    sync.Mutex
	pd    *PD
	init  verbs.QPInitAttr
	state verbs.QPState
	port  uint8
	recvQ []verbs.RecvWR

	// fault injection: when sendLimitErr is non-nil, the next PostSend
	// accepts at most sendLimit WRs and fails with sendLimitErr.
	sendLimit    int
	sendLimitErr error
}

var _ verbs.QP = (*QP)(nil)

func newQP(pd *PD, init verbs.QPInitAttr) *QP {
	return &QP{pd: pd, init: init, state: verbs.QPStateReset}
}

func (qp *QP) State() verbs.QPState {
	qp.mu.Lock()
	defer qp.mu.Unlock()
	return qp.state
}

func (qp *QP) Modify(attr verbs.QPAttr) error {
	qp.mu.Lock()
	defer qp.mu.Unlock()

	ok := false
	switch attr.State {
	case verbs.QPStateReset:
		ok = true
	case verbs.QPStateInit:
		ok = qp.state == verbs.QPStateReset
		if ok && attr.Port != 0 {
			qp.port = attr.Port
		}
	case verbs.QPStateRTR:
		ok = qp.state == verbs.QPStateInit
	case verbs.QPStateRTS:
		ok = qp.state == verbs.QPStateRTR
	case verbs.QPStateErr:
		ok = true
	}
	if !ok {
		return verbs.ErrQPState
	}
	qp.state = attr.State
	return nil
}

// FailPostSendAfter arms a one-shot fault: the next PostSend call accepts at
// most accepted WRs and then reports e.
func (qp *QP) FailPostSendAfter(accepted int, e error) {
	qp.mu.Lock()
	defer qp.mu.Unlock()
	qp.sendLimit, qp.sendLimitErr = accepted, e
}

func (qp *QP) PostSend(wrs []verbs.SendWR) (int, error) {
	qp.mu.Lock()
	if qp.state != verbs.QPStateRTS {
		qp.mu.Unlock()
		return 0, verbs.ErrQPState
	}
	limit, limitErr := len(wrs), error(nil)
	if qp.sendLimitErr != nil {
		if qp.sendLimit < limit {
			limit, limitErr = qp.sendLimit, qp.sendLimitErr
		}
		qp.sendLimit, qp.sendLimitErr = 0, nil
	}
	qp.mu.Unlock()

	for i, wr := range wrs {
		if i == limit {
			return i, limitErr
		}
		frame, ok := qp.gather(wr.Sges)
		if !ok {
			return i, verbs.ErrBadLKey
		}
		qp.pd.adapter.transmit(frame)
		if wr.Signaled && qp.init.SendCQ != nil {
			qp.init.SendCQ.(*CQ).push(verbs.WC{
				ID:     wr.ID,
				Status: verbs.WCSuccess,
				Opcode: verbs.WCSend,
			})
		}
	}
	return len(wrs), nil
}

func (qp *QP) gather(sges []verbs.Sge) ([]byte, bool) {
	total := 0
	for _, sge := range sges {
		total += int(sge.Length)
	}
	frame := make([]byte, 0, total)
	for _, sge := range sges {
		seg, ok := qp.pd.resolve(sge)
		if !ok {
			return nil, false
		}
		frame = append(frame, seg...)
	}
	return frame, true
}

func (qp *QP) PostRecv(wrs []verbs.RecvWR) (int, error) {
	qp.mu.Lock()
	defer qp.mu.Unlock()
	if qp.state < verbs.QPStateInit || qp.state > verbs.QPStateRTS {
		return 0, verbs.ErrQPState
	}
	for _, wr := range wrs {
		// hardware snapshots the descriptor at post time
		cp := verbs.RecvWR{ID: wr.ID, Sges: append([]verbs.Sge(nil), wr.Sges...)}
		qp.recvQ = append(qp.recvQ, cp)
	}
	return len(wrs), nil
}

// CountRecvPosted returns the number of receive WRs awaiting frames.
func (qp *QP) CountRecvPosted() int {
	qp.mu.Lock()
	defer qp.mu.Unlock()
	return len(qp.recvQ)
}

// receive scatters an ingress frame into the oldest posted receive WR.
func (qp *QP) receive(frame []byte) bool {
	qp.mu.Lock()
	if qp.state < verbs.QPStateRTR || len(qp.recvQ) == 0 {
		qp.mu.Unlock()
		return false
	}
	wr := qp.recvQ[0]
	qp.recvQ = qp.recvQ[:copy(qp.recvQ, qp.recvQ[1:])]
	qp.mu.Unlock()

	wc := verbs.WC{ID: wr.ID, Status: verbs.WCSuccess, Opcode: verbs.WCRecv, ByteLen: uint32(len(frame))}
	rem := frame
	for _, sge := range wr.Sges {
		if len(rem) == 0 {
			break
		}
		seg, ok := qp.pd.resolve(sge)
		if !ok {
			wc.Status = verbs.WCLocalProtErr
			break
		}
		rem = rem[copy(seg, rem):]
	}
	if len(rem) > 0 && wc.Status == verbs.WCSuccess {
		wc.Status = verbs.WCLocalLengthErr
	}
	if qp.init.RecvCQ != nil {
		qp.init.RecvCQ.(*CQ).push(wc)
	}
	return true
}

func (qp *QP) CreateFlow(spec verbs.FlowSpec) (verbs.Flow, error) {
	if e := qp.pd.adapter.createFlowError(); e != nil {
		return nil, e
	}
	rule := &flowRule{
		spec: verbs.FlowSpec{
			Kind:    spec.Kind,
			Dst:     append(net.HardwareAddr(nil), spec.Dst...),
			VlanIDs: append([]uint16(nil), spec.VlanIDs...),
		},
		qp: qp,
	}
	qp.pd.adapter.attachFlow(rule)
	return rule, nil
}

func (qp *QP) Close() error {
	qp.mu.Lock()
	qp.state = verbs.QPStateReset
	qp.recvQ = nil
	qp.mu.Unlock()

	a := qp.pd.adapter
	a.mu.Lock()
	kept := a.flows[:0]
	for _, rule := range a.flows {
		if rule.qp != qp {
			kept = append(kept, rule)
		}
	}
	if len(kept) != len(a.flows) {
		logger.Debug("destroying QP with flows still attached", zap.String("adapter", a.cfg.Name))
	}
	a.flows = kept
	a.mu.Unlock()
	return nil
}

type flowRule struct {
	spec verbs.FlowSpec
	qp   *QP
}

var _ verbs.Flow = (*flowRule)(nil)

func (rule *flowRule) match(frame []byte) bool {
	switch rule.spec.Kind {
	case verbs.FlowPromisc:
		return true
	case verbs.FlowAllMulti:
		return macaddr.IsMulticast(net.HardwareAddr(frame[0:6]))
	case verbs.FlowNormal:
		if !macaddr.Equal(net.HardwareAddr(frame[0:6]), rule.spec.Dst) {
			return false
		}
		if len(rule.spec.VlanIDs) == 0 {
			return true
		}
		vid, tagged := frameVlan(frame)
		if !tagged {
			return true
		}
		for _, id := range rule.spec.VlanIDs {
			if id == vid {
				return true
			}
		}
		return false
	}
	return false
}

func frameVlan(frame []byte) (vid uint16, tagged bool) {
	if len(frame) < 18 || frame[12] != 0x81 || frame[13] != 0x00 {
		return 0, false
	}
	return uint16(frame[14]&0x0f)<<8 | uint16(frame[15]), true
}

func (rule *flowRule) Close() error {
	rule.qp.pd.adapter.detachFlow(rule)
	return nil
}
