package ring_test

import (
	"net"
	"testing"

	"github.com/packetlab/mlx4ring/memverbs"
	"github.com/packetlab/mlx4ring/pktmbuf"
	"github.com/packetlab/mlx4ring/ring"
	"github.com/packetlab/mlx4ring/verbs"
)

func rxFrame(length int) []byte {
	frame := make([]byte, length)
	copy(frame[0:6], net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01})
	copy(frame[6:12], net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02})
	frame[12], frame[13] = 0x08, 0x00
	for i := 14; i < length; i++ {
		frame[i] = byte(i * 7)
	}
	return frame
}

func TestRxInvalidConfig(t *testing.T) {
	assert, require := makeAR(t)

	_, ctx, pd := newVerbs(t, "rxcfg")
	pool, e := pktmbuf.NewPool("rxcfg", pktmbuf.PoolConfig{Capacity: 32, Dataroom: 512})
	require.NoError(e)
	defer pool.Close()

	_, e = ring.NewRxQueue(ctx, pd, ring.RxConfig{Desc: 0, Pool: pool})
	assert.ErrorIs(e, ring.ErrDescCount)

	// scattered mode spends 4 descriptors per element
	_, e = ring.NewRxQueue(ctx, pd, ring.RxConfig{Desc: 6, Pool: pool, Jumbo: true, MaxRxPktLen: 1500})
	assert.ErrorIs(e, ring.ErrDescCount)

	// 4 buffers of 512 octets cannot hold such a frame
	_, e = ring.NewRxQueue(ctx, pd, ring.RxConfig{Desc: 8, Pool: pool, Jumbo: true, MaxRxPktLen: 5000})
	assert.ErrorIs(e, ring.ErrFrameLen)

	_, e = ring.NewRxQueue(ctx, pd, ring.RxConfig{Desc: 4})
	assert.Error(e)
}

func TestRxReceiveRepost(t *testing.T) {
	assert, require := makeAR(t)

	adapter, ctx, pd := newVerbs(t, "rxrecv")
	pool, e := pktmbuf.NewPool("rxrecv", pktmbuf.PoolConfig{Capacity: 8, Dataroom: 2048})
	require.NoError(e)
	defer pool.Close()

	q, e := ring.NewRxQueue(ctx, pd, ring.RxConfig{Desc: 2, Pool: pool, PortID: 5})
	require.NoError(e)
	defer q.Close()
	require.False(q.Scattered())
	require.Equal(2, q.Capacity())

	flow, e := q.QP().CreateFlow(verbs.FlowSpec{Kind: verbs.FlowPromisc})
	require.NoError(e)
	defer flow.Close()

	frames := [][]byte{rxFrame(100), rxFrame(200)}
	for _, frame := range frames {
		require.True(adapter.Deliver(frame))
	}

	vec := make(pktmbuf.Vector, 4)
	n := q.ReceiveBurst(vec)
	require.Equal(2, n)
	for i, frame := range frames {
		pkt := vec[i]
		assert.Equal(len(frame), pkt.Len())
		assert.Equal(1, pkt.SegCount())
		assert.EqualValues(5, pkt.Port())
		assert.Equal(frame, pkt.Bytes())
	}
	require.NoError(vec.Close())

	// both elements are back in the ring with fresh buffers
	assert.Equal(2, q.QP().(*memverbs.QP).CountRecvPosted())
	assert.Equal(2, pool.CountInUse())

	cnt := q.Counters()
	assert.EqualValues(2, cnt.Packets)
	assert.EqualValues(300, cnt.Octets)
	assert.Zero(cnt.Dropped)
	assert.Zero(cnt.Nombuf)
}

func TestRxNombuf(t *testing.T) {
	assert, require := makeAR(t)

	adapter, ctx, pd := newVerbs(t, "rxnombuf")
	pool, e := pktmbuf.NewPool("rxnombuf", pktmbuf.PoolConfig{Capacity: 2, Dataroom: 2048})
	require.NoError(e)
	defer pool.Close()

	q, e := ring.NewRxQueue(ctx, pd, ring.RxConfig{Desc: 2, Pool: pool})
	require.NoError(e)
	defer q.Close()

	flow, e := q.QP().CreateFlow(verbs.FlowSpec{Kind: verbs.FlowPromisc})
	require.NoError(e)
	defer flow.Close()

	require.True(adapter.Deliver(rxFrame(64)))

	// with no spare buffer, the frame is discarded and the element reposted
	vec := make(pktmbuf.Vector, 4)
	assert.Zero(q.ReceiveBurst(vec))
	assert.EqualValues(1, q.Counters().Nombuf)
	assert.Equal(2, q.QP().(*memverbs.QP).CountRecvPosted())
}

func TestRxErrorCompletion(t *testing.T) {
	assert, require := makeAR(t)

	adapter, ctx, pd := newVerbs(t, "rxerr")
	pool, e := pktmbuf.NewPool("rxerr", pktmbuf.PoolConfig{Capacity: 8, Dataroom: 512})
	require.NoError(e)
	defer pool.Close()

	q, e := ring.NewRxQueue(ctx, pd, ring.RxConfig{Desc: 4, Pool: pool})
	require.NoError(e)
	defer q.Close()

	flow, e := q.QP().CreateFlow(verbs.FlowSpec{Kind: verbs.FlowPromisc})
	require.NoError(e)
	defer flow.Close()

	// a 500-octet frame overflows the 384-octet receive element
	require.True(adapter.Deliver(rxFrame(500)))
	require.True(adapter.Deliver(rxFrame(64)))

	vec := make(pktmbuf.Vector, 4)
	n := q.ReceiveBurst(vec)
	require.Equal(1, n)
	assert.Equal(64, vec[0].Len())
	require.NoError(vec[0].Close())

	cnt := q.Counters()
	assert.EqualValues(1, cnt.Dropped)
	assert.EqualValues(1, cnt.Packets)
	assert.Equal(4, q.QP().(*memverbs.QP).CountRecvPosted())
}

func TestRxScattered(t *testing.T) {
	assert, require := makeAR(t)

	adapter, ctx, pd := newVerbs(t, "rxsp")
	pool, e := pktmbuf.NewPool("rxsp", pktmbuf.PoolConfig{Capacity: 16, Dataroom: 512})
	require.NoError(e)
	defer pool.Close()

	q, e := ring.NewRxQueue(ctx, pd, ring.RxConfig{
		Desc:        8,
		Pool:        pool,
		Jumbo:       true,
		MaxRxPktLen: 1500,
	})
	require.NoError(e)
	defer q.Close()
	require.True(q.Scattered())
	require.Equal(2, q.Capacity())

	flow, e := q.QP().CreateFlow(verbs.FlowSpec{Kind: verbs.FlowPromisc})
	require.NoError(e)
	defer flow.Close()

	// segment rooms are 384 (headroom kept on the first buffer) then 512
	frame := rxFrame(1000)
	require.True(adapter.Deliver(frame))

	vec := make(pktmbuf.Vector, 4)
	n := q.ReceiveBurst(vec)
	require.Equal(1, n)
	pkt := vec[0]
	assert.Equal(1000, pkt.Len())
	assert.Equal(3, pkt.SegCount())
	assert.Equal([]int{384, 512, 104}, pkt.SegmentLengths())
	assert.Equal(frame, pkt.Bytes())
	require.NoError(pkt.Close())

	assert.Equal(2, q.QP().(*memverbs.QP).CountRecvPosted())
	assert.EqualValues(1, q.Counters().Packets)

	// a short frame stays in one segment
	short := rxFrame(60)
	require.True(adapter.Deliver(short))
	n = q.ReceiveBurst(vec)
	require.Equal(1, n)
	assert.Equal(1, vec[0].SegCount())
	assert.Equal(60, vec[0].Len())
	assert.Equal(short, vec[0].Bytes())
	require.NoError(vec[0].Close())
}

func TestRxAllOrNothingSetup(t *testing.T) {
	assert, require := makeAR(t)

	_, ctx, pd := newVerbs(t, "rxatomic")
	pool, e := pktmbuf.NewPool("rxatomic", pktmbuf.PoolConfig{Capacity: 4, Dataroom: 512})
	require.NoError(e)
	defer pool.Close()

	q, e := ring.NewRxQueue(ctx, pd, ring.RxConfig{Desc: 8, Pool: pool})
	assert.ErrorIs(e, ring.ErrNoBuffers)
	require.Nil(q)
	assert.Zero(pool.CountInUse())
}

func TestRxCloseReleasesRing(t *testing.T) {
	assert, require := makeAR(t)

	_, ctx, pd := newVerbs(t, "rxclose")
	pool, e := pktmbuf.NewPool("rxclose", pktmbuf.PoolConfig{Capacity: 8, Dataroom: 512})
	require.NoError(e)
	defer pool.Close()

	q, e := ring.NewRxQueue(ctx, pd, ring.RxConfig{Desc: 4, Pool: pool})
	require.NoError(e)
	assert.Equal(4, pool.CountInUse())

	require.NoError(q.Close())
	assert.Zero(pool.CountInUse())
	assert.NoError(q.Close())
}
