package ring_test

import (
	"testing"

	"github.com/packetlab/mlx4ring/core/testenv"
	"github.com/packetlab/mlx4ring/memverbs"
	"github.com/packetlab/mlx4ring/pktmbuf"
	"github.com/packetlab/mlx4ring/verbs"
)

var makeAR = testenv.MakeAR

func newVerbs(t *testing.T, name string) (adapter *memverbs.Adapter, ctx verbs.Context, pd verbs.PD) {
	_, require := makeAR(t)
	adapter = memverbs.New(memverbs.AdapterConfig{Name: name})
	ctx, e := adapter.Open()
	require.NoError(e)
	pd, e = ctx.AllocPD()
	require.NoError(e)
	return
}

func makePacket(t *testing.T, pool *pktmbuf.Pool, length int) *pktmbuf.Packet {
	_, require := makeAR(t)
	pkt := pool.Alloc()
	require.NotNil(pkt)
	payload := make([]byte, length)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(pkt.Append(payload))
	return pkt
}
