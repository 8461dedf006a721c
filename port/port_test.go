package port_test

import (
	"errors"
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/packetlab/mlx4ring/memverbs"
	"github.com/packetlab/mlx4ring/pktmbuf"
	"github.com/packetlab/mlx4ring/port"
)

type fixture struct {
	t      *testing.T
	a, b   *memverbs.Adapter
	pa, pb *port.Port
	pool   *pktmbuf.Pool
}

func newFixture(t *testing.T, name string, mtu int, dataroom int) *fixture {
	_, require := makeAR(t)

	f := &fixture{t: t}
	f.a, f.b = memverbs.NewPair(
		memverbs.AdapterConfig{Name: name + "A"},
		memverbs.AdapterConfig{Name: name + "B"},
	)

	var e error
	f.pool, e = pktmbuf.NewPool(name, pktmbuf.PoolConfig{Capacity: 64, Dataroom: dataroom})
	require.NoError(e)
	t.Cleanup(func() { f.pool.Close() })

	f.pa, e = port.New(f.a, port.Config{MacAddr: f.a.MacAddr(), MTU: mtu, ID: 1})
	require.NoError(e)
	t.Cleanup(func() { f.pa.Close() })
	f.pb, e = port.New(f.b, port.Config{MacAddr: f.b.MacAddr(), MTU: mtu, ID: 2})
	require.NoError(e)
	t.Cleanup(func() { f.pb.Close() })

	require.NoError(f.pa.Configure(1, 1))
	require.NoError(f.pb.Configure(1, 1))
	require.NoError(f.pa.RxQueueSetup(0, 4, f.pool))
	require.NoError(f.pb.RxQueueSetup(0, 4, f.pool))
	require.NoError(f.pa.TxQueueSetup(0, 8))
	require.NoError(f.pb.TxQueueSetup(0, 8))
	return f
}

// frame serializes an Ethernet frame toward dst with a payload of n octets.
func (f *fixture) frame(dst net.HardwareAddr, vlan int, n int) []byte {
	_, require := makeAR(f.t)

	payload := make([]byte, n)
	for i := range payload {
		payload[i] = byte(i)
	}
	eth := &layers.Ethernet{
		SrcMAC:       f.a.MacAddr(),
		DstMAC:       dst,
		EthernetType: layers.EthernetTypeIPv4,
	}
	parts := []gopacket.SerializableLayer{eth, gopacket.Payload(payload)}
	if vlan >= 0 {
		eth.EthernetType = layers.EthernetTypeDot1Q
		parts = []gopacket.SerializableLayer{eth,
			&layers.Dot1Q{VLANIdentifier: uint16(vlan), Type: layers.EthernetTypeIPv4},
			gopacket.Payload(payload)}
	}
	buf := gopacket.NewSerializeBuffer()
	require.NoError(gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, parts...))
	return buf.Bytes()
}

// send transmits raw frames from port A, queue 0.
func (f *fixture) send(frames ...[]byte) {
	_, require := makeAR(f.t)
	vec := make(pktmbuf.Vector, len(frames))
	for i, frame := range frames {
		pkt := f.pool.Alloc()
		require.NotNil(pkt)
		require.NoError(pkt.Append(frame))
		vec[i] = pkt
	}
	require.Equal(len(frames), f.pa.TxBurst(0, vec))
}

// recv drains port B, queue 0.
func (f *fixture) recv() pktmbuf.Vector {
	vec := make(pktmbuf.Vector, 16)
	n := f.pb.RxBurst(0, vec)
	return vec[:n]
}

func TestPortLifecycle(t *testing.T) {
	assert, require := makeAR(t)
	f := newFixture(t, "lifecycle", 1500, 2048)

	// not started: no steering flows, frames vanish
	f.send(f.frame(f.b.MacAddr(), -1, 100))
	assert.Empty(f.recv())

	require.NoError(f.pb.Start())
	require.NoError(f.pb.Start()) // idempotent
	require.True(f.pb.IsStarted())

	f.send(f.frame(f.b.MacAddr(), -1, 100))
	got := f.recv()
	require.Len(got, 1)
	assert.Equal(114, got[0].Len())
	assert.EqualValues(2, got[0].Port())
	require.NoError(got.Close())

	// broadcast matches the reserved filter slot
	f.send(f.frame(net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}, -1, 50))
	got = f.recv()
	require.Len(got, 1)
	require.NoError(got.Close())

	// foreign unicast does not match
	other := net.HardwareAddr{0x02, 0xaa, 0xbb, 0xcc, 0xdd, 0xee}
	f.send(f.frame(other, -1, 50))
	assert.Empty(f.recv())

	// promiscuous mode admits it
	require.NoError(f.pb.SetPromiscuous(true))
	require.True(f.pb.IsPromiscuous())
	f.send(f.frame(other, -1, 50))
	got = f.recv()
	require.Len(got, 1)
	require.NoError(got.Close())
	require.NoError(f.pb.SetPromiscuous(false))

	st := f.pb.Stats()
	assert.EqualValues(3, st.Rx.Packets)
	f.pb.ResetStats()
	assert.Zero(f.pb.Stats().Rx.Packets)

	require.NoError(f.pb.Stop())
	require.NoError(f.pb.Stop()) // idempotent
	f.send(f.frame(f.b.MacAddr(), -1, 100))
	assert.Empty(f.recv())

	require.NoError(f.pb.Close())
	assert.NoError(f.pb.Close()) // idempotent
	assert.Zero(f.pb.RxBurst(0, make(pktmbuf.Vector, 4)))
}

func TestMacFilter(t *testing.T) {
	assert, require := makeAR(t)
	f := newFixture(t, "macfilter", 1500, 2048)
	require.NoError(f.pb.Start())

	extra := net.HardwareAddr{0x02, 0x12, 0x34, 0x56, 0x78, 0x9a}
	f.send(f.frame(extra, -1, 40))
	assert.Empty(f.recv())

	require.NoError(f.pb.MacAddrAdd(extra))
	require.NoError(f.pb.MacAddrAdd(extra)) // duplicate is a no-op
	assert.Len(f.pb.MacAddrs(), 2)
	f.send(f.frame(extra, -1, 40))
	got := f.recv()
	require.Len(got, 1)
	require.NoError(got.Close())

	require.NoError(f.pb.MacAddrRemove(extra))
	f.send(f.frame(extra, -1, 40))
	assert.Empty(f.recv())

	// the primary address cannot be removed
	assert.ErrorIs(f.pb.MacAddrRemove(f.b.MacAddr()), port.ErrMacReserved)
}

func TestAllMulticast(t *testing.T) {
	assert, require := makeAR(t)
	f := newFixture(t, "allmulti", 1500, 2048)
	require.NoError(f.pb.Start())

	mcast := net.HardwareAddr{0x01, 0x00, 0x5e, 0x01, 0x02, 0x03}
	f.send(f.frame(mcast, -1, 40))
	assert.Empty(f.recv())

	require.NoError(f.pb.SetAllMulticast(true))
	require.True(f.pb.IsAllMulticast())
	f.send(f.frame(mcast, -1, 40))
	got := f.recv()
	require.Len(got, 1)
	require.NoError(got.Close())

	require.NoError(f.pb.SetAllMulticast(false))
	f.send(f.frame(mcast, -1, 40))
	assert.Empty(f.recv())
}

func TestVlanFilter(t *testing.T) {
	assert, require := makeAR(t)
	f := newFixture(t, "vlan", 1500, 2048)
	require.NoError(f.pb.Start())

	// empty filter admits any tag
	f.send(f.frame(f.b.MacAddr(), 200, 40))
	got := f.recv()
	require.Len(got, 1)
	require.NoError(got.Close())

	require.NoError(f.pb.VlanFilterSet(100, true))
	f.send(f.frame(f.b.MacAddr(), 200, 40))
	assert.Empty(f.recv())
	f.send(f.frame(f.b.MacAddr(), 100, 40))
	got = f.recv()
	require.Len(got, 1)
	require.NoError(got.Close())

	require.NoError(f.pb.VlanFilterSet(100, false))
	f.send(f.frame(f.b.MacAddr(), 200, 40))
	got = f.recv()
	require.Len(got, 1)
	require.NoError(got.Close())

	assert.Error(f.pb.VlanFilterSet(5000, true))
}

func TestConfigureQueues(t *testing.T) {
	assert, require := makeAR(t)
	f := newFixture(t, "queuecfg", 1500, 2048)

	// out of range and duplicate setups are rejected
	assert.ErrorIs(f.pb.RxQueueSetup(1, 4, f.pool), port.ErrQueueIndex)
	assert.ErrorIs(f.pb.RxQueueSetup(0, 4, f.pool), port.ErrQueueBusy)
	assert.ErrorIs(f.pb.TxQueueSetup(0, 8), port.ErrQueueBusy)

	require.NoError(f.pb.Configure(2, 2))
	require.NoError(f.pb.RxQueueSetup(1, 4, f.pool))

	// shrinking over a configured queue is rejected
	assert.ErrorIs(f.pb.Configure(1, 2), port.ErrQueueShrink)
	require.NoError(f.pb.RxQueueRelease(1))
	require.NoError(f.pb.RxQueueRelease(1)) // empty slot is a no-op
	require.NoError(f.pb.Configure(1, 1))
}

func TestSetMTU(t *testing.T) {
	assert, require := makeAR(t)
	f := newFixture(t, "mtu", 1500, 512)
	require.NoError(f.pb.Start())
	require.Equal(1500, f.pb.MTU())

	// growing the MTU past one buffer engages scattered receive; the
	// rebuilt queue keeps its flows without an explicit restart
	require.NoError(f.pb.SetMTU(1600))
	require.Equal(1600, f.pb.MTU())

	f.send(f.frame(f.b.MacAddr(), -1, 1200))
	got := f.recv()
	require.Len(got, 1)
	assert.Equal(1214, got[0].Len())
	assert.Greater(got[0].SegCount(), 1)
	require.NoError(got.Close())
}

func TestLinkUpdate(t *testing.T) {
	assert, require := makeAR(t)
	f := newFixture(t, "link", 1500, 2048)

	link, changed, e := f.pb.LinkUpdate()
	require.NoError(e)
	assert.True(changed)
	assert.True(link.Up)
	assert.Positive(link.Mbps)

	_, changed, e = f.pb.LinkUpdate()
	require.NoError(e)
	assert.False(changed)

	info := f.pb.DevInfo()
	assert.Positive(info.MaxRxQueues)
	assert.Equal(port.MaxMacAddresses, info.MaxMacAddresses)
}

func TestStartFlowRollback(t *testing.T) {
	assert, require := makeAR(t)
	f := newFixture(t, "rollback", 1500, 2048)

	require.NoError(f.pb.Configure(2, 1))
	require.NoError(f.pb.RxQueueSetup(1, 4, f.pool))
	require.NoError(f.pa.Start())

	// queue 0 attaches its two rules, the first rule of queue 1 fails
	errFlow := errors.New("steering table full")
	f.b.FailCreateFlowAfter(2, errFlow)
	require.ErrorIs(f.pb.Start(), errFlow)

	// rollback detached queue 0 as well
	f.send(f.frame(f.b.MacAddr(), -1, 40))
	assert.Len(f.recv(), 0)

	f.b.FailCreateFlowAfter(0, nil)
	require.NoError(f.pb.Start())
	f.send(f.frame(f.b.MacAddr(), -1, 40))
	got := f.recv()
	require.Len(got, 1)
	require.NoError(got.Close())
}
