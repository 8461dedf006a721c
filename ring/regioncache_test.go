package ring

import (
	"errors"
	"fmt"
	"testing"

	"github.com/packetlab/mlx4ring/core/testenv"
	"github.com/packetlab/mlx4ring/memverbs"
	"github.com/packetlab/mlx4ring/pktmbuf"
	"github.com/packetlab/mlx4ring/verbs"
)

func TestRegionCacheEviction(t *testing.T) {
	assert, require := testenv.MakeAR(t)

	adapter := memverbs.New(memverbs.AdapterConfig{Name: "mrcache"})
	ctx, e := adapter.Open()
	require.NoError(e)
	pd, e := ctx.AllocPD()
	require.NoError(e)
	pdm := pd.(*memverbs.PD)

	pools := make([]*pktmbuf.Pool, RegionCacheCapacity+1)
	for i := range pools {
		pools[i], e = pktmbuf.NewPool(fmt.Sprintf("mrcache%d", i),
			pktmbuf.PoolConfig{Capacity: 2, Dataroom: 256})
		require.NoError(e)
		defer pools[i].Close()
	}

	rc := newRegionCache(pd)
	lkeys := make([]uint32, RegionCacheCapacity)
	for i := 0; i < RegionCacheCapacity; i++ {
		lkeys[i] = rc.lkey(pools[i])
		require.NotEqual(verbs.InvalidLKey, lkeys[i])
	}
	assert.Equal(RegionCacheCapacity, pdm.CountMRs())

	// cache hits do not re-register
	for i := 0; i < RegionCacheCapacity; i++ {
		assert.Equal(lkeys[i], rc.lkey(pools[i]))
	}
	assert.Equal(RegionCacheCapacity, pdm.CountMRs())

	// a new pool evicts the first-inserted entry
	extra := rc.lkey(pools[RegionCacheCapacity])
	require.NotEqual(verbs.InvalidLKey, extra)
	assert.Equal(RegionCacheCapacity, pdm.CountMRs())

	// the evicted pool resolves again only through re-registration
	again := rc.lkey(pools[0])
	require.NotEqual(verbs.InvalidLKey, again)
	assert.NotEqual(lkeys[0], again)
	assert.Equal(RegionCacheCapacity, pdm.CountMRs())

	// later entries survive both evictions
	assert.Equal(lkeys[2], rc.lkey(pools[2]))

	require.NoError(rc.close())
	assert.Zero(pdm.CountMRs())
}

func TestRegionCacheRegisterFailure(t *testing.T) {
	assert, require := testenv.MakeAR(t)

	adapter := memverbs.New(memverbs.AdapterConfig{Name: "mrfail"})
	ctx, e := adapter.Open()
	require.NoError(e)
	pd, e := ctx.AllocPD()
	require.NoError(e)
	pdm := pd.(*memverbs.PD)

	pool, e := pktmbuf.NewPool("mrfail", pktmbuf.PoolConfig{Capacity: 2, Dataroom: 256})
	require.NoError(e)
	defer pool.Close()

	rc := newRegionCache(pd)
	pdm.SetRegisterMRError(errors.New("simulated registration failure"))
	assert.Equal(verbs.InvalidLKey, rc.lkey(pool))

	// the failure is not sticky: once registration works, the pool resolves
	pdm.SetRegisterMRError(nil)
	lkey := rc.lkey(pool)
	assert.NotEqual(verbs.InvalidLKey, lkey)
	assert.Equal(lkey, rc.lkey(pool))

	require.NoError(rc.close())
}
