package ring

import (
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/packetlab/mlx4ring/pktmbuf"
	"github.com/packetlab/mlx4ring/verbs"
)

type regionEntry struct {
	pool *pktmbuf.Pool
	mr   verbs.MR
	lkey uint32
}

// regionCache maps mbuf pools to registered memory regions.
// Lookup is a linear scan; bursts normally draw from one pool, so the first
// entry hits. When full, the oldest entry is evicted.
type regionCache struct {
	pd      verbs.PD
	entries []regionEntry
}

func newRegionCache(pd verbs.PD) *regionCache {
	return &regionCache{
		pd:      pd,
		entries: make([]regionEntry, 0, RegionCacheCapacity),
	}
}

// lkey returns the local key covering pool's buffers, registering the pool's
// backing region on first use. It returns verbs.InvalidLKey when registration
// fails; the caller drops the packet and carries on.
func (rc *regionCache) lkey(pool *pktmbuf.Pool) uint32 {
	for _, ent := range rc.entries {
		if ent.pool == pool {
			return ent.lkey
		}
	}

	if len(rc.entries) == RegionCacheCapacity {
		oldest := rc.entries[0]
		copy(rc.entries, rc.entries[1:])
		rc.entries = rc.entries[:RegionCacheCapacity-1]
		if e := oldest.mr.Close(); e != nil {
			logger.Warn("region deregistration failed",
				zap.String("pool", oldest.pool.Name()),
				zap.Error(e),
			)
		}
	}

	mr, e := rc.pd.RegisterMR(pool.Backing(), verbs.AccessLocalWrite)
	if e != nil {
		logger.Warn("region registration failed",
			zap.String("pool", pool.Name()),
			zap.Error(e),
		)
		return verbs.InvalidLKey
	}
	rc.entries = append(rc.entries, regionEntry{pool: pool, mr: mr, lkey: mr.LKey()})
	logger.Debug("region registered",
		zap.String("pool", pool.Name()),
		zap.Uint32("lkey", mr.LKey()),
		zap.Int("cached", len(rc.entries)),
	)
	return mr.LKey()
}

func (rc *regionCache) close() (e error) {
	for _, ent := range rc.entries {
		e = multierr.Append(e, ent.mr.Close())
	}
	rc.entries = nil
	return e
}
