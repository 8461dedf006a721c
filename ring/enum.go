package ring

const (
	// MaxSgePerWR is the scatter/gather limit of one work request.
	// A scattered RX element spends this many descriptors.
	MaxSgePerWR = 4

	// DescAlign is the required descriptor count granularity.
	DescAlign = 4

	// MaxInline is the inline send threshold in octets. Zero disables
	// inline send: every segment goes out by gather entry.
	MaxInline = 0

	// RegionCacheCapacity bounds the per-queue memory region cache.
	RegionCacheCapacity = 8

	// MaxBurstSize bounds one send or receive burst.
	MaxBurstSize = 64

	// DefaultPort is the physical adapter port queues attach to.
	DefaultPort = 1
)
