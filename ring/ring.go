// Package ring manages RX and TX descriptor rings on top of the verbs
// hardware boundary.
//
// A queue owns its completion queue, queue pair, and descriptor bookkeeping.
// Burst functions are single-threaded per queue and never block; control
// operations (setup, teardown) belong to the owning port.
package ring

import (
	"errors"
	"fmt"

	"github.com/packetlab/mlx4ring/core/logging"
)

var logger = logging.New("ring")

// ErrDescCount indicates an invalid descriptor count.
var ErrDescCount = errors.New("invalid descriptor count")

// checkDesc validates a descriptor count. Queues that spend DescAlign
// descriptors per element pass aligned=true.
func checkDesc(desc int, aligned bool) error {
	if desc <= 0 || (aligned && desc%DescAlign != 0) {
		return fmt.Errorf("%w: %d", ErrDescCount, desc)
	}
	return nil
}
