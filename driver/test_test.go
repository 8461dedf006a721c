package driver_test

import (
	"github.com/packetlab/mlx4ring/core/testenv"
)

var makeAR = testenv.MakeAR
