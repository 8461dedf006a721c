package pciaddr_test

import (
	"encoding/json"
	"testing"

	"github.com/packetlab/mlx4ring/core/pciaddr"
	"github.com/packetlab/mlx4ring/core/testenv"
)

var makeAR = testenv.MakeAR

func TestPCIAddress(t *testing.T) {
	assert, _ := makeAR(t)

	a, e := pciaddr.Parse("0000:8F:00.0")
	assert.NoError(e)
	assert.Equal("0000:8f:00.0", a.String())

	a, e = pciaddr.Parse("01:00.0")
	assert.NoError(e)
	assert.Equal("0000:01:00.0", a.String())

	_, e = pciaddr.Parse("bad")
	assert.Error(e)
	_, e = pciaddr.Parse("0000:8f:00.g")
	assert.Error(e)

	a.Bus, a.Slot, a.Function = 0x5e, 0x01, 0x0
	j, e := json.Marshal(a)
	assert.NoError(e)
	assert.Equal(`"0000:5e:01.0"`, string(j))

	var decoded pciaddr.PCIAddress
	assert.NoError(json.Unmarshal(j, &decoded))
	assert.Equal(a, decoded)
}
