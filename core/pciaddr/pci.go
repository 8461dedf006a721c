// Package pciaddr parses and validates PCI addresses.
package pciaddr

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
)

// ErrPCIAddress indicates the input PCI address is invalid.
var ErrPCIAddress = errors.New("bad PCI address")

var rePCI = regexp.MustCompile(`^(?:([[:xdigit:]]{1,4}):)?([[:xdigit:]]{1,2}):([[:xdigit:]]{1,2})\.([[:xdigit:]])$`)

// PCIAddress identifies an adapter by its position on the PCI bus.
type PCIAddress struct {
	Domain   uint16
	Bus      uint8
	Slot     uint8
	Function uint8
}

// String returns the PCI address in 0000:00:01.0 format.
func (a PCIAddress) String() string {
	return fmt.Sprintf("%04x:%02x:%02x.%01x", a.Domain, a.Bus, a.Slot, a.Function)
}

// MarshalText implements encoding.TextMarshaler interface.
func (a PCIAddress) MarshalText() (text []byte, e error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler interface.
func (a *PCIAddress) UnmarshalText(text []byte) (e error) {
	*a, e = Parse(string(text))
	return e
}

// Parse parses a PCI address.
// The domain part is optional and defaults to zero.
func Parse(input string) (a PCIAddress, e error) {
	m := rePCI.FindStringSubmatch(input)
	if m == nil {
		return PCIAddress{}, ErrPCIAddress
	}

	hex := func(s string, bits int) uint64 {
		if e != nil || s == "" {
			return 0
		}
		var u uint64
		if u, e = strconv.ParseUint(s, 16, bits); e != nil {
			e = ErrPCIAddress
		}
		return u
	}
	a.Domain = uint16(hex(m[1], 16))
	a.Bus = uint8(hex(m[2], 8))
	a.Slot = uint8(hex(m[3], 8))
	a.Function = uint8(hex(m[4], 4))
	if e != nil {
		return PCIAddress{}, e
	}
	return a, nil
}

// MustParse parses a PCI address, and panics on failure.
func MustParse(input string) (a PCIAddress) {
	a, e := Parse(input)
	if e != nil {
		panic(e)
	}
	return a
}
