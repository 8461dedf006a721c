package port

import (
	"fmt"
	"net"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/packetlab/mlx4ring/core/macaddr"
	"github.com/packetlab/mlx4ring/verbs"
)

// flowSpecs builds the steering rule set implied by the current filter
// state: one rule per configured MAC restricted to the VLAN filter, plus the
// promiscuous and all-multicast rules when toggled.
func (p *Port) flowSpecs() []verbs.FlowSpec {
	var specs []verbs.FlowSpec
	for _, mac := range p.macs {
		if mac == nil {
			continue
		}
		specs = append(specs, verbs.FlowSpec{
			Kind:    verbs.FlowNormal,
			Dst:     mac,
			VlanIDs: p.vlans,
		})
	}
	if p.allmulti {
		specs = append(specs, verbs.FlowSpec{Kind: verbs.FlowAllMulti})
	}
	if p.promisc {
		specs = append(specs, verbs.FlowSpec{Kind: verbs.FlowPromisc})
	}
	return specs
}

// attachFlows applies the current rule set to one queue, all or nothing.
func (p *Port) attachFlows(slot *rxSlot) error {
	var flows []verbs.Flow
	for _, spec := range p.flowSpecs() {
		flow, e := slot.queue.QP().CreateFlow(spec)
		if e != nil {
			for _, f := range flows {
				f.Close()
			}
			return fmt.Errorf("create flow: %w", e)
		}
		flows = append(flows, flow)
	}
	slot.flows = flows
	return nil
}

func (p *Port) detachFlows(slot *rxSlot) (e error) {
	for _, flow := range slot.flows {
		e = multierr.Append(e, flow.Close())
	}
	slot.flows = nil
	return e
}

// rehashFlows reapplies the rule set to every queue after a filter change.
// A queue that fails keeps no flows; earlier queues keep the new set.
func (p *Port) rehashFlows() error {
	if !p.started {
		return nil
	}
	for idx, slot := range p.rxqs {
		if slot == nil {
			continue
		}
		if e := p.detachFlows(slot); e != nil {
			return fmt.Errorf("RX queue %d: %w", idx, e)
		}
		if e := p.attachFlows(slot); e != nil {
			return fmt.Errorf("RX queue %d: %w", idx, e)
		}
	}
	return nil
}

// MacAddrAdd installs a unicast address in the first free slot.
func (p *Port) MacAddrAdd(mac net.HardwareAddr) error {
	if !macaddr.IsValid(mac) {
		return fmt.Errorf("invalid MAC address % x", mac)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}

	for _, have := range p.macs {
		if macaddr.Equal(have, mac) {
			return nil
		}
	}
	slot := -1
	for i := 0; i < MaxMacAddresses-1; i++ { // last slot holds broadcast
		if p.macs[i] == nil {
			slot = i
			break
		}
	}
	if slot < 0 {
		return ErrMacTableFull
	}
	p.macs[slot] = append(net.HardwareAddr(nil), mac...)
	if e := p.rehashFlows(); e != nil {
		p.macs[slot] = nil
		return e
	}
	logger.Info("MAC address added",
		zap.String("device", p.dev.Name()),
		zap.Stringer("mac", mac),
		zap.Int("slot", slot),
	)
	return nil
}

// MacAddrRemove removes a unicast address. The primary address in slot 0 and
// the reserved broadcast slot cannot be removed.
func (p *Port) MacAddrRemove(mac net.HardwareAddr) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}

	for i := 1; i < MaxMacAddresses-1; i++ {
		if !macaddr.Equal(p.macs[i], mac) {
			continue
		}
		removed := p.macs[i]
		p.macs[i] = nil
		if e := p.rehashFlows(); e != nil {
			p.macs[i] = removed
			return e
		}
		logger.Info("MAC address removed",
			zap.String("device", p.dev.Name()),
			zap.Stringer("mac", mac),
			zap.Int("slot", i),
		)
		return nil
	}
	if macaddr.Equal(p.macs[0], mac) || macaddr.Equal(p.macs[MaxMacAddresses-1], mac) {
		return ErrMacReserved
	}
	return nil
}

// MacAddrs returns the configured unicast addresses, broadcast excluded.
func (p *Port) MacAddrs() []net.HardwareAddr {
	p.mu.Lock()
	defer p.mu.Unlock()
	var list []net.HardwareAddr
	for i := 0; i < MaxMacAddresses-1; i++ {
		if p.macs[i] != nil {
			list = append(list, append(net.HardwareAddr(nil), p.macs[i]...))
		}
	}
	return list
}

// VlanFilterSet adds or removes a VLAN ID in the filter and reapplies flows.
// An empty filter admits every tag.
func (p *Port) VlanFilterSet(vid uint16, on bool) error {
	if vid >= 4096 {
		return fmt.Errorf("invalid VLAN ID %d", vid)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}

	idx := -1
	for i, have := range p.vlans {
		if have == vid {
			idx = i
			break
		}
	}
	switch {
	case on && idx >= 0:
		return nil
	case on:
		if len(p.vlans) == MaxVlanIDs {
			return ErrVlanTable
		}
		p.vlans = append(p.vlans, vid)
	case idx < 0:
		return nil
	default:
		p.vlans = append(p.vlans[:idx], p.vlans[idx+1:]...)
	}

	if e := p.rehashFlows(); e != nil {
		return e
	}
	logger.Info("VLAN filter changed",
		zap.String("device", p.dev.Name()),
		zap.Uint16("vid", vid),
		zap.Bool("on", on),
	)
	return nil
}

// SetPromiscuous toggles promiscuous mode.
func (p *Port) SetPromiscuous(on bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if p.promisc == on {
		return nil
	}
	p.promisc = on
	if e := p.rehashFlows(); e != nil {
		p.promisc = !on
		return e
	}
	return nil
}

// SetAllMulticast toggles all-multicast mode.
func (p *Port) SetAllMulticast(on bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if p.allmulti == on {
		return nil
	}
	p.allmulti = on
	if e := p.rehashFlows(); e != nil {
		p.allmulti = !on
		return e
	}
	return nil
}

// IsPromiscuous reports the promiscuous toggle.
func (p *Port) IsPromiscuous() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.promisc
}

// IsAllMulticast reports the all-multicast toggle.
func (p *Port) IsAllMulticast() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allmulti
}
