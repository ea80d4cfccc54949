package vhost

import (
	"fmt"
	"os"
	"sort"
)

// A MemoryRegion describes one shared guest memory mapping: where it sits
// in guest-physical space, where the mapping side placed it, and the file
// that backs it.
//
// The side that created the mapping owns File; a backend that receives
// the region over a control channel holds only a borrowed mapping derived
// from the transferred descriptor.
type MemoryRegion struct {
	// GuestPhysAddr is the guest-physical base of the region.
	GuestPhysAddr uint64

	// Size is the length of the region in bytes. It must be positive.
	Size uint64

	// UserspaceAddr is the address of the mapping in the address space of
	// the process that created it.
	UserspaceAddr uint64

	// MmapOffset is the offset into File where the region begins.
	MmapOffset uint64

	// File is the descriptor backing the region. It must remain open for
	// the lifetime of the table entry.
	File *os.File
}

// Contains reports whether addr falls within the region's guest-physical
// range.
func (r *MemoryRegion) Contains(addr uint64) bool {
	return addr >= r.GuestPhysAddr && addr-r.GuestPhysAddr < r.Size
}

// end returns the exclusive guest-physical end of the region. Validate
// rejects regions for which this would overflow.
func (r *MemoryRegion) end() uint64 {
	return r.GuestPhysAddr + r.Size
}

// A MemoryTable is an ordered set of memory regions describing all guest
// memory a backend may touch. A table replaces any previously installed
// table atomically; partial updates are not supported.
type MemoryTable struct {
	Regions []MemoryRegion
}

// Validate checks the table for installation: it must be non-empty, every
// region must have a positive, non-overflowing size, and no two regions
// may overlap in guest-physical space.
func (t *MemoryTable) Validate() error {
	if t == nil || len(t.Regions) == 0 {
		return fmt.Errorf("%w: no regions", ErrInvalidGuestMemory)
	}

	for i := range t.Regions {
		r := &t.Regions[i]
		if r.Size == 0 {
			return fmt.Errorf("%w: region %d has zero size", ErrInvalidGuestMemoryRegion, i)
		}
		if r.GuestPhysAddr+r.Size < r.GuestPhysAddr {
			return fmt.Errorf("%w: region %d overflows guest-physical space", ErrInvalidGuestMemoryRegion, i)
		}
	}

	// Check for overlap on a copy sorted by guest-physical base so the
	// caller's region order is preserved.
	sorted := make([]*MemoryRegion, len(t.Regions))
	for i := range t.Regions {
		sorted[i] = &t.Regions[i]
	}
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].GuestPhysAddr < sorted[j].GuestPhysAddr
	})

	for i := 1; i < len(sorted); i++ {
		if sorted[i-1].end() > sorted[i].GuestPhysAddr {
			return fmt.Errorf("%w: regions [%#x,%#x) and [%#x,%#x) overlap",
				ErrInvalidGuestMemory,
				sorted[i-1].GuestPhysAddr, sorted[i-1].end(),
				sorted[i].GuestPhysAddr, sorted[i].end())
		}
	}

	return nil
}

// FindRegion returns the region containing the guest-physical address
// addr, or false if no region covers it.
func (t *MemoryTable) FindRegion(addr uint64) (*MemoryRegion, bool) {
	if t == nil {
		return nil, false
	}

	for i := range t.Regions {
		if t.Regions[i].Contains(addr) {
			return &t.Regions[i], true
		}
	}

	return nil, false
}

// CheckVringAddrs validates one queue's ring addresses against the table,
// returning the address-specific error for the first ring that is not
// covered by any region.
func (t *MemoryTable) CheckVringAddrs(addrs *VringAddrs) error {
	checks := []struct {
		addr uint64
		err  error
	}{
		{addrs.DescAddr, ErrDescriptorTableAddress},
		{addrs.AvailAddr, ErrAvailAddress},
		{addrs.UsedAddr, ErrUsedAddress},
	}

	for _, c := range checks {
		if _, ok := t.FindRegion(c.addr); !ok {
			return fmt.Errorf("%w: %#x not covered by memory table", c.err, c.addr)
		}
	}

	if addrs.Flags&VringAddrFlagLog != 0 {
		if _, ok := t.FindRegion(addrs.LogAddr); !ok {
			return fmt.Errorf("%w: %#x not covered by memory table", ErrLogAddress, addrs.LogAddr)
		}
	}

	return nil
}
