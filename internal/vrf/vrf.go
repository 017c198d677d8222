// Package vrf is a minimal supplement to the nexthop pool's (vrf, iface,
// addr) key space (SPEC_FULL.md §3.1). It does not implement routing
// policy; it only tracks which VRF IDs exist so operator requests can be
// validated against MAX_VRFS the way original_source's nh6_add does
// (`req->nh.vrf_id >= MAX_VRFS`).
package vrf

import "fmt"

// Default is the VRF ID always present on a fresh table.
const Default uint16 = 0

// Table tracks the set of configured VRF IDs, bounded by MaxVRFs.
type Table struct {
	maxVRFs uint16
	present map[uint16]bool
}

// NewTable creates a table with the default VRF already registered.
func NewTable(maxVRFs uint16) *Table {
	t := &Table{maxVRFs: maxVRFs, present: map[uint16]bool{Default: true}}
	return t
}

// Valid reports whether id is within range and has been created.
func (t *Table) Valid(id uint16) bool {
	return t.present[id]
}

// InRange reports whether id is addressable at all (spec.md §3:
// "valid range [0, MAX_VRFS)"), independent of whether it has been created.
func (t *Table) InRange(id uint16) bool {
	return id < t.maxVRFs
}

// Create registers a new VRF ID.
func (t *Table) Create(id uint16) error {
	if !t.InRange(id) {
		return fmt.Errorf("vrf %d out of range [0,%d)", id, t.maxVRFs)
	}
	t.present[id] = true
	return nil
}
