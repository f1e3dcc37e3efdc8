// Package mem provides the page-backed regions the device model maps in
// place of NIC memory. Every region is 8-byte aligned so it can be
// accessed with 64-bit atomics.
package mem

import "errors"

var ErrInvalidLength = errors.New("region length must be a positive multiple of 8")

// Region is a mapped block of memory.
type Region struct {
	b      []byte
	mapped bool
}

// Bytes returns the region's memory. It is invalid after Unmap.
func (r *Region) Bytes() []byte { return r.b }

// Fill sets every byte of the region to v.
func (r *Region) Fill(v byte) {
	for i := range r.b {
		r.b[i] = v
	}
}

func checkLength(length int) error {
	if length <= 0 || length%8 != 0 {
		return ErrInvalidLength
	}
	return nil
}
