//go:build !linux

package mem

import "unsafe"

// Map allocates a region of length bytes from the Go heap, backed by
// uint64s to keep it aligned.
func Map(length int) (*Region, error) {
	if err := checkLength(length); err != nil {
		return nil, err
	}
	words := make([]uint64, length/8)
	return &Region{
		b: unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(words))), length),
	}, nil
}

// Unmap releases the region.
func (r *Region) Unmap() error {
	r.b = nil
	return nil
}
