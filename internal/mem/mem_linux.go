//go:build linux

package mem

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Map maps an anonymous, page-backed region of length bytes.
func Map(length int) (*Region, error) {
	if err := checkLength(length); err != nil {
		return nil, err
	}
	addr, _, errno := unix.Syscall6(unix.SYS_MMAP,
		0,
		uintptr(length),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_POPULATE,
		^uintptr(0), // fd = -1
		0,
	)
	if errno != 0 {
		return nil, fmt.Errorf("mmap %d bytes: %w", length, errno)
	}
	return &Region{
		b:      unsafe.Slice((*byte)(unsafe.Pointer(addr)), length),
		mapped: true,
	}, nil
}

// Unmap releases the region.
func (r *Region) Unmap() error {
	if r.b == nil {
		return nil
	}
	b := r.b
	r.b = nil
	if !r.mapped {
		return nil
	}
	_, _, errno := unix.Syscall(unix.SYS_MUNMAP,
		uintptr(unsafe.Pointer(unsafe.SliceData(b))),
		uintptr(len(b)),
		0,
	)
	if errno != 0 {
		return fmt.Errorf("munmap: %w", errno)
	}
	return nil
}
