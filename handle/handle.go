// Package handle owns the raw OS resources behind the VM: file descriptors
// and memory mappings. Each resource has exactly one live owner and is
// released exactly once; a failed release is a kernel accounting error and
// ends the process.
package handle

import (
	"fmt"
	"log"
	"unsafe"

	"golang.org/x/sys/unix"
)

// FD is an owned file descriptor.
type FD struct {
	fd       int
	name     string
	released bool
}

// Wrap takes ownership of a raw descriptor, typically one minted by an
// ioctl. A negative descriptor means the minting call failed and there is
// nothing to recover.
func Wrap(fd int, name string) *FD {
	if fd < 0 {
		log.Fatalf("%s: invalid file descriptor %d", name, fd)
	}

	return &FD{fd: fd, name: name}
}

// Open opens a named resource read-write.
func Open(path string, flags int) (*FD, error) {
	fd, err := unix.Open(path, flags, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	return &FD{fd: fd, name: path}, nil
}

// Raw returns the descriptor for use in syscalls. Ownership stays put.
func (f *FD) Raw() uintptr {
	if f.released {
		log.Fatalf("%s: use of released file descriptor", f.name)
	}

	return uintptr(f.fd)
}

// Release transfers the descriptor out and invalidates f, so a later Close
// cannot double-close what the new owner holds.
func (f *FD) Release() int {
	if f.released {
		log.Fatalf("%s: release of released file descriptor", f.name)
	}

	f.released = true

	return f.fd
}

// Close releases the descriptor. Closing twice is a no-op; a close failure
// is fatal.
func (f *FD) Close() {
	if f.released {
		return
	}

	f.released = true

	if err := unix.Close(f.fd); err != nil {
		log.Fatalf("close %s: %v", f.name, err)
	}
}

// Mapping is an owned mmap'd region.
type Mapping struct {
	b    []byte
	name string
}

// Map maps length bytes of fd, shared and read-write, as the per-vCPU run
// state requires.
func Map(fd, length int, name string) (*Mapping, error) {
	b, err := unix.Mmap(fd, 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", name, err)
	}

	return &Mapping{b: b, name: name}, nil
}

// Anonymous maps length bytes of zeroed, page-aligned anonymous memory.
func Anonymous(length int, name string) (*Mapping, error) {
	b, err := unix.Mmap(-1, 0, length,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", name, err)
	}

	return &Mapping{b: b, name: name}, nil
}

// Bytes returns the mapped memory. Ownership stays with the Mapping.
func (m *Mapping) Bytes() []byte {
	if m.b == nil {
		log.Fatalf("%s: use of unmapped memory", m.name)
	}

	return m.b
}

// Addr returns the host-virtual base of the mapping.
func (m *Mapping) Addr() uintptr {
	return uintptr(unsafe.Pointer(&m.Bytes()[0]))
}

// Close unmaps the region. Closing twice is a no-op; an munmap failure is
// fatal.
func (m *Mapping) Close() {
	if m.b == nil {
		return
	}

	b := m.b
	m.b = nil

	if err := unix.Munmap(b); err != nil {
		log.Fatalf("munmap %s: %v", m.name, err)
	}
}
