package rdma

import (
	"fmt"
	"os"
	"unsafe"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// HugePageSize is the huge page size regions are rounded up to when huge
// pages are requested.
const HugePageSize = 2 << 20

// Region is a page-aligned anonymous mapping used as RDMA buffer memory. The
// mapping is outside the Go heap, so its address is stable for registration.
type Region struct {
	mapping []byte
	buf     []byte
	huge    bool
}

// AllocRegion maps size bytes of zeroed, page-aligned memory. With hugePages
// set it first tries a MAP_HUGETLB mapping and falls back to normal pages when
// the kernel has no huge pages to give.
func AllocRegion(size int, hugePages bool) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid region size %d", size)
	}

	if hugePages && hugeTLBFlag != 0 {
		length := roundUp(size, HugePageSize)
		buf, err := unix.Mmap(-1, 0, length, unix.PROT_READ|unix.PROT_WRITE,
			unix.MAP_PRIVATE|unix.MAP_ANON|hugeTLBFlag)
		if err == nil {
			log.Debug().Int("size", length).Msg("Allocated huge page region")
			return &Region{mapping: buf, buf: buf[:size:size], huge: true}, nil
		}
		log.Debug().Err(err).Int("size", length).Msg("Huge page mmap failed, falling back to normal pages")
	}

	length := roundUp(size, os.Getpagesize())
	buf, err := unix.Mmap(-1, 0, length, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("failed to mmap region of %d bytes: %w", length, err)
	}
	return &Region{mapping: buf, buf: buf[:size:size]}, nil
}

// Bytes returns the usable bytes of the region.
func (r *Region) Bytes() []byte { return r.buf }

// Len returns the usable size of the region.
func (r *Region) Len() int { return len(r.buf) }

// Huge reports whether the region is backed by huge pages.
func (r *Region) Huge() bool { return r.huge }

// Free unmaps the region. The region must not be used afterwards.
func (r *Region) Free() error {
	if r.mapping == nil {
		return nil
	}
	mapping := r.mapping
	r.mapping, r.buf = nil, nil
	if err := unix.Munmap(mapping); err != nil {
		return fmt.Errorf("failed to munmap region: %w", err)
	}
	return nil
}

// bufferAddr returns the address of the first byte of b.
func bufferAddr(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&b[0])))
}

func roundUp(n, align int) int {
	return (n + align - 1) / align * align
}
