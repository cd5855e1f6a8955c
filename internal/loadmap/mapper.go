// Package loadmap materializes an elfimage.LoadInfo's PT_LOAD segments
// into the current process's address space: one contiguous reservation,
// file-backed bytes copied into place, final per-segment protections
// applied. The mapping it returns is never unmapped — it belongs to the
// program being loaded for the rest of the process's life.
package loadmap

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/xyproto/ulexec/internal/elfimage"
)

const (
	pageSize     = 0x1000
	pageSizeMask = pageSize - 1

	// sizeFloorMask is the 16-byte floor spec §4.2 and the original
	// loader's get_total_mapping_size (virt_addr & !15) use when sizing
	// the single reservation, distinct from the page granularity
	// populateSegment maps and protects at.
	sizeFloorMask = 15
)

// Result is what the mapper produces: the base address the mapping was
// placed at (0 for a fixed-address ET_EXEC mapping, since segment
// addresses are already absolute) and the process-wide byte range the
// reservation covers, kept only for diagnostics.
type Result struct {
	LoadBase uintptr
	Size     uintptr
}

// Load reserves a single mapping large enough for every PT_LOAD segment
// in info, populates each segment's file-backed bytes, and applies the
// segment's final page protections. See spec §4.2 for the placement and
// sizing rules this mirrors exactly.
func Load(info *elfimage.LoadInfo) (Result, error) {
	segments := info.Segments
	if len(segments) == 0 {
		return Result{}, resourceErr("load", "no PT_LOAD segments to map")
	}

	totalSize := totalMappingSize(segments)

	mmapFlags := uintptr(unix.MAP_PRIVATE | unix.MAP_ANONYMOUS)
	var hintAddr uintptr
	fixed := info.Type == elfimage.Exec
	if fixed {
		mmapFlags |= unix.MAP_FIXED
		hintAddr = uintptr(segments[0].VirtAddr - segments[0].Offset)
	}

	// golang.org/x/sys/unix's Mmap helper always passes addr=0 to the
	// kernel, so a MAP_FIXED reservation at an exact address has to go
	// through the raw syscall, the same way the teacher's own
	// hotreload_unix.go/parallel_unix.go reach for Syscall6 whenever a
	// wrapped helper doesn't expose the control they need.
	reservedAt, _, errno := unix.Syscall6(unix.SYS_MMAP, hintAddr, uintptr(totalSize),
		uintptr(unix.PROT_READ|unix.PROT_WRITE), mmapFlags, ^uintptr(0), 0)
	if errno != 0 {
		return Result{}, resourceErr("mmap", "failed to reserve %d bytes at %#x: %v", totalSize, hintAddr, errno)
	}

	var loadBase uintptr
	if !fixed {
		loadBase = reservedAt
	}

	for _, seg := range segments {
		if err := populateSegment(loadBase, seg); err != nil {
			return Result{}, err
		}
	}

	return Result{LoadBase: loadBase, Size: uintptr(totalSize)}, nil
}

// totalMappingSize is the span from the 16-byte-floored first segment's
// start to the end of the last segment's memory image, matching spec
// §4.2's formula exactly. This relies on segments being kept in file
// order, which is address order for every well-formed linker output.
func totalMappingSize(segments []elfimage.Segment) uint64 {
	last := segments[len(segments)-1]
	first := segments[0]
	return last.VirtAddr + last.MemSize - (first.VirtAddr &^ sizeFloorMask)
}

func populateSegment(loadBase uintptr, seg elfimage.Segment) error {
	addr0 := loadBase + uintptr(seg.VirtAddr)
	addr := addr0 &^ pageSizeMask

	// The file-backed bytes only span FileSize, but the protection
	// range must cover the full MemSize (FileSize through MemSize is
	// .bss, already zeroed by the anonymous mapping and still needing
	// the segment's real protections applied).
	size := (uintptr(seg.MemSize) + (addr0 & pageSizeMask) + pageSizeMask) &^ pageSizeMask

	dst := unsafe.Slice((*byte)(unsafe.Pointer(addr)), len(seg.Data))
	copy(dst, seg.Data)

	var prot int
	if seg.Prot.Read {
		prot |= unix.PROT_READ
	}
	if seg.Prot.Write {
		prot |= unix.PROT_WRITE
	}
	if seg.Prot.Exec {
		prot |= unix.PROT_EXEC
	}

	if err := unix.Mprotect(unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(size)), prot); err != nil {
		return resourceErr("mprotect", "failed to set protections on [%#x,%#x): %v", addr, addr+size, err)
	}
	return nil
}

func resourceErr(op, msg string, args ...any) error {
	return &elfimage.LoadError{Kind: elfimage.KindResource, Op: op, Msg: fmt.Sprintf(msg, args...)}
}
