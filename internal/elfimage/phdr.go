package elfimage

import (
	"bytes"
	"encoding/binary"
)

// Prot is the set of page protections a segment requests, decoded from
// the program header's flag bits.
type Prot struct {
	Read, Write, Exec bool
}

func prot(flags uint32) Prot {
	return Prot{
		Read:  flags&pfRead != 0,
		Write: flags&pfWrite != 0,
		Exec:  flags&pfExec != 0,
	}
}

// Segment is a PT_LOAD directive, ready for the mapper. Data holds the
// segment's file-backed bytes, pre-padded at the front by the in-page
// offset so that copying it to a page-aligned destination lands the
// real bytes at the correct intra-page position (spec §4.1).
type Segment struct {
	VirtAddr  uint64
	MemSize   uint64
	FileSize  uint64
	Offset    uint64
	Alignment uint64
	Prot      Prot
	Data      []byte
}

func decodePhdr(buf []byte) (elf64Phdr, error) {
	var ph elf64Phdr
	if err := binary.Read(bytes.NewReader(buf[:progHeaderSize]), binary.LittleEndian, &ph); err != nil {
		return ph, formatErr("phdr", "could not decode program header: %v", err)
	}
	return ph, nil
}

// segmentFromPhdr slices the segment's pre-padded file bytes out of the
// whole-file buffer and builds the owned Segment the mapper will later
// copy out. It is a fatal format error for the slice to run past the
// end of the file.
func segmentFromPhdr(ph elf64Phdr, file []byte) (Segment, error) {
	pageOff := ph.VAddr & pageSizeMask
	if ph.Offset < pageOff {
		return Segment{}, formatErr("segment", "file offset %#x underflows page offset %#x", ph.Offset, pageOff)
	}
	start := ph.Offset - pageOff
	end := start + ph.FileSz + pageOff
	if end > uint64(len(file)) || end < start {
		return Segment{}, formatErr("segment", "PT_LOAD segment [%#x,%#x) extends past end of file (%d bytes)", start, end, len(file))
	}

	data := make([]byte, end-start)
	copy(data, file[start:end])

	return Segment{
		VirtAddr:  ph.VAddr,
		MemSize:   ph.MemSz,
		FileSize:  ph.FileSz,
		Offset:    ph.Offset,
		Alignment: ph.Align,
		Prot:      prot(ph.Flags),
		Data:      data,
	}, nil
}

// interpPathFromPhdr extracts the NUL-terminated interpreter path held
// in a PT_INTERP segment's file bytes. spec §9's open question flags an
// underflow if filesz is 0 or the file is missing its terminating NUL;
// both are treated as fatal format errors here rather than silently
// truncating or panicking on a negative slice length.
func interpPathFromPhdr(ph elf64Phdr, file []byte) (string, error) {
	if ph.FileSz == 0 {
		return "", formatErr("interp", "PT_INTERP segment has zero file size")
	}
	start := ph.Offset
	end := start + ph.FileSz
	if end > uint64(len(file)) || end < start {
		return "", formatErr("interp", "PT_INTERP segment extends past end of file")
	}
	raw := file[start:end]
	if raw[len(raw)-1] != 0 {
		return "", formatErr("interp", "PT_INTERP segment is not NUL-terminated")
	}
	return string(raw[:len(raw)-1]), nil
}
