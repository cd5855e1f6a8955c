// Package elfimage parses the portion of a 64-bit little-endian ELF file
// a userspace loader needs: the file header, the PT_LOAD segments, and an
// optional PT_INTERP path. It never touches section headers, relocations,
// or symbol tables — those are someone else's problem (the loaded
// PT_INTERP, in this system's case).
package elfimage

import "os"

// ElfType distinguishes position-dependent executables from
// position-independent ones; the mapper places each differently.
type ElfType int

const (
	Exec ElfType = iota
	Dyn
)

func elfTypeFromEType(etype uint16) (ElfType, error) {
	switch etype {
	case etExec:
		return Exec, nil
	case etDyn:
		return Dyn, nil
	default:
		return 0, formatErr("etype", "invalid ELF type %d", etype)
	}
}

// LoadInfo is everything the mapper and stack builder need to place an
// ELF image and hand control to it.
type LoadInfo struct {
	Entry       uint64
	PHOff       uint64
	PHNum       int
	Segments    []Segment // file order, which is address order for well-formed binaries
	Interp      string    // empty if the file has no PT_INTERP
	HasInterp   bool
	Type        ElfType
}

// Parse reads path, validates it as a loadable ELF64 image, and extracts
// its PT_LOAD/PT_INTERP directives. Every failure is fatal: there is no
// partial result to recover from.
func Parse(path string) (*LoadInfo, error) {
	file, err := os.ReadFile(path)
	if err != nil {
		return nil, inputErr("read", "could not read %q: %v", path, err)
	}

	hdr, err := decodeHeader(file)
	if err != nil {
		return nil, err
	}
	if err := hdr.verify(); err != nil {
		return nil, err
	}

	etype, err := elfTypeFromEType(hdr.EType)
	if err != nil {
		return nil, err
	}

	segments, interp, hasInterp, err := parseProgramHeaders(hdr, file)
	if err != nil {
		return nil, err
	}

	return &LoadInfo{
		Entry:     hdr.Entry,
		PHOff:     hdr.PHOff,
		PHNum:     int(hdr.PHNum),
		Segments:  segments,
		Interp:    interp,
		HasInterp: hasInterp,
		Type:      etype,
	}, nil
}

func parseProgramHeaders(hdr elf64Hdr, file []byte) (segments []Segment, interp string, hasInterp bool, err error) {
	tableStart := hdr.PHOff
	tableSize := uint64(hdr.PHNum) * uint64(progHeaderSize)
	tableEnd := tableStart + tableSize
	if tableEnd > uint64(len(file)) || tableEnd < tableStart {
		return nil, "", false, formatErr("phdrtable", "program header table [%#x,%#x) extends past end of file", tableStart, tableEnd)
	}

	for i := 0; i < int(hdr.PHNum); i++ {
		off := tableStart + uint64(i)*uint64(progHeaderSize)
		ph, err := decodePhdr(file[off : off+progHeaderSize])
		if err != nil {
			return nil, "", false, err
		}

		switch ph.Type {
		case ptLoad:
			seg, err := segmentFromPhdr(ph, file)
			if err != nil {
				return nil, "", false, err
			}
			segments = append(segments, seg)
		case ptInterp:
			path, err := interpPathFromPhdr(ph, file)
			if err != nil {
				return nil, "", false, err
			}
			interp, hasInterp = path, true
		default:
			// every other program header type is ignored (spec §4.1)
		}
	}

	return segments, interp, hasInterp, nil
}
