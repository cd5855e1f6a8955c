//go:build linux

package loadctl

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

type rawHeader struct {
	Magic      uint32
	Class      uint8
	Endian     uint8
	ElfVersion uint8
	OSABI      uint8
	ABIVersion uint8
	Padding    [7]uint8
	EType      uint16
	Machine    uint16
	Version2   uint32
	Entry      uint64
	PHOff      uint64
	SHOff      uint64
	Flags      uint32
	EHSize     uint16
	PHEntSize  uint16
	PHNum      uint16
	SHEntSize  uint16
	SHNum      uint16
	SHStrNdx   uint16
}

type rawPhdr struct {
	Type   uint32
	Flags  uint32
	Offset uint64
	VAddr  uint64
	PAddr  uint64
	FileSz uint64
	MemSz  uint64
	Align  uint64
}

// buildDynExec builds a minimal ET_DYN image with a single R-X PT_LOAD
// segment at VirtAddr=0, deliberately avoiding ET_EXEC: an ET_EXEC
// victim's PT_LOAD carries an absolute vaddr (conventionally 0x400000,
// the same fixed link address Go's own non-PIE linux/amd64 toolchain
// uses for this very test binary), and loadmap.Load places ET_EXEC
// segments with a MAP_FIXED mmap at that exact address — which would
// risk clobbering a page of this running test binary's own mapped
// .text/header region. internal/loadmap's own mapper_test.go avoids
// this for the same reason (see its comment); ET_DYN's kernel-chosen,
// non-fixed placement carries no such risk, and loadctl.Run's pipeline
// (parse, map, build stack) exercises identically either way short of
// the trampoline jump, which this test never reaches.
func buildDynExec(t *testing.T) string {
	t.Helper()
	const phoff = 64
	body := []byte{0x90, 0x90, 0xf4} // nop; nop; hlt — never executed by this test

	hdr := rawHeader{
		Magic:      0x464c457f,
		Class:      2,
		Endian:     1,
		ElfVersion: 1,
		OSABI:      3,
		EType:      3, // ET_DYN
		Machine:    0x3e,
		Version2:   1,
		Entry:      phoff + 56,
		PHOff:      phoff,
		EHSize:     64,
		PHEntSize:  56,
		PHNum:      1,
	}
	ph := rawPhdr{
		Type:   1, // PT_LOAD
		Flags:  1 | 4, // PF_X|PF_R
		Offset: 0,
		VAddr:  0,
		PAddr:  0,
		FileSz: uint64(phoff + 56 + len(body)),
		MemSz:  uint64(phoff + 56 + len(body)),
		Align:  0x1000,
	}

	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, &hdr)
	binary.Write(&buf, binary.LittleEndian, &ph)
	buf.Write(body)

	dir := t.TempDir()
	path := filepath.Join(dir, "victim")
	if err := os.WriteFile(path, buf.Bytes(), 0o755); err != nil {
		t.Fatalf("writing synthetic victim: %v", err)
	}
	return path
}

func TestRunBuildsAPlanForDynExec(t *testing.T) {
	path := buildDynExec(t)

	var logged []string
	log := func(format string, args ...any) { logged = append(logged, format) }

	plan, err := Run(path, []string{"ulexec-test", path, "extra-arg"}, []string{"PATH=/usr/bin"}, log)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// No PT_INTERP is present, so loadctl leaves the raw e_entry value
	// as the jump target verbatim (see the comment in loadctl.go above
	// the stack-builder call) rather than adjusting it by the ET_DYN
	// load base, which only happens for AT_ENTRY inside initstack.Build.
	if plan.Entry != 64+56 {
		t.Errorf("Entry = %#x, want %#x", plan.Entry, uintptr(64+56))
	}
	if plan.RSP == 0 || plan.RSP%16 != 0 {
		t.Errorf("RSP = %#x, want a nonzero 16-byte-aligned value", plan.RSP)
	}
	if len(logged) == 0 {
		t.Error("expected verbose log callback to be invoked at least once")
	}
}
