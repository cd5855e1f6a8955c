//go:build linux

package initstack

import (
	"testing"
	"unsafe"

	"github.com/xyproto/ulexec/internal/elfimage"
)

func readUintptr(addr uintptr) uintptr {
	return *(*uintptr)(unsafe.Pointer(addr))
}

func readCString(addr uintptr) string {
	var b []byte
	for {
		c := *(*byte)(unsafe.Pointer(addr))
		if c == 0 {
			break
		}
		b = append(b, c)
		addr++
	}
	return string(b)
}

func TestBuildLayoutMatchesSystemVContract(t *testing.T) {
	info := &elfimage.LoadInfo{
		Entry:  0x401000,
		PHOff:  64,
		PHNum:  1,
		Type:   elfimage.Exec,
	}

	rsp, err := Build(Params{
		Info:     info,
		LoadBase: 0,
		Argv:     []string{"ulexec", "victim-path", "a", "bb"},
		Envp:     []string{"PATH=/usr/bin", "HOME=/root"},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if rsp%16 != 0 {
		t.Fatalf("rsp = %#x, not 16-byte aligned", rsp)
	}

	cursor := rsp
	argc := readUintptr(cursor)
	cursor += 8
	if argc != 3 {
		t.Fatalf("argc = %d, want 3 (argv[1] must be dropped)", argc)
	}

	wantArgv := []string{"ulexec", "a", "bb"}
	for _, want := range wantArgv {
		ptr := readUintptr(cursor)
		cursor += 8
		if got := readCString(ptr); got != want {
			t.Errorf("argv entry = %q, want %q", got, want)
		}
	}
	if term := readUintptr(cursor); term != 0 {
		t.Fatalf("argv table not NULL-terminated, got %#x", term)
	}
	cursor += 8

	wantEnv := []string{"PATH=/usr/bin", "HOME=/root"}
	for _, want := range wantEnv {
		ptr := readUintptr(cursor)
		cursor += 8
		if got := readCString(ptr); got != want {
			t.Errorf("envp entry = %q, want %q", got, want)
		}
	}
	if term := readUintptr(cursor); term != 0 {
		t.Fatalf("envp table not NULL-terminated, got %#x", term)
	}
	cursor += 8

	// What follows is (tag, value) aux pairs. AT_PHDR(3) must appear
	// with the expected value, and the stream must end in AT_NULL(0,0).
	seenPHDR := false
	for {
		tag := readUintptr(cursor)
		cursor += 8
		val := readUintptr(cursor)
		cursor += 8
		if tag == atPHDR {
			seenPHDR = true
			if val != uintptr(info.PHOff) {
				t.Errorf("AT_PHDR = %#x, want %#x", val, info.PHOff)
			}
		}
		if tag == atNull {
			if val != 0 {
				t.Fatalf("AT_NULL carries nonzero value %#x", val)
			}
			break
		}
	}
	if !seenPHDR {
		t.Fatal("auxv stream never carried AT_PHDR")
	}
}

func TestBuildEntryAdjustsForDyn(t *testing.T) {
	info := &elfimage.LoadInfo{Entry: 0x1000, Type: elfimage.Dyn}
	const loadBase = 0x7f0000000000

	rsp, err := Build(Params{
		Info:     info,
		LoadBase: loadBase,
		Argv:     []string{"ulexec", "victim"},
		Envp:     nil,
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	cursor := rsp
	argc := readUintptr(cursor)
	cursor += 8
	cursor += (argc + 1) * 8 // skip argv table + NULL
	cursor += 8              // skip envp NULL (Envp is empty)

	for {
		tag := readUintptr(cursor)
		cursor += 8
		val := readUintptr(cursor)
		cursor += 8
		if tag == atEntry {
			want := uintptr(loadBase) + uintptr(info.Entry)
			if val != want {
				t.Fatalf("AT_ENTRY = %#x, want %#x", val, want)
			}
			return
		}
		if tag == atNull {
			t.Fatal("reached AT_NULL without seeing AT_ENTRY")
		}
	}
}
