// Package initstack lays out the System V AMD64 process-start stack:
// argv, envp, the ELF auxiliary vector, the platform string, and the
// AT_RANDOM seed, in the exact shape the kernel hands a freshly execve'd
// process. It never returns the stack's memory to the OS — it must
// outlive this call, since the program being started is about to start
// running on it.
package initstack

import (
	"crypto/rand"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/xyproto/ulexec/internal/elfimage"
)

const (
	stackSize   = 256 * 1024
	platformStr = "x86_64"
	pointerSize = 8
)

// Params bundles everything Build needs from the rest of the pipeline.
type Params struct {
	Info       *elfimage.LoadInfo
	LoadBase   uintptr
	InterpBase uintptr
	// Argv is the loader's own argv (argv[0] is the loader's path,
	// argv[1] is the victim's path and is dropped per spec §4.3,
	// argv[2:] is forwarded to the victim).
	Argv []string
	Envp []string
}

// Build allocates a fresh stack and returns the stack pointer the
// trampoline should switch to. See spec §4.3 for the exact layout.
func Build(p Params) (uintptr, error) {
	stackEnd, err := allocStack()
	if err != nil {
		return 0, err
	}

	w := &writer{cursor: (stackEnd + stackSize) &^ 15}

	envAddrs := make([]uintptr, len(p.Envp))
	for i, kv := range p.Envp {
		envAddrs[i] = w.pushString(kv)
	}

	// argv[1] is the path this loader itself consumed; it is never
	// forwarded (spec §4.3 step 2).
	forwarded := make([]string, 0, len(p.Argv))
	for i, a := range p.Argv {
		if i == 1 {
			continue
		}
		forwarded = append(forwarded, a)
	}

	argvAddrs := make([]uintptr, len(forwarded))
	for i := len(forwarded) - 1; i >= 0; i-- {
		argvAddrs[i] = w.pushString(forwarded[i])
	}

	w.cursor &^= 15

	platformAddr := w.pushString(platformStr)

	seed := make([]byte, 16)
	if _, err := rand.Read(seed); err != nil {
		return 0, fmt.Errorf("reading random seed: %w", err)
	}
	randomAddr := w.pushBytes(seed)

	auxPairs := buildAuxvPairs(p, platformAddr, randomAddr, argvAddrs)
	w.cursor -= uintptr(len(auxPairs)) * 2 * pointerSize

	pointerSlots := (len(argvAddrs) + 1) + (len(envAddrs) + 1) + 1
	w.cursor -= uintptr(pointerSlots) * pointerSize
	w.cursor &^= 15

	rsp := w.cursor

	out := &writer{cursor: rsp}
	out.writeUp(uintptr(len(argvAddrs)))
	for _, addr := range argvAddrs {
		out.writeUp(addr)
	}
	out.writeUp(0)
	for _, addr := range envAddrs {
		out.writeUp(addr)
	}
	out.writeUp(0)

	for _, pair := range auxPairs {
		out.writeUp(uintptr(pair.tag))
		out.writeUp(uintptr(pair.val))
	}

	return rsp, nil
}

func allocStack() (uintptr, error) {
	flags := unix.MAP_PRIVATE | unix.MAP_ANONYMOUS | unix.MAP_STACK
	mem, err := unix.Mmap(-1, 0, stackSize, unix.PROT_READ|unix.PROT_WRITE, flags)
	if err != nil {
		return 0, &elfimage.LoadError{Kind: elfimage.KindResource, Op: "stack-mmap", Msg: err.Error()}
	}
	// The returned []byte header is deliberately discarded: this memory
	// must outlive Build and is handed to the loaded program, which the
	// Go runtime and its GC know nothing about.
	return uintptr(unsafe.Pointer(&mem[0])), nil
}

// buildAuxvPairs computes the full (tag, value) auxv table, AT_NULL
// included, so both its size (for reserving stack space) and its
// contents (for writing it) come from a single source of truth.
func buildAuxvPairs(p Params, platformAddr, randomAddr uintptr, argvAddrs []uintptr) []struct{ tag, val uint64 } {
	info := p.Info

	entry := uint64(info.Entry)
	if info.Type == elfimage.Dyn {
		entry = uint64(p.LoadBase) + info.Entry
	}

	return []struct{ tag, val uint64 }{
		{atSysinfoEhdr, inherit(atSysinfoEhdr)},
		{atHWCap, inherit(atHWCap)},
		{atPageSz, inherit(atPageSz)},
		{atClkTck, inherit(atClkTck)},
		{atHWCap2, inherit(atHWCap2)},
		{atPHDR, uint64(p.LoadBase) + info.PHOff},
		{atPHEnt, elfimage.ProgHeaderSize},
		{atPHNum, uint64(info.PHNum)},
		{atBase, uint64(p.InterpBase)},
		{atFlags, 0},
		{atEntry, entry},
		{atUID, inherit(atUID)},
		{atEUID, inherit(atEUID)},
		{atGID, inherit(atGID)},
		{atEGID, inherit(atEGID)},
		{atSecure, inherit(atSecure)},
		{atRandom, uint64(randomAddr)},
		{atExecFn, uint64(argvAddrs[0])},
		{atNull, 0},
	}
}

// writer is a cursor over the freshly mapped stack. pushString/pushBytes
// move the cursor downward and copy data in (the string region grows
// toward lower addresses, as spec §4.3 lays out); writeUp moves it
// upward 8 bytes at a time while writing the pointer tables and auxv.
type writer struct {
	cursor uintptr
}

func (w *writer) pushBytes(b []byte) uintptr {
	w.cursor -= uintptr(len(b))
	dst := unsafe.Slice((*byte)(unsafe.Pointer(w.cursor)), len(b))
	copy(dst, b)
	return w.cursor
}

func (w *writer) pushString(s string) uintptr {
	return w.pushBytes(append([]byte(s), 0))
}

func (w *writer) writeUp(v uintptr) {
	*(*uintptr)(unsafe.Pointer(w.cursor)) = v
	w.cursor += pointerSize
}
