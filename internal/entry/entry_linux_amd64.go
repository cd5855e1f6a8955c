// Package entry performs the final, irrevocable step of loading a
// program: switching to its freshly built stack and jumping to its
// entry point with a clean register file. This is the one place in the
// loader that cannot be expressed in ordinary Go control flow — a
// function that changes its own stack pointer and never returns to its
// caller has no higher-level equivalent, so it is written directly in
// Plan 9 assembly (see entry_linux_amd64.s).
package entry

// Jump loads rsp into the stack pointer, stores entry in the slot just
// below it, zeroes every general-purpose register other than the stack
// pointer (including the two temporaries that briefly held rsp and
// entry), and returns into entry. It never returns to its caller: by
// the time it would, the loaded program's code is running instead. The
// return pops the stored entry, so the loaded program starts with the
// stack pointer equal to rsp, pointing at argc; rsp must therefore
// already be 16-byte aligned, as the System V AMD64 process-entry ABI
// expects.
func Jump(rsp, entry uintptr)
