// Command ulexec is a userspace ELF loader: it parses a 64-bit ELF
// image, maps its PT_LOAD segments (recursing into PT_INTERP if one is
// present), builds a fresh process-start stack, and jumps straight into
// the loaded program — all inside this same process. It never forks or
// execs; by the time it jumps, ulexec's own role in the address space
// has been overwritten by the program it loaded.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/xyproto/ulexec/internal/entry"
	"github.com/xyproto/ulexec/internal/loadctl"
)

const versionString = "ulexec 1.0.0"

// VerboseMode gates the pipeline's stderr progress messages. It exists
// as a package-level flag the same way the teacher's compiler tracks a
// single VerboseMode switch instead of threading a logger through every
// call.
var VerboseMode bool

func main() {
	var (
		verbose      = flag.Bool("v", false, "verbose mode (print each loader stage to stderr)")
		verboseLong  = flag.Bool("verbose", false, "verbose mode (print each loader stage to stderr)")
		versionShort = flag.Bool("V", false, "print version information and exit")
		version      = flag.Bool("version", false, "print version information and exit")
	)
	flag.Usage = usage
	flag.Parse()

	if *version || *versionShort {
		fmt.Println(versionString)
		return
	}

	VerboseMode = *verbose || *verboseLong

	args := flag.Args()
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}

	if err := run(args[0], args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "ulexec: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s [-v] /path/to/victim [extra-args...]\n", os.Args[0])
	flag.PrintDefaults()
}

// run executes the full pipeline and jumps into the loaded program. It
// only returns on failure — success ends in entry.Jump, which never
// returns. extra is whatever followed victimPath on the command line;
// it becomes the victim's argv[1:].
func run(victimPath string, extra []string) error {
	var log loadctl.Logf
	if VerboseMode {
		log = func(format string, args ...any) {
			fmt.Fprintf(os.Stderr, "ulexec: "+format+"\n", args...)
		}
	}

	// Reconstruct the argv shape spec §4.3/§6 expects regardless of
	// where -v/-version flags appeared on the real command line:
	// index 0 is this loader's own path (becomes the victim's argv[0]
	// and AT_EXECFN target), index 1 is the victim path (dropped by the
	// stack builder), and the rest is forwarded untouched.
	argv := append([]string{os.Args[0], victimPath}, extra...)

	plan, err := loadctl.Run(victimPath, argv, loadctl.DefaultEnviron(), log)
	if err != nil {
		return err
	}

	if VerboseMode {
		fmt.Fprintf(os.Stderr, "ulexec: jumping to entry=%#x rsp=%#x\n", plan.Entry, plan.RSP)
	}

	entry.Jump(plan.RSP, plan.Entry)
	panic("unreachable: entry.Jump returned")
}
