// Command vmi-read is a thin example wrapper over package introspector:
// open a backend, read a span of guest physical memory, print it as a
// hex dump. It is glue, not part of the core.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"os"

	"example.com/vmi-core/introspector"
)

func main() {
	mode := flag.String("mode", "file", "backend: file, xen, or kvm")
	addr := flag.Uint64("addr", 0, "guest physical address to read from")
	length := flag.Int("len", 64, "number of bytes to read")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: vmi-read -mode=file -addr=0x1000 -len=64 <vm-name-or-dump-path>")
		os.Exit(2)
	}
	target := flag.Arg(0)

	cfg := introspector.Config{}
	switch *mode {
	case "file":
		cfg.Mode = introspector.AccessFile
	case "xen":
		cfg.Mode = introspector.AccessXen
	case "kvm":
		cfg.Mode = introspector.AccessKVM
	default:
		fmt.Fprintf(os.Stderr, "vmi-read: unknown mode %q\n", *mode)
		os.Exit(2)
	}

	inst, err := introspector.New(target, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vmi-read: init: %v\n", err)
		os.Exit(1)
	}
	defer inst.Destroy()

	buf, err := inst.ReadPA(*addr, *length)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vmi-read: read_pa: %v\n", err)
		os.Exit(1)
	}
	fmt.Print(hex.Dump(buf))
}
