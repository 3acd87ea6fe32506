// Command vhdgwadmin provisions and inspects VHD gateway backing
// stores: creating pre-sized sparse backing files, snapshotting them,
// and encoding/decoding the block-presence bitmaps the gateway's
// getvhd_blocks/block_map configuration keys expect. Verb dispatch is
// grounded on cmd/distri/distri.go's funcmain shape.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/vhdgateway/vhdgw"
)

func usage() {
	fmt.Fprintln(os.Stderr, "vhdgwadmin <command> [-flags] [args]")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "\tcreate    - atomically create a pre-sized sparse backing file")
	fmt.Fprintln(os.Stderr, "\tsnapshot  - gzip-compress a backing file to a snapshot path")
	fmt.Fprintln(os.Stderr, "\tbitmap    - encode/decode a getvhd block-presence bitmap")
	fmt.Fprintln(os.Stderr, "\tstatus    - serve a small status/docs page over HTTP")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "To get help on any command, use vhdgwadmin <command> -help.")
}

func funcmain() error {
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}
	verb, rest := args[0], args[1:]

	verbs := map[string]func(ctx context.Context, args []string) error{
		"create":   cmdCreate,
		"snapshot": cmdSnapshot,
		"bitmap":   cmdBitmap,
		"status":   cmdStatus,
	}
	v, ok := verbs[verb]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n", verb)
		usage()
		os.Exit(2)
	}

	ctx, canc := vhdgw.InterruptibleContext()
	defer canc()
	if err := v(ctx, rest); err != nil {
		return fmt.Errorf("%s: %v", verb, err)
	}
	return vhdgw.RunAtExit()
}

func main() {
	if err := funcmain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
