package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/renameio"
	"golang.org/x/sys/unix"
)

const createHelp = `vhdgwadmin create -size <bytes> <path>

Atomically create a backing file of the given size at path, punching
the whole file as a hole up front so later scattered block writes
(VHD PUT, BITS fragments) stay sparse on disk.

Example:
  vhdgwadmin create -size 10737418240 /srv/vhd/disk0.img
`

func cmdCreate(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("create", flag.ExitOnError)
	size := fset.Int64("size", 0, "backing file size in bytes")
	fset.Usage = usageFor(fset, createHelp)
	fset.Parse(args)

	if *size <= 0 {
		return fmt.Errorf("-size must be positive")
	}
	rest := fset.Args()
	if len(rest) != 1 {
		fset.Usage()
		os.Exit(2)
	}
	dest := rest[0]

	f, err := renameio.TempFile("", dest)
	if err != nil {
		return err
	}
	defer f.Cleanup()

	fd := int(f.Fd())
	if err := unix.Ftruncate(fd, *size); err != nil {
		return err
	}
	// Punch the entire range as an unallocated hole: subsequent WriteAt
	// calls at scattered block offsets then only cost disk space for the
	// sectors actually written, matching write_block_sparse's intent.
	if err := unix.Fallocate(fd, unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, 0, *size); err != nil {
		// Not all filesystems support punching holes (e.g. tmpfs in some
		// configurations); a plain truncated-to-size file still behaves
		// correctly, just without the disk-space guarantee.
		fmt.Fprintf(os.Stderr, "warning: could not punch initial hole: %v\n", err)
	}

	return f.CloseAtomicallyReplace()
}
