package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/renameio"
	"github.com/klauspost/pgzip"
)

const snapshotHelp = `vhdgwadmin snapshot <src> <dest.gz>

Gzip-compress a backing file to a snapshot path, atomically. Uses a
parallel gzip writer so large (multi-gigabyte) backing files snapshot
without becoming CPU-bound on a single core.

Example:
  vhdgwadmin snapshot /srv/vhd/disk0.img /srv/snapshots/disk0-2026-07-31.img.gz
`

func cmdSnapshot(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("snapshot", flag.ExitOnError)
	fset.Usage = usageFor(fset, snapshotHelp)
	fset.Parse(args)

	rest := fset.Args()
	if len(rest) != 2 {
		fset.Usage()
		os.Exit(2)
	}
	src, dest := rest[0], rest[1]

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := renameio.TempFile("", dest)
	if err != nil {
		return err
	}
	defer out.Cleanup()

	zw := pgzip.NewWriter(out)
	if _, err := io.Copy(zw, in); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}
	return out.CloseAtomicallyReplace()
}
