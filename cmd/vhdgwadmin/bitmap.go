package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/vhdgateway/vhdgw/internal/bitmap"
)

const bitmapHelp = `vhdgwadmin bitmap -blocks <n> encode <block,block,...>
vhdgwadmin bitmap -blocks <n> decode <base64>

Encode a comma-separated list of present block indices into the
base64+zlib form getvhd_blocks/getvhd_block_map expect, or decode one
back into the list of present block indices.

Example:
  vhdgwadmin bitmap -blocks 512 encode 0,1,2,3,510,511
`

func cmdBitmap(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("bitmap", flag.ExitOnError)
	numBlocks := fset.Int("blocks", 0, "total number of blocks in the disk")
	fset.Usage = usageFor(fset, bitmapHelp)
	fset.Parse(args)

	rest := fset.Args()
	if *numBlocks <= 0 || len(rest) != 2 {
		fset.Usage()
		os.Exit(2)
	}
	mode, arg := rest[0], rest[1]

	switch mode {
	case "encode":
		b := make([]byte, bitmap.NumBytes(*numBlocks))
		if arg != "" {
			for _, tok := range strings.Split(arg, ",") {
				idx, err := strconv.Atoi(strings.TrimSpace(tok))
				if err != nil {
					return fmt.Errorf("parsing block index %q: %w", tok, err)
				}
				if idx < 0 || idx >= *numBlocks {
					return fmt.Errorf("block index %d out of range [0,%d)", idx, *numBlocks)
				}
				bitmap.Set(b, idx)
			}
		}
		enc, err := bitmap.Encode(b)
		if err != nil {
			return err
		}
		fmt.Println(enc)
		return nil

	case "decode":
		b, err := bitmap.Decode(arg, *numBlocks)
		if err != nil {
			return err
		}
		var present []string
		for i := 0; i < *numBlocks; i++ {
			if bitmap.Test(b, i) {
				present = append(present, strconv.Itoa(i))
			}
		}
		fmt.Println(strings.Join(present, ","))
		return nil

	default:
		fset.Usage()
		os.Exit(2)
		return nil
	}
}
