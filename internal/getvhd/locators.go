package getvhd

import (
	"path/filepath"

	"github.com/vhdgateway/vhdgw/internal/vhdformat"
)

// buildParentLocators encodes parentPath three times, one payload per
// required platform (MacX, W2ku, W2ru), sector-pads each, and lays them
// out consecutively starting at regionOff. It returns the populated
// locator table entries and the concatenated, sector-aligned payload
// bytes, per mod_getvhd.c's init_parent_locators.
func buildParentLocators(parentPath string, regionOff int64) ([8]vhdformat.ParentLocatorEntry, []byte, error) {
	var entries [8]vhdformat.ParentLocatorEntry

	macxPayload := vhdformat.EncodeMacXPath(toPosixRelative(parentPath))
	w2kuPayload, err := vhdformat.EncodeUTF16LE(parentPath)
	if err != nil {
		return entries, nil, err
	}
	w2ruPayload, err := vhdformat.EncodeUTF16LE(toPosixRelative(parentPath))
	if err != nil {
		return entries, nil, err
	}

	payloads := [][]byte{macxPayload, w2kuPayload, w2ruPayload}
	platforms := [][4]byte{
		platformCode(vhdformat.PlatformMacX),
		platformCode(vhdformat.PlatformW2ku),
		platformCode(vhdformat.PlatformW2ru),
	}

	var out []byte
	offset := regionOff
	for i, payload := range payloads {
		padded := vhdformat.PadToSector(int64(len(payload)))
		entries[i] = vhdformat.ParentLocatorEntry{
			PlatformCode: platforms[i],
			// PlatformDataSpace is the padded byte count, matching
			// init_parent_locators' vhd_bytes_padded(len), not a sector
			// count.
			PlatformDataSpace:  uint32(padded),
			PlatformDataLength: uint32(len(payload)),
			PlatformDataOffset: uint64(offset),
		}
		block := make([]byte, padded)
		copy(block, payload)
		out = append(out, block...)
		offset += padded
	}
	return entries, out, nil
}

func platformCode(s string) [4]byte {
	var b [4]byte
	copy(b[:], s)
	return b
}

// toPosixRelative strips a leading slash, matching the source's
// MacX/W2ru relative-path convention for parent locators.
func toPosixRelative(p string) string {
	p = filepath.ToSlash(p)
	for len(p) > 0 && p[0] == '/' {
		p = p[1:]
	}
	return p
}
