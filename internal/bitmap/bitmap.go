// Package bitmap implements the caller-supplied block-presence bitmap
// codec: base64-decode then zlib-inflate into a dense bit array indexed
// by virtual block number, grounded on mod_getvhd.c's init_blocks.
package bitmap

import (
	"bytes"
	"encoding/base64"
	"io"

	"github.com/klauspost/compress/zlib"

	"github.com/vhdgateway/vhdgw/internal/vhderr"
)

// NumBytes returns ceil(numBlocks/8), the size of the dense bit array.
func NumBytes(numBlocks int) int {
	return (numBlocks + 7) / 8
}

// Decode decodes a base64+zlib compressed bitmap into a dense bit array
// of exactly NumBytes(numBlocks) bytes. An empty input decodes to
// all-ones (every block present).
func Decode(b64 string, numBlocks int) ([]byte, error) {
	want := NumBytes(numBlocks)
	if b64 == "" {
		out := make([]byte, want)
		for i := range out {
			out[i] = 0xFF
		}
		return out, nil
	}
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, vhderr.Wrap(vhderr.BadRequest, "decoding block bitmap base64", err)
	}
	zr, err := zlib.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, vhderr.Wrap(vhderr.BadRequest, "opening block bitmap zlib stream", err)
	}
	defer zr.Close()
	out := make([]byte, want)
	n, err := io.ReadFull(zr, out)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, vhderr.Wrap(vhderr.BadRequest, "inflating block bitmap", err)
	}
	if n != want {
		return nil, vhderr.New(vhderr.BadRequest, "inflated block bitmap has wrong length")
	}
	// Confirm the stream actually ends here: any further byte means the
	// caller's declared numBlocks doesn't match the bitmap they sent.
	var extra [1]byte
	if en, _ := zr.Read(extra[:]); en != 0 {
		return nil, vhderr.New(vhderr.BadRequest, "inflated block bitmap longer than expected")
	}
	return out, nil
}

// Encode deflates and base64-encodes a dense bit array, the inverse of
// Decode, used by cmd/vhdgwadmin to produce getvhd.blocks values.
func Encode(bits []byte) (string, error) {
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(bits); err != nil {
		return "", vhderr.Wrap(vhderr.Internal, "deflating block bitmap", err)
	}
	if err := zw.Close(); err != nil {
		return "", vhderr.Wrap(vhderr.Internal, "closing block bitmap deflate stream", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Test reports whether bit i is set (block i is present), per the
// big-endian-within-byte bit order the wire format uses throughout.
func Test(bits []byte, i int) bool {
	byteIdx := i / 8
	if byteIdx >= len(bits) {
		return false
	}
	bitIdx := 7 - uint(i%8)
	return bits[byteIdx]&(1<<bitIdx) != 0
}

// Set sets bit i.
func Set(bits []byte, i int) {
	byteIdx := i / 8
	bitIdx := 7 - uint(i%8)
	bits[byteIdx] |= 1 << bitIdx
}
