package getvhd

import (
	"bytes"
	"testing"

	"github.com/spf13/afero"

	"github.com/vhdgateway/vhdgw/internal/blockio"
	"github.com/vhdgateway/vhdgw/internal/vhdformat"
)

func patternData(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 256)
	}
	return b
}

func TestBuildFullEmission(t *testing.T) {
	fs := afero.NewMemMapFs()
	data := patternData(4 * 1024 * 1024)
	afero.WriteFile(fs, "/disk.img", data, 0644)
	backend := &blockio.Backend{Fs: fs}

	p := Params{
		BackingPath: "/disk.img",
		VDISize:     int64(len(data)),
		UUID:        [16]byte{1, 2, 3},
		BlocksB64:   "", // empty => all blocks present
	}
	img, err := Build(p, backend)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	var buf bytes.Buffer
	if err := img.WriteRange(&buf, backend, nil, nil, false); err != nil {
		t.Fatalf("WriteRange: %v", err)
	}
	if int64(buf.Len()) != img.TotalSize {
		t.Fatalf("emitted %d bytes, want TotalSize %d", buf.Len(), img.TotalSize)
	}

	footer, err := vhdformat.UnmarshalFooter(buf.Bytes()[:vhdformat.FooterSize])
	if err != nil {
		t.Fatalf("UnmarshalFooter: %v", err)
	}
	if footer.DiskType != vhdformat.DiskTypeDynamic {
		t.Fatalf("DiskType = %d, want dynamic", footer.DiskType)
	}
	if footer.CurrentSize != p.VDISize {
		t.Fatalf("CurrentSize = %d, want %d", footer.CurrentSize, p.VDISize)
	}

	trailing := buf.Bytes()[buf.Len()-vhdformat.FooterSize:]
	if !bytes.Equal(trailing, buf.Bytes()[:vhdformat.FooterSize]) {
		t.Fatalf("trailing footer does not match backup footer")
	}

	header, err := vhdformat.UnmarshalHeader(buf.Bytes()[vhdformat.FooterSize:vhdformat.FooterSize+vhdformat.HeaderSize], p.VDISize)
	if err != nil {
		t.Fatalf("UnmarshalHeader: %v", err)
	}
	if header.TableOffset != vhdformat.TableOffset {
		t.Fatalf("TableOffset = %d, want %d", header.TableOffset, vhdformat.TableOffset)
	}
}

func TestBuildRangeClipped(t *testing.T) {
	fs := afero.NewMemMapFs()
	data := patternData(4 * 1024 * 1024)
	afero.WriteFile(fs, "/disk.img", data, 0644)
	backend := &blockio.Backend{Fs: fs}

	p := Params{
		BackingPath: "/disk.img",
		VDISize:     int64(len(data)),
		UUID:        [16]byte{1, 2, 3},
	}
	img, err := Build(p, backend)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	var full bytes.Buffer
	if err := img.WriteRange(&full, backend, nil, nil, false); err != nil {
		t.Fatalf("WriteRange(full): %v", err)
	}

	start, end := int64(512), int64(2047)
	var clipped bytes.Buffer
	if err := img.WriteRange(&clipped, backend, &start, &end, false); err != nil {
		t.Fatalf("WriteRange(range): %v", err)
	}
	want := full.Bytes()[start : end+1]
	if !bytes.Equal(clipped.Bytes(), want) {
		t.Fatalf("clipped range mismatch: got %d bytes, want %d", clipped.Len(), len(want))
	}
}

func TestBuildDifferencing(t *testing.T) {
	fs := afero.NewMemMapFs()
	data := patternData(2 * 1024 * 1024)
	afero.WriteFile(fs, "/disk.img", data, 0644)
	backend := &blockio.Backend{Fs: fs}

	parentUUID := [16]byte{0x6b, 0xa7, 0xb8, 0x10, 0x9d, 0xad, 0x11, 0xd1, 0x80, 0xb4, 0x00, 0xc0, 0x4f, 0xd4, 0x30, 0xc8}
	p := Params{
		BackingPath: "/disk.img",
		VDISize:     int64(len(data)),
		UUID:        [16]byte{9},
		ParentUUID:  &parentUUID,
		ParentPath:  "/vhd/base.vhd",
	}
	img, err := Build(p, backend)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	var buf bytes.Buffer
	if err := img.WriteRange(&buf, backend, nil, nil, false); err != nil {
		t.Fatalf("WriteRange: %v", err)
	}
	footer, err := vhdformat.UnmarshalFooter(buf.Bytes()[:vhdformat.FooterSize])
	if err != nil {
		t.Fatalf("UnmarshalFooter: %v", err)
	}
	if footer.DiskType != vhdformat.DiskTypeDifferencing {
		t.Fatalf("DiskType = %d, want differencing", footer.DiskType)
	}
	header, err := vhdformat.UnmarshalHeader(buf.Bytes()[vhdformat.FooterSize:vhdformat.FooterSize+vhdformat.HeaderSize], p.VDISize)
	if err != nil {
		t.Fatalf("UnmarshalHeader: %v", err)
	}
	if header.ParentUniqueId != parentUUID {
		t.Fatalf("ParentUniqueId mismatch")
	}
	wantCodes := []string{vhdformat.PlatformMacX, vhdformat.PlatformW2ku, vhdformat.PlatformW2ru}
	for i, want := range wantCodes {
		if got := string(header.Locators[i].PlatformCode[:]); got != want {
			t.Errorf("Locators[%d].PlatformCode = %q, want %q", i, got, want)
		}
		if header.Locators[i].PlatformDataOffset%vhdformat.SectorSize != 0 {
			t.Errorf("Locators[%d].PlatformDataOffset not sector-aligned", i)
		}
	}
}

func TestBuildSizeMismatchRejected(t *testing.T) {
	fs := afero.NewMemMapFs()
	afero.WriteFile(fs, "/disk.img", make([]byte, 1024), 0644)
	backend := &blockio.Backend{Fs: fs}
	p := Params{BackingPath: "/disk.img", VDISize: 2048, UUID: [16]byte{1}}
	if _, err := Build(p, backend); err == nil {
		t.Fatalf("expected error for size mismatch")
	}
}
