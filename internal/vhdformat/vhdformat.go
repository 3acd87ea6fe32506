// Package vhdformat is the byte-exact VHD wire codec: footer, header and
// BAT encode/decode, per-block bitmap sizing, checksum computation and
// CHS geometry, grounded on vhd_common.c's get_footer/get_header/get_bat and
// distri's internal/squashfs encode/decode idiom (binary.Read/Write over
// explicitly tagged big/little-endian struct fields).
package vhdformat

import (
	"bytes"
	"encoding/binary"
	"time"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/xerrors"

	"github.com/vhdgateway/vhdgw/internal/vhderr"
)

const (
	// SectorSize is the VHD sector size in bytes.
	SectorSize = 512
	// BlockShift is VHD_BLOCK_SHIFT: log2 of the conventional 2 MiB block size.
	BlockShift = 21
	// BlockSize is the conventional dynamic/differencing block size, 2 MiB.
	BlockSize = 1 << BlockShift

	// FooterSize is the on-wire size of the footer structure.
	FooterSize = 512
	// HeaderSize is the on-wire size of the header structure.
	HeaderSize = 1024

	// FooterOffset is the dynamic/differencing footer.data_offset value.
	FooterOffset = 512
	// TableOffset is header.table_offset for a single-footer dynamic/
	// differencing disk: sector 3, past one footer plus the header.
	TableOffset = 1536

	footerCookie = "conectix"
	headerCookie = "cxsparse"

	// HeaderVersion1 is the only defined header version.
	HeaderVersion1 = 0x00010000
	// FileFormatVersion1 is the only defined footer file-format version.
	FileFormatVersion1 = 0x00010000

	// UnusedBATEntry marks a BAT slot as unallocated.
	UnusedBATEntry = 0xFFFFFFFF

	// DiskTypeFixed, DiskTypeDynamic, DiskTypeDifferencing are the
	// footer.disk_type values.
	DiskTypeFixed        = 2
	DiskTypeDynamic      = 3
	DiskTypeDifferencing = 4
)

// Platform codes for parent-locator entries.
const (
	PlatformNone = "\x00\x00\x00\x00"
	PlatformMacX = "MacX"
	PlatformW2ku = "W2ku"
	PlatformW2ru = "W2ru"
)

// vhdEpoch is the VHD timestamp epoch: 2000-01-01 UTC.
var vhdEpoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// Timestamp converts a wall-clock time to the VHD footer/header timestamp
// encoding (seconds since vhdEpoch).
func Timestamp(t time.Time) uint32 {
	return uint32(t.Sub(vhdEpoch) / time.Second)
}

// Footer is the in-memory representation of the 512-byte VHD footer.
// Wire integers are big-endian; this struct holds them in host order
// except where marshaled.
type Footer struct {
	Features           uint32
	FileFormatVersion   uint32
	DataOffset          uint64
	Timestamp           uint32
	CreatorApplication  [4]byte
	CreatorVersion      uint32
	CreatorHostOS       uint32
	OriginalSize        int64
	CurrentSize         int64
	DiskGeometry        CHS
	DiskType            uint32
	UniqueId            [16]byte
	SavedState          uint8
}

// CHS is the packed cylinder/head/sector geometry field.
type CHS struct {
	Cylinders       uint16
	Heads           uint8
	SectorsPerTrack uint8
}

// wireFooter is the exact byte-for-byte layout, used only at the
// marshal/unmarshal boundary.
type wireFooter struct {
	Cookie             [8]byte
	Features           uint32
	FileFormatVersion  uint32
	DataOffset         uint64
	Timestamp          uint32
	CreatorApplication [4]byte
	CreatorVersion     uint32
	CreatorHostOS      uint32
	OriginalSize       uint64
	CurrentSize        uint64
	DiskGeometryCyl    uint16
	DiskGeometryHeads  uint8
	DiskGeometrySPT    uint8
	DiskType           uint32
	Checksum           uint32
	UniqueId           [16]byte
	SavedState         uint8
	Reserved           [427]byte
}

// GeometryFromSectors computes the CHS geometry Microsoft's VHD spec
// prescribes for a disk of the given total sector count.
func GeometryFromSectors(totalSectors uint64) CHS {
	const maxSectors = 65535 * 16 * 255
	if totalSectors > maxSectors {
		totalSectors = maxSectors
	}

	var sectorsPerTrack, heads uint64
	var cylTimesHeads uint64

	if totalSectors >= 65535*16*63 {
		sectorsPerTrack = 255
		heads = 16
		cylTimesHeads = totalSectors / sectorsPerTrack
	} else {
		sectorsPerTrack = 17
		cylTimesHeads = totalSectors / sectorsPerTrack
		heads = (cylTimesHeads + 1023) / 1024
		if heads < 4 {
			heads = 4
		}
		if cylTimesHeads >= heads*1024 || heads > 16 {
			sectorsPerTrack = 31
			heads = 16
			cylTimesHeads = totalSectors / sectorsPerTrack
		}
		if cylTimesHeads >= heads*1024 {
			sectorsPerTrack = 63
			heads = 16
			cylTimesHeads = totalSectors / sectorsPerTrack
		}
	}
	cylinders := cylTimesHeads / heads
	return CHS{
		Cylinders:       uint16(cylinders),
		Heads:           uint8(heads),
		SectorsPerTrack: uint8(sectorsPerTrack),
	}
}

// GeometryFromSize computes CHS geometry for a disk of the given byte size.
func GeometryFromSize(size int64) CHS {
	return GeometryFromSectors(uint64(size) / SectorSize)
}

// MarshalFooter encodes f to its 512-byte wire form, computing the checksum.
func MarshalFooter(f Footer) []byte {
	w := wireFooter{
		Cookie:             [8]byte(cookieBytes(footerCookie)),
		Features:           f.Features,
		FileFormatVersion:  f.FileFormatVersion,
		DataOffset:         f.DataOffset,
		Timestamp:          f.Timestamp,
		CreatorApplication: f.CreatorApplication,
		CreatorVersion:     f.CreatorVersion,
		CreatorHostOS:      f.CreatorHostOS,
		OriginalSize:       uint64(f.OriginalSize),
		CurrentSize:        uint64(f.CurrentSize),
		DiskGeometryCyl:    f.DiskGeometry.Cylinders,
		DiskGeometryHeads:  f.DiskGeometry.Heads,
		DiskGeometrySPT:    f.DiskGeometry.SectorsPerTrack,
		DiskType:           f.DiskType,
		UniqueId:           f.UniqueId,
		SavedState:         f.SavedState,
	}
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, &w)
	b := buf.Bytes()
	binary.BigEndian.PutUint32(b[64:68], checksum(b))
	return b
}

// UnmarshalFooter decodes and validates a 512-byte footer, requiring disk
// type dynamic or differencing (static is NotImplemented) and a matching
// checksum.
func UnmarshalFooter(b []byte) (Footer, error) {
	if len(b) != FooterSize {
		return Footer{}, vhderr.New(vhderr.BadRequest, "short VHD footer")
	}
	var w wireFooter
	if err := binary.Read(bytes.NewReader(b), binary.BigEndian, &w); err != nil {
		return Footer{}, vhderr.Wrap(vhderr.BadRequest, "decoding VHD footer", err)
	}
	if string(w.Cookie[:]) != footerCookie {
		return Footer{}, vhderr.New(vhderr.BadRequest, "bad VHD footer cookie")
	}
	if w.FileFormatVersion != FileFormatVersion1 {
		return Footer{}, vhderr.New(vhderr.BadRequest, "unsupported VHD file format version")
	}
	switch w.DiskType {
	case DiskTypeDynamic, DiskTypeDifferencing:
	case DiskTypeFixed:
		return Footer{}, vhderr.New(vhderr.NotImplemented, "static (fixed) VHDs are not supported")
	default:
		return Footer{}, vhderr.New(vhderr.BadRequest, "unknown VHD disk type")
	}
	want := checksum(withZeroedField(b, 64, 4))
	got := binary.BigEndian.Uint32(b[64:68])
	if want != got {
		return Footer{}, vhderr.New(vhderr.BadRequest, "VHD footer checksum mismatch")
	}
	return Footer{
		Features:           w.Features,
		FileFormatVersion:  w.FileFormatVersion,
		DataOffset:         w.DataOffset,
		Timestamp:          w.Timestamp,
		CreatorApplication: w.CreatorApplication,
		CreatorVersion:     w.CreatorVersion,
		CreatorHostOS:      w.CreatorHostOS,
		OriginalSize:       int64(w.OriginalSize),
		CurrentSize:        int64(w.CurrentSize),
		DiskGeometry: CHS{
			Cylinders:       w.DiskGeometryCyl,
			Heads:           w.DiskGeometryHeads,
			SectorsPerTrack: w.DiskGeometrySPT,
		},
		DiskType:   w.DiskType,
		UniqueId:   w.UniqueId,
		SavedState: w.SavedState,
	}, nil
}

// ParentLocatorEntry is one of the header's eight parent-locator slots;
// only the first three (MacX, W2ku, W2ru) are populated by this gateway.
type ParentLocatorEntry struct {
	PlatformCode       [4]byte
	PlatformDataSpace  uint32 // bytes, padded to a sector multiple
	PlatformDataLength uint32 // bytes
	PlatformDataOffset uint64 // absolute
}

const numLocators = 8

// Header is the in-memory representation of the 1024-byte dynamic/
// differencing header.
type Header struct {
	DataOffset         uint64
	TableOffset        uint64
	HeaderVersion      uint32
	MaxTableEntries    uint32
	BlockSize          uint32
	ParentUniqueId     [16]byte
	ParentTimestamp    uint32
	ParentUnicodeName  [512]byte // UTF-16BE, NUL-padded
	Locators           [numLocators]ParentLocatorEntry
}

type wireLocator struct {
	PlatformCode  [4]byte
	DataSpace     uint32
	DataLength    uint32
	Reserved      uint32
	DataOffset    uint64
}

type wireHeader struct {
	Cookie            [8]byte
	DataOffset        uint64
	TableOffset       uint64
	HeaderVersion     uint32
	MaxTableEntries   uint32
	BlockSize         uint32
	Checksum          uint32
	ParentUniqueId    [16]byte
	ParentTimestamp   uint32
	Reserved1         uint32
	ParentUnicodeName [512]byte
	Locators          [numLocators]wireLocator
	Reserved          [256]byte
}

// MarshalHeader encodes h to its 1024-byte wire form, computing the checksum.
func MarshalHeader(h Header) []byte {
	w := wireHeader{
		Cookie:            [8]byte(cookieBytes(headerCookie)),
		DataOffset:        h.DataOffset,
		TableOffset:       h.TableOffset,
		HeaderVersion:     h.HeaderVersion,
		MaxTableEntries:   h.MaxTableEntries,
		BlockSize:         h.BlockSize,
		ParentUniqueId:    h.ParentUniqueId,
		ParentTimestamp:   h.ParentTimestamp,
		ParentUnicodeName: h.ParentUnicodeName,
	}
	for i, l := range h.Locators {
		w.Locators[i] = wireLocator{
			PlatformCode: l.PlatformCode,
			DataSpace:    l.PlatformDataSpace,
			DataLength:   l.PlatformDataLength,
			DataOffset:   l.PlatformDataOffset,
		}
	}
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, &w)
	b := buf.Bytes()
	binary.BigEndian.PutUint32(b[36:40], checksum(b))
	return b
}

// UnmarshalHeader decodes and validates a 1024-byte header: cookie,
// version, a non-zero power-of-two block size, and max-BAT-size large
// enough for currentSize.
func UnmarshalHeader(b []byte, currentSize int64) (Header, error) {
	if len(b) != HeaderSize {
		return Header{}, vhderr.New(vhderr.BadRequest, "short VHD header")
	}
	var w wireHeader
	if err := binary.Read(bytes.NewReader(b), binary.BigEndian, &w); err != nil {
		return Header{}, vhderr.Wrap(vhderr.BadRequest, "decoding VHD header", err)
	}
	if string(w.Cookie[:]) != headerCookie {
		return Header{}, vhderr.New(vhderr.BadRequest, "bad VHD header cookie")
	}
	if w.HeaderVersion != HeaderVersion1 {
		return Header{}, vhderr.New(vhderr.BadRequest, "unsupported VHD header version")
	}
	if w.BlockSize == 0 || w.BlockSize&(w.BlockSize-1) != 0 {
		return Header{}, vhderr.New(vhderr.BadRequest, "VHD block size must be a non-zero power of two")
	}
	needed := uint32(NumBlocks(currentSize, int64(w.BlockSize)))
	if w.MaxTableEntries < needed {
		return Header{}, vhderr.New(vhderr.BadRequest, "VHD max BAT size too small for declared disk size")
	}
	want := checksum(withZeroedField(b, 36, 4))
	got := binary.BigEndian.Uint32(b[36:40])
	if want != got {
		return Header{}, vhderr.New(vhderr.BadRequest, "VHD header checksum mismatch")
	}
	h := Header{
		DataOffset:        w.DataOffset,
		TableOffset:       w.TableOffset,
		HeaderVersion:     w.HeaderVersion,
		MaxTableEntries:   w.MaxTableEntries,
		BlockSize:         w.BlockSize,
		ParentUniqueId:    w.ParentUniqueId,
		ParentTimestamp:   w.ParentTimestamp,
		ParentUnicodeName: w.ParentUnicodeName,
	}
	for i, l := range w.Locators {
		h.Locators[i] = ParentLocatorEntry{
			PlatformCode:       l.PlatformCode,
			PlatformDataSpace:  l.DataSpace,
			PlatformDataLength: l.DataLength,
			PlatformDataOffset: l.DataOffset,
		}
	}
	return h, nil
}

// NumBlocks returns ceil(size/blockSize), the number of BAT entries
// required for a disk of the given size.
func NumBlocks(size, blockSize int64) int64 {
	return (size + blockSize - 1) / blockSize
}

// BitmapSectors returns bm_secs, the number of 512-byte sectors occupied
// by a data block's per-sector allocation bitmap: one bit per sector of
// payload, rounded up to a whole sector, with a floor of 1.
func BitmapSectors(blockSize int64) int64 {
	sectorsPerBlock := blockSize / SectorSize
	bits := sectorsPerBlock
	bytesNeeded := (bits + 7) / 8
	secs := (bytesNeeded + SectorSize - 1) / SectorSize
	if secs < 1 {
		secs = 1
	}
	return secs
}

// PadToSector rounds n up to a multiple of SectorSize.
func PadToSector(n int64) int64 {
	return (n + SectorSize - 1) / SectorSize * SectorSize
}

// MarshalBAT encodes entries (absolute sector offsets, or UnusedBATEntry)
// as big-endian uint32s, padded to a sector boundary with UnusedBATEntry.
func MarshalBAT(entries []uint32) []byte {
	padded := PadToSector(int64(len(entries)) * 4)
	b := make([]byte, padded)
	for i := range b {
		b[i] = 0xFF
	}
	for i, e := range entries {
		binary.BigEndian.PutUint32(b[i*4:i*4+4], e)
	}
	return b
}

// UnmarshalBAT decodes n big-endian uint32 BAT entries from b.
func UnmarshalBAT(b []byte, n int) ([]uint32, error) {
	if len(b) < n*4 {
		return nil, vhderr.New(vhderr.BadRequest, "BAT shorter than required entries")
	}
	out := make([]uint32, n)
	for i := range out {
		out[i] = binary.BigEndian.Uint32(b[i*4 : i*4+4])
	}
	return out, nil
}

// checksum is the VHD checksum algorithm: sum of all bytes (with the
// checksum field itself zeroed by the caller), bitwise inverted.
func checksum(b []byte) uint32 {
	var sum uint32
	for _, c := range b {
		sum += uint32(c)
	}
	return ^sum
}

func withZeroedField(b []byte, off, n int) []byte {
	cp := make([]byte, len(b))
	copy(cp, b)
	for i := 0; i < n; i++ {
		cp[off+i] = 0
	}
	return cp
}

func cookieBytes(s string) [8]byte {
	var b [8]byte
	copy(b[:], s)
	return b
}

// utf16BEEncoding is the transform used for the header's parent unicode
// name field.
var utf16BEEncoding = unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM)

// EncodeParentUnicodeName encodes name as UTF-16BE into a 512-byte,
// NUL-padded field, failing if it does not fit.
func EncodeParentUnicodeName(name string) ([512]byte, error) {
	var out [512]byte
	enc, err := utf16BEEncoding.NewEncoder().String(name)
	if err != nil {
		return out, xerrors.Errorf("encoding parent unicode name: %w", err)
	}
	if len(enc) > len(out) {
		return out, vhderr.New(vhderr.BadRequest, "parent path too long to encode in header")
	}
	copy(out[:], enc)
	return out, nil
}

// DecodeParentUnicodeName decodes a NUL-padded UTF-16BE field back to a string.
func DecodeParentUnicodeName(b [512]byte) (string, error) {
	end := len(b)
	for end >= 2 && b[end-2] == 0 && b[end-1] == 0 {
		end -= 2
	}
	dec, err := utf16BEEncoding.NewDecoder().Bytes(b[:end])
	if err != nil {
		return "", xerrors.Errorf("decoding parent unicode name: %w", err)
	}
	return string(dec), nil
}

// utf16LEEncoding is the transform used for the W2ku/W2ru parent-locator payloads.
var utf16LEEncoding = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// EncodeUTF16LE encodes s as UTF-16LE with a 2-byte NUL terminator, the
// explicit byte-counted encoder the source's parent-locator path helper
// delegates to.
func EncodeUTF16LE(s string) ([]byte, error) {
	enc, err := utf16LEEncoding.NewEncoder().String(s)
	if err != nil {
		return nil, xerrors.Errorf("encoding UTF-16LE parent locator path: %w", err)
	}
	return append([]byte(enc), 0, 0), nil
}

// EncodeMacXPath encodes s (a POSIX-style relative path) as a NUL-terminated
// UTF-8 byte string, the MacX parent-locator payload encoding.
func EncodeMacXPath(s string) []byte {
	return append([]byte(s), 0)
}
