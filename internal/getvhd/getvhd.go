// Package getvhd implements the GET/HEAD VHD synthesizer: given a
// backing device, declared metadata and a block-presence bitmap, it
// builds the VHD control structures in memory and emits them plus the
// referenced data blocks as a lazy, range-clippable byte sequence,
// without ever materializing the full image. Grounded end to end on
// mod_getvhd.c (init_vhd, update_vhd, append_data, send_vhd, send_head,
// probe_file).
package getvhd

import (
	"encoding/hex"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"

	"github.com/vhdgateway/vhdgw/internal/bitmap"
	"github.com/vhdgateway/vhdgw/internal/blockio"
	"github.com/vhdgateway/vhdgw/internal/rangeio"
	"github.com/vhdgateway/vhdgw/internal/trace"
	"github.com/vhdgateway/vhdgw/internal/vhderr"
	"github.com/vhdgateway/vhdgw/internal/vhdformat"
)

// Trace thread-ids for the two timed phases of a GET/HEAD synthesis:
// enumerating the block bitmap into a region plan (Build) and
// serializing that plan's file-backed regions onto the wire
// (WriteRange).
const (
	tidEnumerate = iota
	tidSerialize
)

// BlockMapEntry routes a subset of virtual blocks to an auxiliary
// backing device, used only when NonLeaf is set.
type BlockMapEntry struct {
	// Device is a path under /dev/, per the block_map configuration
	// syntax "device1:b64;device2:b64;…".
	Device string
	Bitmap []byte // decoded presence bitmap, one bit per virtual block
}

// Params configures one GET synthesis.
type Params struct {
	BackingPath string
	VDISize     int64
	UUID        [16]byte
	ParentUUID  *[16]byte // nil for a dynamic (non-differencing) VHD
	ParentPath  string
	BlocksB64   string // base64+zlib block-presence bitmap

	// NonLeaf skips the backing-size probe and enables BlockMap routing.
	NonLeaf bool
	// BlockMap is consulted in order; the first entry whose bitmap has
	// the block set wins. Only meaningful when NonLeaf is set.
	BlockMap []BlockMapEntry
	// ShadowDevice is read for blocks that NonLeaf+BlockMap leaves
	// unrouted. Empty means such blocks read as zero.
	ShadowDevice string
}

// region is one contiguous span of the synthesized byte stream.
type region struct {
	offset, length int64
	mem            []byte // set for in-memory regions
	filePath       string // set for file-backed regions (mem == nil, zero == false)
	fileOffset     int64
	zero           bool // set for virtual all-zero regions
}

// Image is a fully-built, immutable synthesis plan: the VHD control
// structures plus an ordered list of regions covering [0, TotalSize).
type Image struct {
	TotalSize int64
	ETag      string
	regions   []region
}

// Build constructs the VHD control structures and the region plan for p,
// probing the backing device unless NonLeaf is set.
func Build(p Params, backend *blockio.Backend) (*Image, error) {
	blockSize := int64(vhdformat.BlockSize)
	numBlocks := int(vhdformat.NumBlocks(p.VDISize, blockSize))
	bmSecs := vhdformat.BitmapSectors(blockSize)

	if !p.NonLeaf {
		size, err := backend.Probe(p.BackingPath)
		if err != nil {
			return nil, err
		}
		if size != p.VDISize {
			return nil, vhderr.New(vhderr.BadRequest, "backing device size does not match configured vdi_size")
		}
	}

	blocksBitmap, err := bitmap.Decode(p.BlocksB64, numBlocks)
	if err != nil {
		return nil, err
	}

	differencing := p.ParentUUID != nil

	footer := vhdformat.Footer{
		Features:           2, // "reserved" bit, always set per the Microsoft spec
		FileFormatVersion:  vhdformat.FileFormatVersion1,
		DataOffset:         vhdformat.FooterOffset,
		CreatorApplication: [4]byte{'v', 'h', 'd', 'g'},
		CreatorVersion:     vhdformat.FileFormatVersion1,
		OriginalSize:       p.VDISize,
		CurrentSize:        p.VDISize,
		DiskGeometry:       vhdformat.GeometryFromSize(p.VDISize),
		UniqueId:           p.UUID,
	}
	if differencing {
		footer.DiskType = vhdformat.DiskTypeDifferencing
	} else {
		footer.DiskType = vhdformat.DiskTypeDynamic
	}

	header := vhdformat.Header{
		DataOffset:      ^uint64(0),
		TableOffset:     vhdformat.TableOffset,
		HeaderVersion:   vhdformat.HeaderVersion1,
		MaxTableEntries: uint32(numBlocks),
		BlockSize:       uint32(blockSize),
	}

	batPaddedSize := vhdformat.PadToSector(int64(numBlocks) * 4)
	locatorRegionOff := vhdformat.TableOffset + batPaddedSize

	var locatorPayload []byte
	dataOff := locatorRegionOff
	if differencing {
		header.ParentUniqueId = *p.ParentUUID
		name, err := vhdformat.EncodeParentUnicodeName(p.ParentPath)
		if err != nil {
			return nil, err
		}
		header.ParentUnicodeName = name

		locs, payload, err := buildParentLocators(p.ParentPath, locatorRegionOff)
		if err != nil {
			return nil, err
		}
		header.Locators = locs
		locatorPayload = payload
		dataOff = locatorRegionOff + int64(len(payload))
	}

	bat := make([]uint32, numBlocks)
	var regions []region
	cursor := dataOff
	blocksAllocated := 0
	enumEv := trace.Event("enumerate blocks", tidEnumerate)
	for i := 0; i < numBlocks; i++ {
		if !bitmap.Test(blocksBitmap, i) {
			bat[i] = vhdformat.UnusedBATEntry
			continue
		}
		bat[i] = uint32(cursor / vhdformat.SectorSize)
		blocksAllocated++

		bmBytes := make([]byte, bmSecs*vhdformat.SectorSize)
		for j := range bmBytes {
			bmBytes[j] = 0xFF
		}
		regions = append(regions, region{offset: cursor, length: int64(len(bmBytes)), mem: bmBytes})
		cursor += int64(len(bmBytes))

		blockRegion, err := routeBlock(p, i, blockSize, cursor)
		if err != nil {
			return nil, err
		}
		regions = append(regions, blockRegion)
		cursor += blockSize
	}
	enumEv.Done()

	totalSize := dataOff + int64(blocksAllocated)*(blockSize+bmSecs*vhdformat.SectorSize) + vhdformat.FooterSize
	if cursor+vhdformat.FooterSize != totalSize {
		return nil, vhderr.New(vhderr.Internal, "region cursor does not match computed total size")
	}

	footerBytes := vhdformat.MarshalFooter(footer)
	headerBytes := vhdformat.MarshalHeader(header)
	batBytes := vhdformat.MarshalBAT(bat)

	all := make([]region, 0, len(regions)+5)
	all = append(all, region{offset: 0, length: vhdformat.FooterSize, mem: footerBytes})
	all = append(all, region{offset: vhdformat.FooterSize, length: vhdformat.HeaderSize, mem: headerBytes})
	all = append(all, region{offset: vhdformat.TableOffset, length: int64(len(batBytes)), mem: batBytes})
	if differencing {
		all = append(all, region{offset: locatorRegionOff, length: int64(len(locatorPayload)), mem: locatorPayload})
	}
	all = append(all, regions...)
	all = append(all, region{offset: totalSize - vhdformat.FooterSize, length: vhdformat.FooterSize, mem: footerBytes})

	return &Image{
		TotalSize: totalSize,
		ETag:      computeETag(p, blocksBitmap),
		regions:   all,
	}, nil
}

func routeBlock(p Params, block int, blockSize, offset int64) (region, error) {
	if p.NonLeaf && len(p.BlockMap) > 0 {
		for _, entry := range p.BlockMap {
			if bitmap.Test(entry.Bitmap, block) {
				return region{offset: offset, length: blockSize, filePath: entry.Device, fileOffset: int64(block) * blockSize}, nil
			}
		}
		if p.ShadowDevice == "" {
			return region{offset: offset, length: blockSize, zero: true}, nil
		}
		return region{offset: offset, length: blockSize, filePath: p.ShadowDevice, fileOffset: int64(block) * blockSize}, nil
	}
	return region{offset: offset, length: blockSize, filePath: p.BackingPath, fileOffset: int64(block) * blockSize}, nil
}

func computeETag(p Params, blocksBitmap []byte) string {
	h := xxhash.New()
	h.Write(p.UUID[:])
	if p.ParentUUID != nil {
		h.Write(p.ParentUUID[:])
	}
	fmt.Fprintf(h, "%d", p.VDISize)
	h.Write(blocksBitmap)
	return hex.EncodeToString(h.Sum(nil))
}

// WriteRange writes the bytes of [start, end] (inclusive) to w, opening
// file-backed regions through backend. If start/end are nil the entire
// image is emitted. headOnly suppresses all writes (used for HEAD).
func (img *Image) WriteRange(w io.Writer, backend *blockio.Backend, start, end *int64, headOnly bool) error {
	reqStart, reqEnd := int64(0), img.TotalSize-1
	if start != nil {
		reqStart = *start
	}
	if end != nil {
		reqEnd = *end
	}
	if reqEnd >= img.TotalSize {
		return vhderr.New(vhderr.RangeNotSatisfiable, "requested range exceeds synthesized VHD size")
	}
	if headOnly {
		return nil
	}

	openFiles := map[string]*blockio.File{}
	defer func() {
		for _, f := range openFiles {
			f.Close()
		}
	}()

	for _, r := range img.regions {
		skip, n := rangeio.Clip(r.offset, r.length, reqStart, reqEnd)
		if n == 0 {
			continue
		}
		switch {
		case r.mem != nil:
			if _, err := w.Write(r.mem[skip : skip+n]); err != nil {
				return vhderr.Wrap(vhderr.Internal, "writing GET response body", err)
			}
		case r.zero:
			if err := writeZeros(w, n); err != nil {
				return err
			}
		default:
			f, ok := openFiles[r.filePath]
			if !ok {
				var err error
				f, err = backend.Open(r.filePath)
				if err != nil {
					return err
				}
				openFiles[r.filePath] = f
			}
			buf := make([]byte, n)
			ev := trace.Event("serialize block region", tidSerialize)
			_, err := f.ReadAt(buf, r.fileOffset+skip)
			ev.Done()
			if err != nil {
				return err
			}
			if _, err := w.Write(buf); err != nil {
				return vhderr.Wrap(vhderr.Internal, "writing GET response body", err)
			}
		}
	}
	return nil
}

func writeZeros(w io.Writer, n int64) error {
	const burst = 64 * 1024
	buf := make([]byte, burst)
	for n > 0 {
		c := int64(burst)
		if c > n {
			c = n
		}
		if _, err := w.Write(buf[:c]); err != nil {
			return vhderr.Wrap(vhderr.Internal, "writing GET response body", err)
		}
		n -= c
	}
	return nil
}
