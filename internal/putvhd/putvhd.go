// Package putvhd implements the single-pass PUT state machine that
// parses a streaming VHD upload and writes its data blocks into a raw
// backing device at their virtual offsets:
//
//	FOOTER -> HEADER -> BAT -> (BLOCK_BITMAP -> BLOCK_DATA)* -> TRAILING_FOOTER
//
// Grounded on mod_putvhd.c's parse_vhd/write_vhd and vhd_common.c's
// write_block_sparse/zero_unallocated. State is expressed as a tagged
// union with a single Advance operation, replacing the source's
// scattered abs_off comparison ladder with one explicit state machine.
package putvhd

import (
	"github.com/vhdgateway/vhdgw/internal/blockio"
	"github.com/vhdgateway/vhdgw/internal/chunkqueue"
	"github.com/vhdgateway/vhdgw/internal/trace"
	"github.com/vhdgateway/vhdgw/internal/vhderr"
	"github.com/vhdgateway/vhdgw/internal/vhdformat"
)

// tidBlockWrite is the trace thread-id for block-data WriteAt calls;
// putvhd drives a single Writer per upload, so one id is enough to
// group them in a trace viewer.
const tidBlockWrite = 0

type state int

const (
	stateFooter state = iota
	stateHeader
	stateBAT
	stateBlockBitmap
	stateBlockData
	stateTrailingFooter
	stateDone
)

// Options configures one PUT write.
type Options struct {
	BackingPath string
	// Sparse enables hole-punching writes that honor each block's
	// per-sector bitmap instead of writing every sector.
	Sparse bool
	// ZeroUnallocated sweeps every never-written BAT slot with zero
	// bytes after the upload completes; meaningful only when !Sparse.
	ZeroUnallocated bool
}

// Writer drives the PUT state machine. Callers feed it bytes via
// Advance, which consumes as much as is currently available and
// returns Done() == true once the trailing footer has been consumed.
type Writer struct {
	backend *blockio.Backend
	opts    Options

	state  state
	absOff int64 // byte position within the overall PUT body

	footerBuf []byte
	footer    vhdformat.Footer

	headerBuf []byte
	header    vhdformat.Header

	batBuf    []byte
	bat       []uint32
	blockSize int64
	bmSecs    int64
	numBlocks int

	trailingFooterOffset int64
	trailingBuf          []byte

	currentBlock  int
	currentBitmap []byte
	blockDataOff  int64 // bytes of payload consumed for the current block

	file            *blockio.File
	blocksAllocated int
	blocksWritten   int
}

// New returns a Writer ready to consume a PUT body from offset 0.
func New(backend *blockio.Backend, opts Options) *Writer {
	return &Writer{backend: backend, opts: opts, state: stateFooter}
}

// Done reports whether the trailing footer has been fully consumed.
func (w *Writer) Done() bool { return w.state == stateDone }

// BlocksWritten returns the number of data blocks written so far.
func (w *Writer) BlocksWritten() int { return w.blocksWritten }

// AbsOff returns the number of PUT-body bytes consumed so far. BITS
// fragment handling uses this as the session's monotonic write cursor,
// rather than keeping a second, independently advancing counter.
func (w *Writer) AbsOff() int64 { return w.absOff }

// Close releases the backing file handle, if open.
func (w *Writer) Close() error {
	if w.file != nil {
		return w.file.Close()
	}
	return nil
}

// Advance consumes as much of cq as the current state allows, writing
// completed blocks to the backing device, and returns once cq is
// exhausted or the trailing footer completes.
func (w *Writer) Advance(cq *chunkqueue.Queue) error {
	for cq.Available() > 0 && w.state != stateDone {
		switch w.state {
		case stateFooter:
			if err := w.advanceFooter(cq); err != nil {
				return err
			}
		case stateHeader:
			if err := w.advanceHeader(cq); err != nil {
				return err
			}
		case stateBAT:
			if err := w.advanceBAT(cq); err != nil {
				return err
			}
		case stateBlockBitmap:
			if err := w.advanceBlockBitmap(cq); err != nil {
				return err
			}
		case stateBlockData:
			if err := w.advanceBlockData(cq); err != nil {
				return err
			}
		case stateTrailingFooter:
			if err := w.advanceTrailingFooter(cq); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *Writer) advanceFooter(cq *chunkqueue.Queue) error {
	if w.footerBuf == nil {
		w.footerBuf = make([]byte, 0, vhdformat.FooterSize)
	}
	need := int64(vhdformat.FooterSize) - int64(len(w.footerBuf))
	n := cq.Available()
	if n > need {
		n = need
	}
	tmp := make([]byte, n)
	got := cq.CopyTo(tmp, n)
	w.footerBuf = append(w.footerBuf, tmp[:got]...)
	w.absOff += got
	if int64(len(w.footerBuf)) < vhdformat.FooterSize {
		return nil
	}
	footer, err := vhdformat.UnmarshalFooter(w.footerBuf)
	if err != nil {
		return err
	}
	w.footer = footer
	w.state = stateHeader
	return nil
}

func (w *Writer) advanceHeader(cq *chunkqueue.Queue) error {
	if skipped := w.discardGapTo(cq, int64(w.footer.DataOffset)); skipped {
		return nil
	}
	if w.headerBuf == nil {
		w.headerBuf = make([]byte, 0, vhdformat.HeaderSize)
	}
	need := int64(vhdformat.HeaderSize) - int64(len(w.headerBuf))
	n := cq.Available()
	if n > need {
		n = need
	}
	tmp := make([]byte, n)
	got := cq.CopyTo(tmp, n)
	w.headerBuf = append(w.headerBuf, tmp[:got]...)
	w.absOff += got
	if int64(len(w.headerBuf)) < vhdformat.HeaderSize {
		return nil
	}
	header, err := vhdformat.UnmarshalHeader(w.headerBuf, w.footer.CurrentSize)
	if err != nil {
		return err
	}
	w.header = header
	w.blockSize = int64(header.BlockSize)
	w.bmSecs = vhdformat.BitmapSectors(w.blockSize)
	w.numBlocks = int(vhdformat.NumBlocks(w.footer.CurrentSize, w.blockSize))
	w.state = stateBAT
	return nil
}

func (w *Writer) advanceBAT(cq *chunkqueue.Queue) error {
	if skipped := w.discardGapTo(cq, int64(w.header.TableOffset)); skipped {
		return nil
	}
	batPadded := vhdformat.PadToSector(int64(w.numBlocks) * 4)
	if w.batBuf == nil {
		w.batBuf = make([]byte, 0, batPadded)
	}
	need := batPadded - int64(len(w.batBuf))
	n := cq.Available()
	if n > need {
		n = need
	}
	tmp := make([]byte, n)
	got := cq.CopyTo(tmp, n)
	w.batBuf = append(w.batBuf, tmp[:got]...)
	w.absOff += got
	if int64(len(w.batBuf)) < batPadded {
		return nil
	}
	bat, err := vhdformat.UnmarshalBAT(w.batBuf, w.numBlocks)
	if err != nil {
		return err
	}
	w.bat = bat

	var trailingOff int64
	for _, entry := range bat {
		if entry == vhdformat.UnusedBATEntry {
			continue
		}
		w.blocksAllocated++
		end := int64(entry)*vhdformat.SectorSize + w.bmSecs*vhdformat.SectorSize + w.blockSize
		if end > trailingOff {
			trailingOff = end
		}
	}
	if trailingOff == 0 {
		trailingOff = w.absOff
	}
	w.trailingFooterOffset = trailingOff

	size, err := w.backend.Probe(w.opts.BackingPath)
	if err != nil {
		return err
	}
	if size != w.footer.CurrentSize {
		return vhderr.New(vhderr.BadRequest, "backing device size does not match VHD footer current_size")
	}
	file, err := w.backend.Open(w.opts.BackingPath)
	if err != nil {
		return err
	}
	w.file = file

	w.currentBlock = w.nextAllocatedBlock()
	if w.currentBlock < 0 {
		w.state = stateTrailingFooter
		return nil
	}
	w.state = stateBlockBitmap
	return nil
}

// nextAllocatedBlock returns the allocated block whose BAT byte offset is
// the lowest one >= the current absOff, or -1 if none remains. Blocks
// already consumed all lie below absOff, so they are never returned
// again. This is a linear scan over the whole BAT, per find_next_virt_blk.
func (w *Writer) nextAllocatedBlock() int {
	best := -1
	var bestOff int64
	for i, entry := range w.bat {
		if entry == vhdformat.UnusedBATEntry {
			continue
		}
		off := int64(entry) * vhdformat.SectorSize
		if off < w.absOff {
			continue
		}
		if best == -1 || off < bestOff {
			best = i
			bestOff = off
		}
	}
	return best
}

func (w *Writer) currentBlockOffset() int64 {
	return int64(w.bat[w.currentBlock]) * vhdformat.SectorSize
}

func (w *Writer) advanceBlockBitmap(cq *chunkqueue.Queue) error {
	if skipped := w.discardGapTo(cq, w.currentBlockOffset()); skipped {
		return nil
	}
	bmSize := w.bmSecs * vhdformat.SectorSize
	if w.currentBitmap == nil {
		w.currentBitmap = make([]byte, 0, bmSize)
	}
	need := bmSize - int64(len(w.currentBitmap))
	n := cq.Available()
	if n > need {
		n = need
	}
	tmp := make([]byte, n)
	got := cq.CopyTo(tmp, n)
	w.currentBitmap = append(w.currentBitmap, tmp[:got]...)
	w.absOff += got
	if int64(len(w.currentBitmap)) < bmSize {
		return nil
	}
	w.blockDataOff = 0
	w.state = stateBlockData
	return nil
}

func (w *Writer) advanceBlockData(cq *chunkqueue.Queue) error {
	virtualBase := int64(w.currentBlock) * w.blockSize
	for w.blockDataOff < w.blockSize && cq.Available() > 0 {
		sector := w.blockDataOff / vhdformat.SectorSize
		sectorSet := sectorBitSet(w.currentBitmap, sector)

		runEnd := w.blockDataOff
		for runEnd < w.blockSize && sectorBitSet(w.currentBitmap, runEnd/vhdformat.SectorSize) == sectorSet {
			runEnd += vhdformat.SectorSize
		}
		runLen := runEnd - w.blockDataOff

		if w.opts.Sparse && !sectorSet {
			n := cq.Available()
			if n > runLen {
				n = runLen
			}
			got := cq.Discard(n)
			w.blockDataOff += got
			w.absOff += got
			continue
		}

		n := cq.Available()
		if n > runLen {
			n = runLen
		}
		buf := make([]byte, n)
		got := cq.CopyTo(buf, n)
		if got > 0 {
			ev := trace.Event("write block data", tidBlockWrite)
			err := w.file.WriteAt(buf[:got], virtualBase+w.blockDataOff)
			ev.Done()
			if err != nil {
				return err
			}
		}
		w.blockDataOff += got
		w.absOff += got
	}
	if w.blockDataOff < w.blockSize {
		return nil
	}

	w.blocksWritten++
	w.currentBitmap = nil
	next := w.nextAllocatedBlock()
	w.currentBlock = next
	if next < 0 {
		w.state = stateTrailingFooter
		return nil
	}
	w.state = stateBlockBitmap
	return nil
}

func (w *Writer) advanceTrailingFooter(cq *chunkqueue.Queue) error {
	if skipped := w.discardGapTo(cq, w.trailingFooterOffset); skipped {
		return nil
	}
	if w.trailingBuf == nil {
		w.trailingBuf = make([]byte, 0, vhdformat.FooterSize)
	}
	need := int64(vhdformat.FooterSize) - int64(len(w.trailingBuf))
	n := cq.Available()
	if n > need {
		n = need
	}
	tmp := make([]byte, n)
	got := cq.CopyTo(tmp, n)
	w.trailingBuf = append(w.trailingBuf, tmp[:got]...)
	w.absOff += got
	if int64(len(w.trailingBuf)) < vhdformat.FooterSize {
		return nil
	}
	if _, err := vhdformat.UnmarshalFooter(w.trailingBuf); err != nil {
		return err
	}
	if w.opts.ZeroUnallocated && !w.opts.Sparse {
		if err := w.sweepZeroUnallocated(); err != nil {
			return err
		}
	}
	w.state = stateDone
	return nil
}

func (w *Writer) sweepZeroUnallocated() error {
	for i, entry := range w.bat {
		if entry != vhdformat.UnusedBATEntry {
			continue
		}
		off := int64(i) * w.blockSize
		if err := w.file.ZeroRange(off, w.blockSize, 512); err != nil {
			return err
		}
	}
	return nil
}

// discardGapTo discards bytes up to target, returning true if it could
// not fully close the gap (caller should wait for more input) and false
// once absOff has reached target.
func (w *Writer) discardGapTo(cq *chunkqueue.Queue, target int64) bool {
	gap := target - w.absOff
	if gap <= 0 {
		return false
	}
	n := cq.Available()
	if n > gap {
		n = gap
	}
	got := cq.Discard(n)
	w.absOff += got
	return w.absOff < target
}

func sectorBitSet(bitmap []byte, sector int64) bool {
	byteIdx := sector / 8
	if byteIdx >= int64(len(bitmap)) {
		return false
	}
	bitIdx := 7 - uint(sector%8)
	return bitmap[byteIdx]&(1<<bitIdx) != 0
}
