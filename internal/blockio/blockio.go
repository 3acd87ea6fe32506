// Package blockio implements positioned I/O against a raw backing
// file or block device: existence/type probing, size queries, positioned
// reads and writes, and the zero-unallocated sweep used by the PUT
// pipeline, grounded on blockio.c (blockio_write_range_chunkqueue,
// blockio_size) and vhd_common.c (write_block_sparse, zero_unallocated).
package blockio

import (
	"io"
	"os"

	"github.com/spf13/afero"

	"github.com/vhdgateway/vhdgw/internal/vhderr"
)

// Backend opens backing paths against an afero.Fs, defaulting to the OS
// filesystem in production; tests substitute afero.NewMemMapFs() to
// exercise sparse-write logic without touching a real filesystem.
type Backend struct {
	Fs afero.Fs
	// FollowSymlinks enables probing through a symlink instead of
	// rejecting it with Forbidden, mirroring probe_file's
	// is_symlink/follow_symlink gate.
	FollowSymlinks bool
}

// NewOSBackend returns a Backend rooted at the real filesystem.
func NewOSBackend(followSymlinks bool) *Backend {
	return &Backend{Fs: afero.NewOsFs(), FollowSymlinks: followSymlinks}
}

// Probe validates that path exists, is a regular file or block device (or
// a symlink to one when FollowSymlinks is set), and returns its size.
func (b *Backend) Probe(path string) (size int64, err error) {
	if lfs, ok := b.Fs.(afero.Lstater); ok {
		fi, _, lerr := lfs.LstatIfPossible(path)
		if lerr == nil && fi.Mode()&os.ModeSymlink != 0 && !b.FollowSymlinks {
			return 0, vhderr.New(vhderr.Forbidden, "backing path is a symlink and symlink-following is disabled")
		}
	}
	fi, err := b.Fs.Stat(path)
	if os.IsNotExist(err) {
		return 0, vhderr.Wrap(vhderr.NotFound, "backing path does not exist", err)
	}
	if err != nil {
		return 0, vhderr.Wrap(vhderr.Internal, "probing backing path", err)
	}
	if !fi.Mode().IsRegular() && fi.Mode()&os.ModeDevice == 0 {
		return 0, vhderr.New(vhderr.Forbidden, "backing path is neither a regular file nor a block device")
	}
	return fi.Size(), nil
}

// File is a positioned handle onto a backing device, used by both the
// GET synthesizer (reads) and PUT writer (writes).
type File struct {
	f afero.File
}

// Open opens path for reading and writing.
func (b *Backend) Open(path string) (*File, error) {
	f, err := b.Fs.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, vhderr.Wrap(vhderr.Internal, "opening backing device", err)
	}
	return &File{f: f}, nil
}

// Close closes the underlying handle.
func (f *File) Close() error { return f.f.Close() }

// ReadAt reads len(p) bytes at offset off.
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	n, err := f.f.ReadAt(p, off)
	if err != nil && err != io.EOF {
		return n, vhderr.Wrap(vhderr.Internal, "reading backing device", err)
	}
	return n, nil
}

// WriteAt writes p at offset off.
func (f *File) WriteAt(p []byte, off int64) error {
	n, err := f.f.WriteAt(p, off)
	if err != nil {
		return vhderr.Wrap(vhderr.Internal, "writing backing device", err)
	}
	if n != len(p) {
		return vhderr.New(vhderr.Internal, "short write to backing device")
	}
	return nil
}

// PunchHole leaves the byte range [off, off+n) untouched and returns nil:
// it writes nothing, does not seek, and does not deallocate space, so a
// range that is already an unallocated hole stays one and a range that
// already holds data keeps it.
func (f *File) PunchHole(off, n int64) error {
	if n <= 0 {
		return nil
	}
	return nil
}

// ZeroRange writes n zero bytes starting at off, in bursts of at most
// burstSize bytes, the non-sparse "zero_unallocated" sweep.
func (f *File) ZeroRange(off, n int64, burstSize int) error {
	if burstSize <= 0 {
		burstSize = 512
	}
	zero := make([]byte, burstSize)
	for n > 0 {
		chunk := int64(burstSize)
		if chunk > n {
			chunk = n
		}
		if err := f.WriteAt(zero[:chunk], off); err != nil {
			return err
		}
		off += chunk
		n -= chunk
	}
	return nil
}

// Truncate sets the backing file's size. The PUT pipeline does not call
// it: putvhd refuses a backing file whose size differs from the VHD's
// current_size.
func (f *File) Truncate(size int64) error {
	if err := f.f.Truncate(size); err != nil {
		return vhderr.Wrap(vhderr.Internal, "truncating backing device", err)
	}
	return nil
}
