package blockio

import (
	"testing"

	"github.com/spf13/afero"

	"github.com/vhdgateway/vhdgw/internal/vhderr"
)

func TestProbeMissing(t *testing.T) {
	b := &Backend{Fs: afero.NewMemMapFs()}
	if _, err := b.Probe("/no/such/file"); vhderr.As(err) != vhderr.NotFound {
		t.Fatalf("Probe missing file: got %v, want NotFound", err)
	}
}

func TestProbeAndWrite(t *testing.T) {
	fs := afero.NewMemMapFs()
	afero.WriteFile(fs, "/disk.img", make([]byte, 4096), 0644)
	b := &Backend{Fs: fs}
	size, err := b.Probe("/disk.img")
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if size != 4096 {
		t.Fatalf("Probe size = %d, want 4096", size)
	}
	f, err := b.Open("/disk.img")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()
	if err := f.WriteAt([]byte("hello"), 10); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	got := make([]byte, 5)
	if _, err := f.ReadAt(got, 10); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("ReadAt = %q, want %q", got, "hello")
	}
}

func TestZeroRange(t *testing.T) {
	fs := afero.NewMemMapFs()
	afero.WriteFile(fs, "/disk.img", bytesOf(16, 0xAA), 0644)
	b := &Backend{Fs: fs}
	f, err := b.Open("/disk.img")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()
	if err := f.ZeroRange(4, 8, 3); err != nil {
		t.Fatalf("ZeroRange: %v", err)
	}
	got := make([]byte, 16)
	f.ReadAt(got, 0)
	want := bytesOf(16, 0xAA)
	for i := 4; i < 12; i++ {
		want[i] = 0
	}
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("byte %d = %#x, want %#x", i, got[i], want[i])
		}
	}
}

func bytesOf(n int, v byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = v
	}
	return b
}
