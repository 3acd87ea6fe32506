package chunkqueue

import (
	"bytes"
	"testing"
)

func TestDiscard(t *testing.T) {
	q := New()
	q.Append([]byte("hello"))
	q.Append([]byte("world"))
	if got, want := q.Available(), int64(10); got != want {
		t.Fatalf("Available() = %d, want %d", got, want)
	}
	if got, want := q.Discard(3), int64(3); got != want {
		t.Fatalf("Discard(3) = %d, want %d", got, want)
	}
	if got, want := q.Available(), int64(7); got != want {
		t.Fatalf("Available() after discard = %d, want %d", got, want)
	}
	// discard across the chunk boundary
	if got, want := q.Discard(100), int64(7); got != want {
		t.Fatalf("Discard(100) = %d, want %d", got, want)
	}
	if got, want := q.Available(), int64(0); got != want {
		t.Fatalf("Available() after drain = %d, want %d", got, want)
	}
}

func TestCopyTo(t *testing.T) {
	q := New()
	q.Append([]byte("abc"))
	q.Append([]byte("def"))
	dst := make([]byte, 4)
	n := q.CopyTo(dst, 4)
	if n != 4 {
		t.Fatalf("CopyTo returned %d, want 4", n)
	}
	if !bytes.Equal(dst, []byte("abcd")) {
		t.Fatalf("dst = %q, want %q", dst, "abcd")
	}
	if got, want := q.Available(), int64(2); got != want {
		t.Fatalf("Available() = %d, want %d", got, want)
	}
}

func TestWriteTo(t *testing.T) {
	q := New()
	q.Append([]byte("0123456789"))
	var buf bytes.Buffer
	n, err := q.WriteTo(&buf, 5)
	if err != nil {
		t.Fatalf("WriteTo: %v", err)
	}
	if n != 5 {
		t.Fatalf("WriteTo returned %d, want 5", n)
	}
	if buf.String() != "01234" {
		t.Fatalf("buf = %q, want %q", buf.String(), "01234")
	}
	if got, want := q.Available(), int64(5); got != want {
		t.Fatalf("Available() = %d, want %d", got, want)
	}
}

type shortWriter struct{ max int }

func (w shortWriter) Write(p []byte) (int, error) {
	if len(p) > w.max {
		p = p[:w.max]
	}
	return len(p), nil
}

func TestWriteToShortWriteIsFatal(t *testing.T) {
	q := New()
	q.Append([]byte("0123456789"))
	n, err := q.WriteTo(shortWriter{max: 3}, 10)
	if err == nil {
		t.Fatalf("WriteTo: expected error on short write")
	}
	if n != 3 {
		t.Fatalf("WriteTo returned %d consumed, want 3 (cursor must reflect partial transfer)", n)
	}
	if got, want := q.Available(), int64(7); got != want {
		t.Fatalf("Available() after short write = %d, want %d", got, want)
	}
}
