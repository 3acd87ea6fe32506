package rangeio

import (
	"testing"

	"github.com/vhdgateway/vhdgw/internal/vhderr"
)

func TestParseContentRange(t *testing.T) {
	got, err := ParseContentRange("bytes 100000-165535/4194304")
	if err != nil {
		t.Fatalf("ParseContentRange: %v", err)
	}
	want := ContentRange{Start: 100000, End: 165535, Total: 4194304}
	if got != want {
		t.Fatalf("ParseContentRange = %+v, want %+v", got, want)
	}
}

func TestParseContentRangeRejectsEquality(t *testing.T) {
	if _, err := ParseContentRange("bytes 100-100/200"); vhderr.As(err) != vhderr.BadRequest {
		t.Fatalf("expected BadRequest for S==E, got %v", err)
	}
}

func TestParseContentRangeRejectsStar(t *testing.T) {
	if _, err := ParseContentRange("bytes 0-10/*"); vhderr.As(err) != vhderr.NotImplemented {
		t.Fatalf("expected NotImplemented for \"*\" total, got %v", err)
	}
}

func TestParseHTTPRangeAcceptsEquality(t *testing.T) {
	got, err := ParseHTTPRange("bytes=512-512")
	if err != nil {
		t.Fatalf("ParseHTTPRange: %v", err)
	}
	if want := (HTTPRange{512, 512}); got != want {
		t.Fatalf("ParseHTTPRange = %+v, want %+v", got, want)
	}
}

func TestClip(t *testing.T) {
	cases := []struct {
		windowOff, windowLen, reqStart, reqEnd int64
		wantSkip, wantLen                      int64
	}{
		{0, 512, 512, 2047, 0, 0},
		{512, 1536, 512, 2047, 0, 1536},
		{0, 4096, 512, 2047, 512, 1536},
		{3000, 1096, 512, 2047, 0, 0},
		{3000, 1096, 512, 3050, 0, 51},
	}
	for _, c := range cases {
		skip, n := Clip(c.windowOff, c.windowLen, c.reqStart, c.reqEnd)
		if skip != c.wantSkip || n != c.wantLen {
			t.Errorf("Clip(%d,%d,%d,%d) = (%d,%d), want (%d,%d)",
				c.windowOff, c.windowLen, c.reqStart, c.reqEnd, skip, n, c.wantSkip, c.wantLen)
		}
	}
}

func TestCheckRange(t *testing.T) {
	cr := ContentRange{Start: 0, End: 99, Total: 1000}
	if err := CheckRange(cr, 1000, 100); err != nil {
		t.Fatalf("CheckRange: %v", err)
	}
	if err := CheckRange(cr, 500, 100); vhderr.As(err) != vhderr.RangeNotSatisfiable {
		t.Fatalf("expected RangeNotSatisfiable, got %v", err)
	}
	if err := CheckRange(cr, 1000, 99); vhderr.As(err) != vhderr.BadRequest {
		t.Fatalf("expected BadRequest, got %v", err)
	}
}
