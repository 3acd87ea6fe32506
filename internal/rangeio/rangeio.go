// Package rangeio implements the gateway's range arithmetic: parsing
// Content-Range and Range header grammars and clipping (offset, length)
// windows against a requested sub-range, grounded on blockio.c's
// blockio_parse_range/blockio_parse_http_range/blockio_check_range and
// mod_getvhd.c's constrain_range.
package rangeio

import (
	"strconv"
	"strings"

	"github.com/vhdgateway/vhdgw/internal/vhderr"
)

// ContentRange is a parsed "Content-Range: bytes S-E/T" header.
type ContentRange struct {
	Start, End, Total int64
}

// ParseContentRange parses strictly "bytes<sp>S-E/T" with decimal
// non-negative integers and optional trailing whitespace; "*" is never
// accepted. It additionally enforces S < E (not merely S ≤ E), the
// stricter-than-RFC-7233 rule this gateway's BITS and PUT call sites rely
// on; see DESIGN.md's Open Question resolution for why GET's plain Range
// header uses ParseHTTPRange instead, which permits S == E.
func ParseContentRange(s string) (ContentRange, error) {
	rest, ok := stripPrefix(s, "bytes ")
	if !ok {
		return ContentRange{}, vhderr.New(vhderr.BadRequest, "malformed Content-Range: missing \"bytes \" prefix")
	}
	dash := strings.IndexByte(rest, '-')
	if dash < 0 {
		return ContentRange{}, vhderr.New(vhderr.BadRequest, "malformed Content-Range: missing '-'")
	}
	slash := strings.IndexByte(rest, '/')
	if slash < 0 || slash < dash {
		return ContentRange{}, vhderr.New(vhderr.BadRequest, "malformed Content-Range: missing '/'")
	}
	start, err := parseNonNegative(rest[:dash])
	if err != nil {
		return ContentRange{}, vhderr.Wrap(vhderr.BadRequest, "malformed Content-Range start", err)
	}
	end, err := parseNonNegative(rest[dash+1 : slash])
	if err != nil {
		return ContentRange{}, vhderr.Wrap(vhderr.BadRequest, "malformed Content-Range end", err)
	}
	totalStr := strings.TrimRight(rest[slash+1:], " \t")
	if totalStr == "*" {
		return ContentRange{}, vhderr.New(vhderr.NotImplemented, "Content-Range with \"*\" total is not supported")
	}
	total, err := parseNonNegative(totalStr)
	if err != nil {
		return ContentRange{}, vhderr.Wrap(vhderr.BadRequest, "malformed Content-Range total", err)
	}
	if start >= end {
		return ContentRange{}, vhderr.New(vhderr.BadRequest, "Content-Range start must be strictly less than end")
	}
	if end >= total {
		return ContentRange{}, vhderr.New(vhderr.BadRequest, "Content-Range end must be less than total")
	}
	return ContentRange{Start: start, End: end, Total: total}, nil
}

// HTTPRange is a parsed "Range: bytes=S-E" header.
type HTTPRange struct {
	Start, End int64
}

// ParseHTTPRange parses "bytes=S-E" with decimal non-negative integers.
// Unlike ParseContentRange, S == E is accepted: this is the ordinary GET
// Range header, and rejecting a valid single-byte range would break
// well-behaved HTTP clients.
func ParseHTTPRange(s string) (HTTPRange, error) {
	rest, ok := stripPrefix(s, "bytes=")
	if !ok {
		return HTTPRange{}, vhderr.New(vhderr.BadRequest, "malformed Range: missing \"bytes=\" prefix")
	}
	if strings.Contains(rest, "*") {
		return HTTPRange{}, vhderr.New(vhderr.NotImplemented, "Range with \"*\" is not supported")
	}
	dash := strings.IndexByte(rest, '-')
	if dash < 0 {
		return HTTPRange{}, vhderr.New(vhderr.BadRequest, "malformed Range: missing '-'")
	}
	start, err := parseNonNegative(rest[:dash])
	if err != nil {
		return HTTPRange{}, vhderr.Wrap(vhderr.BadRequest, "malformed Range start", err)
	}
	end, err := parseNonNegative(strings.TrimRight(rest[dash+1:], " \t"))
	if err != nil {
		return HTTPRange{}, vhderr.Wrap(vhderr.BadRequest, "malformed Range end", err)
	}
	if start > end {
		return HTTPRange{}, vhderr.New(vhderr.BadRequest, "Range start must not exceed end")
	}
	return HTTPRange{Start: start, End: end}, nil
}

// CheckRange validates a parsed content range against the backing size:
// T must not exceed backingSize, and E-S+1 must equal contentLength.
func CheckRange(cr ContentRange, backingSize, contentLength int64) error {
	if cr.Total > backingSize {
		return vhderr.New(vhderr.RangeNotSatisfiable, "Content-Range total exceeds backing size")
	}
	if cr.End-cr.Start+1 != contentLength {
		return vhderr.New(vhderr.BadRequest, "Content-Range span does not match Content-Length")
	}
	return nil
}

// Clip returns (skip, emitLen) such that the sub-window
// [windowOff+skip, windowOff+skip+emitLen) is the intersection of
// [windowOff, windowOff+windowLen) with [reqStart, reqEnd]. If the window
// does not intersect the requested range, emitLen is 0.
func Clip(windowOff, windowLen, reqStart, reqEnd int64) (skip, emitLen int64) {
	winEnd := windowOff + windowLen
	lo := windowOff
	if reqStart > lo {
		lo = reqStart
	}
	hi := winEnd
	if reqEnd+1 < hi {
		hi = reqEnd + 1
	}
	if hi <= lo {
		return 0, 0
	}
	return lo - windowOff, hi - lo
}

func stripPrefix(s, prefix string) (string, bool) {
	if !strings.HasPrefix(s, prefix) {
		return "", false
	}
	return s[len(prefix):], true
}

func parseNonNegative(s string) (int64, error) {
	if s == "" {
		return 0, strconv.ErrSyntax
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, strconv.ErrSyntax
		}
	}
	return strconv.ParseInt(s, 10, 64)
}
