package server

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/vhdgateway/vhdgw/internal/bits"
	"github.com/vhdgateway/vhdgw/internal/config"
	"github.com/vhdgateway/vhdgw/internal/logging"
	"github.com/vhdgateway/vhdgw/internal/putvhd"
	"github.com/vhdgateway/vhdgw/internal/rangeio"
	"github.com/vhdgateway/vhdgw/internal/vhderr"
)

// handleBits dispatches one BITS_POST request by BITS-Packet-Type,
// grounded on mod_bitsvhd.c's mod_bitsvhd_physicalpath_handler.
func (g *Gateway) handleBits(w http.ResponseWriter, r *http.Request, rc config.Resolved) error {
	if !rc.EnableBits {
		return vhderr.New(vhderr.NotImplemented, "BITS is disabled for this path")
	}
	pt, err := bits.ParsePacketType(r.Header.Get("BITS-Packet-Type"))
	if err != nil {
		return bitsError(w, err)
	}

	// connKey scopes the "a new Create-Session on a connection with a
	// live session tears down and replaces it" rule; it is never used to
	// look up a session for Fragment/Close/Cancel, which are addressed
	// purely by BITS-Session-Id so an upload can resume over a new
	// connection after a crash.
	connKey := r.RemoteAddr

	switch pt {
	case bits.PacketCreateSession:
		return g.bitsCreateSession(w, r, rc, connKey)
	case bits.PacketPing:
		w.Header().Set("BITS-Packet-Type", "Ack")
		w.Header().Set("Content-Length", "0")
		w.WriteHeader(http.StatusOK)
		return nil
	case bits.PacketFragment:
		return g.bitsFragment(w, r)
	case bits.PacketCloseSession:
		sess, err := g.requireSession(r)
		if err != nil {
			return bitsError(w, err)
		}
		g.sessions.Remove(sess.ID)
		w.Header().Set("BITS-Packet-Type", "Ack")
		w.Header().Set("Content-Length", "0")
		w.WriteHeader(http.StatusOK)
		return nil
	case bits.PacketCancelSession:
		sess, err := g.requireSession(r)
		if err != nil {
			return bitsError(w, err)
		}
		g.sessions.Remove(sess.ID)
		w.Header().Set("BITS-Packet-Type", "Ack")
		w.Header().Set("Content-Length", "0")
		w.WriteHeader(http.StatusOK)
		return nil
	default:
		return bitsError(w, vhderr.New(vhderr.BadRequest, "unhandled BITS packet type"))
	}
}

func (g *Gateway) bitsCreateSession(w http.ResponseWriter, r *http.Request, rc config.Resolved, connKey string) error {
	if !rc.EnableBitsVHD {
		return bitsError(w, vhderr.New(vhderr.NotImplemented, "BITS VHD upload is disabled for this path"))
	}
	supported := r.Header.Get("BITS-Supported-Protocols")
	if !containsFold(supported, bits.SupportedProtocolGUID) {
		return bitsError(w, vhderr.New(vhderr.BadRequest, "unsupported BITS protocol"))
	}
	pw := putvhd.New(g.Backend, putvhd.Options{
		BackingPath:     rc.BackingPath,
		Sparse:          rc.BitsVHDSparse,
		ZeroUnallocated: rc.ZeroUnallocated,
	})
	sess := bits.NewSession(pw)
	g.sessions.Create(connKey, sess)

	w.Header().Set("BITS-Packet-Type", "Ack")
	w.Header().Set("BITS-Protocol", "{"+bits.SupportedProtocolGUID+"}")
	w.Header().Set("BITS-Session-Id", sess.ID)
	w.Header().Set("Content-Length", "0")
	w.WriteHeader(http.StatusOK)
	return nil
}

func (g *Gateway) bitsFragment(w http.ResponseWriter, r *http.Request) error {
	sess, err := g.requireSession(r)
	if err != nil {
		return bitsError(w, err)
	}

	cr, err := rangeio.ParseContentRange(r.Header.Get("Content-Range"))
	if err != nil {
		return bitsError(w, err)
	}
	// cr.Total is the length of the VHD wire stream being uploaded, not
	// the raw backing-file size (footer, header, BAT, and bitmaps always
	// make the wire stream larger), so only the span/Content-Length
	// agreement is checked here, not cr.Total against the backing size.
	// That bound belongs to the raw-PUT path; mod_bitsvhd.c's get_range
	// deliberately omits it for fragments.
	if cr.End-cr.Start+1 != r.ContentLength {
		return bitsErrorWithOffset(w, vhderr.New(vhderr.BadRequest, "Content-Range span does not match Content-Length"), sess.AbsOff())
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return bitsError(w, vhderr.Wrap(vhderr.Internal, "reading BITS fragment body", err))
	}

	res, err := sess.HandleFragment(cr, body)
	if err != nil {
		return bitsError(w, err)
	}

	w.Header().Set("BITS-Packet-Type", "Ack")
	w.Header().Set("Content-Length", "0")
	w.Header().Set("BITS-Received-Content-Range", itoa64(res.ReceivedOffset))

	if res.Outcome == bits.FragmentOutOfOrder {
		// Out-of-order fragments get BITS's own 400 + error-code
		// convention rather than a bare 416; BITS-Received-Content-Range
		// is always set here so the client knows where to resume from.
		w.Header().Set("BITS-Error-Code", bits.ErrorCodeInvalidArg)
		w.Header().Set("BITS-Error-Context", bits.ErrorContextServer)
		w.WriteHeader(http.StatusBadRequest)
		return nil
	}
	w.WriteHeader(http.StatusOK)
	return nil
}

// requireSession resolves the session named by the request's
// BITS-Session-Id header. Lookup is by session-id alone, not by
// connection: a fragment may legitimately arrive on a different
// connection than Create-Session did, e.g. resuming an upload after a
// crash.
func (g *Gateway) requireSession(r *http.Request) (*bits.Session, error) {
	id := r.Header.Get("BITS-Session-Id")
	if id == "" {
		return nil, vhderr.New(vhderr.BadRequest, "BITS-Session-Id missing")
	}
	sess, ok := g.sessions.Lookup(id)
	if !ok {
		return nil, vhderr.New(vhderr.BadRequest, "no active BITS session for this session-id")
	}
	return sess, nil
}

// bitsError writes a BITS-flavored 400 response with the fixed
// error-code/context pair BITS clients expect, for any kind of failure
// that isn't a specific fragment rejection (which carries its own
// offset via bitsErrorWithOffset).
func bitsError(w http.ResponseWriter, err error) error {
	logging.Errorf("%v", err)
	w.Header().Set("BITS-Packet-Type", "Ack")
	w.Header().Set("BITS-Error-Code", bits.ErrorCodeInvalidArg)
	w.Header().Set("BITS-Error-Context", bits.ErrorContextServer)
	w.Header().Set("Content-Length", "0")
	w.WriteHeader(http.StatusBadRequest)
	return nil
}

func bitsErrorWithOffset(w http.ResponseWriter, err error, offset int64) error {
	w.Header().Set("BITS-Received-Content-Range", itoa64(offset))
	return bitsError(w, err)
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

func itoa64(n int64) string {
	return strconv.FormatInt(n, 10)
}
