// Package bits implements the BITS (Background Intelligent Transfer
// Service) resumable-upload session engine layered on top of the PUT
// pipeline: Create/Ping/Fragment/Close/Cancel packet handling,
// contiguity enforcement and range-offset accounting, grounded on
// bits_common.c (session registry, get_bits_packet_type, handle_ping)
// and mod_bitsvhd.c (handle_fragment, prepare_for_write, check_session).
package bits

import (
	"crypto/rand"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/net/http/httpguts"

	"github.com/vhdgateway/vhdgw/internal/chunkqueue"
	"github.com/vhdgateway/vhdgw/internal/logging"
	"github.com/vhdgateway/vhdgw/internal/putvhd"
	"github.com/vhdgateway/vhdgw/internal/rangeio"
	"github.com/vhdgateway/vhdgw/internal/vhderr"
)

// PacketType identifies the BITS-Packet-Type header value, case-folded.
type PacketType string

// Packet types recognized by the BITS protocol.
const (
	PacketCreateSession PacketType = "create-session"
	PacketPing          PacketType = "ping"
	PacketFragment      PacketType = "fragment"
	PacketCloseSession  PacketType = "close-session"
	PacketCancelSession PacketType = "cancel-session"
)

// Well-known BITS protocol constants.
const (
	SupportedProtocolGUID = "7df0354d-249b-430f-820d-3d2a9bef4931"
	ErrorCodeInvalidArg   = "0x80070057"
	ErrorContextServer    = "0x7"

	maxSessions = 100
)

// ParsePacketType case-folds and validates raw, the BITS-Packet-Type
// header value.
func ParsePacketType(raw string) (PacketType, error) {
	if !httpguts.ValidHeaderFieldValue(raw) {
		return "", vhderr.New(vhderr.BadRequest, "malformed BITS-Packet-Type header")
	}
	switch pt := PacketType(strings.ToLower(raw)); pt {
	case PacketCreateSession, PacketPing, PacketFragment, PacketCloseSession, PacketCancelSession:
		return pt, nil
	default:
		return "", vhderr.New(vhderr.BadRequest, "unknown BITS-Packet-Type")
	}
}

// Session is one BITS upload: a monotonically advancing write cursor
// (AbsOff) over a PUT pipeline writer. One session exists per braced
// session-id; a new Create-Session on the same connection tears down
// and replaces any existing session, but once created a session can be
// driven by fragments arriving on any connection that presents its id.
type Session struct {
	ID      string // braced UUID string, e.g. "{...}"
	connKey string // the connection this session was created on, for the replaces-on-Create rule
	writer  *putvhd.Writer
	closed  bool
}

// NewSession allocates a session with a freshly generated braced UUID,
// driving writes through w.
func NewSession(w *putvhd.Writer) *Session {
	return &Session{ID: newBracedUUID(), writer: w}
}

// AbsOff returns the session's monotonic write cursor.
func (s *Session) AbsOff() int64 { return s.writer.AbsOff() }

// Close releases the session's backing writer.
func (s *Session) Close() error {
	s.closed = true
	return s.writer.Close()
}

func newBracedUUID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err) // crypto/rand failing is unrecoverable
	}
	b[6] = (b[6] & 0x0f) | 0x40 // version 4
	b[8] = (b[8] & 0x3f) | 0x80 // RFC 4122 variant
	return fmt.Sprintf("{%08x-%04x-%04x-%04x-%012x}", b[0:4], b[4:6], b[6:8], b[8:10], b[10:16])
}

// normalizeSessionID uppercase/lowercase-folds a session-id for
// case-insensitive comparison.
func normalizeSessionID(id string) string { return strings.ToLower(strings.TrimSpace(id)) }

// Registry is the process-wide session directory, keyed by the braced
// session-id string (normalized case-insensitively), matching
// bits_common.c's open_sessions directly: any connection presenting a
// valid session-id can drive a session's fragments, which is what lets
// a BITS upload resume over a fresh TCP connection after a crash. A separate
// byConn map tracks the session currently active on each connection
// only so Create-Session can apply "a new Create-Session on a
// connection with a live session tears down and replaces it"; it is
// not used to look up sessions for Fragment/Close/Cancel. Its
// lifecycle is entirely inside the single-threaded event loop, so no
// synchronization is required; capacity overflow evicts the oldest
// session and logs a leak warning, matching bits_common.c's
// open_sessions behavior, implemented here as an LRU with an eviction
// callback rather than a hand-rolled linear scan over a fixed array.
type Registry struct {
	cache  *lru.Cache[string, *Session]
	byConn map[string]string // connKey -> normalized session ID
}

// NewRegistry returns an empty Registry with the source's historical
// fixed capacity of 100 concurrent sessions.
func NewRegistry() *Registry {
	r := &Registry{byConn: make(map[string]string)}
	cache, err := lru.NewWithEvict[string, *Session](maxSessions, func(key string, sess *Session) {
		// The callback also fires on an explicit cache.Remove; Create and
		// Remove close the session before removing it, so a closed
		// session here is a deliberate teardown, not a capacity eviction.
		if sess.closed {
			return
		}
		logging.Warnf("BITS session table full: evicting session %s (possible client leak)", key)
		sess.Close()
		if r.byConn[sess.connKey] == key {
			delete(r.byConn, sess.connKey)
		}
	})
	if err != nil {
		panic(err) // only returns an error for a non-positive capacity
	}
	r.cache = cache
	return r
}

// Create registers sess under its own session-id, replacing (and
// closing) any existing session previously created on connKey, matching
// "a new Create-Session on a connection with a live session tears down
// and replaces it."
func (r *Registry) Create(connKey string, sess *Session) {
	if oldID, ok := r.byConn[connKey]; ok {
		if old, ok := r.cache.Get(oldID); ok {
			old.Close()
			r.cache.Remove(oldID)
		}
	}
	sess.connKey = connKey
	key := normalizeSessionID(sess.ID)
	r.cache.Add(key, sess)
	r.byConn[connKey] = key
}

// Lookup returns the session registered under sessionID (a
// BITS-Session-Id header value, matched case-insensitively), if any.
// Any connection may look up any session-id: resuming an upload over a
// new connection after a crash must succeed.
func (r *Registry) Lookup(sessionID string) (*Session, bool) {
	return r.cache.Get(normalizeSessionID(sessionID))
}

// Remove tears down and forgets the session registered under sessionID.
func (r *Registry) Remove(sessionID string) {
	key := normalizeSessionID(sessionID)
	if sess, ok := r.cache.Get(key); ok {
		sess.Close()
		if r.byConn[sess.connKey] == key {
			delete(r.byConn, sess.connKey)
		}
	}
	r.cache.Remove(key)
}

// Len reports the number of currently open sessions, used to log how
// much in-flight BITS upload state is being dropped on interrupt.
func (r *Registry) Len() int { return r.cache.Len() }

// FragmentOutcome is the distinguished result of HandleFragment,
// replacing the source's overloaded http_status variable with an
// explicit sentinel rather than stuffing 0 into a status field.
type FragmentOutcome int

const (
	// FragmentWritten means fragment bytes were written and AbsOff advanced.
	FragmentWritten FragmentOutcome = iota
	// FragmentNoOp means the fragment was fully before AbsOff: a
	// duplicate, acknowledged without writing.
	FragmentNoOp
	// FragmentOutOfOrder means the fragment starts past AbsOff: rejected
	// with RangeNotSatisfiable, echoing the current AbsOff so the client
	// can resume from there.
	FragmentOutOfOrder
)

// FragmentResult reports what HandleFragment did and the value to echo
// in BITS-Received-Content-Range.
type FragmentResult struct {
	Outcome        FragmentOutcome
	ReceivedOffset int64
}

// HandleFragment applies one BITS Fragment packet to sess: body is the
// full fragment payload (exactly cr.End-cr.Start+1 bytes, already
// validated against Content-Length by the caller).
//
// Contiguity rules:
//   - rangeStart > AbsOff: reject, out of order.
//   - rangeStart <= AbsOff <= rangeEnd: the already-consumed prefix is
//     fast-forwarded; AbsOff becomes the true write cursor and the body
//     is consumed starting at AbsOff-rangeStart.
//   - rangeEnd < AbsOff: fully-consumed duplicate, no-op ack.
func (sess *Session) HandleFragment(cr rangeio.ContentRange, body []byte) (FragmentResult, error) {
	absOff := sess.AbsOff()

	if cr.Start > absOff {
		return FragmentResult{Outcome: FragmentOutOfOrder, ReceivedOffset: absOff}, nil
	}
	if cr.End < absOff {
		return FragmentResult{Outcome: FragmentNoOp, ReceivedOffset: absOff}, nil
	}

	skip := absOff - cr.Start
	cq := chunkqueue.New()
	cq.Append(body[skip:])
	if err := sess.writer.Advance(cq); err != nil {
		return FragmentResult{}, err
	}
	return FragmentResult{Outcome: FragmentWritten, ReceivedOffset: sess.AbsOff()}, nil
}
