// Package server wires the gateway's HTTP surface: method dispatch
// (GET/HEAD/PUT/BITS_POST), error-kind-to-status translation, and BITS
// header handling, grounded on mod_bitsvhd.c's
// mod_bitsvhd_physicalpath_handler and distri's cmd/distri/export.go
// serve+shutdown pattern.
package server

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vhdgateway/vhdgw/internal/bitmap"
	"github.com/vhdgateway/vhdgw/internal/bits"
	"github.com/vhdgateway/vhdgw/internal/blockio"
	"github.com/vhdgateway/vhdgw/internal/chunkqueue"
	"github.com/vhdgateway/vhdgw/internal/config"
	"github.com/vhdgateway/vhdgw/internal/getvhd"
	"github.com/vhdgateway/vhdgw/internal/logging"
	"github.com/vhdgateway/vhdgw/internal/putvhd"
	"github.com/vhdgateway/vhdgw/internal/rangeio"
	"github.com/vhdgateway/vhdgw/internal/vhderr"
)

// methodBitsPost is the custom HTTP method BITS uses for all of its
// packet types.
const methodBitsPost = "BITS_POST"

// Gateway serves the GET/PUT/BITS_POST VHD pipelines over HTTP.
type Gateway struct {
	Config  *config.Tree
	Backend *blockio.Backend

	sessions *bits.Registry
}

// NewGateway returns a Gateway ready to serve requests.
func NewGateway(cfg *config.Tree, backend *blockio.Backend) *Gateway {
	return &Gateway{Config: cfg, Backend: backend, sessions: bits.NewRegistry()}
}

// OpenBITSSessions reports how many BITS sessions are currently open,
// for logging how much in-flight upload state is dropped on interrupt.
func (g *Gateway) OpenBITSSessions() int { return g.sessions.Len() }

// ServeHTTP dispatches by HTTP method: GET/HEAD synthesize a VHD, PUT
// accepts a raw or VHD upload, and BITS_POST drives a resumable session.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rc := g.Config.Resolve(r.URL.Path)
	var err error
	switch r.Method {
	case http.MethodGet:
		err = g.handleGet(w, r, rc, false)
	case http.MethodHead:
		err = g.handleGet(w, r, rc, true)
	case http.MethodPut:
		err = g.handlePut(w, r, rc)
	case methodBitsPost:
		err = g.handleBits(w, r, rc)
	default:
		err = vhderr.New(vhderr.NotImplemented, "unsupported verb")
	}
	if err != nil {
		writeError(w, err)
	}
}

func (g *Gateway) handleGet(w http.ResponseWriter, r *http.Request, rc config.Resolved, headOnly bool) error {
	if !rc.EnableGetVHD {
		return vhderr.New(vhderr.NotImplemented, "VHD GET is disabled for this path")
	}

	blockMap, err := resolveBlockMap(rc)
	if err != nil {
		return err
	}

	var parentUUID *[16]byte
	if rc.GetVHDParentUUID != "" {
		u, err := parseUUID(rc.GetVHDParentUUID)
		if err != nil {
			return err
		}
		parentUUID = &u
	}
	uuid, err := parseUUID(rc.GetVHDUUID)
	if err != nil {
		return err
	}

	img, err := getvhd.Build(getvhd.Params{
		BackingPath:  rc.BackingPath,
		VDISize:      rc.GetVHDSize,
		UUID:         uuid,
		ParentUUID:   parentUUID,
		ParentPath:   rc.GetVHDParentPath,
		BlocksB64:    rc.GetVHDBlocks,
		NonLeaf:      rc.GetVHDNonLeaf,
		BlockMap:     blockMap,
		ShadowDevice: rc.ShadowDevice,
	}, g.Backend)
	if err != nil {
		return err
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("ETag", `"`+img.ETag+`"`)
	if inm := r.Header.Get("If-None-Match"); inm != "" && inm == `"`+img.ETag+`"` {
		w.WriteHeader(http.StatusNotModified)
		return nil
	}

	rangeHeader := r.Header.Get("Range")
	if rangeHeader == "" {
		w.Header().Set("Content-Length", strconv.FormatInt(img.TotalSize, 10))
		if headOnly {
			w.WriteHeader(http.StatusOK)
			return nil
		}
		return img.WriteRange(w, g.Backend, nil, nil, false)
	}

	hr, err := rangeio.ParseHTTPRange(rangeHeader)
	if err != nil {
		return err
	}
	if hr.End >= img.TotalSize {
		return vhderr.New(vhderr.RangeNotSatisfiable, "Range end exceeds synthesized VHD size")
	}
	w.Header().Set("Content-Range", "bytes "+strconv.FormatInt(hr.Start, 10)+"-"+strconv.FormatInt(hr.End, 10)+"/"+strconv.FormatInt(img.TotalSize, 10))
	w.Header().Set("Content-Length", strconv.FormatInt(hr.End-hr.Start+1, 10))
	w.WriteHeader(http.StatusPartialContent)
	if headOnly {
		return nil
	}
	start, end := hr.Start, hr.End
	return img.WriteRange(w, g.Backend, &start, &end, false)
}

// handlePut routes to the VHD or raw PUT pipeline by which one this path's
// resolved configuration enables, mirroring mod_putvhd.c and mod_put.c
// being mounted as separate lighttpd modules on separate path prefixes
// rather than sniffed from the request itself.
func (g *Gateway) handlePut(w http.ResponseWriter, r *http.Request, rc config.Resolved) error {
	if rc.EnablePutVHD {
		if r.Header.Get("Content-Range") != "" {
			return vhderr.New(vhderr.NotImplemented, "Content-Range is not supported for VHD PUT")
		}
		pw := putvhd.New(g.Backend, putvhd.Options{
			BackingPath:     rc.BackingPath,
			Sparse:          rc.PutVHDSparse,
			ZeroUnallocated: rc.ZeroUnallocated,
		})
		defer pw.Close()
		if err := feedBody(pw, r.Body); err != nil {
			return err
		}
		if !pw.Done() {
			return vhderr.New(vhderr.BadRequest, "VHD upload ended before trailing footer")
		}
		w.WriteHeader(http.StatusOK)
		return nil
	}

	if !rc.EnablePut {
		return vhderr.New(vhderr.NotImplemented, "raw PUT is disabled for this path")
	}
	var start int64
	if cr := r.Header.Get("Content-Range"); cr != "" {
		parsed, err := rangeio.ParseContentRange(cr)
		if err != nil {
			return err
		}
		if err := rangeio.CheckRange(parsed, rc.GetVHDSize, r.ContentLength); err != nil {
			return err
		}
		start = parsed.Start
	}
	f, err := g.Backend.Open(rc.BackingPath)
	if err != nil {
		return err
	}
	defer f.Close()
	buf, err := io.ReadAll(r.Body)
	if err != nil {
		return vhderr.Wrap(vhderr.Internal, "reading PUT body", err)
	}
	if err := f.WriteAt(buf, start); err != nil {
		return err
	}
	w.WriteHeader(http.StatusOK)
	return nil
}

func feedBody(pw *putvhd.Writer, body io.Reader) error {
	const chunkSize = 256 * 1024
	cq := chunkqueue.New()
	buf := make([]byte, chunkSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			cq.Append(append([]byte(nil), buf[:n]...))
			if advErr := pw.Advance(cq); advErr != nil {
				return advErr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return vhderr.Wrap(vhderr.Internal, "reading VHD PUT body", err)
		}
	}
}

func resolveBlockMap(rc config.Resolved) ([]getvhd.BlockMapEntry, error) {
	entries := config.BlockMapEntries(rc.GetVHDBlockMap)
	if entries == nil {
		return nil, nil
	}
	numBlocks := int((rc.GetVHDSize + (1<<21 - 1)) / (1 << 21))
	out := make([]getvhd.BlockMapEntry, 0, len(entries))
	for _, e := range entries {
		decoded, err := bitmap.Decode(e.B64, numBlocks)
		if err != nil {
			return nil, err
		}
		out = append(out, getvhd.BlockMapEntry{Device: e.Device, Bitmap: decoded})
	}
	return out, nil
}

func writeError(w http.ResponseWriter, err error) {
	kind := vhderr.As(err)
	logging.Errorf("%v", err)
	w.WriteHeader(kind.Status())
}

func parseUUID(s string) ([16]byte, error) {
	var out [16]byte
	s = strings.ReplaceAll(s, "-", "")
	if len(s) != 32 {
		return out, vhderr.New(vhderr.BadRequest, "malformed UUID")
	}
	for i := 0; i < 16; i++ {
		b, err := strconv.ParseUint(s[i*2:i*2+2], 16, 8)
		if err != nil {
			return out, vhderr.Wrap(vhderr.BadRequest, "malformed UUID", err)
		}
		out[i] = byte(b)
	}
	return out, nil
}

// Serve runs the gateway on a pre-bound listener with graceful shutdown
// on ctx cancellation, ported from distri's export.go errgroup pattern.
// Callers that need the bound address (e.g. for -addrfd, or to bind
// port 0 and discover what was picked) should net.Listen themselves
// and pass the result here, as export() does.
func Serve(ctx context.Context, ln net.Listener, handler http.Handler) error {
	if tl, ok := ln.(*net.TCPListener); ok {
		ln = tcpKeepAliveListener{tl}
	}

	srv := &http.Server{Handler: handler}
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return eg.Wait()
}

// tcpKeepAliveListener sets TCP keep-alives on accepted connections, a
// copy of the same unexported type in net/http's own server.go.
type tcpKeepAliveListener struct {
	*net.TCPListener
}

func (ln tcpKeepAliveListener) Accept() (net.Conn, error) {
	tc, err := ln.AcceptTCP()
	if err != nil {
		return nil, err
	}
	tc.SetKeepAlive(true)
	tc.SetKeepAlivePeriod(3 * time.Minute)
	return tc, nil
}
