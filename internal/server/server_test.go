package server

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/spf13/afero"

	"github.com/vhdgateway/vhdgw/internal/blockio"
	"github.com/vhdgateway/vhdgw/internal/config"
)

func newTestGateway(fs afero.Fs, rc config.Resolved) *Gateway {
	backend := &blockio.Backend{Fs: fs}
	return NewGateway(&config.Tree{Base: rc}, backend)
}

func patternData(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 256)
	}
	return b
}

func TestServeHTTPGetSynthesizesVHD(t *testing.T) {
	fs := afero.NewMemMapFs()
	data := patternData(2 * 1024 * 1024)
	afero.WriteFile(fs, "/disk.img", data, 0644)

	gw := newTestGateway(fs, config.Resolved{
		EnableGetVHD: true,
		GetVHDSize:   int64(len(data)),
		GetVHDUUID:   "0102030000000000000000000000000a",
		BackingPath:  "/disk.img",
	})

	req := httptest.NewRequest(http.MethodGet, "/disk.vhd", nil)
	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %q", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("ETag") == "" {
		t.Fatalf("expected ETag header to be set")
	}
	if rec.Body.Len() <= len(data) {
		t.Fatalf("expected synthesized VHD to be larger than raw payload, got %d bytes", rec.Body.Len())
	}
}

func TestServeHTTPGetConditionalNotModified(t *testing.T) {
	fs := afero.NewMemMapFs()
	data := patternData(1024 * 1024)
	afero.WriteFile(fs, "/disk.img", data, 0644)

	gw := newTestGateway(fs, config.Resolved{
		EnableGetVHD: true,
		GetVHDSize:   int64(len(data)),
		GetVHDUUID:   "0102030000000000000000000000000a",
		BackingPath:  "/disk.img",
	})

	first := httptest.NewRecorder()
	gw.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/disk.vhd", nil))
	etag := first.Header().Get("ETag")
	if etag == "" {
		t.Fatalf("first response missing ETag")
	}

	req := httptest.NewRequest(http.MethodGet, "/disk.vhd", nil)
	req.Header.Set("If-None-Match", etag)
	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotModified {
		t.Fatalf("status = %d, want 304", rec.Code)
	}
}

func TestServeHTTPGetDisabledReturnsNotImplemented(t *testing.T) {
	fs := afero.NewMemMapFs()
	gw := newTestGateway(fs, config.Resolved{EnableGetVHD: false})

	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/disk.vhd", nil))
	if rec.Code != http.StatusNotImplemented {
		t.Fatalf("status = %d, want 501", rec.Code)
	}
}

func TestServeHTTPPutRawWrite(t *testing.T) {
	fs := afero.NewMemMapFs()
	afero.WriteFile(fs, "/disk.img", make([]byte, 4096), 0644)

	gw := newTestGateway(fs, config.Resolved{
		EnablePut:   true,
		BackingPath: "/disk.img",
	})

	payload := bytes.Repeat([]byte{0xAB}, 512)
	req := httptest.NewRequest(http.MethodPut, "/disk.img", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	got, err := afero.ReadFile(fs, "/disk.img")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(got[:512], payload) {
		t.Fatalf("raw PUT did not write payload at offset 0")
	}
}

func TestServeHTTPPutRawDisabled(t *testing.T) {
	fs := afero.NewMemMapFs()
	afero.WriteFile(fs, "/disk.img", make([]byte, 4096), 0644)
	gw := newTestGateway(fs, config.Resolved{EnablePut: false, BackingPath: "/disk.img"})

	req := httptest.NewRequest(http.MethodPut, "/disk.img", bytes.NewReader([]byte("x")))
	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotImplemented {
		t.Fatalf("status = %d, want 501", rec.Code)
	}
}

func TestServeHTTPPutVHDRoutesByConfigNotPath(t *testing.T) {
	fs := afero.NewMemMapFs()
	size := int64(2 * 1024 * 1024)
	data := patternData(int(size))
	afero.WriteFile(fs, "/src.img", data, 0644)
	afero.WriteFile(fs, "/dst.img", make([]byte, size), 0644)

	srcGw := newTestGateway(fs, config.Resolved{EnableGetVHD: true, GetVHDSize: size, GetVHDUUID: "0102030000000000000000000000000a", BackingPath: "/src.img"})
	img, err := buildVHDForTest(srcGw, size)
	if err != nil {
		t.Fatalf("buildVHDForTest: %v", err)
	}

	// No ".vhd" suffix in the path; routing must still hit the VHD
	// pipeline because EnablePutVHD is set for this resolved config.
	gw := newTestGateway(fs, config.Resolved{EnablePutVHD: true, BackingPath: "/dst.img"})
	req := httptest.NewRequest(http.MethodPut, "/vdi/opaque-handle", bytes.NewReader(img))
	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %q", rec.Code, rec.Body.String())
	}

	got, err := afero.ReadFile(fs, "/dst.img")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("VHD PUT did not reconstruct the source payload")
	}
}

func TestServeHTTPBitsCreateFragmentClose(t *testing.T) {
	fs := afero.NewMemMapFs()
	size := int64(2 * 1024 * 1024)
	afero.WriteFile(fs, "/disk.img", make([]byte, size), 0644)

	gw := newTestGateway(fs, config.Resolved{
		EnableBits:    true,
		EnableBitsVHD: true,
		BackingPath:   "/disk.img",
		GetVHDSize:    size,
	})

	// First build a reference VHD stream to upload via BITS fragments.
	data := patternData(int(size))
	afero.WriteFile(fs, "/src.img", data, 0644)
	img, err := buildVHDForTest(gw, size)
	if err != nil {
		t.Fatalf("buildVHDForTest: %v", err)
	}

	create := httptest.NewRequest(methodBitsPost, "/disk.vhd", nil)
	create.RemoteAddr = "10.0.0.1:1234"
	create.Header.Set("BITS-Packet-Type", "Create-Session")
	create.Header.Set("BITS-Supported-Protocols", "{7df0354d-249b-430f-820d-3d2a9bef4931}")
	createRec := httptest.NewRecorder()
	gw.ServeHTTP(createRec, create)
	if createRec.Code != http.StatusOK {
		t.Fatalf("create-session status = %d, want 200; body %q", createRec.Code, createRec.Body.String())
	}
	sessionID := createRec.Header().Get("BITS-Session-Id")
	if sessionID == "" {
		t.Fatalf("expected BITS-Session-Id header on create-session response")
	}

	const chunk = 64 * 1024
	for off := 0; off < len(img); off += chunk {
		end := off + chunk
		if end > len(img) {
			end = len(img)
		}
		frag := httptest.NewRequest(methodBitsPost, "/disk.vhd", bytes.NewReader(img[off:end]))
		frag.RemoteAddr = "10.0.0.1:1234"
		frag.ContentLength = int64(end - off)
		frag.Header.Set("BITS-Packet-Type", "Fragment")
		frag.Header.Set("BITS-Session-Id", sessionID)
		frag.Header.Set("Content-Range", contentRangeHeader(int64(off), int64(end-1), int64(len(img))))
		fragRec := httptest.NewRecorder()
		gw.ServeHTTP(fragRec, frag)
		if fragRec.Code != http.StatusOK {
			t.Fatalf("fragment [%d:%d] status = %d, want 200; body %q", off, end, fragRec.Code, fragRec.Body.String())
		}
	}

	closeReq := httptest.NewRequest(methodBitsPost, "/disk.vhd", nil)
	closeReq.RemoteAddr = "10.0.0.1:1234"
	closeReq.Header.Set("BITS-Packet-Type", "Close-Session")
	closeReq.Header.Set("BITS-Session-Id", sessionID)
	closeRec := httptest.NewRecorder()
	gw.ServeHTTP(closeRec, closeReq)
	if closeRec.Code != http.StatusOK {
		t.Fatalf("close-session status = %d, want 200", closeRec.Code)
	}

	got, err := afero.ReadFile(fs, "/disk.img")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("BITS-uploaded backing device does not match source payload")
	}
}

func TestServeHTTPBitsFragmentWithoutSessionRejected(t *testing.T) {
	fs := afero.NewMemMapFs()
	gw := newTestGateway(fs, config.Resolved{EnableBits: true, EnableBitsVHD: true})

	req := httptest.NewRequest(methodBitsPost, "/disk.vhd", bytes.NewReader([]byte("x")))
	req.RemoteAddr = "10.0.0.2:1"
	req.ContentLength = 1
	req.Header.Set("BITS-Packet-Type", "Fragment")
	req.Header.Set("BITS-Session-Id", "{00000000-0000-0000-0000-000000000000}")
	req.Header.Set("Content-Range", "bytes 0-0/1")
	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if rec.Header().Get("BITS-Error-Code") == "" {
		t.Fatalf("expected BITS-Error-Code header on rejection")
	}
}

// buildVHDForTest synthesizes the VHD byte stream a BITS upload would
// carry from /src.img, reading it through gw's backend.
func buildVHDForTest(gw *Gateway, size int64) ([]byte, error) {
	req := httptest.NewRequest(http.MethodGet, "/src.vhd", nil)
	rc := gw.Config.Resolve(req.URL.Path)
	rc.EnableGetVHD = true
	rc.BackingPath = "/src.img"
	rc.GetVHDSize = size
	rc.GetVHDUUID = "0102030000000000000000000000000a"

	rec := httptest.NewRecorder()
	tmp := NewGateway(&config.Tree{Base: rc}, gw.Backend)
	tmp.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		return nil, errNotOK(rec.Code)
	}
	return rec.Body.Bytes(), nil
}

type errNotOK int

func (e errNotOK) Error() string { return "unexpected status building test VHD" }

func contentRangeHeader(start, end, total int64) string {
	return "bytes " + itoa64(start) + "-" + itoa64(end) + "/" + itoa64(total)
}
