// Command vhdgwd serves the VHD gateway: GET/HEAD synthesis, raw/VHD
// PUT and BITS resumable upload, over HTTP. It has a single flag set and
// no verbs. Grounded on cmd/distri/distri.go's funcmain shape and
// cmd/distri/export.go's listen+serve+graceful-shutdown pattern.
package main

import (
	"flag"
	"fmt"
	"log"
	"net"
	"os"

	"github.com/vhdgateway/vhdgw"
	"github.com/vhdgateway/vhdgw/internal/addrfd"
	"github.com/vhdgateway/vhdgw/internal/blockio"
	"github.com/vhdgateway/vhdgw/internal/config"
	"github.com/vhdgateway/vhdgw/internal/devwait"
	"github.com/vhdgateway/vhdgw/internal/logging"
	"github.com/vhdgateway/vhdgw/internal/oninterrupt"
	"github.com/vhdgateway/vhdgw/internal/server"
	internaltrace "github.com/vhdgateway/vhdgw/internal/trace"
)

var (
	listen         = flag.String("listen", ":8080", "[host]:port to listen for the VHD gateway on")
	backingPath    = flag.String("backing_path", "", "path to the default backing file/block device")
	waitFor        = flag.String("wait_for_device", "", "if set, block until this /dev path appears before serving")
	followSymlinks = flag.Bool("follow_symlinks", false, "follow symlinks when resolving backing paths instead of rejecting them")

	enablePut       = flag.Bool("enable_put", false, "serve raw PUT requests")
	enablePutVHD    = flag.Bool("enable_putvhd", false, "serve VHD PUT uploads")
	enableGetVHD    = flag.Bool("enable_getvhd", true, "synthesize VHD images for GET/HEAD")
	enableBits      = flag.Bool("enable_bits", false, "serve BITS_POST requests")
	enableBitsVHD   = flag.Bool("enable_bitsvhd", false, "allow BITS sessions to upload a VHD")
	putVHDSparse    = flag.Bool("putvhd_sparse", true, "preserve holes for unallocated VHD PUT blocks")
	bitsVHDSparse   = flag.Bool("bitsvhd_sparse", true, "preserve holes for unallocated BITS VHD blocks")
	zeroUnallocated = flag.Bool("zero_unallocated", false, "zero-fill unallocated blocks after a non-sparse upload")

	getVHDSize       = flag.Int64("getvhd_size", 0, "virtual disk size in bytes to synthesize")
	getVHDUUID       = flag.String("getvhd_uuid", "", "VHD UniqueId, as a bare or dashed hex UUID")
	getVHDParentUUID = flag.String("getvhd_parent_uuid", "", "parent VHD UniqueId, for differencing disks")
	getVHDParentPath = flag.String("getvhd_parent_path", "", "parent VHD path, for differencing disks")
	getVHDBlocks     = flag.String("getvhd_blocks", "", "base64+zlib block-presence bitmap; empty means all blocks present")
	getVHDNonLeaf    = flag.Bool("getvhd_nonleaf", false, "route per-block reads through block_map/shadow_device instead of backing_path")
	getVHDBlockMap   = flag.String("getvhd_block_map", "", "\"dev1:b64;dev2:b64;...\" per-device block-presence map for non-leaf reads")
	shadowDevice     = flag.String("shadow_device", "", "fallback device for non-leaf blocks absent from block_map")

	ctracefile = flag.String("ctracefile", "", "path to store a chrome trace event file at (load in chrome://tracing)")
)

func buildConfig() *config.Tree {
	return &config.Tree{
		Base: config.Resolved{
			EnablePut:        *enablePut,
			EnablePutVHD:     *enablePutVHD,
			EnableGetVHD:     *enableGetVHD,
			EnableBits:       *enableBits,
			EnableBitsVHD:    *enableBitsVHD,
			PutVHDSparse:     *putVHDSparse,
			BitsVHDSparse:    *bitsVHDSparse,
			GetVHDSize:       *getVHDSize,
			GetVHDUUID:       *getVHDUUID,
			GetVHDParentUUID: *getVHDParentUUID,
			GetVHDParentPath: *getVHDParentPath,
			GetVHDBlocks:     *getVHDBlocks,
			GetVHDNonLeaf:    *getVHDNonLeaf,
			GetVHDBlockMap:   *getVHDBlockMap,
			BackingPath:      *backingPath,
			FollowSymlinks:   *followSymlinks,
			ZeroUnallocated:  *zeroUnallocated,
			ShadowDevice:     *shadowDevice,
		},
	}
}

func funcmain() error {
	flag.Usage = usage
	flag.Parse()

	if *ctracefile != "" {
		f, err := os.Create(*ctracefile)
		if err != nil {
			return err
		}
		internaltrace.Sink(f)
	}

	ctx, canc := vhdgw.InterruptibleContext()
	defer canc()

	if *waitFor != "" {
		log.Printf("waiting for %s to appear", *waitFor)
		if err := devwait.Wait(ctx, *waitFor); err != nil {
			return err
		}
	}

	backend := blockio.NewOSBackend(*followSymlinks)
	gw := server.NewGateway(buildConfig(), backend)
	oninterrupt.Register(func() {
		if n := gw.OpenBITSSessions(); n > 0 {
			logging.Warnf("interrupted with %d open BITS session(s); in-flight uploads will be lost", n)
		}
	})

	ln, err := net.Listen("tcp", *listen)
	if err != nil {
		return err
	}
	addrfd.MustWrite(ln.Addr().String())
	log.Printf("serving VHD gateway on %s", ln.Addr())

	if err := server.Serve(ctx, ln, gw); err != nil {
		return err
	}
	return vhdgw.RunAtExit()
}

func usage() {
	fmt.Fprintln(os.Stderr, "vhdgwd [-flags]")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Serve the VHD HTTP gateway: GET/HEAD synthesis, raw/VHD PUT, BITS upload.")
	fmt.Fprintln(os.Stderr)
	flag.PrintDefaults()
}

func main() {
	logging.Infof("starting")
	if err := funcmain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
