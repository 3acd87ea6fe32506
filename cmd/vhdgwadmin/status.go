package main

import (
	"context"
	"flag"
	"log"
	"net"
	"net/http"

	"github.com/lpar/gzipped/v2"
	"golang.org/x/sync/errgroup"

	"github.com/vhdgateway/vhdgw/internal/addrfd"
)

const statusHelp = `vhdgwadmin status [-flags]

Serve a small static status/docs directory over HTTP, serving
pre-compressed .gz siblings to gzip-capable clients when present. Intended for an operator
dashboard alongside the gateway, not for the gateway's own VHD traffic.

Example:
  vhdgwadmin status -listen :8081 -root /srv/vhd-status
`

func cmdStatus(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("status", flag.ExitOnError)
	listen := fset.String("listen", ":8081", "[host]:port to serve the status page on")
	root := fset.String("root", ".", "directory of static status/docs content to serve")
	fset.Usage = usageFor(fset, statusHelp)
	fset.Parse(args)

	ln, err := net.Listen("tcp", *listen)
	if err != nil {
		return err
	}
	addrfd.MustWrite(ln.Addr().String())
	log.Printf("serving status page for %s on %s", *root, ln.Addr())

	mux := http.NewServeMux()
	mux.Handle("/", gzipped.FileServer(http.Dir(*root)))
	srv := &http.Server{Handler: mux}

	var eg errgroup.Group
	eg.Go(func() error { return srv.Serve(ln) })
	eg.Go(func() error {
		<-ctx.Done()
		return srv.Shutdown(ctx)
	})
	return eg.Wait()
}
