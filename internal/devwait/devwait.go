// Package devwait waits for a backing block device to appear before the
// gateway opens it — the same operational problem distri's minitrd
// solves for devmapper devices, via the same kernel-uevent library.
package devwait

import (
	"context"
	"os"
	"strings"

	"github.com/s-urbaniak/uevent"

	"github.com/vhdgateway/vhdgw/internal/vhderr"
)

// Wait blocks until path exists or ctx is canceled, by first checking
// directly (the common case: the device is already there) and
// otherwise subscribing to kernel uevents for its arrival.
func Wait(ctx context.Context, path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	r, err := uevent.NewReader()
	if err != nil {
		return vhderr.Wrap(vhderr.Internal, "opening uevent reader", err)
	}
	defer r.Close()
	dec := uevent.NewDecoder(r)

	if _, err := os.Stat(path); err == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() {
		want := strings.TrimPrefix(path, "/dev/")
		for {
			ev, err := dec.Decode()
			if err != nil {
				done <- vhderr.Wrap(vhderr.Internal, "decoding uevent", err)
				return
			}
			if ev.Subsystem != "block" {
				continue
			}
			if devname, ok := ev.Vars["DEVNAME"]; ok && devname == want {
				done <- nil
				return
			}
		}
	}()

	select {
	case <-ctx.Done():
		return vhderr.Wrap(vhderr.Internal, "waiting for backing device", ctx.Err())
	case err := <-done:
		return err
	}
}
