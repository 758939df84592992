// Command hiodemo opens a reactor and runs a TCP echo listener on it,
// logging device lifecycle events. Grounded on the echoServer pattern in
// gaio's aio_test.go (TestEcho), turned into a standalone smoke test and
// usage example rather than a table-driven test.
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"

	"github.com/hio-go/hio"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:0", "address to listen on")
	flag.Parse()

	logger := hio.NewZerologLogger(os.Stderr)

	r, err := hio.NewReactor(
		hio.WithLogger(logger),
		hio.WithLogMask(hio.SeverityInfo),
	)
	if err != nil {
		log.Fatalf("new reactor: %v", err)
	}

	ln, lerr := net.Listen("tcp", *addr)
	if lerr != nil {
		log.Fatalf("listen: %v", lerr)
	}
	log.Printf("hiodemo: echoing on %s", ln.Addr())

	hio.NewSocketListenerService(r, "echo-listener", ln, func(dev *hio.Device) {
		dev.OnRead = func(d *hio.Device, data []byte, rerr *hio.Error) {
			if rerr != nil || data == nil {
				d.Halt(rerr)
				return
			}
			if werr := d.Write(data, nil); werr != nil {
				d.Halt(werr)
			}
		}
		dev.OnClose = func(d *hio.Device, reason *hio.Error) {
			logger.Info("connection closed", "reason", reason)
		}
		_ = dev.Read(true)
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := r.Run(ctx); err != nil && err != context.Canceled {
		log.Printf("reactor run: %v", err)
	}
	_ = r.Close(context.Background())
}
