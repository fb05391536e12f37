// Command ptlppe runs the out-of-process Portals4 Process Engine server
// (spec §6/§7): it owns the shared-memory segment and NI state that
// client processes attach to over a UNIX-domain control socket.
//
// Grounded on server/run.go's flag-parse-then-serve-until-signal shape.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/mschoenw/portals4/control"
	"github.com/mschoenw/portals4/ppe"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg := ppe.DefaultConfig()

	var configPath string
	flag.StringVar(&configPath, "config", "", "optional TOML config file (nppebufs, nprogthreads, segment_size_mb)")
	flag.StringVar(&cfg.SocketPath, "socket", cfg.SocketPath, "UNIX-domain control socket path")
	flag.StringVar(&cfg.ShmPath, "shm-segment", cfg.ShmPath, "shared-memory segment file path")
	flag.IntVar(&cfg.SegmentSizeMB, "segment-size-mb", cfg.SegmentSizeMB, "shared-memory segment size in MiB")
	flag.IntVar(&cfg.NRings, "nrings", cfg.NRings, "number of shared-memory ring buffers")
	flag.IntVar(&cfg.CommandQueueCapacity, "nppebufs", cfg.CommandQueueCapacity, "client submission-queue capacity (min 1)")
	flag.IntVar(&cfg.NProgThreads, "nprogthreads", cfg.NProgThreads, "number of progress threads")
	flag.Parse()

	if configPath != "" {
		fc, err := control.LoadPPEFileConfig(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "ptlppe: config: %v\n", err)
			return 1
		}
		if fc.NPPEBufs > 0 {
			cfg.CommandQueueCapacity = fc.NPPEBufs
		}
		if fc.NProgThreads > 0 {
			cfg.NProgThreads = fc.NProgThreads
		}
		if fc.SegmentSizeMB > 0 {
			cfg.SegmentSizeMB = fc.SegmentSizeMB
		}
	}

	p, err := ppe.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ptlppe: %v\n", err)
		return 1
	}
	if err := p.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "ptlppe: %v\n", err)
		return 1
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Printf("ptlppe: shutting down (%d sessions attached)", p.SessionCount())
	if err := p.Stop(); err != nil {
		fmt.Fprintf(os.Stderr, "ptlppe: shutdown: %v\n", err)
		return 1
	}
	return 0
}
