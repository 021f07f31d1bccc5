// vtsupervisord is the background process that watches every session
// directory under the control root, appending forwarded stdin/stdout to
// each session's on-disk logs and applying out-of-band title updates.
//
// Usage:
//
//	vtsupervisord [--root <dir>]
//
// It is normally started once and left running; vtfwd processes connect to
// the per-session ipc.sock this process creates as sessions appear.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ianremillard/vtcore/internal/metadata"
	"github.com/ianremillard/vtcore/internal/supervisor"
)

func main() {
	defaultRoot, err := metadata.ControlRoot()
	if err != nil {
		log.Fatalf("cannot determine control root: %v", err)
	}

	rootDir := flag.String("root", defaultRoot, "control directory to watch (env: VIBETUNNEL_SESSIONS_DIR)")
	flag.Parse()

	if err := os.MkdirAll(*rootDir, 0o755); err != nil {
		log.Fatalf("create control root: %v", err)
	}

	sup := supervisor.New(*rootDir)

	stop := make(chan struct{})
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("vtsupervisord: received %v, shutting down", sig)
		close(stop)
		sup.CloseAll()
		os.Exit(0)
	}()

	log.Printf("vtsupervisord: watching %s", *rootDir)
	sup.WatchAll(*rootDir, stop)
}
