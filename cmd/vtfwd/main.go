// vtfwd attaches the calling terminal to a freshly spawned command running
// under a PTY, optionally forwarding its input/output to a supervisor
// process over a local stream socket.
//
// Usage:
//
//	vtfwd [--session-id <id>] [--title-mode {none,filter,static,dynamic}] <command> [args...]
//	vtfwd --session-id <id> --update-title <text>
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/ianremillard/vtcore/internal/activity"
	"github.com/ianremillard/vtcore/internal/forwarder"
	"github.com/ianremillard/vtcore/internal/metadata"
	"github.com/ianremillard/vtcore/internal/pty"
)

var validTitleModes = map[string]bool{
	"none": true, "filter": true, "static": true, "dynamic": true,
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("vtfwd", flag.ContinueOnError)
	sessionID := fs.String("session-id", "", "adopt this session id instead of generating one")
	titleMode := fs.String("title-mode", "none", "title tracking mode: none, filter, static, or dynamic")
	updateTitle := fs.String("update-title", "", "one-shot: send an update-title command to an existing session and exit")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: vtfwd [--session-id <id>] [--title-mode <mode>] <command> [args...]")
		fmt.Fprintln(os.Stderr, "       vtfwd --session-id <id> --update-title <text>")
	}
	if err := fs.Parse(args); err != nil {
		return 1
	}

	if !validTitleModes[*titleMode] {
		fmt.Fprintf(os.Stderr, "vtfwd: invalid --title-mode %q\n", *titleMode)
		return 1
	}

	if *updateTitle != "" {
		if *sessionID == "" {
			fmt.Fprintln(os.Stderr, "vtfwd: --update-title requires --session-id")
			return 1
		}
		return runUpdateTitle(pty.SessionId(*sessionID), *updateTitle)
	}

	command := fs.Args()
	if len(command) == 0 {
		fs.Usage()
		return 1
	}

	return runForwarder(command, *sessionID, *titleMode)
}

func runUpdateTitle(id pty.SessionId, title string) int {
	root, err := metadata.ControlRoot()
	if err != nil {
		fmt.Fprintf(os.Stderr, "vtfwd: %v\n", err)
		return 1
	}
	sockPath := metadata.SocketPath(root, id)
	if err := forwarder.SendUpdateTitle(sockPath, title); err != nil {
		fmt.Fprintf(os.Stderr, "vtfwd: update-title failed: %v\n", err)
		return 1
	}
	return 0
}

func runForwarder(command []string, sessionID, titleMode string) int {
	root, err := metadata.ControlRoot()
	if err != nil {
		fmt.Fprintf(os.Stderr, "vtfwd: %v\n", err)
		return 1
	}

	geo := forwarder.TerminalSize(int(os.Stdin.Fd()))

	cfg := pty.SessionConfig{
		Shell:    command[0],
		Args:     command[1:],
		Geometry: geo,
	}
	if cwd, err := os.Getwd(); err == nil {
		cfg.Dir = cwd
	}

	reg := pty.NewRegistry()

	var sess *pty.Session
	if sessionID != "" {
		sess, err = pty.OpenWithID(reg, pty.SessionId(sessionID), cfg)
	} else {
		sess, err = pty.Open(reg, cfg)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "vtfwd: failed to start session: %v\n", err)
		return 1
	}
	defer sess.Destroy()

	sess.SetSink(func(chunk []byte) {
		if act, ok := activity.Detect(chunk); ok {
			log.Printf("vtfwd: activity: %s (%s)", act.Status, act.Details)
		}
	})

	name := strings.Join(command, " ")
	meta := metadata.FromSession(sess, name, titleMode, true)
	if err := metadata.Write(root, meta); err != nil {
		fmt.Fprintf(os.Stderr, "vtfwd: warning: could not persist session metadata: %v\n", err)
	}

	sockPath := metadata.SocketPath(root, sess.ID())
	channel, err := forwarder.DialSupervisor(sockPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vtfwd: warning: %v\n", err)
		channel = nil
	}
	defer channel.Close()

	drv := forwarder.New(sess, channel)
	if err := drv.Run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "vtfwd: %v\n", err)
		return 1
	}

	exitCode, _ := sess.CheckExit()
	// Only finalize session.json here when no supervisor ever connected; once
	// a supervisor is watching, it owns this write. Tell it the exit code
	// directly instead of letting it infer status=exited from the closed
	// connection alone, so ExitCode still gets persisted.
	if channel != nil {
		if err := forwarder.SendExitStatus(channel, exitCode); err != nil {
			fmt.Fprintf(os.Stderr, "vtfwd: warning: could not report exit status: %v\n", err)
		}
	} else {
		if err := forwarder.FinalizeExit(root, sess.ID(), exitCode); err != nil {
			fmt.Fprintf(os.Stderr, "vtfwd: warning: could not finalize session metadata: %v\n", err)
		}
	}
	if exitCode != nil {
		return *exitCode
	}
	return 0
}
