// Package supervisor implements the out-of-band counterpart to
// internal/forwarder: it listens on each session's ipc.sock, appends
// received stdin/stdout payloads to that session's on-disk logs, and owns
// session.json writes once a session is under its watch, matching the
// supervisor-only-writes-session.json policy the forwarder design
// chose to eliminate a write race.
//
// Grounded on internal/daemon/daemon.go's accept loop: a single mutex
// guarding a session-keyed map, one goroutine per accepted connection, and
// a switch-on-message-type dispatch loop, adapted from the daemon's
// newline-JSON request/response protocol to the forwarder's length-prefixed
// frame protocol.
package supervisor

import (
	"fmt"
	"log"
	"net"
	"os"
	"sync"

	"github.com/ianremillard/vtcore/internal/metadata"
	"github.com/ianremillard/vtcore/internal/protocol"
	"github.com/ianremillard/vtcore/internal/pty"
)

// Supervisor owns one listener per session it has been asked to watch.
type Supervisor struct {
	root string

	mu        sync.Mutex
	listeners map[pty.SessionId]net.Listener
}

// New creates a Supervisor rooted at controlRoot (see metadata.ControlRoot).
func New(controlRoot string) *Supervisor {
	return &Supervisor{
		root:      controlRoot,
		listeners: make(map[pty.SessionId]net.Listener),
	}
}

// Watch starts listening on the given session's ipc.sock and handles
// connections in the background until Close(id) is called or the listener
// errors out. It is safe to call concurrently for distinct ids.
func (s *Supervisor) Watch(id pty.SessionId) error {
	if _, err := metadata.EnsureSessionDir(s.root, id); err != nil {
		return err
	}
	sockPath := metadata.SocketPath(s.root, id)
	os.Remove(sockPath)

	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		return fmt.Errorf("supervisor: listen on %s: %w", sockPath, err)
	}

	s.mu.Lock()
	s.listeners[id] = ln
	s.mu.Unlock()

	go s.acceptLoop(id, ln)
	return nil
}

func (s *Supervisor) acceptLoop(id pty.SessionId, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go s.handleConn(id, conn)
	}
}

// Close stops watching id and removes its listener.
func (s *Supervisor) Close(id pty.SessionId) {
	s.mu.Lock()
	ln, ok := s.listeners[id]
	if ok {
		delete(s.listeners, id)
	}
	s.mu.Unlock()
	if ok {
		ln.Close()
	}
}

// CloseAll stops watching every session.
func (s *Supervisor) CloseAll() {
	s.mu.Lock()
	listeners := s.listeners
	s.listeners = make(map[pty.SessionId]net.Listener)
	s.mu.Unlock()
	for _, ln := range listeners {
		ln.Close()
	}
}

func (s *Supervisor) handleConn(id pty.SessionId, conn net.Conn) {
	defer conn.Close()

	stdoutLog, err := openAppendLog(metadata.StdoutLogPath(s.root, id))
	if err != nil {
		log.Printf("supervisor: session %s: open stdout log: %v", id, err)
	} else {
		defer stdoutLog.Close()
	}

	stdinLog, err := openAppendLog(metadata.StdinLogPath(s.root, id))
	if err != nil {
		log.Printf("supervisor: session %s: open stdin log: %v", id, err)
	} else {
		defer stdinLog.Close()
	}

	// One-shot connections (e.g. SendUpdateTitle) send a single ControlCmd
	// and close; only the forwarder's long-lived data connection ever
	// carries Stdin/StdoutData, so that's the signal this is the connection
	// whose closing means the session itself exited.
	var isDataConn bool
	defer func() {
		// Covers the forwarder crashing or being killed before it can send a
		// StatusUpdate: the connection drops, and the session is presumed
		// exited. A no-op if a StatusUpdate already recorded status=exited.
		if isDataConn {
			s.markExitedIfRunning(id)
		}
	}()

	for {
		msgType, payload, err := protocol.ReadFrame(conn)
		if err != nil {
			return
		}
		if msgType == protocol.StdinData || msgType == protocol.StdoutData {
			isDataConn = true
		}
		s.dispatch(id, msgType, payload, stdoutLog, stdinLog)
	}
}

func (s *Supervisor) dispatch(id pty.SessionId, msgType protocol.MessageType, payload []byte, stdoutLog, stdinLog *os.File) {
	switch msgType {
	case protocol.StdinData:
		appendLog(stdinLog, payload)
	case protocol.StdoutData:
		appendLog(stdoutLog, payload)
	case protocol.ControlCmd:
		s.handleControlCmd(id, payload)
	case protocol.StatusUpdate:
		s.handleStatusUpdate(id, payload)
	case protocol.SessionInfo:
		// Informational only; nothing is logged or persisted.
	case protocol.Error:
		log.Printf("supervisor: session %s reported error: %s", id, payload)
	}
}

func (s *Supervisor) handleControlCmd(id pty.SessionId, payload []byte) {
	cmd, err := protocol.UnmarshalControlCmd(payload)
	if err != nil {
		log.Printf("supervisor: session %s: bad control command: %v", id, err)
		return
	}
	switch cmd.Cmd {
	case protocol.CmdUpdateTitle:
		s.applyUpdateTitle(id, cmd.Title)
	case protocol.CmdResize:
		// The forwarder already resized its local PtySession; this
		// notification is recorded for observability only.
		log.Printf("supervisor: session %s resized to %dx%d", id, cmd.Cols, cmd.Rows)
	case protocol.CmdKill:
		log.Printf("supervisor: session %s requested kill (signal=%q)", id, cmd.Signal)
	}
}

// applyUpdateTitle is the only code path allowed to mutate session.json's
// name field once a session is under supervision.
func (s *Supervisor) applyUpdateTitle(id pty.SessionId, title string) {
	meta, err := metadata.Read(s.root, id)
	if err != nil {
		log.Printf("supervisor: session %s: read metadata: %v", id, err)
		return
	}
	meta.Name = title
	if err := metadata.Write(s.root, meta); err != nil {
		log.Printf("supervisor: session %s: write metadata: %v", id, err)
	}
}

func (s *Supervisor) handleStatusUpdate(id pty.SessionId, payload []byte) {
	status, err := protocol.UnmarshalStatus(payload)
	if err != nil {
		log.Printf("supervisor: session %s: bad status update: %v", id, err)
		return
	}
	if status.Status != metadata.StatusExited {
		return
	}
	s.applyExitStatus(id, status.ExitCode)
}

// applyExitStatus is the code path that transitions session.json's status to
// exited once a session is under supervision, recording the child's exit
// code when the forwarder reported one.
func (s *Supervisor) applyExitStatus(id pty.SessionId, exitCode *int) {
	meta, err := metadata.Read(s.root, id)
	if err != nil {
		log.Printf("supervisor: session %s: read metadata: %v", id, err)
		return
	}
	meta.Status = metadata.StatusExited
	meta.ExitCode = exitCode
	if err := metadata.Write(s.root, meta); err != nil {
		log.Printf("supervisor: session %s: write metadata: %v", id, err)
	}
}

// markExitedIfRunning sets status=exited without touching ExitCode, used as
// a fallback when the connection closed without an explicit StatusUpdate.
// A no-op if the session is already marked exited, so it never clobbers an
// exit code a StatusUpdate already recorded.
func (s *Supervisor) markExitedIfRunning(id pty.SessionId) {
	meta, err := metadata.Read(s.root, id)
	if err != nil {
		return
	}
	if meta.Status == metadata.StatusExited {
		return
	}
	meta.Status = metadata.StatusExited
	if err := metadata.Write(s.root, meta); err != nil {
		log.Printf("supervisor: session %s: write metadata: %v", id, err)
	}
}

func openAppendLog(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
}

func appendLog(f *os.File, payload []byte) {
	if f == nil || len(payload) == 0 {
		return
	}
	if _, err := f.Write(payload); err != nil {
		log.Printf("supervisor: log append failed: %v", err)
	}
}
