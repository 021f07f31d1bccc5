package pty

import (
	"fmt"
	"log"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// startupWatchdogDelay is how long a new session waits for the first byte of
// PTY output before logging a diagnostic line. Purely informational; it
// never affects any invariant or returned error.
const startupWatchdogDelay = 15 * time.Second

// Session encapsulates one child-under-PTY: the master file descriptor, the
// child process handle, an exclusive writer, a dedicated reader worker, a
// bounded output queue, a single-shot shutdown signal, and at most one
// active push sink.
type Session struct {
	id  SessionId
	pid int
	cfg SessionConfig

	master   *os.File // exclusive writer + resize ioctl target
	readerFD *os.File // dup'd fd; owned solely by the reader worker
	cmd      *exec.Cmd

	reg *Registry

	writeMu  sync.Mutex
	resizeMu sync.Mutex
	childMu  sync.Mutex
	sinkMu   sync.Mutex
	sink     Sink

	queue        *outputQueue
	shutdown     chan struct{}
	shutdownOnce sync.Once
	reader       *readerWorker
	readerExited atomic.Bool

	destroyed   atomic.Bool
	destroyOnce sync.Once

	childDone chan struct{}
	exitCode  *int

	startedAt      time.Time
	lastOutputTime atomic.Value // time.Time
	geometry       atomic.Value // PtyGeometry
}

// Open spawns a new session with a freshly generated SessionId.
func Open(reg *Registry, cfg SessionConfig) (*Session, error) {
	return OpenWithID(reg, NewSessionId(), cfg)
}

// OpenWithID spawns a new session and registers it under the given id,
// failing with ErrIdCollision if that id is already live. This is used by
// the forwarder's --session-id adoption path.
func OpenWithID(reg *Registry, id SessionId, cfg SessionConfig) (*Session, error) {
	if err := cfg.Geometry.Validate(); err != nil {
		return nil, err
	}

	cmd := exec.Command(cfg.shellPath(), cfg.Args...)
	cmd.Env = buildEnv(withSessionIDEnv(cfg, id))
	if cfg.Dir != "" {
		cmd.Dir = cfg.Dir
	}

	size := &pty.Winsize{Cols: cfg.Geometry.Cols, Rows: cfg.Geometry.Rows}
	master, err := pty.StartWithSize(cmd, size)
	if err != nil {
		return nil, constructionErr(ErrSpawnFailed, "spawn", err)
	}

	if cmd.Process == nil {
		master.Close()
		return nil, ErrSpawnFailed
	}
	pid := cmd.Process.Pid

	// The master file itself is our exclusive writer; nothing else is ever
	// given access to it. Taking the writer has no failure path of its own,
	// so construction never returns ErrWriterUnavailable.
	writer := master

	readerFD, err := cloneReader(master)
	if err != nil {
		master.Close()
		killChild(cmd)
		return nil, constructionErr(ErrReaderUnavailable, "clone reader", err)
	}

	sess := &Session{
		id:        id,
		pid:       pid,
		cfg:       cfg,
		master:    writer,
		readerFD:  readerFD,
		cmd:       cmd,
		reg:       reg,
		queue:     newOutputQueue(),
		shutdown:  make(chan struct{}),
		childDone: make(chan struct{}),
		startedAt: time.Now(),
	}
	sess.lastOutputTime.Store(time.Time{})
	sess.geometry.Store(cfg.Geometry)

	// Registration must happen before the reader worker starts so its
	// self-lookup path works from the very first byte.
	if err := reg.Insert(id, sess); err != nil {
		master.Close()
		readerFD.Close()
		killChild(cmd)
		return nil, err
	}

	sess.reader = newReaderWorker(id, reg, readerFD, sess.queue, sess.shutdown)
	go func() {
		sess.reader.run()
		sess.readerExited.Store(true)
	}()

	go sess.waitChild()
	go sess.watchReaderExit()
	go sess.startupWatchdog()

	return sess, nil
}

// withSessionIDEnv returns a copy of cfg with SessionIDEnvVar set in its Env
// map to id, without mutating the caller's original map. buildEnv turns this
// into cmd.Env, which os/exec treats as a full replacement of the parent's
// environment rather than a merge, so this is the only place the child
// actually receives its session id.
func withSessionIDEnv(cfg SessionConfig, id SessionId) SessionConfig {
	env := make(map[string]string, len(cfg.Env)+1)
	for k, v := range cfg.Env {
		env[k] = v
	}
	env[SessionIDEnvVar] = id.String()
	cfg.Env = env
	return cfg
}

// cloneReader dups the master's fd so the reader worker has an independent
// handle from the exclusive writer, mirroring a take_writer/try_clone_reader
// split.
func cloneReader(master *os.File) (*os.File, error) {
	fd, err := syscall.Dup(int(master.Fd()))
	if err != nil {
		return nil, err
	}
	return os.NewFile(uintptr(fd), master.Name()), nil
}

func killChild(cmd *exec.Cmd) {
	if cmd.Process != nil {
		cmd.Process.Kill()
		cmd.Wait()
	}
}

// constructionErr preserves the specific construction-failure kind
// (ErrSpawnFailed, ErrReaderUnavailable, ...) while still carrying the
// underlying cause, so callers can both errors.Is(err, ErrSpawnFailed) and
// see what actually went wrong.
func constructionErr(kind error, where string, err error) error {
	return fmt.Errorf("%w: %s: %v", kind, where, err)
}

// ID returns the session's identifier.
func (s *Session) ID() SessionId { return s.id }

// Pid returns the child's OS process id. Stable for the session's lifetime.
func (s *Session) Pid() int { return s.pid }

// Config returns the immutable configuration the session was opened with.
func (s *Session) Config() SessionConfig { return s.cfg }

// Geometry returns the session's current PTY geometry, reflecting the most
// recent successful Resize.
func (s *Session) Geometry() PtyGeometry {
	g, _ := s.geometry.Load().(PtyGeometry)
	return g
}

// StartedAt returns when the session was spawned.
func (s *Session) StartedAt() time.Time { return s.startedAt }

func (s *Session) noteOutput() {
	s.lastOutputTime.Store(time.Now())
}

// Write serializes a byte slice into the PTY and flushes it. It never
// blocks on the read path.
func (s *Session) Write(p []byte) (int, error) {
	if s.destroyed.Load() {
		return 0, ErrSessionNotFound
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	n, err := s.master.Write(p)
	if err != nil {
		return n, ioErr("write", err)
	}
	return n, nil
}

// Resize atomically updates the kernel PTY geometry.
func (s *Session) Resize(cols, rows uint16) error {
	if s.destroyed.Load() {
		return ErrSessionNotFound
	}
	if err := (PtyGeometry{Cols: cols, Rows: rows}).Validate(); err != nil {
		return err
	}
	s.resizeMu.Lock()
	defer s.resizeMu.Unlock()
	if err := pty.Setsize(s.master, &pty.Winsize{Cols: cols, Rows: rows}); err != nil {
		return ioErr("resize", err)
	}
	s.geometry.Store(PtyGeometry{Cols: cols, Rows: rows})
	return nil
}

// Kill delivers sig to the child's pid; sig of 0 defaults to SIGTERM.
// Killing an already-exited child is not an error, even once the session
// has been torn down.
func (s *Session) Kill(sig syscall.Signal) error {
	select {
	case <-s.childDone:
		return nil
	default:
	}
	if s.destroyed.Load() {
		return ErrSessionNotFound
	}
	if sig == 0 {
		sig = syscall.SIGTERM
	}
	s.childMu.Lock()
	defer s.childMu.Unlock()
	if s.cmd.Process == nil {
		return nil
	}
	if err := s.cmd.Process.Signal(sig); err != nil {
		if err.Error() == os.ErrProcessDone.Error() {
			return nil
		}
		return ioErr("kill", err)
	}
	return nil
}

// ReadChunk dequeues one chunk. With a non-nil timeout it waits up to that
// duration; with nil it returns immediately. A nil, nil result means "no
// data" (timed out or queue momentarily empty), never a partial payload.
func (s *Session) ReadChunk(timeout *time.Duration) ([]byte, error) {
	if s.destroyed.Load() {
		return nil, ErrSessionNotFound
	}
	var wait time.Duration
	if timeout != nil {
		wait = *timeout
	}
	data, ok := s.queue.dequeueWait(wait)
	if ok {
		return data, nil
	}
	if s.readerExited.Load() && s.queue.len() == 0 {
		return nil, ErrReaderGone
	}
	return nil, nil
}

// DrainOutput dequeues up to 64 KiB of buffered chunks without waiting,
// concatenating them in arrival order.
func (s *Session) DrainOutput() ([]byte, error) {
	if s.destroyed.Load() {
		return nil, ErrSessionNotFound
	}
	const maxDrain = 64 * 1024
	var out []byte
	for len(out) < maxDrain {
		chunk, ok := s.queue.tryDequeue()
		if !ok {
			break
		}
		out = append(out, chunk...)
	}
	return out, nil
}

// DrainOutput is the registry-keyed entry point for a caller that only
// holds a SessionId, not an already-resolved *Session handle (e.g. a
// request dispatcher indexing by id). It resolves id via the registry's
// non-blocking TryLookup; if the registry is momentarily contended it
// returns an empty drain rather than waiting, matching (*Session).DrainOutput's
// own non-blocking contract one level up.
func DrainOutput(reg *Registry, id SessionId) ([]byte, error) {
	sess, found, contended := reg.TryLookup(id)
	if contended {
		return nil, nil
	}
	if !found {
		return nil, ErrSessionNotFound
	}
	return sess.DrainOutput()
}

// CheckExit performs a non-blocking poll of child state: nil, nil means
// still running; a non-nil *int is the exit code. The exit code stays
// available after teardown, since Destroy always waits for the child to be
// reaped.
func (s *Session) CheckExit() (*int, error) {
	select {
	case <-s.childDone:
		s.childMu.Lock()
		defer s.childMu.Unlock()
		return s.exitCode, nil
	default:
		return nil, nil
	}
}

// SetSink replaces any prior push sink; nil detaches.
func (s *Session) SetSink(sink Sink) error {
	if s.destroyed.Load() {
		return ErrSessionNotFound
	}
	s.sinkMu.Lock()
	s.sink = sink
	s.sinkMu.Unlock()
	return nil
}

// DroppedChunks reports how many output chunks the reader worker has
// dropped due to a full output queue (a monotonic drop count).
func (s *Session) DroppedChunks() uint64 {
	return s.queue.droppedCount()
}

// Destroy performs idempotent teardown, following the normative ordering
// on exit: remove from registry, signal shutdown, poll+kill the
// child if still running, wait for it to be reaped, then join the reader.
// Destroy never fails.
func (s *Session) Destroy() {
	s.destroyOnce.Do(func() {
		s.reg.Remove(s.id)
		s.destroyed.Store(true)

		s.shutdownOnce.Do(func() { close(s.shutdown) })

		select {
		case <-s.childDone:
			// Already exited; nothing to signal.
		default:
			if s.cmd.Process != nil {
				if err := s.cmd.Process.Kill(); err != nil {
					log.Printf("pty: session %s: force-terminate during destroy: %v", s.id, err)
				}
			}
		}

		<-s.childDone
		<-s.reader.done

		s.master.Close()
		s.readerFD.Close()
	})
}

// waitChild reaps the child exactly once and records its exit code.
func (s *Session) waitChild() {
	err := s.cmd.Wait()
	code := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else {
			code = 1
		}
	}
	s.childMu.Lock()
	s.exitCode = &code
	s.childMu.Unlock()
	close(s.childDone)
}

// watchReaderExit runs the same Destroy teardown when the reader worker
// exits on its own (child EOF) rather than via an explicit Destroy call, so
// a session whose child has exited is removed from the registry.
func (s *Session) watchReaderExit() {
	<-s.reader.done
	s.Destroy()
}

// startupWatchdog logs a single diagnostic line if the session produces no
// PTY output within startupWatchdogDelay of being spawned. Grounded on
// ehrlich-b-wingthing's internal/egg/server.go startupWatchdog; purely
// informational, never surfaced as an error.
func (s *Session) startupWatchdog() {
	t := time.NewTimer(startupWatchdogDelay)
	defer t.Stop()
	select {
	case <-t.C:
		if lo, _ := s.lastOutputTime.Load().(time.Time); lo.IsZero() {
			log.Printf("pty: session %s: no output after %s (pid %d)", s.id, startupWatchdogDelay, s.pid)
		}
	case <-s.shutdown:
	case <-s.childDone:
	}
}
