// Package forwarder couples a user's terminal to a PtySession and, when
// reachable, a supervisor process over a local stream socket. It is the
// Go analogue of catherd's interactive attach command, generalized from a
// daemon-attach client into a standalone session driver.
package forwarder

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/ianremillard/vtcore/internal/metadata"
	"github.com/ianremillard/vtcore/internal/protocol"
	"github.com/ianremillard/vtcore/internal/pty"
)

const (
	connectMaxRetries = 10
	connectBackoff    = 100 * time.Millisecond
	quiescencePoll    = 100 * time.Millisecond
	stdinChunkSize    = 4096
)

// ErrChannelConnectFailed reports that the supervisor socket could not be
// reached after the retry budget. It is not fatal: the caller proceeds with
// a null channel.
var ErrChannelConnectFailed = fmt.Errorf("forwarder: could not connect to supervisor channel")

// SupervisorChannel wraps a connection to the supervisor's ipc.sock,
// serializing frame writes (one writer goroutine at a time is expected, but
// Send is safe to call from multiple goroutines regardless).
type SupervisorChannel struct {
	mu   sync.Mutex
	conn net.Conn
}

// DialSupervisor attempts to connect to the socket at path, retrying up to
// connectMaxRetries times with a fixed connectBackoff between attempts.
func DialSupervisor(path string) (*SupervisorChannel, error) {
	var lastErr error
	for attempt := 0; attempt < connectMaxRetries; attempt++ {
		conn, err := net.Dial("unix", path)
		if err == nil {
			return &SupervisorChannel{conn: conn}, nil
		}
		lastErr = err
		if attempt < connectMaxRetries-1 {
			time.Sleep(connectBackoff)
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrChannelConnectFailed, lastErr)
}

// Send writes one frame. A nil channel is a no-op, so callers don't need to
// special-case the "no supervisor reachable" path.
func (c *SupervisorChannel) Send(msgType protocol.MessageType, payload []byte) error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return protocol.WriteFrame(c.conn, msgType, payload)
}

// Close closes the underlying connection. A nil channel is a no-op.
func (c *SupervisorChannel) Close() error {
	if c == nil {
		return nil
	}
	return c.conn.Close()
}

// Driver ties one user terminal, one PtySession, and an optional
// SupervisorChannel together for the lifetime of a single interactive run.
type Driver struct {
	Session  *pty.Session
	Channel  *SupervisorChannel
	Stdin    *os.File
	Stdout   *os.File
	shutdown atomic.Bool
}

// New builds a Driver. channel may be nil when the supervisor was
// unreachable; Run still proceeds against the local session only.
func New(sess *pty.Session, channel *SupervisorChannel) *Driver {
	return &Driver{
		Session: sess,
		Channel: channel,
		Stdin:   os.Stdin,
		Stdout:  os.Stdout,
	}
}

// rawModeGuard enters raw mode on fd and restores the prior state when
// released. Mirrors the MakeRaw/Restore pairing in catherd's cmdAttach,
// generalized into a scoped guard per the "raw-mode entry/exit must be
// paired, release on every exit path" design note.
type rawModeGuard struct {
	fd    int
	state *term.State
}

func enterRawMode(fd int) (*rawModeGuard, error) {
	state, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("forwarder: enter raw mode: %w", err)
	}
	return &rawModeGuard{fd: fd, state: state}, nil
}

func (g *rawModeGuard) release() {
	if g == nil {
		return
	}
	_ = term.Restore(g.fd, g.state)
}

// TerminalSize reads the current window size of fd, falling back to 80x24
// when fd is not a TTY (e.g. output is piped).
func TerminalSize(fd int) pty.PtyGeometry {
	cols, rows, err := term.GetSize(fd)
	if err != nil || cols <= 0 || rows <= 0 {
		return pty.PtyGeometry{Cols: 80, Rows: 24}
	}
	return pty.PtyGeometry{Cols: uint16(cols), Rows: uint16(rows)}
}

// Run puts the terminal into raw mode, starts the three concurrent I/O
// tasks (stdin-forward, stdout-forward, resize-watch), and blocks until any
// one of them completes — at which point it signals the others to stop,
// waits for them to quiesce, and restores the terminal.
//
// Cancelling ctx, like a SIGINT or SIGTERM, starts the same cooperative
// shutdown as a finished task. A further SIGINT or SIGTERM received within
// 2 seconds after shutdown starts force-kills the child with SIGKILL.
func (d *Driver) Run(ctx context.Context) error {
	fd := int(d.Stdin.Fd())
	guard, err := enterRawMode(fd)
	if err != nil {
		return err
	}
	defer guard.release()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	winchCh := make(chan os.Signal, 1)
	signal.Notify(winchCh, syscall.SIGWINCH)
	defer signal.Stop(winchCh)

	done := make(chan struct{}, 3)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); d.forwardStdin(done) }()
	go func() { defer wg.Done(); d.forwardStdout(done) }()
	go func() { defer wg.Done(); d.watchResize(winchCh, done) }()

	select {
	case <-done:
	case <-ctx.Done():
	case sig := <-sigCh:
		log.Printf("forwarder: received %s, shutting down", sig)
	}
	d.shutdown.Store(true)

	// A second interrupt escalates to an immediate kill instead of waiting
	// for the I/O tasks to notice the shutdown flag on their own.
	go func() {
		select {
		case <-sigCh:
			log.Printf("forwarder: second interrupt, force-killing session")
			d.Session.Kill(syscall.SIGKILL)
		case <-time.After(2 * time.Second):
		}
	}()

	wg.Wait()
	return nil
}

func (d *Driver) forwardStdin(done chan<- struct{}) {
	defer signalDone(done)
	buf := make([]byte, stdinChunkSize)
	for !d.shutdown.Load() {
		n, err := d.Stdin.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if _, werr := d.Session.Write(chunk); werr != nil {
				return
			}
			if serr := d.Channel.Send(protocol.StdinData, chunk); serr != nil {
				log.Printf("forwarder: supervisor send failed: %v", serr)
			}
		}
		if err != nil {
			return
		}
	}
}

func (d *Driver) forwardStdout(done chan<- struct{}) {
	defer signalDone(done)
	timeout := quiescencePoll
	for !d.shutdown.Load() {
		chunk, err := d.Session.ReadChunk(&timeout)
		if err != nil {
			return
		}
		if len(chunk) == 0 {
			continue
		}
		if _, werr := d.Stdout.Write(chunk); werr != nil {
			return
		}
		if serr := d.Channel.Send(protocol.StdoutData, chunk); serr != nil {
			log.Printf("forwarder: supervisor send failed: %v", serr)
		}
	}
}

func (d *Driver) watchResize(winchCh <-chan os.Signal, done chan<- struct{}) {
	defer signalDone(done)
	fd := int(d.Stdin.Fd())
	for {
		select {
		case <-winchCh:
			geo := TerminalSize(fd)
			if err := d.Session.Resize(geo.Cols, geo.Rows); err != nil {
				log.Printf("forwarder: resize failed: %v", err)
				continue
			}
			payload, _ := protocol.MarshalControlCmd(protocol.ResizeCmd(geo.Cols, geo.Rows))
			if err := d.Channel.Send(protocol.ControlCmd, payload); err != nil {
				log.Printf("forwarder: supervisor resize notify failed: %v", err)
			}
		case <-time.After(quiescencePoll):
			if d.shutdown.Load() {
				return
			}
		}
	}
}

func signalDone(done chan<- struct{}) {
	select {
	case done <- struct{}{}:
	default:
	}
}

// SendUpdateTitle performs the one-shot out-of-band title update: connect,
// send a single update-title ControlCmd, and close. The caller's metadata
// file is left untouched here — only the supervisor rewrites session.json,
// per the write-race-avoidance policy.
func SendUpdateTitle(socketPath, title string) error {
	ch, err := DialSupervisor(socketPath)
	if err != nil {
		return err
	}
	defer ch.Close()

	payload, err := protocol.MarshalControlCmd(protocol.UpdateTitleCmd(title))
	if err != nil {
		return fmt.Errorf("forwarder: encode update-title command: %w", err)
	}
	return ch.Send(protocol.ControlCmd, payload)
}

// SendExitStatus reports the child's exit code to a connected supervisor as
// a StatusUpdate frame, so it can record status=exited itself instead of
// racing the forwarder's own session.json write. A nil channel is a no-op.
func SendExitStatus(ch *SupervisorChannel, exitCode *int) error {
	payload, err := protocol.MarshalStatus(protocol.StatusPayload{
		Status:   metadata.StatusExited,
		ExitCode: exitCode,
	})
	if err != nil {
		return fmt.Errorf("forwarder: encode exit status: %w", err)
	}
	return ch.Send(protocol.StatusUpdate, payload)
}

// FinalizeExit updates the persisted session metadata to status=exited with
// the child's exit code, matching the forwarder's terminal-state
// responsibilities once the driver's Run has returned. Only used when no
// supervisor is attached to own this update.
func FinalizeExit(root string, id pty.SessionId, exitCode *int) error {
	meta, err := metadata.Read(root, id)
	if err != nil {
		return err
	}
	meta.Status = metadata.StatusExited
	meta.ExitCode = exitCode
	return metadata.Write(root, meta)
}
