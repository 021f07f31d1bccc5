// Package pty implements the PTY session core: spawning a child under a
// controlling pseudo-terminal, owning the master file descriptor, fanning
// output to pull- and push-style consumers, and tracking child lifecycle.
//
// A Registry holds the process-wide table of live sessions. Callers obtain
// a shared *Session handle via Registry.Lookup and then call its methods
// directly; the registry lock is never held across a blocking I/O call.
package pty

import (
	"fmt"
	"os"

	"github.com/google/uuid"
)

// SessionId is an opaque 128-bit identifier, rendered as a hyphenated hex
// string. It is unique for the process lifetime.
type SessionId string

// NewSessionId generates a fresh SessionId.
func NewSessionId() SessionId {
	return SessionId(uuid.New().String())
}

func (id SessionId) String() string { return string(id) }

// PtyGeometry describes a terminal's character-cell dimensions. Pixel
// dimensions are always zero.
type PtyGeometry struct {
	Cols uint16
	Rows uint16
}

// Validate reports an error if the geometry is not at least 1x1.
func (g PtyGeometry) Validate() error {
	if g.Cols < 1 || g.Rows < 1 {
		return fmt.Errorf("pty: geometry must be at least 1x1, got %dx%d", g.Cols, g.Rows)
	}
	return nil
}

// SessionConfig holds everything needed to spawn a session. It is immutable
// once passed to Open/OpenWithID.
type SessionConfig struct {
	// Shell is the command to run. Empty means the platform default shell
	// ($SHELL, falling back to /bin/sh).
	Shell string
	Args  []string
	// Env is merged onto a minimal baseline (TERM default, a few
	// passthrough vars); see buildEnv.
	Env      map[string]string
	Dir      string
	Geometry PtyGeometry
}

func (cfg SessionConfig) shellPath() string {
	if cfg.Shell != "" {
		return cfg.Shell
	}
	if s := os.Getenv("SHELL"); s != "" {
		return s
	}
	return "/bin/sh"
}

// SessionIDEnvVar is the name of the environment variable a session's child
// (and anything it execs) sees set to its own SessionId, so nested sessions
// can discover which session they're running under.
const SessionIDEnvVar = "VIBETUNNEL_SESSION_ID"

// passthroughEnvVars are propagated from the host environment into the
// child's environment when the caller didn't already set them explicitly.
var passthroughEnvVars = []string{"COLORTERM", "TERM_PROGRAM", "TERM_PROGRAM_VERSION"}

func buildEnv(cfg SessionConfig) []string {
	env := make(map[string]string, len(cfg.Env)+4)
	for k, v := range cfg.Env {
		env[k] = v
	}
	if _, ok := env["TERM"]; !ok {
		env["TERM"] = "xterm-256color"
	}
	for _, k := range passthroughEnvVars {
		if _, ok := env[k]; ok {
			continue
		}
		if v := os.Getenv(k); v != "" {
			env[k] = v
		}
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

// Sink is a push-style consumer invoked by the reader worker with a copy of
// each output chunk.
type Sink func([]byte)
