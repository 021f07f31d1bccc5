// Package metadata manages the on-disk control directory: one directory per
// session under the control root, holding the session's persisted
// SessionMetadata, its IPC socket, and append-only stdin/stdout logs.
package metadata

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ianremillard/vtcore/internal/pty"
)

// controlDirEnvVar overrides the default control directory base.
const controlDirEnvVar = "VIBETUNNEL_SESSIONS_DIR"

const (
	defaultControlDirName = ".vibetunnel"
	sessionFileName       = "session.json"
	socketFileName        = "ipc.sock"
	stdoutLogName         = "stdout"
	stdinLogName          = "stdin"
)

// SessionMetadata is the persisted, UTF-8 JSON (camelCase) description of one
// session, written under <controlDir>/<id>/session.json.
type SessionMetadata struct {
	ID                 pty.SessionId `json:"id"`
	Name               string        `json:"name"`
	Command            []string      `json:"command"`
	Pid                *int          `json:"pid,omitempty"`
	CreatedAt          int64         `json:"createdAt"`
	Status             string        `json:"status"`
	WorkingDir         string        `json:"workingDir"`
	Cols               uint16        `json:"cols"`
	Rows               uint16        `json:"rows"`
	ExitCode           *int          `json:"exitCode,omitempty"`
	TitleMode          string        `json:"titleMode,omitempty"`
	IsExternalTerminal bool          `json:"isExternalTerminal"`
}

// Status values recognized in SessionMetadata.Status.
const (
	StatusRunning = "running"
	StatusExited  = "exited"
)

// ControlRoot resolves the base control directory: $VIBETUNNEL_SESSIONS_DIR
// if set, else $HOME/.vibetunnel/control.
func ControlRoot() (string, error) {
	if dir := os.Getenv(controlDirEnvVar); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("metadata: resolve home directory: %w", err)
	}
	return filepath.Join(home, defaultControlDirName, "control"), nil
}

// SessionDir returns <controlRoot>/<id>.
func SessionDir(root string, id pty.SessionId) string {
	return filepath.Join(root, id.String())
}

// SocketPath returns the per-session ipc.sock path.
func SocketPath(root string, id pty.SessionId) string {
	return filepath.Join(SessionDir(root, id), socketFileName)
}

// StdoutLogPath returns the per-session append-only stdout log path.
func StdoutLogPath(root string, id pty.SessionId) string {
	return filepath.Join(SessionDir(root, id), stdoutLogName)
}

// StdinLogPath returns the per-session append-only stdin log path.
func StdinLogPath(root string, id pty.SessionId) string {
	return filepath.Join(SessionDir(root, id), stdinLogName)
}

// EnsureSessionDir creates <controlRoot>/<id> (and controlRoot itself) if
// missing, returning the session directory path.
func EnsureSessionDir(root string, id pty.SessionId) (string, error) {
	dir := SessionDir(root, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("metadata: create session directory: %w", err)
	}
	return dir, nil
}

// Write persists meta to <controlRoot>/<id>/session.json.
//
// Per the supervisor-only write policy (a forwarder must never rewrite this
// file itself, to avoid a write race with out-of-band title updates), only
// the supervisor-side caller of this package should invoke Write during
// normal operation; the forwarder uses it for the initial create and, only
// when no supervisor connected, for the final status update (FinalizeExit).
func Write(root string, meta SessionMetadata) error {
	dir, err := EnsureSessionDir(root, meta.ID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("metadata: marshal session metadata: %w", err)
	}
	path := filepath.Join(dir, sessionFileName)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("metadata: write session metadata: %w", err)
	}
	return nil
}

// Read loads a session's persisted metadata.
func Read(root string, id pty.SessionId) (SessionMetadata, error) {
	path := filepath.Join(SessionDir(root, id), sessionFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return SessionMetadata{}, fmt.Errorf("metadata: read session metadata: %w", err)
	}
	var meta SessionMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return SessionMetadata{}, fmt.Errorf("metadata: parse session metadata: %w", err)
	}
	return meta, nil
}

// FromSession builds the initial SessionMetadata for a freshly opened
// session, in the "running" state.
func FromSession(s *pty.Session, name, titleMode string, isExternalTerminal bool) SessionMetadata {
	cfg := s.Config()
	command := append([]string{cfg.Shell}, cfg.Args...)
	geo := s.Geometry()
	pid := s.Pid()
	return SessionMetadata{
		ID:                 s.ID(),
		Name:               name,
		Command:            command,
		Pid:                &pid,
		CreatedAt:          s.StartedAt().UnixMilli(),
		Status:             StatusRunning,
		WorkingDir:         cfg.Dir,
		Cols:               geo.Cols,
		Rows:               geo.Rows,
		TitleMode:          titleMode,
		IsExternalTerminal: isExternalTerminal,
	}
}
