package supervisor

import (
	"net"
	"os"
	"testing"
	"time"

	"github.com/ianremillard/vtcore/internal/metadata"
	"github.com/ianremillard/vtcore/internal/protocol"
	"github.com/ianremillard/vtcore/internal/pty"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestMeta(t *testing.T, root string, id pty.SessionId) {
	t.Helper()
	require.NoError(t, metadata.Write(root, metadata.SessionMetadata{
		ID:     id,
		Name:   "initial",
		Status: metadata.StatusRunning,
		Cols:   80,
		Rows:   24,
	}))
}

func TestWatchAppendsStdoutAndStdinLogs(t *testing.T) {
	root := t.TempDir()
	id := pty.NewSessionId()
	writeTestMeta(t, root, id)

	sup := New(root)
	require.NoError(t, sup.Watch(id))
	defer sup.Close(id)

	conn, err := net.Dial("unix", metadata.SocketPath(root, id))
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, protocol.WriteFrame(conn, protocol.StdoutData, []byte("hello out")))
	require.NoError(t, protocol.WriteFrame(conn, protocol.StdinData, []byte("hello in")))

	require.Eventually(t, func() bool {
		out, err := os.ReadFile(metadata.StdoutLogPath(root, id))
		return err == nil && string(out) == "hello out"
	}, time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		in, err := os.ReadFile(metadata.StdinLogPath(root, id))
		return err == nil && string(in) == "hello in"
	}, time.Second, 10*time.Millisecond)
}

func TestUpdateTitleControlCmdRewritesMetadataName(t *testing.T) {
	root := t.TempDir()
	id := pty.NewSessionId()
	writeTestMeta(t, root, id)

	sup := New(root)
	require.NoError(t, sup.Watch(id))
	defer sup.Close(id)

	conn, err := net.Dial("unix", metadata.SocketPath(root, id))
	require.NoError(t, err)
	defer conn.Close()

	payload, err := protocol.MarshalControlCmd(protocol.UpdateTitleCmd("renamed"))
	require.NoError(t, err)
	require.NoError(t, protocol.WriteFrame(conn, protocol.ControlCmd, payload))

	require.Eventually(t, func() bool {
		meta, err := metadata.Read(root, id)
		return err == nil && meta.Name == "renamed"
	}, time.Second, 10*time.Millisecond)
}

func TestStatusUpdateMarksSessionExitedWithCode(t *testing.T) {
	root := t.TempDir()
	id := pty.NewSessionId()
	writeTestMeta(t, root, id)

	sup := New(root)
	require.NoError(t, sup.Watch(id))
	defer sup.Close(id)

	conn, err := net.Dial("unix", metadata.SocketPath(root, id))
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, protocol.WriteFrame(conn, protocol.StdoutData, []byte("out")))
	code := 7
	payload, err := protocol.MarshalStatus(protocol.StatusPayload{Status: metadata.StatusExited, ExitCode: &code})
	require.NoError(t, err)
	require.NoError(t, protocol.WriteFrame(conn, protocol.StatusUpdate, payload))

	require.Eventually(t, func() bool {
		meta, err := metadata.Read(root, id)
		return err == nil && meta.Status == metadata.StatusExited && meta.ExitCode != nil && *meta.ExitCode == 7
	}, time.Second, 10*time.Millisecond)
}

func TestDataConnectionCloseWithoutStatusUpdateMarksExited(t *testing.T) {
	root := t.TempDir()
	id := pty.NewSessionId()
	writeTestMeta(t, root, id)

	sup := New(root)
	require.NoError(t, sup.Watch(id))
	defer sup.Close(id)

	conn, err := net.Dial("unix", metadata.SocketPath(root, id))
	require.NoError(t, err)
	require.NoError(t, protocol.WriteFrame(conn, protocol.StdoutData, []byte("out")))
	conn.Close()

	require.Eventually(t, func() bool {
		meta, err := metadata.Read(root, id)
		return err == nil && meta.Status == metadata.StatusExited && meta.ExitCode == nil
	}, time.Second, 10*time.Millisecond)
}

func TestOneShotControlConnectionDoesNotMarkSessionExited(t *testing.T) {
	root := t.TempDir()
	id := pty.NewSessionId()
	writeTestMeta(t, root, id)

	sup := New(root)
	require.NoError(t, sup.Watch(id))
	defer sup.Close(id)

	conn, err := net.Dial("unix", metadata.SocketPath(root, id))
	require.NoError(t, err)
	payload, err := protocol.MarshalControlCmd(protocol.UpdateTitleCmd("renamed"))
	require.NoError(t, err)
	require.NoError(t, protocol.WriteFrame(conn, protocol.ControlCmd, payload))
	conn.Close()

	require.Eventually(t, func() bool {
		meta, err := metadata.Read(root, id)
		return err == nil && meta.Name == "renamed"
	}, time.Second, 10*time.Millisecond)

	meta, err := metadata.Read(root, id)
	require.NoError(t, err)
	assert.Equal(t, metadata.StatusRunning, meta.Status)
}

func TestCloseStopsAcceptingConnections(t *testing.T) {
	root := t.TempDir()
	id := pty.NewSessionId()
	writeTestMeta(t, root, id)

	sup := New(root)
	require.NoError(t, sup.Watch(id))
	sup.Close(id)

	_, err := net.Dial("unix", metadata.SocketPath(root, id))
	assert.Error(t, err)
}

func TestWatchAllDiscoversExistingSessionDirectories(t *testing.T) {
	root := t.TempDir()
	id := pty.NewSessionId()
	writeTestMeta(t, root, id)

	sup := New(root)
	stop := make(chan struct{})
	defer close(stop)
	go sup.WatchAll(root, stop)

	require.Eventually(t, func() bool {
		conn, err := net.Dial("unix", metadata.SocketPath(root, id))
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 2*time.Second, 20*time.Millisecond)
}
