package forwarder

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/ianremillard/vtcore/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDialSupervisorConnectsToListeningSocket(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "ipc.sock")

	ln, err := net.Listen("unix", sockPath)
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	ch, err := DialSupervisor(sockPath)
	require.NoError(t, err)
	defer ch.Close()

	conn := <-accepted
	defer conn.Close()

	require.NoError(t, ch.Send(protocol.StdoutData, []byte("hi")))

	msgType, payload, err := protocol.ReadFrame(conn)
	require.NoError(t, err)
	assert.Equal(t, protocol.StdoutData, msgType)
	assert.Equal(t, "hi", string(payload))
}

func TestDialSupervisorFailsAfterRetriesWhenNothingListens(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "nowhere.sock")

	_, err := DialSupervisor(sockPath)
	assert.ErrorIs(t, err, ErrChannelConnectFailed)
}

func TestSendOnNilChannelIsNoop(t *testing.T) {
	var ch *SupervisorChannel
	assert.NoError(t, ch.Send(protocol.StdinData, []byte("x")))
	assert.NoError(t, ch.Close())
}

func TestSendExitStatusOnNilChannelIsNoop(t *testing.T) {
	var ch *SupervisorChannel
	code := 3
	assert.NoError(t, SendExitStatus(ch, &code))
}

func TestSendExitStatusWritesStatusUpdateFrame(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "ipc.sock")

	ln, err := net.Listen("unix", sockPath)
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	ch, err := DialSupervisor(sockPath)
	require.NoError(t, err)
	defer ch.Close()
	conn := <-accepted
	defer conn.Close()

	code := 9
	require.NoError(t, SendExitStatus(ch, &code))

	msgType, payload, err := protocol.ReadFrame(conn)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusUpdate, msgType)

	status, err := protocol.UnmarshalStatus(payload)
	require.NoError(t, err)
	assert.Equal(t, "exited", status.Status)
	require.NotNil(t, status.ExitCode)
	assert.Equal(t, 9, *status.ExitCode)
}

func TestTerminalSizeFallsBackWhenNotATTY(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "not-a-tty")
	require.NoError(t, err)
	defer f.Close()

	geo := TerminalSize(int(f.Fd()))
	assert.Equal(t, uint16(80), geo.Cols)
	assert.Equal(t, uint16(24), geo.Rows)
}
