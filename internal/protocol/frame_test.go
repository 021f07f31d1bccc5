package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	buf := Encode(nil, StdoutData, []byte("Protocol test data"))

	msgType, payload, consumed, ok, err := Decode(buf)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StdoutData, msgType)
	assert.Equal(t, "Protocol test data", string(payload))
	assert.Equal(t, 23, consumed)
	assert.Equal(t, len(buf), consumed)
}

func TestDecodeConcatenatedFramesInOrder(t *testing.T) {
	var buf []byte
	buf = Encode(buf, StdinData, []byte("first"))
	buf = Encode(buf, StdoutData, []byte("second"))
	buf = Encode(buf, Error, []byte("third"))

	var types []MessageType
	var payloads []string
	for len(buf) > 0 {
		msgType, payload, consumed, ok, err := Decode(buf)
		require.NoError(t, err)
		require.True(t, ok)
		types = append(types, msgType)
		payloads = append(payloads, string(payload))
		buf = buf[consumed:]
	}

	assert.Equal(t, []MessageType{StdinData, StdoutData, Error}, types)
	assert.Equal(t, []string{"first", "second", "third"}, payloads)
}

func TestDecodeNeedsMoreBytesOnIncompleteHeader(t *testing.T) {
	buf := []byte{byte(StdinData), 0x00, 0x00}
	_, _, _, ok, err := Decode(buf)
	assert.False(t, ok)
	assert.NoError(t, err)
}

func TestDecodeNeedsMoreBytesOnIncompletePayload(t *testing.T) {
	buf := Encode(nil, StdinData, []byte("hello"))
	_, _, _, ok, err := Decode(buf[:len(buf)-2])
	assert.False(t, ok)
	assert.NoError(t, err)
}

func TestDecodeRejectsBadMessageType(t *testing.T) {
	buf := []byte{0xff, 0x00, 0x00, 0x00, 0x00}
	_, _, _, ok, err := Decode(buf)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrBadMessageType)
}

func TestDecodeRejectsOversizedLengthAsBadMessageType(t *testing.T) {
	buf := []byte{byte(StdinData), 0xff, 0xff, 0xff, 0xff}
	_, _, _, ok, err := Decode(buf)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrBadMessageType)
}

func TestWriteFrameReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, ControlCmd, []byte(`{"cmd":"resize"}`)))

	msgType, payload, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, ControlCmd, msgType)
	assert.JSONEq(t, `{"cmd":"resize"}`, string(payload))
}

func TestControlCmdMarshalResize(t *testing.T) {
	payload, err := MarshalControlCmd(ResizeCmd(120, 40))
	require.NoError(t, err)

	cmd, err := UnmarshalControlCmd(payload)
	require.NoError(t, err)
	assert.Equal(t, CmdResize, cmd.Cmd)
	assert.Equal(t, uint16(120), cmd.Cols)
	assert.Equal(t, uint16(40), cmd.Rows)
}

func TestControlCmdMarshalUpdateTitle(t *testing.T) {
	payload, err := MarshalControlCmd(UpdateTitleCmd("my session"))
	require.NoError(t, err)

	cmd, err := UnmarshalControlCmd(payload)
	require.NoError(t, err)
	assert.Equal(t, CmdUpdateTitle, cmd.Cmd)
	assert.Equal(t, "my session", cmd.Title)
}

func TestEncodeZeroLengthPayloadProducesExactlyHeaderBytes(t *testing.T) {
	buf := Encode(nil, StatusUpdate, nil)
	assert.Len(t, buf, 5)

	msgType, payload, consumed, ok, err := Decode(buf)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StatusUpdate, msgType)
	assert.Empty(t, payload)
	assert.Equal(t, 5, consumed)
}

func TestEncodeDecodeRoundTripAcrossPayloadSizesAndTypes(t *testing.T) {
	sizes := []int{0, 1, 4095, 4096, 65535}
	types := []MessageType{StdinData, ControlCmd, StatusUpdate, StdoutData, SessionInfo, Error}

	for _, size := range sizes {
		for _, msgType := range types {
			payload := bytes.Repeat([]byte{0xab}, size)
			buf := Encode(nil, msgType, payload)

			gotType, gotPayload, consumed, ok, err := Decode(buf)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, msgType, gotType)
			assert.Equal(t, payload, gotPayload)
			assert.Equal(t, len(buf), consumed)

			var wbuf bytes.Buffer
			require.NoError(t, WriteFrame(&wbuf, msgType, payload))
			rType, rPayload, err := ReadFrame(&wbuf)
			require.NoError(t, err)
			assert.Equal(t, msgType, rType)
			assert.Equal(t, payload, rPayload)
		}
	}
}

func TestStatusPayloadMarshalRoundTripWithExitCode(t *testing.T) {
	code := 17
	payload, err := MarshalStatus(StatusPayload{Status: "exited", ExitCode: &code})
	require.NoError(t, err)

	got, err := UnmarshalStatus(payload)
	require.NoError(t, err)
	assert.Equal(t, "exited", got.Status)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 17, *got.ExitCode)
}

func TestStatusPayloadMarshalRoundTripWithoutExitCode(t *testing.T) {
	payload, err := MarshalStatus(StatusPayload{Status: "exited"})
	require.NoError(t, err)

	got, err := UnmarshalStatus(payload)
	require.NoError(t, err)
	assert.Equal(t, "exited", got.Status)
	assert.Nil(t, got.ExitCode)
}

func TestControlCmdMarshalKill(t *testing.T) {
	payload, err := MarshalControlCmd(KillCmd("SIGTERM"))
	require.NoError(t, err)

	cmd, err := UnmarshalControlCmd(payload)
	require.NoError(t, err)
	assert.Equal(t, CmdKill, cmd.Cmd)
	assert.Equal(t, "SIGTERM", cmd.Signal)
}
