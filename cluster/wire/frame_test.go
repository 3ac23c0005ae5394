package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type samplePayload struct {
	ClientID string
	NodeID   string
	LogicalT uint64
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	in := samplePayload{ClientID: "c1", NodeID: "n1", LogicalT: 42}

	f, err := Encode(FrameClientAttached, in)
	require.NoError(t, err)
	assert.Equal(t, FrameClientAttached, f.Type)

	var out samplePayload
	require.NoError(t, Decode(f, &out))
	assert.Equal(t, in, out)
}

func TestWriteReadFrameRoundTrip(t *testing.T) {
	in := samplePayload{ClientID: "c2", NodeID: "n2", LogicalT: 7}
	f, err := Encode(FrameRemotePublish, in)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, f))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, f.Type, got.Type)
	assert.Equal(t, f.Body, got.Body)

	var out samplePayload
	require.NoError(t, Decode(got, &out))
	assert.Equal(t, in, out)
}

func TestWriteReadFrameEmptyBody(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, Frame{Type: FrameHeartbeat}))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, FrameHeartbeat, got.Type)
	assert.Empty(t, got.Body)
}

func TestReadFrameRejectsInvalidType(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(0x00) // FrameReserved
	buf.WriteByte(0x00)

	_, err := ReadFrame(&buf)
	assert.ErrorIs(t, err, ErrInvalidType)
}

func TestReadFrameUnexpectedEOF(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader(nil))
	assert.ErrorIs(t, err, ErrUnexpectedEOF)
}

func TestVarIntRoundTripAllFrameLengths(t *testing.T) {
	lengths := []uint32{0, 1, 127, 128, 16383, 16384, 2097151, 2097152}
	for _, l := range lengths {
		enc, err := encodeVarInt(l)
		require.NoError(t, err)
		got, err := decodeVarInt(bytes.NewReader(enc))
		require.NoError(t, err)
		assert.Equal(t, l, got)
	}
}

func FuzzReadFrame(f *testing.F) {
	f.Add([]byte{0x01, 0x00})
	f.Add([]byte{0x05, 0x03, 0x01, 0x02, 0x03})
	f.Add([]byte{0x07, 0x00})

	f.Fuzz(func(t *testing.T, data []byte) {
		_, _ = ReadFrame(bytes.NewReader(data))
	})
}
