package protocol

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zorvalt/dlan/hash"
)

func roundTrip(t *testing.T, msg Message) Message {
	t.Helper()
	var buf bytes.Buffer
	_, err := msg.WriteTo(&buf)
	require.NoError(t, err)
	got, err := Decode(msg.Type(), buf.Bytes())
	require.NoError(t, err)
	return got
}

func TestMessageRoundTrip(t *testing.T) {
	h := hash.Sum([]byte("chunk"))

	cases := []Message{
		&GetEntriesMessage{Dir: Entry{Path: "/shared", Size: 0, IsDir: true}, GetRoots: true},
		&GetEntriesResultMessage{Entries: []Entry{
			{Path: "a.txt", Size: 10, Hash: h},
			{Path: "sub", IsDir: true},
		}},
		&GetHashesMessage{File: Entry{Path: "a.txt", Size: 10, Hash: h}},
		&GetHashesResultMessage{Status: HashesOK, NbHash: 3},
		&HashMessage{Hash: h},
		&GetChunkMessage{ChunkHash: h, Offset: 1024},
		&GetChunkResultMessage{Status: StatusOK, HasChunkSize: true, ChunkSize: 4096},
		&ChatMessage{Text: "hello"},
	}

	for _, c := range cases {
		got := roundTrip(t, c)
		assert.Equal(t, c, got)
	}
}

func TestWriteFrameReadFrame(t *testing.T) {
	local := hash.Sum([]byte("local"))
	remote := hash.Sum([]byte("remote"))
	msg := &ChatMessage{Text: "hi there"}

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, local, remote, msg))

	hdr, got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, local, hdr.LocalPeerID)
	assert.Equal(t, remote, hdr.RemotePeerID)
	assert.Equal(t, Chat, hdr.Type)
	assert.Equal(t, msg, got)
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	local := hash.Sum([]byte("local"))
	remote := hash.Sum([]byte("remote"))

	var buf bytes.Buffer
	buf.Write(local[:])
	buf.Write(remote[:])
	// type = GetChunk, absurd length
	_, err := (&fixedBuffer{}).Write(nil)
	require.NoError(t, err)
	writeUint32(&buf, uint32(GetChunk))
	writeUint32(&buf, 0xFFFFFFFF)

	_, _, err = ReadFrame(&buf)
	assert.Error(t, err)
}

func TestDecodeUnknownTypeErrors(t *testing.T) {
	_, err := Decode(MessageType(999), nil)
	assert.True(t, errors.Is(err, ErrUnknownType), "Decode must wrap ErrUnknownType so callers can skip rather than close")
}

func TestReadFrameUnknownTypeConsumesPayloadAndWrapsErrUnknownType(t *testing.T) {
	local := hash.Sum([]byte("local"))
	remote := hash.Sum([]byte("remote"))

	var buf bytes.Buffer
	buf.Write(local[:])
	buf.Write(remote[:])
	writeUint32(&buf, 999) // unknown type
	payload := []byte("unrecognized payload")
	writeUint32(&buf, uint32(len(payload)))
	buf.Write(payload)
	buf.WriteString("next frame starts here")

	hdr, msg, err := ReadFrame(&buf)
	require.True(t, errors.Is(err, ErrUnknownType))
	assert.Nil(t, msg)
	assert.EqualValues(t, 999, hdr.Type)
	// the unknown frame's payload must be fully consumed so the next
	// frame can be read from the same stream.
	assert.Equal(t, "next frame starts here", buf.String())
}
