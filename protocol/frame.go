// Package protocol implements the peer wire protocol: the framed message
// header and the GET_ENTRIES/GET_HASHES/GET_CHUNK/CHAT message set.
//
// Payloads are hand-encoded binary, not protobuf (see the expanded spec's
// Open Question resolutions) — the same approach the teacher uses for its
// own BitTorrent wire messages: each Message knows how to WriteTo a writer,
// and Decode switches on the wire type to build the right concrete value.
// This keeps the protocol dependency-free and testable without a protoc
// step.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pkg/errors"

	"github.com/Zorvalt/dlan/hash"
)

// MaxFrameLength bounds the payload length field to guard against a
// corrupt or malicious peer claiming an absurd frame size.
const MaxFrameLength = 64 << 20

// ErrUnknownType is returned (wrapped) by ReadFrame/Decode when a frame's
// declared type isn't one this version understands. The frame's payload
// has already been read off the wire by the time this is returned, so the
// caller can discard it and keep reading the next frame instead of
// closing the connection — the forward-compatibility behavior spec.md §6
// requires ("unknown fields must be ignored").
var ErrUnknownType = errors.New("protocol: unknown message type")

// FrameHeader is the fixed-size prefix of every framed message:
// [local_peer_id 20B][remote_peer_id 20B][type u32][length u32].
type FrameHeader struct {
	LocalPeerID  hash.Hash
	RemotePeerID hash.Hash
	Type         MessageType
	Length       uint32
}

const frameHeaderLen = hash.Size*2 + 4 + 4

// WriteFrame writes header and the encoded payload of msg to w.
func WriteFrame(w io.Writer, localPeerID, remotePeerID hash.Hash, msg Message) error {
	var payload fixedBuffer
	if _, err := msg.WriteTo(&payload); err != nil {
		return errors.Wrap(err, "encoding payload")
	}
	if len(payload.b) > MaxFrameLength {
		return fmt.Errorf("protocol: payload length %d exceeds max frame length %d", len(payload.b), MaxFrameLength)
	}

	var hdr [frameHeaderLen]byte
	copy(hdr[0:hash.Size], localPeerID[:])
	copy(hdr[hash.Size:2*hash.Size], remotePeerID[:])
	binary.BigEndian.PutUint32(hdr[2*hash.Size:2*hash.Size+4], uint32(msg.Type()))
	binary.BigEndian.PutUint32(hdr[2*hash.Size+4:], uint32(len(payload.b)))

	if _, err := w.Write(hdr[:]); err != nil {
		return errors.Wrap(err, "writing frame header")
	}
	if _, err := w.Write(payload.b); err != nil {
		return errors.Wrap(err, "writing frame payload")
	}
	return nil
}

// ReadFrameHeader reads and validates a FrameHeader from r.
func ReadFrameHeader(r io.Reader) (FrameHeader, error) {
	var buf [frameHeaderLen]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return FrameHeader{}, err
	}
	return decodeFrameHeader(buf[:])
}

// PeekFrameHeader reads a FrameHeader from r exactly like ReadFrameHeader,
// additionally returning the raw header bytes consumed. A caller that
// must inspect the header before committing to the connection — e.g.
// ConnectionPool's accept(socket), which cross-checks the sender's
// declared peer ID against the pool it's being accepted into, per
// spec.md §4.2 — can prepend these bytes back onto the stream once the
// check passes, so the normal framed read loop sees the same bytes it
// would have without the peek.
func PeekFrameHeader(r io.Reader) (FrameHeader, []byte, error) {
	buf := make([]byte, frameHeaderLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return FrameHeader{}, nil, err
	}
	hdr, err := decodeFrameHeader(buf)
	return hdr, buf, err
}

func decodeFrameHeader(buf []byte) (FrameHeader, error) {
	var hdr FrameHeader
	copy(hdr.LocalPeerID[:], buf[0:hash.Size])
	copy(hdr.RemotePeerID[:], buf[hash.Size:2*hash.Size])
	hdr.Type = MessageType(binary.BigEndian.Uint32(buf[2*hash.Size : 2*hash.Size+4]))
	hdr.Length = binary.BigEndian.Uint32(buf[2*hash.Size+4:])
	if hdr.Length > MaxFrameLength {
		return hdr, fmt.Errorf("protocol: frame length %d exceeds max frame length %d", hdr.Length, MaxFrameLength)
	}
	return hdr, nil
}

// ReadFrame reads a complete header+payload frame from r and decodes the
// payload into a concrete Message. The payload is always fully read off r
// before decoding is attempted, even for a type this version doesn't
// know: on an unknown type, ReadFrame returns the populated header and an
// error wrapping ErrUnknownType, and the caller can skip to the next
// frame instead of closing the connection (forward compatibility, per
// spec.md §6).
func ReadFrame(r io.Reader) (FrameHeader, Message, error) {
	hdr, err := ReadFrameHeader(r)
	if err != nil {
		return hdr, nil, err
	}
	payload := make([]byte, hdr.Length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return hdr, nil, errors.Wrap(err, "reading frame payload")
	}
	msg, err := Decode(hdr.Type, payload)
	if err != nil {
		return hdr, nil, err
	}
	return hdr, msg, nil
}

// fixedBuffer is a minimal io.Writer accumulating bytes, avoiding a
// dependency on bytes.Buffer's growth semantics mattering here.
type fixedBuffer struct {
	b []byte
}

func (f *fixedBuffer) Write(p []byte) (int, error) {
	f.b = append(f.b, p...)
	return len(p), nil
}
