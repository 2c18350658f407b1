package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/Zorvalt/dlan/hash"
)

// MessageType identifies the kind of payload following a frame header.
type MessageType uint32

const (
	GetEntries MessageType = iota + 1
	GetEntriesResult
	GetHashes
	GetHashesResult
	HashType
	GetChunk
	GetChunkResult
	Chat
)

func (t MessageType) String() string {
	switch t {
	case GetEntries:
		return "GET_ENTRIES"
	case GetEntriesResult:
		return "GET_ENTRIES_RESULT"
	case GetHashes:
		return "GET_HASHES"
	case GetHashesResult:
		return "GET_HASHES_RESULT"
	case HashType:
		return "HASH"
	case GetChunk:
		return "GET_CHUNK"
	case GetChunkResult:
		return "GET_CHUNK_RESULT"
	case Chat:
		return "CHAT"
	default:
		return fmt.Sprintf("MessageType(%d)", uint32(t))
	}
}

// ChunkStatus is the status code carried by GET_CHUNK_RESULT.
type ChunkStatus uint32

const (
	StatusOK ChunkStatus = iota
	StatusDontHave
	StatusError
)

func (s ChunkStatus) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusDontHave:
		return "DONT_HAVE"
	case StatusError:
		return "ERROR"
	default:
		return fmt.Sprintf("ChunkStatus(%d)", uint32(s))
	}
}

// HashesStatus is the status code carried by GET_HASHES_RESULT.
type HashesStatus uint32

const (
	HashesOK HashesStatus = iota
	HashesUnknownEntry
)

// Message is implemented by every payload type in the message set. Decoding
// is driven by MessageType, not by any self-describing tag in the payload,
// mirroring the teacher's own framed wire messages.
type Message interface {
	Type() MessageType
	WriteTo(w io.Writer) (int64, error)
}

// Entry describes a single file or directory in the shared catalog. The
// core never interprets Entry beyond carrying it across the wire; contents
// and hashing are the external file manager's concern (spec.md §6).
type Entry struct {
	Path  string
	Size  uint64
	IsDir bool
	Hash  hash.Hash
}

func (e Entry) writeTo(w io.Writer) (int64, error) {
	var n int64
	nn, err := writeString(w, e.Path)
	n += nn
	if err != nil {
		return n, err
	}
	nn, err = writeUint64(w, e.Size)
	n += nn
	if err != nil {
		return n, err
	}
	nn, err = writeBool(w, e.IsDir)
	n += nn
	if err != nil {
		return n, err
	}
	written, err := w.Write(e.Hash[:])
	n += int64(written)
	return n, err
}

func readEntry(r io.Reader) (Entry, error) {
	var e Entry
	var err error
	if e.Path, err = readString(r); err != nil {
		return e, err
	}
	if e.Size, err = readUint64(r); err != nil {
		return e, err
	}
	if e.IsDir, err = readBool(r); err != nil {
		return e, err
	}
	if _, err = io.ReadFull(r, e.Hash[:]); err != nil {
		return e, err
	}
	return e, nil
}

// --- GET_ENTRIES ---

type GetEntriesMessage struct {
	Dir      Entry
	GetRoots bool
}

func (m *GetEntriesMessage) Type() MessageType { return GetEntries }

func (m *GetEntriesMessage) WriteTo(w io.Writer) (int64, error) {
	n, err := m.Dir.writeTo(w)
	if err != nil {
		return n, err
	}
	nn, err := writeBool(w, m.GetRoots)
	return n + nn, err
}

func decodeGetEntries(r io.Reader) (*GetEntriesMessage, error) {
	dir, err := readEntry(r)
	if err != nil {
		return nil, err
	}
	getRoots, err := readBool(r)
	if err != nil {
		return nil, err
	}
	return &GetEntriesMessage{Dir: dir, GetRoots: getRoots}, nil
}

// --- GET_ENTRIES_RESULT ---

type GetEntriesResultMessage struct {
	Entries []Entry
}

func (m *GetEntriesResultMessage) Type() MessageType { return GetEntriesResult }

func (m *GetEntriesResultMessage) WriteTo(w io.Writer) (int64, error) {
	n, err := writeUint32(w, uint32(len(m.Entries)))
	if err != nil {
		return n, err
	}
	for _, e := range m.Entries {
		nn, err := e.writeTo(w)
		n += nn
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func decodeGetEntriesResult(r io.Reader) (*GetEntriesResultMessage, error) {
	count, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, count)
	for i := uint32(0); i < count; i++ {
		e, err := readEntry(r)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return &GetEntriesResultMessage{Entries: entries}, nil
}

// --- GET_HASHES ---

type GetHashesMessage struct {
	File Entry
}

func (m *GetHashesMessage) Type() MessageType { return GetHashes }

func (m *GetHashesMessage) WriteTo(w io.Writer) (int64, error) {
	return m.File.writeTo(w)
}

func decodeGetHashes(r io.Reader) (*GetHashesMessage, error) {
	e, err := readEntry(r)
	if err != nil {
		return nil, err
	}
	return &GetHashesMessage{File: e}, nil
}

// --- GET_HASHES_RESULT ---

type GetHashesResultMessage struct {
	Status HashesStatus
	NbHash uint32
}

func (m *GetHashesResultMessage) Type() MessageType { return GetHashesResult }

func (m *GetHashesResultMessage) WriteTo(w io.Writer) (int64, error) {
	n, err := writeUint32(w, uint32(m.Status))
	if err != nil {
		return n, err
	}
	nn, err := writeUint32(w, m.NbHash)
	return n + nn, err
}

func decodeGetHashesResult(r io.Reader) (*GetHashesResultMessage, error) {
	status, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	nb, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	return &GetHashesResultMessage{Status: HashesStatus(status), NbHash: nb}, nil
}

// --- HASH ---

type HashMessage struct {
	Hash hash.Hash
}

func (m *HashMessage) Type() MessageType { return HashType }

func (m *HashMessage) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(m.Hash[:])
	return int64(n), err
}

func decodeHash(r io.Reader) (*HashMessage, error) {
	var h hash.Hash
	if _, err := io.ReadFull(r, h[:]); err != nil {
		return nil, err
	}
	return &HashMessage{Hash: h}, nil
}

// --- GET_CHUNK ---

type GetChunkMessage struct {
	ChunkHash hash.Hash
	Offset    uint64
}

func (m *GetChunkMessage) Type() MessageType { return GetChunk }

func (m *GetChunkMessage) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(m.ChunkHash[:])
	if err != nil {
		return int64(n), err
	}
	nn, err := writeUint64(w, m.Offset)
	return int64(n) + nn, err
}

func decodeGetChunk(r io.Reader) (*GetChunkMessage, error) {
	var h hash.Hash
	if _, err := io.ReadFull(r, h[:]); err != nil {
		return nil, err
	}
	offset, err := readUint64(r)
	if err != nil {
		return nil, err
	}
	return &GetChunkMessage{ChunkHash: h, Offset: offset}, nil
}

// --- GET_CHUNK_RESULT ---

// GetChunkResultMessage carries ChunkSize only when Status is StatusOK;
// HasChunkSize distinguishes "present and zero" from "field absent", which
// matters because an OK reply with no chunk_size field is itself a
// Remote-logical error per spec.md §4.3.
type GetChunkResultMessage struct {
	Status       ChunkStatus
	HasChunkSize bool
	ChunkSize    uint64
}

func (m *GetChunkResultMessage) Type() MessageType { return GetChunkResult }

func (m *GetChunkResultMessage) WriteTo(w io.Writer) (int64, error) {
	n, err := writeUint32(w, uint32(m.Status))
	if err != nil {
		return n, err
	}
	nn, err := writeBool(w, m.HasChunkSize)
	n += nn
	if err != nil {
		return n, err
	}
	nn, err = writeUint64(w, m.ChunkSize)
	return n + nn, err
}

func decodeGetChunkResult(r io.Reader) (*GetChunkResultMessage, error) {
	status, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	has, err := readBool(r)
	if err != nil {
		return nil, err
	}
	size, err := readUint64(r)
	if err != nil {
		return nil, err
	}
	return &GetChunkResultMessage{Status: ChunkStatus(status), HasChunkSize: has, ChunkSize: size}, nil
}

// --- CHAT ---

type ChatMessage struct {
	Text string
}

func (m *ChatMessage) Type() MessageType { return Chat }

func (m *ChatMessage) WriteTo(w io.Writer) (int64, error) {
	return writeString(w, m.Text)
}

func decodeChat(r io.Reader) (*ChatMessage, error) {
	s, err := readString(r)
	if err != nil {
		return nil, err
	}
	return &ChatMessage{Text: s}, nil
}

// Decode builds the concrete Message for typ from the raw payload bytes.
func Decode(typ MessageType, payload []byte) (Message, error) {
	r := &byteReader{b: payload}
	switch typ {
	case GetEntries:
		return decodeGetEntries(r)
	case GetEntriesResult:
		return decodeGetEntriesResult(r)
	case GetHashes:
		return decodeGetHashes(r)
	case GetHashesResult:
		return decodeGetHashesResult(r)
	case HashType:
		return decodeHash(r)
	case GetChunk:
		return decodeGetChunk(r)
	case GetChunkResult:
		return decodeGetChunkResult(r)
	case Chat:
		return decodeChat(r)
	default:
		return nil, fmt.Errorf("protocol: unknown message type %v: %w", typ, ErrUnknownType)
	}
}

// byteReader is a tiny io.Reader over an in-memory slice, used instead of
// bytes.Reader only to keep this file's dependency surface to stdlib io.
type byteReader struct {
	b []byte
}

func (r *byteReader) Read(p []byte) (int, error) {
	if len(r.b) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.b)
	r.b = r.b[n:]
	return n, nil
}

func writeUint32(w io.Writer, v uint32) (int64, error) {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	n, err := w.Write(buf[:])
	return int64(n), err
}

func readUint32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

func writeUint64(w io.Writer, v uint64) (int64, error) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	n, err := w.Write(buf[:])
	return int64(n), err
}

func readUint64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

func writeBool(w io.Writer, v bool) (int64, error) {
	var b [1]byte
	if v {
		b[0] = 1
	}
	n, err := w.Write(b[:])
	return int64(n), err
}

func readBool(r io.Reader) (bool, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return false, err
	}
	return b[0] != 0, nil
}

func writeString(w io.Writer, s string) (int64, error) {
	n, err := writeUint32(w, uint32(len(s)))
	if err != nil {
		return n, err
	}
	nn, err := io.WriteString(w, s)
	return n + int64(nn), err
}

func readString(r io.Reader) (string, error) {
	n, err := readUint32(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
