// Package hash defines the opaque 20-byte identifier shared by peers and
// chunks, in the same style the teacher uses for its own 20-byte
// InfoHash/PeerID values.
package hash

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
)

// Size is the length in bytes of a Hash.
const Size = 20

// Hash is an opaque content or peer identifier. The zero value is the all
// zero hash and is a valid (if unlikely) value.
type Hash [Size]byte

var _ fmt.Stringer = Hash{}

// Sum computes the Hash of b.
func Sum(b []byte) Hash {
	return Hash(sha1.Sum(b))
}

// Less orders hashes byte-wise, used as the final tie-break in peer
// selection ("lowest peer ID wins").
func (h Hash) Less(other Hash) bool {
	for i := range h {
		if h[i] != other[i] {
			return h[i] < other[i]
		}
	}
	return false
}

func (h Hash) IsZero() bool {
	return h == Hash{}
}

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// FromHex decodes a hex-encoded Hash, as produced by String.
func FromHex(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, err
	}
	if len(b) != Size {
		return h, fmt.Errorf("hash: decoded %d bytes, want %d", len(b), Size)
	}
	copy(h[:], b)
	return h, nil
}
