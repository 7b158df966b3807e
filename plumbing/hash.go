package plumbing

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"sort"

	"github.com/pjbgf/sha1cd"
)

// HashSize is the width, in bytes, of the legacy object id this module
// speaks on the wire.
const HashSize = 20

// Hash is a fixed-width content-addressed object id. Equality is byte
// equality; ordering is lexicographic, the order the pack index sorts by.
type Hash [HashSize]byte

// ZeroHash is the all-zero Hash.
var ZeroHash Hash

// NewHash parses a hex string into a Hash. An invalid or short input
// yields a zero-padded best-effort result, matching git's own lenient
// parsing of partial object ids used in plumbing contexts.
func NewHash(s string) Hash {
	var h Hash
	b, _ := hex.DecodeString(s)
	copy(h[:], b)
	return h
}

// IsZero reports whether h is the zero hash.
func (h Hash) IsZero() bool {
	return h == ZeroHash
}

// String returns the lowercase hex representation of h.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Bytes returns the raw 20 bytes of h.
func (h Hash) Bytes() []byte {
	return h[:]
}

// Compare compares h against raw bytes, as bytes.Compare would.
func (h Hash) Compare(b []byte) int {
	return bytes.Compare(h[:], b)
}

// ReadFrom reads HashSize bytes from r into h, implementing io.ReaderFrom
// so a Hash can be decoded directly off a pack or index stream.
func (h *Hash) ReadFrom(r io.Reader) (int64, error) {
	n, err := io.ReadFull(r, h[:])
	return int64(n), err
}

// WriteTo writes h's raw bytes to w.
func (h Hash) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(h[:])
	return int64(n), err
}

// Hasher accumulates a header plus content and produces the resulting
// object Hash, matching the loose-object wire identity:
// hash("<type> <size>\0" || content).
//
// The underlying algorithm is sha1cd, a drop-in SHA-1 that additionally
// detects the known chosen-prefix collision attack (shattered-style
// collisions) instead of silently accepting the forged hash — this is
// what gives teeth to the collision-safety property in §8 of the spec.
type Hasher struct {
	h hash.Hash
}

// NewHasher returns a Hasher reset for the given type and size.
func NewHasher(t ObjectType, size int64) Hasher {
	h := Hasher{h: sha1cd.New()}
	h.Reset(t, size)
	return h
}

// Reset rewinds the hasher and feeds it a fresh loose-object header.
func (h *Hasher) Reset(t ObjectType, size int64) {
	h.h.Reset()
	fmt.Fprintf(h.h, "%s %d\x00", t, size)
}

// Write feeds object content into the hasher.
func (h *Hasher) Write(p []byte) (int, error) {
	return h.h.Write(p)
}

// Sum finalizes and returns the computed Hash.
func (h Hasher) Sum() Hash {
	var out Hash
	copy(out[:], h.h.Sum(nil))
	return out
}

// NewPlainHasher returns a raw sha1cd hash.Hash with no object header
// prepended, for checksumming arbitrary byte streams such as a pack or
// index file's trailing digest.
func NewPlainHasher() hash.Hash {
	return sha1cd.New()
}

// HashesSort sorts a slice of Hashes in increasing lexicographic order,
// the order the pack index requires.
func HashesSort(a []Hash) {
	sort.Sort(HashSlice(a))
}

// HashSlice attaches sort.Interface to []Hash.
type HashSlice []Hash

func (p HashSlice) Len() int           { return len(p) }
func (p HashSlice) Less(i, j int) bool { return p[i].Compare(p[j].Bytes()) < 0 }
func (p HashSlice) Swap(i, j int)      { p[i], p[j] = p[j], p[i] }
