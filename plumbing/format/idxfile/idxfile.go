// Package idxfile implements the pack index (.idx) format: a 256-entry
// fan-out table over sorted object ids, followed by per-object CRC32s
// and pack offsets, with a 31-bit offset escape into a trailing 64-bit
// offset table for packs larger than 2GiB.
package idxfile

import (
	"bytes"
	"errors"
	"io"
	"sort"

	"github.com/git/packd/plumbing"
)

const (
	// VersionSupported is the only index version this package produces
	// or consumes.
	VersionSupported = 2

	fanoutEntries = 256
	noMapping     = -1

	is64BitsMask = uint64(1) << 31
)

// idxHeader is the magic 4 bytes every version-2 index starts with,
// distinguishing it from the headerless version-1 layout.
var idxHeader = []byte{255, 't', 'O', 'c'}

// ErrInvalidIndex is returned when an index file fails structural
// validation during decoding.
var ErrInvalidIndex = errors.New("idxfile: invalid index")

// ErrDuplicateObject is returned by Writer.Index when the same object
// id was observed more than once while building an index: a pack must
// never contain two entries for the same id.
var ErrDuplicateObject = errors.New("idxfile: duplicate object id")

// Entry is a single object's record inside an index.
type Entry struct {
	Hash   plumbing.Hash
	Offset int64
	CRC32  uint32
}

// EntryIter iterates an index's entries in hash order.
type EntryIter interface {
	Next() (*Entry, error)
	Close() error
}

// Index is the read side of a pack index: hash-to-offset and
// offset-to-hash resolution plus per-object CRC32 and full iteration.
type Index interface {
	Contains(h plumbing.Hash) (bool, error)
	FindOffset(h plumbing.Hash) (int64, error)
	FindHash(offset int64) (plumbing.Hash, error)
	FindCRC32(h plumbing.Hash) (uint32, error)
	Count() (int64, error)
	Entries() (EntryIter, error)
}

// MemoryIndex is a fully materialized, in-memory Index. Its field
// layout mirrors the on-disk encoding directly (bucketed by first hash
// byte) so encoding and decoding are close to a straight memcpy.
type MemoryIndex struct {
	Version uint32

	Fanout        [fanoutEntries]uint32
	FanoutMapping [fanoutEntries]int

	Names    [][]byte // one slice per populated fanout bucket, 20 bytes per entry
	Offset32 [][]byte // one slice per populated fanout bucket, 4 bytes per entry
	CRC32    [][]byte // one slice per populated fanout bucket, 4 bytes per entry
	Offset64 []byte   // 8-byte big-endian entries, appended in escape order

	PackfileChecksum plumbing.Hash
	IdxChecksum      plumbing.Hash
}

var _ Index = (*MemoryIndex)(nil)

// NewMemoryIndex returns an empty index with every fanout bucket
// unmapped, ready for Decode to populate.
func NewMemoryIndex() *MemoryIndex {
	idx := &MemoryIndex{Version: VersionSupported}
	for i := range idx.FanoutMapping {
		idx.FanoutMapping[i] = noMapping
	}
	return idx
}

func (idx *MemoryIndex) bucketRange(h plumbing.Hash) (bucket, lo, hi int, ok bool) {
	bucket = idx.FanoutMapping[h[0]]
	if bucket == noMapping {
		return 0, 0, 0, false
	}

	var before uint32
	if int(h[0]) > 0 {
		before = idx.Fanout[h[0]-1]
	}
	count := idx.Fanout[h[0]] - before
	return bucket, 0, int(count), true
}

func (idx *MemoryIndex) search(h plumbing.Hash) (bucket, pos int, ok bool) {
	bucket, lo, hi, ok := idx.bucketRange(h)
	if !ok {
		return 0, 0, false
	}

	names := idx.Names[bucket]
	n := hi - lo
	i := sort.Search(n, func(i int) bool {
		off := (lo + i) * plumbing.HashSize
		return bytes.Compare(names[off:off+plumbing.HashSize], h[:]) >= 0
	})
	if i >= n {
		return bucket, 0, false
	}
	off := (lo + i) * plumbing.HashSize
	if !bytes.Equal(names[off:off+plumbing.HashSize], h[:]) {
		return bucket, 0, false
	}
	return bucket, lo + i, true
}

// Contains reports whether h is present in the index.
func (idx *MemoryIndex) Contains(h plumbing.Hash) (bool, error) {
	_, _, ok := idx.search(h)
	return ok, nil
}

// FindOffset returns the pack offset recorded for h.
func (idx *MemoryIndex) FindOffset(h plumbing.Hash) (int64, error) {
	bucket, pos, ok := idx.search(h)
	if !ok {
		return 0, plumbing.ErrObjectNotFound
	}

	off := pos * 4
	raw := beUint32(idx.Offset32[bucket][off : off+4])
	if raw&uint32(is64BitsMask) == 0 {
		return int64(raw), nil
	}

	idx64 := int(raw &^ uint32(is64BitsMask))
	start := idx64 * 8
	if start+8 > len(idx.Offset64) {
		return 0, ErrInvalidIndex
	}
	return int64(beUint64(idx.Offset64[start : start+8])), nil
}

// FindCRC32 returns the CRC32 recorded for h.
func (idx *MemoryIndex) FindCRC32(h plumbing.Hash) (uint32, error) {
	bucket, pos, ok := idx.search(h)
	if !ok {
		return 0, plumbing.ErrObjectNotFound
	}
	off := pos * 4
	return beUint32(idx.CRC32[bucket][off : off+4]), nil
}

// FindHash does a linear scan for the entry recording offset. The
// index format has no reverse mapping; callers needing this often
// (the indexer's delta-base resolution) should cache the result.
func (idx *MemoryIndex) FindHash(offset int64) (plumbing.Hash, error) {
	it, err := idx.Entries()
	if err != nil {
		return plumbing.ZeroHash, err
	}
	defer it.Close()

	for {
		e, err := it.Next()
		if err == io.EOF {
			return plumbing.ZeroHash, plumbing.ErrObjectNotFound
		}
		if err != nil {
			return plumbing.ZeroHash, err
		}
		if e.Offset == offset {
			return e.Hash, nil
		}
	}
}

// Count returns the total number of indexed objects.
func (idx *MemoryIndex) Count() (int64, error) {
	return int64(idx.Fanout[fanoutEntries-1]), nil
}

// Entries returns an iterator over every entry in hash order.
func (idx *MemoryIndex) Entries() (EntryIter, error) {
	return &memoryIndexIter{idx: idx}, nil
}

type memoryIndexIter struct {
	idx    *MemoryIndex
	bucket int
	pos    int
}

func (it *memoryIndexIter) Next() (*Entry, error) {
	idx := it.idx
	for it.bucket < fanoutEntries {
		b := idx.FanoutMapping[it.bucket]
		if b == noMapping {
			it.bucket++
			it.pos = 0
			continue
		}

		var before uint32
		if it.bucket > 0 {
			before = idx.Fanout[it.bucket-1]
		}
		count := int(idx.Fanout[it.bucket] - before)
		if it.pos >= count {
			it.bucket++
			it.pos = 0
			continue
		}

		pos := it.pos
		it.pos++

		var h plumbing.Hash
		copy(h[:], idx.Names[b][pos*plumbing.HashSize:(pos+1)*plumbing.HashSize])
		crc := beUint32(idx.CRC32[b][pos*4 : pos*4+4])

		offset, err := idx.FindOffset(h)
		if err != nil {
			return nil, err
		}

		return &Entry{Hash: h, Offset: offset, CRC32: crc}, nil
	}
	return nil, io.EOF
}

func (it *memoryIndexIter) Close() error {
	it.bucket = fanoutEntries
	return nil
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func beUint64(b []byte) uint64 {
	return uint64(beUint32(b[:4]))<<32 | uint64(beUint32(b[4:]))
}
