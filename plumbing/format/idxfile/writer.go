package idxfile

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"github.com/git/packd/plumbing"
)

// Writer implements packfile.Observer, accumulating one entry per
// object scanned and producing a MemoryIndex once the scan's footer
// callback fires. Unlike a naive builder it supports packs larger than
// 2GiB, escaping any offset above the 31-bit range into the 64-bit
// offset table instead of panicking.
type Writer struct {
	entries  []writerEntry
	checksum plumbing.Hash
	finished bool
}

type writerEntry struct {
	hash   plumbing.Hash
	offset int64
	crc32  uint32
}

// OnHeader implements packfile.Observer.
func (w *Writer) OnHeader(count uint32) error {
	w.entries = make([]writerEntry, 0, count)
	return nil
}

// OnInflatedObjectHeader implements packfile.Observer.
func (w *Writer) OnInflatedObjectHeader(t plumbing.ObjectType, objSize, pos int64) error {
	return nil
}

// OnInflatedObjectContent implements packfile.Observer.
func (w *Writer) OnInflatedObjectContent(h plumbing.Hash, pos int64, crc uint32, content []byte) error {
	w.entries = append(w.entries, writerEntry{hash: h, offset: pos, crc32: crc})
	return nil
}

// OnFooter implements packfile.Observer.
func (w *Writer) OnFooter(h plumbing.Hash) error {
	w.checksum = h
	w.finished = true
	return nil
}

// Finished reports whether a footer has been observed.
func (w *Writer) Finished() bool {
	return w.finished
}

type byHash []writerEntry

func (s byHash) Len() int           { return len(s) }
func (s byHash) Less(i, j int) bool { return s[i].hash.Compare(s[j].hash.Bytes()) < 0 }
func (s byHash) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }

// Index builds a MemoryIndex from the entries observed so far. It
// aborts if the same object id was recorded twice: once sorted, two
// equal ids are always adjacent, so a single consecutive-pair scan is
// enough to catch it before any fanout/offset table is built from it.
func (w *Writer) Index() (*MemoryIndex, error) {
	sort.Sort(byHash(w.entries))

	for i := 1; i < len(w.entries); i++ {
		if w.entries[i].hash == w.entries[i-1].hash {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateObject, w.entries[i].hash)
		}
	}

	idx := NewMemoryIndex()

	last := -1
	bucket := -1
	var off64 []byte

	for i, e := range w.entries {
		b := e.hash[0]

		for j := last + 1; j < int(b); j++ {
			idx.Fanout[j] = uint32(i)
		}
		idx.Fanout[b] = uint32(i + 1)

		if last != int(b) {
			bucket++
			idx.FanoutMapping[b] = bucket
			last = int(b)

			idx.Names = append(idx.Names, nil)
			idx.Offset32 = append(idx.Offset32, nil)
			idx.CRC32 = append(idx.CRC32, nil)
		}

		idx.Names[bucket] = append(idx.Names[bucket], e.hash[:]...)

		var crcBuf [4]byte
		binary.BigEndian.PutUint32(crcBuf[:], e.crc32)
		idx.CRC32[bucket] = append(idx.CRC32[bucket], crcBuf[:]...)

		var offBuf [4]byte
		if e.offset > math.MaxInt32 {
			idx64 := len(off64) / 8
			binary.BigEndian.PutUint32(offBuf[:], uint32(idx64)|uint32(is64BitsMask))

			var b8 [8]byte
			binary.BigEndian.PutUint64(b8[:], uint64(e.offset))
			off64 = append(off64, b8[:]...)
		} else {
			binary.BigEndian.PutUint32(offBuf[:], uint32(e.offset))
		}
		idx.Offset32[bucket] = append(idx.Offset32[bucket], offBuf[:]...)
	}

	for j := last + 1; j < fanoutEntries; j++ {
		idx.Fanout[j] = uint32(len(w.entries))
	}

	idx.Offset64 = off64
	idx.PackfileChecksum = w.checksum

	return idx, nil
}
