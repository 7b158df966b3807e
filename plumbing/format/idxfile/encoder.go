package idxfile

import (
	"encoding/binary"
	"hash"
	"io"

	"github.com/git/packd/plumbing"
)

// Encoder writes a MemoryIndex in the version-2 on-disk layout.
type Encoder struct {
	w      io.Writer
	hasher hash.Hash
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w, hasher: plumbing.NewPlainHasher()}
}

func (e *Encoder) write(p []byte) (int, error) {
	n, err := e.w.Write(p)
	if n > 0 {
		e.hasher.Write(p[:n])
	}
	return n, err
}

// Encode writes idx and returns the number of bytes written.
func (e *Encoder) Encode(idx *MemoryIndex) (int, error) {
	steps := []func(*MemoryIndex) (int, error){
		e.encodeHeader,
		e.encodeFanout,
		e.encodeHashes,
		e.encodeCRC32,
		e.encodeOffsets,
		e.encodeChecksums,
	}

	sz := 0
	for _, step := range steps {
		n, err := step(idx)
		sz += n
		if err != nil {
			return sz, err
		}
	}
	return sz, nil
}

func (e *Encoder) encodeHeader(idx *MemoryIndex) (int, error) {
	n, err := e.write(idxHeader)
	if err != nil {
		return n, err
	}

	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], idx.Version)
	m, err := e.write(buf[:])
	return n + m, err
}

func (e *Encoder) encodeFanout(idx *MemoryIndex) (int, error) {
	var buf [4]byte
	size := 0
	for _, c := range idx.Fanout {
		binary.BigEndian.PutUint32(buf[:], c)
		n, err := e.write(buf[:])
		size += n
		if err != nil {
			return size, err
		}
	}
	return size, nil
}

func (e *Encoder) encodeHashes(idx *MemoryIndex) (int, error) {
	size := 0
	for k := 0; k < fanoutEntries; k++ {
		pos := idx.FanoutMapping[k]
		if pos == noMapping {
			continue
		}
		n, err := e.write(idx.Names[pos])
		size += n
		if err != nil {
			return size, err
		}
	}
	return size, nil
}

func (e *Encoder) encodeCRC32(idx *MemoryIndex) (int, error) {
	size := 0
	for k := 0; k < fanoutEntries; k++ {
		pos := idx.FanoutMapping[k]
		if pos == noMapping {
			continue
		}
		n, err := e.write(idx.CRC32[pos])
		size += n
		if err != nil {
			return size, err
		}
	}
	return size, nil
}

func (e *Encoder) encodeOffsets(idx *MemoryIndex) (int, error) {
	size := 0
	for k := 0; k < fanoutEntries; k++ {
		pos := idx.FanoutMapping[k]
		if pos == noMapping {
			continue
		}
		n, err := e.write(idx.Offset32[pos])
		size += n
		if err != nil {
			return size, err
		}
	}

	if len(idx.Offset64) > 0 {
		n, err := e.write(idx.Offset64)
		size += n
		if err != nil {
			return size, err
		}
	}

	return size, nil
}

func (e *Encoder) encodeChecksums(idx *MemoryIndex) (int, error) {
	n1, err := e.write(idx.PackfileChecksum.Bytes())
	if err != nil {
		return n1, err
	}

	copy(idx.IdxChecksum[:], e.hasher.Sum(nil))

	n2, err := e.w.Write(idx.IdxChecksum.Bytes())
	return n1 + n2, err
}
