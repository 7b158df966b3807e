package idxfile

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/git/packd/plumbing"
)

// Decoder reads a version-2 index file into a MemoryIndex.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Decode populates idx from the decoder's stream.
func (d *Decoder) Decode(idx *MemoryIndex) error {
	steps := []func(*MemoryIndex) error{
		d.decodeHeader,
		d.decodeFanout,
		d.decodeHashes,
		d.decodeCRC32,
		d.decodeOffsets,
		d.decodeChecksums,
	}

	for _, step := range steps {
		if err := step(idx); err != nil {
			return err
		}
	}
	return nil
}

func (d *Decoder) decodeHeader(idx *MemoryIndex) error {
	var header [4]byte
	if _, err := io.ReadFull(d.r, header[:]); err != nil {
		return err
	}
	if !bytes.Equal(header[:], idxHeader) {
		return fmt.Errorf("%w: bad signature", ErrInvalidIndex)
	}

	var v [4]byte
	if _, err := io.ReadFull(d.r, v[:]); err != nil {
		return err
	}
	idx.Version = binary.BigEndian.Uint32(v[:])
	if idx.Version != VersionSupported {
		return fmt.Errorf("%w: unsupported version %d", ErrInvalidIndex, idx.Version)
	}
	return nil
}

func (d *Decoder) decodeFanout(idx *MemoryIndex) error {
	var buf [4]byte
	for i := 0; i < fanoutEntries; i++ {
		if _, err := io.ReadFull(d.r, buf[:]); err != nil {
			return err
		}
		idx.Fanout[i] = binary.BigEndian.Uint32(buf[:])
	}

	last := -1
	bucket := -1
	for i := range idx.FanoutMapping {
		idx.FanoutMapping[i] = noMapping
	}
	for i := 0; i < fanoutEntries; i++ {
		count := idx.Fanout[i]
		if i > 0 {
			count -= idx.Fanout[i-1]
		}
		if count == 0 {
			continue
		}
		bucket++
		last = i
		idx.FanoutMapping[i] = bucket
	}
	_ = last
	return nil
}

func (d *Decoder) bucketCounts(idx *MemoryIndex) []int {
	counts := make([]int, 0, fanoutEntries)
	for i := 0; i < fanoutEntries; i++ {
		if idx.FanoutMapping[i] == noMapping {
			continue
		}
		var before uint32
		if i > 0 {
			before = idx.Fanout[i-1]
		}
		counts = append(counts, int(idx.Fanout[i]-before))
	}
	return counts
}

func (d *Decoder) decodeHashes(idx *MemoryIndex) error {
	counts := d.bucketCounts(idx)
	idx.Names = make([][]byte, len(counts))
	for i, c := range counts {
		buf := make([]byte, c*plumbing.HashSize)
		if _, err := io.ReadFull(d.r, buf); err != nil {
			return err
		}
		idx.Names[i] = buf
	}
	return nil
}

func (d *Decoder) decodeCRC32(idx *MemoryIndex) error {
	counts := d.bucketCounts(idx)
	idx.CRC32 = make([][]byte, len(counts))
	for i, c := range counts {
		buf := make([]byte, c*4)
		if _, err := io.ReadFull(d.r, buf); err != nil {
			return err
		}
		idx.CRC32[i] = buf
	}
	return nil
}

func (d *Decoder) decodeOffsets(idx *MemoryIndex) error {
	counts := d.bucketCounts(idx)
	idx.Offset32 = make([][]byte, len(counts))

	var n64 int
	for i, c := range counts {
		buf := make([]byte, c*4)
		if _, err := io.ReadFull(d.r, buf); err != nil {
			return err
		}
		idx.Offset32[i] = buf

		for j := 0; j < c; j++ {
			v := binary.BigEndian.Uint32(buf[j*4 : j*4+4])
			if v&uint32(is64BitsMask) != 0 {
				n64++
			}
		}
	}

	if n64 > 0 {
		idx.Offset64 = make([]byte, n64*8)
		if _, err := io.ReadFull(d.r, idx.Offset64); err != nil {
			return err
		}
	}
	return nil
}

func (d *Decoder) decodeChecksums(idx *MemoryIndex) error {
	if _, err := io.ReadFull(d.r, idx.PackfileChecksum[:]); err != nil {
		return err
	}
	if _, err := io.ReadFull(d.r, idx.IdxChecksum[:]); err != nil {
		return err
	}
	return nil
}
