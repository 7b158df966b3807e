package packfile

import (
	"bufio"
	"bytes"
	"compress/zlib"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"sync"

	"github.com/git/packd/plumbing"
)

var signature = []byte{'P', 'A', 'C', 'K'}

var (
	// ErrEmptyPackfile is returned when no data is found in the pack.
	ErrEmptyPackfile = NewError("empty packfile")
	// ErrBadSignature is returned when the leading 4 bytes aren't "PACK".
	ErrBadSignature = NewError("malformed pack file signature")
	// ErrMalformedPackfile is returned for any other structural defect.
	ErrMalformedPackfile = NewError("malformed pack file")
	// ErrUnsupportedVersion is returned for a version other than V2.
	ErrUnsupportedVersion = NewError("unsupported packfile version")
	// ErrSeekNotSupported is returned by Seek when the underlying
	// reader is not an io.Seeker.
	ErrSeekNotSupported = NewError("not seek support")
	// ErrReferenceDeltaNotFound is returned by WriteObject when a
	// delta's content cannot be re-inflated from the pack.
	ErrReferenceDeltaNotFound = NewError("delta reference not found")
)

// Scanner provides sequential, single-pass access to a packfile's
// three sections in order: the header, each object entry, and the
// trailing checksum.
//
//	+------------------------------------------------+
//	| "PACK" (4) | version (4) | object count (4)     |   header
//	+------------------------------------------------+
//	| type+size header | base ref? | deflated payload  |   object, x N
//	+------------------------------------------------+
//	| SHA-1 checksum (20)                              |   footer
//	+------------------------------------------------+
//
// Delta objects are scanned but not resolved — their raw (still
// delta-encoded) bytes are captured so a Parser can resolve them once
// their base is known.
type Scanner struct {
	version Version
	objects uint32
	objIdx  int

	hasher plumbing.Hasher
	crc    hash.Hash32
	packh  hash.Hash

	nextFn stateFn

	packData PackData
	err      error

	m sync.Mutex

	*scannerReader
}

// NewScanner returns a Scanner reading from rs.
func NewScanner(rs io.Reader, opts ...ScannerOption) *Scanner {
	crc := crc32.NewIEEE()
	packh := plumbing.NewPlainHasher()

	s := &Scanner{
		objIdx: -1,
		hasher: plumbing.NewHasher(plumbing.AnyObject, 0),
		crc:    crc,
		packh:  packh,
		nextFn: packHeaderSignature,
	}

	for _, opt := range opts {
		opt(s)
	}

	s.scannerReader = newScannerReader(rs, io.MultiWriter(crc, packh))
	return s
}

// Scan advances to the next section. It returns false once the footer
// has been consumed or an error has occurred; call Error to tell
// those two cases apart.
func (s *Scanner) Scan() bool {
	s.m.Lock()
	defer s.m.Unlock()

	if s.err != nil || s.nextFn == nil {
		return false
	}

	if err := runScan(s); err != nil {
		s.err = err
		return false
	}
	return true
}

// Reset rewinds the scanner so the same source can be scanned again,
// provided the source is seekable.
func (s *Scanner) Reset() {
	s.Seek(0, io.SeekStart) //nolint:errcheck
	s.packh.Reset()
	s.crc.Reset()
	s.objIdx = -1
	s.version = 0
	s.objects = 0
	s.packData = PackData{}
	s.err = nil
	s.nextFn = packHeaderSignature
}

// Data returns the section produced by the last successful Scan call.
func (s *Scanner) Data() PackData {
	return s.packData
}

// Error returns the first error encountered, if any.
func (s *Scanner) Error() error {
	return s.err
}

// SeekFromStart repositions the scanner to an arbitrary object offset,
// re-reading the header first so subsequent parsing state is valid.
func (s *Scanner) SeekFromStart(offset int64) error {
	s.Reset()
	if !s.Scan() {
		return fmt.Errorf("failed to reset and read header: %w", s.Error())
	}
	_, err := s.Seek(offset, io.SeekStart)
	return err
}

// WriteObject writes oh's already-known content (or, for a seekable
// source, its re-inflated raw bytes) to w.
func (s *Scanner) WriteObject(oh *ObjectHeader, w io.Writer) error {
	if oh.content.Len() > 0 {
		_, err := io.Copy(w, &oh.content)
		return err
	}
	return s.inflateContent(oh.ContentOffset, w)
}

// inflateContent seeks to a raw deflated payload at contentOffset and
// copies its inflated bytes to w. Used to re-read a delta's base when
// it wasn't buffered in memory the first time it was scanned.
func (s *Scanner) inflateContent(contentOffset int64, w io.Writer) error {
	if s.seeker == nil {
		return plumbing.ErrObjectNotFound
	}

	if _, err := s.Seek(contentOffset, io.SeekStart); err != nil {
		return err
	}
	zr, err := zlib.NewReader(s.scannerReader)
	if err != nil {
		return ErrReferenceDeltaNotFound
	}
	defer zr.Close()

	_, err = io.Copy(w, zr)
	return err
}

func runScan(s *Scanner) error {
	for state := s.nextFn; state != nil; {
		next, err := state(s)
		if err != nil {
			return err
		}
		state = next
	}
	return nil
}

type stateFn func(*Scanner) (stateFn, error)

func packHeaderSignature(s *Scanner) (stateFn, error) {
	start := make([]byte, 4)
	if _, err := io.ReadFull(s, start); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadSignature, err)
	}
	if !bytes.Equal(start, signature) {
		return nil, ErrBadSignature
	}
	return packVersion, nil
}

func packVersion(s *Scanner) (stateFn, error) {
	v, err := readUint32(s)
	if err != nil {
		return nil, ErrMalformedPackfile.AddDetails("cannot read version: %w", err)
	}
	version := Version(v)
	if !version.Supported() {
		return nil, ErrUnsupportedVersion
	}
	s.version = version
	return packObjectsQty, nil
}

func packObjectsQty(s *Scanner) (stateFn, error) {
	qty, err := readUint32(s)
	if err != nil {
		return nil, ErrMalformedPackfile.AddDetails("cannot read object count: %w", err)
	}
	if qty == 0 {
		return packFooter, nil
	}

	s.objects = qty
	s.packData = PackData{
		Section: HeaderSection,
		header:  Header{Version: s.version, ObjectsQty: s.objects},
	}
	s.nextFn = objectEntry
	return nil, nil
}

func objectEntry(s *Scanner) (stateFn, error) {
	if s.objIdx+1 >= int(s.objects) {
		return packFooter, nil
	}
	s.objIdx++

	offset := s.Offset()
	s.Flush()
	s.crc.Reset()

	b := make([]byte, 1)
	if _, err := io.ReadFull(s, b); err != nil {
		return nil, err
	}

	typ := plumbing.ObjectType((b[0] & 0x70) >> 4)
	if !typ.Valid() {
		return nil, ErrMalformedPackfile.AddDetails("invalid object type %d", b[0])
	}

	size, err := readVariableLengthSize(b[0], s)
	if err != nil {
		return nil, err
	}

	oh := ObjectHeader{
		Offset:   offset,
		Type:     typ,
		diskType: typ,
		Size:     int64(size),
	}

	switch oh.Type {
	case plumbing.OFSDeltaObject:
		n, err := readOffsetDeltaDistance(s)
		if err != nil {
			return nil, err
		}
		oh.OffsetReference = oh.Offset - n
	case plumbing.REFDeltaObject:
		if _, err := oh.Reference.ReadFrom(s); err != nil {
			return nil, err
		}
	}

	oh.ContentOffset = s.Offset()

	zr, err := zlib.NewReader(s.scannerReader)
	if err != nil {
		return nil, fmt.Errorf("zlib: %w", err)
	}

	if !oh.Type.IsDelta() {
		s.hasher.Reset(oh.Type, oh.Size)
		var mw io.Writer = s.hasher
		mw = io.MultiWriter(mw, &oh.content)

		if _, err := io.Copy(mw, zr); err != nil {
			zr.Close()
			return nil, err
		}
		oh.Hash = s.hasher.Sum()
	} else {
		if _, err := oh.content.ReadFrom(zr); err != nil {
			zr.Close()
			return nil, err
		}
	}
	if err := zr.Close(); err != nil {
		return nil, err
	}

	s.Flush()
	oh.Crc32 = s.crc.Sum32()

	s.packData.Section = ObjectSection
	s.packData.objectHeader = oh
	return nil, nil
}

func packFooter(s *Scanner) (stateFn, error) {
	s.Flush()
	actual := s.packh.Sum(nil)

	var checksum plumbing.Hash
	if _, err := checksum.ReadFrom(s.scannerReader); err != nil {
		return nil, ErrMalformedPackfile.AddDetails("cannot read checksum: %w", err)
	}

	if checksum.Compare(actual) != 0 {
		return nil, ErrMalformedPackfile.AddDetails(
			"checksum mismatch: expected %x, got %s", actual, checksum)
	}

	s.packData.Section = FooterSection
	s.packData.checksum = checksum
	s.nextFn = nil
	return nil, nil
}

func readUint32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]), nil
}

// readVariableLengthSize decodes the object's content size: the low 4
// bits of first plus, if the continuation bit is set, 7 more bits per
// following byte, least-significant chunk first.
func readVariableLengthSize(first byte, r io.ByteReader) (uint64, error) {
	size := uint64(first & 0x0f)
	if first&0x80 == 0 {
		return size, nil
	}

	shift := uint(4)
	for {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		size |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			break
		}
		shift += 7
	}
	return size, nil
}

// readOffsetDeltaDistance decodes an OFS-delta's backward distance to
// its base. Unlike a plain LEB128 varint, each continuation byte adds
// an implicit offset of 2^(7*n) so that every byte count has a unique
// encoding with no redundant representations.
func readOffsetDeltaDistance(r io.ByteReader) (int64, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, err
	}

	n := int64(b & 0x7f)
	for b&0x80 != 0 {
		b, err = r.ReadByte()
		if err != nil {
			return 0, err
		}
		n++
		n = (n << 7) | int64(b&0x7f)
	}
	return n, nil
}
