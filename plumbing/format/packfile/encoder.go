package packfile

import (
	"compress/zlib"
	"fmt"
	"hash"
	"hash/crc32"
	"io"

	"github.com/git/packd/plumbing"
	"github.com/git/packd/storer"
)

// Encoder serializes a set of objects into a single packfile, selecting
// delta bases from a sliding window before writing, and notifying any
// registered observers (typically an idxfile.Writer) with the same
// header/object/footer callbacks a Scanner would produce from reading
// the result back.
type Encoder struct {
	store storer.ObjectStore

	w      *countingWriter
	crc    hash.Hash32
	packh  hash.Hash
	zw     *zlib.Writer
	offset map[plumbing.Hash]int64

	deltaWindowSize uint
	preferRefDeltas bool
	observers       []Observer
}

// NewEncoder returns an Encoder writing to w, resolving object content
// from store.
func NewEncoder(w io.Writer, store storer.ObjectStore, opts ...EncoderOption) *Encoder {
	crc := crc32.NewIEEE()
	packh := plumbing.NewPlainHasher()

	e := &Encoder{
		store:  store,
		crc:    crc,
		packh:  packh,
		offset: make(map[plumbing.Hash]int64),
	}
	for _, opt := range opts {
		opt(e)
	}

	mw := io.MultiWriter(crc, packh)
	e.w = newCountingWriter(io.MultiWriter(w, mw))
	e.zw = zlib.NewWriter(e.w)
	return e
}

// Encode resolves hashes, selects deltas, and writes the resulting
// pack, returning its trailer checksum.
func (e *Encoder) Encode(hashes []plumbing.Hash) (plumbing.Hash, error) {
	return e.EncodeWithPreferred(nil, hashes)
}

// EncodeWithPreferred is Encode extended with a set of preferred-base
// ids: objects resolved from the store and offered to delta selection
// as base candidates, but never themselves written into the pack.
// PackWriter uses this to let a pack delta against trees the receiver
// is assumed to already have, producing a thin pack.
func (e *Encoder) EncodeWithPreferred(preferred, hashes []plumbing.Hash) (plumbing.Hash, error) {
	sel := newDeltaSelector(e.store)
	otp, err := sel.ObjectsToPackWithPreferred(preferred, hashes, e.deltaWindowSize)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	return e.encode(excludePreferredBases(otp))
}

// excludePreferredBases drops entries the delta selector only kept
// around to seed the window: they must never be written into the pack
// itself, only referenced by hash from whichever real entry deltas
// against them.
func excludePreferredBases(otp []*ObjectToPack) []*ObjectToPack {
	out := make([]*ObjectToPack, 0, len(otp))
	for _, o := range otp {
		if !o.PreferredBase {
			out = append(out, o)
		}
	}
	return out
}

func (e *Encoder) encode(otp []*ObjectToPack) (plumbing.Hash, error) {
	if err := e.onHeader(uint32(len(otp))); err != nil {
		return plumbing.ZeroHash, err
	}
	if err := e.writeHeader(len(otp)); err != nil {
		return plumbing.ZeroHash, err
	}

	for _, o := range otp {
		if err := e.entry(o); err != nil {
			return plumbing.ZeroHash, err
		}
	}

	return e.footer()
}

func (e *Encoder) writeHeader(count int) error {
	if _, err := e.w.Write(signature); err != nil {
		return err
	}
	if err := writeUint32(e.w, uint32(V2)); err != nil {
		return err
	}
	return writeUint32(e.w, uint32(count))
}

func (e *Encoder) entry(o *ObjectToPack) error {
	offset := e.w.Offset()
	e.crc.Reset()
	e.offset[o.Hash()] = offset
	o.PackOffset = offset

	wireType := o.Type()
	payload, err := e.payload(o)
	if err != nil {
		return err
	}
	if o.IsDelta() {
		if e.preferRefDeltas || o.Base.PreferredBase {
			// A preferred base is never written into this pack, so it
			// has no offset to encode an OFS-delta distance against;
			// its hash is all a reader on the other end can resolve.
			wireType = plumbing.REFDeltaObject
		} else {
			wireType = plumbing.OFSDeltaObject
		}
	}

	if err := e.writeObjectHeader(wireType, int64(len(payload))); err != nil {
		return err
	}

	if o.IsDelta() {
		if wireType == plumbing.OFSDeltaObject {
			base, ok := e.offset[o.Base.Hash()]
			if !ok {
				return fmt.Errorf("delta base %s not yet written", o.Base.Hash())
			}
			if _, err := e.w.Write(encodeOffsetDeltaDistance(offset - base)); err != nil {
				return err
			}
		} else {
			if _, err := o.Base.Hash().WriteTo(e.w); err != nil {
				return err
			}
		}
	}

	e.zw.Reset(e.w)
	if _, err := e.zw.Write(payload); err != nil {
		return err
	}
	if err := e.zw.Close(); err != nil {
		return err
	}

	if err := e.onInflatedObjectHeader(o.Type(), int64(len(payload)), offset); err != nil {
		return err
	}
	return e.onInflatedObjectContent(o.Hash(), offset, e.crc.Sum32(), nil)
}

// payload returns the raw bytes to be deflated for o: the delta
// instructions if o was delta-compressed, or its full content otherwise.
func (e *Encoder) payload(o *ObjectToPack) ([]byte, error) {
	if o.IsDelta() {
		return o.Delta, nil
	}
	r, err := o.Object.Reader()
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// writeObjectHeader writes t/size's header to e.w.
func (e *Encoder) writeObjectHeader(t plumbing.ObjectType, size int64) error {
	return writeObjectHeader(e.w, t, size)
}

// writeObjectHeader encodes a pack object header: type in the high 3
// bits of the first byte, the low 4 bits of size in its remaining
// bits, then 7-bit continuation chunks for the rest — the inverse of
// readVariableLengthSize.
func writeObjectHeader(w io.Writer, t plumbing.ObjectType, size int64) error {
	first := byte(t) << 4
	first |= byte(size & 0x0f)
	size >>= 4

	var rest []byte
	for size > 0 {
		rest = append(rest, byte(size&0x7f)|0x80)
		size >>= 7
	}
	// Fix continuation bits: every byte but the last carries it.
	if len(rest) > 0 {
		first |= 0x80
		for i := 0; i < len(rest)-1; i++ {
			rest[i] |= 0x80
		}
		rest[len(rest)-1] &^= 0x80
	}

	if _, err := w.Write([]byte{first}); err != nil {
		return err
	}
	_, err := w.Write(rest)
	return err
}

// WriteObjectEntry writes a single non-delta pack record (header plus
// deflated content) to w and returns the CRC32 of the bytes written,
// for appending objects to a pack outside the normal Encode pass — the
// thin-pack completer's use case.
func WriteObjectEntry(w io.Writer, t plumbing.ObjectType, content []byte) (uint32, error) {
	crc := crc32.NewIEEE()
	tw := io.MultiWriter(w, crc)

	if err := writeObjectHeader(tw, t, int64(len(content))); err != nil {
		return 0, err
	}

	zw := zlib.NewWriter(tw)
	if _, err := zw.Write(content); err != nil {
		return 0, err
	}
	if err := zw.Close(); err != nil {
		return 0, err
	}

	return crc.Sum32(), nil
}

func (e *Encoder) footer() (plumbing.Hash, error) {
	var h plumbing.Hash
	copy(h[:], e.packh.Sum(nil))
	if _, err := h.WriteTo(e.w); err != nil {
		return plumbing.ZeroHash, err
	}
	return h, e.onFooter(h)
}

func (e *Encoder) forEachObserver(f func(Observer) error) error {
	for _, o := range e.observers {
		if err := f(o); err != nil {
			return err
		}
	}
	return nil
}

func (e *Encoder) onHeader(count uint32) error {
	return e.forEachObserver(func(o Observer) error { return o.OnHeader(count) })
}

func (e *Encoder) onInflatedObjectHeader(t plumbing.ObjectType, size, pos int64) error {
	return e.forEachObserver(func(o Observer) error {
		return o.OnInflatedObjectHeader(t, size, pos)
	})
}

func (e *Encoder) onInflatedObjectContent(h plumbing.Hash, pos int64, crc uint32, content []byte) error {
	return e.forEachObserver(func(o Observer) error {
		return o.OnInflatedObjectContent(h, pos, crc, content)
	})
}

func (e *Encoder) onFooter(h plumbing.Hash) error {
	return e.forEachObserver(func(o Observer) error { return o.OnFooter(h) })
}

func writeUint32(w io.Writer, v uint32) error {
	b := [4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
	_, err := w.Write(b[:])
	return err
}

// encodeOffsetDeltaDistance is the inverse of readOffsetDeltaDistance:
// it emits git's non-LEB128 backward-distance encoding, where every
// continuation byte implicitly subtracts one extra before shifting.
func encodeOffsetDeltaDistance(n int64) []byte {
	var buf [10]byte
	pos := len(buf) - 1
	buf[pos] = byte(n & 0x7f)
	for {
		n >>= 7
		if n == 0 {
			break
		}
		n--
		pos--
		buf[pos] = 0x80 | byte(n&0x7f)
	}
	return buf[pos:]
}

// countingWriter tracks the number of bytes written so far, giving the
// encoder each entry's starting offset within the pack.
type countingWriter struct {
	w      io.Writer
	offset int64
}

func newCountingWriter(w io.Writer) *countingWriter {
	return &countingWriter{w: w}
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.offset += int64(n)
	return n, err
}

func (c *countingWriter) Offset() int64 {
	return c.offset
}
