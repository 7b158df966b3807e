package plumbing

import (
	"bytes"
	"io"
)

// MemoryObject is an EncodedObject implementation backed entirely by an
// in-memory buffer. It is what the delta engine, the fast-import engine,
// and every in-memory test fixture produce and consume.
type MemoryObject struct {
	t    ObjectType
	h    Hash
	sz   int64
	cont []byte

	hashComputed bool
}

// NewMemoryObject returns an empty MemoryObject.
func NewMemoryObject() *MemoryObject {
	return &MemoryObject{}
}

// NewMemoryObjectWithContent returns a MemoryObject holding content
// verbatim, with its hash computed immediately.
func NewMemoryObjectWithContent(t ObjectType, content []byte) *MemoryObject {
	o := &MemoryObject{t: t, cont: content, sz: int64(len(content))}
	o.hash()
	return o
}

// Hash returns the object's content hash, computing it on first access.
func (o *MemoryObject) Hash() Hash {
	if !o.hashComputed {
		o.hash()
	}
	return o.h
}

func (o *MemoryObject) hash() {
	h := NewHasher(o.t, o.sz)
	h.Write(o.cont)
	o.h = h.Sum()
	o.hashComputed = true
}

// Type returns the object's type.
func (o *MemoryObject) Type() ObjectType { return o.t }

// SetType sets the object's type. It invalidates the cached hash.
func (o *MemoryObject) SetType(t ObjectType) {
	o.t = t
	o.hashComputed = false
}

// Size returns the object's declared content size.
func (o *MemoryObject) Size() int64 { return o.sz }

// SetSize sets the object's declared content size. It invalidates the
// cached hash.
func (o *MemoryObject) SetSize(s int64) {
	o.sz = s
	o.hashComputed = false
}

// Reader returns a new reader over the object's content.
func (o *MemoryObject) Reader() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(o.cont)), nil
}

// Writer returns a writer that appends to the object's content. Closing
// it recomputes the size and hash.
func (o *MemoryObject) Writer() (io.WriteCloser, error) {
	return &memoryObjectWriter{o: o}, nil
}

type memoryObjectWriter struct {
	o   *MemoryObject
	buf bytes.Buffer
}

func (w *memoryObjectWriter) Write(p []byte) (int, error) {
	return w.buf.Write(p)
}

func (w *memoryObjectWriter) Close() error {
	w.o.cont = append(w.o.cont, w.buf.Bytes()...)
	w.o.sz = int64(len(w.o.cont))
	w.o.hashComputed = false
	return nil
}

var _ EncodedObject = (*MemoryObject)(nil)
