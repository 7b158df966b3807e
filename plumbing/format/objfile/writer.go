package objfile

import (
	"compress/zlib"
	"fmt"
	"io"

	"github.com/git/packd/plumbing"
)

// Writer writes a single object in loose-object wire format: the header
// "<type> <size>\0" followed by exactly size bytes of content, all
// deflated. The object's Hash is available once WriteHeader and every
// subsequent Write have completed.
type Writer struct {
	w      io.Writer
	zw     *zlib.Writer
	hasher plumbing.Hasher

	size     int64
	written  int64
	closed   bool
	wroteHdr bool
}

// NewWriter returns a Writer that deflates onto w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteHeader declares the object's type and size. It must be called
// exactly once, before any call to Write.
func (w *Writer) WriteHeader(t plumbing.ObjectType, size int64) error {
	if !t.Valid() {
		return plumbing.ErrInvalidType
	}
	if size < 0 {
		return ErrNegativeSize
	}

	w.size = size
	w.hasher = plumbing.NewHasher(t, size)
	w.zw = zlib.NewWriter(w.w)

	header := fmt.Sprintf("%s %d\x00", t, size)
	if _, err := io.WriteString(w.zw, header); err != nil {
		return err
	}

	w.wroteHdr = true
	return nil
}

// Write writes object content. It is an error to write more than the
// size declared in WriteHeader.
func (w *Writer) Write(p []byte) (int, error) {
	if w.closed {
		return 0, ErrClosed
	}

	overflow := w.written+int64(len(p)) > w.size
	if overflow {
		p = p[:w.size-w.written]
	}

	n, err := w.zw.Write(p)
	w.written += int64(n)
	if err == nil {
		w.hasher.Write(p[:n])
	}

	if err == nil && overflow {
		err = ErrOverflow
	}

	return n, err
}

// Hash returns the object's content hash. Valid once every Write of
// the declared size has completed.
func (w *Writer) Hash() plumbing.Hash {
	return w.hasher.Sum()
}

// Close flushes the deflate stream. It does not close the underlying
// writer.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if w.zw == nil {
		return nil
	}
	return w.zw.Close()
}
