package objfile

import (
	"bufio"
	"compress/zlib"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/git/packd/plumbing"
)

// ErrHeader is returned when the inflated header line cannot be parsed.
var ErrHeader = errors.New("objfile: invalid header")

// Reader reads a single object in loose-object wire format.
type Reader struct {
	zr     io.ReadCloser
	hasher plumbing.Hasher

	t    plumbing.ObjectType
	size int64
	read int64
}

// NewReader returns a Reader inflating from r. Call Header before Read.
func NewReader(r io.Reader) (*Reader, error) {
	zr, err := zlib.NewReader(r)
	if err != nil {
		return nil, err
	}
	return &Reader{zr: zr}, nil
}

// Header reads and parses the object header, returning its type and size.
func (r *Reader) Header() (t plumbing.ObjectType, size int64, err error) {
	br := bufio.NewReader(r.zr)

	typ, err := br.ReadString(' ')
	if err != nil {
		return plumbing.InvalidObject, 0, fmt.Errorf("%w: %w", ErrHeader, err)
	}
	typ = typ[:len(typ)-1]

	sizeStr, err := br.ReadString(0)
	if err != nil {
		return plumbing.InvalidObject, 0, fmt.Errorf("%w: %w", ErrHeader, err)
	}
	sizeStr = sizeStr[:len(sizeStr)-1]

	size, err = strconv.ParseInt(sizeStr, 10, 64)
	if err != nil {
		return plumbing.InvalidObject, 0, fmt.Errorf("%w: %w", ErrHeader, err)
	}

	t, err = plumbing.ParseObjectType(typ)
	if err != nil {
		return plumbing.InvalidObject, 0, err
	}

	r.t = t
	r.size = size
	r.hasher = plumbing.NewHasher(t, size)

	// Re-wrap whatever the bufio.Reader didn't consume so Read sees the
	// remainder of the inflated stream without re-buffering twice.
	r.zr = &joinedReadCloser{r: io.MultiReader(br, r.zr), c: r.zr}

	return t, size, nil
}

// Read reads object content, hashing it as it goes.
func (r *Reader) Read(p []byte) (int, error) {
	n, err := r.zr.Read(p)
	if n > 0 {
		r.hasher.Write(p[:n])
		r.read += int64(n)
	}
	return n, err
}

// Hash returns the object's content hash, valid once Read has reached EOF.
func (r *Reader) Hash() plumbing.Hash {
	return r.hasher.Sum()
}

// Close releases the underlying inflate stream.
func (r *Reader) Close() error {
	return r.zr.Close()
}

type joinedReadCloser struct {
	r io.Reader
	c io.Closer
}

func (j *joinedReadCloser) Read(p []byte) (int, error) { return j.r.Read(p) }
func (j *joinedReadCloser) Close() error               { return j.c.Close() }
