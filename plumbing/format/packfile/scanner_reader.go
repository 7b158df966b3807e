package packfile

import (
	"bufio"
	"io"
)

// scannerReader wraps the pack's input stream, tracking the current
// byte offset and tee-ing every byte read into an accumulator (CRC32
// and running pack checksum). When the underlying reader also
// implements io.Seeker, Seek lets the scanner jump straight to an
// object's content offset instead of re-reading from the start.
type scannerReader struct {
	r      *bufio.Reader
	tee    *bufio.Writer
	src    io.Reader
	seeker io.Seeker
	offset int64
}

func newScannerReader(r io.Reader, tee io.Writer) *scannerReader {
	sr := &scannerReader{src: r, tee: bufio.NewWriter(tee)}
	if s, ok := r.(io.Seeker); ok {
		sr.seeker = s
	}
	sr.r = bufio.NewReader(r)
	return sr
}

func (r *scannerReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	r.offset += int64(n)
	if n > 0 {
		r.tee.Write(p[:n]) //nolint:errcheck
	}
	return n, err
}

func (r *scannerReader) ReadByte() (byte, error) {
	b, err := r.r.ReadByte()
	if err == nil {
		r.offset++
		if r.tee != nil {
			r.tee.Write([]byte{b})
		}
	}
	return b, err
}

// Flush pushes tee'd bytes still held in the write buffer through to
// the accumulator, so the CRC32 and pack checksum cover every byte
// consumed so far.
func (r *scannerReader) Flush() {
	r.tee.Flush() //nolint:errcheck
}

// Offset returns the number of bytes consumed from Read/ReadByte so far.
func (r *scannerReader) Offset() int64 {
	return r.offset
}

// Seek repositions the underlying source when it supports io.Seeker,
// resetting the internal buffer so subsequent reads start fresh from
// the new offset. It does not touch the tee accumulator: callers that
// seek are always reading content they will hash separately.
func (r *scannerReader) Seek(offset int64, whence int) (int64, error) {
	if r.seeker == nil {
		return 0, ErrSeekNotSupported
	}

	r.Flush()
	abs, err := r.seeker.Seek(offset, whence)
	if err != nil {
		return 0, err
	}

	r.r = bufio.NewReader(r.src)
	r.offset = abs
	return abs, nil
}
