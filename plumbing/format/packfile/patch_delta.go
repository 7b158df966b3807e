package packfile

// Delta instruction wire format, see gitformat-pack(5): a delta stream
// opens with the source and target sizes (LEB128), then a sequence of
// instructions. An instruction with the high bit set is a copy from
// the base: the low 4 bits select which of the following bytes supply
// the offset, the next 3 bits select which supply the size (a size of
// zero means the maximal 0x10000). An instruction with the high bit
// clear and a nonzero value is an insert-literal of that many bytes
// taken directly from the delta stream.

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"math"

	"github.com/git/packd/plumbing"
)

// Delta application errors.
var (
	ErrInvalidDelta = errors.New("invalid delta")
	ErrDeltaCmd     = errors.New("wrong delta command")
)

const (
	maxPatchPreemptionSize uint = 65536
	minDeltaSize                = 4

	maxCopySize = 0x10000
)

type bitfield struct {
	mask  byte
	shift uint
}

var offsetBits = []bitfield{
	{mask: 0x01, shift: 0},
	{mask: 0x02, shift: 8},
	{mask: 0x04, shift: 16},
	{mask: 0x08, shift: 24},
}

var sizeBits = []bitfield{
	{mask: 0x10, shift: 0},
	{mask: 0x20, shift: 8},
	{mask: 0x40, shift: 16},
}

// ApplyDelta writes to target the result of applying delta to base.
func ApplyDelta(target, base plumbing.EncodedObject, delta *bytes.Buffer) error {
	r, err := base.Reader()
	if err != nil {
		return err
	}
	defer r.Close()

	w, err := target.Writer()
	if err != nil {
		return err
	}
	defer w.Close()

	src, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	dst := &bytes.Buffer{}
	if err := patchDelta(dst, src, delta.Bytes()); err != nil {
		return err
	}

	target.SetSize(int64(dst.Len()))
	_, err = io.Copy(w, dst)
	return err
}

// PatchDelta applies delta to src and returns the result.
func PatchDelta(src, delta []byte) ([]byte, error) {
	if len(src) == 0 || len(delta) < minDeltaSize {
		return nil, ErrInvalidDelta
	}
	b := &bytes.Buffer{}
	if err := patchDelta(b, src, delta); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func patchDelta(dst *bytes.Buffer, src, delta []byte) error {
	if len(delta) < minDeltaSize {
		return ErrInvalidDelta
	}

	srcSz, delta := decodeLEB128(delta)
	if srcSz != uint(len(src)) {
		return ErrInvalidDelta
	}

	targetSz, delta := decodeLEB128(delta)
	remaining := targetSz

	growSz := targetSz
	if growSz > maxPatchPreemptionSize {
		growSz = maxPatchPreemptionSize
	}
	dst.Grow(int(growSz))

	for {
		if len(delta) == 0 {
			return ErrInvalidDelta
		}

		cmd := delta[0]
		delta = delta[1:]

		switch {
		case isCopyFromSrc(cmd):
			var offset, sz uint
			var err error
			offset, delta, err = decodeOffset(cmd, delta)
			if err != nil {
				return err
			}
			sz, delta, err = decodeSize(cmd, delta)
			if err != nil {
				return err
			}
			if invalidSize(sz, targetSz) || invalidOffsetSize(offset, sz, srcSz) {
				return ErrInvalidDelta
			}
			dst.Write(src[offset : offset+sz])
			remaining -= sz

		case isCopyFromDelta(cmd):
			sz := uint(cmd)
			if invalidSize(sz, targetSz) || uint(len(delta)) < sz {
				return ErrInvalidDelta
			}
			dst.Write(delta[:sz])
			remaining -= sz
			delta = delta[sz:]

		default:
			return ErrDeltaCmd
		}

		if remaining <= 0 {
			break
		}
	}

	return nil
}

// ReaderFromDelta streams the result of applying a delta read from
// deltaRC to base, without materializing the whole target in memory.
func ReaderFromDelta(base plumbing.EncodedObject, deltaRC io.Reader) (io.ReadCloser, error) {
	deltaBuf := bufio.NewReaderSize(deltaRC, 1024)

	srcSz, err := decodeLEB128FromReader(deltaBuf)
	if err != nil {
		return nil, wrapDeltaReadErr(err)
	}
	if srcSz != uint(base.Size()) {
		return nil, ErrInvalidDelta
	}

	targetSz, err := decodeLEB128FromReader(deltaBuf)
	if err != nil {
		return nil, wrapDeltaReadErr(err)
	}
	remaining := targetSz

	pr, pw := io.Pipe()

	go func() {
		baseRd, err := base.Reader()
		if err != nil {
			pw.CloseWithError(ErrInvalidDelta)
			return
		}
		defer baseRd.Close()

		baseBuf := bufio.NewReader(baseRd)
		basePos := uint(0)

		for {
			cmd, err := deltaBuf.ReadByte()
			if err != nil {
				pw.CloseWithError(ErrInvalidDelta)
				return
			}

			switch {
			case isCopyFromSrc(cmd):
				offset, err := decodeOffsetByteReader(cmd, deltaBuf)
				if err != nil {
					pw.CloseWithError(err)
					return
				}
				sz, err := decodeSizeByteReader(cmd, deltaBuf)
				if err != nil {
					pw.CloseWithError(err)
					return
				}
				if invalidSize(sz, targetSz) || invalidOffsetSize(offset, sz, srcSz) {
					pw.Close()
					return
				}

				discard := offset - basePos
				if basePos > offset {
					baseRd.Close()
					baseRd, err = base.Reader()
					if err != nil {
						pw.CloseWithError(ErrInvalidDelta)
						return
					}
					baseBuf.Reset(baseRd)
					basePos = 0
					discard = offset
				}
				for discard > 0 {
					chunk := discard
					if chunk > math.MaxInt32 {
						chunk = math.MaxInt32
					}
					n, err := baseBuf.Discard(int(chunk))
					if err != nil {
						pw.CloseWithError(err)
						return
					}
					basePos += uint(n)
					discard -= uint(n)
				}

				if _, err := io.Copy(pw, io.LimitReader(baseBuf, int64(sz))); err != nil {
					pw.CloseWithError(err)
					return
				}
				remaining -= sz
				basePos += sz

			case isCopyFromDelta(cmd):
				sz := uint(cmd)
				if invalidSize(sz, targetSz) {
					pw.CloseWithError(ErrInvalidDelta)
					return
				}
				if _, err := io.Copy(pw, io.LimitReader(deltaBuf, int64(sz))); err != nil {
					pw.CloseWithError(err)
					return
				}
				remaining -= sz

			default:
				pw.CloseWithError(ErrDeltaCmd)
				return
			}

			if remaining <= 0 {
				pw.Close()
				return
			}
		}
	}()

	return pr, nil
}

func wrapDeltaReadErr(err error) error {
	if err == io.EOF {
		return ErrInvalidDelta
	}
	return err
}

func isCopyFromSrc(cmd byte) bool {
	return cmd&0x80 != 0
}

func isCopyFromDelta(cmd byte) bool {
	return cmd&0x80 == 0 && cmd != 0
}

func decodeOffsetByteReader(cmd byte, delta io.ByteReader) (uint, error) {
	var offset uint
	for _, o := range offsetBits {
		if cmd&o.mask != 0 {
			b, err := delta.ReadByte()
			if err != nil {
				return 0, err
			}
			offset |= uint(b) << o.shift
		}
	}
	return offset, nil
}

func decodeOffset(cmd byte, delta []byte) (uint, []byte, error) {
	var offset uint
	for _, o := range offsetBits {
		if cmd&o.mask != 0 {
			if len(delta) == 0 {
				return 0, nil, ErrInvalidDelta
			}
			offset |= uint(delta[0]) << o.shift
			delta = delta[1:]
		}
	}
	return offset, delta, nil
}

func decodeSizeByteReader(cmd byte, delta io.ByteReader) (uint, error) {
	var sz uint
	for _, s := range sizeBits {
		if cmd&s.mask != 0 {
			b, err := delta.ReadByte()
			if err != nil {
				return 0, err
			}
			sz |= uint(b) << s.shift
		}
	}
	if sz == 0 {
		sz = maxCopySize
	}
	return sz, nil
}

func decodeSize(cmd byte, delta []byte) (uint, []byte, error) {
	var sz uint
	for _, s := range sizeBits {
		if cmd&s.mask != 0 {
			if len(delta) == 0 {
				return 0, nil, ErrInvalidDelta
			}
			sz |= uint(delta[0]) << s.shift
			delta = delta[1:]
		}
	}
	if sz == 0 {
		sz = maxCopySize
	}
	return sz, delta, nil
}

func invalidSize(sz, targetSz uint) bool {
	return sz > targetSz
}

func invalidOffsetSize(offset, sz, srcSz uint) bool {
	return sumOverflows(offset, sz) || offset+sz > srcSz
}

func sumOverflows(a, b uint) bool {
	return a+b < a
}
