package packfile

// Delta creation: a fixed-width rolling hash is computed over every
// blockSize-byte window of the base buffer and stored in a chained
// hash table (DeltaIndex). The target buffer is then scanned left to
// right; at each position its window hash is looked up in the table,
// any colliding base offset is extended byte-by-byte forward (never
// backward) to find the longest actual match, and the best candidate
// becomes a copy instruction. Bytes the scan can't match against any
// base window fall through as literal insert instructions. This is
// the same shape as git's own create_delta_index/create_delta: a
// anchor-and-extend match finder, not a generic sequence diff.

const (
	blockSize     = 16
	maxCopyLen    = 0xffff
	maxInsertStep = 127
	maxChain      = 64
)

// rollingHash is a Rabin-Karp-style polynomial hash over a fixed
// window, allowing O(1) slide-by-one-byte updates.
type rollingHash struct {
	pow uint64
}

const hashBase = 1000003

func newRollingHash() rollingHash {
	pow := uint64(1)
	for i := 0; i < blockSize-1; i++ {
		pow *= hashBase
	}
	return rollingHash{pow: pow}
}

func (r rollingHash) hashAt(buf []byte) uint64 {
	var h uint64
	for _, b := range buf {
		h = h*hashBase + uint64(b)
	}
	return h
}

func (r rollingHash) roll(h uint64, out, in byte) uint64 {
	h -= uint64(out) * r.pow
	h = h*hashBase + uint64(in)
	return h
}

// DeltaIndex is a reusable fingerprint table over a base buffer, so
// selecting delta bases against many candidate targets doesn't redo
// the indexing pass each time.
type DeltaIndex struct {
	base  []byte
	table map[uint64][]int
	rh    rollingHash
}

// NewDeltaIndex builds a fingerprint table over base.
func NewDeltaIndex(base []byte) *DeltaIndex {
	idx := &DeltaIndex{base: base, rh: newRollingHash()}
	if len(base) < blockSize {
		return idx
	}

	idx.table = make(map[uint64][]int, len(base)/blockSize+1)
	h := idx.rh.hashAt(base[:blockSize])
	idx.add(h, 0)

	for i := 1; i+blockSize <= len(base); i++ {
		h = idx.rh.roll(h, base[i-1], base[i+blockSize-1])
		idx.add(h, i)
	}
	return idx
}

func (idx *DeltaIndex) add(h uint64, pos int) {
	chain := idx.table[h]
	if len(chain) >= maxChain {
		return
	}
	idx.table[h] = append(chain, pos)
}

// Encode produces the delta instructions transforming idx's base into
// target.
func (idx *DeltaIndex) Encode(target []byte) []byte {
	out := make([]byte, 0, len(target)/2+32)
	out = append(out, deltaEncodeSize(len(idx.base))...)
	out = append(out, deltaEncodeSize(len(target))...)

	if idx.table == nil || len(target) < blockSize {
		return appendLiteral(out, target)
	}

	var pending []byte
	i := 0
	var h uint64
	haveHash := false

	for i < len(target) {
		if i+blockSize > len(target) {
			pending = append(pending, target[i])
			i++
			continue
		}

		if !haveHash {
			h = idx.rh.hashAt(target[i : i+blockSize])
			haveHash = true
		}

		start, length := idx.bestMatch(h, target, i)
		if length < blockSize {
			pending = append(pending, target[i])
			if i+blockSize < len(target) {
				h = idx.rh.roll(h, target[i], target[i+blockSize])
			} else {
				haveHash = false
			}
			i++
			continue
		}

		out = appendLiteral(out, pending)
		pending = pending[:0]

		copyStart := start
		copyLen := length
		for copyLen > 0 {
			n := copyLen
			if n > maxCopyLen {
				n = maxCopyLen
			}
			out = append(out, encodeCopyOperation(copyStart, n)...)
			copyStart += n
			copyLen -= n
		}

		i += length
		haveHash = false
	}

	out = appendLiteral(out, pending)
	return out
}

func (idx *DeltaIndex) bestMatch(h uint64, target []byte, pos int) (start, length int) {
	for _, cand := range idx.table[h] {
		if !sameBlock(idx.base, cand, target, pos) {
			continue
		}

		l := idx.extendForward(cand, target, pos)
		if l > length {
			length = l
			start = cand
		}
	}
	return start, length
}

func sameBlock(base []byte, baseStart int, target []byte, targetStart int) bool {
	if baseStart+blockSize > len(base) || targetStart+blockSize > len(target) {
		return false
	}
	for i := 0; i < blockSize; i++ {
		if base[baseStart+i] != target[targetStart+i] {
			return false
		}
	}
	return true
}

// extendForward grows a confirmed blockSize match as far forward as
// the bytes keep agreeing. Matches are never extended backward: doing
// so could reclaim target bytes already flushed as literal insert
// instructions earlier in the scan.
func (idx *DeltaIndex) extendForward(baseStart int, target []byte, targetStart int) int {
	base := idx.base
	bi, ti := baseStart+blockSize, targetStart+blockSize
	for bi < len(base) && ti < len(target) && base[bi] == target[ti] {
		bi++
		ti++
	}
	return bi - baseStart
}

func appendLiteral(out, lit []byte) []byte {
	for len(lit) > 0 {
		n := len(lit)
		if n > maxInsertStep {
			n = maxInsertStep
		}
		out = append(out, byte(n))
		out = append(out, lit[:n]...)
		lit = lit[n:]
	}
	return out
}

func deltaEncodeSize(size int) []byte {
	var ret []byte
	c := size & 0x7f
	size >>= 7
	for size != 0 {
		ret = append(ret, byte(c|0x80))
		c = size & 0x7f
		size >>= 7
	}
	return append(ret, byte(c))
}

func encodeCopyOperation(offset, length int) []byte {
	code := 0x80
	var args []byte

	if offset&0xff != 0 {
		args = append(args, byte(offset&0xff))
		code |= 0x01
	}
	if offset&0xff00 != 0 {
		args = append(args, byte((offset&0xff00)>>8))
		code |= 0x02
	}
	if offset&0xff0000 != 0 {
		args = append(args, byte((offset&0xff0000)>>16))
		code |= 0x04
	}
	if offset&0xff000000 != 0 {
		args = append(args, byte((offset&0xff000000)>>24))
		code |= 0x08
	}
	if length&0xff != 0 {
		args = append(args, byte(length&0xff))
		code |= 0x10
	}
	if length&0xff00 != 0 {
		args = append(args, byte((length&0xff00)>>8))
		code |= 0x20
	}
	if length&0xff0000 != 0 {
		args = append(args, byte((length&0xff0000)>>16))
		code |= 0x40
	}

	return append([]byte{byte(code)}, args...)
}
