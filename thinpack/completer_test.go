package thinpack

import (
	"bytes"
	"compress/zlib"
	"io"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/stretchr/testify/suite"

	"github.com/git/packd/plumbing"
	"github.com/git/packd/plumbing/format/packfile"
	"github.com/git/packd/storage/memory"
)

type CompleterSuite struct {
	suite.Suite
}

func TestCompleterSuite(t *testing.T) {
	suite.Run(t, new(CompleterSuite))
}

// writeObjectHeader reproduces the packfile object header encoding
// (type in the high 3 bits of the first byte, size in 4-bit then 7-bit
// continuation chunks) so the test can hand-build a thin pack's single
// REF-delta entry without depending on packfile's unexported encoder.
func writeObjectHeader(buf *bytes.Buffer, t plumbing.ObjectType, size int64) {
	first := byte(t) << 4
	first |= byte(size & 0x0f)
	size >>= 4

	var rest []byte
	for size > 0 {
		rest = append(rest, byte(size&0x7f)|0x80)
		size >>= 7
	}
	if len(rest) > 0 {
		first |= 0x80
		for i := 0; i < len(rest)-1; i++ {
			rest[i] |= 0x80
		}
		rest[len(rest)-1] &^= 0x80
	}
	buf.WriteByte(first)
	buf.Write(rest)
}

// buildThinPack hand-assembles a one-entry pack whose sole object is a
// REF-delta against baseHash/baseContent, without baseHash's own record
// present anywhere in the pack — the defining property of a thin pack.
// The delta body is a single insert-literal instruction carrying
// targetContent whole, so it never actually reads baseContent; only
// the declared source size must match, which is all the parser checks
// before handing the delta off to be resolved against the real base.
func buildThinPack(s *CompleterSuite, baseHash plumbing.Hash, baseContent, targetContent []byte) []byte {
	s.Require().Less(len(baseContent), 128)
	s.Require().Less(len(targetContent), 128)

	var delta bytes.Buffer
	delta.WriteByte(byte(len(baseContent)))
	delta.WriteByte(byte(len(targetContent)))
	delta.WriteByte(byte(len(targetContent))) // insert-literal opcode: high bit clear, value = length
	delta.Write(targetContent)

	var deltaZ bytes.Buffer
	zw := zlib.NewWriter(&deltaZ)
	_, err := zw.Write(delta.Bytes())
	s.Require().NoError(err)
	s.Require().NoError(zw.Close())

	var body bytes.Buffer
	body.WriteString("PACK")
	body.Write([]byte{0, 0, 0, byte(packfile.V2)})
	body.Write([]byte{0, 0, 0, 1}) // one object

	writeObjectHeader(&body, plumbing.REFDeltaObject, int64(delta.Len()))
	body.Write(baseHash[:])
	body.Write(deltaZ.Bytes())

	h := plumbing.NewPlainHasher()
	_, err = h.Write(body.Bytes())
	s.Require().NoError(err)
	trailer := h.Sum()

	body.Write(trailer[:])
	return body.Bytes()
}

func (s *CompleterSuite) TestCompleteAppendsMissingBase() {
	store := memory.NewStorage()

	baseContent := []byte("base object content")
	baseObj := store.NewObject()
	baseObj.SetType(plumbing.BlobObject)
	baseObj.SetSize(int64(len(baseContent)))
	w, err := baseObj.Writer()
	s.Require().NoError(err)
	_, err = w.Write(baseContent)
	s.Require().NoError(err)
	s.Require().NoError(w.Close())
	baseHash, err := store.SetObject(baseObj)
	s.Require().NoError(err)

	targetContent := []byte("thin pack target content")
	packBytes := buildThinPack(s, baseHash, baseContent, targetContent)

	fs := memfs.New()
	f, err := fs.Create("thin.pack")
	s.Require().NoError(err)
	_, err = f.Write(packBytes)
	s.Require().NoError(err)

	c := NewCompleter(store)
	n, err := c.Complete(f)
	s.Require().NoError(err)
	s.Equal(1, n)

	_, err = f.Seek(0, io.SeekStart)
	s.Require().NoError(err)
	completed, err := io.ReadAll(f)
	s.Require().NoError(err)

	p := packfile.NewParser(bytes.NewReader(completed))
	_, err = p.Parse()
	s.Require().NoError(err)
	s.Empty(p.MissingBases(), "base should now be embedded in the pack")
	s.Equal(uint32(2), p.ObjectCount())
}

func (s *CompleterSuite) TestCompleteIsNoOpWhenAlreadySelfContained() {
	store := memory.NewStorage()

	content := []byte("standalone")
	var packBuf bytes.Buffer
	enc := packfile.NewEncoder(&packBuf, store, packfile.WithDeltaWindow(0))
	obj := store.NewObject()
	obj.SetType(plumbing.BlobObject)
	obj.SetSize(int64(len(content)))
	w, err := obj.Writer()
	s.Require().NoError(err)
	_, err = w.Write(content)
	s.Require().NoError(err)
	s.Require().NoError(w.Close())
	h, err := store.SetObject(obj)
	s.Require().NoError(err)

	_, err = enc.Encode([]plumbing.Hash{h})
	s.Require().NoError(err)

	fs := memfs.New()
	f, err := fs.Create("full.pack")
	s.Require().NoError(err)
	_, err = f.Write(packBuf.Bytes())
	s.Require().NoError(err)

	c := NewCompleter(store)
	n, err := c.Complete(f)
	s.Require().NoError(err)
	s.Equal(0, n)
}
