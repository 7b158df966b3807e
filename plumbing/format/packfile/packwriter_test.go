package packfile

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"strconv"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/git/packd/plumbing"
	"github.com/git/packd/storage/memory"
)

type PackWriterSuite struct {
	suite.Suite
	store *memory.Storage
}

func TestPackWriterSuite(t *testing.T) {
	suite.Run(t, new(PackWriterSuite))
}

func (s *PackWriterSuite) SetupTest() {
	s.store = memory.NewStorage()
}

func (s *PackWriterSuite) storeBlob(content string) plumbing.Hash {
	obj := s.store.NewObject()
	obj.SetType(plumbing.BlobObject)
	obj.SetSize(int64(len(content)))
	w, err := obj.Writer()
	s.Require().NoError(err)
	_, err = w.Write([]byte(content))
	s.Require().NoError(err)
	s.Require().NoError(w.Close())
	h, err := s.store.SetObject(obj)
	s.Require().NoError(err)
	return h
}

// storeTree stores a single-entry tree object naming child at name under mode.
func (s *PackWriterSuite) storeTree(name string, mode uint32, child plumbing.Hash) plumbing.Hash {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s %s\x00", strconv.FormatUint(uint64(mode), 8), name)
	buf.Write(child[:])

	obj := s.store.NewObject()
	obj.SetType(plumbing.TreeObject)
	obj.SetSize(int64(buf.Len()))
	w, err := obj.Writer()
	s.Require().NoError(err)
	_, err = w.Write(buf.Bytes())
	s.Require().NoError(err)
	s.Require().NoError(w.Close())
	h, err := s.store.SetObject(obj)
	s.Require().NoError(err)
	return h
}

func (s *PackWriterSuite) storeCommit(tree plumbing.Hash) plumbing.Hash {
	content := fmt.Sprintf(
		"tree %s\nauthor A U Thor <a@example.com> 1000000000 +0000\ncommitter A U Thor <a@example.com> 1000000000 +0000\n\ncommit\n",
		tree,
	)
	obj := s.store.NewObject()
	obj.SetType(plumbing.CommitObject)
	obj.SetSize(int64(len(content)))
	w, err := obj.Writer()
	s.Require().NoError(err)
	_, err = w.Write([]byte(content))
	s.Require().NoError(err)
	s.Require().NoError(w.Close())
	h, err := s.store.SetObject(obj)
	s.Require().NoError(err)
	return h
}

// collector is an Observer that records every hash written to a pack,
// for asserting which entries actually made it in.
type collector struct {
	hashes map[plumbing.Hash]bool
	count  uint32
}

func newCollector() *collector { return &collector{hashes: make(map[plumbing.Hash]bool)} }

func (c *collector) OnHeader(count uint32) error { c.count = count; return nil }
func (c *collector) OnInflatedObjectHeader(plumbing.ObjectType, int64, int64) error {
	return nil
}
func (c *collector) OnInflatedObjectContent(h plumbing.Hash, _ int64, _ uint32, _ []byte) error {
	c.hashes[h] = true
	return nil
}
func (c *collector) OnFooter(plumbing.Hash) error { return nil }

func (s *PackWriterSuite) parsePack(packID plumbing.Hash) *collector {
	r, err := s.store.PackReader(packID)
	s.Require().NoError(err)
	defer r.Close()

	c := newCollector()
	_, err = NewParser(r, WithStorage(s.store), WithObservers(c)).Parse()
	s.Require().NoError(err)
	return c
}

// writeRefDeltaHeader reproduces the packfile object header encoding
// (type in the high 3 bits of the first byte, size in 4-bit then 7-bit
// continuation chunks), mirroring the thin-pack test helper so this
// package can hand-build a minimal REF-delta entry without depending on
// the encoder.
func writeRefDeltaHeader(buf *bytes.Buffer, size int64) {
	first := byte(plumbing.REFDeltaObject) << 4
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

// buildRefDeltaPack hand-assembles a one-entry pack whose sole object is
// a REF-delta against baseHash, encoded as a single insert-literal
// instruction carrying targetContent whole — the base's own record
// never needs to appear in the pack since readParentContent resolves it
// from the store this test parses into.
func buildRefDeltaPack(s *PackWriterSuite, baseHash plumbing.Hash, baseContent, targetContent []byte) []byte {
	s.Require().Less(len(baseContent), 128)
	s.Require().Less(len(targetContent), 128)

	var delta bytes.Buffer
	delta.WriteByte(byte(len(baseContent)))   // source size, checked against the base read back from the store
	delta.WriteByte(byte(len(targetContent))) // target size
	delta.WriteByte(byte(len(targetContent))) // insert-literal opcode: high bit clear, value = length
	delta.Write(targetContent)

	var deltaZ bytes.Buffer
	zw := zlib.NewWriter(&deltaZ)
	_, err := zw.Write(delta.Bytes())
	s.Require().NoError(err)
	s.Require().NoError(zw.Close())

	var body bytes.Buffer
	body.WriteString("PACK")
	body.Write([]byte{0, 0, 0, byte(V2)})
	body.Write([]byte{0, 0, 0, 1}) // one object

	writeRefDeltaHeader(&body, int64(delta.Len()))
	body.Write(baseHash[:])
	body.Write(deltaZ.Bytes())

	h := plumbing.NewPlainHasher()
	_, err = h.Write(body.Bytes())
	s.Require().NoError(err)
	trailer := h.Sum()

	body.Write(trailer[:])
	return body.Bytes()
}

func (s *PackWriterSuite) TestAddIsIdempotent() {
	h := s.storeBlob("content")
	pw := NewPackWriter(s.store)
	s.True(pw.Add(h, "", false))
	s.False(pw.Add(h, "", false))
}

func (s *PackWriterSuite) TestAddExcludeIsIdempotentAgainstExplicitAdd() {
	h := s.storeBlob("content")
	pw := NewPackWriter(s.store)
	s.True(pw.Add(h, "", false))
	s.False(pw.Add(h, "", true), "an id already added explicitly must not be downgraded to a preferred base")
}

func (s *PackWriterSuite) TestFinalizeWritesOnlyExplicitEntries() {
	blob := s.storeBlob("leaf content")
	tree := s.storeTree("leaf.txt", 0o100644, blob)
	commit := s.storeCommit(tree)

	pw := NewPackWriter(s.store)
	s.Require().NoError(pw.AddPreferredTree(commit))
	s.True(pw.Add(blob, "", false))

	packHash, idxHash, err := pw.Finalize(0)
	s.Require().NoError(err)
	s.False(packHash.IsZero())
	s.False(idxHash.IsZero())

	c := s.parsePack(packHash)
	s.Equal(uint32(1), c.count)
	s.True(c.hashes[blob])
	s.False(c.hashes[tree], "a preferred-base tree must never be written into the pack")
}

func (s *PackWriterSuite) TestFinalizeDeltaAgainstPreferredBaseUsesReferenceForm() {
	base := s.storeBlob("the quick brown fox jumps over the lazy dog, repeated: the quick brown fox jumps over the lazy dog")
	target := s.storeBlob("the quick brown fox jumps over the lazy dog, repeated: the quick brown fox jumps over the lazy dog!")
	tree := s.storeTree("base.txt", 0o100644, base)
	commit := s.storeCommit(tree)

	pw := NewPackWriter(s.store)
	s.Require().NoError(pw.AddPreferredTree(commit))
	// AddPreferredTree only walks tree objects; the blob base itself must
	// be offered to delta search explicitly, as exclude.
	s.True(pw.Add(base, "", true))
	s.True(pw.Add(target, "", false))

	packHash, _, err := pw.Finalize(10)
	s.Require().NoError(err)

	c := s.parsePack(packHash)
	s.Equal(uint32(1), c.count)
	s.True(c.hashes[target])
	s.False(c.hashes[base])

	// The sole entry's wire type sits in bits 4-6 of the byte right
	// after the 12-byte pack header.
	r, err := s.store.PackReader(packHash)
	s.Require().NoError(err)
	defer r.Close()
	var raw bytes.Buffer
	_, err = raw.ReadFrom(r)
	s.Require().NoError(err)
	s.Require().Greater(raw.Len(), 12)
	s.Equal(plumbing.REFDeltaObject, plumbing.ObjectType((raw.Bytes()[12]>>4)&0x07))
}

func (s *PackWriterSuite) TestReuseDeltaAvoidsRecomputation() {
	baseContent := []byte("base object content shared across both packs for delta reuse")
	baseObj := s.store.NewObject()
	baseObj.SetType(plumbing.BlobObject)
	baseObj.SetSize(int64(len(baseContent)))
	w, err := baseObj.Writer()
	s.Require().NoError(err)
	_, err = w.Write(baseContent)
	s.Require().NoError(err)
	s.Require().NoError(w.Close())
	baseHash, err := s.store.SetObject(baseObj)
	s.Require().NoError(err)

	targetContent := []byte("distinct target content, unrelated")
	firstPack := buildRefDeltaPack(s, baseHash, baseContent, targetContent)

	// Resolving firstPack through a Parser (as any normal pack ingestion
	// would) is what tags the resolved target with its reuse metadata.
	c := newCollector()
	_, err = NewParser(bytes.NewReader(firstPack), WithStorage(s.store), WithObservers(c)).Parse()
	s.Require().NoError(err)

	var targetHash plumbing.Hash
	for h := range c.hashes {
		if h != baseHash {
			targetHash = h
		}
	}
	s.Require().False(targetHash.IsZero())

	stored, err := s.store.GetObject(targetHash)
	s.Require().NoError(err)
	reused, ok := stored.(plumbing.DeltaObject)
	s.Require().True(ok, "a delta resolved by Parser must carry its base forward")
	s.Equal(baseHash, reused.BaseHash())

	// Now pack both objects together: bestDelta should find the cached
	// delta via window.byHash and reuse it rather than re-diffing.
	sel := newDeltaSelector(s.store)
	otp, err := sel.ObjectsToPack([]plumbing.Hash{baseHash, targetHash}, 10)
	s.Require().NoError(err)

	var targetEntry *ObjectToPack
	for _, o := range otp {
		if o.Hash() == targetHash {
			targetEntry = o
		}
	}
	s.Require().NotNil(targetEntry)
	s.Require().True(targetEntry.IsDelta())

	cachedDelta, _ := reusableDeltaPayload(stored)
	s.Equal(cachedDelta, targetEntry.Delta, "the reused delta must be the cached bytes, not a freshly computed diff")
}
