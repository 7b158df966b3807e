package integrity

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/git/packd/plumbing"
	"github.com/git/packd/plumbing/format/idxfile"
	"github.com/git/packd/plumbing/format/packfile"
	"github.com/git/packd/storage/memory"
)

type VerifySuite struct {
	suite.Suite
}

func TestVerifySuite(t *testing.T) {
	suite.Run(t, new(VerifySuite))
}

func (s *VerifySuite) storeBlob(store *memory.Storage, content string) plumbing.Hash {
	obj := store.NewObject()
	obj.SetType(plumbing.BlobObject)
	obj.SetSize(int64(len(content)))
	w, err := obj.Writer()
	s.Require().NoError(err)
	_, err = w.Write([]byte(content))
	s.Require().NoError(err)
	s.Require().NoError(w.Close())
	h, err := store.SetObject(obj)
	s.Require().NoError(err)
	return h
}

func (s *VerifySuite) buildIndex(store *memory.Storage, hashes []plumbing.Hash) *idxfile.MemoryIndex {
	idxw := &idxfile.Writer{}
	var packBuf bytes.Buffer
	enc := packfile.NewEncoder(&packBuf, store, packfile.WithEncoderObservers(idxw))
	_, err := enc.Encode(hashes)
	s.Require().NoError(err)

	idx, err := idxw.Index()
	s.Require().NoError(err)
	return idx
}

func (s *VerifySuite) TestVerifyPackSucceedsOnConsistentIndex() {
	store := memory.NewStorage()
	var hashes []plumbing.Hash
	for _, c := range []string{"alpha", "beta", "gamma"} {
		hashes = append(hashes, s.storeBlob(store, c))
	}

	idx := s.buildIndex(store, hashes)

	err := VerifyPack(context.Background(), store, idx)
	s.NoError(err)
}

func (s *VerifySuite) TestVerifyPackReportsMissingObject() {
	store := memory.NewStorage()
	h := s.storeBlob(store, "will be deleted")
	idx := s.buildIndex(store, []plumbing.Hash{h})

	delete(store.Objects, h)

	err := VerifyPack(context.Background(), store, idx)
	s.Error(err)
}
