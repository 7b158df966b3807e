package memory

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/git/packd/plumbing"
)

type StorageSuite struct {
	suite.Suite
	s *Storage
}

func TestStorageSuite(t *testing.T) {
	suite.Run(t, new(StorageSuite))
}

func (s *StorageSuite) SetupTest() {
	s.s = NewStorage()
}

func (s *StorageSuite) storeBlob(content string) plumbing.Hash {
	obj := s.s.NewObject()
	obj.SetType(plumbing.BlobObject)
	obj.SetSize(int64(len(content)))
	w, err := obj.Writer()
	s.Require().NoError(err)
	_, err = w.Write([]byte(content))
	s.Require().NoError(err)
	s.Require().NoError(w.Close())

	h, err := s.s.SetObject(obj)
	s.Require().NoError(err)
	return h
}

func (s *StorageSuite) TestSetAndGetObject() {
	h := s.storeBlob("hello world")
	s.Equal("95d09f2b10159347eece71399a7e2e907ea3df4f", h.String())

	ok, err := s.s.HasObject(h)
	s.NoError(err)
	s.True(ok)

	obj, err := s.s.GetObject(h)
	s.NoError(err)
	r, err := obj.Reader()
	s.Require().NoError(err)
	defer r.Close()
	content, err := io.ReadAll(r)
	s.NoError(err)
	s.Equal("hello world", string(content))
}

func (s *StorageSuite) TestGetObjectMissing() {
	_, err := s.s.GetObject(plumbing.NewHash("0000000000000000000000000000000000000001"))
	s.ErrorIs(err, plumbing.ErrObjectNotFound)
}

func (s *StorageSuite) TestSetObjectIdempotentOnIdenticalContent() {
	h1 := s.storeBlob("hello world")
	h2 := s.storeBlob("hello world")
	s.Equal(h1, h2)
	s.Len(s.s.Objects, 1)
}

func (s *StorageSuite) TestSetObjectCollisionOnMismatchedContent() {
	h := s.storeBlob("hello world")

	// Two distinct contents never naturally collide under SHA-1, so to
	// exercise the collision path, forge a mismatched object directly
	// under the real object's hash, the way corrupted storage might.
	forged := plumbing.NewMemoryObject()
	forged.SetType(plumbing.BlobObject)
	forged.SetSize(11)
	fw, err := forged.Writer()
	s.Require().NoError(err)
	_, err = fw.Write([]byte("goodbye wld"))
	s.Require().NoError(err)
	s.Require().NoError(fw.Close())
	s.s.Objects[h] = forged

	newObj := s.s.NewObject()
	newObj.SetType(plumbing.BlobObject)
	newObj.SetSize(11)
	nw, err := newObj.Writer()
	s.Require().NoError(err)
	_, err = nw.Write([]byte("hello world"))
	s.Require().NoError(err)
	s.Require().NoError(nw.Close())

	_, err = s.s.SetObject(newObj)
	s.ErrorIs(err, ErrCollision)
}

func (s *StorageSuite) TestIterObjectsFiltersByType() {
	s.storeBlob("a")
	s.storeBlob("bb")

	tree := s.s.NewObject()
	tree.SetType(plumbing.TreeObject)
	tree.SetSize(0)
	w, err := tree.Writer()
	s.Require().NoError(err)
	s.Require().NoError(w.Close())
	_, err = s.s.SetObject(tree)
	s.Require().NoError(err)

	it, err := s.s.IterObjects(plumbing.BlobObject)
	s.Require().NoError(err)
	defer it.Close()

	count := 0
	for {
		obj, err := it.Next()
		if err == io.EOF {
			break
		}
		s.Require().NoError(err)
		s.Equal(plumbing.BlobObject, obj.Type())
		count++
	}
	s.Equal(2, count)
}

func (s *StorageSuite) TestWritePackRoundTrip() {
	pack := plumbing.NewHash("1111111111111111111111111111111111111111")
	packData := []byte("pack-bytes")
	idxData := []byte("idx-bytes")

	s.Require().NoError(s.s.WritePack(pack, bytes.NewReader(packData), bytes.NewReader(idxData)))

	packs, err := s.s.Packs()
	s.NoError(err)
	s.Equal([]plumbing.Hash{pack}, packs)

	pr, err := s.s.PackReader(pack)
	s.Require().NoError(err)
	defer pr.Close()
	got, err := io.ReadAll(pr)
	s.NoError(err)
	s.Equal(packData, got)

	ir, err := s.s.IndexReader(pack)
	s.Require().NoError(err)
	defer ir.Close()
	got, err = io.ReadAll(ir)
	s.NoError(err)
	s.Equal(idxData, got)
}

func (s *StorageSuite) TestWritePackDoesNotDuplicateOrder() {
	pack := plumbing.NewHash("2222222222222222222222222222222222222222")
	s.Require().NoError(s.s.WritePack(pack, bytes.NewReader([]byte("a")), bytes.NewReader([]byte("b"))))
	s.Require().NoError(s.s.WritePack(pack, bytes.NewReader([]byte("c")), bytes.NewReader([]byte("d"))))

	packs, err := s.s.Packs()
	s.NoError(err)
	s.Equal([]plumbing.Hash{pack}, packs)
}
