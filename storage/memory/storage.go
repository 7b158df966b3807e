// Package memory is an in-memory ObjectStore, used by tests and by any
// caller happy to hold the whole object set in RAM. Packs handed to
// WritePack are kept in memory too, and Packs/PackReader/IndexReader
// return them.
package memory

import (
	"bytes"
	"fmt"
	"io"

	"github.com/git/packd/plumbing"
	"github.com/git/packd/storer"
)

// Storage is an ephemeral, in-memory ObjectStore.
type Storage struct {
	Objects map[plumbing.Hash]plumbing.EncodedObject

	packs map[plumbing.Hash][2][]byte // packID -> [packBytes, idxBytes]
	order []plumbing.Hash
}

// NewStorage returns an empty in-memory Storage.
func NewStorage() *Storage {
	return &Storage{
		Objects: make(map[plumbing.Hash]plumbing.EncodedObject),
		packs:   make(map[plumbing.Hash][2][]byte),
	}
}

func (s *Storage) HasObject(h plumbing.Hash) (bool, error) {
	_, ok := s.Objects[h]
	return ok, nil
}

func (s *Storage) GetObject(h plumbing.Hash) (plumbing.EncodedObject, error) {
	obj, ok := s.Objects[h]
	if !ok {
		return nil, plumbing.ErrObjectNotFound
	}
	return obj, nil
}

func (s *Storage) NewObject() plumbing.EncodedObject {
	return plumbing.NewMemoryObject()
}

func (s *Storage) SetObject(obj plumbing.EncodedObject) (plumbing.Hash, error) {
	h := obj.Hash()
	if existing, ok := s.Objects[h]; ok {
		if !sameContent(existing, obj) {
			return h, fmt.Errorf("%w: hash %s already present with different content", ErrCollision, h)
		}
		return h, nil
	}
	s.Objects[h] = obj
	return h, nil
}

// ErrCollision is returned by SetObject when an incoming object's hash
// matches a stored object whose content differs — the collision-safety
// property required by spec.md §8.
var ErrCollision = fmt.Errorf("object collision")

func sameContent(a, b plumbing.EncodedObject) bool {
	if a.Type() != b.Type() || a.Size() != b.Size() {
		return false
	}
	ar, err := a.Reader()
	if err != nil {
		return false
	}
	defer ar.Close()
	br, err := b.Reader()
	if err != nil {
		return false
	}
	defer br.Close()

	ab, err := io.ReadAll(ar)
	if err != nil {
		return false
	}
	bb, err := io.ReadAll(br)
	if err != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}

func (s *Storage) IterObjects(t plumbing.ObjectType) (storer.EncodedObjectIter, error) {
	var series []plumbing.EncodedObject
	for _, o := range s.Objects {
		if t == plumbing.AnyObject || o.Type() == t {
			series = append(series, o)
		}
	}
	return storer.NewEncodedObjectSliceIter(series), nil
}

func (s *Storage) Packs() ([]plumbing.Hash, error) {
	out := make([]plumbing.Hash, len(s.order))
	copy(out, s.order)
	return out, nil
}

func (s *Storage) PackReader(pack plumbing.Hash) (io.ReadCloser, error) {
	p, ok := s.packs[pack]
	if !ok {
		return nil, plumbing.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(p[0])), nil
}

func (s *Storage) IndexReader(pack plumbing.Hash) (io.ReadCloser, error) {
	p, ok := s.packs[pack]
	if !ok {
		return nil, plumbing.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(p[1])), nil
}

func (s *Storage) WritePack(pack plumbing.Hash, packData, idxData io.Reader) error {
	pb, err := io.ReadAll(packData)
	if err != nil {
		return err
	}
	ib, err := io.ReadAll(idxData)
	if err != nil {
		return err
	}
	if _, exists := s.packs[pack]; !exists {
		s.order = append(s.order, pack)
	}
	s.packs[pack] = [2][]byte{pb, ib}
	return nil
}

var _ storer.ObjectStore = (*Storage)(nil)
