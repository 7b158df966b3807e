// Package storer defines the ObjectStore collaborator the pack writer,
// indexer, and fast-import engine all read from and write to. It is
// intentionally narrow: presence checks, content resolution, loose
// object read/write, and pack enumeration — reference storage, reflogs,
// and repository configuration are an external concern (see spec.md §1).
package storer

import (
	"io"

	"github.com/git/packd/plumbing"
)

// EncodedObjectIter iterates over a sequence of objects.
type EncodedObjectIter interface {
	Next() (plumbing.EncodedObject, error)
	Close()
}

// ObjectStore is the collaborator described in spec.md §2: it reads and
// writes loose objects by content hash, reports whether an id is
// present, enumerates existing packs, and resolves an id to its
// (type, size, content).
type ObjectStore interface {
	// HasObject reports whether an object with hash h is present,
	// either loose or inside any known pack.
	HasObject(h plumbing.Hash) (bool, error)

	// GetObject resolves h to its full (type, size, content). It returns
	// ErrObjectNotFound if h is not present.
	GetObject(h plumbing.Hash) (plumbing.EncodedObject, error)

	// SetObject writes a loose object and returns its hash. Callers
	// that already know the hash (e.g. the pack indexer) may rely on
	// the returned hash matching; implementations must still compute it
	// themselves rather than trust the caller, per the collision-safety
	// requirement in spec.md §8.
	SetObject(obj plumbing.EncodedObject) (plumbing.Hash, error)

	// NewObject returns an empty, unhashed EncodedObject of the kind
	// this store produces, for callers that want to stream content in
	// via Writer() before committing it with SetObject.
	NewObject() plumbing.EncodedObject

	// IterObjects iterates all known objects of type t (or every object,
	// for AnyObject).
	IterObjects(t plumbing.ObjectType) (EncodedObjectIter, error)

	// Packs returns the ids of this store's existing packs, newest last.
	Packs() ([]plumbing.Hash, error)

	// PackReader opens the pack file for a pack id returned by Packs.
	PackReader(pack plumbing.Hash) (io.ReadCloser, error)

	// IndexReader opens the idx file for a pack id returned by Packs.
	IndexReader(pack plumbing.Hash) (io.ReadCloser, error)

	// WritePack stores a finished pack and its index under the given
	// pack id (the pack's trailer hash), returning nothing further to
	// do: naming, atomic placement, and any `.keep` sidecar are the
	// store's responsibility.
	WritePack(pack plumbing.Hash, packData, idxData io.Reader) error
}

// EncodedObjectSliceIter is a trivial EncodedObjectIter over a slice,
// used by in-memory stores and tests.
type EncodedObjectSliceIter struct {
	series []plumbing.EncodedObject
	pos    int
}

// NewEncodedObjectSliceIter returns an iterator over series.
func NewEncodedObjectSliceIter(series []plumbing.EncodedObject) *EncodedObjectSliceIter {
	return &EncodedObjectSliceIter{series: series}
}

// Next returns the next object, or io.EOF once exhausted.
func (i *EncodedObjectSliceIter) Next() (plumbing.EncodedObject, error) {
	if i.pos >= len(i.series) {
		return nil, io.EOF
	}
	o := i.series[i.pos]
	i.pos++
	return o, nil
}

// Close releases the iterator; a no-op for a slice-backed iterator.
func (i *EncodedObjectSliceIter) Close() {
	i.pos = len(i.series)
}
