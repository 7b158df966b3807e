package fastimport

import (
	"github.com/golang/groupcache/lru"

	"github.com/git/packd/plumbing"
	"github.com/git/packd/storer"
)

// defaultTreeCacheEntries bounds how many decoded tree objects a
// cachingStore keeps resident. Branches commonly share ancestor
// history (a feature branch forked from main, say), so re-reading and
// re-parsing the same tree object on every touch of every branch that
// descends from it is wasted work; tree content is immutable once
// written, so caching it by hash is always safe.
const defaultTreeCacheEntries = 4096

// cachingStore wraps an ObjectStore and memoizes GetObject lookups for
// tree objects, which loadTreeNode and parentFor's lazy subtree
// expansion re-fetch every time a branch is evicted and reloaded or a
// sibling branch descends into shared history.
type cachingStore struct {
	storer.ObjectStore
	trees *lru.Cache
}

// newCachingStore wraps store with a bounded tree-object cache.
func newCachingStore(store storer.ObjectStore) storer.ObjectStore {
	return &cachingStore{ObjectStore: store, trees: lru.New(defaultTreeCacheEntries)}
}

func (s *cachingStore) GetObject(h plumbing.Hash) (plumbing.EncodedObject, error) {
	if v, ok := s.trees.Get(h); ok {
		return v.(plumbing.EncodedObject), nil
	}
	obj, err := s.ObjectStore.GetObject(h)
	if err != nil {
		return nil, err
	}
	if obj.Type() == plumbing.TreeObject {
		s.trees.Add(h, obj)
	}
	return obj, nil
}
