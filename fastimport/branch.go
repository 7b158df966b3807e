package fastimport

import (
	"github.com/emirpasic/gods/lists/doublylinkedlist"

	"github.com/git/packd/plumbing"
)

// branch is one ref's in-progress state: its two-version working tree
// and the commit it currently points at.
type branch struct {
	name       string
	tree       *treeNode
	commit     plumbing.Hash
	treeLoaded bool
}

func newBranch(name string) *branch {
	return &branch{name: name, tree: newTreeNode(), treeLoaded: true}
}

// activeBranches bounds how many branches keep a working tree resident
// at once (max_active_branches): the least-recently-touched branch is
// evicted to make room for a new one, the same resource trade the
// original engine makes to cap memory on imports with many refs.
type activeBranches struct {
	max   int
	order *doublylinkedlist.List // front = most recently touched
	live  map[string]bool
}

func newActiveBranches(max int) *activeBranches {
	return &activeBranches{max: max, order: doublylinkedlist.New(), live: make(map[string]bool)}
}

// touch marks name as most recently used. If this pushes the set over
// capacity, the least-recently-used name is evicted and returned.
func (a *activeBranches) touch(name string) (evicted string, ok bool) {
	if a.live[name] {
		a.removeName(name)
	}
	a.order.Prepend(name)
	a.live[name] = true

	if a.max <= 0 || a.order.Size() <= a.max {
		return "", false
	}

	v, _ := a.order.Get(a.order.Size() - 1)
	oldest := v.(string)
	a.removeName(oldest)
	return oldest, true
}

func (a *activeBranches) removeName(name string) {
	if idx := a.order.IndexOf(name); idx >= 0 {
		a.order.Remove(idx)
	}
	delete(a.live, name)
}
