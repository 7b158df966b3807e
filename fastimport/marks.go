package fastimport

import "github.com/git/packd/plumbing"

// ObjectEntry is the engine's working-set record for one object it has
// created: enough to answer a mark or committish lookup without
// re-reading the object back from the store.
type ObjectEntry struct {
	ID   plumbing.Hash
	Type plumbing.ObjectType
	Size int64

	// Imported marks an entry loaded from a marks file rather than
	// produced by this run: its object lives in a pack this process
	// never wrote, so it must never be selected as a same-pack delta
	// base. Since imported entries are never added to the pending set
	// a packfile is built from, this is enforced by construction rather
	// than checked explicitly at delta-selection time.
	Imported bool
}

const (
	markShift = 10
	markWidth = 1 << markShift
	markMask  = markWidth - 1
)

// markNode is one level of the mark table's radix tree. A node with
// depth 0 holds entries directly; a node with depth > 0 holds child
// nodes one level closer to the leaves. Both cases share a single
// struct (one typed array for children, one for entries) so growing
// the tree upward never requires migrating already-populated subtrees.
type markNode struct {
	depth    uint
	children [markWidth]*markNode
	entries  [markWidth]*ObjectEntry
}

// marks is the sparse 1024-way radix tree described for the fast-import
// mark table: small, contiguous mark ids stay in a single leaf node;
// the tree only grows upward (and the existing root becomes slot 0 of
// a new root) when an id is seen that doesn't fit the current span.
type marks struct {
	root *markNode
}

func newMarks() *marks {
	return &marks{root: &markNode{depth: 0}}
}

func (m *marks) span() int64 {
	return int64(markWidth) << (markShift * m.root.depth)
}

func (m *marks) growFor(id int64) {
	for id >= m.span() {
		old := m.root
		m.root = &markNode{depth: old.depth + 1}
		m.root.children[0] = old
	}
}

// Set records e under mark id, growing the tree if necessary.
func (m *marks) Set(id int64, e *ObjectEntry) {
	if id < 0 {
		return
	}
	m.growFor(id)

	n := m.root
	for n.depth > 0 {
		shift := markShift * n.depth
		idx := (id >> shift) & markMask
		if n.children[idx] == nil {
			n.children[idx] = &markNode{depth: n.depth - 1}
		}
		n = n.children[idx]
	}
	n.entries[id&markMask] = e
}

// Get looks up the entry recorded under mark id, if any.
func (m *marks) Get(id int64) (*ObjectEntry, bool) {
	if id < 0 || id >= m.span() {
		return nil, false
	}

	n := m.root
	for n.depth > 0 {
		shift := markShift * n.depth
		idx := (id >> shift) & markMask
		n = n.children[idx]
		if n == nil {
			return nil, false
		}
	}
	e := n.entries[id&markMask]
	return e, e != nil
}

// All walks every recorded (id, entry) pair in ascending id order, for
// export and crash-report dumping.
func (m *marks) All() []markPair {
	var out []markPair
	m.walk(m.root, 0, &out)
	return out
}

type markPair struct {
	ID    int64
	Entry *ObjectEntry
}

func (m *marks) walk(n *markNode, base int64, out *[]markPair) {
	if n == nil {
		return
	}
	if n.depth == 0 {
		for i, e := range n.entries {
			if e != nil {
				*out = append(*out, markPair{ID: base + int64(i), Entry: e})
			}
		}
		return
	}
	shift := markShift * n.depth
	for i, c := range n.children {
		m.walk(c, base+int64(i)<<shift, out)
	}
}
