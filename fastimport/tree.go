package fastimport

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/git/packd/plumbing"
	"github.com/git/packd/storer"
)

// File modes accepted in M/N file-change lines.
const (
	modeBlob     uint32 = 0o100644
	modeBlobExec uint32 = 0o100755
	modeSymlink  uint32 = 0o120000
	modeTree     uint32 = 0o040000
	modeGitlink  uint32 = 0o160000
)

func parseMode(s string) (uint32, error) {
	switch s {
	case "100644", "644":
		return modeBlob, nil
	case "100755", "755":
		return modeBlobExec, nil
	case "120000":
		return modeSymlink, nil
	case "040000":
		return modeTree, nil
	case "160000":
		return modeGitlink, nil
	default:
		return 0, fmt.Errorf("fast-import: invalid mode %q", s)
	}
}

func isDirMode(mode uint32) bool {
	return mode == modeTree
}

// treeEntry is one named child of a tree, in either its baseline
// (last-serialized) or working (currently edited) form.
type treeEntry struct {
	mode uint32
	id   plumbing.Hash
	sub  *treeNode // non-nil for an in-progress directory entry
}

// treeNode is a branch's or subdirectory's two-version working set:
// baseline is what was last written to the object store (and so is
// available as a delta base); working is what file-change commands
// have been mutating since. Committing copies working into baseline
// after recursively flushing any dirty subtrees.
type treeNode struct {
	baseline map[string]treeEntry
	working  map[string]treeEntry
	dirty    bool
}

func newTreeNode() *treeNode {
	return &treeNode{
		baseline: make(map[string]treeEntry),
		working:  make(map[string]treeEntry),
	}
}

// parentFor walks path (slash-separated) from the working tree, creating
// intermediate directory entries as needed and lazily materializing any
// directory entry that was only ever loaded from a baseline (store must
// be non-nil whenever such an entry might be encountered), and returns
// the final component's parent node and name. Every directory it passes
// through is marked dirty, so flush reaches the returned parent.
func (n *treeNode) parentFor(store storer.ObjectStore, path []string) (*treeNode, string, error) {
	cur := n
	for _, comp := range path[:len(path)-1] {
		if comp == "" {
			return nil, "", fmt.Errorf("fast-import: empty path component")
		}
		cur.dirty = true
		e, ok := cur.working[comp]
		if !ok {
			sub := newTreeNode()
			cur.working[comp] = treeEntry{mode: modeTree, sub: sub}
			cur.dirty = true
			cur = sub
			continue
		}
		if !isDirMode(e.mode) {
			return nil, "", fmt.Errorf("fast-import: %q is a file, not a directory", comp)
		}
		if e.sub == nil {
			sub, err := loadTreeNode(store, e.id)
			if err != nil {
				return nil, "", fmt.Errorf("fast-import: loading tree %q: %w", comp, err)
			}
			e.sub = sub
			cur.working[comp] = e
		}
		cur = e.sub
	}
	return cur, path[len(path)-1], nil
}

// set records path's content at mode/id, creating parent directories
// as needed.
func (n *treeNode) set(store storer.ObjectStore, path []string, mode uint32, id plumbing.Hash) error {
	if len(path) == 0 || path[len(path)-1] == "" {
		return fmt.Errorf("fast-import: empty path")
	}
	parent, name, err := n.parentFor(store, path)
	if err != nil {
		return err
	}
	parent.working[name] = treeEntry{mode: mode, id: id}
	parent.markDirty()
	return nil
}

// lookup resolves path to its current working entry, if any.
func (n *treeNode) lookup(store storer.ObjectStore, path []string) (treeEntry, bool, error) {
	if len(path) == 0 || path[len(path)-1] == "" {
		return treeEntry{}, false, nil
	}
	parent, name, err := n.parentFor(store, path)
	if err != nil {
		return treeEntry{}, false, err
	}
	e, ok := parent.working[name]
	return e, ok, nil
}

// setEntry places an existing entry (as returned by lookup) at path,
// for rename/copy file-change commands that move a node's identity
// rather than construct a fresh one.
func (n *treeNode) setEntry(store storer.ObjectStore, path []string, e treeEntry) error {
	if len(path) == 0 || path[len(path)-1] == "" {
		return fmt.Errorf("fast-import: empty path")
	}
	parent, name, err := n.parentFor(store, path)
	if err != nil {
		return err
	}
	parent.working[name] = e
	parent.markDirty()
	return nil
}

// remove deletes path from the working tree, if present.
func (n *treeNode) remove(store storer.ObjectStore, path []string) error {
	parent, name, err := n.parentFor(store, path)
	if err != nil {
		return err
	}
	if _, ok := parent.working[name]; ok {
		delete(parent.working, name)
		parent.markDirty()
	}
	return nil
}

// deleteAll clears every working entry, for the deleteall command.
func (n *treeNode) deleteAll() {
	n.working = make(map[string]treeEntry)
	n.dirty = true
}

func (n *treeNode) markDirty() {
	n.dirty = true
}

// flush recursively serializes every dirty subtree (depth first),
// writes this node's own tree object if it changed, and copies working
// into baseline. It returns this node's resulting tree id; a node that
// was already clean returns the id of its baseline without writing.
func (n *treeNode) flush(store storer.ObjectStore) (plumbing.Hash, error) {
	if !n.dirty {
		return n.hashOf(n.baseline), nil
	}

	for name, e := range n.working {
		if e.sub != nil {
			id, err := e.sub.flush(store)
			if err != nil {
				return plumbing.ZeroHash, err
			}
			e.id = id
			n.working[name] = e
		}
	}

	content := encodeTree(n.working)
	obj := store.NewObject()
	obj.SetType(plumbing.TreeObject)
	w, err := obj.Writer()
	if err != nil {
		return plumbing.ZeroHash, err
	}
	if _, err := w.Write(content); err != nil {
		w.Close()
		return plumbing.ZeroHash, err
	}
	if err := w.Close(); err != nil {
		return plumbing.ZeroHash, err
	}

	id, err := store.SetObject(obj)
	if err != nil {
		return plumbing.ZeroHash, err
	}

	n.baseline = cloneEntries(n.working)
	n.dirty = false
	return id, nil
}

func (n *treeNode) hashOf(entries map[string]treeEntry) plumbing.Hash {
	content := encodeTree(entries)
	h := plumbing.NewHasher(plumbing.TreeObject, int64(len(content)))
	h.Write(content)
	return h.Sum()
}

func cloneEntries(m map[string]treeEntry) map[string]treeEntry {
	out := make(map[string]treeEntry, len(m))
	for k, v := range m {
		if v.sub != nil {
			out[k] = treeEntry{mode: v.mode, id: v.id, sub: v.sub}
		} else {
			out[k] = v
		}
	}
	return out
}

// encodeTree serializes entries in git's tree sort order: names are
// compared as if every directory entry carried a trailing slash, so
// "foo" (a blob) and "foo.txt" interleave correctly around "foo/"
// (a tree) rather than a plain byte-wise sort misordering them.
func encodeTree(entries map[string]treeEntry) []byte {
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		return treeSortKey(names[i], entries[names[i]].mode) < treeSortKey(names[j], entries[names[j]].mode)
	})

	var buf bytes.Buffer
	for _, name := range names {
		e := entries[name]
		fmt.Fprintf(&buf, "%s %s\x00", strconv.FormatUint(uint64(e.mode), 8), name)
		buf.Write(e.id[:])
	}
	return buf.Bytes()
}

func treeSortKey(name string, mode uint32) string {
	if isDirMode(mode) {
		return name + "/"
	}
	return name
}

// decodeTree parses a serialized tree object back into entries, the
// inverse of encodeTree. Subdirectory entries come back unexpanded
// (sub == nil); parentFor expands them from the store on first descent.
func decodeTree(content []byte) (map[string]treeEntry, error) {
	out := make(map[string]treeEntry)
	for i := 0; i < len(content); {
		sp := bytes.IndexByte(content[i:], ' ')
		if sp < 0 {
			return nil, fmt.Errorf("fast-import: truncated tree entry")
		}
		modeStr := string(content[i : i+sp])
		i += sp + 1

		nul := bytes.IndexByte(content[i:], 0)
		if nul < 0 {
			return nil, fmt.Errorf("fast-import: truncated tree entry name")
		}
		name := string(content[i : i+nul])
		i += nul + 1

		if i+plumbing.HashSize > len(content) {
			return nil, fmt.Errorf("fast-import: truncated tree entry id")
		}
		var id plumbing.Hash
		copy(id[:], content[i:i+plumbing.HashSize])
		i += plumbing.HashSize

		mode, err := strconv.ParseUint(modeStr, 8, 32)
		if err != nil {
			return nil, fmt.Errorf("fast-import: invalid tree entry mode %q: %w", modeStr, err)
		}
		out[name] = treeEntry{mode: uint32(mode), id: id}
	}
	return out, nil
}

// loadTreeNode reads and parses the tree object at hash, seeding both
// baseline and working from its entries, for materializing a subtree
// (or a whole branch's root) inherited from an existing commit.
func loadTreeNode(store storer.ObjectStore, hash plumbing.Hash) (*treeNode, error) {
	obj, err := store.GetObject(hash)
	if err != nil {
		return nil, err
	}
	r, err := obj.Reader()
	if err != nil {
		return nil, err
	}
	content, err := io.ReadAll(r)
	r.Close()
	if err != nil {
		return nil, err
	}

	entries, err := decodeTree(content)
	if err != nil {
		return nil, err
	}
	return &treeNode{baseline: entries, working: cloneEntries(entries)}, nil
}

// loadCommitTree reads a commit object and returns the hash named by
// its leading "tree " header line.
func loadCommitTree(store storer.ObjectStore, commit plumbing.Hash) (plumbing.Hash, error) {
	obj, err := store.GetObject(commit)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	r, err := obj.Reader()
	if err != nil {
		return plumbing.ZeroHash, err
	}
	defer r.Close()

	br := bufio.NewReader(r)
	line, err := br.ReadString('\n')
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("fast-import: reading commit %s: %w", commit, err)
	}
	const prefix = "tree "
	if !strings.HasPrefix(line, prefix) {
		return plumbing.ZeroHash, fmt.Errorf("fast-import: commit %s has no tree header", commit)
	}
	return plumbing.NewHash(strings.TrimSpace(strings.TrimPrefix(line, prefix))), nil
}
