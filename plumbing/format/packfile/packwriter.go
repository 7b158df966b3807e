package packfile

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/git/packd/plumbing"
	"github.com/git/packd/plumbing/format/idxfile"
	"github.com/git/packd/storer"
)

// modeTree is git's directory entry mode, duplicated from the tree
// encoding fastimport uses to build commits: a tree's entries use the
// same "<mode> <name>\x00<20-byte id>" record layout regardless of
// which package is walking them, but AddPreferredTree only needs to
// tell a subdirectory apart from a blob, not the full mode table
// fastimport's file-change commands require.
const modeTree = 0o040000

// PackWriter accumulates the set of objects a single pack will
// contain — added explicitly, or pulled in as preferred bases via
// AddPreferredTree — and produces the finished pack and its index
// together. Unlike calling Encoder directly, it tracks membership so
// repeated Add calls for the same id are no-ops, and it keeps
// preferred-base entries out of the written pack even though they
// took part in delta selection.
type PackWriter struct {
	store storer.ObjectStore

	ids        []plumbing.Hash
	seen       map[plumbing.Hash]bool
	preferred  []plumbing.Hash
	preferredSeen map[plumbing.Hash]bool

	preferRefDeltas bool
}

// NewPackWriter returns an empty PackWriter resolving object content
// from store.
func NewPackWriter(store storer.ObjectStore) *PackWriter {
	return &PackWriter{
		store:         store,
		seen:          make(map[plumbing.Hash]bool),
		preferredSeen: make(map[plumbing.Hash]bool),
	}
}

// PreferReferenceDeltas makes Finalize always write REF-deltas instead
// of OFS-deltas, the form a thin pack's consumer (which may append
// objects ahead of this pack's own entries) needs regardless of
// whether any preferred base was ever added.
func (w *PackWriter) PreferReferenceDeltas() {
	w.preferRefDeltas = true
}

// Add records id for inclusion in the pack. nameHint is accepted for
// parity with callers that group entries by the path they were last
// seen at, and is ignored: it plays no part in delta-base ordering.
// exclude marks id as a preferred base: it may
// serve as a delta base for other entries but Finalize never writes
// it out itself. Add is idempotent under id and reports whether this
// call actually added a new entry.
func (w *PackWriter) Add(id plumbing.Hash, nameHint string, exclude bool) bool {
	_ = nameHint
	if exclude {
		if w.preferredSeen[id] || w.seen[id] {
			return false
		}
		w.preferredSeen[id] = true
		w.preferred = append(w.preferred, id)
		return true
	}
	if w.seen[id] {
		return false
	}
	w.seen[id] = true
	w.ids = append(w.ids, id)
	return true
}

// AddPreferredTree reads commit's root tree and every subtree beneath
// it, adding each as a preferred base (Add with exclude set). A caller
// building a later pack in the same history can use this to let new
// commits' trees delta against a previous pack's trees without paying
// to re-include content the far end (or an earlier pack cycle) is
// assumed to already hold.
func (w *PackWriter) AddPreferredTree(commit plumbing.Hash) error {
	treeHash, err := readCommitTreeHash(w.store, commit)
	if err != nil {
		return err
	}
	return w.addTreeRecursive(treeHash)
}

func (w *PackWriter) addTreeRecursive(treeHash plumbing.Hash) error {
	if treeHash.IsZero() {
		return nil
	}
	w.Add(treeHash, "", true)

	obj, err := w.store.GetObject(treeHash)
	if err != nil {
		return err
	}
	r, err := obj.Reader()
	if err != nil {
		return err
	}
	content, err := io.ReadAll(r)
	r.Close()
	if err != nil {
		return err
	}

	entries, err := parseTreeModeAndID(content)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.mode != modeTree {
			continue
		}
		if err := w.addTreeRecursive(e.id); err != nil {
			return err
		}
	}
	return nil
}

// Finalize writes every added entry (plus whatever delta opportunities
// the preferred-base set opened up) into a pack with the given delta
// window, builds its index in the same pass, and stores both,
// returning the pack's and index's trailer hashes.
func (w *PackWriter) Finalize(deltaWindow uint) (packHash, idxHash plumbing.Hash, err error) {
	idxw := &idxfile.Writer{}
	var packBuf bytes.Buffer

	opts := []EncoderOption{WithDeltaWindow(deltaWindow), WithEncoderObservers(idxw)}
	if w.preferRefDeltas {
		opts = append(opts, WithReferenceDeltas())
	}
	enc := NewEncoder(&packBuf, w.store, opts...)

	packHash, err = enc.EncodeWithPreferred(w.preferred, w.ids)
	if err != nil {
		return plumbing.ZeroHash, plumbing.ZeroHash, err
	}

	idx, err := idxw.Index()
	if err != nil {
		return plumbing.ZeroHash, plumbing.ZeroHash, err
	}
	var idxBuf bytes.Buffer
	if _, err := idxfile.NewEncoder(&idxBuf).Encode(idx); err != nil {
		return plumbing.ZeroHash, plumbing.ZeroHash, err
	}
	idxHash = idx.IdxChecksum

	if err := w.store.WritePack(packHash, bytes.NewReader(packBuf.Bytes()), bytes.NewReader(idxBuf.Bytes())); err != nil {
		return plumbing.ZeroHash, plumbing.ZeroHash, err
	}

	return packHash, idxHash, nil
}

// readCommitTreeHash returns the hash named by a commit object's
// leading "tree " header line.
func readCommitTreeHash(store storer.ObjectStore, commit plumbing.Hash) (plumbing.Hash, error) {
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
		return plumbing.ZeroHash, fmt.Errorf("packfile: reading commit %s: %w", commit, err)
	}
	const prefix = "tree "
	if !strings.HasPrefix(line, prefix) {
		return plumbing.ZeroHash, fmt.Errorf("packfile: commit %s has no tree header", commit)
	}
	return plumbing.NewHash(strings.TrimSpace(strings.TrimPrefix(line, prefix))), nil
}

type treeModeAndID struct {
	mode uint32
	id   plumbing.Hash
}

// parseTreeModeAndID parses a serialized tree object's
// "<mode> <name>\x00<20-byte id>" records, keeping only what
// addTreeRecursive needs to tell a subtree apart from a blob and
// descend into it.
func parseTreeModeAndID(content []byte) ([]treeModeAndID, error) {
	var out []treeModeAndID
	for i := 0; i < len(content); {
		sp := bytes.IndexByte(content[i:], ' ')
		if sp < 0 {
			return nil, fmt.Errorf("packfile: truncated tree entry")
		}
		modeStr := string(content[i : i+sp])
		i += sp + 1

		nul := bytes.IndexByte(content[i:], 0)
		if nul < 0 {
			return nil, fmt.Errorf("packfile: truncated tree entry name")
		}
		i += nul + 1

		if i+plumbing.HashSize > len(content) {
			return nil, fmt.Errorf("packfile: truncated tree entry id")
		}
		var id plumbing.Hash
		copy(id[:], content[i:i+plumbing.HashSize])
		i += plumbing.HashSize

		mode, err := strconv.ParseUint(modeStr, 8, 32)
		if err != nil {
			return nil, fmt.Errorf("packfile: invalid tree entry mode %q: %w", modeStr, err)
		}
		out = append(out, treeModeAndID{mode: uint32(mode), id: id})
	}
	return out, nil
}
