// Package thinpack completes a thin pack — one whose REF-deltas may
// point at a base the sender never transmitted, because the receiver
// is assumed to already have it — into a standalone, self-contained
// pack file.
package thinpack

import (
	"errors"
	"io"

	"github.com/go-git/go-billy/v5"

	"github.com/git/packd/plumbing"
	"github.com/git/packd/plumbing/format/packfile"
	"github.com/git/packd/storer"
)

// ErrBaseNotFound is returned when a thin pack references a base that
// isn't present in the completer's object store either.
var ErrBaseNotFound = errors.New("thin pack base object not found")

// Completer appends any bases a thin pack's REF-deltas are missing,
// fetching them from store.
type Completer struct {
	store storer.ObjectStore
}

// NewCompleter returns a Completer resolving missing bases from store.
func NewCompleter(store storer.ObjectStore) *Completer {
	return &Completer{store: store}
}

// Complete reads the thin pack in f (already positioned or not — it is
// seeked to the start first), appends any bases its deltas are missing
// as plain records, and rewrites the header count and trailer
// checksum in place. f must be a real seekable, truncatable file: the
// pack is extended on disk, not rebuilt in memory.
//
// It returns the number of bases appended. Zero means the pack was
// already self-contained and f was left untouched.
func (c *Completer) Complete(f billy.File) (int, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}

	p := packfile.NewParser(f)
	if _, err := p.Parse(); err != nil {
		return 0, err
	}

	missing := p.MissingBases()
	if len(missing) == 0 {
		return 0, nil
	}

	end, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}
	// Drop the stale trailer: new records are appended in its place,
	// followed by a freshly computed one.
	if err := f.Truncate(end - plumbing.HashSize); err != nil {
		return 0, err
	}
	if _, err := f.Seek(end-plumbing.HashSize, io.SeekStart); err != nil {
		return 0, err
	}

	for _, h := range missing {
		obj, err := c.store.GetObject(h)
		if err != nil {
			return 0, ErrBaseNotFound
		}
		r, err := obj.Reader()
		if err != nil {
			return 0, err
		}
		content, err := io.ReadAll(r)
		r.Close()
		if err != nil {
			return 0, err
		}
		if _, err := packfile.WriteObjectEntry(f, obj.Type(), content); err != nil {
			return 0, err
		}
	}

	if err := c.rewriteHeaderCount(f, p.ObjectCount()+uint32(len(missing))); err != nil {
		return 0, err
	}
	if err := c.rewriteTrailer(f); err != nil {
		return 0, err
	}

	return len(missing), nil
}

// rewriteHeaderCount overwrites the 4-byte object count at offset 8
// ("PACK" + version), leaving everything else untouched.
func (c *Completer) rewriteHeaderCount(f billy.File, count uint32) error {
	if _, err := f.Seek(8, io.SeekStart); err != nil {
		return err
	}
	b := [4]byte{byte(count >> 24), byte(count >> 16), byte(count >> 8), byte(count)}
	_, err := f.Write(b[:])
	return err
}

// rewriteTrailer recomputes the pack's trailing checksum over the
// whole file (short of the trailer itself) and appends it.
//
// The real implementation this is grounded on keeps a resumable hash
// state so it only needs to fold in the newly appended suffix; that
// relies on being able to serialize the running hash's internal state,
// which sha1cd's collision-detecting implementation does not expose.
// Rehashing the whole file is simpler and still correct — just not the
// O(appended bytes) the original achieves.
func (c *Completer) rewriteTrailer(f billy.File) error {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}

	h := plumbing.NewPlainHasher()
	if _, err := io.Copy(h, f); err != nil {
		return err
	}

	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	_, err := f.Write(h.Sum(nil))
	return err
}
