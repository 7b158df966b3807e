// Package integrity cross-checks a pack index against the object
// store it was built from, catching the case an index entry names a
// hash that no longer resolves to matching content — the collision
// and corruption detection called for by the store's integrity
// properties.
package integrity

import (
	"context"
	"errors"
	"fmt"
	"io"

	"golang.org/x/sync/errgroup"

	"github.com/git/packd/plumbing/format/idxfile"
	"github.com/git/packd/storer"
)

// maxConcurrentChecks bounds how many objects VerifyPack resolves at
// once, so verifying a very large index doesn't open unbounded
// concurrent readers against the store.
const maxConcurrentChecks = 8

// VerifyPack walks every entry in idx and confirms store resolves its
// hash to an object whose own computed hash agrees — an index entry
// that has drifted from the object it claims to describe is reported
// as an error naming the offending hash.
func VerifyPack(ctx context.Context, store storer.ObjectStore, idx *idxfile.MemoryIndex) error {
	it, err := idx.Entries()
	if err != nil {
		return err
	}
	defer it.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentChecks)

	for {
		entry, err := it.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}

		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}

			obj, err := store.GetObject(entry.Hash)
			if err != nil {
				return fmt.Errorf("integrity: resolving %s: %w", entry.Hash, err)
			}
			if obj.Hash() != entry.Hash {
				return fmt.Errorf("integrity: index entry %s resolved to mismatched object %s", entry.Hash, obj.Hash())
			}
			return nil
		})
	}

	return g.Wait()
}
