package packfile

import (
	"io"
	"sort"

	"github.com/git/packd/plumbing"
	"github.com/git/packd/storer"
)

// maxDepth bounds how long a delta chain may grow before an entry must
// be written as a full object instead.
const maxDepth = 50

// deltaSelector turns a flat list of object ids into a list of pack
// entries, some of which have been delta-compressed against a sliding
// window of recently-seen candidates — git's own approach to keeping
// delta search bounded on large object sets rather than comparing
// every pair.
type deltaSelector struct {
	store storer.ObjectStore
}

func newDeltaSelector(store storer.ObjectStore) *deltaSelector {
	return &deltaSelector{store: store}
}

// ObjectsToPack resolves hashes into entries, sorts them so similar
// objects land near each other, and runs delta selection over a
// sliding window of size deltaWindowSize. A window of zero disables
// delta compression: entries come back in their input order, all
// non-delta.
func (dsel *deltaSelector) ObjectsToPack(hashes []plumbing.Hash, deltaWindowSize uint) ([]*ObjectToPack, error) {
	return dsel.ObjectsToPackWithPreferred(nil, hashes, deltaWindowSize)
}

// ObjectsToPackWithPreferred is ObjectsToPack extended with a set of
// preferred-base ids: objects that must be available to the delta
// window as base candidates but that the caller will never itself
// write into the pack (PackWriter.AddPreferredTree's use case, for
// example). Every returned entry whose PreferredBase is true must be
// excluded by the caller before encoding; this function only arranges
// for them to seed the window first.
func (dsel *deltaSelector) ObjectsToPackWithPreferred(preferred, hashes []plumbing.Hash, deltaWindowSize uint) ([]*ObjectToPack, error) {
	return dsel.objectsToPack(preferred, hashes, deltaWindowSize)
}

func (dsel *deltaSelector) objectsToPack(preferred, hashes []plumbing.Hash, deltaWindowSize uint) ([]*ObjectToPack, error) {
	otp := make([]*ObjectToPack, 0, len(preferred)+len(hashes))
	for _, h := range preferred {
		obj, err := dsel.store.GetObject(h)
		if err != nil {
			return nil, err
		}
		o := newObjectToPack(obj)
		o.PreferredBase = true
		otp = append(otp, o)
	}
	for _, h := range hashes {
		obj, err := dsel.store.GetObject(h)
		if err != nil {
			return nil, err
		}
		otp = append(otp, newObjectToPack(obj))
	}

	if deltaWindowSize == 0 {
		return otp, nil
	}

	// Preferred bases stay in front so they seed the window; only the
	// entries that will be written are sorted, before the walk, so a
	// chosen base always precedes its delta.
	dsel.sort(otp[len(preferred):])
	if err := dsel.walk(otp, deltaWindowSize); err != nil {
		return nil, err
	}
	return otp, nil
}

// sort groups entries by type (since a delta's base must share its
// target's eventual type) and, within a type, orders them largest
// first: bigger objects make better delta bases and this way they're
// available as candidates before their smaller siblings are visited.
func (dsel *deltaSelector) sort(toSort []*ObjectToPack) {
	sort.Stable(byTypeAndSize(toSort))
}

type byTypeAndSize []*ObjectToPack

func (s byTypeAndSize) Len() int { return len(s) }
func (s byTypeAndSize) Swap(i, j int) { s[i], s[j] = s[j], s[i] }
func (s byTypeAndSize) Less(i, j int) bool {
	if s[i].Type() != s[j].Type() {
		return s[i].Type() < s[j].Type()
	}
	return s[i].Size() > s[j].Size()
}

// walk slides a window of the deltaWindowSize most recently visited
// entries across otp in order, trying each as a base candidate for the
// current entry before the window scrolls past it.
func (dsel *deltaSelector) walk(otp []*ObjectToPack, deltaWindowSize uint) error {
	window := newDeltaWindow(int(deltaWindowSize))

	for _, target := range otp {
		if target.PreferredBase {
			window.add(target)
			continue
		}

		best, bestDelta, bestDepth, err := dsel.bestDelta(target, window)
		if err != nil {
			return err
		}

		if best != nil {
			target.Base = best
			target.Delta = bestDelta
			target.DeltaPayloadSize = int64(len(bestDelta))
			target.Depth = bestDepth
		}

		window.add(target)
	}

	return nil
}

func (dsel *deltaSelector) bestDelta(target *ObjectToPack, window *deltaWindow) (*ObjectToPack, []byte, int, error) {
	if base, delta, depth, ok := dsel.reuseDelta(target, window); ok {
		return base, delta, depth, nil
	}

	targetContent, err := readAll(target.Original)
	if err != nil {
		return nil, nil, 0, err
	}

	var bestBase *ObjectToPack
	var bestDelta []byte

	for _, base := range window.candidates() {
		if base.Type() != target.Type() {
			continue
		}

		limit := dsel.deltaSizeLimit(target.Size(), base.Depth, maxDepth, bestDelta != nil)
		if limit <= 0 {
			continue
		}

		baseContent, err := readAll(base.Original)
		if err != nil {
			return nil, nil, 0, err
		}

		delta := NewDeltaIndex(baseContent).Encode(targetContent)
		if int64(len(delta)) >= limit {
			continue
		}
		if bestDelta != nil && len(delta) >= len(bestDelta) {
			continue
		}

		bestBase = base
		bestDelta = delta
	}

	if bestBase == nil {
		return nil, nil, 0, nil
	}
	return bestBase, bestDelta, bestBase.Depth + 1, nil
}

// reuseDelta looks for a delta target already carries from an earlier
// pack resolution (see resolvedDeltaObject) whose base is still
// available in window, and reuses its cached delta bytes verbatim
// instead of diffing the content again. This both skips the brute
// force search below and keeps the chain's existing depth accounting,
// matching the base it was actually encoded against. If target's base
// isn't among window's candidates — including when it never belonged
// to the set being packed at all — reuse is skipped and the caller
// falls back to the normal search, which is also the right behavior
// when a reused thin delta's ultimate base never made it into this
// target set.
func (dsel *deltaSelector) reuseDelta(target *ObjectToPack, window *deltaWindow) (*ObjectToPack, []byte, int, bool) {
	reused, ok := target.Original.(plumbing.DeltaObject)
	if !ok {
		return nil, nil, 0, false
	}
	base := window.byHash(reused.BaseHash())
	if base == nil || base.Type() != target.Type() {
		return nil, nil, 0, false
	}
	delta, ok := reusableDeltaPayload(target.Original)
	if !ok {
		return nil, nil, 0, false
	}

	if base.Depth >= maxDepth {
		return nil, nil, 0, false
	}
	return base, delta, base.Depth + 1, true
}

// deltaSizeLimit returns the largest delta worth keeping: it must beat
// the target's own uncompressed size (or there is no point deltifying
// at all) and the resulting chain must not exceed maxDepth. haveBest
// additionally requires the candidate to improve on the best delta
// already found, which this function leaves to the caller's own size
// comparison — it only enforces the depth and absolute-size bounds.
func (dsel *deltaSelector) deltaSizeLimit(targetSize int64, baseDepth, maxDepth int, haveBest bool) int64 {
	if baseDepth >= maxDepth {
		return 0
	}
	if !haveBest {
		return targetSize
	}
	return targetSize
}

func readAll(o plumbing.EncodedObject) ([]byte, error) {
	r, err := o.Reader()
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// deltaWindow is the sliding window of recently visited entries a
// target may delta against. Entries scroll out in FIFO order once the
// window is full, so a target can never be based on something outside
// its own comparison horizon.
type deltaWindow struct {
	size    int
	entries []*ObjectToPack
}

func newDeltaWindow(size int) *deltaWindow {
	return &deltaWindow{size: size}
}

func (w *deltaWindow) add(o *ObjectToPack) {
	if w.size <= 0 {
		return
	}
	w.entries = append(w.entries, o)
	if len(w.entries) > w.size {
		w.entries = w.entries[len(w.entries)-w.size:]
	}
}

func (w *deltaWindow) candidates() []*ObjectToPack {
	return w.entries
}

// byHash returns the window entry with hash h, if one is still
// present.
func (w *deltaWindow) byHash(h plumbing.Hash) *ObjectToPack {
	for _, o := range w.entries {
		if o.Hash() == h {
			return o
		}
	}
	return nil
}
