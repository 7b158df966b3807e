package packfile

import "github.com/git/packd/plumbing"

// resolvedDeltaObject is the EncodedObject Parser.resolveDelta stores
// for a delta it just patched: it reads back exactly like any other
// object (Reader returns the patched, full content) but also keeps the
// base hash and raw delta instructions that produced it, so a later
// pack built from the same store can reuse that encoding verbatim
// instead of diffing the content again from scratch.
type resolvedDeltaObject struct {
	plumbing.EncodedObject
	baseHash plumbing.Hash
	delta    []byte
}

// BaseHash implements plumbing.DeltaObject.
func (o *resolvedDeltaObject) BaseHash() plumbing.Hash {
	return o.baseHash
}

// DeltaPayload returns the raw delta instruction bytes this object was
// already encoded as against BaseHash.
func (o *resolvedDeltaObject) DeltaPayload() []byte {
	return o.delta
}

var _ plumbing.DeltaObject = (*resolvedDeltaObject)(nil)

// deltaPayloadHolder is implemented by an EncodedObject that can hand
// back its own cached delta encoding, letting bestDelta skip
// NewDeltaIndex's diff when a usable one already exists.
type deltaPayloadHolder interface {
	DeltaPayload() []byte
}

func reusableDeltaPayload(o plumbing.EncodedObject) ([]byte, bool) {
	h, ok := o.(deltaPayloadHolder)
	if !ok {
		return nil, false
	}
	return h.DeltaPayload(), true
}
