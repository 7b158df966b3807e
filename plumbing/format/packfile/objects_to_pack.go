package packfile

import "github.com/git/packd/plumbing"

// ObjectToPack is one entry in a PackWriter's working set: a pending
// object plus whatever delta-base selection the delta selector made
// for it. Every field below mirrors an ObjectEntry record.
type ObjectToPack struct {
	// Object is the content this entry contributes to the pack: for a
	// non-delta entry this is the object itself; a delta entry keeps
	// this pointing at its own original content too (the encoded
	// delta bytes live in Delta), since the hash and type identifying
	// the entry never change.
	Object plumbing.EncodedObject
	// Original is always the object's full, non-delta-encoded content.
	Original plumbing.EncodedObject
	// Base is the entry this one is delta-encoded against, or nil.
	Base *ObjectToPack
	// Delta holds the encoded delta instructions once a base has been
	// selected for this entry.
	Delta []byte
	// DeltaPayloadSize is len(Delta); cached since selection compares
	// it against len(Original)'s content repeatedly.
	DeltaPayloadSize int64
	// Depth is the length of the delta chain ending at this entry: 0
	// for a non-delta object, Base.Depth+1 otherwise.
	Depth int
	// PackOffset is assigned once this entry's position in the output
	// stream is known, during encoding.
	PackOffset int64
	// PreferredBase marks an entry that may only serve as a delta base
	// and is never itself written into the pack (a thin-pack's
	// external ancestor).
	PreferredBase bool
}

// newObjectToPack wraps o as a non-delta pack entry.
func newObjectToPack(o plumbing.EncodedObject) *ObjectToPack {
	return &ObjectToPack{Object: o, Original: o}
}

// newDeltaObjectToPack wraps original as an entry delta-encoded
// against base, with delta holding the encoded instructions.
func newDeltaObjectToPack(base *ObjectToPack, original plumbing.EncodedObject, delta []byte) *ObjectToPack {
	return &ObjectToPack{
		Object:           original,
		Original:         original,
		Base:             base,
		Delta:            delta,
		DeltaPayloadSize: int64(len(delta)),
		Depth:            base.Depth + 1,
	}
}

// IsDelta reports whether this entry is delta-encoded.
func (o *ObjectToPack) IsDelta() bool {
	return o.Base != nil
}

// Hash returns the entry's object id.
func (o *ObjectToPack) Hash() plumbing.Hash {
	return o.Original.Hash()
}

// Type returns the entry's logical type — the delta chain's ultimate
// type, not OFSDeltaObject/REFDeltaObject.
func (o *ObjectToPack) Type() plumbing.ObjectType {
	return o.Original.Type()
}

// Size returns the entry's uncompressed, non-delta-encoded size.
func (o *ObjectToPack) Size() int64 {
	return o.Original.Size()
}
