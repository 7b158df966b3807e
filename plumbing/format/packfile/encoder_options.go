package packfile

// EncoderOption customizes an Encoder.
type EncoderOption func(*Encoder)

// WithDeltaWindow sets the sliding window size used to search for
// delta bases while encoding. Zero disables delta compression: every
// object is written in full.
func WithDeltaWindow(n uint) EncoderOption {
	return func(e *Encoder) {
		e.deltaWindowSize = n
	}
}

// WithEncoderObservers registers observers — typically an idxfile.Writer
// — to be notified as each object is written, so a pack index can be
// built in the same pass instead of requiring a second scan.
func WithEncoderObservers(obs ...Observer) EncoderOption {
	return func(e *Encoder) {
		e.observers = obs
	}
}

// WithReferenceDeltas makes the encoder prefer REF-deltas (20-byte
// base id) over OFS-deltas (backward offset) for every delta it
// writes. Thin packs intended to be completed against a receiver's
// existing objects need this, since the base may not be present in
// the pack at all and so has no in-pack offset to encode.
func WithReferenceDeltas() EncoderOption {
	return func(e *Encoder) {
		e.preferRefDeltas = true
	}
}
