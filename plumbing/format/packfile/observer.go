package packfile

import "github.com/git/packd/plumbing"

// Observer is notified while a pack is scanned or parsed. The index
// writer is the canonical consumer: it builds a MemoryIndex purely
// from these callbacks without needing to re-read the pack itself.
type Observer interface {
	// OnHeader is called once, after the pack header is read.
	OnHeader(count uint32) error
	// OnInflatedObjectHeader is called for every object, delta or not,
	// right before OnInflatedObjectContent for that same object.
	OnInflatedObjectHeader(t plumbing.ObjectType, objSize, pos int64) error
	// OnInflatedObjectContent is called once an object's final type,
	// hash, and CRC32 are known — for a delta this is after resolution
	// against its base. The Encoder and Parser in this package pass a
	// nil content.
	OnInflatedObjectContent(h plumbing.Hash, pos int64, crc uint32, content []byte) error
	// OnFooter is called once, with the pack's trailing checksum.
	OnFooter(h plumbing.Hash) error
}
