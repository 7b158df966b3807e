package packfile

import (
	"bytes"

	"github.com/git/packd/plumbing"
)

// Version is a packfile format version number.
type Version uint32

// V2 is the only packfile version this package produces or consumes.
const V2 Version = 2

// Supported reports whether v is a version this package understands.
func (v Version) Supported() bool {
	return v == V2
}

// ObjectHeader carries everything known about a single packed object
// once its header (and, for non-delta objects, its content) has been
// scanned: where it sits in the pack, its advertised type and size,
// its base reference if it is a delta, and the running CRC32 of its
// raw on-disk bytes.
type ObjectHeader struct {
	Type            plumbing.ObjectType
	Offset          int64
	ContentOffset   int64
	Size            int64
	Reference       plumbing.Hash
	OffsetReference int64
	Crc32           uint32
	Hash            plumbing.Hash

	content     bytes.Buffer
	diskType    plumbing.ObjectType
	parent      *ObjectHeader
	externalRef bool
}

// SectionType identifies which part of the pack the last Scan call
// landed on.
type SectionType int

// The three sections every packfile is made of, in order.
const (
	HeaderSection SectionType = iota
	ObjectSection
	FooterSection
)

// Header is the packfile's leading "PACK"+version+count triplet.
type Header struct {
	Version    Version
	ObjectsQty uint32
}

// PackData is the value produced by one call to Scanner.Scan.
type PackData struct {
	Section      SectionType
	header       Header
	objectHeader ObjectHeader
	checksum     plumbing.Hash
}

// Value returns the section-appropriate payload: a Header, an
// ObjectHeader, or a plumbing.Hash, matching Section.
func (p PackData) Value() interface{} {
	switch p.Section {
	case HeaderSection:
		return p.header
	case ObjectSection:
		return p.objectHeader
	case FooterSection:
		return p.checksum
	default:
		return nil
	}
}
