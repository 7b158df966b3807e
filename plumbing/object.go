// Package plumbing implements the core identity, object, and hash types
// shared by the pack writer, indexer, and fast-import engine.
package plumbing

import (
	"errors"
	"io"
)

var (
	// ErrObjectNotFound is returned when an object is not found in a store.
	ErrObjectNotFound = errors.New("object not found")
	// ErrInvalidType is returned when an invalid object type is provided.
	ErrInvalidType = errors.New("invalid object type")
)

// EncodedObject is a generic representation of any object: a commit,
// tree, blob, or tag, addressed by the hash of its header plus content.
type EncodedObject interface {
	Hash() Hash
	Type() ObjectType
	SetType(ObjectType)
	Size() int64
	SetSize(int64)
	Reader() (io.ReadCloser, error)
	Writer() (io.WriteCloser, error)
}

// DeltaObject is an EncodedObject representing a delta against a base.
type DeltaObject interface {
	EncodedObject
	// BaseHash returns the hash of the object used as base for this delta.
	BaseHash() Hash
}

// ObjectType is the wire type code of an object. Values 1..4, 6, 7 map
// directly onto the 3-bit type field of a pack object header.
type ObjectType int8

const (
	// InvalidObject represents an invalid or unset object type.
	InvalidObject ObjectType = 0
	// CommitObject is a commit object.
	CommitObject ObjectType = 1
	// TreeObject is a tree object.
	TreeObject ObjectType = 2
	// BlobObject is a blob object.
	BlobObject ObjectType = 3
	// TagObject is an annotated tag object.
	TagObject ObjectType = 4
	// OFSDeltaObject is a delta whose base is addressed by a negative
	// offset from this object's own start within the same pack.
	OFSDeltaObject ObjectType = 6
	// REFDeltaObject is a delta whose base is addressed by a 20-byte id.
	REFDeltaObject ObjectType = 7

	// AnyObject matches any object type in lookups.
	AnyObject ObjectType = -127
)

func (t ObjectType) String() string {
	switch t {
	case CommitObject:
		return "commit"
	case TreeObject:
		return "tree"
	case BlobObject:
		return "blob"
	case TagObject:
		return "tag"
	case OFSDeltaObject:
		return "ofs-delta"
	case REFDeltaObject:
		return "ref-delta"
	case AnyObject:
		return "any"
	default:
		return "unknown"
	}
}

// Bytes returns the byte representation of the ObjectType, as it appears
// in the loose-object header `"<type> <size>\0"`.
func (t ObjectType) Bytes() []byte {
	return []byte(t.String())
}

// Valid reports whether t is one of the defined non-delta or delta types.
func (t ObjectType) Valid() bool {
	return t >= CommitObject && t <= REFDeltaObject
}

// IsDelta reports whether t is a pack-only delta encoding.
func (t ObjectType) IsDelta() bool {
	return t == OFSDeltaObject || t == REFDeltaObject
}

// ParseObjectType parses the loose-object header spelling of a type.
func ParseObjectType(value string) (ObjectType, error) {
	switch value {
	case "commit":
		return CommitObject, nil
	case "tree":
		return TreeObject, nil
	case "blob":
		return BlobObject, nil
	case "tag":
		return TagObject, nil
	case "ofs-delta":
		return OFSDeltaObject, nil
	case "ref-delta":
		return REFDeltaObject, nil
	default:
		return InvalidObject, ErrInvalidType
	}
}
