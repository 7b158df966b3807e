// Package objfile implements the loose-object wire format: a zlib
// deflated stream whose inflated form is the header "<type> <size>\0"
// followed by the object's raw content.
package objfile

import "errors"

var (
	// ErrOverflow is returned when more bytes are written than the
	// declared object size.
	ErrOverflow = errors.New("write beyond declared object size")
	// ErrNegativeSize is returned when a negative size is declared.
	ErrNegativeSize = errors.New("negative object size")
	// ErrClosed is returned when a Reader or Writer is used after Close.
	ErrClosed = errors.New("objfile: use of closed object")
)
