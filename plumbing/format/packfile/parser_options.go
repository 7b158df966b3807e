package packfile

import "github.com/git/packd/storer"

// ParserOption customizes a Parser.
type ParserOption func(*Parser)

// WithStorage has the parser write every resolved delta's content to
// store as it's reconstructed, instead of keeping it only in memory.
func WithStorage(store storer.ObjectStore) ParserOption {
	return func(p *Parser) {
		p.store = store
	}
}

// WithObservers registers observers to be notified of the pack's
// header, each object, and its footer as parsing proceeds. The index
// writer is the canonical observer: it needs no other hook into the
// parser to build a complete idx file.
func WithObservers(obs ...Observer) ParserOption {
	return func(p *Parser) {
		p.observers = obs
	}
}
