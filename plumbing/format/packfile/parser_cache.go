package packfile

import "github.com/git/packd/plumbing"

func newParserCache() *parserCache {
	return &parserCache{}
}

// parserCache indexes every object header seen so far in a pack, by
// both hash and offset, so a later delta can find its base in either
// addressing scheme. It must retain every entry for the lifetime of a
// single Parse call: a base can be referenced by a delta scanned much
// later in the pack, so nothing here is evictable until parsing ends.
type parserCache struct {
	oi         []*ObjectHeader
	oiByHash   map[plumbing.Hash]*ObjectHeader
	oiByOffset map[int64]*ObjectHeader
}

func (c *parserCache) Add(oh *ObjectHeader) {
	c.oiByHash[oh.Hash] = oh
	c.oiByOffset[oh.Offset] = oh
	c.oi = append(c.oi, oh)
}

func (c *parserCache) Reset(n int) {
	if c.oi == nil {
		c.oi = make([]*ObjectHeader, 0, n)
		c.oiByHash = make(map[plumbing.Hash]*ObjectHeader, n)
		c.oiByOffset = make(map[int64]*ObjectHeader, n)
		return
	}
	c.oi = c.oi[:0]
	for k := range c.oiByHash {
		delete(c.oiByHash, k)
	}
	for k := range c.oiByOffset {
		delete(c.oiByOffset, k)
	}
}
