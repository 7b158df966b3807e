package plumbing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

type HashSuite struct {
	suite.Suite
}

func TestHashSuite(t *testing.T) {
	suite.Run(t, new(HashSuite))
}

func (s *HashSuite) TestNewHash() {
	h := NewHash("6ecf0ef2c2dffb796033e5a02219af86ec6584e5")
	s.Equal("6ecf0ef2c2dffb796033e5a02219af86ec6584e5", h.String())
}

func (s *HashSuite) TestZeroHash() {
	s.True(ZeroHash.IsZero())
	s.False(NewHash("6ecf0ef2c2dffb796033e5a02219af86ec6584e5").IsZero())
}

func (s *HashSuite) TestHashesSort() {
	a := NewHash("ff00000000000000000000000000000000000000")
	b := NewHash("0000000000000000000000000000000000000001")
	c := NewHash("0000000000000000000000000000000000000000")

	hs := []Hash{a, b, c}
	HashesSort(hs)

	s.Equal([]Hash{c, b, a}, hs)
}

func TestHasherBlobIdentity(t *testing.T) {
	h := NewHasher(BlobObject, 11)
	_, err := h.Write([]byte("hello world"))
	assert.NoError(t, err)

	// Known git blob id for "hello world".
	assert.Equal(t, "95d09f2b10159347eece71399a7e2e907ea3df4f", h.Sum().String())
}
