package fastimport

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/git/packd/plumbing"
	"github.com/git/packd/storage/memory"
)

type EngineSuite struct {
	suite.Suite
	store *memory.Storage
}

func TestEngineSuite(t *testing.T) {
	suite.Run(t, new(EngineSuite))
}

func (s *EngineSuite) SetupTest() {
	s.store = memory.NewStorage()
}

// dataBlock renders a counted 'data' command body for content.
func dataBlock(content string) string {
	return fmt.Sprintf("data %d\n%s\n", len(content), content)
}

func (s *EngineSuite) run(stream string) *Engine {
	e := NewEngine(s.store)
	err := e.Run(strings.NewReader(stream))
	s.Require().NoError(err)
	return e
}

// TestMinimalCommit is the baseline single-commit scenario: one blob,
// one commit on a fresh branch, one file-change.
func (s *EngineSuite) TestMinimalCommit() {
	stream := "blob\n" +
		"mark :1\n" +
		dataBlock("hello world") +
		"commit refs/heads/main\n" +
		"mark :2\n" +
		"author A U Thor <author@example.com> 1000000000 +0000\n" +
		"committer A U Thor <author@example.com> 1000000000 +0000\n" +
		dataBlock("initial commit") +
		"M 100644 :1 greeting.txt\n"

	e := s.run(stream)

	refs := e.Refs()
	commit, ok := refs["refs/heads/main"]
	s.Require().True(ok)
	s.False(commit.IsZero())

	blobEntry, ok := e.Marks().Get(1)
	s.Require().True(ok)
	s.Equal(plumbing.BlobObject, blobEntry.Type)

	commitEntry, ok := e.Marks().Get(2)
	s.Require().True(ok)
	s.Equal(commit, commitEntry.ID)

	obj, err := s.store.GetObject(commit)
	s.Require().NoError(err)
	s.Equal(plumbing.CommitObject, obj.Type())
}

// TestSecondCommitDefaultsParentToPreviousCommit exercises the
// "no explicit from/merge" parent-inference path.
func (s *EngineSuite) TestSecondCommitDefaultsParentToPreviousCommit() {
	stream := "blob\n" +
		"mark :1\n" +
		dataBlock("v1") +
		"commit refs/heads/main\n" +
		"author A <a@example.com> 1000000000 +0000\n" +
		"committer A <a@example.com> 1000000000 +0000\n" +
		dataBlock("first") +
		"M 100644 :1 file.txt\n" +
		"blob\n" +
		"mark :2\n" +
		dataBlock("v2") +
		"commit refs/heads/main\n" +
		"author A <a@example.com> 1000000001 +0000\n" +
		"committer A <a@example.com> 1000000001 +0000\n" +
		dataBlock("second") +
		"M 100644 :2 file.txt\n"

	e := s.run(stream)
	second := e.Refs()["refs/heads/main"]

	obj, err := s.store.GetObject(second)
	s.Require().NoError(err)
	r, err := obj.Reader()
	s.Require().NoError(err)
	defer r.Close()
	var buf bytes.Buffer
	buf.ReadFrom(r)
	s.Contains(buf.String(), "parent ")
}

// TestFromResetsBranchContent verifies that an explicit 'from' always
// replaces a branch's tree content with the named commit's, not just
// on first mention.
func (s *EngineSuite) TestFromResetsBranchContent() {
	stream := "blob\n" +
		"mark :1\n" +
		dataBlock("base content") +
		"commit refs/heads/base\n" +
		"mark :10\n" +
		"author A <a@example.com> 1000000000 +0000\n" +
		"committer A <a@example.com> 1000000000 +0000\n" +
		dataBlock("base commit") +
		"M 100644 :1 shared.txt\n" +
		"blob\n" +
		"mark :2\n" +
		dataBlock("feature-only content") +
		"commit refs/heads/feature\n" +
		"author A <a@example.com> 1000000001 +0000\n" +
		"committer A <a@example.com> 1000000001 +0000\n" +
		dataBlock("feature commit") +
		"M 100644 :2 feature.txt\n" +
		"commit refs/heads/feature\n" +
		"author A <a@example.com> 1000000002 +0000\n" +
		"committer A <a@example.com> 1000000002 +0000\n" +
		dataBlock("reset from base") +
		"from :10\n"

	e := s.run(stream)
	featureCommit := e.Refs()["refs/heads/feature"]

	treeHash, err := loadCommitTree(e.store, featureCommit)
	s.Require().NoError(err)
	root, err := loadTreeNode(e.store, treeHash)
	s.Require().NoError(err)

	_, ok, err := root.lookup(e.store, []string{"shared.txt"})
	s.Require().NoError(err)
	s.True(ok, "expected shared.txt inherited from base")

	_, ok, err = root.lookup(e.store, []string{"feature.txt"})
	s.Require().NoError(err)
	s.False(ok, "feature.txt should have been dropped by the reset from base")
}

// TestDeleteAndRename exercises D and R file-change commands across
// two commits on the same branch.
func (s *EngineSuite) TestDeleteAndRename() {
	stream := "blob\n" +
		"mark :1\n" +
		dataBlock("content") +
		"commit refs/heads/main\n" +
		"author A <a@example.com> 1000000000 +0000\n" +
		"committer A <a@example.com> 1000000000 +0000\n" +
		dataBlock("add file") +
		"M 100644 :1 old.txt\n" +
		"M 100644 :1 gone.txt\n" +
		"commit refs/heads/main\n" +
		"author A <a@example.com> 1000000001 +0000\n" +
		"committer A <a@example.com> 1000000001 +0000\n" +
		dataBlock("rename it") +
		"D gone.txt\n" +
		"R old.txt new.txt\n"

	e := s.run(stream)
	commit := e.Refs()["refs/heads/main"]

	treeHash, err := loadCommitTree(e.store, commit)
	s.Require().NoError(err)
	root, err := loadTreeNode(e.store, treeHash)
	s.Require().NoError(err)

	_, ok, err := root.lookup(e.store, []string{"old.txt"})
	s.Require().NoError(err)
	s.False(ok)

	_, ok, err = root.lookup(e.store, []string{"gone.txt"})
	s.Require().NoError(err)
	s.False(ok)

	entry, ok, err := root.lookup(e.store, []string{"new.txt"})
	s.Require().NoError(err)
	s.True(ok)
	s.Equal(modeBlob, entry.mode)
}

// TestResetWithoutFromUnsetsRef exercises a bare reset (no from line),
// which clears the branch's ref entirely.
func (s *EngineSuite) TestResetWithoutFromUnsetsRef() {
	stream := "blob\n" +
		"mark :1\n" +
		dataBlock("content") +
		"commit refs/heads/main\n" +
		"author A <a@example.com> 1000000000 +0000\n" +
		"committer A <a@example.com> 1000000000 +0000\n" +
		dataBlock("commit") +
		"M 100644 :1 f.txt\n" +
		"reset refs/heads/main\n"

	e := s.run(stream)
	_, ok := e.Refs()["refs/heads/main"]
	s.False(ok)
}

// TestTagCreatesAnnotatedTagRef exercises the tag command.
func (s *EngineSuite) TestTagCreatesAnnotatedTagRef() {
	stream := "blob\n" +
		"mark :1\n" +
		dataBlock("content") +
		"commit refs/heads/main\n" +
		"mark :2\n" +
		"author A <a@example.com> 1000000000 +0000\n" +
		"committer A <a@example.com> 1000000000 +0000\n" +
		dataBlock("commit") +
		"M 100644 :1 f.txt\n" +
		"tag v1.0\n" +
		"from :2\n" +
		"tagger A <a@example.com> 1000000001 +0000\n" +
		dataBlock("release v1.0") +
		"done\n"

	e := s.run(stream)
	tagHash, ok := e.Refs()["refs/tags/v1.0"]
	s.Require().True(ok)

	obj, err := s.store.GetObject(tagHash)
	s.Require().NoError(err)
	s.Equal(plumbing.TagObject, obj.Type())
}

// TestGetMarkAndCatBlobResponses exercises the inspection commands
// that write to the responses stream.
func (s *EngineSuite) TestGetMarkAndCatBlobResponses() {
	var responses bytes.Buffer
	stream := "blob\n" +
		"mark :1\n" +
		dataBlock("inspect me") +
		"get-mark :1\n" +
		"cat-blob :1\n"

	e := NewEngine(s.store, WithResponses(&responses))
	s.Require().NoError(e.Run(strings.NewReader(stream)))

	entry, ok := e.Marks().Get(1)
	s.Require().True(ok)
	s.Contains(responses.String(), entry.ID.String())
	s.Contains(responses.String(), "inspect me")
}

// TestAliasBindsAdditionalMark exercises the alias command.
func (s *EngineSuite) TestAliasBindsAdditionalMark() {
	stream := "blob\n" +
		"mark :1\n" +
		dataBlock("content") +
		"commit refs/heads/main\n" +
		"mark :2\n" +
		"author A <a@example.com> 1000000000 +0000\n" +
		"committer A <a@example.com> 1000000000 +0000\n" +
		dataBlock("commit") +
		"M 100644 :1 f.txt\n" +
		"alias\n" +
		"mark :3\n" +
		"to :2\n"

	e := s.run(stream)
	aliased, ok := e.Marks().Get(3)
	s.Require().True(ok)
	original, ok := e.Marks().Get(2)
	s.Require().True(ok)
	s.Equal(original.ID, aliased.ID)
}

// TestImportExportMarksRoundTrip exercises ImportMarks/ExportMarks and
// confirms imported marks are flagged so they can never become
// same-pack delta bases.
func (s *EngineSuite) TestImportExportMarksRoundTrip() {
	stream := "blob\n" +
		"mark :1\n" +
		dataBlock("content") +
		"commit refs/heads/main\n" +
		"mark :2\n" +
		"author A <a@example.com> 1000000000 +0000\n" +
		"committer A <a@example.com> 1000000000 +0000\n" +
		dataBlock("commit") +
		"M 100644 :1 f.txt\n"

	e := s.run(stream)

	var exported bytes.Buffer
	s.Require().NoError(e.ExportMarks(&exported))
	s.Contains(exported.String(), ":1 ")
	s.Contains(exported.String(), ":2 ")

	e2 := NewEngine(s.store)
	s.Require().NoError(e2.ImportMarks(strings.NewReader(exported.String())))
	entry, ok := e2.Marks().Get(1)
	s.Require().True(ok)
	s.True(entry.Imported)
}

// TestPackRolloverProducesMultiplePacks exercises addPending/
// cyclePackfile's size-triggered rollover.
func (s *EngineSuite) TestPackRolloverProducesMultiplePacks() {
	var b strings.Builder
	for i := 0; i < 5; i++ {
		content := strings.Repeat(string(rune('a'+i)), 100)
		fmt.Fprintf(&b, "blob\nmark :%d\n%s", i+1, dataBlock(content))
	}

	e := NewEngine(s.store, WithMaxPackSize(250))
	s.Require().NoError(e.Run(strings.NewReader(b.String())))

	packs, err := s.store.Packs()
	s.Require().NoError(err)
	s.Greater(len(packs), 1)
}
