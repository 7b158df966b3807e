package fastimport

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/git/packd/plumbing"
)

// cmdBlob parses a 'blob' command: an optional mark/original-oid line
// followed by a data block.
func (e *Engine) cmdBlob() error {
	var mark int64 = -1

	for {
		line, err := e.lex.readLine()
		if err != nil {
			return err
		}
		switch {
		case strings.HasPrefix(line, "mark :"):
			mark, err = strconv.ParseInt(strings.TrimPrefix(line, "mark :"), 10, 64)
			if err != nil {
				return fmt.Errorf("invalid mark %q", line)
			}
		case strings.HasPrefix(line, "original-oid "):
			// accepted for round-trip fidelity; this engine never
			// re-derives an id from it.
		case strings.HasPrefix(line, "data"):
			content, err := e.lex.readData(strings.TrimPrefix(line, "data "))
			if err != nil {
				return err
			}
			h, err := e.storeObject(plumbing.BlobObject, content)
			if err != nil {
				return err
			}
			if mark >= 0 {
				e.marks.Set(mark, &ObjectEntry{ID: h, Type: plumbing.BlobObject, Size: int64(len(content))})
			}
			return nil
		default:
			return fmt.Errorf("unexpected line in blob command: %q", line)
		}
	}
}

// cmdCommit parses a 'commit <ref>' command: a header block of
// mark/author/committer/data/from/merge lines followed by zero or more
// file-change commands, ending at the first line that isn't one of
// those forms (pushed back for the main dispatch loop).
func (e *Engine) cmdCommit(ref string) error {
	b := e.getBranch(ref)
	if err := e.ensureLoaded(b); err != nil {
		return err
	}

	var mark int64 = -1
	var author, committer identity
	haveAuthor := false
	var message []byte
	var parents []plumbing.Hash

	for {
		line, err := e.lex.readLine()
		if err == io.EOF {
			return e.finishCommit(b, mark, author, haveAuthor, committer, message, parents)
		}
		if err != nil {
			return err
		}
		if line == "" {
			continue
		}

		switch {
		case strings.HasPrefix(line, "mark :"):
			mark, err = strconv.ParseInt(strings.TrimPrefix(line, "mark :"), 10, 64)
		case strings.HasPrefix(line, "original-oid "):
		case strings.HasPrefix(line, "encoding "):
			// accepted; message bytes are passed through unmodified.
		case strings.HasPrefix(line, "author "):
			author, err = parseIdentity(strings.TrimPrefix(line, "author "))
			haveAuthor = true
		case strings.HasPrefix(line, "committer "):
			committer, err = parseIdentity(strings.TrimPrefix(line, "committer "))
		case strings.HasPrefix(line, "data"):
			message, err = e.lex.readData(strings.TrimPrefix(line, "data "))
		case strings.HasPrefix(line, "from "):
			var h plumbing.Hash
			h, err = e.resolveCommittish(strings.TrimPrefix(line, "from "))
			if err == nil {
				parents = append(parents, h)
				err = e.seedBranchFrom(b, h)
			}
		case strings.HasPrefix(line, "merge "):
			var h plumbing.Hash
			h, err = e.resolveCommittish(strings.TrimPrefix(line, "merge "))
			if err == nil {
				parents = append(parents, h)
			}
		case line == "deleteall":
			b.tree.deleteAll()
		case strings.HasPrefix(line, "M "):
			err = e.applyModify(b, line[2:])
		case strings.HasPrefix(line, "D "):
			err = e.applyDelete(b, line[2:])
		case strings.HasPrefix(line, "R "):
			err = e.applyRename(b, line[2:])
		case strings.HasPrefix(line, "C "):
			err = e.applyCopy(b, line[2:])
		case strings.HasPrefix(line, "N "):
			err = e.applyNote(b, line[2:])
		default:
			e.lex.pushback(line)
			return e.finishCommit(b, mark, author, haveAuthor, committer, message, parents)
		}
		if err != nil {
			return err
		}
	}
}

// seedBranchFrom replaces a branch's working tree with the tree of an
// existing commit: 'from' always resets content to its target,
// independent of whatever the branch previously held.
func (e *Engine) seedBranchFrom(b *branch, from plumbing.Hash) error {
	if from.IsZero() {
		b.tree = newTreeNode()
		b.treeLoaded = true
		return nil
	}
	treeHash, err := loadCommitTree(e.store, from)
	if err != nil {
		return err
	}
	n, err := loadTreeNode(e.store, treeHash)
	if err != nil {
		return err
	}
	b.tree = n
	b.treeLoaded = true
	return nil
}

func (e *Engine) finishCommit(b *branch, mark int64, author identity, haveAuthor bool, committer identity, message []byte, parents []plumbing.Hash) error {
	if !haveAuthor {
		author = committer
	}
	if len(parents) == 0 && !b.commit.IsZero() {
		parents = []plumbing.Hash{b.commit}
	}

	treeHash, err := b.tree.flush(e.store)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "tree %s\n", treeHash)
	for _, p := range parents {
		fmt.Fprintf(&buf, "parent %s\n", p)
	}
	fmt.Fprintf(&buf, "author %s\n", author.String())
	fmt.Fprintf(&buf, "committer %s\n", committer.String())
	buf.WriteByte('\n')
	buf.Write(message)

	h, err := e.storeObject(plumbing.CommitObject, buf.Bytes())
	if err != nil {
		return err
	}

	b.commit = h
	e.refs[b.name] = h
	if mark >= 0 {
		e.marks.Set(mark, &ObjectEntry{ID: h, Type: plumbing.CommitObject, Size: int64(buf.Len())})
	}
	return nil
}

// cmdTag parses an annotated 'tag <name>' command.
func (e *Engine) cmdTag(name string) error {
	var mark int64 = -1
	var from plumbing.Hash
	haveFrom := false
	var tagger identity
	var message []byte

	for {
		line, err := e.lex.readLine()
		if err == io.EOF {
			return e.finishTag(name, mark, from, haveFrom, tagger, message)
		}
		if err != nil {
			return err
		}
		if line == "" {
			continue
		}

		switch {
		case strings.HasPrefix(line, "mark :"):
			mark, err = strconv.ParseInt(strings.TrimPrefix(line, "mark :"), 10, 64)
		case strings.HasPrefix(line, "original-oid "):
		case strings.HasPrefix(line, "from "):
			from, err = e.resolveCommittish(strings.TrimPrefix(line, "from "))
			haveFrom = true
		case strings.HasPrefix(line, "tagger "):
			tagger, err = parseIdentity(strings.TrimPrefix(line, "tagger "))
		case strings.HasPrefix(line, "data"):
			message, err = e.lex.readData(strings.TrimPrefix(line, "data "))
			if err == nil {
				return e.finishTag(name, mark, from, haveFrom, tagger, message)
			}
		default:
			e.lex.pushback(line)
			return e.finishTag(name, mark, from, haveFrom, tagger, message)
		}
		if err != nil {
			return err
		}
	}
}

func (e *Engine) finishTag(name string, mark int64, from plumbing.Hash, haveFrom bool, tagger identity, message []byte) error {
	if !haveFrom {
		return fmt.Errorf("tag %q has no from", name)
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "object %s\n", from)
	fmt.Fprintf(&buf, "type %s\n", plumbing.CommitObject)
	fmt.Fprintf(&buf, "tag %s\n", name)
	fmt.Fprintf(&buf, "tagger %s\n", tagger.String())
	buf.WriteByte('\n')
	buf.Write(message)

	h, err := e.storeObject(plumbing.TagObject, buf.Bytes())
	if err != nil {
		return err
	}

	e.refs["refs/tags/"+name] = h
	e.tags = append(e.tags, tagRecord{
		name: name, object: from, typ: plumbing.CommitObject,
		tagger: tagger, message: message, hash: h,
	})
	if mark >= 0 {
		e.marks.Set(mark, &ObjectEntry{ID: h, Type: plumbing.TagObject, Size: int64(buf.Len())})
	}
	return nil
}

// cmdReset parses 'reset <ref>' with an optional 'from <committish>'
// continuation line, repointing ref without recording a new commit.
func (e *Engine) cmdReset(ref string) error {
	line, err := e.lex.readLine()
	if err == io.EOF {
		e.resetBranch(ref, plumbing.ZeroHash)
		return nil
	}
	if err != nil {
		return err
	}
	if !strings.HasPrefix(line, "from ") {
		e.lex.pushback(line)
		e.resetBranch(ref, plumbing.ZeroHash)
		return nil
	}

	h, err := e.resolveCommittish(strings.TrimPrefix(line, "from "))
	if err != nil {
		return err
	}
	e.resetBranch(ref, h)
	return nil
}

func (e *Engine) resetBranch(ref string, to plumbing.Hash) {
	b := e.getBranch(ref)
	b.commit = to
	b.tree = newTreeNode()
	// With a target commit the tree is loaded from it on next use.
	b.treeLoaded = to.IsZero()
	if to.IsZero() {
		delete(e.refs, ref)
		return
	}
	e.refs[ref] = to
}

// applyModify handles a commit's 'M <mode> <dataref> <path>' line.
func (e *Engine) applyModify(b *branch, rest string) error {
	mode, ref, path, err := splitModeRefPath(rest)
	if err != nil {
		return err
	}
	m, err := parseMode(mode)
	if err != nil {
		return err
	}

	if m == modeGitlink {
		return b.tree.set(e.store, splitPath(path), m, plumbing.NewHash(ref))
	}

	var h plumbing.Hash
	if ref == "inline" {
		line, err := e.lex.readLine()
		if err != nil {
			return err
		}
		if !strings.HasPrefix(line, "data") {
			return fmt.Errorf("expected data line after inline modify, got %q", line)
		}
		content, err := e.lex.readData(strings.TrimPrefix(line, "data "))
		if err != nil {
			return err
		}
		h, err = e.storeObject(plumbing.BlobObject, content)
		if err != nil {
			return err
		}
	} else {
		h, err = e.resolveDataish(ref)
		if err != nil {
			return err
		}
	}
	return b.tree.set(e.store, splitPath(path), m, h)
}

// applyDelete handles a commit's 'D <path>' line.
func (e *Engine) applyDelete(b *branch, rest string) error {
	return b.tree.remove(e.store, splitPath(unquotePath(strings.TrimSpace(rest))))
}

// applyRename handles a commit's 'R <old> <new>' line: the source
// entry (file or whole subtree) is moved to the destination path.
func (e *Engine) applyRename(b *branch, rest string) error {
	oldPath, newPath, err := splitTwoPaths(rest)
	if err != nil {
		return err
	}
	oldComp := splitPath(oldPath)

	entry, ok, err := b.tree.lookup(e.store, oldComp)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("rename source %q not found", oldPath)
	}
	if err := b.tree.remove(e.store, oldComp); err != nil {
		return err
	}
	return b.tree.setEntry(e.store, splitPath(newPath), entry)
}

// applyCopy handles a commit's 'C <src> <dst>' line. A copied
// directory entry gets a deep copy of the source's loaded *treeNode
// structure, so later edits to either side do not show up in the other.
func (e *Engine) applyCopy(b *branch, rest string) error {
	srcPath, dstPath, err := splitTwoPaths(rest)
	if err != nil {
		return err
	}
	entry, ok, err := b.tree.lookup(e.store, splitPath(srcPath))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("copy source %q not found", srcPath)
	}
	var clone func(*treeNode) *treeNode
	clone = func(n *treeNode) *treeNode {
		c := &treeNode{baseline: cloneEntries(n.baseline), working: make(map[string]treeEntry, len(n.working)), dirty: n.dirty}
		for k, v := range n.working {
			if v.sub != nil {
				v.sub = clone(v.sub)
			}
			c.working[k] = v
		}
		return c
	}
	if entry.sub != nil {
		entry.sub = clone(entry.sub)
	}
	return b.tree.setEntry(e.store, splitPath(dstPath), entry)
}

// applyNote handles a commit's 'N <dataref> <committish>' line,
// attaching a note blob to a target commit at a path fanned out two
// hex digits per level from the target's id — the same fixed fanout
// git's loose-object directory layout uses, rather than the
// dynamically-rebalanced fanout a full notes implementation recomputes
// as the note count grows.
func (e *Engine) applyNote(b *branch, rest string) error {
	ref, committishStr, err := splitTwoPaths(rest)
	if err != nil {
		return err
	}
	target, err := e.resolveCommittish(committishStr)
	if err != nil {
		return err
	}

	var h plumbing.Hash
	if ref == "inline" {
		line, err := e.lex.readLine()
		if err != nil {
			return err
		}
		if !strings.HasPrefix(line, "data") {
			return fmt.Errorf("expected data line after inline note, got %q", line)
		}
		content, err := e.lex.readData(strings.TrimPrefix(line, "data "))
		if err != nil {
			return err
		}
		h, err = e.storeObject(plumbing.BlobObject, content)
		if err != nil {
			return err
		}
	} else {
		h, err = e.resolveDataish(ref)
		if err != nil {
			return err
		}
	}

	return b.tree.set(e.store, notePath(target), modeBlob, h)
}

func notePath(target plumbing.Hash) []string {
	hex := target.String()
	return []string{hex[0:2], hex[2:4], hex[4:]}
}

// cmdLs implements the 'ls <committish> <path>' inspection command,
// returning the line a front-end would read back from the response
// stream (also written to e.responses).
func (e *Engine) cmdLs(rest string) (string, error) {
	fields := strings.Fields(rest)
	if len(fields) < 2 {
		return "", fmt.Errorf("ls requires a committish and a path")
	}
	committish, path := fields[0], strings.Join(fields[1:], " ")

	target, err := e.resolveCommittish(committish)
	if err != nil {
		return "", err
	}
	treeHash, err := loadCommitTree(e.store, target)
	if err != nil {
		return "", err
	}
	root, err := loadTreeNode(e.store, treeHash)
	if err != nil {
		return "", err
	}

	cleanPath := unquotePath(path)
	entry, ok, err := root.lookup(e.store, splitPath(cleanPath))
	if err != nil {
		return "", err
	}
	var out string
	if !ok {
		out = "missing " + cleanPath
	} else {
		out = fmt.Sprintf("%06o %s %s\t%s", entry.mode, typeOfMode(entry.mode), entry.id, cleanPath)
	}
	fmt.Fprintln(e.responses, out)
	return out, nil
}

func typeOfMode(mode uint32) string {
	switch {
	case isDirMode(mode):
		return "tree"
	case mode == modeGitlink:
		return "commit"
	default:
		return "blob"
	}
}

// cmdCatBlob implements 'cat-blob <dataref>'.
func (e *Engine) cmdCatBlob(rest string) error {
	h, err := e.resolveDataish(strings.TrimSpace(rest))
	if err != nil {
		return err
	}
	obj, err := e.store.GetObject(h)
	if err != nil {
		return err
	}
	r, err := obj.Reader()
	if err != nil {
		return err
	}
	defer r.Close()

	if _, err := fmt.Fprintf(e.responses, "%s %s %d\n", h, obj.Type(), obj.Size()); err != nil {
		return err
	}
	if _, err := io.Copy(e.responses, r); err != nil {
		return err
	}
	_, err = e.responses.Write([]byte{'\n'})
	return err
}

// cmdGetMark implements 'get-mark :<idnum>'.
func (e *Engine) cmdGetMark(rest string) error {
	s := strings.TrimSpace(rest)
	if !strings.HasPrefix(s, ":") {
		return fmt.Errorf("malformed get-mark command %q", rest)
	}
	id, err := strconv.ParseInt(s[1:], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid mark %q", rest)
	}
	entry, ok := e.marks.Get(id)
	if !ok {
		_, err := fmt.Fprintln(e.responses, plumbing.ZeroHash.String())
		return err
	}
	_, err = fmt.Fprintln(e.responses, entry.ID.String())
	return err
}

// cmdAlias implements the 'alias' command: a mark/to pair binding an
// additional mark to an already-resolvable committish, with no new
// object created.
func (e *Engine) cmdAlias(rest string) error {
	if strings.TrimSpace(rest) != "" {
		return fmt.Errorf("malformed alias command %q", rest)
	}

	var mark int64 = -1
	var to string
	for {
		line, err := e.lex.readLine()
		if err != nil {
			return err
		}
		switch {
		case strings.HasPrefix(line, "mark :"):
			mark, err = strconv.ParseInt(strings.TrimPrefix(line, "mark :"), 10, 64)
			if err != nil {
				return err
			}
		case strings.HasPrefix(line, "to "):
			to = strings.TrimPrefix(line, "to ")
		default:
			return fmt.Errorf("unexpected line in alias command: %q", line)
		}
		if to != "" {
			break
		}
	}
	if mark < 0 {
		return fmt.Errorf("alias command missing mark")
	}

	target, err := e.resolveCommittish(to)
	if err != nil {
		return err
	}
	e.marks.Set(mark, &ObjectEntry{ID: target, Type: plumbing.CommitObject})
	return nil
}

// crashReport renders the diagnostic dump a fatal error is annotated
// with: active branches, the recent command window, active tags, and
// the full mark table.
func (e *Engine) crashReport() string {
	var buf bytes.Buffer

	fmt.Fprintln(&buf, "active branches:")
	for name, b := range e.branches {
		fmt.Fprintf(&buf, "  %s -> %s\n", name, b.commit)
	}

	fmt.Fprintln(&buf, "recent commands:")
	if e.lex != nil {
		for _, line := range e.lex.history.snapshot() {
			fmt.Fprintf(&buf, "  %s\n", line)
		}
	}

	fmt.Fprintln(&buf, "tags:")
	for _, t := range e.tags {
		fmt.Fprintf(&buf, "  %s -> %s\n", t.name, t.object)
	}

	fmt.Fprintln(&buf, "marks:")
	for _, p := range e.marks.All() {
		fmt.Fprintf(&buf, "  :%d %s\n", p.ID, p.Entry.ID)
	}

	return buf.String()
}

// resolveDataish resolves a data-reference field (a ":<mark>" or a
// full hex object id) to its hash, for M/N lines that don't use an
// inline data block.
func (e *Engine) resolveDataish(ref string) (plumbing.Hash, error) {
	if strings.HasPrefix(ref, ":") {
		id, err := strconv.ParseInt(ref[1:], 10, 64)
		if err != nil {
			return plumbing.ZeroHash, fmt.Errorf("invalid mark reference %q", ref)
		}
		entry, ok := e.marks.Get(id)
		if !ok {
			return plumbing.ZeroHash, fmt.Errorf("undefined mark :%d", id)
		}
		return entry.ID, nil
	}
	if isHexHash(ref) {
		return plumbing.NewHash(ref), nil
	}
	return plumbing.ZeroHash, fmt.Errorf("invalid data reference %q", ref)
}

func splitPath(path string) []string {
	return strings.Split(path, "/")
}

// splitModeRefPath splits an 'M' line's "<mode> <dataref> <path>"
// fields; the path may be the tail of the line verbatim or a
// C-quoted path.
func splitModeRefPath(s string) (mode, ref, path string, err error) {
	parts := strings.SplitN(s, " ", 3)
	if len(parts) != 3 {
		return "", "", "", fmt.Errorf("malformed file-change line %q", s)
	}
	return parts[0], parts[1], unquotePath(parts[2]), nil
}

// splitTwoPaths splits an 'R'/'C'/'N' line's two whitespace-separated
// fields, honoring a quoted first field that may itself contain
// spaces.
func splitTwoPaths(s string) (first, second string, err error) {
	s = strings.TrimSpace(s)
	if len(s) > 0 && s[0] == '"' {
		end := findQuoteEnd(s, 0)
		if end < 0 {
			return "", "", fmt.Errorf("unterminated quoted path in %q", s)
		}
		first = unquotePath(s[:end+1])
		second = unquotePath(strings.TrimSpace(s[end+1:]))
		return first, second, nil
	}

	sp := strings.IndexByte(s, ' ')
	if sp < 0 {
		return "", "", fmt.Errorf("malformed line %q", s)
	}
	return s[:sp], unquotePath(s[sp+1:]), nil
}

func findQuoteEnd(s string, start int) int {
	for i := start + 1; i < len(s); i++ {
		if s[i] == '\\' {
			i++
			continue
		}
		if s[i] == '"' {
			return i
		}
	}
	return -1
}

// unquotePath strips and unescapes a C-quoted path, or returns s
// unchanged if it isn't quoted.
func unquotePath(s string) string {
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return s
	}
	inner := s[1 : len(s)-1]
	var buf strings.Builder
	for i := 0; i < len(inner); i++ {
		c := inner[i]
		if c == '\\' && i+1 < len(inner) {
			i++
			switch inner[i] {
			case 'n':
				buf.WriteByte('\n')
			case 't':
				buf.WriteByte('\t')
			default:
				buf.WriteByte(inner[i])
			}
			continue
		}
		buf.WriteByte(c)
	}
	return buf.String()
}
