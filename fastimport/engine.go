package fastimport

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/git/packd/plumbing"
	"github.com/git/packd/plumbing/format/packfile"
	"github.com/git/packd/storer"
)

// Default resource limits, overridable via EngineOption.
const (
	defaultMaxActiveBranches = 5
	defaultMaxPackSize       = 1 << 30 // 1 GiB
	defaultDeltaWindow       = 10
)

// Engine drives a fast-import command stream against an object store:
// it parses blob/commit/tag/reset/checkpoint commands, maintains each
// branch's two-version tree and the mark table, and rolls pending
// objects into a new packfile whenever max_pack_size is crossed or a
// checkpoint/done is seen.
type Engine struct {
	store storer.ObjectStore

	lex   *lexer
	marks *marks
	atoms *atomTable

	branches map[string]*branch
	active   *activeBranches
	refs     map[string]plumbing.Hash
	tags     []tagRecord

	maxPackSize int64
	deltaWindow uint

	pending     []plumbing.Hash
	pendingSize int64
	pendingSet  map[plumbing.Hash]bool

	responses io.Writer

	done bool
}

// tagRecord is one completed annotated tag, held until Run finishes so
// Tags can report the stream's final ref/tag set.
type tagRecord struct {
	name    string
	object  plumbing.Hash
	typ     plumbing.ObjectType
	tagger  identity
	message []byte
	hash    plumbing.Hash
}

// EngineOption configures an Engine at construction.
type EngineOption func(*Engine)

// WithMaxPackSize bounds how many bytes of pending object content an
// Engine buffers before cycling a new packfile.
func WithMaxPackSize(n int64) EngineOption {
	return func(e *Engine) { e.maxPackSize = n }
}

// WithMaxActiveBranches bounds how many branches keep a resident
// working tree at once.
func WithMaxActiveBranches(n int) EngineOption {
	return func(e *Engine) { e.active = newActiveBranches(n) }
}

// WithDeltaWindow sets the sliding delta-compression window used when
// a pack is written out.
func WithDeltaWindow(n uint) EngineOption {
	return func(e *Engine) { e.deltaWindow = n }
}

// WithResponses directs the output of ls/cat-blob/get-mark toward w,
// the equivalent of the front-end's response file descriptor.
func WithResponses(w io.Writer) EngineOption {
	return func(e *Engine) { e.responses = w }
}

// NewEngine returns an Engine that stores resulting objects in store;
// Run supplies the reader its commands come from.
func NewEngine(store storer.ObjectStore, opts ...EngineOption) *Engine {
	e := &Engine{
		store:       newCachingStore(store),
		marks:       newMarks(),
		atoms:       newAtomTable(),
		branches:    make(map[string]*branch),
		active:      newActiveBranches(defaultMaxActiveBranches),
		refs:        make(map[string]plumbing.Hash),
		pendingSet:  make(map[plumbing.Hash]bool),
		maxPackSize: defaultMaxPackSize,
		deltaWindow: defaultDeltaWindow,
		responses:   io.Discard,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Refs returns the final ref -> commit mapping observed, including
// branches updated by reset with no intervening commit.
func (e *Engine) Refs() map[string]plumbing.Hash {
	out := make(map[string]plumbing.Hash, len(e.refs))
	for k, v := range e.refs {
		out[k] = v
	}
	return out
}

// Marks returns the mark table built up over the run, for export.
func (e *Engine) Marks() *marks {
	return e.marks
}

// Run reads and applies every command in r until a 'done' command or
// EOF is reached, then flushes any still-pending objects into a final
// packfile.
func (e *Engine) Run(r io.Reader) error {
	e.lex = newLexer(r)
	for !e.done {
		line, err := e.lex.readLine()
		if err == io.EOF {
			break
		}
		if err != nil {
			return e.fail(err)
		}
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := e.dispatch(line); err != nil {
			return e.fail(err)
		}
	}
	if err := e.finalizePack(); err != nil {
		return e.fail(err)
	}
	return nil
}

// fail wraps err with the crash report described for fatal import
// errors: the active branch set, the recent command window, the
// active tag set, and the mark table.
func (e *Engine) fail(err error) error {
	return fmt.Errorf("fast-import: %w\n%s", err, e.crashReport())
}

func (e *Engine) dispatch(line string) error {
	word, rest := splitWord(line)
	switch word {
	case "blob":
		return e.cmdBlob()
	case "commit":
		return e.cmdCommit(rest)
	case "tag":
		return e.cmdTag(rest)
	case "reset":
		return e.cmdReset(rest)
	case "checkpoint":
		return e.cyclePackfile()
	case "progress":
		return nil
	case "feature", "option":
		return nil
	case "done":
		e.done = true
		return nil
	case "ls":
		_, err := e.cmdLs(rest)
		return err
	case "cat-blob":
		return e.cmdCatBlob(rest)
	case "get-mark":
		return e.cmdGetMark(rest)
	case "alias":
		return e.cmdAlias(rest)
	default:
		return fmt.Errorf("unsupported command %q", word)
	}
}

func splitWord(line string) (word, rest string) {
	if i := strings.IndexByte(line, ' '); i >= 0 {
		return line[:i], line[i+1:]
	}
	return line, ""
}

// getBranch returns ref's branch state, creating it (and seeding its
// tree from the ref's current value, if any) on first mention.
func (e *Engine) getBranch(ref string) *branch {
	e.atoms.intern(ref)
	b, ok := e.branches[ref]
	if !ok {
		b = newBranch(ref)
		e.branches[ref] = b
	}
	if evicted, ok := e.active.touch(ref); ok {
		e.evictBranch(evicted)
	}
	return b
}

// evictBranch drops a branch's in-memory tree once it falls out of the
// active set: its flushed state is already durable in the object store
// (addressed by b.commit), so it is rebuilt on demand via loadTreeNode
// if the branch is touched again.
func (e *Engine) evictBranch(name string) {
	b, ok := e.branches[name]
	if !ok || b.commit.IsZero() {
		return
	}
	b.tree = newTreeNode()
	b.treeLoaded = false
}

// ensureLoaded materializes a branch's working tree from its last
// committed state if it was evicted (or never loaded) since.
func (e *Engine) ensureLoaded(b *branch) error {
	if b.treeLoaded || b.commit.IsZero() {
		b.treeLoaded = true
		return nil
	}
	treeHash, err := loadCommitTree(e.store, b.commit)
	if err != nil {
		return fmt.Errorf("loading tree for branch %q: %w", b.name, err)
	}
	n, err := loadTreeNode(e.store, treeHash)
	if err != nil {
		return fmt.Errorf("loading tree for branch %q: %w", b.name, err)
	}
	b.tree = n
	b.treeLoaded = true
	return nil
}

// resolveCommittish resolves a mark (":N"), a full hex id, or a ref
// name to a commit hash.
func (e *Engine) resolveCommittish(s string) (plumbing.Hash, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, ":") {
		id, err := strconv.ParseInt(s[1:], 10, 64)
		if err != nil {
			return plumbing.ZeroHash, fmt.Errorf("invalid mark reference %q", s)
		}
		entry, ok := e.marks.Get(id)
		if !ok {
			return plumbing.ZeroHash, fmt.Errorf("undefined mark :%d", id)
		}
		return entry.ID, nil
	}
	if isHexHash(s) {
		return plumbing.NewHash(s), nil
	}
	if b, ok := e.branches[s]; ok {
		return b.commit, nil
	}
	if h, ok := e.refs[s]; ok {
		return h, nil
	}
	return plumbing.ZeroHash, fmt.Errorf("unknown committish %q", s)
}

func isHexHash(s string) bool {
	if len(s) != plumbing.HashSize*2 {
		return false
	}
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
			return false
		}
	}
	return true
}

// storeObject hashes, stores, and tracks content as a pending pack
// member, returning its resulting hash.
func (e *Engine) storeObject(t plumbing.ObjectType, content []byte) (plumbing.Hash, error) {
	obj := e.store.NewObject()
	obj.SetType(t)
	obj.SetSize(int64(len(content)))
	w, err := obj.Writer()
	if err != nil {
		return plumbing.ZeroHash, err
	}
	if _, err := w.Write(content); err != nil {
		w.Close()
		return plumbing.ZeroHash, err
	}
	if err := w.Close(); err != nil {
		return plumbing.ZeroHash, err
	}

	h, err := e.store.SetObject(obj)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	if err := e.addPending(h, int64(len(content))); err != nil {
		return plumbing.ZeroHash, err
	}
	return h, nil
}

// addPending records h as a member of the packfile currently being
// accumulated, cycling a new pack first if this entry would cross
// max_pack_size. Content-identical objects hash the same (storeObject
// calls this after an idempotent SetObject), so h may already be
// pending from an earlier blob/tree/commit in this cycle; re-adding it
// would hand the encoder the same id twice and the index writer would
// then refuse to build an index for the resulting pack.
func (e *Engine) addPending(h plumbing.Hash, size int64) error {
	if e.pendingSet[h] {
		return nil
	}
	if e.maxPackSize > 0 && len(e.pending) > 0 && e.pendingSize+size > e.maxPackSize {
		if err := e.cyclePackfile(); err != nil {
			return err
		}
	}
	e.pending = append(e.pending, h)
	e.pendingSize += size
	e.pendingSet[h] = true
	return nil
}

// cyclePackfile writes every currently pending object into a new
// packfile and its index, then clears the pending set. A no-op when
// nothing is pending.
//
// Every branch's last committed tree (whether flushed in this same
// cycle or an earlier one) is offered to the writer as a preferred
// base: a later commit's tree often shares most of its content with
// an ancestor's, and AddPreferredTree lets that similarity be found
// even when the ancestor's tree already lives in a previous pack —
// Add's dedup against the explicit set means a tree that's also
// pending this cycle is simply left alone rather than downgraded.
func (e *Engine) cyclePackfile() error {
	if len(e.pending) == 0 {
		return nil
	}

	hashes := e.pending
	e.pending = nil
	e.pendingSize = 0
	e.pendingSet = make(map[plumbing.Hash]bool)

	pw := packfile.NewPackWriter(e.store)
	for _, h := range hashes {
		pw.Add(h, "", false)
	}
	for _, b := range e.branches {
		if b.commit.IsZero() {
			continue
		}
		if err := pw.AddPreferredTree(b.commit); err != nil {
			return fmt.Errorf("seeding preferred bases: %w", err)
		}
	}

	if _, _, err := pw.Finalize(e.deltaWindow); err != nil {
		return fmt.Errorf("finalizing pack: %w", err)
	}
	return nil
}

// finalizePack flushes any remaining pending objects once the command
// stream ends.
func (e *Engine) finalizePack() error {
	return e.cyclePackfile()
}

// ImportMarks preloads the mark table from a previously exported
// marks file (":<decimal> <hex id>" per line), so a later run of the
// same front-end can continue referencing marks it defined before.
// Every imported entry is tagged with ObjectEntry.Imported so a later
// crash report or re-export can tell it apart from a mark this run
// itself produced.
func (e *Engine) ImportMarks(r io.Reader) error {
	lex := newLexer(r)
	for {
		line, err := lex.readLine()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, ":") {
			return fmt.Errorf("malformed marks file line %q", line)
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return fmt.Errorf("malformed marks file line %q", line)
		}
		id, err := strconv.ParseInt(strings.TrimPrefix(fields[0], ":"), 10, 64)
		if err != nil {
			return fmt.Errorf("invalid mark id %q", fields[0])
		}
		h := plumbing.NewHash(fields[1])
		t := plumbing.AnyObject
		if obj, err := e.store.GetObject(h); err == nil {
			t = obj.Type()
		}
		e.marks.Set(id, &ObjectEntry{ID: h, Type: t, Imported: true})
	}
}

// ExportMarks writes every mark currently recorded, sorted by id, in
// the same format ImportMarks reads.
func (e *Engine) ExportMarks(w io.Writer) error {
	for _, p := range e.marks.All() {
		if _, err := fmt.Fprintf(w, ":%d %s\n", p.ID, p.Entry.ID); err != nil {
			return err
		}
	}
	return nil
}
