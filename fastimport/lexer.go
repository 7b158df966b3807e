package fastimport

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// lexer turns the fast-import command stream into lines, with support
// for the one construct that isn't line-oriented: a 'data' block's
// body, which is either a byte count or a here-doc delimiter.
type lexer struct {
	r       *bufio.Reader
	history *ringBuffer
	pending *string
}

func newLexer(r io.Reader) *lexer {
	return &lexer{r: bufio.NewReaderSize(r, 64*1024), history: newRingBuffer(32)}
}

// pushback returns line to the front of the stream: the next readLine
// call will yield it again. Used when a block-structured command (e.g.
// commit) reads one line past its own body to detect where it ends.
func (l *lexer) pushback(line string) {
	l.pending = &line
}

// readLine returns the next line, trailing newline stripped. It
// returns io.EOF only when no bytes at all remain.
func (l *lexer) readLine() (string, error) {
	if l.pending != nil {
		line := *l.pending
		l.pending = nil
		return line, nil
	}

	line, err := l.r.ReadString('\n')
	if err != nil && len(line) == 0 {
		return "", err
	}
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")
	l.history.add(line)
	return line, nil
}

// readData reads a 'data' command's body, given the text already on
// the 'data' line after the keyword: either "<len>" or "<<delim".
func (l *lexer) readData(header string) ([]byte, error) {
	if strings.HasPrefix(header, "<<") {
		delim := header[2:]
		var buf bytes.Buffer
		for {
			line, err := l.readLine()
			if err != nil {
				return nil, fmt.Errorf("fast-import: unterminated data block (want delimiter %q): %w", delim, err)
			}
			if line == delim {
				break
			}
			buf.WriteString(line)
			buf.WriteByte('\n')
		}
		return buf.Bytes(), nil
	}

	n, err := strconv.ParseInt(strings.TrimSpace(header), 10, 64)
	if err != nil || n < 0 {
		return nil, fmt.Errorf("fast-import: invalid data length %q", header)
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(l.r, buf); err != nil {
		return nil, fmt.Errorf("fast-import: truncated data block: %w", err)
	}

	// A counted data block is followed by exactly one terminating LF
	// before the next command; a here-doc block already ends on one
	// via its delimiter line.
	b, err := l.r.ReadByte()
	if err == nil && b != '\n' {
		l.r.UnreadByte() //nolint:errcheck
	}
	return buf, nil
}

// ringBuffer keeps the most recent N raw lines seen, for the crash
// report's "recent command window".
type ringBuffer struct {
	lines []string
	pos   int
	full  bool
}

func newRingBuffer(n int) *ringBuffer {
	return &ringBuffer{lines: make([]string, n)}
}

func (r *ringBuffer) add(s string) {
	if len(r.lines) == 0 {
		return
	}
	r.lines[r.pos] = s
	r.pos = (r.pos + 1) % len(r.lines)
	if r.pos == 0 {
		r.full = true
	}
}

func (r *ringBuffer) snapshot() []string {
	if !r.full {
		out := make([]string, r.pos)
		copy(out, r.lines[:r.pos])
		return out
	}
	out := make([]string, 0, len(r.lines))
	out = append(out, r.lines[r.pos:]...)
	out = append(out, r.lines[:r.pos]...)
	return out
}
