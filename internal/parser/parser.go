// Package parser turns a CLI child's raw output stream into content blocks.
// It owns line assembly and ANSI stripping; block semantics belong to the
// adapter it dispatches to.
package parser

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/tetherhq/tether/internal/adapter"
	"github.com/tetherhq/tether/internal/schema"
)

// DefaultMaxLineBytes bounds the line-assembly buffer. A child emitting more
// than this without a newline gets its buffer flushed as one raw block.
const DefaultMaxLineBytes = 1 << 20

// Parser assembles raw chunks into lines and dispatches each complete line
// to the adapter according to its parse strategy. It is not safe for
// concurrent use; each child stream owns one Parser.
type Parser struct {
	adapter  adapter.Adapter
	maxLine  int
	tail     []byte
	lastLine string
}

// New creates a parser for one child stream. maxLineBytes <= 0 selects
// DefaultMaxLineBytes.
func New(a adapter.Adapter, maxLineBytes int) *Parser {
	if maxLineBytes <= 0 {
		maxLineBytes = DefaultMaxLineBytes
	}
	return &Parser{adapter: a, maxLine: maxLineBytes}
}

// Feed consumes one raw chunk and returns the blocks produced by every line
// completed within it. Partial tail bytes are buffered until the next Feed
// or Flush.
func (p *Parser) Feed(chunk []byte) []schema.Block {
	p.tail = append(p.tail, chunk...)

	var blocks []schema.Block
	for {
		i := bytes.IndexByte(p.tail, '\n')
		if i < 0 {
			break
		}
		line := p.tail[:i]
		p.tail = p.tail[i+1:]
		blocks = append(blocks, p.parseLine(line)...)
	}

	if len(p.tail) > p.maxLine {
		raw := schema.RawBlock(p.tail)
		p.tail = p.tail[:0]
		blocks = append(blocks, raw)
	}
	return blocks
}

// Flush processes any buffered partial line. Call it once the stream closes.
func (p *Parser) Flush() []schema.Block {
	if len(p.tail) == 0 {
		return nil
	}
	line := p.tail
	p.tail = nil
	return p.parseLine(line)
}

// LastLine returns the most recent non-empty stripped line, for approval
// routing against the child's pending prompt.
func (p *Parser) LastLine() string { return p.lastLine }

func (p *Parser) parseLine(line []byte) []schema.Block {
	line = bytes.TrimSuffix(line, []byte("\r"))

	switch p.adapter.Strategy() {
	case adapter.StrategyJSONLines:
		if looksLikeJSON(line) && json.Valid(bytes.TrimSpace(line)) {
			return p.adapter.ParseJSONEvent(bytes.TrimSpace(line))
		}
		return p.parseText(string(line))

	default: // ansi-text: JSON events are still accepted when a line parses
		stripped := StripANSI(string(line))
		st := strings.TrimSpace(stripped)
		if len(st) > 0 && (st[0] == '{' || st[0] == '[') && json.Valid([]byte(st)) {
			return p.adapter.ParseJSONEvent([]byte(st))
		}
		return p.classifyStripped(stripped, string(line))
	}
}

func (p *Parser) parseText(original string) []schema.Block {
	return p.classifyStripped(StripANSI(original), original)
}

// classifyStripped yields the line's block, plus an approval_request when
// the line reads as an approval prompt.
func (p *Parser) classifyStripped(stripped, original string) []schema.Block {
	if t := strings.TrimSpace(stripped); t != "" {
		p.lastLine = t
	}

	blocks := []schema.Block{p.adapter.ParseTextLine(stripped, original)}
	if action, ok := p.adapter.DetectApproval(stripped); ok {
		if b, err := schema.ApprovalRequest(action, strings.TrimSpace(stripped)); err == nil {
			blocks = append(blocks, b)
		}
	}
	return blocks
}

func looksLikeJSON(line []byte) bool {
	t := bytes.TrimSpace(line)
	return len(t) > 0 && (t[0] == '{' || t[0] == '[')
}
