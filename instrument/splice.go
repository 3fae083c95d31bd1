package instrument

import (
	"sort"
	"strings"

	"github.com/dop251/goja/ast"
)

// edit replaces src[start:end] with text.
type edit struct {
	start, end int
	text       string
}

// splicer collects non-overlapping edits over a source string. Edits are
// registered bottom-up: a replacement built from text() of its children
// swallows the child edits it contains.
type splicer struct {
	src   string
	edits []edit // sorted by start, pairwise disjoint
	spans map[ast.Expression][2]int
}

func newSplicer(src string) *splicer {
	return &splicer{src: src, spans: make(map[ast.Expression][2]int)}
}

// text returns src[start:end] with every edit inside the range applied.
func (s *splicer) text(start, end int) string {
	var b strings.Builder
	pos := start
	for _, e := range s.edits {
		if e.start < start || e.end > end {
			continue
		}
		b.WriteString(s.src[pos:e.start])
		b.WriteString(e.text)
		pos = e.end
	}
	b.WriteString(s.src[pos:end])
	return b.String()
}

// replace records a replacement for [start,end), dropping contained edits.
func (s *splicer) replace(start, end int, text string) {
	kept := s.edits[:0]
	for _, e := range s.edits {
		if e.start >= start && e.end <= end {
			continue
		}
		kept = append(kept, e)
	}
	s.edits = kept
	i := sort.Search(len(s.edits), func(i int) bool { return s.edits[i].start >= start })
	s.edits = append(s.edits, edit{})
	copy(s.edits[i+1:], s.edits[i:])
	s.edits[i] = edit{start: start, end: end, text: text}
}

func (s *splicer) String() string {
	return s.text(0, len(s.src))
}

func (s *splicer) changed() bool { return len(s.edits) > 0 }

// Offsets are byte positions in src. Parsing without a file set puts the
// first byte at Idx 1.
func offset0(n ast.Node) int { return int(n.Idx0()) - 1 }
func offset1(n ast.Node) int { return int(n.Idx1()) - 1 }

// bounds returns the byte range of e. Node positions reported by the parser
// exclude parentheses around a leading or trailing operand, so bounds widens
// the range over such groups: for "(a).b" it starts at the parenthesis.
func (s *splicer) bounds(e ast.Expression) (int, int) {
	if span, ok := s.spans[e]; ok {
		return span[0], span[1]
	}
	start, end := s.computeBounds(e)
	s.spans[e] = [2]int{start, end}
	return start, end
}

func (s *splicer) computeBounds(e ast.Expression) (int, int) {
	start, end := offset0(e), offset1(e)
	switch n := e.(type) {
	case *ast.DotExpression:
		start = s.leftStart(n.Left)
	case *ast.PrivateDotExpression:
		start = s.leftStart(n.Left)
	case *ast.BracketExpression:
		start = s.leftStart(n.Left)
	case *ast.CallExpression:
		start = s.leftStart(n.Callee)
	case *ast.AssignExpression:
		start, end = s.leftStart(n.Left), s.rightEnd(n.Right)
	case *ast.BinaryExpression:
		start, end = s.leftStart(n.Left), s.rightEnd(n.Right)
	case *ast.ConditionalExpression:
		start, end = s.leftStart(n.Test), s.rightEnd(n.Alternate)
	case *ast.SequenceExpression:
		start, end = s.leftStart(n.Sequence[0]), s.rightEnd(n.Sequence[len(n.Sequence)-1])
	case *ast.UnaryExpression:
		if n.Postfix {
			start = s.leftStart(n.Operand)
			end = s.skipSpace(s.operandEnd(n.Operand)) + 2
		} else {
			end = s.rightEnd(n.Operand)
		}
	case *ast.TemplateLiteral:
		if n.Tag != nil {
			start = s.leftStart(n.Tag)
		}
	case *ast.AwaitExpression:
		end = s.rightEnd(n.Argument)
	case *ast.YieldExpression:
		if n.Argument != nil {
			end = s.rightEnd(n.Argument)
		}
	case *ast.ArrowFunctionLiteral:
		if body, ok := n.Body.(*ast.ExpressionBody); ok {
			end = s.rightEnd(body.Expression)
		}
	case *ast.NewExpression:
		if n.ArgumentList == nil {
			end = s.rightEnd(n.Callee)
		}
	case *ast.OptionalChain:
		return s.bounds(n.Expression)
	case *ast.Optional:
		return s.bounds(n.Expression)
	}
	return start, end
}

// operandEnd is the end of a postfix operand including its closing groups.
func (s *splicer) operandEnd(e ast.Expression) int {
	_, end := s.grouped(e, true)
	return end
}

// leftStart is the start of a leading operand, including the parentheses
// that group it. The operand is followed by its parent's operator, so every
// ")" right after it closes a group opened before it.
func (s *splicer) leftStart(e ast.Expression) int {
	start, _ := s.grouped(e, true)
	return start
}

// rightEnd is the end of a trailing operand, including its grouping
// parentheses.
func (s *splicer) rightEnd(e ast.Expression) int {
	_, end := s.grouped(e, false)
	return end
}

// grouped widens the bounds of e over the parentheses wrapping it. For a
// leading operand the closing side is counted; for a trailing operand the
// opening side is.
func (s *splicer) grouped(e ast.Expression, leading bool) (int, int) {
	start, end := s.bounds(e)
	if leading {
		var closes []int
		for pos := s.skipSpace(end); pos < len(s.src) && s.src[pos] == ')'; pos = s.skipSpace(pos + 1) {
			closes = append(closes, pos+1)
		}
		for _, c := range closes {
			pos := s.skipSpaceBack(start)
			if pos == 0 || s.src[pos-1] != '(' {
				break
			}
			start, end = pos-1, c
		}
		return start, end
	}
	var opens []int
	for pos := s.skipSpaceBack(start); pos > 0 && s.src[pos-1] == '('; pos = s.skipSpaceBack(pos - 1) {
		opens = append(opens, pos-1)
	}
	for _, o := range opens {
		pos := s.skipSpace(end)
		if pos >= len(s.src) || s.src[pos] != ')' {
			break
		}
		start, end = o, pos+1
	}
	return start, end
}

// trimmedText is text(start,end) without surrounding whitespace.
func (s *splicer) trimmedText(start, end int) string {
	return strings.TrimSpace(s.text(start, end))
}

func (s *splicer) skipSpace(pos int) int {
	for pos < len(s.src) && isSpace(s.src[pos]) {
		pos++
	}
	return pos
}

func (s *splicer) skipSpaceBack(pos int) int {
	for pos > 0 && isSpace(s.src[pos-1]) {
		pos--
	}
	return pos
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f' || c == '\v'
}
