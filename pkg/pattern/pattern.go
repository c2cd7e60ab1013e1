// Package pattern implements the restricted matching dialect used by
// route tables and WAF rules.
//
// The dialect is deliberately not a regular expression engine. It
// supports exactly:
//
//	^ and $   anchors (start/end of the subject); without them a
//	          pattern matches anywhere in the subject
//	*         any run of characters, including the empty run
//	?         exactly one character
//	[abc]     character class, with a-z ranges and [!...] negation;
//	          a ] first in the class is a literal
//	\x        escapes the next metacharacter
//
// There is no alternation, no grouping, no repetition counts, and no
// backreferences. Anything else in a pattern is a literal.
package pattern

import (
	"fmt"
	"strings"
)

type opKind int

const (
	opLiteral opKind = iota
	opAny            // ?
	opStar           // *
	opClass          // [...]
)

type token struct {
	kind    opKind
	literal byte
	class   *class
}

type class struct {
	negated bool
	singles []byte
	ranges  [][2]byte
}

func (c *class) matches(b byte) bool {
	hit := false
	for _, s := range c.singles {
		if s == b {
			hit = true
			break
		}
	}
	if !hit {
		for _, r := range c.ranges {
			if b >= r[0] && b <= r[1] {
				hit = true
				break
			}
		}
	}
	if c.negated {
		return !hit
	}
	return hit
}

// Pattern is a compiled pattern ready for matching.
type Pattern struct {
	source      string
	tokens      []token
	anchorStart bool
	anchorEnd   bool
}

// Compile parses a pattern in the restricted dialect.
func Compile(src string) (*Pattern, error) {
	p := &Pattern{source: src}
	s := src

	if strings.HasPrefix(s, "^") {
		p.anchorStart = true
		s = s[1:]
	}
	if strings.HasSuffix(s, "$") && !strings.HasSuffix(s, "\\$") {
		p.anchorEnd = true
		s = s[:len(s)-1]
	}

	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			if i+1 >= len(s) {
				return nil, fmt.Errorf("pattern %q: trailing escape", src)
			}
			i++
			p.tokens = append(p.tokens, token{kind: opLiteral, literal: s[i]})
		case '*':
			// Collapse runs of stars; they are equivalent.
			if n := len(p.tokens); n == 0 || p.tokens[n-1].kind != opStar {
				p.tokens = append(p.tokens, token{kind: opStar})
			}
		case '?':
			p.tokens = append(p.tokens, token{kind: opAny})
		case '[':
			cl, next, err := parseClass(s, i)
			if err != nil {
				return nil, fmt.Errorf("pattern %q: %v", src, err)
			}
			p.tokens = append(p.tokens, token{kind: opClass, class: cl})
			i = next
		default:
			p.tokens = append(p.tokens, token{kind: opLiteral, literal: s[i]})
		}
	}

	return p, nil
}

// parseClass parses a [...] class starting at s[start] == '['. It
// returns the class and the index of the closing bracket.
func parseClass(s string, start int) (*class, int, error) {
	cl := &class{}
	i := start + 1
	if i < len(s) && s[i] == '!' {
		cl.negated = true
		i++
	}
	// A ] immediately after the opening (or the negation) is a
	// literal member, not the terminator.
	first := true
	for ; i < len(s); i++ {
		b := s[i]
		if b == ']' && !first {
			if len(cl.singles) == 0 && len(cl.ranges) == 0 {
				return nil, 0, fmt.Errorf("empty character class")
			}
			return cl, i, nil
		}
		first = false
		if i+2 < len(s) && s[i+1] == '-' && s[i+2] != ']' {
			if s[i+2] < b {
				return nil, 0, fmt.Errorf("inverted range %c-%c", b, s[i+2])
			}
			cl.ranges = append(cl.ranges, [2]byte{b, s[i+2]})
			i += 2
			continue
		}
		cl.singles = append(cl.singles, b)
	}
	return nil, 0, fmt.Errorf("unterminated character class")
}

// String returns the pattern source.
func (p *Pattern) String() string {
	return p.source
}

// Matches reports whether the subject matches the pattern.
func (p *Pattern) Matches(subject string) bool {
	if p.anchorStart {
		return p.matchFrom(subject, 0)
	}
	for i := 0; i <= len(subject); i++ {
		if p.matchFrom(subject, i) {
			return true
		}
	}
	return false
}

// matchFrom matches the token list against subject[from:].
func (p *Pattern) matchFrom(subject string, from int) bool {
	return p.matchTokens(p.tokens, subject, from)
}

func (p *Pattern) matchTokens(toks []token, subject string, pos int) bool {
	for ti := 0; ti < len(toks); ti++ {
		t := toks[ti]
		switch t.kind {
		case opStar:
			rest := toks[ti+1:]
			// A trailing star consumes the remainder; the match
			// succeeds regardless of the end anchor.
			if len(rest) == 0 {
				return true
			}
			for i := pos; i <= len(subject); i++ {
				if p.matchTokens(rest, subject, i) {
					return true
				}
			}
			return false
		case opAny:
			if pos >= len(subject) {
				return false
			}
			pos++
		case opClass:
			if pos >= len(subject) || !t.class.matches(subject[pos]) {
				return false
			}
			pos++
		case opLiteral:
			if pos >= len(subject) || subject[pos] != t.literal {
				return false
			}
			pos++
		}
	}
	if p.anchorEnd {
		return pos == len(subject)
	}
	return true
}

// Match compiles and matches in one step. Malformed patterns never
// match; the caller decides whether to log them.
func Match(src, subject string) bool {
	p, err := Compile(src)
	if err != nil {
		return false
	}
	return p.Matches(subject)
}
