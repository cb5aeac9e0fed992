package grammar

import (
	"fmt"
	"strings"
	"unicode"
)

type nodeKind int

const (
	nodeWord nodeKind = iota
	nodeChoice
	nodeSlot
)

// node is one position in an expression. Choice nodes hold alternatives, each
// a phrase of one or more words; an optional choice may also match nothing.
type node struct {
	kind     nodeKind
	word     string
	alts     [][]string
	optional bool
	slotType string
	slotName string
}

// Expression is a compiled phrase template.
//
// Syntax:
//
//	word          literal word
//	[a, b c]      exactly one of the comma separated phrases
//	(a, b)        at most one of the phrases
//	$type:name    one value of slot vocabulary "type", reported as "name"
type Expression struct {
	Source string
	nodes  []node
}

func (e Expression) slotTypes() []string {
	var out []string
	for _, n := range e.nodes {
		if n.kind == nodeSlot {
			out = append(out, n.slotType)
		}
	}
	return out
}

func parseExpression(src string) (Expression, error) {
	e := Expression{Source: src}
	rest := strings.TrimSpace(src)
	if rest == "" {
		return e, fmt.Errorf("empty expression")
	}
	seen := map[string]bool{}

	for rest != "" {
		switch rest[0] {
		case '[', '(':
			closer := byte(']')
			if rest[0] == '(' {
				closer = ')'
			}
			end := strings.IndexByte(rest, closer)
			if end < 0 {
				return e, fmt.Errorf("expression %q: unterminated %q", src, rest[0])
			}
			n := node{kind: nodeChoice, optional: rest[0] == '('}
			for alt := range strings.SplitSeq(rest[1:end], ",") {
				words := normalize(alt)
				if len(words) == 0 {
					return e, fmt.Errorf("expression %q: empty alternative", src)
				}
				n.alts = append(n.alts, words)
			}
			e.nodes = append(e.nodes, n)
			rest = rest[end+1:]

		case '$':
			end := strings.IndexFunc(rest, unicode.IsSpace)
			if end < 0 {
				end = len(rest)
			}
			ref := rest[1:end]
			typ, name, ok := strings.Cut(ref, ":")
			if !ok || typ == "" || name == "" {
				return e, fmt.Errorf("expression %q: slot reference %q must be $type:name", src, rest[:end])
			}
			if seen[name] {
				return e, fmt.Errorf("expression %q: slot %q used twice", src, name)
			}
			seen[name] = true
			e.nodes = append(e.nodes, node{kind: nodeSlot, slotType: typ, slotName: name})
			rest = rest[end:]

		case ']', ')':
			return e, fmt.Errorf("expression %q: unexpected %q", src, rest[0])

		default:
			end := strings.IndexFunc(rest, func(r rune) bool {
				return unicode.IsSpace(r) || r == '[' || r == '(' || r == '$'
			})
			if end < 0 {
				end = len(rest)
			}
			for _, w := range normalize(rest[:end]) {
				e.nodes = append(e.nodes, node{kind: nodeWord, word: w})
			}
			rest = rest[end:]
		}
		rest = strings.TrimLeftFunc(rest, unicode.IsSpace)
	}
	if len(e.nodes) == 0 {
		return e, fmt.Errorf("expression %q has no words", src)
	}
	return e, nil
}

// normalize lower-cases s and splits it into words. Letters, digits and
// apostrophes are kept; everything else separates words.
func normalize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}
