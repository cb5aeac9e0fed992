package grammar

import (
	"github.com/antzucaro/matchr"
)

// Match is the outcome of matching a transcript against a [Context].
type Match struct {
	Intent string
	Slots  map[string]string

	// Score is the mean per-word similarity in (0, 1].
	Score float64
}

// Matcher compares transcripts against a context with fuzzy word
// comparison. Two words are considered equal when they are identical, when
// their Jaro-Winkler similarity reaches Threshold, or when they share a
// Double Metaphone code.
type Matcher struct {
	ctx       *Context
	threshold float64
}

// ThresholdForSensitivity maps an engine sensitivity in [0, 1] to a word
// similarity threshold. Higher sensitivity accepts looser matches.
func ThresholdForSensitivity(sensitivity float32) float64 {
	return 0.95 - 0.15*float64(sensitivity)
}

// NewMatcher returns a Matcher for ctx at the given sensitivity.
func NewMatcher(ctx *Context, sensitivity float32) *Matcher {
	return &Matcher{ctx: ctx, threshold: ThresholdForSensitivity(sensitivity)}
}

// Match finds the best scoring expression for transcript. ok is false when
// no expression consumes the whole transcript.
func (m *Matcher) Match(transcript string) (Match, bool) {
	words := normalize(transcript)
	if len(words) == 0 {
		return Match{}, false
	}

	var best Match
	found := false
	for _, in := range m.ctx.Intents {
		for _, e := range in.Expressions {
			s := &search{m: m, words: words, expr: e.nodes, slots: map[string]string{}}
			s.walk(0, 0, 0)
			if !s.found {
				continue
			}
			score := s.bestScore / float64(len(words))
			if !found || score > best.Score {
				best = Match{Intent: in.Name, Slots: s.bestSlots, Score: score}
				found = true
			}
		}
	}
	return best, found
}

func (m *Matcher) similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	if jw := matchr.JaroWinkler(a, b, false); jw >= m.threshold {
		return jw
	}
	pa, sa := matchr.DoubleMetaphone(a)
	pb, sb := matchr.DoubleMetaphone(b)
	if pa != "" && (pa == pb || pa == sb || (sa != "" && (sa == pb || sa == sb))) {
		return m.threshold
	}
	return 0
}

// search is a backtracking walk over one expression. It keeps the highest
// scoring assignment that consumes every transcript word.
type search struct {
	m     *Matcher
	words []string
	expr  []node
	slots map[string]string

	found     bool
	bestScore float64
	bestSlots map[string]string
}

func (s *search) walk(ni, wi int, score float64) {
	if ni == len(s.expr) {
		if wi == len(s.words) && (!s.found || score > s.bestScore) {
			s.found = true
			s.bestScore = score
			s.bestSlots = make(map[string]string, len(s.slots))
			for k, v := range s.slots {
				s.bestSlots[k] = v
			}
		}
		return
	}

	n := s.expr[ni]
	switch n.kind {
	case nodeWord:
		if wi < len(s.words) {
			if sim := s.m.similarity(n.word, s.words[wi]); sim > 0 {
				s.walk(ni+1, wi+1, score+sim)
			}
		}

	case nodeChoice:
		if n.optional {
			s.walk(ni+1, wi, score)
		}
		for _, alt := range n.alts {
			if sim, ok := s.phrase(alt, wi); ok {
				s.walk(ni+1, wi+len(alt), score+sim)
			}
		}

	case nodeSlot:
		for _, v := range s.m.ctx.Slots[n.slotType] {
			if sim, ok := s.phrase(v.Words, wi); ok {
				s.slots[n.slotName] = v.Value
				s.walk(ni+1, wi+len(v.Words), score+sim)
				delete(s.slots, n.slotName)
			}
		}
	}
}

// phrase compares words against the transcript starting at wi.
func (s *search) phrase(words []string, wi int) (float64, bool) {
	if wi+len(words) > len(s.words) {
		return 0, false
	}
	var total float64
	for i, w := range words {
		sim := s.m.similarity(w, s.words[wi+i])
		if sim == 0 {
			return 0, false
		}
		total += sim
	}
	return total, true
}
