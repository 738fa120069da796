// Package vocab corrects misrecognised domain terms in transcript text.
//
// Providers routinely mangle proper nouns ("elder nacks" for "Eldrinax").
// A [Corrector] holds a vocabulary of known terms and rewrites word windows
// that sound like, or are spelled close to, one of them:
//
//  1. A window must start on an anchor word: one whose Double Metaphone code
//     matches a code of the term, or whose Jaro-Winkler similarity to one of
//     the term's words reaches the fuzzy threshold.
//  2. The window grows one word at a time up to one word longer than the
//     term, and keeps the length with the best Jaro-Winkler similarity
//     between the concatenated window and the concatenated term.
//  3. The window is replaced when its score reaches the phonetic threshold
//     (window and term share a code) or the fuzzy threshold (they don't).
//
// Leading and trailing punctuation of the window survives the rewrite.
package vocab

import (
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

// Option configures a [Corrector].
type Option func(*Corrector)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score for a window
// that shares a phonetic code with the term. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(c *Corrector) {
		c.phoneticThreshold = threshold
	}
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score for a window
// without phonetic overlap. Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(c *Corrector) {
		c.fuzzyThreshold = threshold
	}
}

type term struct {
	display string
	tokens  []string
	concat  string
	codes   map[string]struct{}
}

// Corrector rewrites vocabulary terms in text. It is read-only after New and
// safe for concurrent use.
type Corrector struct {
	terms             []term
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// New returns a Corrector for terms. Blank terms are ignored.
func New(terms []string, opts ...Option) *Corrector {
	c := &Corrector{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(c)
	}
	for _, t := range terms {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		tokens := strings.Fields(strings.ToLower(t))
		c.terms = append(c.terms, term{
			display: t,
			tokens:  tokens,
			concat:  strings.Join(tokens, ""),
			codes:   codesForTokens(tokens),
		})
	}
	return c
}

// Len returns the number of terms.
func (c *Corrector) Len() int { return len(c.terms) }

// Correct returns text with every recognised term window replaced by the
// term's canonical spelling. Text without matches is returned unchanged.
func (c *Corrector) Correct(text string) string {
	if len(c.terms) == 0 || strings.TrimSpace(text) == "" {
		return text
	}
	words := strings.Fields(text)
	bare := make([]string, len(words))
	for i, w := range words {
		bare[i] = strings.ToLower(strings.TrimFunc(w, isPunct))
	}

	out := make([]string, 0, len(words))
	changed := false
	for i := 0; i < len(words); {
		display, n := c.match(bare, i)
		if n == 0 {
			out = append(out, words[i])
			i++
			continue
		}
		first, last := words[i], words[i+n-1]
		lead := first[:len(first)-len(strings.TrimLeftFunc(first, isPunct))]
		trail := last[len(strings.TrimRightFunc(last, isPunct)):]
		out = append(out, lead+display+trail)
		i += n
		changed = true
	}
	if !changed {
		return text
	}
	return strings.Join(out, " ")
}

// match returns the best term for the window starting at words[i] and the
// window length, or 0 when nothing matches.
func (c *Corrector) match(words []string, i int) (string, int) {
	if words[i] == "" {
		return "", 0
	}
	anchorCodes := codesForTokens(words[i : i+1])

	var (
		best      string
		bestLen   int
		bestScore float64
		bestPhon  bool
	)
	for _, t := range c.terms {
		if !c.anchors(words[i], anchorCodes, t) {
			continue
		}
		n, score := windowScore(words, i, t)
		if n == 0 {
			continue
		}
		phonetic := codesOverlap(codesForTokens(words[i:i+n]), t.codes)
		threshold := c.fuzzyThreshold
		if phonetic {
			threshold = c.phoneticThreshold
		}
		if score < threshold {
			continue
		}
		// Phonetic candidates outrank fuzzy ones.
		if bestLen == 0 || (phonetic && !bestPhon) || (phonetic == bestPhon && score > bestScore) {
			best, bestLen, bestScore, bestPhon = t.display, n, score, phonetic
		}
	}
	return best, bestLen
}

func (c *Corrector) anchors(word string, codes map[string]struct{}, t term) bool {
	if codesOverlap(codes, t.codes) {
		return true
	}
	for _, tok := range t.tokens {
		if matchr.JaroWinkler(word, tok, false) >= c.fuzzyThreshold {
			return true
		}
	}
	return false
}

// windowScore grows the window from words[i] and returns the length with the
// highest similarity to t. Ties keep the shorter window.
func windowScore(words []string, i int, t term) (int, float64) {
	var (
		bestN     int
		bestScore float64
		concat    strings.Builder
	)
	limit := len(t.tokens) + 1
	for n := 1; n <= limit && i+n <= len(words); n++ {
		w := words[i+n-1]
		if w == "" {
			break
		}
		concat.WriteString(w)
		if s := matchr.JaroWinkler(concat.String(), t.concat, false); s > bestScore {
			bestN, bestScore = n, s
		}
	}
	return bestN, bestScore
}

// codesForTokens returns the union of the Double Metaphone codes of tokens.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

func isPunct(r rune) bool {
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}
