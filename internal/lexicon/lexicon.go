// Package lexicon normalises words for embedding and answer scoring.
package lexicon

import (
	"strings"
	"unicode"
)

var stopwords = map[string]struct{}{}

func init() {
	for _, w := range strings.Fields(`
		a an and are as at be been being but by can could did do does doing for from
		had has have having how if in into is it its of on or so such than that the
		their them then there these they this those to too very was were what when
		where which while who whom why will with would you your yours about after
		again against all am any because before below between both during each few
		further here just more most no nor not now off once only other our out over
		own same should some under until up`) {
		stopwords[w] = struct{}{}
	}
}

// IsStopword reports whether w (lower case) carries no topical content.
func IsStopword(w string) bool {
	_, ok := stopwords[w]
	return ok
}

// Words splits text into lower-cased words, dropping punctuation at word
// edges. Apostrophes inside words are kept ("i've").
func Words(text string) []string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'' || r == '’')
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(strings.ReplaceAll(f, "’", "'"), "'")
		if f == "" {
			continue
		}
		out = append(out, strings.ToLower(f))
	}
	return out
}

// Terms returns the stemmed content words of text in order.
func Terms(text string) []string {
	words := Words(text)
	out := words[:0]
	for _, w := range words {
		if IsStopword(w) {
			continue
		}
		out = append(out, Stem(w))
	}
	return out
}

// Stem strips a small set of English inflection suffixes. It only needs
// to make "meetings" and "meeting" or "visited" and "visit" collide.
func Stem(w string) string {
	if i := strings.IndexByte(w, '\''); i > 0 {
		w = w[:i]
	}
	if len(w) > 3 && strings.HasSuffix(w, "s") && !strings.HasSuffix(w, "ss") {
		w = w[:len(w)-1]
	}
	for _, suf := range []string{"ing", "ed"} {
		if len(w) > len(suf)+2 && strings.HasSuffix(w, suf) {
			return strings.TrimSuffix(w, suf)
		}
	}
	return w
}
