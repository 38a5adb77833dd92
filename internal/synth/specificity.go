package synth

import (
	"strings"
	"unicode"

	"github.com/starford/multihop/internal/lexicon"
)

var (
	firstPerson = wordSet("i i'm i've i'd i'll me my mine myself we we're we've we'd our ours us")
	reported    = wordSet("he she they him her them his hers their theirs said says told reportedly apparently allegedly heard rumored")
	hedges      = wordSet("maybe perhaps probably might possibly sometimes generally somewhat roughly approximately something somewhere someone fine good okay ok")
	temporal    = wordSet(`today tomorrow yesterday tonight morning afternoon evening noon midnight
		monday tuesday wednesday thursday friday saturday sunday
		january february march april may june july august september october november december`)
)

func wordSet(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, w := range strings.Fields(s) {
		out[w] = struct{}{}
	}
	return out
}

// questionKind is the sort of detail a question asks for.
type questionKind int

const (
	askOther questionKind = iota
	askWhen
	askWhere
	askWho
	askCount
)

func classify(query string) questionKind {
	words := lexicon.Words(query)
	for i, w := range words {
		switch w {
		case "when":
			return askWhen
		case "where":
			return askWhere
		case "who", "whom", "whose":
			return askWho
		case "how":
			if i+1 < len(words) && (words[i+1] == "many" || words[i+1] == "much") {
				return askCount
			}
		}
	}
	return askOther
}

// features of one sentence used for scoring.
type features struct {
	firstPerson bool
	reported    bool
	digits      int
	names       int // capitalised words after the first
	hedges      int
	temporal    bool
}

func extract(sentence string) features {
	var f features
	for _, w := range lexicon.Words(sentence) {
		if _, ok := firstPerson[w]; ok {
			f.firstPerson = true
		}
		if _, ok := reported[w]; ok {
			f.reported = true
		}
		if _, ok := hedges[w]; ok {
			f.hedges++
		}
		if _, ok := temporal[w]; ok {
			f.temporal = true
		}
	}
	for i, tok := range strings.Fields(sentence) {
		tok = strings.TrimFunc(tok, func(r rune) bool { return !unicode.IsLetter(r) && !unicode.IsDigit(r) })
		if tok == "" {
			continue
		}
		if strings.IndexFunc(tok, unicode.IsDigit) >= 0 {
			f.digits++
			continue
		}
		if i == 0 {
			continue
		}
		lower := strings.ToLower(tok)
		if _, ok := firstPerson[lower]; ok {
			continue
		}
		if unicode.IsUpper([]rune(tok)[0]) {
			f.names++
		}
	}
	return f
}

// specificity scores how concrete and self-referential a statement is.
// Self-disclosure outranks everything; reported speech without it and
// hedged wording count against.
func specificity(sentence string, kind questionKind) int {
	f := extract(sentence)
	score := 0
	if f.firstPerson {
		score += 2
	} else if f.reported {
		score--
	}
	score += min(f.digits, 2) + min(f.names, 2)
	score -= f.hedges

	switch kind {
	case askWhen:
		if f.temporal || f.digits > 0 {
			score++
		}
	case askWhere, askWho:
		if f.names > 0 {
			score++
		}
	case askCount:
		if f.digits > 0 {
			score++
		}
	}
	return score
}
