// Package synth builds an attributed answer from retrieved chunks. Every
// sentence of an answer is quoted verbatim from a retrieved chunk.
package synth

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/starford/multihop/internal/lexicon"
	"github.com/starford/multihop/internal/models"
)

// NoAnswer is returned as the answer text when no retrieved sentence
// addresses the question.
const NoAnswer = "The retrieved documents do not contain an answer to this question."

// DefaultMaxStatements caps the number of sentences in an answer.
const DefaultMaxStatements = 5

var sentenceRe = regexp.MustCompile(`[^.!?]+[.!?]*`)

// Evidence is a quoted statement supporting the answer.
type Evidence struct {
	ChunkID      string    `json:"chunk_id"`
	DocumentID   string    `json:"document_id"`
	DocumentName string    `json:"document_name"`
	Quote        string    `json:"quote"`
	Specificity  int       `json:"specificity"`
	UploadedAt   time.Time `json:"uploaded_at"`
}

// Supersession records a conflicting statement that lost to another.
type Supersession struct {
	Statement Evidence `json:"statement"`
	By        string   `json:"superseded_by"` // chunk ID of the winner
	Reason    string   `json:"reason"`
}

// Answer is the synthesized result. UsedChunkIDs is always a subset of
// the retrieved chunk IDs, in evidence order.
type Answer struct {
	Text         string         `json:"answer"`
	Evidence     []Evidence     `json:"evidence"`
	Superseded   []Supersession `json:"superseded,omitempty"`
	Reasoning    string         `json:"reasoning"`
	UsedChunkIDs []string       `json:"used_chunk_ids"`
}

// Synthesizer is stateless and safe for concurrent use.
type Synthesizer struct {
	maxStatements int
}

// New returns a Synthesizer emitting at most maxStatements sentences.
func New(maxStatements int) *Synthesizer {
	if maxStatements <= 0 {
		maxStatements = DefaultMaxStatements
	}
	return &Synthesizer{maxStatements: maxStatements}
}

type statement struct {
	Evidence
	rank  int // retrieval rank of the chunk
	seq   int // chunk sequence within its document
	terms []string
	topic string
}

// Synthesize answers query from hits, which must be in retrieval order.
//
// Candidate statements are the sentences sharing at least one content
// term with the query. Statements matching the same set of query terms
// are treated as competing claims about one topic and only one is kept:
// the most specific, then the one from the later upload, then the later
// position in its document. Topics whose term set is strictly contained
// in another topic's are dropped as less relevant.
func (s *Synthesizer) Synthesize(query string, hits []models.Hit) *Answer {
	queryTerms := make(map[string]struct{})
	for _, t := range lexicon.Terms(query) {
		queryTerms[t] = struct{}{}
	}
	kind := classify(query)

	candidates := s.candidates(hits, queryTerms, kind)
	if len(candidates) == 0 {
		return &Answer{
			Text:         NoAnswer,
			Evidence:     []Evidence{},
			UsedChunkIDs: []string{},
			Reasoning:    fmt.Sprintf("None of the %d retrieved chunks mention the terms of the question.", len(hits)),
		}
	}

	groups := make(map[string][]statement)
	var order []string
	for _, st := range candidates {
		if _, ok := groups[st.topic]; !ok {
			order = append(order, st.topic)
		}
		groups[st.topic] = append(groups[st.topic], st)
	}
	order = dropSubsumed(order, groups)

	type pick struct {
		winner statement
		losers []statement
	}
	picks := make([]pick, 0, len(order))
	for _, topic := range order {
		g := groups[topic]
		sort.SliceStable(g, func(i, j int) bool { return better(g[i], g[j]) })
		picks = append(picks, pick{winner: g[0], losers: g[1:]})
	}
	// Most relevant topics first, then by retrieval rank.
	sort.SliceStable(picks, func(i, j int) bool {
		a, b := picks[i].winner, picks[j].winner
		if len(a.terms) != len(b.terms) {
			return len(a.terms) > len(b.terms)
		}
		return a.rank < b.rank
	})
	if len(picks) > s.maxStatements {
		picks = picks[:s.maxStatements]
	}

	ans := &Answer{}
	used := make(map[string]struct{})
	quotes := make([]string, 0, len(picks))
	for _, p := range picks {
		w := p.winner
		quotes = append(quotes, w.Quote)
		ans.Evidence = append(ans.Evidence, w.Evidence)
		if _, ok := used[w.ChunkID]; !ok {
			used[w.ChunkID] = struct{}{}
			ans.UsedChunkIDs = append(ans.UsedChunkIDs, w.ChunkID)
		}
		for _, l := range p.losers {
			ans.Superseded = append(ans.Superseded, Supersession{
				Statement: l.Evidence,
				By:        w.ChunkID,
				Reason:    reason(w, l),
			})
		}
	}
	ans.Text = strings.Join(quotes, " ")
	ans.Reasoning = reasoning(ans, len(hits))
	return ans
}

func (s *Synthesizer) candidates(hits []models.Hit, queryTerms map[string]struct{}, kind questionKind) []statement {
	var out []statement
	seen := make(map[string]struct{})
	for rank, h := range hits {
		for _, raw := range sentenceRe.FindAllString(h.Chunk.Text, -1) {
			sentence := strings.TrimSpace(raw)
			if sentence == "" {
				continue
			}
			matched := matchTerms(sentence, queryTerms)
			if len(matched) == 0 {
				continue
			}
			// Overlapping chunks repeat sentences; the best ranked copy wins.
			key := h.Document.Fingerprint + "\x00" + strings.Join(lexicon.Words(sentence), " ")
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, statement{
				Evidence: Evidence{
					ChunkID:      h.ChunkID,
					DocumentID:   h.Document.Fingerprint,
					DocumentName: h.Document.Name,
					Quote:        sentence,
					Specificity:  specificity(sentence, kind),
					UploadedAt:   h.Document.UploadedAt,
				},
				rank:  rank,
				seq:   h.Chunk.Seq,
				terms: matched,
				topic: strings.Join(matched, " "),
			})
		}
	}
	return out
}

func matchTerms(sentence string, queryTerms map[string]struct{}) []string {
	set := make(map[string]struct{})
	for _, t := range lexicon.Terms(sentence) {
		if _, ok := queryTerms[t]; ok {
			set[t] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// dropSubsumed removes topics whose terms are a strict subset of another
// topic's terms.
func dropSubsumed(order []string, groups map[string][]statement) []string {
	out := make([]string, 0, len(order))
	for _, a := range order {
		ta := groups[a][0].terms
		subsumed := false
		for _, b := range order {
			tb := groups[b][0].terms
			if a != b && len(ta) < len(tb) && subset(ta, tb) {
				subsumed = true
				break
			}
		}
		if !subsumed {
			out = append(out, a)
		}
	}
	return out
}

func subset(a, b []string) bool {
	set := make(map[string]struct{}, len(b))
	for _, t := range b {
		set[t] = struct{}{}
	}
	for _, t := range a {
		if _, ok := set[t]; !ok {
			return false
		}
	}
	return true
}

// better reports whether a should be preferred over b.
func better(a, b statement) bool {
	if a.Specificity != b.Specificity {
		return a.Specificity > b.Specificity
	}
	if !a.UploadedAt.Equal(b.UploadedAt) {
		return a.UploadedAt.After(b.UploadedAt)
	}
	if a.DocumentID == b.DocumentID && a.seq != b.seq {
		return a.seq > b.seq
	}
	return a.rank < b.rank
}

func reason(winner, loser statement) string {
	switch {
	case winner.Specificity > loser.Specificity:
		return fmt.Sprintf("less specific than the statement in %s", winner.DocumentName)
	case !winner.UploadedAt.Equal(loser.UploadedAt):
		return fmt.Sprintf("equally specific but %s was uploaded later", winner.DocumentName)
	case winner.DocumentID == loser.DocumentID && winner.seq != loser.seq:
		return "appears earlier in the same document"
	default:
		return "ranked lower in retrieval"
	}
}

func reasoning(ans *Answer, retrieved int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d of %d retrieved chunks support the answer.", len(ans.UsedChunkIDs), retrieved)
	if len(ans.Superseded) == 0 {
		b.WriteString(" No conflicting statements were found.")
		return b.String()
	}
	for _, s := range ans.Superseded {
		fmt.Fprintf(&b, " Set aside %q from %s: %s.", s.Statement.Quote, s.Statement.DocumentName, s.Reason)
	}
	return b.String()
}
