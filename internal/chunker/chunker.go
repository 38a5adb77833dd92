// Package chunker splits document text into overlapping token windows.
package chunker

import (
	"fmt"
	"strings"

	"github.com/starford/multihop/internal/apperr"
)

const (
	DefaultChunkSize    = 256
	DefaultChunkOverlap = 64
)

// Piece is one window of the token sequence.
type Piece struct {
	Seq     int
	Text    string
	Tokens  int
	Start   int // first token, inclusive
	End     int // last token, exclusive
	Overlap int // tokens shared with the previous piece
}

// Chunker slides a window of Size tokens over the text, advancing by
// Size-Overlap tokens per step.
type Chunker struct {
	size    int
	overlap int
}

// New returns a Chunker or an error wrapping apperr.ErrInvalidConfig.
func New(size, overlap int) (*Chunker, error) {
	if size <= 0 {
		return nil, fmt.Errorf("chunker: chunk_size must be positive, got %d: %w", size, apperr.ErrInvalidConfig)
	}
	if overlap < 0 {
		return nil, fmt.Errorf("chunker: chunk_overlap must not be negative, got %d: %w", overlap, apperr.ErrInvalidConfig)
	}
	if overlap >= size {
		return nil, fmt.Errorf("chunker: chunk_overlap %d must be less than chunk_size %d: %w", overlap, size, apperr.ErrInvalidConfig)
	}
	return &Chunker{size: size, overlap: overlap}, nil
}

// Size returns the window size in tokens.
func (c *Chunker) Size() int { return c.size }

// Overlap returns the number of tokens shared by consecutive windows.
func (c *Chunker) Overlap() int { return c.overlap }

// Tokenize splits text on runs of whitespace.
func Tokenize(text string) []string {
	return strings.Fields(text)
}

// Split tokenizes text and returns its windows in order. The final window
// may be shorter than the window size and is always kept. Text without
// tokens yields no pieces.
func (c *Chunker) Split(text string) []Piece {
	tokens := Tokenize(text)
	if len(tokens) == 0 {
		return nil
	}

	step := c.size - c.overlap
	pieces := make([]Piece, 0, len(tokens)/step+1)

	for start := 0; ; start += step {
		end := min(start+c.size, len(tokens))
		overlap := 0
		if start > 0 {
			overlap = pieces[len(pieces)-1].End - start
		}
		pieces = append(pieces, Piece{
			Seq:     len(pieces),
			Text:    strings.Join(tokens[start:end], " "),
			Tokens:  end - start,
			Start:   start,
			End:     end,
			Overlap: overlap,
		})
		if end == len(tokens) {
			break
		}
	}

	return pieces
}
