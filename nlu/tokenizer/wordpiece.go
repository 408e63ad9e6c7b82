package tokenizer

import (
	"fmt"
	"unicode/utf8"

	"github.com/ZanzyTHEbar/cabin-nlu/nlu/common"
)

const (
	continuationPrefix   = "##"
	maxInputCharsPerWord = 100
)

// WordPiece is the native BERT WordPiece tokenizer. It holds no mutable
// state and is safe for concurrent use.
type WordPiece struct {
	vocab     *Vocabulary
	basic     basicTokenizer
	maxSeqLen int
}

// NewWordPiece builds a tokenizer over an already loaded vocabulary.
func NewWordPiece(vocab *Vocabulary, cfg Config) (*WordPiece, error) {
	if vocab == nil {
		return nil, &common.VocabLoadError{Err: fmt.Errorf("%w: nil vocabulary", common.ErrMalformedVocab)}
	}
	if cfg.MaxSeqLen < 2 {
		return nil, fmt.Errorf("wordpiece: %w (got %d)", common.ErrInvalidSeqLen, cfg.MaxSeqLen)
	}
	return &WordPiece{
		vocab:     vocab,
		basic:     basicTokenizer{lowercase: cfg.Lowercase},
		maxSeqLen: cfg.MaxSeqLen,
	}, nil
}

func (w *WordPiece) MaxSeqLen() int { return w.maxSeqLen }

// Vocabulary returns the vocabulary the tokenizer reads from.
func (w *WordPiece) Vocabulary() *Vocabulary { return w.vocab }

// Tokenize never fails: unknown words map to the unknown token.
func (w *WordPiece) Tokenize(text string) (TokenizedInput, error) {
	return frame(w.vocab, w.Pieces(text), w.maxSeqLen), nil
}

// Pieces returns the unframed subword ids of text.
func (w *WordPiece) Pieces(text string) []int64 {
	var ids []int64
	for _, word := range w.basic.split(text) {
		ids = append(ids, w.segment(word)...)
	}
	return ids
}

// segment splits one word by greedy longest match. A word that cannot be
// covered completely becomes a single unknown token.
func (w *WordPiece) segment(word string) []int64 {
	unk := []int64{w.vocab.UnkID()}
	if utf8.RuneCountInString(word) > maxInputCharsPerWord {
		return unk
	}
	var ids []int64
	for start := 0; start < len(word); {
		rest, prefix := word[start:], ""
		if start > 0 {
			prefix = continuationPrefix
			rest = prefix + rest
		}
		match, id, ok := w.vocab.longestPrefix(rest)
		if !ok || len(match) <= len(prefix) {
			return unk
		}
		ids = append(ids, id)
		start += len(match) - len(prefix)
	}
	return ids
}
