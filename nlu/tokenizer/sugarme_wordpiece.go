package tokenizer

import (
	"fmt"

	"github.com/ZanzyTHEbar/cabin-nlu/nlu/common"

	tk "github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/model"
	"github.com/sugarme/tokenizer/model/wordpiece"
)

// SugarWordPiece runs the sugarme/tokenizer WordPiece model over words produced
// by this package's BERT basic pass. Normalization, framing, truncation and
// padding stay local so both backends honour the same contract.
type SugarWordPiece struct {
	wp        tk.Model
	vocab     *Vocabulary
	basic     basicTokenizer
	maxSeqLen int
}

// NewSugarWordPiece builds the sugarme WordPiece model from vocab.
func NewSugarWordPiece(vocab *Vocabulary, cfg Config) (*SugarWordPiece, error) {
	if vocab == nil || vocab.Len() == 0 {
		return nil, fmt.Errorf("sugarme tokenizer needs a vocabulary")
	}
	if cfg.MaxSeqLen < 2 {
		return nil, fmt.Errorf("sugarme tokenizer: %w (got %d)", common.ErrInvalidSeqLen, cfg.MaxSeqLen)
	}

	mv := make(model.Vocab, vocab.Len())
	for i, tok := range vocab.tokens {
		mv[tok] = i
	}
	wp := wordpiece.NewWordPieceBuilder().
		Vocab(&mv).
		UnkToken(vocab.SpecialTokens().Unk).
		ContinuingSubwordPrefix(continuationPrefix).
		MaxInputCharsPerWord(maxInputCharsPerWord).
		Build()

	return &SugarWordPiece{
		wp:        wp,
		vocab:     vocab,
		basic:     basicTokenizer{lowercase: cfg.Lowercase},
		maxSeqLen: cfg.MaxSeqLen,
	}, nil
}

func (s *SugarWordPiece) MaxSeqLen() int { return s.maxSeqLen }

func (s *SugarWordPiece) Tokenize(text string) (in TokenizedInput, err error) {
	defer func() {
		if r := recover(); r != nil {
			in, err = TokenizedInput{}, fmt.Errorf("sugarme wordpiece: %v", r)
		}
	}()

	var pieces []int64
	for _, word := range s.basic.split(text) {
		toks, err := s.wp.Tokenize(word)
		if err != nil {
			return TokenizedInput{}, fmt.Errorf("sugarme wordpiece %q: %w", word, err)
		}
		for _, t := range toks {
			pieces = append(pieces, int64(t.Id))
		}
		// pieces past the frame are dropped anyway
		if len(pieces) >= s.maxSeqLen-2 {
			break
		}
	}
	return frame(s.vocab, pieces, s.maxSeqLen), nil
}
