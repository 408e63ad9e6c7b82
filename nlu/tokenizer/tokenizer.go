package tokenizer

import (
	"fmt"
	"strings"

	"github.com/ZanzyTHEbar/cabin-nlu/nlu/common"

	"github.com/rs/zerolog"
)

// Tokenizer converts raw text to model-ready token IDs and attention masks
type Tokenizer interface {
	Tokenize(text string) (TokenizedInput, error)
	MaxSeqLen() int
}

// Config holds basic tokenizer settings
type Config struct {
	MaxSeqLen int
	Lowercase bool
}

// TokenizedInput is one fixed-length model input. Positions past the framed
// text hold the padding id with mask 0.
type TokenizedInput struct {
	InputIDs      []int64
	AttentionMask []int64
}

// Validate checks both sequences against the model's fixed input length.
func (in TokenizedInput) Validate(seqLen int) error {
	if len(in.InputIDs) != seqLen {
		return &common.ShapeMismatchError{What: "input_ids", Want: seqLen, Got: len(in.InputIDs)}
	}
	if len(in.AttentionMask) != seqLen {
		return &common.ShapeMismatchError{What: "attention_mask", Want: seqLen, Got: len(in.AttentionMask)}
	}
	return nil
}

// RealTokens counts positions with a non-zero mask.
func (in TokenizedInput) RealTokens() int {
	n := 0
	for _, m := range in.AttentionMask {
		if m != 0 {
			n++
		}
	}
	return n
}

// New selects a tokenizer backend by name ("sugarme", "wordpiece").
// The sugarme backend falls back to the native WordPiece when it cannot be built.
func New(backend string, vocab *Vocabulary, cfg Config, logger zerolog.Logger) (Tokenizer, error) {
	if cfg.MaxSeqLen < 2 {
		return nil, fmt.Errorf("tokenizer: %w (got %d)", common.ErrInvalidSeqLen, cfg.MaxSeqLen)
	}
	if vocab == nil {
		return nil, &common.VocabLoadError{Err: fmt.Errorf("%w: nil vocabulary", common.ErrMalformedVocab)}
	}
	name := strings.ToLower(strings.TrimSpace(backend))
	switch name {
	case "", "sugarme", "hf":
		swp, err := NewSugarWordPiece(vocab, cfg)
		if err == nil {
			return swp, nil
		}
		logger.Warn().Err(err).Str("vocab", vocab.Path()).Msg("sugarme tokenizer unavailable, using native wordpiece")
		return NewWordPiece(vocab, cfg)
	case "wordpiece", "native":
		return NewWordPiece(vocab, cfg)
	default:
		return nil, fmt.Errorf("tokenizer %q: %w", backend, common.ErrUnknownBackend)
	}
}

// frame wraps pieces as [CLS] pieces [SEP], drops pieces from the tail when
// they do not fit, and pads to maxSeqLen.
func frame(v *Vocabulary, pieces []int64, maxSeqLen int) TokenizedInput {
	if n := maxSeqLen - 2; len(pieces) > n {
		pieces = pieces[:n]
	}
	in := TokenizedInput{
		InputIDs:      make([]int64, maxSeqLen),
		AttentionMask: make([]int64, maxSeqLen),
	}
	in.InputIDs[0] = v.ClsID()
	in.AttentionMask[0] = 1
	for i, id := range pieces {
		in.InputIDs[i+1] = id
		in.AttentionMask[i+1] = 1
	}
	sep := len(pieces) + 1
	in.InputIDs[sep] = v.SepID()
	in.AttentionMask[sep] = 1
	for i := sep + 1; i < maxSeqLen; i++ {
		in.InputIDs[i] = v.PadID()
	}
	return in
}
