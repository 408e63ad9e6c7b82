package tokenizer

import (
	"fmt"
	"os"
	"strings"

	"github.com/ZanzyTHEbar/cabin-nlu/nlu/common"

	"github.com/RoaringBitmap/roaring"
	"github.com/armon/go-radix"
)

// SpecialTokens names the reserved vocabulary entries.
type SpecialTokens struct {
	Pad  string `yaml:"pad,omitempty"`
	Unk  string `yaml:"unk,omitempty"`
	Cls  string `yaml:"cls,omitempty"`
	Sep  string `yaml:"sep,omitempty"`
	Mask string `yaml:"mask,omitempty"`
}

// DefaultSpecialTokens returns the BERT special tokens.
func DefaultSpecialTokens() SpecialTokens {
	return SpecialTokens{Pad: "[PAD]", Unk: "[UNK]", Cls: "[CLS]", Sep: "[SEP]", Mask: "[MASK]"}
}

// WithDefaults fills unset names from DefaultSpecialTokens.
func (s SpecialTokens) WithDefaults() SpecialTokens {
	d := DefaultSpecialTokens()
	if s.Pad == "" {
		s.Pad = d.Pad
	}
	if s.Unk == "" {
		s.Unk = d.Unk
	}
	if s.Cls == "" {
		s.Cls = d.Cls
	}
	if s.Sep == "" {
		s.Sep = d.Sep
	}
	if s.Mask == "" {
		s.Mask = d.Mask
	}
	return s
}

// Vocabulary is an immutable subword -> id mapping. Ids are positions in the
// vocabulary file.
type Vocabulary struct {
	path     string
	tokens   []string
	index    *radix.Tree
	special  *roaring.Bitmap
	specials SpecialTokens
	padID    int64
	unkID    int64
	clsID    int64
	sepID    int64
}

// LoadVocabulary reads a vocab.txt file, one token per line.
func LoadVocabulary(path string, specials SpecialTokens) (*Vocabulary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &common.VocabLoadError{Path: path, Err: err}
	}
	text := strings.TrimSuffix(string(data), "\n")
	if text == "" {
		return nil, &common.VocabLoadError{Path: path, Err: fmt.Errorf("%w: no tokens", common.ErrMalformedVocab)}
	}
	lines := strings.Split(text, "\n")
	for i := range lines {
		lines[i] = strings.TrimSuffix(lines[i], "\r")
	}
	return newVocabulary(path, lines, specials)
}

// NewVocabulary builds a vocabulary from tokens in id order.
func NewVocabulary(tokens []string, specials SpecialTokens) (*Vocabulary, error) {
	return newVocabulary("", tokens, specials)
}

func newVocabulary(path string, tokens []string, specials SpecialTokens) (*Vocabulary, error) {
	specials = specials.WithDefaults()
	if len(tokens) == 0 {
		return nil, &common.VocabLoadError{Path: path, Err: fmt.Errorf("%w: no tokens", common.ErrMalformedVocab)}
	}
	index := radix.New()
	for i, tok := range tokens {
		if tok == "" {
			return nil, &common.VocabLoadError{Path: path, Err: fmt.Errorf("%w: empty token at line %d", common.ErrMalformedVocab, i+1)}
		}
		if _, dup := index.Insert(tok, int64(i)); dup {
			return nil, &common.VocabLoadError{Path: path, Err: fmt.Errorf("%w: duplicate token %q at line %d", common.ErrMalformedVocab, tok, i+1)}
		}
	}

	v := &Vocabulary{
		path:     path,
		tokens:   append([]string(nil), tokens...),
		index:    index,
		special:  roaring.New(),
		specials: specials,
	}
	required := []struct {
		name string
		dst  *int64
	}{
		{specials.Pad, &v.padID},
		{specials.Unk, &v.unkID},
		{specials.Cls, &v.clsID},
		{specials.Sep, &v.sepID},
	}
	for _, r := range required {
		id, ok := v.ID(r.name)
		if !ok {
			return nil, &common.VocabLoadError{Path: path, Err: fmt.Errorf("%w: missing reserved token %s", common.ErrMalformedVocab, r.name)}
		}
		*r.dst = id
		v.special.Add(uint32(id))
	}
	// [MASK] is optional
	if id, ok := v.ID(specials.Mask); ok {
		v.special.Add(uint32(id))
	}
	return v, nil
}

// Path returns the file the vocabulary was loaded from, empty for in-memory ones.
func (v *Vocabulary) Path() string { return v.path }

// Len returns the number of tokens.
func (v *Vocabulary) Len() int { return len(v.tokens) }

func (v *Vocabulary) PadID() int64 { return v.padID }
func (v *Vocabulary) UnkID() int64 { return v.unkID }
func (v *Vocabulary) ClsID() int64 { return v.clsID }
func (v *Vocabulary) SepID() int64 { return v.sepID }

// SpecialTokens returns the reserved token names in use.
func (v *Vocabulary) SpecialTokens() SpecialTokens { return v.specials }

// ID looks up a token.
func (v *Vocabulary) ID(token string) (int64, bool) {
	raw, ok := v.index.Get(token)
	if !ok {
		return 0, false
	}
	return raw.(int64), true
}

// Token looks up an id.
func (v *Vocabulary) Token(id int64) (string, bool) {
	if id < 0 || id >= int64(len(v.tokens)) {
		return "", false
	}
	return v.tokens[id], true
}

// IsSpecial reports whether id is one of the reserved tokens.
func (v *Vocabulary) IsSpecial(id int64) bool {
	if id < 0 || id > int64(^uint32(0)) {
		return false
	}
	return v.special.Contains(uint32(id))
}

// longestPrefix returns the longest vocabulary entry that prefixes s.
func (v *Vocabulary) longestPrefix(s string) (string, int64, bool) {
	match, raw, ok := v.index.LongestPrefix(s)
	if !ok {
		return "", 0, false
	}
	return match, raw.(int64), true
}

// Decode rebuilds text from ids, gluing "##" continuations onto the previous
// word. Ids outside the vocabulary decode as the unknown token.
func (v *Vocabulary) Decode(ids []int64, skipSpecial bool) string {
	words := make([]string, 0, len(ids))
	for _, id := range ids {
		if skipSpecial && v.IsSpecial(id) {
			continue
		}
		tok, ok := v.Token(id)
		if !ok {
			tok = v.specials.Unk
		}
		if rest, cont := strings.CutPrefix(tok, continuationPrefix); cont && len(words) > 0 {
			words[len(words)-1] += rest
			continue
		}
		words = append(words, tok)
	}
	return strings.Join(words, " ")
}
