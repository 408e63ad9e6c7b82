package tokenizer

import (
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ZanzyTHEbar/cabin-nlu/nlu/common"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() zerolog.Logger { return zerolog.Nop() }

var paritySentences = []string{
	"roll down the left window",
	"ROLL down the LEFT windows",
	"unaffable windows",
	"set temperature to 20.",
	"playing the window!",
	"Café",
	"roll qqq window",
	"",
}

// TestBackendParity checks that the sugarme and native backends produce the
// same ids on the bundled test vocabulary, cased and uncased.
func TestBackendParity(t *testing.T) {
	for _, lowercase := range []bool{true, false} {
		backends := testBackends(t, Config{MaxSeqLen: 12, Lowercase: lowercase})
		wp, swp := backends["wordpiece"], backends["sugarme"]

		for _, s := range append(append([]string{}, paritySentences...), hardInputs...) {
			want, err := wp.Tokenize(s)
			require.NoError(t, err)
			got, err := swp.Tokenize(s)
			require.NoError(t, err)
			assert.Equal(t, want, got, "sentence %q lowercase=%v", s, lowercase)
		}
	}
}

func TestSugarWordPieceIDs(t *testing.T) {
	vocab := loadTestVocab(t)
	uncased, err := NewSugarWordPiece(vocab, Config{MaxSeqLen: 10, Lowercase: true})
	require.NoError(t, err)
	cased, err := NewSugarWordPiece(vocab, Config{MaxSeqLen: 10, Lowercase: false})
	require.NoError(t, err)

	tests := []struct {
		name string
		tok  *SugarWordPiece
		text string
		want []int64
	}{
		{"dotted capital", uncased, "İstanbul: roll down the window", []int64{2, 1, 1, 6, 7, 5, 9, 3, 0, 0}},
		{"invalid utf8 dropped", uncased, "roll \xff down", []int64{2, 6, 7, 3, 0, 0, 0, 0, 0, 0}},
		{"nbsp is whitespace", uncased, "roll\u00a0down", []int64{2, 6, 7, 3, 0, 0, 0, 0, 0, 0}},
		{"accent stripped after nfd", uncased, "Café", []int64{2, 16, 3, 0, 0, 0, 0, 0, 0, 0}},
		{"cased keeps capitals", cased, "ROLL", []int64{2, 1, 3, 0, 0, 0, 0, 0, 0, 0}},
		{"cased isolates cjk", cased, "温度", []int64{2, 17, 18, 3, 0, 0, 0, 0, 0, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in, err := tt.tok.Tokenize(tt.text)
			require.NoError(t, err)
			assert.Equal(t, tt.want, in.InputIDs)
		})
	}
}

func TestNewSelectsBackend(t *testing.T) {
	vocab := loadTestVocab(t)
	cfg := Config{MaxSeqLen: 8, Lowercase: true}

	tok, err := New("", vocab, cfg, testLogger())
	require.NoError(t, err)
	assert.IsType(t, &SugarWordPiece{}, tok)

	tok, err = New("Native", vocab, cfg, testLogger())
	require.NoError(t, err)
	assert.IsType(t, &WordPiece{}, tok)
	assert.Equal(t, 8, tok.MaxSeqLen())

	_, err = New("sentencepiece", vocab, cfg, testLogger())
	assert.True(t, errors.Is(err, common.ErrUnknownBackend))

	_, err = New("wordpiece", vocab, Config{MaxSeqLen: 1}, testLogger())
	assert.True(t, errors.Is(err, common.ErrInvalidSeqLen))
}

// TestHuggingFaceParity compares the native tokenizer against the reference
// HuggingFace BERT tokenizer. Skipped when python3 or transformers is missing.
func TestHuggingFaceParity(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping python parity check in short mode")
	}
	py, err := exec.LookPath("python3")
	if err != nil {
		t.Skip("python3 not found; skipping parity test")
	}

	dumpVocab := `import json
from transformers import AutoTokenizer
t=AutoTokenizer.from_pretrained("bert-base-uncased")
inv=sorted(t.get_vocab().items(), key=lambda kv:kv[1])
print(json.dumps([k for k,_ in inv]))`
	out, err := exec.Command(py, "-c", dumpVocab).Output()
	if err != nil {
		t.Skipf("python transformers not available: %v", err)
	}
	var tokens []string
	require.NoError(t, json.Unmarshal(out, &tokens))

	path := filepath.Join(t.TempDir(), "vocab.txt")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(tokens, "\n")+"\n"), 0o644))
	vocab, err := LoadVocabulary(path, DefaultSpecialTokens())
	require.NoError(t, err)

	const maxLen = 32
	sents := []string{
		"roll down the left window",
		"set the temperature to 21 degrees",
		"Mute the media, please!",
		"the quick brown fox jumps over the lazy dog",
	}
	in, err := json.Marshal(sents)
	require.NoError(t, err)

	pyEnc := `import json, sys
from transformers import AutoTokenizer
t=AutoTokenizer.from_pretrained("bert-base-uncased")
out=[]
for x in json.loads(sys.argv[1]):
    enc=t(x, padding='max_length', truncation=True, max_length=32)
    out.append({'ids':enc['input_ids'],'mask':enc['attention_mask']})
print(json.dumps(out))`
	out, err = exec.Command(py, "-c", pyEnc, string(in)).Output()
	if err != nil {
		t.Skipf("python encode failed: %v", err)
	}
	var ref []struct {
		IDs  []int64 `json:"ids"`
		Mask []int64 `json:"mask"`
	}
	require.NoError(t, json.Unmarshal(out, &ref))
	require.Len(t, ref, len(sents))

	wp, err := NewWordPiece(vocab, Config{MaxSeqLen: maxLen, Lowercase: true})
	require.NoError(t, err)
	for i, s := range sents {
		got, err := wp.Tokenize(s)
		require.NoError(t, err)
		assert.Equal(t, ref[i].IDs, got.InputIDs, "sentence %q", s)
		assert.Equal(t, ref[i].Mask, got.AttentionMask, "sentence %q", s)
	}
}
