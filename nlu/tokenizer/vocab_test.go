package tokenizer

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ZanzyTHEbar/cabin-nlu/nlu/common"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeVocabFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vocab.txt")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadVocabulary(t *testing.T) {
	v := loadTestVocab(t)

	assert.Equal(t, 28, v.Len())
	assert.Equal(t, testVocab, v.Path())
	assert.Equal(t, int64(0), v.PadID())
	assert.Equal(t, int64(1), v.UnkID())
	assert.Equal(t, int64(2), v.ClsID())
	assert.Equal(t, int64(3), v.SepID())

	id, ok := v.ID("window")
	require.True(t, ok)
	assert.Equal(t, int64(9), id)

	tok, ok := v.Token(12)
	require.True(t, ok)
	assert.Equal(t, "##able", tok)

	_, ok = v.Token(28)
	assert.False(t, ok)
	_, ok = v.Token(-1)
	assert.False(t, ok)
}

func TestVocabularySpecialIDs(t *testing.T) {
	v := loadTestVocab(t)

	for _, id := range []int64{0, 1, 2, 3, 4} {
		assert.True(t, v.IsSpecial(id), "id %d", id)
	}
	assert.False(t, v.IsSpecial(5))
	assert.False(t, v.IsSpecial(-3))
}

func TestVocabularyCRLF(t *testing.T) {
	path := writeVocabFile(t, "[PAD]\r\n[UNK]\r\n[CLS]\r\n[SEP]\r\nhello\r\n")
	v, err := LoadVocabulary(path, DefaultSpecialTokens())
	require.NoError(t, err)

	id, ok := v.ID("hello")
	require.True(t, ok)
	assert.Equal(t, int64(4), id)
}

func TestVocabularyCustomSpecialTokens(t *testing.T) {
	path := writeVocabFile(t, "<pad>\n<unk>\n<s>\n</s>\nhi\n")
	v, err := LoadVocabulary(path, SpecialTokens{Pad: "<pad>", Unk: "<unk>", Cls: "<s>", Sep: "</s>"})
	require.NoError(t, err)

	assert.Equal(t, int64(2), v.ClsID())
	assert.Equal(t, int64(3), v.SepID())
}

func TestLoadVocabularyErrors(t *testing.T) {
	tests := []struct {
		name      string
		content   string
		malformed bool
	}{
		{"empty file", "", true},
		{"duplicate token", "[PAD]\n[UNK]\n[CLS]\n[SEP]\nhi\nhi\n", true},
		{"blank line", "[PAD]\n[UNK]\n\n[CLS]\n[SEP]\n", true},
		{"missing unk", "[PAD]\n[CLS]\n[SEP]\n", true},
		{"missing sep", "[PAD]\n[UNK]\n[CLS]\n", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeVocabFile(t, tt.content)
			_, err := LoadVocabulary(path, DefaultSpecialTokens())
			require.Error(t, err)

			var vErr *common.VocabLoadError
			require.True(t, errors.As(err, &vErr))
			assert.Equal(t, path, vErr.Path)
			assert.Equal(t, tt.malformed, errors.Is(err, common.ErrMalformedVocab))
		})
	}
}

func TestLoadVocabularyMissingFile(t *testing.T) {
	_, err := LoadVocabulary(filepath.Join(t.TempDir(), "nope.txt"), DefaultSpecialTokens())

	var vErr *common.VocabLoadError
	require.True(t, errors.As(err, &vErr))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestVocabularyDecode(t *testing.T) {
	v := loadTestVocab(t)
	ids := []int64{2, 6, 7, 10, 11, 12, 9, 26, 3, 0, 0}

	assert.Equal(t, "roll down unaffable windows", v.Decode(ids, true))
	assert.Equal(t, "[CLS] roll down unaffable windows [SEP] [PAD] [PAD]", v.Decode(ids, false))
	assert.Equal(t, "[UNK]", v.Decode([]int64{999}, false))
}

func TestNewVocabularyInMemory(t *testing.T) {
	v, err := NewVocabulary([]string{"[PAD]", "[UNK]", "[CLS]", "[SEP]", "go"}, SpecialTokens{})
	require.NoError(t, err)
	assert.Empty(t, v.Path())

	tok, err := New("sugarme", v, Config{MaxSeqLen: 8, Lowercase: true}, testLogger())
	require.NoError(t, err)
	assert.IsType(t, &SugarWordPiece{}, tok)
	in, err := tok.Tokenize("Go go gopher")
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 4, 4, 1, 3, 0, 0, 0}, in.InputIDs)
}
