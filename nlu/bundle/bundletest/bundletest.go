// Package bundletest writes small deterministic model bundles for tests.
//
// The fixture model is a one-layer DistilBERT whose hidden size equals the
// number of labels. Each keyword embeds as the unit vector of its label and
// every other token embeds as zero. Attention is uniform over real tokens and
// the classification head is the identity, so the predicted label is the one
// whose keywords occur most often in the text (lowest index on ties, index 0
// when no keyword occurs).
package bundletest

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"testing"

	"github.com/ZanzyTHEbar/cabin-nlu/nlu/bundle"
	"github.com/ZanzyTHEbar/cabin-nlu/nlu/executor"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/require"
)

// Labels is the default cockpit label table.
var Labels = []string{"lower_window", "raise_window", "set_temperature", "mute_media", "unmute_media"}

// Keywords maps fixture words to the index of the label they vote for.
var Keywords = map[string]int{
	"roll": 0, "down": 0, "lower": 0, "open": 0,
	"up": 1, "raise": 1, "close": 1,
	"set": 2, "temperature": 2, "degrees": 2, "warm": 2, "cool": 2, "fan": 2, "increase": 2,
	"mute": 3, "silence": 3, "off": 3,
	"unmute": 4, "resume": 4, "on": 4,
}

// Filler words are in the vocabulary but carry no signal.
var Filler = []string{"the", "left", "right", "window", "please", "to", "media", "music", "a", "driver", "passenger", "##s", ",", ".", "!"}

// Fixture describes the bundle to write. The zero value is not useful; start
// from Default.
type Fixture struct {
	SeqLen int
	Labels []string
	// HeadWidth overrides the classifier output width to build a bundle whose
	// weights disagree with its label table.
	HeadWidth int
	// NoManifest writes the HuggingFace export layout with labels only in
	// config.json.
	NoManifest bool
	// LabelsFile stores the labels in labels.txt instead of inline.
	LabelsFile bool
	Checksums  bool
	Activation string
}

// Default returns the standard five-label fixture with 16-token inputs.
func Default() Fixture {
	return Fixture{SeqLen: 16, Labels: Labels, Activation: "gelu"}
}

// Build writes the default fixture to a temp dir and returns the dir.
func Build(t testing.TB) string {
	return Default().Write(t)
}

// Vocab returns the fixture vocabulary in id order.
func Vocab() []string {
	words := make([]string, 0, len(Keywords))
	for w := range Keywords {
		words = append(words, w)
	}
	sort.Strings(words)
	vocab := []string{"[PAD]", "[UNK]", "[CLS]", "[SEP]", "[MASK]"}
	vocab = append(vocab, Filler...)
	return append(vocab, words...)
}

// Write materializes the fixture under t.TempDir().
func (f Fixture) Write(t testing.TB) string {
	t.Helper()
	dir := t.TempDir()
	vocab := Vocab()
	dim := len(f.Labels)
	width := f.HeadWidth
	if width == 0 {
		width = dim
	}

	require.NoError(t, os.WriteFile(filepath.Join(dir, "vocab.txt"), []byte(strings.Join(vocab, "\n")+"\n"), 0o644))

	cfg := executor.ModelConfig{
		ModelType:             "distilbert",
		Architectures:         []string{"DistilBertForSequenceClassification"},
		Dim:                   dim,
		NLayers:               1,
		NHeads:                1,
		HiddenDim:             4,
		MaxPositionEmbeddings: f.SeqLen * 2,
		VocabSize:             len(vocab),
		Activation:            f.Activation,
		ID2Label:              map[string]string{},
		Label2ID:              map[string]int{},
	}
	for i, l := range f.Labels {
		cfg.ID2Label[strconv.Itoa(i)] = l
		cfg.Label2ID[l] = i
	}
	data, err := sonic.ConfigStd.MarshalIndent(cfg, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), data, 0o644))

	mf, err := os.Create(filepath.Join(dir, "model.safetensors"))
	require.NoError(t, err)
	require.NoError(t, executor.EncodeSafetensors(mf, Tensors(cfg, vocab, width)))
	require.NoError(t, mf.Close())

	if f.NoManifest {
		return dir
	}

	m := &bundle.Manifest{
		Name:              "cockpit-intents",
		Version:           "test",
		MaxSequenceLength: f.SeqLen,
		NumLabels:         len(f.Labels),
		Vocab:             "vocab.txt",
		Model:             bundle.ModelSpec{Format: bundle.FormatSafetensors, Path: "model.safetensors", Config: "config.json"},
	}
	if f.LabelsFile {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "labels.txt"), []byte(strings.Join(f.Labels, "\n")+"\n"), 0o644))
		m.LabelsFile = "labels.txt"
	} else {
		m.Labels = f.Labels
	}
	if f.Checksums {
		m.Checksums = map[string]string{}
		for _, name := range []string{"vocab.txt", "config.json", "model.safetensors"} {
			sum, err := bundle.FileSHA256(filepath.Join(dir, name))
			require.NoError(t, err)
			m.Checksums[name] = sum
		}
	}
	require.NoError(t, bundle.WriteManifest(filepath.Join(dir, "bundle.yaml"), m))
	return dir
}

// Tensors builds the fixture weights for cfg. width is the classifier output
// count.
func Tensors(cfg executor.ModelConfig, vocab []string, width int) map[string]executor.Tensor {
	d, h := cfg.Dim, cfg.HiddenDim
	out := map[string]executor.Tensor{}

	word := zeros(cfg.VocabSize, d)
	for id, tok := range vocab {
		if k, ok := Keywords[tok]; ok && k < d {
			word.Data[id*d+k] = 1
		}
	}
	out["distilbert.embeddings.word_embeddings.weight"] = word
	out["distilbert.embeddings.position_embeddings.weight"] = zeros(cfg.MaxPositionEmbeddings, d)
	addNorm(out, "distilbert.embeddings.LayerNorm", d)

	for i := 0; i < cfg.NLayers; i++ {
		p := fmt.Sprintf("distilbert.transformer.layer.%d.", i)
		addLinear(out, p+"attention.q_lin", zeros(d, d))
		addLinear(out, p+"attention.k_lin", zeros(d, d))
		addLinear(out, p+"attention.v_lin", eye(d, d))
		addLinear(out, p+"attention.out_lin", eye(d, d))
		addNorm(out, p+"sa_layer_norm", d)
		addLinear(out, p+"ffn.lin1", zeros(h, d))
		addLinear(out, p+"ffn.lin2", zeros(d, h))
		addNorm(out, p+"output_layer_norm", d)
	}
	addLinear(out, "pre_classifier", eye(d, d))
	addLinear(out, "classifier", eye(width, d))
	return out
}

func zeros(shape ...int) executor.Tensor {
	t := executor.Tensor{Shape: shape}
	t.Data = make([]float32, t.Len())
	return t
}

func eye(rows, cols int) executor.Tensor {
	t := zeros(rows, cols)
	for i := 0; i < rows && i < cols; i++ {
		t.Data[i*cols+i] = 1
	}
	return t
}

func addLinear(out map[string]executor.Tensor, prefix string, w executor.Tensor) {
	out[prefix+".weight"] = w
	out[prefix+".bias"] = zeros(w.Shape[0])
}

func addNorm(out map[string]executor.Tensor, prefix string, n int) {
	gamma := zeros(n)
	for i := range gamma.Data {
		gamma.Data[i] = 1
	}
	out[prefix+".weight"] = gamma
	out[prefix+".bias"] = zeros(n)
}
