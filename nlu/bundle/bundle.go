package bundle

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	internal "github.com/ZanzyTHEbar/cabin-nlu/nlu"
	"github.com/ZanzyTHEbar/cabin-nlu/nlu/common"
	"github.com/ZanzyTHEbar/cabin-nlu/nlu/executor"
	"github.com/ZanzyTHEbar/cabin-nlu/nlu/labels"
	"github.com/ZanzyTHEbar/cabin-nlu/nlu/tokenizer"

	"github.com/bytedance/sonic"
	"github.com/rs/zerolog"
)

// Bundle is a loaded, consistency-checked model bundle. Everything in it is
// read-only.
type Bundle struct {
	Dir         string
	Manifest    Manifest
	Vocab       *tokenizer.Vocabulary
	Labels      *labels.Table
	ModelConfig *executor.ModelConfig // nil for ONNX bundles without config.json
}

// LoadOptions tunes Load.
type LoadOptions struct {
	// MaxSeqLen applies to bundles without a manifest only.
	MaxSeqLen int
	Logger    zerolog.Logger
}

// Load reads dir as a single unit. A directory without bundle.yaml is read as
// a HuggingFace export (vocab.txt, config.json, model.safetensors or
// model.onnx).
func Load(dir string, opts LoadOptions) (*Bundle, error) {
	manifestPath := filepath.Join(dir, internal.DefaultManifestName)
	m, err := ReadManifest(manifestPath)
	switch {
	case err == nil:
	case errors.Is(err, os.ErrNotExist):
		m, err = inferManifest(dir, opts)
		if err != nil {
			return nil, err
		}
		opts.Logger.Warn().Str("dir", dir).Msg("no bundle manifest, using HuggingFace export layout")
	default:
		return nil, &common.ModelLoadError{Path: manifestPath, Err: err}
	}

	b := &Bundle{Dir: dir, Manifest: *m}
	if err := b.verifyChecksums(); err != nil {
		return nil, err
	}

	if b.Vocab, err = tokenizer.LoadVocabulary(b.VocabPath(), m.SpecialTokens); err != nil {
		return nil, err
	}
	if cfgPath := b.ConfigPath(); cfgPath != "" {
		if b.ModelConfig, err = executor.LoadModelConfig(cfgPath); err != nil {
			if m.Model.Format == FormatSafetensors || !errors.Is(err, os.ErrNotExist) {
				return nil, err
			}
		}
	}
	if _, err := os.Stat(b.ModelPath()); err != nil {
		return nil, &common.ModelLoadError{Path: b.ModelPath(), Err: err}
	}
	if b.Labels, err = b.loadLabels(); err != nil {
		return nil, err
	}
	if err := b.checkShapes(); err != nil {
		return nil, err
	}

	opts.Logger.Info().
		Str("bundle", m.Name).
		Str("version", m.Version).
		Str("format", m.Model.Format).
		Int("vocab", b.Vocab.Len()).
		Int("labels", b.Labels.Len()).
		Int("seq_len", m.MaxSequenceLength).
		Msg("model bundle loaded")
	return b, nil
}

func (b *Bundle) path(name string) string {
	if name == "" || filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(b.Dir, name)
}

func (b *Bundle) VocabPath() string  { return b.path(b.Manifest.Vocab) }
func (b *Bundle) ModelPath() string  { return b.path(b.Manifest.Model.Path) }
func (b *Bundle) ConfigPath() string { return b.path(b.Manifest.Model.Config) }
func (b *Bundle) SeqLen() int        { return b.Manifest.MaxSequenceLength }
func (b *Bundle) Format() string     { return b.Manifest.Model.Format }

// ExecutorOptions describes the bundle's weights for executor.New.
func (b *Bundle) ExecutorOptions() executor.Options {
	backend := executor.BackendNative
	if b.Format() == FormatONNX {
		backend = executor.BackendONNX
	}
	return executor.Options{
		Backend:    backend,
		ModelPath:  b.ModelPath(),
		ConfigPath: b.ConfigPath(),
		SeqLen:     b.SeqLen(),
		NumLabels:  b.Labels.Len(),
	}
}

// TokenizerConfig returns the tokenizer settings the bundle was trained with.
func (b *Bundle) TokenizerConfig() tokenizer.Config {
	return tokenizer.Config{MaxSeqLen: b.SeqLen(), Lowercase: b.Manifest.IsLowercase()}
}

// loadLabels resolves the label table. The manifest is canonical; config.json
// id2label is used when the manifest lists none.
func (b *Bundle) loadLabels() (*labels.Table, error) {
	m := &b.Manifest
	var fromManifest *labels.Table
	var err error
	switch {
	case len(m.Labels) > 0:
		fromManifest, err = labels.New(m.Labels)
	case m.LabelsFile != "":
		fromManifest, err = labels.LoadFile(b.path(m.LabelsFile))
	}
	if err != nil {
		return nil, err
	}

	var fromConfig *labels.Table
	if b.ModelConfig != nil && len(b.ModelConfig.ID2Label) > 0 {
		if fromConfig, err = labels.FromID2Label(b.ModelConfig.ID2Label); err != nil {
			return nil, fmt.Errorf("config id2label: %w", err)
		}
	}

	table := fromManifest
	switch {
	case table == nil && fromConfig == nil:
		return nil, fmt.Errorf("%w: bundle %s declares no labels", common.ErrInvalidLabelTable, b.Dir)
	case table == nil:
		table = fromConfig
	case fromConfig != nil && !isPlaceholder(fromConfig):
		if fromConfig.Len() != table.Len() {
			return nil, &common.LabelTableMismatchError{Logits: fromConfig.Len(), Labels: table.Len()}
		}
		if !fromConfig.Equal(table) {
			return nil, fmt.Errorf("%w: manifest labels disagree with config id2label", common.ErrInvalidLabelTable)
		}
	}

	if m.NumLabels > 0 && m.NumLabels != table.Len() {
		return nil, &common.LabelTableMismatchError{Logits: m.NumLabels, Labels: table.Len()}
	}
	return table, nil
}

// isPlaceholder reports the LABEL_0.. names HuggingFace writes when no
// label names were given at training time.
func isPlaceholder(t *labels.Table) bool {
	for i, l := range t.Labels() {
		if l != fmt.Sprintf("LABEL_%d", i) {
			return false
		}
	}
	return true
}

func (b *Bundle) checkShapes() error {
	cfg := b.ModelConfig
	if cfg == nil {
		return nil
	}
	if b.Vocab.Len() > cfg.VocabSize {
		return common.NewModelLoadError(b.ConfigPath(),
			"vocabulary has %d tokens, model embeds %d", b.Vocab.Len(), cfg.VocabSize)
	}
	if b.SeqLen() > cfg.MaxPositionEmbeddings {
		return common.NewModelLoadError(b.ConfigPath(),
			"max_sequence_length %d exceeds max_position_embeddings %d", b.SeqLen(), cfg.MaxPositionEmbeddings)
	}
	return nil
}

func (b *Bundle) verifyChecksums() error {
	for name, want := range b.Manifest.Checksums {
		path := b.path(name)
		got, err := fileSHA256(path)
		if err == nil && !strings.EqualFold(got, strings.TrimSpace(want)) {
			err = fmt.Errorf("sha256 mismatch: manifest %s, file %s", want, got)
		}
		if err == nil {
			continue
		}
		if filepath.Clean(name) == filepath.Clean(b.Manifest.Vocab) {
			return &common.VocabLoadError{Path: path, Err: err}
		}
		return &common.ModelLoadError{Path: path, Err: err}
	}
	return nil
}

// FileSHA256 returns the hex sha256 of a file, the form used in manifest
// checksums.
func FileSHA256(path string) (string, error) { return fileSHA256(path) }

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

type hfTokenizerConfig struct {
	DoLowerCase    *bool `json:"do_lower_case"`
	ModelMaxLength int   `json:"model_max_length"`
}

func inferManifest(dir string, opts LoadOptions) (*Manifest, error) {
	m := &Manifest{Name: filepath.Base(dir), Vocab: "vocab.txt"}
	switch {
	case fileExists(filepath.Join(dir, "model.safetensors")):
		m.Model = ModelSpec{Format: FormatSafetensors, Path: "model.safetensors", Config: "config.json"}
	case fileExists(filepath.Join(dir, "model.onnx")):
		m.Model = ModelSpec{Format: FormatONNX, Path: "model.onnx"}
		if fileExists(filepath.Join(dir, "config.json")) {
			m.Model.Config = "config.json"
		}
	default:
		return nil, common.NewModelLoadError(dir, "no %s and no model.safetensors or model.onnx", internal.DefaultManifestName)
	}

	m.MaxSequenceLength = opts.MaxSeqLen
	if data, err := os.ReadFile(filepath.Join(dir, "tokenizer_config.json")); err == nil {
		var tc hfTokenizerConfig
		if err := sonic.Unmarshal(data, &tc); err != nil {
			return nil, common.NewVocabLoadError(filepath.Join(dir, "tokenizer_config.json"), "decode tokenizer config: %w", err)
		}
		m.Lowercase = tc.DoLowerCase
		if m.MaxSequenceLength == 0 && tc.ModelMaxLength > 0 && tc.ModelMaxLength <= 4096 {
			m.MaxSequenceLength = tc.ModelMaxLength
		}
	}
	if m.MaxSequenceLength == 0 {
		m.MaxSequenceLength = internal.DefaultMaxSeqLen
	}
	m.applyDefaults()
	if err := m.Validate(); err != nil {
		return nil, &common.ModelLoadError{Path: dir, Err: err}
	}
	return m, nil
}

func fileExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && !fi.IsDir()
}
