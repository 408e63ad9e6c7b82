package bundle_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ZanzyTHEbar/cabin-nlu/nlu/bundle"
	"github.com/ZanzyTHEbar/cabin-nlu/nlu/bundle/bundletest"
	"github.com/ZanzyTHEbar/cabin-nlu/nlu/common"
	"github.com/ZanzyTHEbar/cabin-nlu/nlu/executor"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func load(t *testing.T, dir string) (*bundle.Bundle, error) {
	t.Helper()
	return bundle.Load(dir, bundle.LoadOptions{Logger: zerolog.Nop()})
}

func TestLoadFixtureBundle(t *testing.T) {
	b, err := load(t, bundletest.Build(t))
	require.NoError(t, err)

	assert.Equal(t, "cockpit-intents", b.Manifest.Name)
	assert.Equal(t, 16, b.SeqLen())
	assert.Equal(t, bundle.FormatSafetensors, b.Format())
	assert.Equal(t, bundletest.Labels, b.Labels.Labels())
	assert.Equal(t, len(bundletest.Vocab()), b.Vocab.Len())
	require.NotNil(t, b.ModelConfig)
	assert.Equal(t, 5, b.ModelConfig.Dim)

	opts := b.ExecutorOptions()
	assert.Equal(t, executor.BackendNative, opts.Backend)
	assert.Equal(t, 5, opts.NumLabels)
	assert.Equal(t, filepath.Join(b.Dir, "model.safetensors"), opts.ModelPath)

	tc := b.TokenizerConfig()
	assert.Equal(t, 16, tc.MaxSeqLen)
	assert.True(t, tc.Lowercase)
}

func TestLoadLabelsFile(t *testing.T) {
	f := bundletest.Default()
	f.LabelsFile = true

	b, err := load(t, f.Write(t))
	require.NoError(t, err)
	assert.Equal(t, bundletest.Labels, b.Labels.Labels())
}

func TestLoadHuggingFaceLayout(t *testing.T) {
	f := bundletest.Default()
	f.NoManifest = true
	dir := f.Write(t)

	b, err := load(t, dir)
	require.NoError(t, err)
	assert.Equal(t, bundletest.Labels, b.Labels.Labels())
	assert.Equal(t, 16, b.SeqLen())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "tokenizer_config.json"),
		[]byte(`{"do_lower_case": false, "model_max_length": 12}`), 0o644))
	b, err = load(t, dir)
	require.NoError(t, err)
	assert.Equal(t, 12, b.SeqLen())
	assert.False(t, b.TokenizerConfig().Lowercase)
}

func TestLoadChecksums(t *testing.T) {
	f := bundletest.Default()
	f.Checksums = true
	dir := f.Write(t)

	_, err := load(t, dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "vocab.txt"), []byte("[PAD]\n[UNK]\n[CLS]\n[SEP]\n"), 0o644))
	_, err = load(t, dir)
	var vErr *common.VocabLoadError
	assert.True(t, errors.As(err, &vErr))

	dir = f.Write(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "model.safetensors"), []byte("garbage"), 0o644))
	_, err = load(t, dir)
	var mErr *common.ModelLoadError
	assert.True(t, errors.As(err, &mErr))
}

func TestLoadLabelCountMismatch(t *testing.T) {
	dir := bundletest.Build(t)
	m, err := bundle.ReadManifest(filepath.Join(dir, "bundle.yaml"))
	require.NoError(t, err)
	m.NumLabels = 4
	require.NoError(t, bundle.WriteManifest(filepath.Join(dir, "bundle.yaml"), m))

	_, err = load(t, dir)
	var lErr *common.LabelTableMismatchError
	require.True(t, errors.As(err, &lErr))
	assert.Equal(t, 4, lErr.Logits)
	assert.Equal(t, 5, lErr.Labels)
}

func TestLoadManifestDisagreesWithConfig(t *testing.T) {
	dir := bundletest.Build(t)
	m, err := bundle.ReadManifest(filepath.Join(dir, "bundle.yaml"))
	require.NoError(t, err)

	m.Labels = []string{"lower_window", "raise_window", "set_temperature", "mute_media"}
	m.NumLabels = 0
	require.NoError(t, bundle.WriteManifest(filepath.Join(dir, "bundle.yaml"), m))
	_, err = load(t, dir)
	var lErr *common.LabelTableMismatchError
	assert.True(t, errors.As(err, &lErr))

	m.Labels = []string{"raise_window", "lower_window", "set_temperature", "mute_media", "unmute_media"}
	require.NoError(t, bundle.WriteManifest(filepath.Join(dir, "bundle.yaml"), m))
	_, err = load(t, dir)
	assert.True(t, errors.Is(err, common.ErrInvalidLabelTable))
}

func TestLoadMissingArtifacts(t *testing.T) {
	dir := bundletest.Build(t)
	require.NoError(t, os.Remove(filepath.Join(dir, "vocab.txt")))
	_, err := load(t, dir)
	var vErr *common.VocabLoadError
	assert.True(t, errors.As(err, &vErr))

	dir = bundletest.Build(t)
	require.NoError(t, os.Remove(filepath.Join(dir, "model.safetensors")))
	_, err = load(t, dir)
	var mErr *common.ModelLoadError
	assert.True(t, errors.As(err, &mErr))
	assert.True(t, errors.Is(err, os.ErrNotExist))

	_, err = load(t, t.TempDir())
	assert.True(t, errors.As(err, &mErr))
}

func TestReadManifestRejectsBadFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bundle.yaml")
	cases := map[string]string{
		"short sequence": "max_sequence_length: 1\nlabels: [a]\n",
		"bad format":     "max_sequence_length: 8\nmodel: {format: pickle, path: m.pt}\n",
		"both labels":    "max_sequence_length: 8\nlabels: [a]\nlabels_file: labels.txt\n",
		"not yaml":       "max_sequence_length: [\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
			_, err := bundle.ReadManifest(path)
			assert.Error(t, err)
		})
	}
}

func TestManifestDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bundle.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_sequence_length: 8\nlabels: [a, b]\nmodel: {path: intents.onnx}\n"), 0o644))

	m, err := bundle.ReadManifest(path)
	require.NoError(t, err)
	assert.Equal(t, "vocab.txt", m.Vocab)
	assert.Equal(t, bundle.FormatONNX, m.Model.Format)
	assert.Empty(t, m.Model.Config)
	assert.Equal(t, "[UNK]", m.SpecialTokens.Unk)
	assert.True(t, m.IsLowercase())
}
