// Package bundle loads the read-only model bundle produced by the training
// pipeline: vocabulary, frozen weights, label table and shape parameters.
package bundle

import (
	"fmt"
	"os"
	"strings"

	"github.com/ZanzyTHEbar/cabin-nlu/nlu/tokenizer"

	"gopkg.in/yaml.v3"
)

// Model weight formats.
const (
	FormatSafetensors = "safetensors"
	FormatONNX        = "onnx"
)

// Manifest is the bundle.yaml descriptor.
type Manifest struct {
	Name              string                  `yaml:"name,omitempty"`
	Version           string                  `yaml:"version,omitempty"`
	MaxSequenceLength int                     `yaml:"max_sequence_length"`
	NumLabels         int                     `yaml:"num_labels,omitempty"`
	Lowercase         *bool                   `yaml:"lowercase,omitempty"`
	Vocab             string                  `yaml:"vocab"`
	Labels            []string                `yaml:"labels,omitempty"`
	LabelsFile        string                  `yaml:"labels_file,omitempty"`
	Model             ModelSpec               `yaml:"model"`
	SpecialTokens     tokenizer.SpecialTokens `yaml:"special_tokens,omitempty"`
	Checksums         map[string]string       `yaml:"checksums,omitempty"`
}

// ModelSpec locates the weights inside the bundle.
type ModelSpec struct {
	Format string `yaml:"format"`
	Path   string `yaml:"path"`
	Config string `yaml:"config,omitempty"`
}

// ReadManifest decodes a bundle.yaml file.
func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest %s: %w", path, err)
	}
	m.applyDefaults()
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	return &m, nil
}

// WriteManifest encodes m as YAML to path.
func WriteManifest(path string, m *Manifest) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

func (m *Manifest) applyDefaults() {
	if m.Vocab == "" {
		m.Vocab = "vocab.txt"
	}
	m.Model.Format = strings.ToLower(strings.TrimSpace(m.Model.Format))
	if m.Model.Format == "" {
		switch {
		case strings.HasSuffix(m.Model.Path, ".onnx"):
			m.Model.Format = FormatONNX
		default:
			m.Model.Format = FormatSafetensors
		}
	}
	if m.Model.Path == "" {
		m.Model.Path = "model." + m.Model.Format
	}
	if m.Model.Config == "" && m.Model.Format == FormatSafetensors {
		m.Model.Config = "config.json"
	}
	m.SpecialTokens = m.SpecialTokens.WithDefaults()
}

// Validate checks field-level constraints. Cross-artifact checks happen in Load.
func (m *Manifest) Validate() error {
	if m.MaxSequenceLength < 2 {
		return fmt.Errorf("max_sequence_length must be at least 2, got %d", m.MaxSequenceLength)
	}
	if m.NumLabels < 0 {
		return fmt.Errorf("num_labels must not be negative, got %d", m.NumLabels)
	}
	if len(m.Labels) > 0 && m.LabelsFile != "" {
		return fmt.Errorf("labels and labels_file are mutually exclusive")
	}
	switch m.Model.Format {
	case FormatSafetensors, FormatONNX:
	default:
		return fmt.Errorf("unsupported model format %q", m.Model.Format)
	}
	return nil
}

// IsLowercase reports whether the tokenizer folds case; the default is true.
func (m *Manifest) IsLowercase() bool {
	return m.Lowercase == nil || *m.Lowercase
}
