package executor

import (
	"fmt"
	"os"
	"strings"

	"github.com/ZanzyTHEbar/cabin-nlu/nlu/common"

	"github.com/bytedance/sonic"
)

// ModelConfig is the subset of a HuggingFace DistilBERT config.json the
// executor needs.
type ModelConfig struct {
	ModelType             string            `json:"model_type,omitempty"`
	Architectures         []string          `json:"architectures,omitempty"`
	Dim                   int               `json:"dim"`
	NLayers               int               `json:"n_layers"`
	NHeads                int               `json:"n_heads"`
	HiddenDim             int               `json:"hidden_dim"`
	MaxPositionEmbeddings int               `json:"max_position_embeddings"`
	VocabSize             int               `json:"vocab_size"`
	Activation            string            `json:"activation,omitempty"`
	ID2Label              map[string]string `json:"id2label,omitempty"`
	Label2ID              map[string]int    `json:"label2id,omitempty"`
}

// LoadModelConfig reads and validates config.json.
func LoadModelConfig(path string) (*ModelConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &common.ModelLoadError{Path: path, Err: err}
	}
	var cfg ModelConfig
	if err := sonic.Unmarshal(data, &cfg); err != nil {
		return nil, common.NewModelLoadError(path, "decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, &common.ModelLoadError{Path: path, Err: err}
	}
	return &cfg, nil
}

// Validate checks that the dimensions describe a runnable encoder.
func (c *ModelConfig) Validate() error {
	switch {
	case c.Dim <= 0:
		return fmt.Errorf("dim must be positive, got %d", c.Dim)
	case c.NLayers < 0:
		return fmt.Errorf("n_layers must not be negative, got %d", c.NLayers)
	case c.NHeads <= 0 || c.Dim%c.NHeads != 0:
		return fmt.Errorf("dim %d is not divisible into %d heads", c.Dim, c.NHeads)
	case c.HiddenDim <= 0:
		return fmt.Errorf("hidden_dim must be positive, got %d", c.HiddenDim)
	case c.MaxPositionEmbeddings <= 0:
		return fmt.Errorf("max_position_embeddings must be positive, got %d", c.MaxPositionEmbeddings)
	case c.VocabSize <= 0:
		return fmt.Errorf("vocab_size must be positive, got %d", c.VocabSize)
	}
	if _, ok := activations[c.activation()]; !ok {
		return fmt.Errorf("unsupported activation %q", c.Activation)
	}
	return nil
}

func (c *ModelConfig) activation() string {
	if c.Activation == "" {
		return "gelu"
	}
	return strings.ToLower(c.Activation)
}
