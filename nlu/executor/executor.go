// Package executor runs the frozen intent classifier over tokenized input and
// returns one raw logit per class.
package executor

import (
	"context"
	"fmt"
	"strings"

	"github.com/ZanzyTHEbar/cabin-nlu/nlu/common"
	"github.com/ZanzyTHEbar/cabin-nlu/nlu/tokenizer"

	"github.com/rs/zerolog"
)

// Executor produces logits for a fixed-length tokenized input. Implementations
// are safe for concurrent use after construction.
type Executor interface {
	Infer(ctx context.Context, in tokenizer.TokenizedInput) ([]float32, error)
	SeqLen() int
	NumLabels() int
	Close() error
}

// Backend names accepted by New.
const (
	BackendNative = "native"
	BackendONNX   = "onnx"
)

// ONNXOptions tunes the ONNX Runtime session.
type ONNXOptions struct {
	SharedLibraryPath string
	// ExecutionProvider is one of "cpu", "cuda", "tensorrt", "coreml", "dml".
	ExecutionProvider string
	DeviceID          int
	IntraOpThreads    int
	InterOpThreads    int
}

// Options describes one model to load.
type Options struct {
	Backend    string
	ModelPath  string
	ConfigPath string // config.json, required by the native backend
	SeqLen     int
	// NumLabels is the declared classification width. Zero accepts whatever
	// the model's head produces.
	NumLabels int
	ONNX      ONNXOptions
	Logger    zerolog.Logger
}

// New loads a model with the requested backend.
func New(opts Options) (Executor, error) {
	if opts.SeqLen < 2 {
		return nil, fmt.Errorf("executor: %w (got %d)", common.ErrInvalidSeqLen, opts.SeqLen)
	}
	switch strings.ToLower(strings.TrimSpace(opts.Backend)) {
	case BackendNative, "safetensors", "":
		return LoadNative(opts)
	case BackendONNX:
		return newONNXExecutor(opts)
	default:
		return nil, fmt.Errorf("executor %q: %w", opts.Backend, common.ErrUnknownBackend)
	}
}

func checkInput(ctx context.Context, in tokenizer.TokenizedInput, seqLen int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return in.Validate(seqLen)
}
