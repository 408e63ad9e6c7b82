//go:build onnx
// +build onnx

package executor

import (
	"context"
	"os"
	"testing"

	"github.com/ZanzyTHEbar/cabin-nlu/nlu/tokenizer"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Needs an exported 16-token classifier in CABIN_NLU_TEST_ONNX_MODEL and,
// optionally, ONNXRUNTIME_SHARED_LIBRARY_PATH.
func TestONNXExecutor(t *testing.T) {
	model := os.Getenv("CABIN_NLU_TEST_ONNX_MODEL")
	if model == "" {
		t.Skip("CABIN_NLU_TEST_ONNX_MODEL not set")
	}
	ex, err := New(Options{
		Backend:   BackendONNX,
		ModelPath: model,
		SeqLen:    16,
		ONNX:      ONNXOptions{SharedLibraryPath: os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH")},
		Logger:    zerolog.Nop(),
	})
	if err != nil {
		t.Skipf("onnx runtime unavailable: %v", err)
	}
	defer ex.Close()

	in := tokenizer.TokenizedInput{InputIDs: make([]int64, 16), AttentionMask: make([]int64, 16)}
	in.InputIDs[0], in.InputIDs[1] = 101, 102
	in.AttentionMask[0], in.AttentionMask[1] = 1, 1

	logits, err := ex.Infer(context.Background(), in)
	require.NoError(t, err)
	assert.NotEmpty(t, logits)
	if ex.NumLabels() > 0 {
		assert.Len(t, logits, ex.NumLabels())
	}

	providers, err := ListProviders()
	require.NoError(t, err)
	assert.Contains(t, providers, "cpu")
}
