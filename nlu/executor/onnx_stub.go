//go:build !onnx
// +build !onnx

package executor

import (
	"fmt"

	"github.com/ZanzyTHEbar/cabin-nlu/nlu/common"
)

func newONNXExecutor(opts Options) (Executor, error) {
	return nil, &common.ModelLoadError{
		Path: opts.ModelPath,
		Err:  fmt.Errorf("onnx executor: %w; rebuild with -tags onnx", common.ErrBackendUnavailable),
	}
}

// ListProviders is a stub when the package is built without ONNX support.
func ListProviders() ([]string, error) {
	return nil, fmt.Errorf("onnx support not built in: %w", common.ErrBackendUnavailable)
}
