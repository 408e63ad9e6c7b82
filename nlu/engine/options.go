package engine

import (
	internal "github.com/ZanzyTHEbar/cabin-nlu/nlu"
	"github.com/ZanzyTHEbar/cabin-nlu/nlu/config"
	"github.com/ZanzyTHEbar/cabin-nlu/nlu/executor"
)

// OptionsFromConfig maps loaded configuration onto engine options, including
// a logger built from the log section.
func OptionsFromConfig(cfg *config.Config) Options {
	logger := internal.NewLogger(cfg.Log.Level, cfg.Log.Pretty)
	return Options{
		BundleDir:    cfg.Engine.BundleDir,
		Tokenizer:    cfg.Engine.Tokenizer,
		Executor:     cfg.Engine.Executor,
		BatchWorkers: cfg.Engine.BatchWorkers,
		MaxSeqLen:    cfg.Engine.MaxSeqLen,
		ONNX: executor.ONNXOptions{
			SharedLibraryPath: cfg.ONNX.SharedLibraryPath,
			ExecutionProvider: cfg.ONNX.ExecutionProvider,
			DeviceID:          cfg.ONNX.DeviceID,
			IntraOpThreads:    cfg.ONNX.IntraOpThreads,
			InterOpThreads:    cfg.ONNX.InterOpThreads,
		},
		Logger: &logger,
	}
}
