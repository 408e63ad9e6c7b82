package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	internal "github.com/ZanzyTHEbar/cabin-nlu/nlu"

	"github.com/spf13/viper"
)

// Config stores all configuration of the engine.
// The values are read by viper from a config file or environment variables.
type Config struct {
	Engine EngineConfig `mapstructure:"engine"`
	ONNX   ONNXConfig   `mapstructure:"onnx"`
	Log    LogConfig    `mapstructure:"log"`
}

// EngineConfig selects the bundle and backends.
type EngineConfig struct {
	BundleDir    string `mapstructure:"bundleDir"`
	Tokenizer    string `mapstructure:"tokenizer"`
	Executor     string `mapstructure:"executor"`
	BatchWorkers int    `mapstructure:"batchWorkers"`
	MaxSeqLen    int    `mapstructure:"maxSeqLen"`
}

// ONNXConfig stores ONNX Runtime settings, used only by builds with the onnx tag.
type ONNXConfig struct {
	SharedLibraryPath string `mapstructure:"sharedLibraryPath"`
	ExecutionProvider string `mapstructure:"executionProvider"`
	DeviceID          int    `mapstructure:"deviceID"`
	IntraOpThreads    int    `mapstructure:"intraOpThreads"`
	InterOpThreads    int    `mapstructure:"interOpThreads"`
}

// LogConfig stores logger settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// LoadConfig reads configuration from file or environment variables.
// Environment variables use the CABIN_NLU prefix, e.g. engine.bundleDir
// becomes CABIN_NLU_ENGINE_BUNDLEDIR.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("..")
		v.AddConfigPath(filepath.Join("etc", internal.DefaultAppName))
		v.AddConfigPath(internal.DefaultConfigPath)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetDefault("engine.bundleDir", internal.DefaultBundleDir)
	v.SetDefault("engine.tokenizer", internal.DefaultTokenizer)
	v.SetDefault("engine.executor", internal.DefaultExecutor)
	v.SetDefault("engine.batchWorkers", internal.DefaultBatchWorkers)
	v.SetDefault("engine.maxSeqLen", 0)
	v.SetDefault("onnx.sharedLibraryPath", "")
	v.SetDefault("onnx.executionProvider", internal.DefaultONNXProvider)
	v.SetDefault("onnx.deviceID", 0)
	v.SetDefault("onnx.intraOpThreads", internal.DefaultIntraOpThreads)
	v.SetDefault("onnx.interOpThreads", internal.DefaultInterOpThreads)
	v.SetDefault("log.level", internal.DefaultLogLevel)
	v.SetDefault("log.pretty", false)

	v.SetEnvPrefix(internal.DefaultEnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// no config file: defaults and environment only
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values no engine can be built from.
func (c *Config) Validate() error {
	if c.Engine.BatchWorkers < 0 {
		return fmt.Errorf("engine.batchWorkers must not be negative, got %d", c.Engine.BatchWorkers)
	}
	if c.Engine.MaxSeqLen != 0 && c.Engine.MaxSeqLen < 2 {
		return fmt.Errorf("engine.maxSeqLen must be at least 2, got %d", c.Engine.MaxSeqLen)
	}
	switch strings.ToLower(c.Engine.Executor) {
	case "", "auto", "native", "safetensors", "onnx":
	default:
		return fmt.Errorf("engine.executor %q is not one of auto, native, safetensors, onnx", c.Engine.Executor)
	}
	return nil
}
