// Package engine is the inference façade: text in, intent label out.
package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	internal "github.com/ZanzyTHEbar/cabin-nlu/nlu"
	"github.com/ZanzyTHEbar/cabin-nlu/nlu/bundle"
	"github.com/ZanzyTHEbar/cabin-nlu/nlu/common"
	"github.com/ZanzyTHEbar/cabin-nlu/nlu/executor"
	"github.com/ZanzyTHEbar/cabin-nlu/nlu/labels"
	"github.com/ZanzyTHEbar/cabin-nlu/nlu/tokenizer"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"
)

// Options configures an Engine.
type Options struct {
	BundleDir string
	// Tokenizer backend: "sugarme" (default) or "wordpiece".
	Tokenizer string
	// Executor backend: "auto" follows the bundle's model format.
	Executor     string
	BatchWorkers int
	// MaxSeqLen applies to bundles without a manifest.
	MaxSeqLen  int
	ONNX       executor.ONNXOptions
	Logger     *zerolog.Logger
	Registerer prometheus.Registerer
}

// Engine ties tokenizer, executor and label table together. It is immutable
// after construction and safe for concurrent use.
type Engine struct {
	id        uuid.UUID
	bundle    *bundle.Bundle
	tok       tokenizer.Tokenizer
	exec      executor.Executor
	labels    *labels.Table
	workers   int
	metrics   *metrics
	logger    zerolog.Logger
	closeOnce sync.Once
	closeErr  error
}

// Prediction is a classification with its scores.
type Prediction struct {
	Label      string
	Index      int
	Confidence float64
	Logits     []float32
	Scores     []labels.Score
}

// New loads the bundle at opts.BundleDir and builds an engine over it.
func New(opts Options) (*Engine, error) {
	logger := loggerFrom(opts)
	dir := opts.BundleDir
	if dir == "" {
		dir = internal.DefaultBundleDir
	}
	b, err := bundle.Load(dir, bundle.LoadOptions{MaxSeqLen: opts.MaxSeqLen, Logger: logger})
	if err != nil {
		return nil, err
	}
	return NewFromBundle(b, opts)
}

// NewFromBundle builds an engine over an already loaded bundle.
func NewFromBundle(b *bundle.Bundle, opts Options) (*Engine, error) {
	id := uuid.New()
	logger := loggerFrom(opts).With().Str("engine", id.String()).Logger()

	tokName := opts.Tokenizer
	if tokName == "" {
		tokName = internal.DefaultTokenizer
	}
	tok, err := tokenizer.New(tokName, b.Vocab, b.TokenizerConfig(), logger)
	if err != nil {
		return nil, err
	}

	exOpts := b.ExecutorOptions()
	switch name := strings.ToLower(strings.TrimSpace(opts.Executor)); name {
	case "", "auto":
	default:
		exOpts.Backend = name
	}
	exOpts.ONNX = opts.ONNX
	exOpts.Logger = logger
	ex, err := executor.New(exOpts)
	if err != nil {
		return nil, err
	}

	if tok.MaxSeqLen() != ex.SeqLen() {
		_ = ex.Close()
		return nil, &common.ShapeMismatchError{What: "max_sequence_length", Want: ex.SeqLen(), Got: tok.MaxSeqLen()}
	}
	if ex.NumLabels() != b.Labels.Len() {
		_ = ex.Close()
		return nil, &common.LabelTableMismatchError{Logits: ex.NumLabels(), Labels: b.Labels.Len()}
	}

	m, err := newMetrics(opts.Registerer)
	if err != nil {
		_ = ex.Close()
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	workers := opts.BatchWorkers
	if workers <= 0 {
		workers = internal.DefaultBatchWorkers
	}

	logger.Info().
		Str("bundle", b.Dir).
		Str("tokenizer", fmt.Sprintf("%T", tok)).
		Str("executor", exOpts.Backend).
		Int("labels", b.Labels.Len()).
		Msg("inference engine ready")

	return &Engine{
		id:      id,
		bundle:  b,
		tok:     tok,
		exec:    ex,
		labels:  b.Labels,
		workers: workers,
		metrics: m,
		logger:  logger,
	}, nil
}

func loggerFrom(opts Options) zerolog.Logger {
	if opts.Logger != nil {
		return *opts.Logger
	}
	return internal.GetLogger()
}

// ID identifies this engine instance in logs.
func (e *Engine) ID() uuid.UUID { return e.id }

// Labels returns the label table in class-index order.
func (e *Engine) Labels() []string { return e.labels.Labels() }

// Bundle returns the loaded bundle.
func (e *Engine) Bundle() *bundle.Bundle { return e.bundle }

// Stats returns counters for the predictions served so far.
func (e *Engine) Stats() Stats { return e.metrics.snapshot() }

// Predict returns the intent label for text. A failed call never returns a
// label.
func (e *Engine) Predict(ctx context.Context, text string) (string, error) {
	p, err := e.Classify(ctx, text)
	if err != nil {
		return "", err
	}
	return p.Label, nil
}

// Classify is Predict with scores.
func (e *Engine) Classify(ctx context.Context, text string) (*Prediction, error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		e.metrics.record(start, "", err)
		return nil, err
	}
	in, err := e.tok.Tokenize(text)
	e.metrics.observeStage(stageTokenize, start)
	if err != nil {
		e.metrics.record(start, "", err)
		return nil, err
	}
	return e.classify(ctx, start, in)
}

// PredictTokenized classifies an already tokenized input.
func (e *Engine) PredictTokenized(ctx context.Context, in tokenizer.TokenizedInput) (*Prediction, error) {
	return e.classify(ctx, time.Now(), in)
}

func (e *Engine) classify(ctx context.Context, start time.Time, in tokenizer.TokenizedInput) (p *Prediction, err error) {
	defer func() {
		label := ""
		if p != nil {
			label = p.Label
		}
		e.metrics.record(start, label, err)
		if err != nil {
			e.logger.Debug().Err(err).Msg("prediction failed")
		}
	}()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t := time.Now()
	logits, err := e.exec.Infer(ctx, in)
	e.metrics.observeStage(stageInfer, t)
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t = time.Now()
	idx, err := e.labels.ArgMax(logits)
	if err != nil {
		return nil, err
	}
	scores, err := e.labels.Rank(logits)
	e.metrics.observeStage(stageResolve, t)
	if err != nil {
		return nil, err
	}
	label, _ := e.labels.Label(idx)
	return &Prediction{
		Label:      label,
		Index:      idx,
		Confidence: labels.Softmax(logits)[idx],
		Logits:     logits,
		Scores:     scores,
	}, nil
}

// PredictBatch classifies texts concurrently and returns labels in input
// order. On failure the error of the lowest failing index is returned.
func (e *Engine) PredictBatch(ctx context.Context, texts []string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]string, len(texts))
	errs := make([]error, len(texts))
	p := pool.New().WithMaxGoroutines(e.workers).WithContext(ctx)
	for i, text := range texts {
		p.Go(func(ctx context.Context) error {
			out[i], errs[i] = e.Predict(ctx, text)
			return nil
		})
	}
	_ = p.Wait()
	for i, err := range errs {
		if err != nil {
			e.logger.Debug().Err(err).Int("index", i).Int("batch", len(texts)).Msg("batch prediction failed")
			return nil, err
		}
	}
	return out, nil
}

// Close releases executor resources. It is safe to call more than once.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() { e.closeErr = e.exec.Close() })
	return e.closeErr
}
