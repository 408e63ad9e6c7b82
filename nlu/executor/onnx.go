//go:build onnx
// +build onnx

package executor

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/ZanzyTHEbar/cabin-nlu/nlu/common"
	"github.com/ZanzyTHEbar/cabin-nlu/nlu/tokenizer"

	ort "github.com/yalue/onnxruntime_go"
)

var ortInit sync.Mutex

type inputRole int

const (
	roleIDs inputRole = iota
	roleMask
	roleZeros
)

// onnxExecutor runs an exported classifier through ONNX Runtime. Session Run
// is safe for concurrent callers; per-call tensors are owned by the call.
type onnxExecutor struct {
	path       string
	session    *ort.DynamicAdvancedSession
	roles      []inputRole
	outputName string
	seqLen     int
	numLabels  int
	closeOnce  sync.Once
}

func initRuntime(libPath string) error {
	ortInit.Lock()
	defer ortInit.Unlock()
	if ort.IsInitialized() {
		return nil
	}
	if libPath != "" {
		ort.SetSharedLibraryPath(libPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("initialize onnx runtime: %w", err)
	}
	return nil
}

func newONNXExecutor(opts Options) (Executor, error) {
	if opts.ModelPath == "" {
		return nil, common.NewModelLoadError("", "onnx model path is required")
	}
	if err := initRuntime(opts.ONNX.SharedLibraryPath); err != nil {
		return nil, &common.ModelLoadError{Path: opts.ModelPath, Err: err}
	}

	ins, outs, err := ort.GetInputOutputInfo(opts.ModelPath)
	if err != nil {
		return nil, common.NewModelLoadError(opts.ModelPath, "get IO info: %w", err)
	}
	inputNames, roles, err := probeInputs(ins)
	if err != nil {
		return nil, &common.ModelLoadError{Path: opts.ModelPath, Err: err}
	}
	out, err := probeOutput(outs)
	if err != nil {
		return nil, &common.ModelLoadError{Path: opts.ModelPath, Err: err}
	}

	// static head width, when the graph declares one, must match the label table
	width := 0
	if dims := out.Dimensions; len(dims) > 0 && dims[len(dims)-1] > 0 {
		width = int(dims[len(dims)-1])
	}
	if width > 0 && opts.NumLabels > 0 && width != opts.NumLabels {
		return nil, common.NewModelLoadError(opts.ModelPath,
			"classification head has %d outputs, %d labels declared", width, opts.NumLabels)
	}
	if width == 0 {
		width = opts.NumLabels
	}

	sessOpts, err := sessionOptions(opts)
	if err != nil {
		return nil, &common.ModelLoadError{Path: opts.ModelPath, Err: err}
	}
	s, err := ort.NewDynamicAdvancedSession(opts.ModelPath, inputNames, []string{out.Name}, sessOpts)
	if sessOpts != nil {
		_ = sessOpts.Destroy()
	}
	if err != nil {
		return nil, common.NewModelLoadError(opts.ModelPath, "create onnx session: %w", err)
	}

	opts.Logger.Debug().
		Str("model", opts.ModelPath).
		Strs("inputs", inputNames).
		Str("output", out.Name).
		Str("ep", opts.ONNX.ExecutionProvider).
		Msg("onnx classifier loaded")

	return &onnxExecutor{
		path:       opts.ModelPath,
		session:    s,
		roles:      roles,
		outputName: out.Name,
		seqLen:     opts.SeqLen,
		numLabels:  width,
	}, nil
}

func probeInputs(ins []ort.InputOutputInfo) ([]string, []inputRole, error) {
	var names []string
	var roles []inputRole
	for _, ii := range ins {
		n := strings.ToLower(ii.Name)
		switch {
		case strings.Contains(n, "input_ids") || n == "ids":
			names, roles = append(names, ii.Name), append(roles, roleIDs)
		case strings.Contains(n, "attention_mask") || n == "mask":
			names, roles = append(names, ii.Name), append(roles, roleMask)
		case strings.Contains(n, "token_type"):
			names, roles = append(names, ii.Name), append(roles, roleZeros)
		}
	}
	// fallback: first two int64 inputs are ids and mask
	if len(names) == 0 {
		for _, ii := range ins {
			if ii.DataType == ort.TensorElementDataTypeInt64 {
				names, roles = append(names, ii.Name), append(roles, inputRole(len(roles)))
				if len(names) == 2 {
					break
				}
			}
		}
	}
	if len(names) == 0 {
		return nil, nil, fmt.Errorf("could not determine ONNX input names")
	}
	return names, roles, nil
}

func probeOutput(outs []ort.InputOutputInfo) (ort.InputOutputInfo, error) {
	for _, oi := range outs {
		if oi.DataType == ort.TensorElementDataTypeFloat {
			if strings.Contains(strings.ToLower(oi.Name), "logits") {
				return oi, nil
			}
		}
	}
	for _, oi := range outs {
		if oi.DataType == ort.TensorElementDataTypeFloat {
			return oi, nil
		}
	}
	return ort.InputOutputInfo{}, fmt.Errorf("could not determine ONNX output name")
}

// sessionOptions returns nil for the default CPU session.
func sessionOptions(opts Options) (*ort.SessionOptions, error) {
	ep := strings.ToLower(strings.TrimSpace(opts.ONNX.ExecutionProvider))
	if (ep == "" || ep == "cpu") && opts.ONNX.IntraOpThreads == 0 && opts.ONNX.InterOpThreads == 0 {
		return nil, nil
	}
	o, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("session options: %w", err)
	}
	_ = o.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableAll)
	if err := o.SetIntraOpNumThreads(opts.ONNX.IntraOpThreads); err != nil {
		opts.Logger.Warn().Err(err).Int("threads", opts.ONNX.IntraOpThreads).Msg("intra-op threads not applied")
	}
	if err := o.SetInterOpNumThreads(opts.ONNX.InterOpThreads); err != nil {
		opts.Logger.Warn().Err(err).Int("threads", opts.ONNX.InterOpThreads).Msg("inter-op threads not applied")
	}

	var epErr error
	switch ep {
	case "", "cpu":
	case "cuda":
		cu, err := ort.NewCUDAProviderOptions()
		if err != nil {
			epErr = err
			break
		}
		_ = cu.Update(map[string]string{"device_id": strconv.Itoa(opts.ONNX.DeviceID)})
		epErr = o.AppendExecutionProviderCUDA(cu)
		_ = cu.Destroy()
	case "tensorrt":
		trt, err := ort.NewTensorRTProviderOptions()
		if err != nil {
			epErr = err
			break
		}
		epErr = o.AppendExecutionProviderTensorRT(trt)
		_ = trt.Destroy()
	case "coreml":
		epErr = o.AppendExecutionProviderCoreMLV2(map[string]string{})
	case "dml":
		epErr = o.AppendExecutionProviderDirectML(opts.ONNX.DeviceID)
	default:
		_ = o.Destroy()
		return nil, fmt.Errorf("execution provider %q: %w", ep, common.ErrUnknownBackend)
	}
	if epErr != nil {
		opts.Logger.Warn().Err(epErr).Str("ep", ep).Msg("execution provider unavailable, running on cpu")
	}
	return o, nil
}

func (e *onnxExecutor) SeqLen() int    { return e.seqLen }
func (e *onnxExecutor) NumLabels() int { return e.numLabels }

func (e *onnxExecutor) Close() error {
	var err error
	e.closeOnce.Do(func() { err = e.session.Destroy() })
	return err
}

func (e *onnxExecutor) Infer(ctx context.Context, in tokenizer.TokenizedInput) ([]float32, error) {
	if err := checkInput(ctx, in, e.seqLen); err != nil {
		return nil, err
	}
	shape := ort.NewShape(1, int64(e.seqLen))
	inVals := make([]ort.Value, len(e.roles))
	for i, role := range e.roles {
		var data []int64
		switch role {
		case roleIDs:
			data = in.InputIDs
		case roleMask:
			data = in.AttentionMask
		default:
			data = make([]int64, e.seqLen)
		}
		t, err := ort.NewTensor(shape, append([]int64(nil), data...))
		if err != nil {
			return nil, fmt.Errorf("input tensor: %w", err)
		}
		defer t.Destroy()
		inVals[i] = t
	}

	outs := make([]ort.Value, 1)
	if err := e.session.Run(inVals, outs); err != nil {
		return nil, fmt.Errorf("onnx run: %w", err)
	}
	defer func() {
		if outs[0] != nil {
			outs[0].Destroy()
		}
	}()

	t, ok := outs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("unexpected output type %T for %s", outs[0], e.outputName)
	}
	data := t.GetData()
	if e.numLabels > 0 && len(data) != e.numLabels {
		return nil, &common.LabelTableMismatchError{Logits: len(data), Labels: e.numLabels}
	}
	return append([]float32(nil), data...), nil
}

// ListProviders returns the execution providers this ONNX Runtime build can
// append. CPU is always present.
func ListProviders() ([]string, error) {
	if err := initRuntime(""); err != nil {
		return nil, err
	}
	providers := []string{"cpu"}
	if cu, err := ort.NewCUDAProviderOptions(); err == nil {
		_ = cu.Destroy()
		providers = append(providers, "cuda")
	}
	if trt, err := ort.NewTensorRTProviderOptions(); err == nil {
		_ = trt.Destroy()
		providers = append(providers, "tensorrt")
	}
	return providers, nil
}
