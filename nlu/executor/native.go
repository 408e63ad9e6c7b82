package executor

import (
	"context"
	"fmt"
	"math"

	"github.com/ZanzyTHEbar/cabin-nlu/nlu/common"
	"github.com/ZanzyTHEbar/cabin-nlu/nlu/tokenizer"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

const layerNormEps = 1e-12

var activations = map[string]func(float64) float64{
	"gelu": func(x float64) float64 { return 0.5 * x * (1 + math.Erf(x/math.Sqrt2)) },
	"relu": relu,
}

func relu(x float64) float64 { return math.Max(0, x) }

// Native is a pure-Go DistilBERT sequence classifier. Weights are read once
// and never written, every Infer call allocates its own activations.
type Native struct {
	cfg       *ModelConfig
	seqLen    int
	numLabels int
	act       func(float64) float64

	wordEmb *mat.Dense
	posEmb  *mat.Dense
	embNorm layerNorm
	layers  []encoderLayer
	preCls  linear
	cls     linear
}

type linear struct {
	w *mat.Dense // out x in
	b []float64
}

// forward computes x W^T + b.
func (l linear) forward(x mat.Matrix) *mat.Dense {
	r, _ := x.Dims()
	out, _ := l.w.Dims()
	y := mat.NewDense(r, out, nil)
	y.Mul(x, l.w.T())
	for i := 0; i < r; i++ {
		row := y.RawRowView(i)
		for j := range row {
			row[j] += l.b[j]
		}
	}
	return y
}

type layerNorm struct {
	gamma, beta []float64
}

// apply normalizes every row of x in place.
func (ln layerNorm) apply(x *mat.Dense) {
	r, c := x.Dims()
	for i := 0; i < r; i++ {
		row := x.RawRowView(i)
		var mean float64
		for _, v := range row {
			mean += v
		}
		mean /= float64(c)
		var variance float64
		for _, v := range row {
			variance += (v - mean) * (v - mean)
		}
		variance /= float64(c)
		inv := 1 / math.Sqrt(variance+layerNormEps)
		for j, v := range row {
			row[j] = (v-mean)*inv*ln.gamma[j] + ln.beta[j]
		}
	}
}

type encoderLayer struct {
	q, k, v, out linear
	attnNorm     layerNorm
	ffnIn        linear
	ffnOut       linear
	outNorm      layerNorm
}

// LoadNative reads config.json and model.safetensors.
func LoadNative(opts Options) (*Native, error) {
	if opts.ConfigPath == "" {
		return nil, common.NewModelLoadError(opts.ModelPath, "native backend needs a model config.json")
	}
	cfg, err := LoadModelConfig(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	if opts.SeqLen > cfg.MaxPositionEmbeddings {
		return nil, common.NewModelLoadError(opts.ConfigPath,
			"sequence length %d exceeds max_position_embeddings %d", opts.SeqLen, cfg.MaxPositionEmbeddings)
	}
	tensors, err := ReadSafetensors(opts.ModelPath)
	if err != nil {
		return nil, &common.ModelLoadError{Path: opts.ModelPath, Err: err}
	}
	n, err := buildNative(cfg, tensors, opts.SeqLen, opts.NumLabels)
	if err != nil {
		return nil, &common.ModelLoadError{Path: opts.ModelPath, Err: err}
	}
	opts.Logger.Debug().
		Str("model", opts.ModelPath).
		Int("layers", cfg.NLayers).
		Int("dim", cfg.Dim).
		Int("labels", n.numLabels).
		Msg("native classifier loaded")
	return n, nil
}

type weightSet map[string]Tensor

func (w weightSet) matrix(name string, rows, cols int) (*mat.Dense, error) {
	t, ok := w[name]
	if !ok {
		return nil, fmt.Errorf("missing tensor %s", name)
	}
	if len(t.Shape) != 2 || t.Shape[0] != rows || t.Shape[1] != cols {
		return nil, fmt.Errorf("tensor %s has shape %v, want [%d %d]", name, t.Shape, rows, cols)
	}
	data := make([]float64, len(t.Data))
	for i, v := range t.Data {
		data[i] = float64(v)
	}
	return mat.NewDense(rows, cols, data), nil
}

func (w weightSet) vector(name string, n int) ([]float64, error) {
	t, ok := w[name]
	if !ok {
		return nil, fmt.Errorf("missing tensor %s", name)
	}
	if len(t.Shape) != 1 || t.Shape[0] != n {
		return nil, fmt.Errorf("tensor %s has shape %v, want [%d]", name, t.Shape, n)
	}
	out := make([]float64, n)
	for i, v := range t.Data {
		out[i] = float64(v)
	}
	return out, nil
}

func (w weightSet) linear(prefix string, out, in int) (linear, error) {
	wt, err := w.matrix(prefix+".weight", out, in)
	if err != nil {
		return linear{}, err
	}
	b, err := w.vector(prefix+".bias", out)
	if err != nil {
		return linear{}, err
	}
	return linear{w: wt, b: b}, nil
}

func (w weightSet) layerNorm(prefix string, n int) (layerNorm, error) {
	g, err := w.vector(prefix+".weight", n)
	if err != nil {
		return layerNorm{}, err
	}
	b, err := w.vector(prefix+".bias", n)
	if err != nil {
		return layerNorm{}, err
	}
	return layerNorm{gamma: g, beta: b}, nil
}

func buildNative(cfg *ModelConfig, tensors map[string]Tensor, seqLen, numLabels int) (*Native, error) {
	w := weightSet(tensors)
	d := cfg.Dim
	n := &Native{cfg: cfg, seqLen: seqLen, act: activations[cfg.activation()]}

	var err error
	if n.wordEmb, err = w.matrix("distilbert.embeddings.word_embeddings.weight", cfg.VocabSize, d); err != nil {
		return nil, err
	}
	if n.posEmb, err = w.matrix("distilbert.embeddings.position_embeddings.weight", cfg.MaxPositionEmbeddings, d); err != nil {
		return nil, err
	}
	if n.embNorm, err = w.layerNorm("distilbert.embeddings.LayerNorm", d); err != nil {
		return nil, err
	}

	n.layers = make([]encoderLayer, cfg.NLayers)
	for i := range n.layers {
		p := fmt.Sprintf("distilbert.transformer.layer.%d.", i)
		l := &n.layers[i]
		for _, lw := range []struct {
			dst     *linear
			name    string
			out, in int
		}{
			{&l.q, "attention.q_lin", d, d},
			{&l.k, "attention.k_lin", d, d},
			{&l.v, "attention.v_lin", d, d},
			{&l.out, "attention.out_lin", d, d},
			{&l.ffnIn, "ffn.lin1", cfg.HiddenDim, d},
			{&l.ffnOut, "ffn.lin2", d, cfg.HiddenDim},
		} {
			if *lw.dst, err = w.linear(p+lw.name, lw.out, lw.in); err != nil {
				return nil, err
			}
		}
		if l.attnNorm, err = w.layerNorm(p+"sa_layer_norm", d); err != nil {
			return nil, err
		}
		if l.outNorm, err = w.layerNorm(p+"output_layer_norm", d); err != nil {
			return nil, err
		}
	}

	if n.preCls, err = w.linear("pre_classifier", d, d); err != nil {
		return nil, err
	}
	head, ok := tensors["classifier.weight"]
	if !ok || len(head.Shape) != 2 {
		return nil, fmt.Errorf("missing or malformed tensor classifier.weight")
	}
	width := head.Shape[0]
	if numLabels > 0 && width != numLabels {
		return nil, fmt.Errorf("classification head has %d outputs, %d labels declared", width, numLabels)
	}
	if n.cls, err = w.linear("classifier", width, d); err != nil {
		return nil, err
	}
	n.numLabels = width
	return n, nil
}

func (n *Native) SeqLen() int    { return n.seqLen }
func (n *Native) NumLabels() int { return n.numLabels }
func (n *Native) Close() error   { return nil }

// Config returns the model configuration the weights were loaded with.
func (n *Native) Config() *ModelConfig { return n.cfg }

// Infer runs the encoder and classification head.
func (n *Native) Infer(ctx context.Context, in tokenizer.TokenizedInput) ([]float32, error) {
	if err := checkInput(ctx, in, n.seqLen); err != nil {
		return nil, err
	}
	x, err := n.embed(in.InputIDs)
	if err != nil {
		return nil, err
	}
	for i := range n.layers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		x = n.encode(&n.layers[i], x, in.AttentionMask)
	}

	pooled := n.preCls.forward(x.Slice(0, 1, 0, n.cfg.Dim))
	row := pooled.RawRowView(0)
	for j, v := range row {
		row[j] = relu(v)
	}
	out := n.cls.forward(pooled).RawRowView(0)

	logits := make([]float32, len(out))
	for i, v := range out {
		logits[i] = float32(v)
	}
	return logits, nil
}

func (n *Native) embed(ids []int64) (*mat.Dense, error) {
	d := n.cfg.Dim
	x := mat.NewDense(len(ids), d, nil)
	for pos, id := range ids {
		if id < 0 || id >= int64(n.cfg.VocabSize) {
			return nil, fmt.Errorf("token id %d at position %d outside vocabulary of %d", id, pos, n.cfg.VocabSize)
		}
		row := x.RawRowView(pos)
		word := n.wordEmb.RawRowView(int(id))
		position := n.posEmb.RawRowView(pos)
		for j := range row {
			row[j] = word[j] + position[j]
		}
	}
	n.embNorm.apply(x)
	return x, nil
}

func (n *Native) encode(l *encoderLayer, x *mat.Dense, mask []int64) *mat.Dense {
	seq, d := x.Dims()
	heads := n.cfg.NHeads
	dh := d / heads
	scale := 1 / math.Sqrt(float64(dh))

	q, k, v := l.q.forward(x), l.k.forward(x), l.v.forward(x)
	mixed := mat.NewDense(seq, d, nil)
	scores := mat.NewDense(seq, seq, nil)
	head := mat.NewDense(seq, dh, nil)
	for h := 0; h < heads; h++ {
		lo, hi := h*dh, (h+1)*dh
		scores.Mul(q.Slice(0, seq, lo, hi), k.Slice(0, seq, lo, hi).T())
		for i := 0; i < seq; i++ {
			row := scores.RawRowView(i)
			for j := range row {
				if mask[j] == 0 {
					row[j] = math.Inf(-1)
				} else {
					row[j] *= scale
				}
			}
			softmaxInPlace(row)
		}
		head.Mul(scores, v.Slice(0, seq, lo, hi))
		mixed.Slice(0, seq, lo, hi).(*mat.Dense).Copy(head)
	}

	attn := l.out.forward(mixed)
	attn.Add(attn, x)
	l.attnNorm.apply(attn)

	hidden := l.ffnIn.forward(attn)
	hidden.Apply(func(_, _ int, v float64) float64 { return n.act(v) }, hidden)
	out := l.ffnOut.forward(hidden)
	out.Add(out, attn)
	l.outNorm.apply(out)
	return out
}

// softmaxInPlace normalizes row; a fully masked row becomes uniform.
func softmaxInPlace(row []float64) {
	maxV := floats.Max(row)
	if math.IsInf(maxV, -1) {
		for j := range row {
			row[j] = 1 / float64(len(row))
		}
		return
	}
	for j, v := range row {
		row[j] = math.Exp(v - maxV)
	}
	floats.Scale(1/floats.Sum(row), row)
}
