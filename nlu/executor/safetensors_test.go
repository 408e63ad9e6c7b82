package executor

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestSafetensorsRoundTrip(t *testing.T) {
	tensors := map[string]Tensor{
		"b.bias":   {Shape: []int{3}, Data: []float32{1, -2, 3.5}},
		"a.weight": {Shape: []int{2, 2}, Data: []float32{0.25, 0, -1, 8}},
	}
	var buf bytes.Buffer
	require.NoError(t, EncodeSafetensors(&buf, tensors))

	raw := buf.Bytes()
	headerLen := binary.LittleEndian.Uint64(raw[:8])
	assert.Zero(t, headerLen%8)

	got, err := decodeSafetensors(raw)
	require.NoError(t, err)
	assert.Equal(t, tensors, got)

	var again bytes.Buffer
	require.NoError(t, EncodeSafetensors(&again, tensors))
	assert.Equal(t, raw, again.Bytes())
}

func TestSafetensorsCorruption(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, EncodeSafetensors(&buf, map[string]Tensor{"w": {Shape: []int{4}, Data: []float32{1, 2, 3, 4}}}))
	good := buf.Bytes()

	tests := []struct {
		name string
		raw  func() []byte
	}{
		{"too short", func() []byte { return good[:5] }},
		{"truncated data", func() []byte { return good[:len(good)-4] }},
		{"header overflow", func() []byte {
			b := append([]byte(nil), good...)
			binary.LittleEndian.PutUint64(b, uint64(len(b)))
			return b
		}},
		{"bad json", func() []byte {
			b := append([]byte(nil), good...)
			b[8] = '!'
			return b
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeSafetensors(tt.raw())
			assert.Error(t, err)
		})
	}
}

func TestSafetensorsRejectsOtherDtypes(t *testing.T) {
	header := []byte(`{"w":{"dtype":"F16","shape":[2],"data_offsets":[0,4]}}`)
	raw := make([]byte, 8)
	binary.LittleEndian.PutUint64(raw, uint64(len(header)))
	raw = append(raw, header...)
	raw = append(raw, 0, 0, 0, 0)

	_, err := decodeSafetensors(raw)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "F16")
}

func TestEncodeSafetensorsShapeCheck(t *testing.T) {
	err := EncodeSafetensors(&bytes.Buffer{}, map[string]Tensor{"w": {Shape: []int{2, 2}, Data: []float32{1}}})
	assert.Error(t, err)
}

func TestSoftmaxInPlace(t *testing.T) {
	row := []float64{0, 0, negInf()}
	softmaxInPlace(row)
	assert.InDeltaSlice(t, []float64{0.5, 0.5, 0}, row, 1e-12)

	masked := []float64{negInf(), negInf()}
	softmaxInPlace(masked)
	assert.Equal(t, []float64{0.5, 0.5}, masked)
}

func TestLayerNorm(t *testing.T) {
	ln := layerNorm{gamma: []float64{1, 1, 1, 1, 1}, beta: []float64{0, 0, 0, 0, 0}}
	x := denseRows([]float64{1, 0, 0, 0, 0}, []float64{0, 0, 0, 0, 0})
	ln.apply(x)

	assert.InDeltaSlice(t, []float64{2, -0.5, -0.5, -0.5, -0.5}, x.RawRowView(0), 1e-6)
	assert.InDeltaSlice(t, []float64{0, 0, 0, 0, 0}, x.RawRowView(1), 1e-12)
}

func negInf() float64 { return math.Inf(-1) }

func denseRows(rows ...[]float64) *mat.Dense {
	x := mat.NewDense(len(rows), len(rows[0]), nil)
	for i, r := range rows {
		x.SetRow(i, r)
	}
	return x
}
