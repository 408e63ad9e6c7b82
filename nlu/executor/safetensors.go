package executor

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"sort"

	"github.com/bytedance/sonic"
)

const (
	safetensorsMetadataKey = "__metadata__"
	maxHeaderSize          = 100 << 20
)

// Tensor is a dense row-major float32 tensor.
type Tensor struct {
	Shape []int
	Data  []float32
}

// Len is the number of elements implied by the shape.
func (t Tensor) Len() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

type tensorHeader struct {
	Dtype       string `json:"dtype"`
	Shape       []int  `json:"shape"`
	DataOffsets [2]int `json:"data_offsets"`
}

// ReadSafetensors parses a safetensors file. Only F32 tensors are supported.
func ReadSafetensors(path string) (map[string]Tensor, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return decodeSafetensors(raw)
}

func decodeSafetensors(raw []byte) (map[string]Tensor, error) {
	if len(raw) < 8 {
		return nil, fmt.Errorf("safetensors: file too short (%d bytes)", len(raw))
	}
	n := binary.LittleEndian.Uint64(raw[:8])
	if n > maxHeaderSize || n > uint64(len(raw)-8) {
		return nil, fmt.Errorf("safetensors: header length %d exceeds file size %d", n, len(raw))
	}
	headerEnd := 8 + int(n)

	// __metadata__ decodes into an empty header and is skipped below
	var entries map[string]tensorHeader
	if err := sonic.Unmarshal(raw[8:headerEnd], &entries); err != nil {
		return nil, fmt.Errorf("safetensors: decode header: %w", err)
	}
	body := raw[headerEnd:]

	out := make(map[string]Tensor, len(entries))
	for name, h := range entries {
		if name == safetensorsMetadataKey {
			continue
		}
		t, err := decodeTensor(name, h, body)
		if err != nil {
			return nil, err
		}
		out[name] = t
	}
	return out, nil
}

func decodeTensor(name string, h tensorHeader, body []byte) (Tensor, error) {
	if h.Dtype != "F32" {
		return Tensor{}, fmt.Errorf("safetensors: tensor %q has dtype %s, only F32 is supported", name, h.Dtype)
	}
	t := Tensor{Shape: h.Shape}
	for _, d := range h.Shape {
		if d < 0 {
			return Tensor{}, fmt.Errorf("safetensors: tensor %q has negative dimension in %v", name, h.Shape)
		}
	}
	begin, end := h.DataOffsets[0], h.DataOffsets[1]
	if begin < 0 || end < begin || end > len(body) {
		return Tensor{}, fmt.Errorf("safetensors: tensor %q offsets [%d, %d) outside data of %d bytes", name, begin, end, len(body))
	}
	if want := t.Len() * 4; end-begin != want {
		return Tensor{}, fmt.Errorf("safetensors: tensor %q holds %d bytes, shape %v needs %d", name, end-begin, h.Shape, want)
	}
	t.Data = make([]float32, t.Len())
	for i := range t.Data {
		t.Data[i] = math.Float32frombits(binary.LittleEndian.Uint32(body[begin+4*i:]))
	}
	return t, nil
}

// EncodeSafetensors writes tensors in the safetensors format with F32 dtype.
// Tensors are laid out in name order so output is reproducible.
func EncodeSafetensors(w io.Writer, tensors map[string]Tensor) error {
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	sort.Strings(names)

	header := make(map[string]interface{}, len(tensors)+1)
	header[safetensorsMetadataKey] = map[string]string{"format": "pt"}
	offset := 0
	for _, name := range names {
		t := tensors[name]
		if len(t.Data) != t.Len() {
			return fmt.Errorf("safetensors: tensor %q has %d values for shape %v", name, len(t.Data), t.Shape)
		}
		shape := t.Shape
		if shape == nil {
			shape = []int{}
		}
		header[name] = tensorHeader{Dtype: "F32", Shape: shape, DataOffsets: [2]int{offset, offset + 4*len(t.Data)}}
		offset += 4 * len(t.Data)
	}
	hdr, err := sonic.ConfigStd.Marshal(header)
	if err != nil {
		return fmt.Errorf("safetensors: encode header: %w", err)
	}
	// data section starts 8-byte aligned; the format allows trailing spaces
	for len(hdr)%8 != 0 {
		hdr = append(hdr, ' ')
	}

	buf := make([]byte, 8, 8+len(hdr)+offset)
	binary.LittleEndian.PutUint64(buf, uint64(len(hdr)))
	buf = append(buf, hdr...)
	for _, name := range names {
		for _, v := range tensors[name].Data {
			buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
		}
	}
	_, err = w.Write(buf)
	return err
}
