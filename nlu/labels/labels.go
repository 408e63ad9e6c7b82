// Package labels maps classifier output positions to intent names.
package labels

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/ZanzyTHEbar/cabin-nlu/nlu/common"

	"github.com/bytedance/sonic"
	"gonum.org/v1/gonum/floats"
)

// Table is an immutable, ordered index <-> label mapping.
type Table struct {
	labels []string
	index  map[string]int
}

// New builds a table from labels in class-index order. Empty and duplicate
// labels are rejected.
func New(labels []string) (*Table, error) {
	if len(labels) == 0 {
		return nil, fmt.Errorf("%w: no labels", common.ErrInvalidLabelTable)
	}
	t := &Table{
		labels: append([]string(nil), labels...),
		index:  make(map[string]int, len(labels)),
	}
	for i, l := range t.labels {
		if strings.TrimSpace(l) == "" {
			return nil, fmt.Errorf("%w: empty label at index %d", common.ErrInvalidLabelTable, i)
		}
		if prev, dup := t.index[l]; dup {
			return nil, fmt.Errorf("%w: label %q at index %d and %d", common.ErrInvalidLabelTable, l, prev, i)
		}
		t.index[l] = i
	}
	return t, nil
}

// LoadFile reads a label table from a plain text file (one label per line),
// a JSON list, or a JSON id2label object ({"0": "lower_window", ...}).
func LoadFile(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read labels %s: %w", path, err)
	}
	trimmed := strings.TrimSpace(string(data))
	switch {
	case strings.HasPrefix(trimmed, "["):
		var list []string
		if err := sonic.Unmarshal([]byte(trimmed), &list); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", common.ErrInvalidLabelTable, path, err)
		}
		return New(list)
	case strings.HasPrefix(trimmed, "{"):
		var m map[string]string
		if err := sonic.Unmarshal([]byte(trimmed), &m); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", common.ErrInvalidLabelTable, path, err)
		}
		return FromID2Label(m)
	case filepath.Ext(path) == ".json":
		return nil, fmt.Errorf("%w: %s is neither a list nor an object", common.ErrInvalidLabelTable, path)
	}
	if trimmed == "" {
		return New(nil)
	}
	lines := strings.Split(trimmed, "\n")
	for i := range lines {
		lines[i] = strings.TrimSpace(lines[i])
	}
	return New(lines)
}

// FromID2Label builds a table from a HuggingFace id2label mapping. Keys must
// cover 0..n-1 exactly.
func FromID2Label(m map[string]string) (*Table, error) {
	out := make([]string, len(m))
	seen := make([]bool, len(m))
	for k, v := range m {
		i, err := strconv.Atoi(k)
		if err != nil || i < 0 || i >= len(m) {
			return nil, fmt.Errorf("%w: id2label key %q out of range", common.ErrInvalidLabelTable, k)
		}
		if seen[i] {
			return nil, fmt.Errorf("%w: id2label key %q repeated", common.ErrInvalidLabelTable, k)
		}
		seen[i] = true
		out[i] = v
	}
	return New(out)
}

// Len is the number of classes.
func (t *Table) Len() int { return len(t.labels) }

// Label returns the label at index i.
func (t *Table) Label(i int) (string, bool) {
	if i < 0 || i >= len(t.labels) {
		return "", false
	}
	return t.labels[i], true
}

// Index returns the position of label.
func (t *Table) Index(label string) (int, bool) {
	i, ok := t.index[label]
	return i, ok
}

// Labels returns a copy of the labels in index order.
func (t *Table) Labels() []string {
	return append([]string(nil), t.labels...)
}

// Equal reports whether both tables hold the same labels in the same order.
func (t *Table) Equal(o *Table) bool {
	if t == nil || o == nil {
		return t == o
	}
	if len(t.labels) != len(o.labels) {
		return false
	}
	for i := range t.labels {
		if t.labels[i] != o.labels[i] {
			return false
		}
	}
	return true
}

// Resolve returns the label of the highest-scoring logit.
func (t *Table) Resolve(logits []float32) (string, error) {
	i, err := t.ArgMax(logits)
	if err != nil {
		return "", err
	}
	return t.labels[i], nil
}

// ArgMax returns the index of the largest logit. Ties go to the lowest index
// and NaN never wins; an all-NaN vector resolves to index 0.
func (t *Table) ArgMax(logits []float32) (int, error) {
	if err := t.check(logits); err != nil {
		return 0, err
	}
	best := -1
	for i, v := range logits {
		if math.IsNaN(float64(v)) {
			continue
		}
		if best < 0 || v > logits[best] {
			best = i
		}
	}
	if best < 0 {
		return 0, nil
	}
	return best, nil
}

func (t *Table) check(logits []float32) error {
	if len(logits) != len(t.labels) {
		return &common.LabelTableMismatchError{Logits: len(logits), Labels: len(t.labels)}
	}
	return nil
}

// Softmax converts logits to probabilities. NaN logits get probability 0.
func Softmax(logits []float32) []float64 {
	xs := make([]float64, 0, len(logits))
	for _, v := range logits {
		if !math.IsNaN(float64(v)) {
			xs = append(xs, float64(v))
		}
	}
	probs := make([]float64, len(logits))
	if len(xs) == 0 {
		return probs
	}
	lse := floats.LogSumExp(xs)
	for i, v := range logits {
		if math.IsNaN(float64(v)) {
			continue
		}
		probs[i] = math.Exp(float64(v) - lse)
	}
	return probs
}

// Score is one class of a ranked prediction.
type Score struct {
	Index       int
	Label       string
	Logit       float32
	Probability float64
}

// Rank returns every class ordered by logit, highest first. Equal logits keep
// index order and NaN logits sort last.
func (t *Table) Rank(logits []float32) ([]Score, error) {
	if err := t.check(logits); err != nil {
		return nil, err
	}
	probs := Softmax(logits)
	scores := make([]Score, len(logits))
	for i, v := range logits {
		scores[i] = Score{Index: i, Label: t.labels[i], Logit: v, Probability: probs[i]}
	}
	sort.SliceStable(scores, func(a, b int) bool {
		la, lb := scores[a].Logit, scores[b].Logit
		if math.IsNaN(float64(lb)) {
			return !math.IsNaN(float64(la))
		}
		return la > lb
	})
	return scores, nil
}
