package tokenizer

import (
	"fmt"
	"os"

	"github.com/ZanzyTHEbar/cabin-nlu/nlu/common"

	"github.com/sbinet/npyio"
)

// LoadNPY reads pre-tokenized input_ids and attention_mask arrays saved with
// numpy (int64, shape (n) or (1, n)).
func LoadNPY(idsPath, maskPath string) (TokenizedInput, error) {
	ids, err := readInt64NPY(idsPath)
	if err != nil {
		return TokenizedInput{}, err
	}
	mask, err := readInt64NPY(maskPath)
	if err != nil {
		return TokenizedInput{}, err
	}
	if len(mask) != len(ids) {
		return TokenizedInput{}, &common.ShapeMismatchError{What: "attention_mask", Want: len(ids), Got: len(mask)}
	}
	return TokenizedInput{InputIDs: ids, AttentionMask: mask}, nil
}

func readInt64NPY(path string) ([]int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	r, err := npyio.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("read npy header %s: %w", path, err)
	}
	shape := r.Header.Descr.Shape
	switch {
	case len(shape) == 1:
	case len(shape) == 2 && shape[0] == 1:
	default:
		return nil, fmt.Errorf("npy %s: unsupported shape %v, want (n) or (1, n)", path, shape)
	}
	var data []int64
	if err := r.Read(&data); err != nil {
		return nil, fmt.Errorf("read npy data %s: %w", path, err)
	}
	return data, nil
}
