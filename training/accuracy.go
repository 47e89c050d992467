package training

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/tsawler/go-finetune/tensor"
)

// TopKAccuracy returns, for each k, the percentage of samples whose label is
// among the k highest-scoring classes. predictions is [N, C]. Equal scores
// rank the lower class index first.
func TopKAccuracy(predictions *tensor.Tensor, labels []int32, ks ...int) (map[int]float64, error) {
	if predictions == nil || predictions.Validate() != nil || predictions.Dim() != 2 {
		return nil, errors.Wrap(ErrInvalidInput, "predictions must be a [N, C] tensor")
	}
	if len(ks) == 0 {
		return nil, errors.Wrap(ErrInvalidInput, "at least one k is required")
	}

	n, c := predictions.Shape[0], predictions.Shape[1]
	if len(labels) != n {
		return nil, errors.Wrapf(ErrInvalidInput, "%d labels for %d samples", len(labels), n)
	}

	maxK := 0
	for _, k := range ks {
		if k < 1 || k > c {
			return nil, errors.Wrapf(ErrInvalidInput, "k=%d outside [1, %d]", k, c)
		}
		if k > maxK {
			maxK = k
		}
	}

	// correct[k-1] counts samples whose label ranks at position < k
	hitsAt := make([]int, maxK)
	order := make([]int, c)
	for i := 0; i < n; i++ {
		label := labels[i]
		if label < 0 || int(label) >= c {
			return nil, errors.Wrapf(ErrInvalidInput, "label %d at sample %d outside [0, %d)", label, i, c)
		}

		scores := predictions.Row(i)
		for j := range order {
			order[j] = j
		}
		sort.SliceStable(order, func(a, b int) bool {
			return scores[order[a]] > scores[order[b]]
		})

		for rank := 0; rank < maxK; rank++ {
			if order[rank] == int(label) {
				hitsAt[rank]++
				break
			}
		}
	}

	result := make(map[int]float64, len(ks))
	for _, k := range ks {
		correct := 0
		for rank := 0; rank < k; rank++ {
			correct += hitsAt[rank]
		}
		result[k] = 100 * float64(correct) / float64(n)
	}
	return result, nil
}
