package training

import (
	"math"

	"github.com/pkg/errors"

	"github.com/tsawler/go-finetune/tensor"
)

// CrossEntropyLoss implements mean softmax cross entropy with optional label
// smoothing: each target puts 1-smoothing on the true class and spreads
// smoothing uniformly over all classes.
type CrossEntropyLoss struct {
	smoothing float64
}

// NewCrossEntropyLoss creates a cross entropy loss. smoothing must be in [0, 1).
func NewCrossEntropyLoss(smoothing float64) (*CrossEntropyLoss, error) {
	if smoothing < 0 || smoothing >= 1 || math.IsNaN(smoothing) {
		return nil, errors.Wrapf(ErrConfiguration, "label smoothing must be in [0, 1), got %g", smoothing)
	}
	return &CrossEntropyLoss{smoothing: smoothing}, nil
}

func (ce *CrossEntropyLoss) Smoothing() float64 {
	return ce.smoothing
}

// Forward computes the loss averaged over the batch
// predicted: [batch_size, num_classes] logits
func (ce *CrossEntropyLoss) Forward(predicted *tensor.Tensor, labels []int32) (float64, error) {
	batchSize, numClasses, err := checkClassification(predicted, labels)
	if err != nil {
		return 0, err
	}

	logProbs := make([]float64, numClasses)
	var total float64
	for i := 0; i < batchSize; i++ {
		logSoftmax(predicted.Row(i), logProbs)

		nll := -logProbs[labels[i]]
		var smooth float64
		for _, lp := range logProbs {
			smooth -= lp
		}
		smooth /= float64(numClasses)

		total += (1-ce.smoothing)*nll + ce.smoothing*smooth
	}

	return total / float64(batchSize), nil
}

// Backward computes d(loss)/d(logits): (softmax - target distribution) / N
func (ce *CrossEntropyLoss) Backward(predicted *tensor.Tensor, labels []int32) (*tensor.Tensor, error) {
	batchSize, numClasses, err := checkClassification(predicted, labels)
	if err != nil {
		return nil, err
	}

	grad, err := tensor.Zeros(batchSize, numClasses)
	if err != nil {
		return nil, err
	}

	logProbs := make([]float64, numClasses)
	uniform := ce.smoothing / float64(numClasses)
	invN := 1 / float64(batchSize)
	for i := 0; i < batchSize; i++ {
		logSoftmax(predicted.Row(i), logProbs)
		row := grad.Row(i)
		for j, lp := range logProbs {
			target := uniform
			if j == int(labels[i]) {
				target += 1 - ce.smoothing
			}
			row[j] = float32((math.Exp(lp) - target) * invN)
		}
	}

	return grad, nil
}

func checkClassification(predicted *tensor.Tensor, labels []int32) (int, int, error) {
	if predicted == nil || predicted.Validate() != nil || predicted.Dim() != 2 {
		return 0, 0, errors.Wrap(ErrInvalidInput, "predicted must be a [batch_size, num_classes] tensor")
	}
	batchSize, numClasses := predicted.Shape[0], predicted.Shape[1]
	if len(labels) != batchSize {
		return 0, 0, errors.Wrapf(ErrInvalidInput, "batch size mismatch: predicted %d, labels %d", batchSize, len(labels))
	}
	for _, label := range labels {
		if label < 0 || int(label) >= numClasses {
			return 0, 0, errors.Wrapf(ErrInvalidInput, "target class %d out of range [0, %d)", label, numClasses)
		}
	}
	return batchSize, numClasses, nil
}

// logSoftmax writes log(softmax(logits)) into out, subtracting the max for stability
func logSoftmax(logits []float32, out []float64) {
	maxVal := math.Inf(-1)
	for _, v := range logits {
		if float64(v) > maxVal {
			maxVal = float64(v)
		}
	}

	var sum float64
	for _, v := range logits {
		sum += math.Exp(float64(v) - maxVal)
	}
	logSum := math.Log(sum) + maxVal

	for j, v := range logits {
		out[j] = float64(v) - logSum
	}
}
