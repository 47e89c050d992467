package training

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/tsawler/go-finetune/tensor"
)

// MetricType represents different evaluation metrics
type MetricType int

const (
	Accuracy MetricType = iota
	MacroPrecision
	MacroRecall
	MacroF1
)

func (mt MetricType) String() string {
	switch mt {
	case Accuracy:
		return "Accuracy"
	case MacroPrecision:
		return "MacroPrecision"
	case MacroRecall:
		return "MacroRecall"
	case MacroF1:
		return "MacroF1"
	default:
		return fmt.Sprintf("Unknown(%d)", int(mt))
	}
}

// ConfusionMatrix counts predictions per true class. The predicted class is
// the arg max of the scores, with the lower index winning ties as in
// TopKAccuracy.
type ConfusionMatrix struct {
	NumClasses   int     `json:"num_classes"`
	Matrix       [][]int `json:"matrix"` // [true_class][predicted_class]
	TotalSamples int     `json:"total_samples"`
}

// NewConfusionMatrix creates a new confusion matrix
func NewConfusionMatrix(numClasses int) *ConfusionMatrix {
	matrix := make([][]int, numClasses)
	for i := range matrix {
		matrix[i] = make([]int, numClasses)
	}
	return &ConfusionMatrix{NumClasses: numClasses, Matrix: matrix}
}

// Reset clears the confusion matrix
func (cm *ConfusionMatrix) Reset() {
	for i := range cm.Matrix {
		for j := range cm.Matrix[i] {
			cm.Matrix[i][j] = 0
		}
	}
	cm.TotalSamples = 0
}

// Update adds one batch of [N, C] scores and their labels.
func (cm *ConfusionMatrix) Update(predictions *tensor.Tensor, labels []int32) error {
	if predictions == nil || predictions.Validate() != nil || predictions.Dim() != 2 {
		return errors.Wrap(ErrInvalidInput, "predictions must be a [N, C] tensor")
	}
	n, c := predictions.Shape[0], predictions.Shape[1]
	if c != cm.NumClasses {
		return errors.Wrapf(ErrInvalidInput, "class count mismatch: expected %d, got %d", cm.NumClasses, c)
	}
	if len(labels) != n {
		return errors.Wrapf(ErrInvalidInput, "%d labels for %d samples", len(labels), n)
	}

	for i, label := range labels {
		if label < 0 || int(label) >= c {
			return errors.Wrapf(ErrInvalidInput, "label %d at sample %d outside [0, %d)", label, i, c)
		}
	}

	for i := 0; i < n; i++ {
		trueClass := int(labels[i])
		scores := predictions.Row(i)
		predClass := 0
		for j := 1; j < c; j++ {
			if scores[j] > scores[predClass] {
				predClass = j
			}
		}

		cm.Matrix[trueClass][predClass]++
		cm.TotalSamples++
	}
	return nil
}

// ClassMetrics holds the one-vs-rest scores of a single class
type ClassMetrics struct {
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
	Support   int     `json:"support"`
}

// PerClass returns precision, recall, F1 and support for every class.
// Undefined ratios are reported as 0.
func (cm *ConfusionMatrix) PerClass() []ClassMetrics {
	out := make([]ClassMetrics, cm.NumClasses)
	for class := range out {
		tp := cm.Matrix[class][class]
		predicted, actual := 0, 0
		for other := 0; other < cm.NumClasses; other++ {
			predicted += cm.Matrix[other][class]
			actual += cm.Matrix[class][other]
		}

		m := ClassMetrics{Support: actual}
		if predicted > 0 {
			m.Precision = float64(tp) / float64(predicted)
		}
		if actual > 0 {
			m.Recall = float64(tp) / float64(actual)
		}
		if m.Precision+m.Recall > 0 {
			m.F1 = 2 * m.Precision * m.Recall / (m.Precision + m.Recall)
		}
		out[class] = m
	}
	return out
}

// GetMetric computes an aggregate metric. Macro precision averages over the
// classes that were predicted at least once, macro recall over the classes
// that occur. MacroF1 is the harmonic mean of the two.
func (cm *ConfusionMatrix) GetMetric(metric MetricType) float64 {
	switch metric {
	case Accuracy:
		return cm.GetAccuracy()
	case MacroPrecision:
		return cm.macroPrecision()
	case MacroRecall:
		return cm.macroRecall()
	case MacroF1:
		p, r := cm.macroPrecision(), cm.macroRecall()
		if p+r == 0 {
			return 0
		}
		return 2 * p * r / (p + r)
	default:
		return 0
	}
}

func (cm *ConfusionMatrix) macroPrecision() float64 {
	sum, valid := 0.0, 0
	for class := 0; class < cm.NumClasses; class++ {
		predicted := 0
		for other := 0; other < cm.NumClasses; other++ {
			predicted += cm.Matrix[other][class]
		}
		if predicted > 0 {
			sum += float64(cm.Matrix[class][class]) / float64(predicted)
			valid++
		}
	}
	if valid == 0 {
		return 0
	}
	return sum / float64(valid)
}

func (cm *ConfusionMatrix) macroRecall() float64 {
	sum, valid := 0.0, 0
	for class := 0; class < cm.NumClasses; class++ {
		actual := 0
		for _, n := range cm.Matrix[class] {
			actual += n
		}
		if actual > 0 {
			sum += float64(cm.Matrix[class][class]) / float64(actual)
			valid++
		}
	}
	if valid == 0 {
		return 0
	}
	return sum / float64(valid)
}

// GetAccuracy returns overall classification accuracy as a fraction
func (cm *ConfusionMatrix) GetAccuracy() float64 {
	if cm.TotalSamples == 0 {
		return 0
	}
	correct := 0
	for i := 0; i < cm.NumClasses; i++ {
		correct += cm.Matrix[i][i]
	}
	return float64(correct) / float64(cm.TotalSamples)
}
