package training

import (
	"fmt"
	"strings"
)

// MetricType represents different evaluation metrics
type MetricType int

const (
	// Binary Classification Metrics, class 1 is positive
	Precision MetricType = iota
	Recall
	F1Score
	Specificity

	// Multi-class Metrics
	MacroPrecision
	MacroRecall
	MacroF1
)

func (mt MetricType) String() string {
	switch mt {
	case Precision:
		return "Precision"
	case Recall:
		return "Recall"
	case F1Score:
		return "F1Score"
	case Specificity:
		return "Specificity"
	case MacroPrecision:
		return "MacroPrecision"
	case MacroRecall:
		return "MacroRecall"
	case MacroF1:
		return "MacroF1"
	default:
		return fmt.Sprintf("MetricType(%d)", int(mt))
	}
}

// ConfusionMatrix counts predictions per (true class, predicted class).
type ConfusionMatrix struct {
	NumClasses   int
	Matrix       [][]int // [true_class][predicted_class]
	TotalSamples int
}

// NewConfusionMatrix creates a new confusion matrix
func NewConfusionMatrix(numClasses int) *ConfusionMatrix {
	matrix := make([][]int, numClasses)
	for i := range matrix {
		matrix[i] = make([]int, numClasses)
	}
	return &ConfusionMatrix{NumClasses: numClasses, Matrix: matrix}
}

// Update adds a batch of predicted class indices against true labels.
// Out of range indices are skipped.
func (cm *ConfusionMatrix) Update(predictions []int, labels []int32) error {
	if len(predictions) != len(labels) {
		return fmt.Errorf("predictions length mismatch: expected %d, got %d", len(labels), len(predictions))
	}
	for i, pred := range predictions {
		trueClass := int(labels[i])
		if trueClass < 0 || trueClass >= cm.NumClasses || pred < 0 || pred >= cm.NumClasses {
			continue
		}
		cm.Matrix[trueClass][pred]++
		cm.TotalSamples++
	}
	return nil
}

// GetMetric calculates an evaluation metric
func (cm *ConfusionMatrix) GetMetric(metric MetricType) float64 {
	switch metric {
	case Precision:
		return cm.binary(func(tp, fp, fn, tn float64) (float64, float64) { return tp, tp + fp })
	case Recall:
		return cm.binary(func(tp, fp, fn, tn float64) (float64, float64) { return tp, tp + fn })
	case F1Score:
		return harmonic(cm.GetMetric(Precision), cm.GetMetric(Recall))
	case Specificity:
		return cm.binary(func(tp, fp, fn, tn float64) (float64, float64) { return tn, tn + fp })
	case MacroPrecision:
		return cm.macro(func(class int) (float64, float64) {
			return float64(cm.Matrix[class][class]), float64(cm.predicted(class))
		})
	case MacroRecall:
		return cm.macro(func(class int) (float64, float64) {
			return float64(cm.Matrix[class][class]), float64(cm.actual(class))
		})
	case MacroF1:
		return harmonic(cm.GetMetric(MacroPrecision), cm.GetMetric(MacroRecall))
	default:
		return 0.0
	}
}

func (cm *ConfusionMatrix) binary(ratio func(tp, fp, fn, tn float64) (num, den float64)) float64 {
	if cm.NumClasses != 2 {
		return 0.0
	}
	tp := float64(cm.Matrix[1][1])
	fp := float64(cm.Matrix[0][1])
	fn := float64(cm.Matrix[1][0])
	tn := float64(cm.Matrix[0][0])
	num, den := ratio(tp, fp, fn, tn)
	if den == 0 {
		return 0.0
	}
	return num / den
}

// macro averages a per-class ratio over classes with a non-zero denominator.
func (cm *ConfusionMatrix) macro(ratio func(class int) (num, den float64)) float64 {
	sum := 0.0
	validClasses := 0
	for class := 0; class < cm.NumClasses; class++ {
		num, den := ratio(class)
		if den > 0 {
			sum += num / den
			validClasses++
		}
	}
	if validClasses == 0 {
		return 0.0
	}
	return sum / float64(validClasses)
}

func (cm *ConfusionMatrix) predicted(class int) int {
	n := 0
	for t := 0; t < cm.NumClasses; t++ {
		n += cm.Matrix[t][class]
	}
	return n
}

func (cm *ConfusionMatrix) actual(class int) int {
	n := 0
	for _, c := range cm.Matrix[class] {
		n += c
	}
	return n
}

func harmonic(a, b float64) float64 {
	if a+b == 0 {
		return 0.0
	}
	return 2 * a * b / (a + b)
}

// GetAccuracy returns overall classification accuracy
func (cm *ConfusionMatrix) GetAccuracy() float64 {
	if cm.TotalSamples == 0 {
		return 0.0
	}
	correct := 0
	for i := 0; i < cm.NumClasses; i++ {
		correct += cm.Matrix[i][i]
	}
	return float64(correct) / float64(cm.TotalSamples)
}

func (cm *ConfusionMatrix) String() string {
	var sb strings.Builder
	sb.WriteString("true\\pred")
	for p := 0; p < cm.NumClasses; p++ {
		sb.WriteString(fmt.Sprintf("\t%d", p))
	}
	for t, row := range cm.Matrix {
		sb.WriteString(fmt.Sprintf("\n%d", t))
		for _, c := range row {
			sb.WriteString(fmt.Sprintf("\t%d", c))
		}
	}
	return sb.String()
}
