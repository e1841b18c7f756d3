package stats

import (
	"fmt"
	"strings"
)

// ConfusionMatrix counts predictions, Count[true][predicted]
type ConfusionMatrix struct {
	Count [][]int
}

// NewConfusionMatrix builds the matrix from true and predicted class labels
func NewConfusionMatrix(classes int, yTrue, yPred []int32) *ConfusionMatrix {
	m := &ConfusionMatrix{Count: make([][]int, classes)}
	for i := range m.Count {
		m.Count[i] = make([]int, classes)
	}
	m.Add(yTrue, yPred)
	return m
}

// Add more predictions to the matrix
func (m *ConfusionMatrix) Add(yTrue, yPred []int32) {
	if len(yTrue) != len(yPred) {
		panic("ConfusionMatrix: label and prediction length differ")
	}
	for i, y := range yTrue {
		m.Count[y][yPred[i]]++
	}
}

// Total number of samples
func (m *ConfusionMatrix) Total() int {
	n := 0
	for _, row := range m.Count {
		for _, v := range row {
			n += v
		}
	}
	return n
}

// Correct number of samples on the diagonal
func (m *ConfusionMatrix) Correct() int {
	n := 0
	for i, row := range m.Count {
		n += row[i]
	}
	return n
}

// Accuracy is fraction of correct predictions, or zero if there are none.
func (m *ConfusionMatrix) Accuracy() float64 {
	total := m.Total()
	if total == 0 {
		return 0
	}
	return float64(m.Correct()) / float64(total)
}

// F1 score treating class as positive: 2tp / (2tp + fp + fn), zero if the denominator is zero.
func (m *ConfusionMatrix) F1(class int) float64 {
	tp := m.Count[class][class]
	var fp, fn int
	for i := range m.Count {
		if i != class {
			fp += m.Count[i][class]
			fn += m.Count[class][i]
		}
	}
	if 2*tp+fp+fn == 0 {
		return 0
	}
	return float64(2*tp) / float64(2*tp+fp+fn)
}

func (m *ConfusionMatrix) String() string {
	s := []string{"true\\pred"}
	for i, row := range m.Count {
		str := make([]string, len(row))
		for j, v := range row {
			str[j] = fmt.Sprintf("%8d", v)
		}
		s = append(s, fmt.Sprintf("%9d %s", i, strings.Join(str, "")))
	}
	return strings.Join(s, "\n")
}

// Accuracy returns the fraction of predictions equal to the true label.
func Accuracy(yTrue, yPred []int32) float64 {
	return NewConfusionMatrix(numClasses(yTrue, yPred), yTrue, yPred).Accuracy()
}

// F1Score returns the binary F1 score with class 1 as the positive label.
func F1Score(yTrue, yPred []int32) float64 {
	classes := numClasses(yTrue, yPred)
	if classes < 2 {
		classes = 2
	}
	return NewConfusionMatrix(classes, yTrue, yPred).F1(1)
}

func numClasses(a, b []int32) int {
	n := int32(-1)
	for _, v := range a {
		if v > n {
			n = v
		}
	}
	for _, v := range b {
		if v > n {
			n = v
		}
	}
	return int(n) + 1
}
