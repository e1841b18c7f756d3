package nnet

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/jnb666/celebattr/logger"
	"github.com/jnb666/celebattr/num"
	"github.com/jnb666/celebattr/stats"
)

// EvalResult has the metrics from running the model over a dataset
type EvalResult struct {
	Samples   int
	Accuracy  float64
	F1        float64
	Confusion *stats.ConfusionMatrix
	// confusion matrix for each value of the covariate attribute
	ByCovariate map[int32]*stats.ConfusionMatrix
	YTrue       []int32
	YPred       []int32
}

// Evaluate runs the network in inference mode over every sample in the dataset and reports the accuracy and
// the F1 score of the positive class. Results are written to log if it is not nil.
func Evaluate(m *Model, dset *Dataset, log *logger.RunLog) (*EvalResult, error) {
	net, q := m.Net, m.Queue
	classes := net.Classes
	res := &EvalResult{
		Confusion:   stats.NewConfusionMatrix(classes, nil, nil),
		ByCovariate: make(map[int32]*stats.ConfusionMatrix),
	}
	yTrue := make([]int32, dset.BatchSize)
	yPred := make([]int32, dset.BatchSize)
	cov := make([]int32, dset.BatchSize)
	dset.NextEpoch()
	for batch := 0; batch < dset.Batches; batch++ {
		q.Finish()
		b, err := dset.NextBatch()
		if err != nil {
			return nil, err
		}
		_, pred, err := net.Predict(q, b.X)
		if err != nil {
			return nil, err
		}
		n := b.Size
		q.Call(
			num.Read(b.Y, yTrue[:n]),
			num.Read(b.Cov, cov[:n]),
			num.Read(pred, yPred[:n]),
		).Finish()
		res.Confusion.Add(yTrue[:n], yPred[:n])
		res.YTrue = append(res.YTrue, yTrue[:n]...)
		res.YPred = append(res.YPred, yPred[:n]...)
		for i, c := range cov[:n] {
			cm, ok := res.ByCovariate[c]
			if !ok {
				cm = stats.NewConfusionMatrix(classes, nil, nil)
				res.ByCovariate[c] = cm
			}
			cm.Add(yTrue[i:i+1], yPred[i:i+1])
		}
	}
	res.Samples = res.Confusion.Total()
	res.Accuracy = res.Confusion.Accuracy()
	if classes > 1 {
		res.F1 = res.Confusion.F1(1)
	}
	printf := logger.Infof
	if log != nil {
		printf = log.Printf
	}
	printf("F1 Score: %s", formatFloat(res.F1))
	printf("Validation accuracy: %s", formatFloat(res.Accuracy))
	for _, c := range res.Covariates() {
		cm := res.ByCovariate[c]
		logger.Infof("covariate=%d: samples=%d accuracy=%.4f", c, cm.Total(), cm.Accuracy())
	}
	if net.DebugLevel >= 1 {
		logger.Debugf("confusion matrix:\n%s", res.Confusion)
	}
	return res, nil
}

// shortest representation of x which always includes a decimal point, so 1 is printed as 1.0
func formatFloat(x float64) string {
	s := strconv.FormatFloat(x, 'f', -1, 64)
	if !strings.ContainsAny(s, ".NI") {
		s += ".0"
	}
	return s
}

// Covariates returns the covariate values seen in sorted order
func (r *EvalResult) Covariates() []int32 {
	keys := make([]int32, 0, len(r.ByCovariate))
	for c := range r.ByCovariate {
		keys = append(keys, c)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func (r *EvalResult) String() string {
	s := []string{fmt.Sprintf("samples=%d accuracy=%.4f f1=%.4f", r.Samples, r.Accuracy, r.F1)}
	for _, c := range r.Covariates() {
		cm := r.ByCovariate[c]
		s = append(s, fmt.Sprintf("covariate %d: samples=%d accuracy=%.4f", c, cm.Total(), cm.Accuracy()))
	}
	return strings.Join(s, "\n")
}
