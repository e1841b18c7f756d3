package nnet

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/jnb666/celebattr/logger"
	"github.com/jnb666/celebattr/stats"
	"github.com/pkg/errors"
)

// Monitor interface is notified of training progress, e.g. to update the web dashboard or the run history.
type Monitor interface {
	// called every LogEvery batches with the 1 based step number within the epoch
	OnStep(epoch, step, steps int, loss float64)
	// called at the end of each epoch with the logged steps and losses for that epoch
	OnEpoch(epoch int, steps []int, losses []float64)
}

// Options for the training run, all fields are optional
type TrainOptions struct {
	Log        *logger.RunLog
	Monitors   []Monitor
	PlotFile   string
	Checkpoint string
}

func (o TrainOptions) printf(format string, args ...interface{}) {
	if o.Log != nil {
		o.Log.Printf(format, args...)
	} else {
		logger.Infof(format, args...)
	}
}

// Training statistics
type TrainResult struct {
	Epochs    int
	Steps     int
	EpochLoss []float64
	LastLoss  float64
	Elapsed   time.Duration
}

// Train the network on the given training set by updating the weights for net.MaxEpoch epochs.
// The loss plot is updated at the end of each epoch and the checkpoint is written once training is complete.
func Train(m *Model, dset *Dataset, opts TrainOptions) (*TrainResult, error) {
	net, q := m.Net, m.Queue
	if net.Profile {
		q.Profiling(true)
	}
	res := &TrainResult{}
	start := time.Now()
	for epoch := 1; epoch <= net.MaxEpoch; epoch++ {
		steps, losses, meanLoss, err := TrainEpoch(m, dset, epoch, opts)
		if err != nil {
			return res, err
		}
		res.Epochs = epoch
		res.Steps += dset.Batches
		res.EpochLoss = append(res.EpochLoss, meanLoss)
		if n := len(losses); n > 0 {
			res.LastLoss = losses[n-1]
		}
		if opts.PlotFile != "" {
			if err := SaveLossPlot(opts.PlotFile, epoch, steps, losses); err != nil {
				return res, err
			}
		}
		for _, mon := range opts.Monitors {
			mon.OnEpoch(epoch, steps, losses)
		}
		r := stats.Summary(losses)
		logger.Infof("epoch %d: mean loss %.4f logged loss range %.4f-%.4f", epoch, meanLoss, r.Min, r.Max)
	}
	res.Elapsed = time.Since(start)
	logger.Infof("run time: %s", res.Elapsed.Round(10*time.Millisecond))
	if net.Profile {
		var s strings.Builder
		q.PrintProfile(&s)
		logger.Infof("%s", s.String())
		q.Profiling(false)
	}
	if opts.Checkpoint != "" {
		if err := SaveCheckpoint(q, net, opts.Checkpoint, res.Epochs, res.Steps); err != nil {
			return res, err
		}
	}
	return res, nil
}

// Perform one training epoch on dataset. Returns the logged step numbers and losses and the mean loss over all batches.
func TrainEpoch(m *Model, dset *Dataset, epoch int, opts TrainOptions) (steps []int, losses []float64, meanLoss float64, err error) {
	net, q, opt := m.Net, m.Queue, m.Optimizer
	lossVal := make([]float32, 1)
	total := 0.0
	dset.NextEpoch()
	for batch := 1; batch <= dset.Batches; batch++ {
		q.Finish()
		b, err := dset.NextBatch()
		if err != nil {
			return steps, losses, 0, err
		}
		if net.DebugLevel >= 2 || (net.DebugLevel == 1 && batch == 1) {
			logger.Debugf("== train batch %d ==\nlabels:%s covariate:%s", batch, b.Y.String(q), b.Cov.String(q))
		}
		yPred, err := net.Fprop(q, b.X, true)
		if err != nil {
			return steps, losses, 0, err
		}
		grad := net.Loss(q, b.Y1H, yPred, lossVal)
		opt.ZeroGrad(q)
		net.Bprop(q, grad)
		opt.Step(q)
		q.Finish()
		loss := float64(lossVal[0])
		if math.IsNaN(loss) {
			return steps, losses, 0, errors.Errorf("epoch %d batch %d: loss is NaN", epoch, batch)
		}
		total += loss
		if net.LogEvery > 0 && batch%net.LogEvery == 0 {
			opts.printf("Epoch: [%d/%d], Step[%d/%d], Loss:%.4f", epoch, net.MaxEpoch, batch, dset.Batches, loss)
			steps = append(steps, batch)
			losses = append(losses, loss)
			for _, mon := range opts.Monitors {
				mon.OnStep(epoch, batch, dset.Batches, loss)
			}
		}
		if net.DebugLevel >= 2 {
			net.PrintWeights(q)
		}
	}
	if dset.Batches > 0 {
		meanLoss = total / float64(dset.Batches)
	}
	return steps, losses, meanLoss, nil
}

func (r *TrainResult) String() string {
	return fmt.Sprintf("epochs=%d steps=%d loss=%.4f elapsed=%s", r.Epochs, r.Steps, r.LastLoss,
		r.Elapsed.Round(time.Millisecond))
}
