package nnet

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/jnb666/celebattr/logger"
	"github.com/jnb666/celebattr/num"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// points in the square [-1,1] labelled by which side of the line x+y=0 they are on
func separableData(rng *rand.Rand, n int) Data {
	labels := make([]int32, n)
	cov := make([]int32, n)
	inputs := randArray(rng, 2*n, -1, 1)
	for i := range labels {
		x, y := inputs[2*i], inputs[2*i+1]
		if x+y > 0 {
			labels[i] = 1
		}
		if x > 0 {
			cov[i] = 1
		}
	}
	return NewData(2, []int{2}, labels, cov, inputs)
}

type stepCall struct {
	epoch, step, steps int
}

type recorder struct {
	steps  []stepCall
	epochs []int
}

func (r *recorder) OnStep(epoch, step, steps int, loss float64) {
	r.steps = append(r.steps, stepCall{epoch, step, steps})
}

func (r *recorder) OnEpoch(epoch int, steps []int, losses []float64) {
	r.epochs = append(r.epochs, epoch)
}

func TestTrain(t *testing.T) {
	dir := t.TempDir()
	rng := rand.New(rand.NewSource(1))
	dev := num.NewCPUDevice(1)
	q := dev.NewQueue()

	conf := testConfig(Linear{Nout: 8}, Activation{Atype: "relu"}, Linear{Nout: 2}, LogRegression{})
	conf.Experiment = "separable"
	conf.Eta = 0.01
	conf.TrainBatch = 10
	conf.TestBatch = 32
	conf.MaxEpoch = 20
	conf.LogEvery = 5
	m, err := InitializeModel(q, conf, []int{2})
	require.NoError(t, err)
	defer m.Release()

	train := NewDataset(dev, separableData(rng, 200), conf.TrainBatch, 0, true, rng)
	defer train.Release()
	test := NewDataset(dev, separableData(rng, 100), conf.TestBatch, 0, false, rng)
	defer test.Release()

	logFile := filepath.Join(dir, "separable.txt")
	log, err := logger.OpenRunLog(logFile)
	require.NoError(t, err)
	mon := &recorder{}
	opts := TrainOptions{
		Log:        log,
		Monitors:   []Monitor{mon},
		PlotFile:   filepath.Join(dir, "separable.png"),
		Checkpoint: filepath.Join(dir, "separable.ckpt"),
	}
	res, err := Train(m, train, opts)
	require.NoError(t, err)
	t.Log(res)
	assert.Equal(t, 20, res.Epochs)
	assert.Equal(t, 400, res.Steps)
	assert.Equal(t, 400, m.Optimizer.Steps)
	require.Len(t, res.EpochLoss, 20)
	assert.Less(t, res.EpochLoss[19], res.EpochLoss[0])

	assert.Len(t, mon.steps, 80)
	assert.Equal(t, stepCall{1, 5, 20}, mon.steps[0])
	assert.Equal(t, stepCall{20, 20, 20}, mon.steps[79])
	assert.Len(t, mon.epochs, 20)

	eval, err := Evaluate(m, test, log)
	require.NoError(t, err)
	require.NoError(t, log.Close())
	t.Log(eval)
	assert.Equal(t, 100, eval.Samples)
	assert.Greater(t, eval.Accuracy, 0.85)
	assert.Greater(t, eval.F1, 0.8)
	assert.Len(t, eval.Covariates(), 2)

	text, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(text), "Epoch: [1/20], Step[5/20], Loss:")
	assert.Contains(t, string(text), "Epoch: [20/20], Step[20/20], Loss:")
	assert.Regexp(t, `F1 Score: \d+\.\d+\n`, string(text))
	assert.Regexp(t, `Validation accuracy: \d+\.\d+\n`, string(text))

	info, err := os.Stat(opts.PlotFile)
	require.NoError(t, err)
	assert.NotZero(t, info.Size())

	// reloaded checkpoint gives the same predictions
	ckpt, err := LoadCheckpoint(opts.Checkpoint)
	require.NoError(t, err)
	assert.Equal(t, "separable", ckpt.Experiment)
	assert.Equal(t, 20, ckpt.Epochs)
	assert.Equal(t, 400, ckpt.Steps)
	m2, err := ckpt.Model(q)
	require.NoError(t, err)
	defer m2.Release()
	eval2, err := Evaluate(m2, test, nil)
	require.NoError(t, err)
	assert.Equal(t, eval.YPred, eval2.YPred)
	assert.Equal(t, eval.Accuracy, eval2.Accuracy)
	assert.Equal(t, eval.F1, eval2.F1)
}

func TestCheckpointImportErrors(t *testing.T) {
	dev := num.NewCPUDevice(1)
	q := dev.NewQueue()
	net, err := New(dev, smallConfig(), []int{3, 3, 1})
	require.NoError(t, err)
	defer net.Release()
	c := Export(q, net, 1, 10)
	require.Len(t, c.Params, 3)
	assert.Equal(t, []int{0, 1, 4}, []int{c.Params[0].Layer, c.Params[1].Layer, c.Params[2].Layer})
	assert.NotNil(t, c.Params[1].Mean)
	assert.Nil(t, c.Params[0].Mean)
	require.NoError(t, c.Import(q, net))

	c.Params[2].Layer = 3
	assert.Error(t, c.Import(q, net), "not a param layer")
	c.Params[2].Layer = 10
	assert.Error(t, c.Import(q, net), "out of range")
	c.Params[2].Layer = 4
	c.Params[2].Weights = c.Params[2].Weights[:1]
	assert.Error(t, c.Import(q, net), "size mismatch")

	_, err = LoadCheckpoint(filepath.Join(t.TempDir(), "missing.ckpt"))
	assert.Error(t, err)
}

func TestFormatFloat(t *testing.T) {
	assert.Equal(t, "1.0", formatFloat(1))
	assert.Equal(t, "0.0", formatFloat(0))
	assert.Equal(t, "0.75", formatFloat(0.75))
	assert.Equal(t, "0.6666666666666666", formatFloat(2.0/3))
	assert.Equal(t, "12.0", formatFloat(12))
}
