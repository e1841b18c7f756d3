package nnet

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/jnb666/celebattr/num"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// each sample has input [i, -i], label i%2 and covariate i%3==0
func seqData(n int) Data {
	labels := make([]int32, n)
	cov := make([]int32, n)
	inputs := make([]float32, 2*n)
	for i := 0; i < n; i++ {
		labels[i] = int32(i % 2)
		if i%3 == 0 {
			cov[i] = 1
		}
		inputs[2*i] = float32(i)
		inputs[2*i+1] = -float32(i)
	}
	return NewData(2, []int{2}, labels, cov, inputs)
}

func TestDataset(t *testing.T) {
	dev := num.NewCPUDevice(1)
	q := dev.NewQueue()
	d := NewDataset(dev, seqData(10), 4, 0, false, rand.New(rand.NewSource(1)))
	defer d.Release()
	assert.Equal(t, 10, d.Samples)
	assert.Equal(t, 3, d.Batches)

	for epoch := 1; epoch <= 2; epoch++ {
		d.NextEpoch()
		assert.Equal(t, epoch, d.Epoch())
		start := 0
		for i, size := range []int{4, 4, 2} {
			b, err := d.NextBatch()
			require.NoError(t, err)
			require.Equal(t, size, b.Size, "batch %d", i)
			assert.Equal(t, []int{2, size}, b.X.Dims())
			x := readArray(q, b.X)
			y := make([]int32, size)
			cov := make([]int32, size)
			q.Call(num.Read(b.Y, y), num.Read(b.Cov, cov)).Finish()
			y1H := readArray(q, b.Y1H)
			for j := 0; j < size; j++ {
				ix := start + j
				assert.Equal(t, float32(ix), x[2*j])
				assert.Equal(t, -float32(ix), x[2*j+1])
				assert.Equal(t, int32(ix%2), y[j])
				assert.Equal(t, float32(1), y1H[2*j+ix%2])
				assert.Equal(t, float32(0), y1H[2*j+1-ix%2])
				if ix%3 == 0 {
					assert.Equal(t, int32(1), cov[j])
				} else {
					assert.Equal(t, int32(0), cov[j])
				}
			}
			start += size
		}
	}
}

func TestDatasetShuffle(t *testing.T) {
	dev := num.NewCPUDevice(1)
	q := dev.NewQueue()
	d := NewDataset(dev, seqData(12), 5, 0, true, rand.New(rand.NewSource(1)))
	defer d.Release()
	assert.Equal(t, 3, d.Batches)
	var orders [][]int
	for epoch := 0; epoch < 2; epoch++ {
		d.NextEpoch()
		var seen []int
		for i := 0; i < d.Batches; i++ {
			b, err := d.NextBatch()
			require.NoError(t, err)
			x := readArray(q, b.X)
			for j := 0; j < b.Size; j++ {
				seen = append(seen, int(x[2*j]))
			}
		}
		orders = append(orders, append([]int{}, seen...))
		sort.Ints(seen)
		for i, v := range seen {
			require.Equal(t, i, v)
		}
	}
	assert.NotEqual(t, orders[0], orders[1])
}

func TestDatasetMaxSamples(t *testing.T) {
	dev := num.NewCPUDevice(1)
	d := NewDataset(dev, seqData(10), 8, 6, false, rand.New(rand.NewSource(1)))
	defer d.Release()
	assert.Equal(t, 6, d.Samples)
	assert.Equal(t, 6, d.BatchSize)
	assert.Equal(t, 1, d.Batches)
	d.NextEpoch()
	b, err := d.NextBatch()
	require.NoError(t, err)
	assert.Equal(t, 6, b.Size)
}

type badData struct{ Data }

func (d badData) Input(index []int, buf []float32) error {
	return assert.AnError
}

func TestDatasetError(t *testing.T) {
	dev := num.NewCPUDevice(1)
	d := NewDataset(dev, badData{seqData(4)}, 2, 0, false, rand.New(rand.NewSource(1)))
	defer d.Release()
	_, err := d.NextBatch()
	assert.Error(t, err, "NextEpoch not called")
	d.NextEpoch()
	_, err = d.NextBatch()
	assert.Error(t, err)
}
