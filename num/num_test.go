package num

import (
	"math"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDevice(t *testing.T) {
	for _, kind := range []string{"auto", "cpu", "CPU", ""} {
		dev, err := NewDevice(kind, 2)
		require.NoError(t, err, kind)
		assert.Equal(t, 2, dev.Threads())
	}
	_, err := NewDevice("tpu", 1)
	assert.Error(t, err)
}

func TestArray(t *testing.T) {
	xd := []float32{1, 1, 2, 2, 3, 3}
	dev := NewCPUDevice(1)
	q := dev.NewQueue()
	x := dev.NewArray(Float32, 6)
	assert.Equal(t, Float32, x.Dtype())
	x = x.Reshape(2, 3)
	assert.Equal(t, []int{2, 3}, x.Dims())
	assert.Equal(t, []int{3, 2}, x.Reshape(-1, 2).Dims())
	res := make([]float32, 6)
	q.Call(
		Write(x, xd),
		Read(x, res),
	).Finish()
	assert.Equal(t, xd, res)
	t.Logf("x\n%s", x.String(q))
	assert.Panics(t, func() { x.Reshape(4, 2) })
}

func TestCopy(t *testing.T) {
	dev := NewCPUDevice(1)
	q := dev.NewQueue()
	x := dev.NewArray(Float32, 2, 3)
	// tile columns
	y := dev.NewArray(Float32, 2, 1)
	res := make([]float32, 6)
	q.Call(
		Write(y, []float32{1, 2}),
		Copy(x, y),
		Read(x, res),
	).Finish()
	assert.Equal(t, []float32{1, 2, 1, 2, 1, 2}, res)
	y = dev.NewArray(Float32, 2)
	q.Call(
		Write(y, []float32{3, 4}),
		Copy(x, y),
		Read(x, res),
	).Finish()
	assert.Equal(t, []float32{3, 4, 3, 4, 3, 4}, res)
	assert.Panics(t, func() { Copy(x, dev.NewArray(Float32, 4)) })
}

func TestOnehot(t *testing.T) {
	dev := NewCPUDevice(1)
	q := dev.NewQueue()
	y := dev.NewArray(Int32, 4)
	y1h := dev.NewArray(Float32, 3, 4)
	res := make([]float32, 12)
	vec := []int32{2, 1, 0, 2}
	q.Call(
		Write(y, vec),
		Onehot(y, y1h, 3),
		Read(y1h, res),
	).Finish()
	t.Logf("y1hot %s\n%s", y.String(q), y1h.String(q))
	assert.Equal(t, []float32{0, 0, 1, 0, 1, 0, 1, 0, 0, 0, 0, 1}, res)
	res2 := make([]int32, 4)
	q.Call(
		Fill(y, 0),
		Unhot(y1h, y),
		Read(y, res2),
	).Finish()
	assert.Equal(t, vec, res2)
}

func TestNeq(t *testing.T) {
	dev := NewCPUDevice(1)
	q := dev.NewQueue()
	x := dev.NewArray(Int32, 4)
	y := dev.NewArray(Int32, 4)
	diff := dev.NewArray(Int32, 4)
	total := dev.NewArray(Float32)
	res := []float32{0}
	q.Call(
		Write(x, []int32{1, 0, 1, 1}),
		Write(y, []int32{1, 1, 0, 1}),
		Neq(x, y, diff),
		Sum(diff, total, 1),
		Read(total, res),
	).Finish()
	assert.Equal(t, float32(2), res[0])
}

func TestAxpy(t *testing.T) {
	dev := NewCPUDevice(1)
	q := dev.NewQueue()
	x := dev.NewArray(Float32, 2, 3)
	y := dev.NewArray(Float32, 2, 3)
	res := make([]float32, 6)
	q.Call(
		Write(x, []float32{1, 1, 2, 2, 3, 3}),
		Write(y, []float32{0.5, 0.5, 0.5, 0.5, 0.5, 0.5}),
		Axpy(2, x, y),
		Scale(2, y),
		Read(y, res),
	).Finish()
	assert.Equal(t, []float32{5, 5, 9, 9, 13, 13}, res)
}

func TestSum(t *testing.T) {
	dev := NewCPUDevice(1)
	q := dev.NewQueue()
	x := dev.NewArray(Float32, 2, 3)
	sum := dev.NewArray(Float32)
	res := make([]float32, 1)
	// scalar sum
	q.Call(
		Write(x, []float32{1, 2, 3, 4, 5, 6}),
		Sum(x, sum, 1.0/6.0),
		Read(sum, res),
	).Finish()
	assert.InDelta(t, 3.5, res[0], 1e-6)
	// sum for each column
	sum = dev.NewArray(Float32, 3)
	res = make([]float32, 3)
	ones := dev.NewArray(Float32, 2)
	q.Call(
		Fill(ones, 1),
		Gemv(1, 0, x, ones, sum, Trans),
		Read(sum, res),
	).Finish()
	assert.Equal(t, []float32{3, 7, 11}, res)
	// sum for each row
	sum = dev.NewArray(Float32, 2)
	res = make([]float32, 2)
	ones = dev.NewArray(Float32, 3)
	q.Call(
		Fill(ones, 1),
		Gemv(1, 0, x, ones, sum, NoTrans),
		Read(sum, res),
	).Finish()
	assert.Equal(t, []float32{9, 12}, res)
}

func TestGemm(t *testing.T) {
	dev := NewCPUDevice(1)
	q := dev.NewQueue()
	x := dev.NewArray(Float32, 2, 3)
	y := dev.NewArray(Float32, 3, 2)
	z := dev.NewArray(Float32, 2, 2)
	q.Call(Write(x, []float32{1, 4, 2, 5, 3, 6}))
	res := make([]float32, 4)
	for _, trans := range []TransType{NoTrans, Trans} {
		if trans == Trans {
			y = y.Reshape(2, 3)
			q.Call(Write(y, []float32{7, 8, 9, 10, 11, 12}))
		} else {
			q.Call(Write(y, []float32{7, 9, 11, 8, 10, 12}))
		}
		q.Call(
			Gemm(1, 0, x, y, z, NoTrans, trans),
			Read(z, res),
		).Finish()
		assert.Equal(t, []float32{58, 139, 64, 154}, res)
	}
	// xT * x
	z = dev.NewArray(Float32, 3, 3)
	res = make([]float32, 9)
	q.Call(
		Gemm(1, 0, x, x, z, Trans, NoTrans),
		Read(z, res),
	).Finish()
	assert.Equal(t, []float32{17, 22, 27, 22, 29, 36, 27, 36, 45}, res)
}

func TestSoftmaxLoss(t *testing.T) {
	dev := NewCPUDevice(1)
	q := dev.NewQueue()
	x := dev.NewArray(Float32, 2, 2)
	p := dev.NewArray(Float32, 2, 2)
	y := dev.NewArray(Float32, 2, 2)
	loss := dev.NewArray(Float32, 2, 2)
	total := dev.NewArray(Float32)
	prob := make([]float32, 4)
	res := []float32{0}
	q.Call(
		Write(x, []float32{0, 0, 1, 3}),
		Write(y, []float32{1, 0, 0, 1}),
		Softmax(x, p),
		SoftmaxLoss(p, y, loss),
		Sum(loss, total, 0.5),
		Read(p, prob),
		Read(total, res),
	).Finish()
	e := 1 / (1 + math.Exp(2))
	assert.InDeltaSlice(t, []float32{0.5, 0.5, float32(e), float32(1 - e)}, prob, 1e-6)
	expect := (math.Log(2) - math.Log(1-e)) / 2
	assert.InDelta(t, expect, res[0], 1e-5)
}

func TestAdam(t *testing.T) {
	dev := NewCPUDevice(1)
	q := dev.NewQueue()
	w := dev.NewArray(Float32, 2)
	dw := dev.NewArray(Float32, 2)
	m := dev.NewArray(Float32, 2)
	v := dev.NewArray(Float32, 2)
	res := make([]float32, 2)
	q.Call(
		Write(w, []float32{1, -1}),
		Write(dw, []float32{0.5, -2}),
		Adam(w, dw, m, v, 0.1, 0.9, 0.999, 1e-8, 1),
		Read(w, res),
	).Finish()
	// first step moves each weight by lr against the sign of the gradient
	assert.InDeltaSlice(t, []float32{0.9, -0.9}, res, 1e-5)
}

func TestProfile(t *testing.T) {
	dev := NewCPUDevice(1)
	q := dev.NewQueue()
	q.Profiling(true)
	x := dev.NewArray(Float32, 10)
	q.Call(Fill(x, 1), Scale(2, x)).Finish()
	var buf strings.Builder
	q.PrintProfile(&buf)
	assert.Contains(t, buf.String(), "fill")
	assert.Contains(t, buf.String(), "scale")
}

func randSlice(rng *rand.Rand, n int) []float32 {
	res := make([]float32, n)
	for i := range res {
		res[i] = float32(rng.NormFloat64())
	}
	return res
}

func BenchmarkGemm(b *testing.B) {
	size := 100
	rng := rand.New(rand.NewSource(1))
	dev := NewCPUDevice(4)
	q := dev.NewQueue()
	x := dev.NewArray(Float32, size, size)
	y := dev.NewArray(Float32, size, size)
	z := dev.NewArray(Float32, size, size)
	q.Call(
		Write(x, randSlice(rng, size*size)),
		Write(y, randSlice(rng, size*size)),
	).Finish()
	for i := 0; i < b.N; i++ {
		q.Call(Gemm(1, 0, x, y, z, NoTrans, NoTrans)).Finish()
	}
}
