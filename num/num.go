// Package num contains numeric Array processing routines such as optimised matix multiplication.
package num

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Data type of an element of the array
type DataType int

const (
	Int32 DataType = iota
	Float32
)

// TransType flag indicates if matrix is transposed
type TransType int

const (
	NoTrans TransType = iota
	Trans
)

// Function which may be called via the queue
type Function struct {
	name string
	fn   func()
}

func newFunc(name string, fn func()) Function {
	return Function{name: name, fn: fn}
}

// Name of the operation used for profiling
func (f Function) Name() string { return f.name }

// Read data from array into a slice.
func Read(a Array, data interface{}) Function {
	return newFunc("read", func() {
		switch d := data.(type) {
		case []float32:
			copy(d, a.f32())
		case []int32:
			copy(d, a.i32())
		default:
			panic(fmt.Sprintf("Read: invalid slice type %T", data))
		}
	})
}

// Write data from a slice into the given array.
func Write(a Array, data interface{}) Function {
	return newFunc("write", func() {
		switch d := data.(type) {
		case []float32:
			copy(a.f32(), d)
		case []int32:
			copy(a.i32(), d)
		default:
			panic(fmt.Sprintf("Write: invalid slice type %T", data))
		}
	})
}

// Fill array with a scalar value
func Fill(a Array, scalar float32) Function {
	return newFunc("fill", func() {
		if a.Dtype() == Int32 {
			v := int32(scalar)
			data := a.i32()
			for i := range data {
				data[i] = v
			}
		} else {
			data := a.f32()
			for i := range data {
				data[i] = scalar
			}
		}
	})
}

// Copy from src to dst, broadcast vector to matrix if needed, vector is tiled column wise
func Copy(dst, src Array) Function {
	if src.Dtype() != dst.Dtype() {
		panic("Copy: arguments must be same type")
	}
	ddim, sdim := dst.Dims(), src.Dims()
	if dst.Size() == src.Size() {
		return newFunc("copy", func() {
			if dst.Dtype() == Int32 {
				copy(dst.i32(), src.i32())
			} else {
				copy(dst.f32(), src.f32())
			}
		})
	}
	if len(ddim) == 2 && src.Size() == ddim[0] && (len(sdim) == 1 || (len(sdim) == 2 && sdim[1] == 1)) {
		rows, cols := ddim[0], ddim[1]
		return newFunc("tile", func() {
			d, s := dst.f32(), src.f32()
			for j := 0; j < cols; j++ {
				copy(d[j*rows:(j+1)*rows], s)
			}
		})
	}
	panic(fmt.Sprintf("Copy: cannot copy from %v to %v shape", sdim, ddim))
}

// Element wise != comparison
func Neq(x, y, res Array) Function {
	if x.Dtype() != Int32 || y.Dtype() != Int32 || res.Dtype() != Int32 {
		panic("Neq: incorrect datatype")
	}
	if !SameShape(x.Dims(), res.Dims()) || !SameShape(y.Dims(), res.Dims()) {
		panic("Neq: arrays must be same shape")
	}
	return newFunc("neq", func() {
		xd, yd, rd := x.i32(), y.i32(), res.i32()
		for i := range rd {
			if xd[i] != yd[i] {
				rd[i] = 1
			} else {
				rd[i] = 0
			}
		}
	})
}

// Convert to one hot representation
func Onehot(x, y Array, classes int) Function {
	if x.Dtype() != Int32 || y.Dtype() != Float32 {
		panic("Onehot: incorrect datatype")
	}
	xdim, ydim := x.Dims(), y.Dims()
	if len(xdim) != 1 || len(ydim) != 2 || xdim[0] != ydim[1] || ydim[0] != classes {
		panic("Onehot: invalid array shape")
	}
	return newFunc("onehot", func() {
		xd, yd := x.i32(), y.f32()
		for i := range yd {
			yd[i] = 0
		}
		for j, class := range xd {
			if class < 0 || int(class) >= classes {
				panic(fmt.Sprintf("Onehot: class %d out of range", class))
			}
			yd[j*classes+int(class)] = 1
		}
	})
}

// Convert from OneHot format back to labels, each label is the index of the maximum value in the column.
func Unhot(x, y Array) Function {
	if x.Dtype() != Float32 || y.Dtype() != Int32 {
		panic("Unhot: incorrect datatype")
	}
	xdim, ydim := x.Dims(), y.Dims()
	if len(xdim) != 2 || len(ydim) != 1 || xdim[1] != ydim[0] {
		panic("Unhot: invalid array shape")
	}
	rows := xdim[0]
	return newFunc("unhot", func() {
		xd, yd := x.f32(), y.i32()
		for j := range yd {
			col := xd[j*rows : (j+1)*rows]
			best := 0
			for i, v := range col {
				if v > col[best] {
					best = i
				}
			}
			yd[j] = int32(best)
		}
	})
}

// Scale array: x <- alpha*x
func Scale(alpha float32, x Array) Function {
	if x.Dtype() != Float32 {
		panic("Scale: dtype must by Float32")
	}
	return newFunc("scale", func() {
		blas32.Scal(alpha, vector(x))
	})
}

// Array addition and scaling: y <- alpha*x + y
func Axpy(alpha float32, x, y Array) Function {
	if x.Dtype() != Float32 || y.Dtype() != Float32 {
		panic("Axpy: dtype must by Float32")
	}
	if x.Size() != y.Size() {
		panic("Axpy: arrays must be same size")
	}
	return newFunc("axpy", func() {
		blas32.Axpy(alpha, vector(x), vector(y))
	})
}

// Calculate the scalar sum of the values in the array. Multiplies each result by scale.
func Sum(a, total Array, scale float32) Function {
	if total.Size() != 1 || total.Dtype() != Float32 {
		panic("Sum: result type should be float32 scalar")
	}
	return newFunc("sum", func() {
		var sum float64
		if a.Dtype() == Int32 {
			for _, v := range a.i32() {
				sum += float64(v)
			}
		} else {
			for _, v := range a.f32() {
				sum += float64(v)
			}
		}
		total.f32()[0] = scale * float32(sum)
	})
}

// Matrix vector multiplication: y <- alpha*dot(mA,x) + beta*y
func Gemv(alpha, beta float32, mA, x, y Array, aTrans TransType) Function {
	if mA.Dtype() != Float32 || x.Dtype() != Float32 || y.Dtype() != Float32 {
		panic("Gemv: dtype must by Float32")
	}
	adim := mA.Dims()
	if len(adim) != 2 {
		panic("Gemv: must have matrix and vector inputs")
	}
	m, n := adim[0], adim[1]
	if aTrans == Trans {
		if x.Size() != m || y.Size() != n {
			panic("Gemv: incorrect vector size")
		}
	} else {
		if x.Size() != n || y.Size() != m {
			panic("Gemv: incorrect vector size")
		}
	}
	// column major A is stored as row major A transpose
	return newFunc("gemv", func() {
		blas32.Gemv(flip(aTrans), alpha, general(mA), vector(x), beta, vector(y))
	})
}

// Matrix matrix multiplication: mC <- alpha*dot(mA, mB) + beta*mC
func Gemm(alpha, beta float32, mA, mB, mC Array, aTrans, bTrans TransType) Function {
	if mA.Dtype() != Float32 || mB.Dtype() != Float32 || mC.Dtype() != Float32 {
		panic("Gemm: dtype must by Float32")
	}
	adim, bdim, cdim := mA.Dims(), mB.Dims(), mC.Dims()
	if len(adim) != 2 || len(bdim) != 2 || len(cdim) != 2 {
		panic("Gemm: must have 2 dimensional arrays")
	}
	m, k := adim[0], adim[1]
	k2, n := bdim[0], bdim[1]
	if aTrans == Trans {
		m, k = k, m
	}
	if bTrans == Trans {
		k2, n = n, k2
	}
	if k2 != k {
		panic(fmt.Sprintf("Gemm: invalid input shape %v x %v", adim, bdim))
	}
	if cdim[0] != m || cdim[1] != n {
		panic(fmt.Sprintf("Gemm: invalid output shape %v expecting [%d %d]", cdim, m, n))
	}
	// in row major order C' = op(B)' * op(A)'
	return newFunc("gemm", func() {
		blas32.Gemm(blasTrans(bTrans), blasTrans(aTrans), alpha, general(mB), general(mA), beta, general(mC))
	})
}

// Relu rectified linear activation function: y = max(x, 0)
func Relu(x, y Array) Function {
	return unaryFunc("relu", x, y, func(xd, yd []float32) {
		for i, v := range xd {
			if v > 0 {
				yd[i] = v
			} else {
				yd[i] = 0
			}
		}
	})
}

// Derivative of relu: z = grad where x > 0
func ReluD(x, grad, z Array) Function {
	return binaryFunc("relu_d", x, grad, z, func(xd, gd, zd []float32) {
		for i, v := range xd {
			if v > 0 {
				zd[i] = gd[i]
			} else {
				zd[i] = 0
			}
		}
	})
}

// Softmax activation function applied to each column of x
func Softmax(x, res Array) Function {
	if x.Dtype() != Float32 || res.Dtype() != Float32 {
		panic("Softmax: dtype must by Float32")
	}
	xdim, rdim := x.Dims(), res.Dims()
	if len(xdim) != 2 || !SameShape(xdim, rdim) {
		panic("Softmax: arrays must be 2d and same shape")
	}
	rows := xdim[0]
	return newFunc("softmax", func() {
		xd, rd := x.f32(), res.f32()
		for j := 0; j < xdim[1]; j++ {
			col, out := xd[j*rows:(j+1)*rows], rd[j*rows:(j+1)*rows]
			max := col[0]
			for _, v := range col {
				if v > max {
					max = v
				}
			}
			var sum float64
			for i, v := range col {
				e := math.Exp(float64(v - max))
				out[i] = float32(e)
				sum += e
			}
			for i := range out {
				out[i] = float32(float64(out[i]) / sum)
			}
		}
	})
}

// Softmax loss function: res = -y*log(x) where x is the softmax output and y the one hot target
func SoftmaxLoss(x, y, res Array) Function {
	return binaryFunc("softmax_loss", x, y, res, func(xd, yd, rd []float32) {
		for i, p := range xd {
			if yd[i] == 0 {
				rd[i] = 0
				continue
			}
			if p < 1e-30 {
				p = 1e-30
			}
			rd[i] = -yd[i] * float32(math.Log(float64(p)))
		}
	})
}

// Adam optimiser step applied to weight array w with gradient dw and moment estimates m and v.
// t is the 1 based step count used for bias correction.
func Adam(w, dw, m, v Array, lr, beta1, beta2, eps float32, t int) Function {
	if w.Size() != dw.Size() || w.Size() != m.Size() || w.Size() != v.Size() {
		panic("Adam: arrays must be same size")
	}
	return newFunc("adam", func() {
		wd, gd, md, vd := w.f32(), dw.f32(), m.f32(), v.f32()
		bc1 := 1 - math.Pow(float64(beta1), float64(t))
		bc2 := math.Sqrt(1 - math.Pow(float64(beta2), float64(t)))
		step := float32(float64(lr) / bc1)
		for i, g := range gd {
			md[i] = beta1*md[i] + (1-beta1)*g
			vd[i] = beta2*vd[i] + (1-beta2)*g*g
			denom := float32(math.Sqrt(float64(vd[i])))/float32(bc2) + eps
			wd[i] -= step * md[i] / denom
		}
	})
}

func unaryFunc(name string, x, y Array, fn func(x, y []float32)) Function {
	if x.Dtype() != Float32 || y.Dtype() != Float32 {
		panic("UnaryFunc: dtype must by Float32")
	}
	if x.Size() != y.Size() {
		panic("UnaryFunc: arrays must be same size")
	}
	return newFunc(name, func() { fn(x.f32(), y.f32()) })
}

func binaryFunc(name string, x, y, z Array, fn func(x, y, z []float32)) Function {
	if x.Dtype() != Float32 || y.Dtype() != Float32 || z.Dtype() != Float32 {
		panic("BinaryFunc: dtype must by Float32")
	}
	if x.Size() != z.Size() || y.Size() != z.Size() {
		panic("BinaryFunc: arrays must be same size")
	}
	return newFunc(name, func() { fn(x.f32(), y.f32(), z.f32()) })
}

func vector(a Array) blas32.Vector {
	return blas32.Vector{N: a.Size(), Inc: 1, Data: a.f32()}
}

// view column major [r, c] array as row major c x r matrix
func general(a Array) blas32.General {
	dims := a.Dims()
	rows, cols := dims[0], 1
	if len(dims) > 1 {
		cols = Prod(dims[1:])
	}
	return blas32.General{Rows: cols, Cols: rows, Stride: rows, Data: a.f32()}
}

func blasTrans(t TransType) blas.Transpose {
	if t == Trans {
		return blas.Trans
	}
	return blas.NoTrans
}

func flip(t TransType) blas.Transpose {
	if t == Trans {
		return blas.NoTrans
	}
	return blas.Trans
}
