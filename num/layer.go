package num

import (
	"fmt"
	"math"
	"math/rand"
	"sync"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Layer interface type represents a DNN layer
type Layer interface {
	Type() string
	InShape() []int
	OutShape() []int
	FilterShape() []int
	BiasShape() []int
	Dst() Array
	DiffSrc() Array
	SetSrc(Array)
	SetDiffDst(Array)
	SetParams(W, B, dW, dB Array)
	HasParams() bool
	Release()
}

// StatsLayer is a layer which tracks running mean and variance of its input, e.g. batch normalisation.
type StatsLayer interface {
	Layer
	SetStats(mean, variance Array)
}

type kernel interface {
	Layer
	fprop(train bool)
	bpropData()
	bpropFilter()
	bpropBias()
}

// Forward propagation, if trainMode is false then batch norm uses running stats and dropout is disabled.
func Fprop(layer Layer, trainMode bool) Function {
	k := layer.(kernel)
	return newFunc(layer.Type()+"_fprop", func() { k.fprop(trainMode) })
}

// Backward propagation
func BpropData(layer Layer) Function {
	k := layer.(kernel)
	return newFunc(layer.Type()+"_bprop_data", k.bpropData)
}

// Accumulate gradient of weights
func BpropFilter(layer Layer) Function {
	k := layer.(kernel)
	return newFunc(layer.Type()+"_bprop_filter", k.bpropFilter)
}

// Accumulate gradient of bias
func BpropBias(layer Layer) Function {
	k := layer.(kernel)
	return newFunc(layer.Type()+"_bprop_bias", k.bpropBias)
}

// common layer fields
type layerBase struct {
	typ      string
	inShape  []int
	outShape []int
	threads  int
	src      Array
	diffDst  Array
	dst      Array
	diffSrc  Array
}

func newLayerBase(typ string, threads int, inShape, outShape []int) layerBase {
	return layerBase{
		typ:      typ,
		inShape:  inShape,
		outShape: outShape,
		threads:  threads,
		dst:      newArrayCPU(Float32, outShape),
		diffSrc:  newArrayCPU(Float32, inShape),
	}
}

func (l *layerBase) Type() string       { return l.typ }
func (l *layerBase) InShape() []int     { return l.inShape }
func (l *layerBase) OutShape() []int    { return l.outShape }
func (l *layerBase) Dst() Array         { return l.dst }
func (l *layerBase) DiffSrc() Array     { return l.diffSrc }
func (l *layerBase) Release()           { Release(l.dst, l.diffSrc) }
func (l *layerBase) SetDiffDst(a Array) { l.diffDst = checkSize(l.typ, a, l.outShape) }
func (l *layerBase) SetSrc(a Array)     { l.src = checkSize(l.typ, a, l.inShape) }

// layers without weights
type noParams struct{}

func (noParams) FilterShape() []int { return nil }
func (noParams) BiasShape() []int   { return nil }
func (noParams) HasParams() bool    { return false }
func (noParams) bpropFilter()       {}
func (noParams) bpropBias()         {}
func (noParams) SetParams(W, B, dW, dB Array) {
	panic("SetParams: layer does not have parameters")
}

func checkSize(typ string, a Array, shape []int) Array {
	if a.Size() != Prod(shape) {
		panic(fmt.Sprintf("%s: array size %v does not match layer shape %v", typ, a.Dims(), shape))
	}
	return a
}

type paramBase struct {
	w, b, dw, db Array
	wShape       []int
	bShape       []int
}

func (p *paramBase) FilterShape() []int { return p.wShape }
func (p *paramBase) BiasShape() []int   { return p.bShape }
func (p *paramBase) HasParams() bool    { return true }

func (p *paramBase) SetParams(W, B, dW, dB Array) {
	if W.Size() != Prod(p.wShape) || dW.Size() != Prod(p.wShape) {
		panic(fmt.Sprintf("SetParams: weight shape %v does not match %v", W.Dims(), p.wShape))
	}
	if B.Size() != Prod(p.bShape) || dB.Size() != Prod(p.bShape) {
		panic(fmt.Sprintf("SetParams: bias shape %v does not match %v", B.Dims(), p.bShape))
	}
	p.w, p.b, p.dw, p.db = W, B, dW, dB
}

// fully connected layer with weights stored as [nIn, nOut] matrix
type linearLayer struct {
	layerBase
	paramBase
	ones Array
}

func (d cpuDevice) LinearLayer(nBatch, nIn, nOut int) Layer {
	l := &linearLayer{
		layerBase: newLayerBase("linear", d.threads, []int{nIn, nBatch}, []int{nOut, nBatch}),
		paramBase: paramBase{wShape: []int{nIn, nOut}, bShape: []int{nOut}},
		ones:      newArrayCPU(Float32, []int{nBatch}),
	}
	Fill(l.ones, 1).fn()
	return l
}

func (l *linearLayer) fprop(train bool) {
	src := l.src.Reshape(l.inShape...)
	Copy(l.dst, l.b).fn()
	Gemm(1, 1, l.w, src, l.dst, Trans, NoTrans).fn()
}

func (l *linearLayer) bpropData() {
	Gemm(1, 0, l.w, l.diffDst.Reshape(l.outShape...), l.diffSrc, NoTrans, NoTrans).fn()
}

func (l *linearLayer) bpropFilter() {
	Gemm(1, 1, l.src.Reshape(l.inShape...), l.diffDst.Reshape(l.outShape...), l.dw, NoTrans, Trans).fn()
}

func (l *linearLayer) bpropBias() {
	Gemv(1, 1, l.diffDst.Reshape(l.outShape...), l.ones, l.db, NoTrans).fn()
}

func (l *linearLayer) Release() {
	l.layerBase.Release()
	Release(l.ones)
}

// 2d convolution using im2col followed by matrix multiply, filter is [size, size, depth, nFeats]
type convLayer struct {
	layerBase
	paramBase
	n, depth           int
	inH, inW           int
	feats, size        int
	stride, pad        int
	outH, outW         int
	col, dwBuf         [][]float32
	colSize, paramSize int
}

func (d cpuDevice) ConvLayer(nBatch, depth, h, w, nFeats, size, stride, pad int) Layer {
	outH := (h+2*pad-size)/stride + 1
	outW := (w+2*pad-size)/stride + 1
	if outH < 1 || outW < 1 {
		panic(fmt.Sprintf("ConvLayer: input %dx%d too small for filter size %d", w, h, size))
	}
	return &convLayer{
		layerBase: newLayerBase("conv", d.threads, []int{w, h, depth, nBatch}, []int{outW, outH, nFeats, nBatch}),
		paramBase: paramBase{wShape: []int{size, size, depth, nFeats}, bShape: []int{nFeats}},
		n:         nBatch,
		depth:     depth,
		inH:       h,
		inW:       w,
		feats:     nFeats,
		size:      size,
		stride:    stride,
		pad:       pad,
		outH:      outH,
		outW:      outW,
		colSize:   depth * size * size * outH * outW,
		paramSize: depth * size * size * nFeats,
	}
}

func (l *convLayer) buffers() {
	if l.col != nil {
		return
	}
	l.col = make([][]float32, l.threads)
	l.dwBuf = make([][]float32, l.threads)
	for i := range l.col {
		l.col[i] = make([]float32, l.colSize)
		l.dwBuf[i] = make([]float32, l.paramSize)
	}
}

func (l *convLayer) fprop(train bool) {
	l.buffers()
	q, p := l.depth*l.size*l.size, l.outH*l.outW
	src, dst, w, b := l.src.f32(), l.dst.f32(), l.w.f32(), l.b.f32()
	inSize, outSize := l.depth*l.inH*l.inW, l.feats*p
	parallel(l.n, l.threads, func(t, start, end int) {
		col := l.col[t]
		for i := start; i < end; i++ {
			im2col(src[i*inSize:(i+1)*inSize], l.depth, l.inH, l.inW, l.size, l.stride, l.pad, l.outH, l.outW, col)
			out := dst[i*outSize : (i+1)*outSize]
			blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, rowMajor(l.feats, q, w), rowMajor(q, p, col), 0, rowMajor(l.feats, p, out))
			for f := 0; f < l.feats; f++ {
				row := out[f*p : (f+1)*p]
				for j := range row {
					row[j] += b[f]
				}
			}
		}
	})
}

func (l *convLayer) bpropData() {
	l.buffers()
	q, p := l.depth*l.size*l.size, l.outH*l.outW
	dsrc, grad, w := l.diffSrc.f32(), l.diffDst.f32(), l.w.f32()
	inSize, outSize := l.depth*l.inH*l.inW, l.feats*p
	parallel(l.n, l.threads, func(t, start, end int) {
		col := l.col[t]
		for i := start; i < end; i++ {
			blas32.Gemm(blas.Trans, blas.NoTrans, 1, rowMajor(l.feats, q, w), rowMajor(l.feats, p, grad[i*outSize:(i+1)*outSize]), 0, rowMajor(q, p, col))
			col2im(col, l.depth, l.inH, l.inW, l.size, l.stride, l.pad, l.outH, l.outW, dsrc[i*inSize:(i+1)*inSize])
		}
	})
}

func (l *convLayer) bpropFilter() {
	l.buffers()
	q, p := l.depth*l.size*l.size, l.outH*l.outW
	src, grad := l.src.f32(), l.diffDst.f32()
	inSize, outSize := l.depth*l.inH*l.inW, l.feats*p
	used := parallel(l.n, l.threads, func(t, start, end int) {
		col, dw := l.col[t], l.dwBuf[t]
		for i := range dw {
			dw[i] = 0
		}
		for i := start; i < end; i++ {
			im2col(src[i*inSize:(i+1)*inSize], l.depth, l.inH, l.inW, l.size, l.stride, l.pad, l.outH, l.outW, col)
			blas32.Gemm(blas.NoTrans, blas.Trans, 1, rowMajor(l.feats, p, grad[i*outSize:(i+1)*outSize]), rowMajor(q, p, col), 1, rowMajor(l.feats, q, dw))
		}
	})
	dw := l.dw.f32()
	for t := 0; t < used; t++ {
		for i, v := range l.dwBuf[t] {
			dw[i] += v
		}
	}
}

func (l *convLayer) bpropBias() {
	p := l.outH * l.outW
	grad, db := l.diffDst.f32(), l.db.f32()
	for i := 0; i < l.n; i++ {
		for f := 0; f < l.feats; f++ {
			var sum float32
			for _, v := range grad[(i*l.feats+f)*p : (i*l.feats+f+1)*p] {
				sum += v
			}
			db[f] += sum
		}
	}
}

func (l *convLayer) Release() {
	l.layerBase.Release()
	l.col, l.dwBuf = nil, nil
}

// unroll image patches into columns of a [c*k*k, oh*ow] row major matrix
func im2col(src []float32, c, h, w, k, stride, pad, oh, ow int, col []float32) {
	p := oh * ow
	for ci := 0; ci < c; ci++ {
		plane := src[ci*h*w : (ci+1)*h*w]
		for ky := 0; ky < k; ky++ {
			for kx := 0; kx < k; kx++ {
				row := col[((ci*k+ky)*k+kx)*p:]
				for oy := 0; oy < oh; oy++ {
					out := row[oy*ow : (oy+1)*ow]
					y := oy*stride - pad + ky
					if y < 0 || y >= h {
						for i := range out {
							out[i] = 0
						}
						continue
					}
					for ox := range out {
						x := ox*stride - pad + kx
						if x < 0 || x >= w {
							out[ox] = 0
						} else {
							out[ox] = plane[y*w+x]
						}
					}
				}
			}
		}
	}
}

// inverse of im2col, overlapping patches are summed
func col2im(col []float32, c, h, w, k, stride, pad, oh, ow int, dst []float32) {
	for i := range dst {
		dst[i] = 0
	}
	p := oh * ow
	for ci := 0; ci < c; ci++ {
		plane := dst[ci*h*w : (ci+1)*h*w]
		for ky := 0; ky < k; ky++ {
			for kx := 0; kx < k; kx++ {
				row := col[((ci*k+ky)*k+kx)*p:]
				for oy := 0; oy < oh; oy++ {
					y := oy*stride - pad + ky
					if y < 0 || y >= h {
						continue
					}
					for ox := 0; ox < ow; ox++ {
						x := ox*stride - pad + kx
						if x >= 0 && x < w {
							plane[y*w+x] += row[oy*ow+ox]
						}
					}
				}
			}
		}
	}
}

// max pooling with no padding, index of the max input for each output is saved for the backward pass
type maxPoolLayer struct {
	layerBase
	noParams
	size, stride int
	mask         []int32
}

func (d cpuDevice) MaxPoolLayer(in []int, size, stride int) Layer {
	if len(in) != 4 {
		panic("MaxPoolLayer: expect 4 dimensional input")
	}
	out := []int{(in[0]-size)/stride + 1, (in[1]-size)/stride + 1, in[2], in[3]}
	return &maxPoolLayer{
		layerBase: newLayerBase("maxPool", d.threads, in, out),
		size:      size,
		stride:    stride,
		mask:      make([]int32, Prod(out)),
	}
}

func (l *maxPoolLayer) fprop(train bool) {
	w, h := l.inShape[0], l.inShape[1]
	ow, oh := l.outShape[0], l.outShape[1]
	src, dst := l.src.f32(), l.dst.f32()
	parallel(l.inShape[2]*l.inShape[3], l.threads, func(t, start, end int) {
		for pl := start; pl < end; pl++ {
			in := src[pl*w*h : (pl+1)*w*h]
			out, mask := dst[pl*ow*oh:(pl+1)*ow*oh], l.mask[pl*ow*oh:(pl+1)*ow*oh]
			for oy := 0; oy < oh; oy++ {
				for ox := 0; ox < ow; ox++ {
					best := (oy*l.stride)*w + ox*l.stride
					for ky := 0; ky < l.size; ky++ {
						for kx := 0; kx < l.size; kx++ {
							ix := (oy*l.stride+ky)*w + ox*l.stride + kx
							if in[ix] > in[best] {
								best = ix
							}
						}
					}
					out[oy*ow+ox] = in[best]
					mask[oy*ow+ox] = int32(best)
				}
			}
		}
	})
}

func (l *maxPoolLayer) bpropData() {
	inPlane, outPlane := l.inShape[0]*l.inShape[1], l.outShape[0]*l.outShape[1]
	grad, dsrc := l.diffDst.f32(), l.diffSrc.f32()
	parallel(l.inShape[2]*l.inShape[3], l.threads, func(t, start, end int) {
		for pl := start; pl < end; pl++ {
			out := dsrc[pl*inPlane : (pl+1)*inPlane]
			for i := range out {
				out[i] = 0
			}
			for i, ix := range l.mask[pl*outPlane : (pl+1)*outPlane] {
				out[ix] += grad[pl*outPlane+i]
			}
		}
	})
}

// adaptive average pooling to a fixed output width and height
type avgPoolLayer struct {
	layerBase
	noParams
	xbins, ybins [][2]int
}

func (d cpuDevice) AvgPoolLayer(in []int, width, height int) Layer {
	if len(in) != 4 {
		panic("AvgPoolLayer: expect 4 dimensional input")
	}
	return &avgPoolLayer{
		layerBase: newLayerBase("avgPool", d.threads, in, []int{width, height, in[2], in[3]}),
		xbins:     adaptiveBins(in[0], width),
		ybins:     adaptiveBins(in[1], height),
	}
}

func adaptiveBins(in, out int) [][2]int {
	bins := make([][2]int, out)
	for i := range bins {
		bins[i][0] = (i * in) / out
		bins[i][1] = ((i+1)*in + out - 1) / out
	}
	return bins
}

func (l *avgPoolLayer) fprop(train bool) {
	w, h := l.inShape[0], l.inShape[1]
	ow, oh := l.outShape[0], l.outShape[1]
	src, dst := l.src.f32(), l.dst.f32()
	parallel(l.inShape[2]*l.inShape[3], l.threads, func(t, start, end int) {
		for pl := start; pl < end; pl++ {
			in, out := src[pl*w*h:(pl+1)*w*h], dst[pl*ow*oh:(pl+1)*ow*oh]
			for oy, yb := range l.ybins {
				for ox, xb := range l.xbins {
					var sum float32
					for y := yb[0]; y < yb[1]; y++ {
						for x := xb[0]; x < xb[1]; x++ {
							sum += in[y*w+x]
						}
					}
					out[oy*ow+ox] = sum / float32((yb[1]-yb[0])*(xb[1]-xb[0]))
				}
			}
		}
	})
}

func (l *avgPoolLayer) bpropData() {
	w, h := l.inShape[0], l.inShape[1]
	ow, oh := l.outShape[0], l.outShape[1]
	grad, dsrc := l.diffDst.f32(), l.diffSrc.f32()
	parallel(l.inShape[2]*l.inShape[3], l.threads, func(t, start, end int) {
		for pl := start; pl < end; pl++ {
			in, out := dsrc[pl*w*h:(pl+1)*w*h], grad[pl*ow*oh:(pl+1)*ow*oh]
			for i := range in {
				in[i] = 0
			}
			for oy, yb := range l.ybins {
				for ox, xb := range l.xbins {
					g := out[oy*ow+ox] / float32((yb[1]-yb[0])*(xb[1]-xb[0]))
					for y := yb[0]; y < yb[1]; y++ {
						for x := xb[0]; x < xb[1]; x++ {
							in[y*w+x] += g
						}
					}
				}
			}
		}
	})
}

// batch normalisation over all dimensions apart from the channel, which is the second to last one
type batchNormLayer struct {
	layerBase
	paramBase
	eps, momentum   float32
	runMean, runVar Array
	mean, invStd    []float32
	sumDy, sumDyX   []float32
	plane, c, n     int
}

func (d cpuDevice) BatchNormLayer(in []int, eps, momentum float32) Layer {
	if len(in) < 2 {
		panic("BatchNormLayer: expect at least 2 dimensional input")
	}
	c := in[len(in)-2]
	return &batchNormLayer{
		layerBase: newLayerBase("batchNorm", d.threads, in, in),
		paramBase: paramBase{wShape: []int{c}, bShape: []int{c}},
		eps:       eps,
		momentum:  momentum,
		mean:      make([]float32, c),
		invStd:    make([]float32, c),
		sumDy:     make([]float32, c),
		sumDyX:    make([]float32, c),
		plane:     Prod(in[:len(in)-2]),
		c:         c,
		n:         in[len(in)-1],
	}
}

func (l *batchNormLayer) SetStats(mean, variance Array) {
	if mean.Size() != l.c || variance.Size() != l.c {
		panic("SetStats: invalid array size")
	}
	l.runMean, l.runVar = mean, variance
}

func (l *batchNormLayer) fprop(train bool) {
	src, dst := l.src.f32(), l.dst.f32()
	gamma, beta := l.w.f32(), l.b.f32()
	rmean, rvar := l.runMean.f32(), l.runVar.f32()
	m := l.plane * l.n
	parallel(l.c, l.threads, func(t, start, end int) {
		for ch := start; ch < end; ch++ {
			var mean, variance float64
			if train {
				var sum, sum2 float64
				for i := 0; i < l.n; i++ {
					for _, v := range src[(i*l.c+ch)*l.plane : (i*l.c+ch+1)*l.plane] {
						sum += float64(v)
					}
				}
				mean = sum / float64(m)
				for i := 0; i < l.n; i++ {
					for _, v := range src[(i*l.c+ch)*l.plane : (i*l.c+ch+1)*l.plane] {
						d := float64(v) - mean
						sum2 += d * d
					}
				}
				variance = sum2 / float64(m)
				unbiased := variance
				if m > 1 {
					unbiased = sum2 / float64(m-1)
				}
				rmean[ch] = (1-l.momentum)*rmean[ch] + l.momentum*float32(mean)
				rvar[ch] = (1-l.momentum)*rvar[ch] + l.momentum*float32(unbiased)
			} else {
				mean, variance = float64(rmean[ch]), float64(rvar[ch])
			}
			invStd := float32(1 / math.Sqrt(variance+float64(l.eps)))
			l.mean[ch], l.invStd[ch] = float32(mean), invStd
			scale, shift := gamma[ch]*invStd, beta[ch]-gamma[ch]*invStd*float32(mean)
			for i := 0; i < l.n; i++ {
				off := (i*l.c + ch) * l.plane
				for j, v := range src[off : off+l.plane] {
					dst[off+j] = scale*v + shift
				}
			}
		}
	})
}

func (l *batchNormLayer) bpropData() {
	src, grad, dsrc := l.src.f32(), l.diffDst.f32(), l.diffSrc.f32()
	gamma := l.w.f32()
	m := float32(l.plane * l.n)
	parallel(l.c, l.threads, func(t, start, end int) {
		for ch := start; ch < end; ch++ {
			mean, invStd := l.mean[ch], l.invStd[ch]
			var sumDy, sumDyX float32
			for i := 0; i < l.n; i++ {
				off := (i*l.c + ch) * l.plane
				for j, dy := range grad[off : off+l.plane] {
					sumDy += dy
					sumDyX += dy * (src[off+j] - mean) * invStd
				}
			}
			l.sumDy[ch], l.sumDyX[ch] = sumDy, sumDyX
			k := gamma[ch] * invStd / m
			for i := 0; i < l.n; i++ {
				off := (i*l.c + ch) * l.plane
				for j, dy := range grad[off : off+l.plane] {
					xhat := (src[off+j] - mean) * invStd
					dsrc[off+j] = k * (m*dy - sumDy - xhat*sumDyX)
				}
			}
		}
	})
}

func (l *batchNormLayer) bpropFilter() {
	dw := l.dw.f32()
	for ch, v := range l.sumDyX {
		dw[ch] += v
	}
}

func (l *batchNormLayer) bpropBias() {
	db := l.db.f32()
	for ch, v := range l.sumDy {
		db[ch] += v
	}
}

// inverted dropout: in training mode outputs are zeroed with probability ratio and the rest scaled by 1/(1-ratio)
type dropoutLayer struct {
	layerBase
	noParams
	ratio float32
	mask  []float32
	rng   *rand.Rand
}

func (d cpuDevice) DropoutLayer(in []int, ratio float32, seed int64) Layer {
	if ratio < 0 || ratio >= 1 {
		panic("DropoutLayer: ratio must be in range [0,1)")
	}
	return &dropoutLayer{
		layerBase: newLayerBase("dropout", d.threads, in, in),
		ratio:     ratio,
		mask:      make([]float32, Prod(in)),
		rng:       rand.New(rand.NewSource(seed)),
	}
}

func (l *dropoutLayer) fprop(train bool) {
	src, dst := l.src.f32(), l.dst.f32()
	if !train || l.ratio == 0 {
		copy(dst, src)
		for i := range l.mask {
			l.mask[i] = 1
		}
		return
	}
	scale := 1 / (1 - l.ratio)
	for i, v := range src {
		if l.rng.Float32() < l.ratio {
			l.mask[i] = 0
		} else {
			l.mask[i] = scale
		}
		dst[i] = v * l.mask[i]
	}
}

func (l *dropoutLayer) bpropData() {
	grad, dsrc := l.diffDst.f32(), l.diffSrc.f32()
	for i, g := range grad {
		dsrc[i] = g * l.mask[i]
	}
}

type reluLayer struct {
	layerBase
	noParams
}

func (d cpuDevice) ReluLayer(in []int) Layer {
	return &reluLayer{layerBase: newLayerBase("relu", d.threads, in, in)}
}

func (l *reluLayer) fprop(train bool) {
	Relu(l.src, l.dst).fn()
}

func (l *reluLayer) bpropData() {
	ReluD(l.src, l.diffDst, l.diffSrc).fn()
}

// run fn over n items split between threads goroutines, returns number of goroutines used
func parallel(n, threads int, fn func(thread, start, end int)) int {
	if threads > n {
		threads = n
	}
	if threads <= 1 {
		fn(0, 0, n)
		return 1
	}
	chunk := (n + threads - 1) / threads
	var wg sync.WaitGroup
	used := 0
	for t := 0; t < threads; t++ {
		start, end := t*chunk, min((t+1)*chunk, n)
		if start >= end {
			break
		}
		used++
		wg.Add(1)
		go func(t, start, end int) {
			defer wg.Done()
			fn(t, start, end)
		}(t, start, end)
	}
	wg.Wait()
	return used
}

func rowMajor(rows, cols int, data []float32) blas32.General {
	return blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: data[:rows*cols]}
}
