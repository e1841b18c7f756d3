package nnet

import (
	"encoding/json"
	"fmt"
	"math/rand"

	"github.com/jnb666/celebattr/num"
	"github.com/pkg/errors"
)

// Layer interface type represents one layer of the neural net.
// Shapes are column major with the batch size as the last dimension.
type Layer interface {
	Init(dev num.Device, inShape []int, prev Layer) error
	OutShape(inShape []int) []int
	Fprop(q num.Queue, in num.Array, trainMode bool) num.Array
	Bprop(q num.Queue, grad num.Array) num.Array
	Release()
	ToString() string
}

// ParamLayer is a layer with weight and bias parameters
type ParamLayer interface {
	Layer
	InitParams(q num.Queue, scale float32, rng *rand.Rand)
	Params() (W, B num.Array)
	ParamGrads() (dW, dB num.Array)
}

// StatsLayer is a parameter layer which also keeps running statistics, i.e. batch normalisation
type StatsLayer interface {
	ParamLayer
	Stats() (mean, variance num.Array)
}

// OutputLayer is the final layer in the stack
type OutputLayer interface {
	Layer
	Loss(q num.Queue, yOneHot, yPred num.Array) num.Array
}

// LayerDNN hold a layer which implements the num.Layer interface
type LayerDNN interface {
	DNNLayer() num.Layer
}

// Layer configuration details
type LayerConfig struct {
	Type string
	Data json.RawMessage `json:",omitempty"`
}

type ConfigLayer interface {
	Marshal() LayerConfig
}

// Unmarshal JSON data and construct new layer
func (l LayerConfig) Unmarshal() (Layer, error) {
	switch l.Type {
	case "conv":
		cfg := new(Conv)
		return cfg.unmarshal(l.Data)
	case "batchNorm":
		cfg := new(BatchNorm)
		return cfg.unmarshal(l.Data)
	case "maxPool":
		cfg := new(MaxPool)
		return cfg.unmarshal(l.Data)
	case "avgPool":
		cfg := new(AvgPool)
		return cfg.unmarshal(l.Data)
	case "linear":
		cfg := new(Linear)
		return cfg.unmarshal(l.Data)
	case "activation":
		cfg := new(Activation)
		return cfg.unmarshal(l.Data)
	case "dropout":
		cfg := new(Dropout)
		return cfg.unmarshal(l.Data)
	case "logRegression":
		return &logRegression{}, nil
	case "flatten":
		return &flatten{}, nil
	default:
		return nil, errors.Errorf("invalid layer type: %q", l.Type)
	}
}

func (l LayerConfig) String() string {
	layer, err := l.Unmarshal()
	if err != nil {
		return err.Error()
	}
	return layer.ToString()
}

// Convolutional layer, implements ParamLayer interface.
type Conv struct {
	Nfeats, Size, Stride, Pad int
}

func (c Conv) Marshal() LayerConfig {
	if c.Stride == 0 {
		c.Stride = 1
	}
	return LayerConfig{Type: "conv", Data: marshal(c)}
}

func (c Conv) ToString() string {
	return fmt.Sprintf("conv %+v", c)
}

func (c Conv) OutShape(in []int) []int {
	w := (in[0]+2*c.Pad-c.Size)/c.Stride + 1
	h := (in[1]+2*c.Pad-c.Size)/c.Stride + 1
	return []int{w, h, c.Nfeats, in[3]}
}

func (c *Conv) unmarshal(data json.RawMessage) (Layer, error) {
	if err := unmarshal(data, c); err != nil {
		return nil, err
	}
	if c.Nfeats < 1 || c.Size < 1 || c.Stride < 1 || c.Pad < 0 {
		return nil, errors.Errorf("invalid conv layer %+v", *c)
	}
	return &convDNN{Conv: *c}, nil
}

// Batch normalisation layer, normalises each channel over the batch. Implements StatsLayer interface.
type BatchNorm struct {
	Epsilon, Momentum float64
}

func (c BatchNorm) Marshal() LayerConfig {
	if c.Epsilon == 0 {
		c.Epsilon = 1e-5
	}
	if c.Momentum == 0 {
		c.Momentum = 0.1
	}
	return LayerConfig{Type: "batchNorm", Data: marshal(c)}
}

func (c BatchNorm) ToString() string {
	return fmt.Sprintf("batchNorm %+v", c)
}

func (c BatchNorm) OutShape(in []int) []int { return in }

func (c *BatchNorm) unmarshal(data json.RawMessage) (Layer, error) {
	if err := unmarshal(data, c); err != nil {
		return nil, err
	}
	if c.Epsilon == 0 {
		c.Epsilon = 1e-5
	}
	if c.Momentum == 0 {
		c.Momentum = 0.1
	}
	return &batchNormDNN{BatchNorm: *c}, nil
}

// Max pooling layer, should follow conv layer.
type MaxPool struct {
	Size, Stride int
}

func (c MaxPool) Marshal() LayerConfig {
	if c.Stride == 0 {
		c.Stride = c.Size
	}
	return LayerConfig{Type: "maxPool", Data: marshal(c)}
}

func (c MaxPool) ToString() string {
	return fmt.Sprintf("maxPool %+v", c)
}

func (c MaxPool) OutShape(in []int) []int {
	return []int{(in[0]-c.Size)/c.Stride + 1, (in[1]-c.Size)/c.Stride + 1, in[2], in[3]}
}

func (c *MaxPool) unmarshal(data json.RawMessage) (Layer, error) {
	if err := unmarshal(data, c); err != nil {
		return nil, err
	}
	if c.Size < 1 || c.Stride < 1 {
		return nil, errors.Errorf("invalid maxPool layer %+v", *c)
	}
	return &maxPoolDNN{MaxPool: *c}, nil
}

// Adaptive average pooling layer with fixed output width and height.
type AvgPool struct {
	Width, Height int
}

func (c AvgPool) Marshal() LayerConfig {
	return LayerConfig{Type: "avgPool", Data: marshal(c)}
}

func (c AvgPool) ToString() string {
	return fmt.Sprintf("avgPool %+v", c)
}

func (c AvgPool) OutShape(in []int) []int {
	return []int{c.Width, c.Height, in[2], in[3]}
}

func (c *AvgPool) unmarshal(data json.RawMessage) (Layer, error) {
	if err := unmarshal(data, c); err != nil {
		return nil, err
	}
	if c.Width < 1 || c.Height < 1 {
		return nil, errors.Errorf("invalid avgPool layer %+v", *c)
	}
	return &avgPoolDNN{AvgPool: *c}, nil
}

// Linear fully connected layer, implements ParamLayer interface.
type Linear struct {
	Nout int
}

func (c Linear) Marshal() LayerConfig {
	return LayerConfig{Type: "linear", Data: marshal(c)}
}

func (c Linear) ToString() string {
	return fmt.Sprintf("linear %+v", c)
}

func (c Linear) OutShape(in []int) []int {
	return []int{c.Nout, in[len(in)-1]}
}

func (c *Linear) unmarshal(data json.RawMessage) (Layer, error) {
	if err := unmarshal(data, c); err != nil {
		return nil, err
	}
	if c.Nout < 1 {
		return nil, errors.Errorf("invalid linear layer %+v", *c)
	}
	return &linearDNN{Linear: *c}, nil
}

// Activation layer, only relu is supported.
type Activation struct {
	Atype string
}

func (c Activation) Marshal() LayerConfig {
	return LayerConfig{Type: "activation", Data: marshal(c)}
}

func (c Activation) ToString() string {
	return fmt.Sprintf("activation %+v", c)
}

func (c Activation) OutShape(in []int) []int { return in }

func (c *Activation) unmarshal(data json.RawMessage) (Layer, error) {
	if err := unmarshal(data, c); err != nil {
		return nil, err
	}
	if c.Atype != "relu" {
		return nil, errors.Errorf("activation type %q invalid", c.Atype)
	}
	return &reluDNN{Activation: *c}, nil
}

// Dropout layer, zeroes a fraction Ratio of the inputs in training mode.
type Dropout struct {
	Ratio float64
}

func (c Dropout) Marshal() LayerConfig {
	return LayerConfig{Type: "dropout", Data: marshal(c)}
}

func (c Dropout) ToString() string {
	return fmt.Sprintf("dropout %+v", c)
}

func (c Dropout) OutShape(in []int) []int { return in }

func (c *Dropout) unmarshal(data json.RawMessage) (Layer, error) {
	if err := unmarshal(data, c); err != nil {
		return nil, err
	}
	if c.Ratio < 0 || c.Ratio >= 1 {
		return nil, errors.Errorf("dropout ratio %g out of range", c.Ratio)
	}
	return &dropoutDNN{Dropout: *c}, nil
}

// LogRegression output layer with soft max activation.
type LogRegression struct{}

func (c LogRegression) Marshal() LayerConfig {
	return LayerConfig{Type: "logRegression"}
}

// Flatten layer reshapes from 4 to 2 dimensions.
type Flatten struct{}

func (c Flatten) Marshal() LayerConfig {
	return LayerConfig{Type: "flatten"}
}

// linear layer implementation
type linearDNN struct {
	Linear
	paramBase
	*layerDNN
}

func (l *linearDNN) Init(dev num.Device, inShape []int, prev Layer) error {
	if len(inShape) != 2 {
		return errors.Errorf("linear: expect 2 dimensional input, got %v", inShape)
	}
	nBatch, nIn := inShape[1], inShape[0]
	layer := dev.LinearLayer(nBatch, nIn, l.Nout)
	l.allocParams(dev, layer)
	l.layerDNN = l.layerDNN.replace(layer, prev)
	return nil
}

// convolutional layer implementation
type convDNN struct {
	Conv
	paramBase
	*layerDNN
}

func (l *convDNN) Init(dev num.Device, inShape []int, prev Layer) error {
	if len(inShape) != 4 {
		return errors.Errorf("conv: expect 4 dimensional input, got %v", inShape)
	}
	n, d, h, w := inShape[3], inShape[2], inShape[1], inShape[0]
	if h+2*l.Pad < l.Size || w+2*l.Pad < l.Size {
		return errors.Errorf("conv: input %v too small for filter size %d", inShape, l.Size)
	}
	layer := dev.ConvLayer(n, d, h, w, l.Nfeats, l.Size, l.Stride, l.Pad)
	l.allocParams(dev, layer)
	l.layerDNN = l.layerDNN.replace(layer, prev)
	return nil
}

// batch normalisation implementation, weights are gamma and bias is beta
type batchNormDNN struct {
	BatchNorm
	paramBase
	*layerDNN
	mean, variance num.Array
}

func (l *batchNormDNN) Init(dev num.Device, inShape []int, prev Layer) error {
	if len(inShape) < 2 {
		return errors.Errorf("batchNorm: expect at least 2 dimensional input, got %v", inShape)
	}
	layer := dev.BatchNormLayer(inShape, float32(l.Epsilon), float32(l.Momentum))
	l.allocParams(dev, layer)
	if l.mean == nil {
		l.mean = dev.NewArray(num.Float32, layer.BiasShape()...)
		l.variance = dev.NewArray(num.Float32, layer.BiasShape()...)
		q := dev.NewQueue()
		q.Call(num.Fill(l.variance, 1)).Finish()
	}
	layer.(num.StatsLayer).SetStats(l.mean, l.variance)
	l.layerDNN = l.layerDNN.replace(layer, prev)
	return nil
}

// InitParams sets gamma to 1 and beta to 0
func (l *batchNormDNN) InitParams(q num.Queue, scale float32, rng *rand.Rand) {
	q.Call(
		num.Fill(l.w, 1),
		num.Fill(l.b, 0),
		num.Fill(l.mean, 0),
		num.Fill(l.variance, 1),
	)
}

func (l *batchNormDNN) Stats() (mean, variance num.Array) {
	return l.mean, l.variance
}

func (l *batchNormDNN) Release() {
	l.layerDNN.Release()
	l.paramBase.release()
	num.Release(l.mean, l.variance)
}

// pool layer implentations
type maxPoolDNN struct {
	MaxPool
	*layerDNN
}

func (l *maxPoolDNN) Init(dev num.Device, inShape []int, prev Layer) error {
	if len(inShape) != 4 {
		return errors.Errorf("maxPool: expect 4 dimensional input, got %v", inShape)
	}
	if inShape[0] < l.Size || inShape[1] < l.Size {
		return errors.Errorf("maxPool: input %v smaller than pool size %d", inShape, l.Size)
	}
	l.layerDNN = l.layerDNN.replace(dev.MaxPoolLayer(inShape, l.Size, l.Stride), prev)
	return nil
}

type avgPoolDNN struct {
	AvgPool
	*layerDNN
}

func (l *avgPoolDNN) Init(dev num.Device, inShape []int, prev Layer) error {
	if len(inShape) != 4 {
		return errors.Errorf("avgPool: expect 4 dimensional input, got %v", inShape)
	}
	l.layerDNN = l.layerDNN.replace(dev.AvgPoolLayer(inShape, l.Width, l.Height), prev)
	return nil
}

type reluDNN struct {
	Activation
	*layerDNN
}

func (l *reluDNN) Init(dev num.Device, inShape []int, prev Layer) error {
	l.layerDNN = l.layerDNN.replace(dev.ReluLayer(inShape), prev)
	return nil
}

type dropoutDNN struct {
	Dropout
	*layerDNN
	seed int64
}

func (l *dropoutDNN) setSeed(seed int64) { l.seed = seed }

func (l *dropoutDNN) Init(dev num.Device, inShape []int, prev Layer) error {
	l.seed++
	l.layerDNN = l.layerDNN.replace(dev.DropoutLayer(inShape, float32(l.Ratio), l.seed), prev)
	return nil
}

// log regression output layer
type logRegression struct {
	layerBase
	loss num.Array
}

func (l *logRegression) ToString() string { return "logRegression" }

func (l *logRegression) Init(dev num.Device, inShape []int, prev Layer) error {
	if len(inShape) != 2 {
		return errors.Errorf("logRegression: expect 2 dimensional input, got %v", inShape)
	}
	l.Release()
	l.layerBase = newLayerBase(dev, inShape, inShape)
	l.loss = dev.NewArray(num.Float32, inShape...)
	return nil
}

func (l *logRegression) Fprop(q num.Queue, in num.Array, trainMode bool) num.Array {
	l.src = in
	q.Call(num.Softmax(l.src, l.dst))
	return l.dst
}

// Bprop expects the gradient of the loss with respect to the softmax input
func (l *logRegression) Bprop(q num.Queue, grad num.Array) num.Array {
	q.Call(num.Copy(l.dsrc, grad))
	return l.dsrc
}

func (l *logRegression) Loss(q num.Queue, yOneHot, yPred num.Array) num.Array {
	q.Call(num.SoftmaxLoss(yPred, yOneHot, l.loss))
	return l.loss
}

func (l *logRegression) Release() {
	l.layerBase.Release()
	num.Release(l.loss)
}

type flatten struct {
	src num.Array
}

func (l *flatten) ToString() string { return "flatten" }

func (l *flatten) OutShape(inShape []int) []int {
	return []int{num.Prod(inShape[:len(inShape)-1]), inShape[len(inShape)-1]}
}

func (l *flatten) Init(dev num.Device, inShape []int, prev Layer) error { return nil }

func (l *flatten) Fprop(q num.Queue, in num.Array, trainMode bool) num.Array {
	l.src = in
	dims := in.Dims()
	return in.Reshape(-1, dims[len(dims)-1])
}

func (l *flatten) Bprop(q num.Queue, grad num.Array) num.Array {
	if grad == nil {
		return nil
	}
	return grad.Reshape(l.src.Dims()...)
}

func (l *flatten) Release() {}

// base blas layer type
type layerBase struct {
	src  num.Array
	dst  num.Array
	dsrc num.Array
}

func newLayerBase(dev num.Device, inShape, outShape []int) layerBase {
	return layerBase{
		dst:  dev.NewArray(num.Float32, outShape...),
		dsrc: dev.NewArray(num.Float32, inShape...),
	}
}

func (l layerBase) OutShape(inShape []int) []int { return inShape }

func (l layerBase) Release() {
	if l.dst != nil {
		num.Release(l.dst, l.dsrc)
	}
}

// wrapper for a layer which is implemented by the num package, if it is the first layer in the network then
// the gradient with respect to the input is not calculated.
type layerDNN struct {
	layer num.Layer
	first bool
}

// release any existing kernel and wrap the new one
func (l *layerDNN) replace(layer num.Layer, prev Layer) *layerDNN {
	if l != nil {
		l.layer.Release()
	}
	return &layerDNN{layer: layer, first: prev == nil}
}

func (l *layerDNN) DNNLayer() num.Layer {
	return l.layer
}

func (l *layerDNN) Fprop(q num.Queue, in num.Array, trainMode bool) num.Array {
	l.layer.SetSrc(in)
	q.Call(num.Fprop(l.layer, trainMode))
	return l.layer.Dst()
}

func (l *layerDNN) Bprop(q num.Queue, grad num.Array) num.Array {
	l.layer.SetDiffDst(grad)
	_, stats := l.layer.(num.StatsLayer)
	if !l.first || stats {
		q.Call(num.BpropData(l.layer))
	}
	if l.layer.HasParams() {
		q.Call(
			num.BpropFilter(l.layer),
			num.BpropBias(l.layer),
		)
	}
	if l.first {
		return nil
	}
	return l.layer.DiffSrc()
}

func (l *layerDNN) Release() {
	if l != nil {
		l.layer.Release()
	}
}

// weight and bias parameters, these are allocated once and kept if the layer is reinitialised with a new batch size
type paramBase struct {
	w, b   num.Array
	dw, db num.Array
}

func (p *paramBase) allocParams(dev num.Device, layer num.Layer) {
	if p.w == nil {
		p.w = dev.NewArray(num.Float32, layer.FilterShape()...)
		p.b = dev.NewArray(num.Float32, layer.BiasShape()...)
		p.dw = dev.NewArray(num.Float32, layer.FilterShape()...)
		p.db = dev.NewArray(num.Float32, layer.BiasShape()...)
	}
	layer.SetParams(p.w, p.b, p.dw, p.db)
}

func (p *paramBase) Params() (W, B num.Array) {
	return p.w, p.b
}

func (p *paramBase) ParamGrads() (dW, dB num.Array) {
	return p.dw, p.db
}

// InitParams sets weights and bias from a uniform distribution in range -scale to +scale
func (p *paramBase) InitParams(q num.Queue, scale float32, rng *rand.Rand) {
	q.Call(
		num.Write(p.w, uniform(rng, p.w.Size(), scale)),
		num.Write(p.b, uniform(rng, p.b.Size(), scale)),
	)
}

func (p *paramBase) release() {
	if p.w != nil {
		num.Release(p.w, p.b, p.dw, p.db)
	}
}

func (l *linearDNN) Release() {
	l.layerDNN.Release()
	l.paramBase.release()
}

func (l *convDNN) Release() {
	l.layerDNN.Release()
	l.paramBase.release()
}

func uniform(rng *rand.Rand, n int, scale float32) []float32 {
	data := make([]float32, n)
	for i := range data {
		data[i] = (2*rng.Float32() - 1) * scale
	}
	return data
}

func marshal(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

func unmarshal(data json.RawMessage, v interface{}) error {
	if len(data) == 0 {
		return nil
	}
	return errors.Wrap(json.Unmarshal(data, v), "decode layer config")
}
