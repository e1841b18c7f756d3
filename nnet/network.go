// Package nnet contains routines for constructing, training and testing neural networks.
package nnet

import (
	"fmt"
	"math"
	"math/rand"
	"strings"

	"github.com/jnb666/celebattr/logger"
	"github.com/jnb666/celebattr/num"
	"github.com/pkg/errors"
)

// Network type represents a multilayer neural network model.
type Network struct {
	Config
	Layers    []Layer
	dev       num.Device
	inShape   []int
	batchSize int
	classes   num.Array
	batchLoss num.Array
	inputGrad num.Array
}

type seeder interface {
	setSeed(seed int64)
}

// New function creates a new network with the given layers. inShape is the shape of one input sample.
// Arrays are allocated for a batch of conf.TrainBatch samples and are reallocated if the batch size changes.
func New(dev num.Device, conf Config, inShape []int) (*Network, error) {
	if len(conf.Layers) == 0 {
		return nil, errors.New("network config has no layers")
	}
	n := &Network{Config: conf, dev: dev, inShape: append([]int{}, inShape...)}
	for i, l := range conf.Layers {
		layer, err := l.Unmarshal()
		if err != nil {
			return nil, errors.Wrapf(err, "layer %d", i)
		}
		if s, ok := layer.(seeder); ok {
			s.setSeed(conf.RandSeed*1000 + int64(i))
		}
		n.Layers = append(n.Layers, layer)
	}
	if _, ok := n.Layers[len(n.Layers)-1].(OutputLayer); !ok {
		return nil, errors.New("last layer of network must be an output layer")
	}
	batch := conf.TrainBatch
	if batch < 1 {
		batch = 1
	}
	if err := n.Resize(batch); err != nil {
		return nil, err
	}
	if conf.DebugLevel >= 1 {
		logger.Debugf("network:\n%s", n)
	}
	return n, nil
}

// Resize rebuilds the layer kernels for a new batch size, parameter values are kept.
func (n *Network) Resize(batchSize int) error {
	if batchSize == n.batchSize {
		return nil
	}
	shape := append(append([]int{}, n.inShape...), batchSize)
	var prev Layer
	for i, layer := range n.Layers {
		if err := layer.Init(n.dev, shape, prev); err != nil {
			return errors.Wrapf(err, "layer %d", i)
		}
		shape = layer.OutShape(shape)
		prev = layer
	}
	if len(shape) != 2 || shape[0] != n.Classes {
		return errors.Errorf("network output shape %v does not match %d classes", shape, n.Classes)
	}
	num.Release(n.classes, n.batchLoss, n.inputGrad)
	n.classes = n.dev.NewArray(num.Int32, batchSize)
	n.batchLoss = n.dev.NewArray(num.Float32)
	n.inputGrad = n.dev.NewArray(num.Float32, n.Classes, batchSize)
	n.batchSize = batchSize
	return nil
}

// BatchSize that the layer kernels are currently allocated for
func (n *Network) BatchSize() int {
	return n.batchSize
}

// InShape returns the shape of one input sample
func (n *Network) InShape() []int {
	return n.inShape
}

// Initialise network weights using a uniform distribution, weights for each layer are scaled by 1/sqrt(nin)
func (n *Network) InitWeights(q num.Queue, rng *rand.Rand) {
	for _, l := range n.ParamLayers() {
		W, _ := l.Params()
		dims := W.Dims()
		nin := num.Prod(dims[:len(dims)-1])
		l.InitParams(q, float32(1/math.Sqrt(float64(nin))), rng)
	}
	if n.DebugLevel >= 2 {
		n.PrintWeights(q)
	}
}

// ParamLayers returns the layers which have weights in network order
func (n *Network) ParamLayers() []ParamLayer {
	var res []ParamLayer
	for _, layer := range n.Layers {
		if l, ok := layer.(ParamLayer); ok {
			res = append(res, l)
		}
	}
	return res
}

// Accessor for output layer
func (n *Network) OutLayer() OutputLayer {
	return n.Layers[len(n.Layers)-1].(OutputLayer)
}

// Feed forward the input to get the predicted output. If trainMode is false then the batch norm layers
// use their running statistics and dropout is disabled.
func (n *Network) Fprop(q num.Queue, input num.Array, trainMode bool) (num.Array, error) {
	dims := input.Dims()
	if err := n.Resize(dims[len(dims)-1]); err != nil {
		return nil, err
	}
	pred := input
	for i, layer := range n.Layers {
		if n.DebugLevel >= 3 {
			logger.Debugf("layer %d input\n%s", i, pred.String(q))
		}
		pred = layer.Fprop(q, pred, trainMode)
	}
	return pred, nil
}

// Loss queues calculation of the mean cross entropy loss over the batch, which is read into loss[0], and the
// gradient of the mean loss with respect to the input of the softmax output layer which is returned.
func (n *Network) Loss(q num.Queue, yOneHot, yPred num.Array, loss []float32) num.Array {
	scale := 1 / float32(n.batchSize)
	q.Call(
		num.Sum(n.OutLayer().Loss(q, yOneHot, yPred), n.batchLoss, scale),
		num.Read(n.batchLoss, loss),
		num.Copy(n.inputGrad, yPred),
		num.Axpy(-1, yOneHot, n.inputGrad),
		num.Scale(scale, n.inputGrad),
	)
	return n.inputGrad
}

// Back propagate the gradient at the output through each layer, parameter gradients are accumulated
func (n *Network) Bprop(q num.Queue, grad num.Array) {
	for i := len(n.Layers) - 1; i >= 0 && grad != nil; i-- {
		grad = n.Layers[i].Bprop(q, grad)
		if n.DebugLevel >= 3 && grad != nil {
			logger.Debugf("layer %d bprop output:\n%s", i, grad.String(q))
		}
	}
}

// Predict output classes given input data, network is run in inference mode
func (n *Network) Predict(q num.Queue, input num.Array) (yPred, classes num.Array, err error) {
	if yPred, err = n.Fprop(q, input, false); err != nil {
		return
	}
	if n.DebugLevel >= 2 {
		logger.Debugf("yPred\n%s", yPred.String(q))
	}
	q.Call(num.Unhot(yPred, n.classes))
	return yPred, n.classes, nil
}

// Print network description
func (n *Network) String() string {
	s := make([]string, len(n.Layers))
	shape := append(append([]int{}, n.inShape...), n.batchSize)
	for i, layer := range n.Layers {
		s[i] = fmt.Sprintf("%2d: %-45s %v", i, layer.ToString(), shape)
		shape = layer.OutShape(shape)
	}
	return fmt.Sprintf("%s\n== Layers ==\n%s", n.Config.configString(), strings.Join(s, "\n"))
}

// Print network weights at debug level
func (n *Network) PrintWeights(q num.Queue) {
	for i, l := range n.ParamLayers() {
		W, B := l.Params()
		logger.Debugf("== Layer %d weights ==\n%s %s", i, W.String(q), B.String(q))
	}
}

// Release all allocated arrays
func (n *Network) Release() {
	for _, layer := range n.Layers {
		layer.Release()
	}
	num.Release(n.classes, n.batchLoss, n.inputGrad)
}
