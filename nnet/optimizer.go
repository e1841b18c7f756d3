package nnet

import (
	"github.com/jnb666/celebattr/num"
)

// Adam optimiser bound to every weight and bias array in the network
type Adam struct {
	LearningRate float32
	Beta1, Beta2 float32
	Epsilon      float32
	Steps        int
	params       []adamParam
}

type adamParam struct {
	w, dw, m, v num.Array
}

// NewAdam creates an optimiser for all of the network parameters. No layers are frozen.
func NewAdam(q num.Queue, net *Network) *Adam {
	o := &Adam{
		LearningRate: float32(net.Eta),
		Beta1:        float32(net.Beta1),
		Beta2:        float32(net.Beta2),
		Epsilon:      float32(net.Epsilon),
	}
	for _, l := range net.ParamLayers() {
		W, B := l.Params()
		dW, dB := l.ParamGrads()
		o.add(q, W, dW)
		o.add(q, B, dB)
	}
	return o
}

func (o *Adam) add(q num.Queue, w, dw num.Array) {
	p := adamParam{w: w, dw: dw, m: q.NewArrayLike(w), v: q.NewArrayLike(w)}
	q.Call(num.Fill(p.m, 0), num.Fill(p.v, 0))
	o.params = append(o.params, p)
}

// Number of parameter arrays being optimised
func (o *Adam) Len() int {
	return len(o.params)
}

// Clear the accumulated gradients
func (o *Adam) ZeroGrad(q num.Queue) {
	for _, p := range o.params {
		q.Call(num.Fill(p.dw, 0))
	}
}

// Update each parameter from its gradient and moment estimates
func (o *Adam) Step(q num.Queue) {
	o.Steps++
	for _, p := range o.params {
		q.Call(num.Adam(p.w, p.dw, p.m, p.v, o.LearningRate, o.Beta1, o.Beta2, o.Epsilon, o.Steps))
	}
}

// Release the moment arrays
func (o *Adam) Release() {
	for _, p := range o.params {
		num.Release(p.m, p.v)
	}
	o.params = nil
}
