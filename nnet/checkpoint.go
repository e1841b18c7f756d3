package nnet

import (
	"bufio"
	"encoding/gob"
	"os"

	"github.com/jnb666/celebattr/logger"
	"github.com/jnb666/celebattr/num"
	"github.com/pkg/errors"
	"github.com/ulikunitz/xz"
)

// Checkpoint is the state of a trained network which is persisted as an xz compressed gob stream.
type Checkpoint struct {
	Experiment string
	Epochs     int
	Steps      int
	Conf       Config
	InShape    []int
	Params     []LayerData
}

// LayerData has the parameters of one layer, Mean and Variance are only set for batch normalisation.
type LayerData struct {
	Layer    int
	Weights  []float32
	Biases   []float32
	Mean     []float32
	Variance []float32
}

// Export copies the current network parameters to a new checkpoint
func Export(q num.Queue, net *Network, epochs, steps int) *Checkpoint {
	c := &Checkpoint{
		Experiment: net.Experiment,
		Epochs:     epochs,
		Steps:      steps,
		Conf:       net.Config,
		InShape:    net.InShape(),
	}
	for i, layer := range net.Layers {
		l, ok := layer.(ParamLayer)
		if !ok {
			continue
		}
		W, B := l.Params()
		d := LayerData{
			Layer:   i,
			Weights: make([]float32, W.Size()),
			Biases:  make([]float32, B.Size()),
		}
		q.Call(num.Read(W, d.Weights), num.Read(B, d.Biases))
		if sl, ok := l.(StatsLayer); ok {
			mean, variance := sl.Stats()
			d.Mean = make([]float32, mean.Size())
			d.Variance = make([]float32, variance.Size())
			q.Call(num.Read(mean, d.Mean), num.Read(variance, d.Variance))
		}
		c.Params = append(c.Params, d)
	}
	q.Finish()
	return c
}

// Import copies the checkpoint parameters to the network, which should have been created with the same config.
func (c *Checkpoint) Import(q num.Queue, net *Network) error {
	nlayers := len(net.Layers)
	for _, p := range c.Params {
		if p.Layer >= nlayers {
			return errors.Errorf("layer %d import error: network has %d layers total", p.Layer, nlayers)
		}
		layer, ok := net.Layers[p.Layer].(ParamLayer)
		if !ok {
			return errors.Errorf("layer %d import error: not a ParamLayer", p.Layer)
		}
		W, B := layer.Params()
		if W.Size() != len(p.Weights) || B.Size() != len(p.Biases) {
			return errors.Errorf("layer %d import error: size mismatch - have %d %d - expect %d %d",
				p.Layer, len(p.Weights), len(p.Biases), W.Size(), B.Size())
		}
		q.Call(num.Write(W, p.Weights), num.Write(B, p.Biases))
		if sl, ok := layer.(StatsLayer); ok {
			mean, variance := sl.Stats()
			if mean.Size() != len(p.Mean) || variance.Size() != len(p.Variance) {
				return errors.Errorf("layer %d import error: missing running statistics", p.Layer)
			}
			q.Call(num.Write(mean, p.Mean), num.Write(variance, p.Variance))
		}
	}
	q.Finish()
	return nil
}

// Model creates a new model from the checkpoint config and loads the saved weights
func (c *Checkpoint) Model(q num.Queue) (*Model, error) {
	conf := c.Conf
	conf.Pretrained = ""
	m, err := InitializeModel(q, conf, c.InShape)
	if err != nil {
		return nil, err
	}
	if err = c.Import(q, m.Net); err != nil {
		m.Release()
		return nil, err
	}
	return m, nil
}

// SaveCheckpoint exports the network parameters and writes them to path
func SaveCheckpoint(q num.Queue, net *Network, path string, epochs, steps int) error {
	return Export(q, net, epochs, steps).Save(path)
}

// Save encodes the checkpoint in gob format with xz compression
func (c *Checkpoint) Save(path string) error {
	logger.Infof("saving checkpoint to %s", path)
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w, err := xz.NewWriter(f)
	if err != nil {
		return errors.Wrap(err, "xz writer")
	}
	if err = gob.NewEncoder(w).Encode(c); err != nil {
		w.Close()
		return errors.Wrap(err, "encode checkpoint")
	}
	if err = w.Close(); err != nil {
		return err
	}
	return f.Close()
}

// LoadCheckpoint reads back a checkpoint written by Save
func LoadCheckpoint(path string) (*Checkpoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	logger.Infof("loading checkpoint from %s", path)
	r, err := xz.NewReader(bufio.NewReader(f))
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	c := new(Checkpoint)
	if err = gob.NewDecoder(r).Decode(c); err != nil {
		return nil, errors.Wrapf(err, "decode %s", path)
	}
	return c, nil
}
