package nnet

import (
	"math/rand"

	"github.com/jnb666/celebattr/logger"
	"github.com/jnb666/celebattr/num"
	"github.com/pkg/errors"
)

var vgg16Features = []int{64, 64, 0, 128, 128, 0, 256, 256, 256, 0, 512, 512, 512, 0, 512, 512, 512, 0}

// VGG16BN returns the default config with the layers of the torchvision vgg16_bn model: 13 3x3 convolutions each
// followed by batch normalisation and relu with 5 max pooling layers, adaptive average pooling to 7x7 and
// 3 fully connected layers with the final one having the given number of outputs.
func VGG16BN(classes int) Config {
	conf := DefaultConfig()
	conf.Classes = classes
	for _, nfeat := range vgg16Features {
		if nfeat == 0 {
			conf = conf.AddLayers(MaxPool{Size: 2, Stride: 2})
		} else {
			conf = conf.AddLayers(
				Conv{Nfeats: nfeat, Size: 3, Stride: 1, Pad: 1},
				BatchNorm{},
				Activation{Atype: "relu"},
			)
		}
	}
	return conf.AddLayers(
		AvgPool{Width: 7, Height: 7},
		Flatten{},
		Linear{Nout: 4096},
		Activation{Atype: "relu"},
		Dropout{Ratio: 0.5},
		Linear{Nout: 4096},
		Activation{Atype: "relu"},
		Dropout{Ratio: 0.5},
		Linear{Nout: classes},
		LogRegression{},
	)
}

// ReplaceHead returns a copy of the config where the final linear layer has the given number of outputs.
// The input width of the layer is unchanged as it is set by the preceding layers.
func ReplaceHead(conf Config, classes int) (Config, error) {
	if classes < 1 {
		return conf, errors.Errorf("invalid number of classes: %d", classes)
	}
	layers := append([]LayerConfig{}, conf.Layers...)
	for i := len(layers) - 1; i >= 0; i-- {
		if layers[i].Type == "linear" {
			layers[i] = Linear{Nout: classes}.Marshal()
			conf.Layers = layers
			conf.Classes = classes
			return conf, nil
		}
	}
	return conf, errors.New("network has no linear classification layer")
}

// HeadShape returns the input and output width of the final linear layer
func HeadShape(net *Network) (nIn, nOut int) {
	for i := len(net.Layers) - 1; i >= 0; i-- {
		if l, ok := net.Layers[i].(*linearDNN); ok {
			W, _ := l.Params()
			return W.Dims()[0], W.Dims()[1]
		}
	}
	return 0, 0
}

// Model holds the network together with the optimiser used to train it and the queue it runs on.
type Model struct {
	Net       *Network
	Optimizer *Adam
	Queue     num.Queue
}

// InitializeModel builds the network with its head sized for conf.Classes, initialises the weights,
// loads the pretrained weights from conf.Pretrained if set and binds an Adam optimiser to every parameter.
func InitializeModel(q num.Queue, conf Config, inShape []int) (*Model, error) {
	conf, err := ReplaceHead(conf, conf.Classes)
	if err != nil {
		return nil, err
	}
	net, err := New(q.Dev(), conf, inShape)
	if err != nil {
		return nil, err
	}
	net.InitWeights(q, rand.New(rand.NewSource(conf.RandSeed)))
	if conf.Pretrained != "" {
		if err = LoadPretrained(q, net, conf.Pretrained); err != nil {
			net.Release()
			return nil, err
		}
	} else {
		logger.Warnf("no pretrained weights loaded: %s starts from random initialisation", conf.Experiment)
	}
	nIn, nOut := HeadShape(net)
	logger.Infof("model head: linear %d -> %d", nIn, nOut)
	m := &Model{Net: net, Optimizer: NewAdam(q, net), Queue: q}
	q.Finish()
	return m, nil
}

// Release the network and optimiser buffers
func (m *Model) Release() {
	m.Queue.Finish()
	m.Optimizer.Release()
	m.Net.Release()
}
