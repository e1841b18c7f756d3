package nnet

import (
	"strings"

	"github.com/jnb666/celebattr/logger"
	"github.com/jnb666/celebattr/num"
	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"
	"github.com/pkg/errors"
)

// StateEntry is one named tensor from a saved pytorch state dict
type StateEntry struct {
	Name  string
	Shape []int
	Data  []float32
}

// LoadPretrained reads a pytorch state dict file and copies the weights into the network
func LoadPretrained(q num.Queue, net *Network, path string) error {
	logger.Infof("loading pretrained weights from %s", path)
	res, err := pytorch.Load(path)
	if err != nil {
		return errors.Wrapf(err, "load %s", path)
	}
	entries, err := StateDict(res)
	if err != nil {
		return errors.Wrap(err, path)
	}
	return LoadStateDict(q, net, entries)
}

// StateDict converts the unpickled ordered dict to a list of float tensors, num_batches_tracked entries are skipped.
func StateDict(v interface{}) ([]StateEntry, error) {
	dict, ok := v.(*types.OrderedDict)
	if !ok {
		return nil, errors.Errorf("expecting state dict, got %T", v)
	}
	var res []StateEntry
	for e := dict.List.Front(); e != nil; e = e.Next() {
		entry := e.Value.(*types.OrderedDictEntry)
		name, ok := entry.Key.(string)
		if !ok {
			return nil, errors.Errorf("invalid state dict key %v", entry.Key)
		}
		if strings.HasSuffix(name, "num_batches_tracked") {
			continue
		}
		t, ok := entry.Value.(*pytorch.Tensor)
		if !ok {
			return nil, errors.Errorf("%s: expecting tensor, got %T", name, entry.Value)
		}
		data, err := tensorData(t)
		if err != nil {
			return nil, errors.Wrap(err, name)
		}
		res = append(res, StateEntry{Name: name, Shape: t.Size, Data: data})
	}
	return res, nil
}

func tensorData(t *pytorch.Tensor) ([]float32, error) {
	st, ok := t.Source.(*pytorch.FloatStorage)
	if !ok {
		return nil, errors.Errorf("unsupported storage type %T", t.Source)
	}
	size := 1
	for i := len(t.Size) - 1; i >= 0; i-- {
		if i < len(t.Stride) && t.Size[i] > 1 && t.Stride[i] != size {
			return nil, errors.Errorf("tensor with size %v stride %v is not contiguous", t.Size, t.Stride)
		}
		size *= t.Size[i]
	}
	if t.StorageOffset+size > len(st.Data) {
		return nil, errors.Errorf("tensor size %v exceeds storage", t.Size)
	}
	return st.Data[t.StorageOffset : t.StorageOffset+size], nil
}

// LoadStateDict copies the tensors to the network parameters in order. Each conv and linear layer uses the
// weight and bias, each batch norm layer the weight, bias, running mean and running variance. Tensor shapes are
// row major so they should equal the reversed shape of the parameter array. If the final layer does not match
// then it is left with its initial weights so that the head can be replaced.
func LoadStateDict(q num.Queue, net *Network, entries []StateEntry) error {
	layers := net.ParamLayers()
	pos := 0
	for i, l := range layers {
		arrays := paramArrays(l)
		for _, arr := range arrays {
			if pos >= len(entries) {
				return errors.Errorf("state dict has %d tensors: network needs more", len(entries))
			}
			e := entries[pos]
			pos++
			if !num.SameShape(reverse(e.Shape), arr.Dims()) {
				if i == len(layers)-1 {
					logger.Infof("skip %s: shape %v does not match head %v", e.Name, e.Shape, reverse(arr.Dims()))
					continue
				}
				return errors.Errorf("%s: shape %v does not match layer %s %v", e.Name, e.Shape,
					l.ToString(), reverse(arr.Dims()))
			}
			logger.Debugf("load %-30s %v", e.Name, e.Shape)
			q.Call(num.Write(arr, e.Data))
		}
	}
	if pos != len(entries) {
		return errors.Errorf("state dict has %d tensors: network only uses %d", len(entries), pos)
	}
	q.Finish()
	return nil
}

func paramArrays(l ParamLayer) []num.Array {
	W, B := l.Params()
	res := []num.Array{W, B}
	if sl, ok := l.(StatsLayer); ok {
		mean, variance := sl.Stats()
		res = append(res, mean, variance)
	}
	return res
}

func reverse(dims []int) []int {
	res := make([]int, len(dims))
	for i, d := range dims {
		res[len(dims)-1-i] = d
	}
	return res
}
