package nnet

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.conf")
	conf := testConfig(Conv{Nfeats: 4, Size: 3, Pad: 1}, BatchNorm{}, Activation{Atype: "relu"},
		MaxPool{Size: 2}, AvgPool{Width: 1, Height: 1}, Flatten{}, Linear{Nout: 2}, Dropout{Ratio: 0.5}, LogRegression{})
	conf.Experiment = "saved"
	conf.Eta = 0.01
	require.NoError(t, conf.Save(path))
	_, err := os.Stat(filepath.Join(filepath.Dir(path), ".test.conf"))
	assert.True(t, os.IsNotExist(err), "temp file removed")

	c, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, conf.String(), c.String())
	assert.Equal(t, "saved", c.Experiment)
	require.Len(t, c.Layers, 9)
	assert.Equal(t, "conv {Nfeats:4 Size:3 Stride:1 Pad:1}", c.Layers[0].String())
	assert.Equal(t, "batchNorm {Epsilon:1e-05 Momentum:0.1}", c.Layers[1].String())
	assert.Equal(t, "maxPool {Size:2 Stride:2}", c.Layers[3].String())
	assert.Equal(t, "logRegression", c.Layers[8].String())
}

func TestLoadConfigDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partial.conf")
	require.NoError(t, os.WriteFile(path, []byte(`{"Experiment": "small", "TrainBatch": 16}`), 0644))
	c, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "small", c.Experiment)
	assert.Equal(t, 16, c.TrainBatch)
	assert.Equal(t, 0.001, c.Eta)
	assert.Equal(t, "Attractive", c.Target)

	require.NoError(t, os.WriteFile(path, []byte(`{"Experiment": `), 0644))
	_, err = LoadConfig(path)
	assert.Error(t, err)
	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.conf"))
	assert.Error(t, err)
}

func TestSetString(t *testing.T) {
	conf := DefaultConfig()
	var err error
	for _, kv := range [][2]string{
		{"eta", "0.0005"}, {"MAXEPOCH", "3"}, {"randSeed", "99"}, {"shuffle", "false"}, {"experiment", "run2"},
	} {
		conf, err = conf.SetString(kv[0], kv[1])
		require.NoError(t, err, kv[0])
	}
	assert.Equal(t, 0.0005, conf.Eta)
	assert.Equal(t, 3, conf.MaxEpoch)
	assert.Equal(t, int64(99), conf.RandSeed)
	assert.False(t, conf.Shuffle)
	assert.Equal(t, "run2", conf.Experiment)

	_, err = conf.SetString("nosuchfield", "1")
	assert.Error(t, err)
	_, err = conf.SetString("TrainBatch", "eight")
	assert.Error(t, err)
	_, err = conf.SetString("Layers", "x")
	assert.Error(t, err)

	conf, err = conf.SetBool("Distort", true)
	require.NoError(t, err)
	assert.True(t, conf.Distort)
	_, err = conf.SetBool("Eta", true)
	assert.Error(t, err)
}

func TestConfigFields(t *testing.T) {
	conf := DefaultConfig()
	fields := conf.Fields()
	assert.Contains(t, fields, "Experiment")
	assert.NotContains(t, fields, "Layers")
	assert.Equal(t, 224, conf.Get("ImageSize"))
}

func TestLayerConfigErrors(t *testing.T) {
	for _, l := range []LayerConfig{
		{Type: "unknown"},
		Conv{Nfeats: 0, Size: 3}.Marshal(),
		MaxPool{}.Marshal(),
		AvgPool{Width: 0, Height: 7}.Marshal(),
		Linear{}.Marshal(),
		Activation{Atype: "sigmoid"}.Marshal(),
		Dropout{Ratio: 1}.Marshal(),
		{Type: "linear", Data: []byte(`{"Nout": "x"}`)},
	} {
		_, err := l.Unmarshal()
		assert.Error(t, err, "%+v", l)
	}
}

func TestBatchNormDefaults(t *testing.T) {
	for _, lc := range []LayerConfig{
		{Type: "batchNorm"},
		{Type: "batchNorm", Data: []byte(`{}`)},
		BatchNorm{}.Marshal(),
	} {
		layer, err := lc.Unmarshal()
		require.NoError(t, err)
		bn, ok := layer.(*batchNormDNN)
		require.True(t, ok, "%T", layer)
		assert.Equal(t, 1e-5, bn.Epsilon)
		assert.Equal(t, 0.1, bn.Momentum)
	}
	layer, err := LayerConfig{Type: "batchNorm", Data: []byte(`{"Epsilon":0.001,"Momentum":0.5}`)}.Unmarshal()
	require.NoError(t, err)
	assert.Equal(t, 0.001, layer.(*batchNormDNN).Epsilon)
	assert.Equal(t, 0.5, layer.(*batchNormDNN).Momentum)
}
