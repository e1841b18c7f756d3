package main

import (
	"path/filepath"
	"testing"

	"github.com/jnb666/celebattr/nnet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	conf, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "vgg16_bn_8", conf.Experiment)
	assert.Equal(t, 2, conf.Classes)
	assert.Equal(t, 1, conf.MaxEpoch)
	assert.Equal(t, 8, conf.TrainBatch)
	assert.Equal(t, 0.001, conf.Eta)
	assert.Equal(t, "vgg16_bn_8.ckpt", checkpointFile(conf))

	flags := rootCmd.PersistentFlags()
	require.NoError(t, flags.Set("lr", "0.01"))
	require.NoError(t, flags.Set("batch", "16"))
	require.NoError(t, flags.Set("experiment", "flagtest"))
	require.NoError(t, flags.Set("seed", "7"))
	conf, err = applyFlags(nnet.VGG16BN(2))
	require.NoError(t, err)
	assert.Equal(t, 0.01, conf.Eta)
	assert.Equal(t, 16, conf.TrainBatch)
	assert.Equal(t, 16, conf.TestBatch)
	assert.Equal(t, int64(7), conf.RandSeed)
	assert.Equal(t, "flagtest.ckpt", checkpointFile(conf))

	path := filepath.Join(t.TempDir(), "small.conf")
	small := nnet.DefaultConfig().AddLayers(nnet.Flatten{}, nnet.Linear{Nout: 2}, nnet.LogRegression{})
	require.NoError(t, small.Save(path))
	require.NoError(t, flags.Set("config", path))
	conf, err = loadConfig()
	require.NoError(t, err)
	assert.Len(t, conf.Layers, 3)
	assert.Equal(t, "flagtest", conf.Experiment)
}
