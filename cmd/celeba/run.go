package main

import (
	"encoding/json"
	"math/rand"
	"time"

	"github.com/jnb666/celebattr/history"
	"github.com/jnb666/celebattr/logger"
	"github.com/jnb666/celebattr/nnet"
	"github.com/jnb666/celebattr/num"
	"github.com/jnb666/celebattr/web"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// session holds the resources shared by the train and eval commands
type session struct {
	conf     nnet.Config
	queue    num.Queue
	data     map[string]nnet.Data
	rng      *rand.Rand
	log      *logger.RunLog
	monitors []nnet.Monitor
	progress *web.Progress
	server   *web.Server
	db       *history.DB
	recorder *history.Recorder
}

func newSession(conf nnet.Config) (s *session, err error) {
	s = &session{conf: conf, rng: rand.New(rand.NewSource(conf.RandSeed))}
	defer func() {
		if err != nil {
			s.release()
		}
	}()
	dev, err := num.NewDevice(conf.Device, conf.Threads)
	if err != nil {
		return s, err
	}
	s.queue = dev.NewQueue()
	if s.data, err = nnet.LoadData(conf); err != nil {
		return s, err
	}
	if s.log, err = logger.OpenRunLog(conf.Experiment + ".txt"); err != nil {
		return s, err
	}
	if addr := viper.GetString("web"); addr != "" {
		s.progress = web.NewProgress(conf.Experiment, conf.MaxEpoch)
		opts := web.Options{Addr: addr, User: viper.GetString("web-user"), Password: viper.GetString("web-password")}
		if s.server, err = web.Serve(s.progress, conf, opts); err != nil {
			return s, err
		}
		s.monitors = append(s.monitors, s.progress)
	}
	if path := viper.GetString("history"); path != "" {
		if s.db, err = history.Open(path); err != nil {
			return s, err
		}
		js, err := json.Marshal(conf)
		if err != nil {
			return s, errors.Wrap(err, "encode config")
		}
		if s.recorder, err = s.db.NewRecorder(conf.Experiment, string(js)); err != nil {
			return s, err
		}
		s.monitors = append(s.monitors, s.recorder)
	}
	return s, nil
}

func (s *session) release() {
	if s.server != nil {
		if err := s.server.Shutdown(5 * time.Second); err != nil {
			logger.Warnf("web: %v", err)
		}
	}
	if s.db != nil {
		s.db.Close()
	}
	if s.log != nil {
		s.log.Close()
	}
	if s.queue != nil {
		s.queue.Shutdown()
	}
}

func (s *session) dataset(key string, batchSize int, shuffle bool) *nnet.Dataset {
	return nnet.NewDataset(s.queue.Dev(), s.data[key], batchSize, s.conf.MaxSamples, shuffle, s.rng)
}

// evaluate the model on the validation split and record the results
func (s *session) evaluate(m *nnet.Model) error {
	dset := s.dataset("valid", s.conf.TestBatch, false)
	defer dset.Release()
	res, err := nnet.Evaluate(m, dset, s.log)
	if err != nil {
		return err
	}
	if s.progress != nil {
		s.progress.Finish(res.Accuracy, res.F1)
	}
	if s.recorder != nil {
		return s.recorder.Finish(res.Accuracy, res.F1)
	}
	return nil
}

func checkpointFile(conf nnet.Config) string {
	if path := viper.GetString("checkpoint"); path != "" {
		return path
	}
	return conf.Experiment + ".ckpt"
}

// runModel builds the model and evaluates it, training it first if train is set.
// The default vgg16_bn network must be started from pretrained weights, a network from --config need not be.
func runModel(train bool) error {
	conf, err := loadConfig()
	if err != nil {
		return err
	}
	if !train {
		conf.MaxEpoch = 0
	}
	if viper.GetString("config") == "" && conf.Pretrained == "" {
		return errors.New("vgg16_bn is fine tuned from pretrained weights: set --pretrained to the torchvision state dict file")
	}
	s, err := newSession(conf)
	if err != nil {
		return err
	}
	defer s.release()
	m, err := nnet.InitializeModel(s.queue, conf, s.data["train"].Shape())
	if err != nil {
		return err
	}
	defer m.Release()
	logger.Infof("%s", m.Net)
	if train {
		dset := s.dataset("train", conf.TrainBatch, conf.Shuffle)
		defer dset.Release()
		opts := nnet.TrainOptions{
			Log:        s.log,
			Monitors:   s.monitors,
			PlotFile:   conf.Experiment + ".png",
			Checkpoint: checkpointFile(conf),
		}
		res, err := nnet.Train(m, dset, opts)
		if err != nil {
			return errors.Wrap(err, "train")
		}
		logger.Infof("training complete: %s", res)
	}
	return s.evaluate(m)
}

// evalCheckpoint loads a saved model and evaluates it
func evalCheckpoint() error {
	base, err := loadConfig()
	if err != nil {
		return err
	}
	ckpt, err := nnet.LoadCheckpoint(checkpointFile(base))
	if err != nil {
		return err
	}
	conf, err := applyFlags(ckpt.Conf)
	if err != nil {
		return err
	}
	ckpt.Conf = conf
	s, err := newSession(conf)
	if err != nil {
		return err
	}
	defer s.release()
	m, err := ckpt.Model(s.queue)
	if err != nil {
		return err
	}
	defer m.Release()
	logger.Infof("loaded %s: trained for %d epochs, %d steps", ckpt.Experiment, ckpt.Epochs, ckpt.Steps)
	return s.evaluate(m)
}
