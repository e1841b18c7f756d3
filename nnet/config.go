package nnet

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"

	"github.com/jnb666/celebattr/logger"
	"github.com/pkg/errors"
)

// Training configuration settings
type Config struct {
	Experiment string
	DataDir    string
	Pretrained string
	Target     string
	Covariate  string
	Eta        float64
	Beta1      float64
	Beta2      float64
	Epsilon    float64
	Classes    int
	ImageSize  int
	TrainBatch int
	TestBatch  int
	MaxEpoch   int
	MaxSamples int
	LogEvery   int
	Shuffle    bool
	Distort    bool
	RandSeed   int64
	Threads    int
	Device     string
	DebugLevel int
	Profile    bool
	Layers     []LayerConfig
}

// DefaultConfig has the hyper parameters used to fine tune the attractive classifier
func DefaultConfig() Config {
	return Config{
		Experiment: "vgg16_bn_8",
		DataDir:    "./data",
		Target:     "Attractive",
		Covariate:  "Male",
		Eta:        0.001,
		Beta1:      0.9,
		Beta2:      0.999,
		Epsilon:    1e-8,
		Classes:    2,
		ImageSize:  224,
		TrainBatch: 8,
		TestBatch:  8,
		MaxEpoch:   1,
		LogEvery:   100,
		Shuffle:    true,
		RandSeed:   1,
		Threads:    4,
		Device:     "auto",
	}
}

// Load network and training config from json file, any fields which are not set keep their default values
func LoadConfig(path string) (c Config, err error) {
	c = DefaultConfig()
	var f *os.File
	if f, err = os.Open(path); err != nil {
		return
	}
	defer f.Close()
	logger.Infof("loading network config from %s", path)
	dec := json.NewDecoder(f)
	if err = dec.Decode(&c); err != nil {
		err = errors.Wrapf(err, "decode %s", path)
	}
	return
}

// Append layers to the config struct
func (c Config) AddLayers(layers ...ConfigLayer) Config {
	c.Layers = append(append([]LayerConfig{}, c.Layers...), marshalLayers(layers)...)
	return c
}

func marshalLayers(layers []ConfigLayer) []LayerConfig {
	res := make([]LayerConfig, len(layers))
	for i, l := range layers {
		res[i] = l.Marshal()
	}
	return res
}

// Save config to JSON file, written to a temporary file first so an existing config is never truncated
func (c Config) Save(path string) error {
	tmp := filepath.Join(filepath.Dir(path), "."+filepath.Base(path))
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	logger.Infof("saving network config to %s", path)
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err = enc.Encode(c); err != nil {
		f.Close()
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Field names excluding the layer definitions
func (c Config) Fields() []string {
	st := reflect.TypeOf(c)
	fld := make([]string, st.NumField()-1)
	for i := range fld {
		fld[i] = st.Field(i).Name
	}
	return fld
}

func (c Config) Get(key string) interface{} {
	s := reflect.ValueOf(c)
	return s.FieldByName(key).Interface()
}

func (c Config) configString() string {
	fields := c.Fields()
	str := []string{"== Config =="}
	for _, key := range fields {
		str = append(str, fmt.Sprintf("%-14s: %v", key, c.Get(key)))
	}
	return strings.Join(str, "\n")
}

func (c Config) String() string {
	s := c.configString()
	if c.Layers != nil {
		str := []string{"\n== Network =="}
		for i, layer := range c.Layers {
			str = append(str, fmt.Sprintf("%2d: %s", i, layer))
		}
		s += strings.Join(str, "\n")
	}
	return s
}

// Set field from string value, key is case insensitive
func (c Config) SetString(key, val string) (Config, error) {
	s := reflect.ValueOf(&c).Elem()
	f := s.FieldByNameFunc(func(name string) bool { return strings.EqualFold(name, key) })
	if !f.IsValid() {
		return c, errors.Errorf("invalid config field %q", key)
	}
	var err error
	switch f.Type().Kind() {
	case reflect.Int, reflect.Int64:
		var x int64
		if x, err = strconv.ParseInt(val, 10, 64); err == nil {
			f.SetInt(x)
		}
	case reflect.Float64:
		var x float64
		if x, err = strconv.ParseFloat(val, 64); err == nil {
			f.SetFloat(x)
		}
	case reflect.Bool:
		var x bool
		if x, err = strconv.ParseBool(val); err == nil {
			f.SetBool(x)
		}
	case reflect.String:
		f.SetString(val)
	default:
		return c, errors.Errorf("invalid type for SetString: %v", f.Type().Kind())
	}
	return c, errors.Wrapf(err, "config %s", key)
}

func (c Config) SetBool(key string, val bool) (Config, error) {
	s := reflect.ValueOf(&c).Elem()
	f := s.FieldByName(key)
	if f.IsValid() && f.Type().Kind() == reflect.Bool {
		f.SetBool(val)
		return c, nil
	}
	return c, errors.Errorf("invalid field for SetBool: %s", key)
}
