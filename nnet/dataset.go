package nnet

import (
	"math/rand"
	"strconv"
	"sync"

	"github.com/jnb666/celebattr/celeba"
	"github.com/jnb666/celebattr/logger"
	"github.com/jnb666/celebattr/num"
	"github.com/pkg/errors"
)

var DataTypes = []string{"train", "valid", "test"}

// Data interface type represents the raw data for a training or test set
type Data interface {
	Len() int
	Classes() []string
	Shape() []int
	Label(index []int, label []int32)
	Covariate(index []int, cov []int32)
	Input(index []int, buf []float32) error
}

// Batch holds the input images, target class, one hot target and covariate for one batch of samples.
type Batch struct {
	X, Y, Y1H, Cov num.Array
	Size           int
}

func newBatch(dev num.Device, shape []int, classes, size int) *Batch {
	return &Batch{
		X:    dev.NewArray(num.Float32, append(append([]int{}, shape...), size)...),
		Y:    dev.NewArray(num.Int32, size),
		Y1H:  dev.NewArray(num.Float32, classes, size),
		Cov:  dev.NewArray(num.Int32, size),
		Size: size,
	}
}

func (b *Batch) release() {
	if b != nil {
		num.Release(b.X, b.Y, b.Y1H, b.Cov)
	}
}

// Dataset type encapsulates a set of training, test or validation data. The next batch is loaded
// in the background while the current one is processed.
type Dataset struct {
	Data
	Samples   int
	BatchSize int
	Batches   int
	shuffle   bool
	queue     num.Queue
	xBuffer   []float32
	yBuffer   []int32
	cBuffer   []int32
	full      [2]*Batch
	tail      *Batch
	next      *Batch
	err       error
	indexes   []int
	buf       int
	epoch     int
	batch     int
	rng       *rand.Rand
	sync.WaitGroup
}

// Create a new Dataset struct, allocate array buffers and set the batch size and maxSamples.
// If shuffle is set then the order is randomised at the start of each epoch.
func NewDataset(dev num.Device, data Data, batchSize, maxSamples int, shuffle bool, rng *rand.Rand) *Dataset {
	d := &Dataset{Data: data, Samples: data.Len(), shuffle: shuffle, rng: rng}
	if maxSamples > 0 && d.Samples > maxSamples {
		d.Samples = maxSamples
	}
	if batchSize <= 0 || batchSize > d.Samples {
		d.BatchSize = d.Samples
	} else {
		d.BatchSize = batchSize
	}
	if d.BatchSize > 0 {
		d.Batches = (d.Samples + d.BatchSize - 1) / d.BatchSize
	}
	classes := len(data.Classes())
	d.xBuffer = make([]float32, num.Prod(data.Shape())*d.BatchSize)
	d.yBuffer = make([]int32, d.BatchSize)
	d.cBuffer = make([]int32, d.BatchSize)
	for i := range d.full {
		d.full[i] = newBatch(dev, data.Shape(), classes, d.BatchSize)
	}
	if rem := d.Samples % max(d.BatchSize, 1); rem != 0 {
		d.tail = newBatch(dev, data.Shape(), classes, rem)
	}
	d.indexes = make([]int, d.Samples)
	for i := range d.indexes {
		d.indexes[i] = i
	}
	d.queue = dev.NewQueue()
	return d
}

// release allocated buffers
func (d *Dataset) Release() {
	d.Wait()
	for _, b := range d.full {
		b.release()
	}
	d.tail.release()
}

// kick of load of next batch of data in background
func (d *Dataset) loadBatch() {
	start := d.batch * d.BatchSize
	end := min(start+d.BatchSize, d.Samples)
	b := d.full[d.buf]
	if end-start < d.BatchSize {
		b = d.tail
	}
	index := d.indexes[start:end]
	d.Add(1)
	go func() {
		defer d.Done()
		n := len(index)
		if err := d.Input(index, d.xBuffer); err != nil {
			d.err = errors.Wrapf(err, "load batch at sample %d", start)
			return
		}
		d.Label(index, d.yBuffer)
		d.Covariate(index, d.cBuffer)
		d.queue.Call(
			num.Write(b.X, d.xBuffer[:b.X.Size()]),
			num.Write(b.Y, d.yBuffer[:n]),
			num.Write(b.Cov, d.cBuffer[:n]),
			num.Onehot(b.Y, b.Y1H, len(d.Classes())),
		)
		d.queue.Finish()
		d.next = b
	}()
}

// Get next batch of data, the following batch in the epoch is prefetched
func (d *Dataset) NextBatch() (*Batch, error) {
	d.Wait()
	b, err := d.next, d.err
	d.next, d.err = nil, nil
	if err == nil && b == nil {
		err = errors.New("NextBatch called before NextEpoch")
	}
	d.batch = (d.batch + 1) % max(d.Batches, 1)
	d.buf = (d.buf + 1) % 2
	if d.batch != 0 {
		d.loadBatch()
	}
	return b, err
}

// Called at start of each epoch, reshuffles the data if enabled
func (d *Dataset) NextEpoch() {
	d.Wait()
	d.epoch++
	d.batch = 0
	d.next, d.err = nil, nil
	if d.shuffle {
		d.Shuffle()
	}
	if d.Batches > 0 {
		d.loadBatch()
	}
}

// Epoch number, starting from 1 after the first call to NextEpoch
func (d *Dataset) Epoch() int {
	return d.epoch
}

// Shuffle the data set, if Samples is less than the total number of images a new random subset is selected
func (d *Dataset) Shuffle() {
	d.indexes = d.rng.Perm(d.Len())[:d.Samples]
}

// LoadData reads the CelebA annotations under conf.DataDir and returns the train, valid and test splits.
func LoadData(conf Config) (map[string]Data, error) {
	opts := celeba.DefaultOptions()
	opts.ImageSize = conf.ImageSize
	opts.Distort = conf.Distort
	opts.Seed = conf.RandSeed
	if conf.Threads > 0 {
		opts.Threads = conf.Threads
	}
	if conf.Target != "" {
		opts.Target = conf.Target
	}
	if conf.Covariate != "" {
		opts.Covariate = conf.Covariate
	}
	splits, err := celeba.LoadAllWith(conf.DataDir, opts)
	if err != nil {
		return nil, err
	}
	d := make(map[string]Data)
	for _, key := range DataTypes {
		logger.Infof("%s data: %d images %v", key, splits[key].Len(), splits[key].Shape())
		d[key] = splits[key]
	}
	return d, nil
}

type data struct {
	Class      []string
	Dims       []int
	Labels     []int32
	Covariates []int32
	Inputs     []float32
}

// NewData function creates a new in memory data set which implements the Data interface.
// If covariates is nil then every sample has covariate 0.
func NewData(nclasses int, shape []int, labels, covariates []int32, inputs []float32) Data {
	classes := make([]string, nclasses)
	for i := range classes {
		classes[i] = strconv.Itoa(i)
	}
	if covariates == nil {
		covariates = make([]int32, len(labels))
	}
	return data{Class: classes, Dims: shape, Labels: labels, Covariates: covariates, Inputs: inputs}
}

func (d data) Len() int { return len(d.Labels) }

func (d data) Classes() []string { return d.Class }

func (d data) Shape() []int { return d.Dims }

func (d data) Label(index []int, label []int32) {
	for i, ix := range index {
		label[i] = d.Labels[ix]
	}
}

func (d data) Covariate(index []int, cov []int32) {
	for i, ix := range index {
		cov[i] = d.Covariates[ix]
	}
}

func (d data) Input(index []int, buf []float32) error {
	nfeat := num.Prod(d.Dims)
	if len(buf) < len(index)*nfeat {
		return errors.Errorf("input buffer too small: %d < %d", len(buf), len(index)*nfeat)
	}
	for i, ix := range index {
		copy(buf[i*nfeat:], d.Inputs[ix*nfeat:(ix+1)*nfeat])
	}
	return nil
}
