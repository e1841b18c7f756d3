package num

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Device interface type
type Device interface {
	// Setup new worker queue
	NewQueue() Queue
	// Allocate new n dimensional array
	NewArray(dtype DataType, dims ...int) Array
	NewArrayLike(a Array) Array
	// Number of worker threads used by the layer kernels
	Threads() int
	// Create new layers
	LinearLayer(nBatch, nIn, nOut int) Layer
	ConvLayer(nBatch, depth, h, w, nFeats, size, stride, pad int) Layer
	MaxPoolLayer(inShape []int, size, stride int) Layer
	AvgPoolLayer(inShape []int, width, height int) Layer
	BatchNormLayer(inShape []int, eps, momentum float32) Layer
	DropoutLayer(inShape []int, ratio float32, seed int64) Layer
	ReluLayer(inShape []int) Layer
}

// Initialise new device. Kind is one of auto or cpu, auto picks the fastest backend available.
func NewDevice(kind string, threads int) (Device, error) {
	switch strings.ToLower(kind) {
	case "", "auto", "cpu":
		return NewCPUDevice(threads), nil
	default:
		return nil, errors.Errorf("device type %q not supported", kind)
	}
}

// NewCPUDevice returns a device which executes functions in main memory using gonum blas routines.
func NewCPUDevice(threads int) Device {
	if threads < 1 {
		threads = 1
	}
	return cpuDevice{threads: threads}
}

// A Queue processes a series of operations on a Device
type Queue interface {
	Device
	Dev() Device
	// Asyncronous function call
	Call(args ...Function) Queue
	// Wait for any pending requests to complete
	Finish()
	// Shutdown the queue and release any resources
	Shutdown()
	// Enable profiling
	Profiling(on bool)
	PrintProfile(w io.Writer)
}

const queueSize = 256

type cpuDevice struct {
	threads int
}

func (d cpuDevice) Threads() int { return d.threads }

type cpuQueue struct {
	cpuDevice
	buffer []Function
	*profile
}

func (d cpuDevice) NewQueue() Queue {
	return &cpuQueue{
		cpuDevice: d,
		buffer:    make([]Function, 0, queueSize),
		profile:   newProfile(),
	}
}

func (q *cpuQueue) Dev() Device { return q.cpuDevice }

func (q *cpuQueue) exec() {
	for _, f := range q.buffer {
		if q.profile.enabled {
			start := time.Now()
			f.fn()
			q.profile.add(f.name, time.Since(start))
		} else {
			f.fn()
		}
	}
	q.buffer = q.buffer[:0]
}

func (q *cpuQueue) Call(args ...Function) Queue {
	for _, arg := range args {
		if len(q.buffer) >= queueSize {
			q.exec()
		}
		q.buffer = append(q.buffer, arg)
	}
	return q
}

func (q *cpuQueue) Finish() {
	if len(q.buffer) > 0 {
		q.exec()
	}
}

func (q *cpuQueue) Shutdown() {
	q.Finish()
}

// profiling functions
type profile struct {
	prof    map[string]profileRec
	enabled bool
}

type profileRec struct {
	name  string
	calls int64
	msec  float64
}

func newProfile() *profile {
	return &profile{prof: make(map[string]profileRec)}
}

func (p *profile) Profiling(on bool) {
	p.enabled = on
}

func (p *profile) add(name string, elapsed time.Duration) {
	r := p.prof[name]
	r.name = name
	r.calls++
	r.msec += elapsed.Seconds() * 1000
	p.prof[name] = r
}

func (p *profile) PrintProfile(w io.Writer) {
	fmt.Fprintln(w, "== Profile ==")
	list := make([]profileRec, 0, len(p.prof))
	for _, v := range p.prof {
		list = append(list, v)
	}
	sort.Slice(list, func(i, j int) bool { return list[j].msec < list[i].msec })
	totalCalls := int64(0)
	totalMsec := 0.0
	for _, r := range list {
		fmt.Fprintf(w, "%-25s %8d calls %10.1f msec\n", r.name, r.calls, r.msec)
		totalCalls += r.calls
		totalMsec += r.msec
	}
	fmt.Fprintf(w, "%-25s %8d calls %10.1f msec\n", "TOTAL", totalCalls, totalMsec)
}
