// Package web has a web dashboard which shows the progress of a training run.
package web

import (
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jnb666/celebattr/logger"
	"github.com/jnb666/celebattr/stats"
)

// Status is a snapshot of the training progress
type Status struct {
	Experiment string    `json:"experiment"`
	Epoch      int       `json:"epoch"`
	MaxEpoch   int       `json:"maxEpoch"`
	Step       int       `json:"step"`
	Steps      int       `json:"steps"`
	Loss       float64   `json:"loss"`
	Done       bool      `json:"done"`
	Accuracy   float64   `json:"accuracy,omitempty"`
	F1         float64   `json:"f1,omitempty"`
	Started    time.Time `json:"started"`
}

// Progress records training updates for the dashboard, it implements the nnet.Monitor interface.
// Each update is sent to the connected websocket clients as "epoch:step".
type Progress struct {
	status Status
	steps  []int
	losses []float64
	timing stats.Average
	last   time.Time
	conns  map[*websocket.Conn]bool
	wsLock sync.Mutex
	sync.Mutex
}

func NewProgress(experiment string, maxEpoch int) *Progress {
	return &Progress{
		status: Status{Experiment: experiment, MaxEpoch: maxEpoch, Started: time.Now()},
		conns:  make(map[*websocket.Conn]bool),
	}
}

func (p *Progress) OnStep(epoch, step, steps int, loss float64) {
	p.Lock()
	if epoch != p.status.Epoch {
		p.steps, p.losses = nil, nil
	}
	p.status.Epoch, p.status.Step, p.status.Steps, p.status.Loss = epoch, step, steps, loss
	p.steps = append(p.steps, step)
	p.losses = append(p.losses, loss)
	now := time.Now()
	if !p.last.IsZero() {
		p.timing.Add(now.Sub(p.last).Seconds())
	}
	p.last = now
	p.Unlock()
	p.notify(epoch, step)
}

func (p *Progress) OnEpoch(epoch int, steps []int, losses []float64) {
	p.Lock()
	p.status.Epoch, p.status.Step = epoch, p.status.Steps
	step := p.status.Step
	p.steps = append([]int{}, steps...)
	p.losses = append([]float64{}, losses...)
	p.Unlock()
	p.notify(epoch, step)
}

// Finish marks the run as complete with the evaluation results
func (p *Progress) Finish(accuracy, f1 float64) {
	p.Lock()
	p.status.Done = true
	p.status.Accuracy, p.status.F1 = accuracy, f1
	epoch, step := p.status.Epoch, p.status.Step
	p.Unlock()
	p.notify(epoch, step)
}

// Status returns a copy of the current state
func (p *Progress) Status() Status {
	p.Lock()
	defer p.Unlock()
	return p.status
}

// Losses returns a copy of the logged steps and losses for the current epoch
func (p *Progress) Losses() (steps []int, losses []float64) {
	p.Lock()
	defer p.Unlock()
	return append([]int{}, p.steps...), append([]float64{}, p.losses...)
}

// StepTime returns the mean and standard deviation of the time in seconds between logged steps
func (p *Progress) StepTime() stats.Average {
	p.Lock()
	defer p.Unlock()
	return p.timing
}

func (p *Progress) addConn(c *websocket.Conn) {
	p.wsLock.Lock()
	p.conns[c] = true
	p.wsLock.Unlock()
}

func (p *Progress) removeConn(c *websocket.Conn) {
	p.wsLock.Lock()
	if p.conns[c] {
		delete(p.conns, c)
		c.Close()
	}
	p.wsLock.Unlock()
}

func (p *Progress) clients() int {
	p.wsLock.Lock()
	defer p.wsLock.Unlock()
	return len(p.conns)
}

// notify via websocket
func (p *Progress) notify(epoch, step int) {
	msg := []byte(strconv.Itoa(epoch) + ":" + strconv.Itoa(step))
	p.wsLock.Lock()
	defer p.wsLock.Unlock()
	for c := range p.conns {
		if err := c.WriteMessage(websocket.TextMessage, msg); err != nil {
			logger.Warnf("web: error writing to websocket: %v", err)
			delete(p.conns, c)
			c.Close()
		}
	}
}
