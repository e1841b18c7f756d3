package web

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jnb666/celebattr/logger"
	"github.com/jnb666/celebattr/nnet"
	"github.com/jnb666/celebattr/stats"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	_ "gonum.org/v1/plot/vg/vgsvg"
)

const (
	smoothWindow  = 10
	pixelsPerInch = 96
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

type TrainPage struct {
	*Templates
	prog *Progress
}

// Base data for handler functions to display the training progress
func NewTrainPage(t *Templates, prog *Progress) *TrainPage {
	p := &TrainPage{prog: prog}
	p.Templates = t.Select("/train")
	return p
}

// Handler function for the train template
func (p *TrainPage) Base() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := p.ExecuteTemplate(w, "train", p); err != nil {
			logError(w, err)
		}
	}
}

// Handler function for the stats frame which is reloaded on each update
func (p *TrainPage) Frame() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := p.ExecuteTemplate(w, "stats", p); err != nil {
			logError(w, err)
		}
	}
}

// Handler function to return the current status as JSON
func (p *TrainPage) Stats() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(p.prog.Status()); err != nil {
			logError(w, err)
		}
	}
}

// Handler function for websocket connection, the connection is kept until the client closes it
func (p *TrainPage) Websocket() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warnf("web: websocket upgrade: %v", err)
			return
		}
		p.prog.addConn(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
		p.prog.removeConn(conn)
	}
}

func (p *TrainPage) Heading() template.HTML {
	s := p.prog.Status()
	html := fmt.Sprintf(`%s: epoch <span id="epoch">%d</span> of %d`, template.HTMLEscapeString(s.Experiment),
		s.Epoch, s.MaxEpoch)
	return template.HTML(html)
}

func (p *TrainPage) Status() Status {
	return p.prog.Status()
}

func (p *TrainPage) RunTime() string {
	s := p.prog.Status()
	return fmt.Sprintf("run time: %s", time.Since(s.Started).Round(time.Second))
}

// StepTime formats the time between logged steps
func (p *TrainPage) StepTime() template.HTML {
	avg := p.prog.StepTime()
	if avg.Count == 0 {
		return ""
	}
	return "step time: " + avg.HTML() + "s"
}

// LossPlot draws the logged losses for the current epoch with a smoothed curve
func (p *TrainPage) LossPlot(width, height int) template.HTML {
	s := p.prog.Status()
	steps, losses := p.prog.Losses()
	plt, err := nnet.LossPlot("epoch"+strconv.Itoa(s.Epoch), steps, losses)
	if err != nil {
		logger.Errorf("web: %v", err)
		return ""
	}
	if len(losses) > smoothWindow {
		pts := make(plotter.XYs, len(steps))
		for i, y := range stats.Smooth(losses, smoothWindow) {
			pts[i].X, pts[i].Y = float64(steps[i]), y
		}
		if line, err := plotter.NewLine(pts); err == nil {
			line.Width = vg.Points(2)
			line.Color = plotutil.Color(1)
			plt.Add(line)
			plt.Legend.Add("smoothed", line)
		}
	}
	return writePlot(plt, width, height)
}

// plotSize converts a size in screen pixels to a vg length
func plotSize(w, h int) (width, height vg.Length) {
	return vg.Length(w) * vg.Inch / pixelsPerInch, vg.Length(h) * vg.Inch / pixelsPerInch
}

func writePlot(p *plot.Plot, w, h int) template.HTML {
	var buf bytes.Buffer
	width, height := plotSize(w, h)
	writer, err := p.WriterTo(width, height, "svg")
	if err != nil {
		logger.Errorf("web: error writing plot: %v", err)
		return ""
	}
	writer.WriteTo(&buf)
	return template.HTML(buf.String())
}
