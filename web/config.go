package web

import (
	"fmt"
	"html/template"
	"net/http"

	"github.com/jnb666/celebattr/nnet"
)

// ConfigPage shows the settings and network layers of the current run
type ConfigPage struct {
	*Templates
	Experiment string
	Fields     []Field
	Layers     []Layer
}

type Field struct {
	Name    string
	Value   string
	Boolean bool
	On      bool
}

type Layer struct {
	Index int
	Desc  string
}

// Base data for handler function to view the network config
func NewConfigPage(t *Templates, conf nnet.Config) *ConfigPage {
	p := &ConfigPage{Experiment: conf.Experiment}
	p.Templates = t.Select("/config")
	p.Fields = getFields(conf)
	p.Layers = getLayers(conf)
	return p
}

// Handler function for the config template
func (p *ConfigPage) Base() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := p.ExecuteTemplate(w, "config", p); err != nil {
			logError(w, err)
		}
	}
}

func (p *ConfigPage) Heading() template.HTML {
	return template.HTML("config: " + template.HTMLEscapeString(p.Experiment))
}

func getFields(conf nnet.Config) []Field {
	var flds []Field
	for _, key := range conf.Fields() {
		f := Field{Name: key, Value: fmt.Sprint(conf.Get(key))}
		f.On, f.Boolean = conf.Get(key).(bool)
		flds = append(flds, f)
	}
	return flds
}

func getLayers(conf nnet.Config) []Layer {
	layers := make([]Layer, len(conf.Layers))
	for i, l := range conf.Layers {
		layers[i].Index = i
		layers[i].Desc = l.String()
	}
	return layers
}
