package web

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/jnb666/celebattr/logger"
	"github.com/jnb666/celebattr/nnet"
)

// Options for the dashboard server
type Options struct {
	Addr     string
	User     string
	Password string
}

// NewRouter returns the handler for the dashboard pages. If auth is not nil it is applied to every route.
func NewRouter(prog *Progress, conf nnet.Config, auth *AuthMiddleware) (*mux.Router, error) {
	t, err := NewTemplates()
	if err != nil {
		return nil, err
	}
	trainPage := NewTrainPage(t.Clone(), prog)
	configPage := NewConfigPage(t.Clone(), conf)

	r := mux.NewRouter()
	r.Handle("/", http.RedirectHandler("/train/stats", http.StatusFound))
	r.Handle("/train", http.RedirectHandler("/train/stats", http.StatusFound))
	r.HandleFunc("/train/stats", trainPage.Base()).Methods("GET")
	r.HandleFunc("/train/frame", trainPage.Frame()).Methods("GET")
	r.HandleFunc("/stats", trainPage.Stats()).Methods("GET")
	r.HandleFunc("/ws", trainPage.Websocket())
	r.HandleFunc("/config", configPage.Base()).Methods("GET")
	if auth != nil {
		r.Use(auth.Middleware)
	}
	return r, nil
}

// Server runs the dashboard in the background until Shutdown is called
type Server struct {
	srv *http.Server
}

// Serve starts the dashboard server, basic auth is enabled if a password is set.
func Serve(prog *Progress, conf nnet.Config, opts Options) (*Server, error) {
	var auth *AuthMiddleware
	if opts.Password != "" {
		mw := NewAuthMiddleware(opts.User, opts.Password)
		auth = &mw
	}
	r, err := NewRouter(prog, conf, auth)
	if err != nil {
		return nil, err
	}
	s := &Server{srv: &http.Server{Addr: opts.Addr, Handler: r}}
	go func() {
		logger.Infof("serving web page at http://%s", opts.Addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("web: %v", err)
		}
	}()
	return s, nil
}

// Shutdown stops the server, waiting up to timeout for requests to complete
func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.srv.Shutdown(ctx)
}
