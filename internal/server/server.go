// Package server is the local ops surface: job inspection and manual
// triggering over JSON, plus the SSE event stream clients subscribe to.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"matchpulse/internal/hub"
	"matchpulse/internal/scheduler"
	logx "matchpulse/pkg/logx"
)

type Config struct {
	Addr        string
	ReadTimeout time.Duration
	IdleTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Addr) == "" {
		c.Addr = "127.0.0.1:8085"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 120 * time.Second
	}
	return c
}

type Server struct {
	log   logx.Logger
	cfg   Config
	sched *scheduler.Service
	reg   *hub.Registry

	srv *http.Server
}

func New(cfg Config, sched *scheduler.Service, reg *hub.Registry, log logx.Logger) *Server {
	s := &Server{log: log, cfg: cfg.withDefaults(), sched: sched, reg: reg}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)

	r.Get("/healthz", s.healthz)
	r.Get("/api/jobs", s.listJobs)
	r.Get("/api/jobs/{name}", s.jobStatus)
	r.Get("/api/jobs/{name}/history", s.jobHistory)
	r.Post("/api/jobs/{name}/run", s.runJob)
	r.Post("/api/jobs/{name}/start", s.startJob)
	r.Post("/api/jobs/{name}/stop", s.stopJob)
	r.Get("/api/events", s.events)

	s.srv = &http.Server{
		Addr:        s.cfg.Addr,
		Handler:     r,
		ReadTimeout: s.cfg.ReadTimeout,
		IdleTimeout: s.cfg.IdleTimeout,
		// WriteTimeout stays 0: the event stream holds writers open for the
		// connection's whole lifetime.
	}
	return s
}

// Start binds and serves until Stop. Returns once the listener is accepting
// or fails to bind.
func (s *Server) Start() error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	select {
	case err := <-errCh:
		return err
	case <-time.After(200 * time.Millisecond):
		s.log.Info("ops server listening", logx.String("addr", s.cfg.Addr))
		return nil
	}
}

func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type jobStateResp struct {
	Name          string      `json:"name"`
	IsRunning     bool        `json:"isRunning"`
	InFlight      bool        `json:"inFlight"`
	NextExecution *time.Time  `json:"nextExecution,omitempty"`
	LastRun       *jobRunResp `json:"lastRun,omitempty"`
}

type jobRunResp struct {
	Started time.Time `json:"started"`
	Ended   time.Time `json:"ended"`
	Outcome string    `json:"outcome"`
	Error   string    `json:"error,omitempty"`
	Cause   string    `json:"cause"`
}

func stateResp(name string, st scheduler.State) jobStateResp {
	resp := jobStateResp{Name: name, IsRunning: st.Started, InFlight: st.InFlight}
	if !st.NextRun.IsZero() {
		next := st.NextRun
		resp.NextExecution = &next
	}
	if st.LastRun != nil {
		resp.LastRun = runResp(*st.LastRun)
	}
	return resp
}

func runResp(run scheduler.JobRun) *jobRunResp {
	return &jobRunResp{
		Started: run.Started,
		Ended:   run.Ended,
		Outcome: string(run.Outcome),
		Error:   run.Error,
		Cause:   string(run.Cause),
	}
}

func (s *Server) listJobs(w http.ResponseWriter, _ *http.Request) {
	names := s.sched.Jobs()
	out := make([]jobStateResp, 0, len(names))
	for _, name := range names {
		st, err := s.sched.Status(name)
		if err != nil {
			continue
		}
		out = append(out, stateResp(name, st))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) jobStatus(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	st, err := s.sched.Status(name)
	if err != nil {
		http.Error(w, "unknown job", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, stateResp(name, st))
}

func (s *Server) jobHistory(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	runs, err := s.sched.History(name)
	if err != nil {
		http.Error(w, "unknown job", http.StatusNotFound)
		return
	}
	out := make([]jobRunResp, 0, len(runs))
	for _, run := range runs {
		out = append(out, *runResp(run))
	}
	writeJSON(w, http.StatusOK, out)
}

// runJob triggers one manual run and blocks until it seals. A run already in
// flight is a conflict, not a queue position.
func (s *Server) runJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	err := s.sched.RunNow(r.Context(), name)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case errors.Is(err, scheduler.ErrUnknownJob):
		http.Error(w, "unknown job", http.StatusNotFound)
	case errors.Is(err, scheduler.ErrAlreadyRunning):
		http.Error(w, "job run already in flight", http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) startJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.sched.StartJob(name); err != nil {
		http.Error(w, "unknown job", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

func (s *Server) stopJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.sched.StopJob(name); err != nil {
		http.Error(w, "unknown job", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

// events is the SSE stream. One request is one registry connection; the
// handler parks until the client goes away or the registry drops the
// connection, then cleans up. Duplicate tabs are separate connections under
// the same subscriber key.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	subscriber := strings.TrimSpace(r.URL.Query().Get("subscriber"))
	if subscriber == "" {
		http.Error(w, "subscriber query parameter is required", http.StatusBadRequest)
		return
	}
	fl, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fl.Flush()

	// The Conn serializes writes; this sink only has to push and flush.
	sink := hub.SinkFunc(func(p []byte) error {
		if _, err := w.Write(p); err != nil {
			return err
		}
		fl.Flush()
		return nil
	})
	conn := s.reg.Add(subscriber, sink)

	select {
	case <-r.Context().Done():
	case <-conn.Done():
	}
	s.reg.Remove(subscriber, conn.ID)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
