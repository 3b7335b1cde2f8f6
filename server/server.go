// Package server exposes the runner over HTTP. Runs can be executed
// synchronously, started in the background, or streamed over a websocket.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/songzhibin97/promptflow/runner"
	"github.com/songzhibin97/promptflow/storage"
	"github.com/songzhibin97/promptflow/telemetry"
	"github.com/songzhibin97/promptflow/types"
)

const maxBodySize = 4 << 20

// Server is the HTTP front of a Runner.
type Server struct {
	runner   *runner.Runner
	gatherer prometheus.Gatherer
	upgrader websocket.Upgrader
	logger   *slog.Logger
	mux      *http.ServeMux
}

// New creates a Server. gatherer backs /metrics and may be nil.
func New(r *runner.Runner, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		runner:   r,
		gatherer: gatherer,
		logger:   logger,
		mux:      http.NewServeMux(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	s.mux.HandleFunc("POST /templates", s.handleRegisterTemplate)
	s.mux.HandleFunc("GET /templates", s.handleListTemplates)
	s.mux.HandleFunc("GET /templates/{id}", s.handleGetTemplate)
	s.mux.HandleFunc("POST /runs", s.handleRun)
	s.mux.HandleFunc("GET /runs", s.handleListRuns)
	s.mux.HandleFunc("GET /runs/stream", s.handleStream)
	s.mux.HandleFunc("GET /runs/{id}", s.handleGetRun)
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler { return s.logRequests(s.mux) }

// ListenAndServe serves on addr until ctx is canceled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type registerResponse struct {
	ID       string   `json:"id"`
	Warnings []string `json:"warnings,omitempty"`
}

// handleRegisterTemplate accepts a template as JSON or YAML.
func (s *Server) handleRegisterTemplate(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	tmpl, err := types.DecodeTemplate(data)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	warnings, err := s.runner.RegisterTemplate(r.Context(), tmpl)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, registerResponse{ID: tmpl.ID, Warnings: warnings})
}

type templateSummary struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Nodes int    `json:"nodes"`
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	tmpls, err := s.runner.ListTemplates(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	out := make([]templateSummary, 0, len(tmpls))
	for _, t := range tmpls {
		out = append(out, templateSummary{ID: t.ID, Name: t.Name, Nodes: len(t.Nodes)})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	tmpl, err := s.runner.GetTemplate(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, tmpl)
}

// handleRun executes a run and returns its record. With ?async=true the run
// is started in the background and only its id is returned.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req runner.RunRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		run, err := s.runner.Start(context.WithoutCancel(r.Context()), req)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]uint64{"id": run.ID})
		return
	}

	rec, err := s.runner.Execute(r.Context(), req)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleListRuns lists the newest runs, optionally of one ?template= and at
// most ?limit= of them.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a non-negative integer"))
			return
		}
		limit = n
	}
	runs, err := s.runner.ListRuns(r.Context(), q.Get("template"), limit)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("run id must be a positive integer"))
		return
	}
	rec, err := s.runner.GetRun(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// streamEnd is the last frame of a streamed run.
type streamEnd struct {
	RunID uint64 `json:"run_id"`
	State string `json:"state"`
	Error string `json:"error,omitempty"`
}

// handleStream upgrades to a websocket. The client sends one RunRequest; the
// server answers with every progress event of the run followed by a
// streamEnd frame, then closes. Closing the socket cancels the run.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		telemetry.FromContext(r.Context()).Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	var req runner.RunRequest
	if err := conn.ReadJSON(&req); err != nil {
		s.closeWith(conn, websocket.CloseUnsupportedData, "invalid run request")
		return
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	run, err := s.runner.Start(ctx, req)
	if err != nil {
		s.closeWith(conn, websocket.ClosePolicyViolation, err.Error())
		return
	}
	logger := telemetry.WithRunID(telemetry.FromContext(r.Context()), run.ID)

	// The reader only notices the client going away.
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				cancel()
				return
			}
		}
	}()

	for ev := range run.Events() {
		if err := conn.WriteJSON(ev); err != nil {
			logger.Warn("failed to write progress event", "error", err)
			cancel()
			break
		}
	}

	_, runErr := run.Wait()
	end := streamEnd{RunID: run.ID, State: types.RunCompleted}
	if runErr != nil {
		end.State = types.RunFailed
		end.Error = runErr.Error()
	}
	if err := conn.WriteJSON(end); err != nil {
		return
	}
	s.closeWith(conn, websocket.CloseNormalClosure, "")
}

func (s *Server) closeWith(conn *websocket.Conn, code int, reason string) {
	if len(reason) > 120 {
		reason = reason[:120]
	}
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

// statusRecorder remembers the response status for the access log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Hijack lets the websocket upgrader take over the connection.
func (w *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer cannot be hijacked")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// logRequests puts a request-scoped logger in the context and logs every
// request once it is served.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		logger := s.logger.With("method", r.Method, "path", r.URL.Path)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r.WithContext(telemetry.WithLogger(r.Context(), logger)))

		level := slog.LevelDebug
		if rec.status >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		logger.Log(r.Context(), level, "request served", "status", rec.status, "duration", time.Since(start))
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, runner.ErrTemplateNotFound), errors.Is(err, runner.ErrRunNotFound),
		errors.Is(err, storage.ErrTemplateNotFound), errors.Is(err, storage.ErrRunNotFound):
		return http.StatusNotFound
	case errors.Is(err, runner.ErrInvalidTemplate):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
