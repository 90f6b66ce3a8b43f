// Package api is the HTTP surface: request submission and status polling
// over the service layer, direct asset compilation, health, and metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"readerforge/internal/artifact"
	"readerforge/internal/assets"
	"readerforge/internal/config"
	"readerforge/internal/gates"
	"readerforge/internal/logging"
	"readerforge/internal/metrics"
	"readerforge/internal/service"
)

const requestIDHeader = "X-Request-Id"

// Server hosts the HTTP API.
type Server struct {
	cfg      config.APIConfig
	svc      *service.Service
	compiler *assets.Compiler
	gates    *gates.Registry
	limiter  *clientLimiter
	router   chi.Router
	http     *http.Server
}

// NewServer wires routes over the service layer, gate registry and compiler.
func NewServer(cfg config.APIConfig, svc *service.Service, compiler *assets.Compiler, registry *gates.Registry, m *metrics.Set) *Server {
	s := &Server{
		cfg:      cfg,
		svc:      svc,
		compiler: compiler,
		gates:    registry,
		limiter:  newClientLimiter(cfg.CompileLimit, cfg.CompileWindowDuration()),
	}

	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(accessLog)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", requestIDHeader},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/generate", s.handleGenerate)
		r.Get("/generate/{promptID}/status", s.handleStatus)
		r.Post("/compile", s.rateLimited(s.handleCompile))
		r.Post("/compile/batch", s.rateLimited(s.handleCompileBatch))
	})

	s.router = r
	s.http = &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  parseTimeout(cfg.ReadTimeout, 30*time.Second),
		WriteTimeout: parseTimeout(cfg.WriteTimeout, 60*time.Second),
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe blocks serving requests until Shutdown.
func (s *Server) ListenAndServe() error {
	logging.Get(logging.CategoryAPI).Info("listening on %s", s.cfg.Addr)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error { return s.http.Shutdown(ctx) }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleGenerate admits an authoring request. Fresh admissions answer 202
// with the promptId to poll; duplicates answer 200 with the recorded state.
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req artifact.Request
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.svc.Submit(req)
	if err != nil {
		var verr service.ValidationError
		var busy service.ErrResourceBusy
		switch {
		case errors.As(err, &verr):
			writeError(w, http.StatusBadRequest, verr.Reason)
		case errors.As(err, &busy):
			writeError(w, http.StatusConflict, busy.Reason)
		default:
			writeError(w, http.StatusInternalServerError, "submission failed")
			logging.Get(logging.CategoryAPI).Error("generate submission: %v", err)
		}
		return
	}

	body := map[string]interface{}{
		"promptId":  res.PromptID,
		"status":    res.Status,
		"statusUrl": fmt.Sprintf("/api/v1/generate/%s/status", res.PromptID),
	}
	if res.Duplicate {
		body["duplicate"] = true
		if res.Result != nil {
			body["result"] = res.Result
		}
		if res.Error != "" {
			body["error"] = res.Error
		}
		writeJSON(w, http.StatusOK, body)
		return
	}
	writeJSON(w, http.StatusAccepted, body)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	promptID := chi.URLParam(r, "promptID")
	status, ok := s.svc.Status(promptID)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no run for promptId %s", promptID))
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// compileItem is one compile result in single and batch responses.
type compileItem struct {
	Name    string `json:"name"`
	Success bool   `json:"success"`
	SVG     string `json:"svg,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (s *Server) handleCompile(w http.ResponseWriter, r *http.Request) {
	var spec artifact.AssetSpec
	if err := decodeBody(r, &spec); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	item := s.compileOne(r.Context(), spec)
	status := http.StatusOK
	if !item.Success {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, item)
}

func (s *Server) handleCompileBatch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Specs []artifact.AssetSpec `json:"specs"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(body.Specs) == 0 {
		writeError(w, http.StatusBadRequest, "specs must not be empty")
		return
	}

	items := make([]compileItem, len(body.Specs))
	for i, spec := range body.Specs {
		items[i] = s.compileOne(r.Context(), spec)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": items})
}

// compileOne validates the spec through the asset gate set before it is
// allowed near a compiler or the cache.
func (s *Server) compileOne(ctx context.Context, spec artifact.AssetSpec) compileItem {
	item := compileItem{Name: spec.Name()}

	if _, issues := s.gates.Run(gates.ArtifactAsset, &spec); len(issues) > 0 {
		msgs := make([]string, len(issues))
		for i, iss := range issues {
			msgs[i] = iss.String()
		}
		item.Error = "spec failed validation: " + strings.Join(msgs, "; ")
		return item
	}

	res, err := s.compiler.Compile(ctx, spec, uuid.NewString())
	if err != nil {
		item.Error = res.Error
		if item.Error == "" {
			item.Error = err.Error()
		}
		return item
	}
	item.Success = true
	item.SVG = res.SVG
	return item
}

// rateLimited applies the per-client compile quota.
func (s *Server) rateLimited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ok, retryIn := s.limiter.Allow(clientKey(r))
		if !ok {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(retryIn.Seconds())+1))
			writeError(w, http.StatusTooManyRequests, "compile rate limit exceeded")
			return
		}
		next(w, r)
	}
}

// clientKey identifies the caller for rate limiting: the remote address
// without its port.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// requestID assigns each request an id, preserving any supplied by the
// caller, and echoes it on the response.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(requestIDHeader, id)
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logging.Get(logging.CategoryAPI).Debug("%s %s -> %d in %s (request %s)",
			r.Method, r.URL.Path, rec.status, time.Since(start).Round(time.Millisecond),
			r.Header.Get(requestIDHeader))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func decodeBody(r *http.Request, v interface{}) error {
	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Get(logging.CategoryAPI).Warn("encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func parseTimeout(raw string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
