package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/xela07ax/agenttrace/internal/domain"
	"github.com/xela07ax/agenttrace/internal/infra"
	"github.com/xela07ax/agenttrace/internal/infra/auth"
	"github.com/xela07ax/agenttrace/internal/persist"
	"github.com/xela07ax/agenttrace/internal/validate"
)

const defaultMaxBodyBytes = 10 << 20

// TraceImporter принимает готовые трассы (session.Registry).
type TraceImporter interface {
	Import(ctx context.Context, traces []*domain.AgentSessionTrace)
}

// FailureSource — наблюдаемый список отказов записи.
type FailureSource interface {
	Snapshot() []persist.Failure
	Total() int64
}

// HTTPConfig — зависимости HTTP API коллектора. Нулевые поля отключают соответствующие роуты.
type HTTPConfig struct {
	Validator    auth.TokenValidator
	Importer     TraceImporter
	Failures     FailureSource
	Gatherer     prometheus.Gatherer
	RateLimitRPS int
	MaxBodyBytes int64
}

// Server — HTTP API коллектора.
type Server struct {
	router  *chi.Mux
	svc     *Service
	logs    *LogsReceiver
	cfg     HTTPConfig
	logger  *zap.Logger
	started time.Time
}

func NewServer(svc *Service, logs *LogsReceiver, cfg HTTPConfig, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.Validator == nil {
		cfg.Validator = auth.NewSharedSecretValidator("")
	}
	s := &Server{
		router:  chi.NewRouter(),
		svc:     svc,
		logs:    logs,
		cfg:     cfg,
		logger:  logger.Named("http"),
		started: time.Now(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeErrors(w, http.StatusNotFound, "route not found: "+r.URL.Path)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeErrors(w, http.StatusMethodNotAllowed, "method not allowed: "+r.Method)
	})

	// --- 2. Публичные роуты (чтение) ---
	r.Get("/health", s.health)
	r.Get("/v1/hooks/stats", s.stats)
	if s.cfg.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))
	}
	if s.cfg.Failures != nil {
		r.Get("/v1/persistence/failures", s.failures)
	}

	// --- 3. Прием (shared secret, опциональный лимит по IP) ---
	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(s.cfg.Validator, s.logger))
		if s.cfg.RateLimitRPS > 0 {
			r.Use(httprate.Limit(
				s.cfg.RateLimitRPS,
				time.Second,
				httprate.WithKeyFuncs(httprate.KeyByIP),
				httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
					w.Header().Set("Retry-After", "1")
					writeErrors(w, http.StatusTooManyRequests, "rate limit exceeded")
				}),
			))
		}

		r.Post("/v1/hooks", s.ingestHook)
		if s.logs != nil {
			r.Post("/v1/logs", s.ingestLogs)
		}
		if s.cfg.Importer != nil {
			r.Post("/v1/traces", s.importTraces)
		}
	})
}

// ServeHTTP позволяет использовать Server как стандартный http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"service":   infra.ServiceName,
		"uptimeSec": int64(time.Since(s.started).Seconds()),
	})
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.Stats(r.Context())
	if err != nil {
		s.logger.Error("stats unavailable", zap.Error(err))
		writeErrors(w, http.StatusServiceUnavailable, "stats unavailable")
		return
	}
	body := map[string]any{"status": "ok", "stats": st}
	if s.logs != nil {
		body["otlp"] = s.logs.Stats()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) failures(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"total":    s.cfg.Failures.Total(),
		"failures": s.cfg.Failures.Snapshot(),
	})
}

func (s *Server) ingestHook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() {
		s.svc.metrics.IngestDuration.WithLabelValues("hooks").Observe(time.Since(start).Seconds())
	}()

	body, ok := s.readBody(w, r, "hooks")
	if !ok {
		return
	}
	res := validate.DecodeEnvelope(body)
	if !res.OK {
		s.svc.metrics.ValidationFailures.WithLabelValues("hooks").Inc()
		writeErrors(w, http.StatusBadRequest, res.Errors...)
		return
	}

	env := res.Value
	out, err := s.svc.Ingest(r.Context(), &env)
	if err != nil {
		s.logger.Error("ingest failed", zap.String("event_id", env.EventID), zap.Error(err))
		writeErrors(w, http.StatusServiceUnavailable, "ingest unavailable")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":   "accepted",
		"accepted": out.IsAccepted(),
		"deduped":  out.IsDeduped(),
	})
}

func (s *Server) ingestLogs(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() {
		s.svc.metrics.IngestDuration.WithLabelValues("logs").Observe(time.Since(start).Seconds())
	}()

	body, ok := s.readBody(w, r, "logs")
	if !ok {
		return
	}
	var payload any
	if err := json.Unmarshal(body, &payload); err != nil {
		s.svc.metrics.ValidationFailures.WithLabelValues("logs").Inc()
		writeErrors(w, http.StatusBadRequest, "body: invalid JSON: "+err.Error())
		return
	}

	out := s.logs.ExportJSON(r.Context(), payload)
	if out.Normalized == 0 {
		s.svc.metrics.ValidationFailures.WithLabelValues("logs").Inc()
		writeErrors(w, http.StatusBadRequest, out.Errors...)
		return
	}
	partial := map[string]any{}
	if out.Rejected > 0 || len(out.Errors) > 0 {
		partial["rejectedLogRecords"] = out.Rejected
		partial["errorMessage"] = out.ErrorMessage()
	}
	writeJSON(w, http.StatusOK, map[string]any{"partialSuccess": partial})
}

func (s *Server) importTraces(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r, "traces")
	if !ok {
		return
	}
	var input any
	if err := json.Unmarshal(body, &input); err != nil {
		s.svc.metrics.ValidationFailures.WithLabelValues("traces").Inc()
		writeErrors(w, http.StatusBadRequest, "body: invalid JSON: "+err.Error())
		return
	}

	items, isList := input.([]any)
	if !isList {
		items = []any{input}
	}
	if len(items) == 0 {
		writeErrors(w, http.StatusBadRequest, "body: no traces")
		return
	}

	traces := make([]*domain.AgentSessionTrace, 0, len(items))
	var errs []string
	for i, item := range items {
		res := validate.Trace(item)
		if !res.OK {
			for _, e := range res.Errors {
				if isList {
					e = fmt.Sprintf("[%d].%s", i, e)
				}
				errs = append(errs, e)
			}
			continue
		}
		t := res.Value
		traces = append(traces, &t)
	}
	if len(errs) > 0 {
		s.svc.metrics.ValidationFailures.WithLabelValues("traces").Inc()
		writeErrors(w, http.StatusBadRequest, errs...)
		return
	}

	s.cfg.Importer.Import(r.Context(), traces)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":   "accepted",
		"imported": len(traces),
	})
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request, endpoint string) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err == nil {
		return bytes.TrimSpace(body), true
	}
	s.svc.metrics.ValidationFailures.WithLabelValues(endpoint).Inc()
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeErrors(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("body: exceeds %d bytes", tooLarge.Limit))
		return nil, false
	}
	writeErrors(w, http.StatusBadRequest, "body: "+err.Error())
	return nil, false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErrors(w http.ResponseWriter, status int, errs ...string) {
	if errs == nil {
		errs = []string{}
	}
	writeJSON(w, status, map[string]any{"status": "error", "errors": errs})
}

// requestLogger — access log в zap вместо стандартного middleware.Logger.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Info("request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)),
					zap.String("request_id", middleware.GetReqID(r.Context())),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
