package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/vigneswara-propelo/taskfleet/errors"
	"github.com/vigneswara-propelo/taskfleet/metrics"
	"github.com/vigneswara-propelo/taskfleet/perpetual"
	"github.com/vigneswara-propelo/taskfleet/queue"
	"github.com/vigneswara-propelo/taskfleet/scope"
)

// Server exposes the gateway over HTTP.
type Server struct {
	gateway *Gateway
	metrics *metrics.Metrics
	log     zerolog.Logger
	router  chi.Router
}

// NewServer builds the HTTP surface. The metrics handler is mounted when a
// registered metrics set is supplied.
func NewServer(g *Gateway, m *metrics.Metrics, log zerolog.Logger) *Server {
	s := &Server{
		gateway: g,
		metrics: m,
		log:     log.With().Str("component", "http").Logger(),
	}
	s.router = s.routes()
	return s
}

// Handler returns the routed handler, usable directly in tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", s.handleSubmitTask)
			r.Get("/{id}", s.handleGetTask)
			r.Delete("/{id}", s.handleAbortTask)
		})
		r.Get("/results/{id}", s.handleGetResult)

		r.Route("/delegates", func(r chi.Router) {
			r.Post("/register", s.handleRegisterDelegate)
			r.Post("/{id}/heartbeat", s.handleHeartbeat)
			r.Post("/{id}/acquire", s.handleAcquire)
			r.Post("/{id}/results/{taskID}", s.handleReportResult)
			r.Get("/{id}/perpetual", s.handlePerpetualAssignments)
		})

		r.Route("/perpetual", func(r chi.Router) {
			r.Post("/", s.handleCreatePerpetual)
			r.Get("/", s.handleListPerpetual)
			r.Put("/schedule", s.handleUpdateSchedule)
			r.Get("/{id}", s.handleGetPerpetual)
			r.Delete("/{id}", s.handleDeletePerpetual)
			r.Put("/{id}/pause", s.handlePausePerpetual)
			r.Put("/{id}/resume", s.handleResumePerpetual)
			r.Put("/{id}/reset", s.handleResetPerpetual)
		})
	})
	return r
}

type submitTaskRequest struct {
	Task queue.Task `json:"task"`

	// Wait, when positive, holds the request open until the result arrives
	// or the wait elapses.
	Wait duration `json:"wait,omitempty"`
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req submitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errors.InvalidInput("bad request body: "+err.Error()))
		return
	}
	task, err := s.gateway.SubmitTask(r.Context(), req.Task)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if req.Wait <= 0 {
		s.writeJSON(w, http.StatusAccepted, map[string]any{"task": task})
		return
	}
	out, err := s.gateway.AwaitResult(r.Context(), task.ID, time.Duration(req.Wait))
	if err != nil {
		if errors.HasCode(err, errors.ErrCodeTimeout) {
			s.writeJSON(w, http.StatusAccepted, map[string]any{"task": task, "pending": true})
			return
		}
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"task": task, "outcome": out})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.gateway.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleAbortTask(w http.ResponseWriter, r *http.Request) {
	if err := s.gateway.AbortTask(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	out, ok, err := s.gateway.LookupResult(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !ok {
		s.writeError(w, errors.NotFound("no result for "+id, errors.WithTaskID(id)))
		return
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRegisterDelegate(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errors.InvalidInput("bad request body: "+err.Error()))
		return
	}
	if err := s.gateway.RegisterDelegate(r.Context(), req); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errors.InvalidInput("bad request body: "+err.Error()))
		return
	}
	req.DelegateID = chi.URLParam(r, "id")
	if err := s.gateway.ReportHeartbeat(r.Context(), req); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAcquire(w http.ResponseWriter, r *http.Request) {
	wait, _ := time.ParseDuration(r.URL.Query().Get("wait"))
	work, err := s.gateway.AcquireWork(r.Context(), chi.URLParam(r, "id"), wait)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if work == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.writeJSON(w, http.StatusOK, work)
}

type reportResultRequest struct {
	Payload []byte `json:"payload,omitempty"`
}

func (s *Server) handleReportResult(w http.ResponseWriter, r *http.Request) {
	var req reportResultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errors.InvalidInput("bad request body: "+err.Error()))
		return
	}
	err := s.gateway.ReportTaskResult(r.Context(), chi.URLParam(r, "taskID"), chi.URLParam(r, "id"), req.Payload)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePerpetualAssignments(w http.ResponseWriter, r *http.Request) {
	assignments, err := s.gateway.PerpetualAssignments(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if assignments == nil {
		assignments = []perpetual.Assignment{}
	}
	s.writeJSON(w, http.StatusOK, assignments)
}

type createPerpetualRequest struct {
	Type           string                  `json:"type"`
	Scope          scope.Scope             `json:"scope"`
	ClientContext  perpetual.ClientContext `json:"client_context"`
	Interval       duration                `json:"interval"`
	Timeout        duration                `json:"timeout,omitempty"`
	AllowDuplicate bool                    `json:"allow_duplicate,omitempty"`
}

func (s *Server) handleCreatePerpetual(w http.ResponseWriter, r *http.Request) {
	var req createPerpetualRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errors.InvalidInput("bad request body: "+err.Error()))
		return
	}
	rec, err := s.gateway.CreatePerpetualTask(r.Context(), perpetual.CreateRequest{
		Type:           req.Type,
		Scope:          req.Scope,
		ClientContext:  req.ClientContext,
		AllowDuplicate: req.AllowDuplicate,
		Schedule: perpetual.Schedule{
			Interval: time.Duration(req.Interval),
			Timeout:  time.Duration(req.Timeout),
		},
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleListPerpetual(w http.ResponseWriter, r *http.Request) {
	records, err := s.gateway.ListPerpetualTasks(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if records == nil {
		records = []*perpetual.Record{}
	}
	s.writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleGetPerpetual(w http.ResponseWriter, r *http.Request) {
	rec, err := s.gateway.GetPerpetualTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDeletePerpetual(w http.ResponseWriter, r *http.Request) {
	if err := s.gateway.DeletePerpetualTask(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePausePerpetual(w http.ResponseWriter, r *http.Request) {
	if err := s.gateway.PausePerpetualTask(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResumePerpetual(w http.ResponseWriter, r *http.Request) {
	if err := s.gateway.ResumePerpetualTask(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type resetPerpetualRequest struct {
	ExecutionBundle []byte `json:"execution_bundle,omitempty"`
}

func (s *Server) handleResetPerpetual(w http.ResponseWriter, r *http.Request) {
	// The body is optional: a bare reset bumps the version without
	// replacing the bundle.
	var req resetPerpetualRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		s.writeError(w, errors.InvalidInput("bad request body: "+err.Error()))
		return
	}
	rec, err := s.gateway.ResetPerpetualTask(r.Context(), chi.URLParam(r, "id"), req.ExecutionBundle)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

type updateScheduleRequest struct {
	Scope    scope.Scope `json:"scope"`
	Type     string      `json:"type"`
	Interval duration    `json:"interval"`
}

func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	var req updateScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errors.InvalidInput("bad request body: "+err.Error()))
		return
	}
	n, err := s.gateway.UpdatePerpetualSchedule(r.Context(), req.Scope, req.Type, time.Duration(req.Interval))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"updated": n})
}

// Run serves until the context is cancelled, then drains with a bounded
// shutdown.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.log.Info().Msg("http server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := errors.CodeOf(err)
	status := statusFor(code)
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Msg("request failed")
	}

	body := map[string]any{"code": string(code), "message": err.Error()}
	var fe *errors.Error
	if errors.As(err, &fe) {
		body["retryable"] = fe.Retryable()
		if fe.TaskID() != "" {
			body["task_id"] = fe.TaskID()
		}
	}
	s.writeJSON(w, status, body)
}

func statusFor(code errors.ErrorCode) int {
	switch code {
	case errors.ErrCodeInvalidInput, errors.ErrCodeValidationFailure:
		return http.StatusBadRequest
	case errors.ErrCodeNotFound:
		return http.StatusNotFound
	case errors.ErrCodeConflict, errors.ErrCodeAlreadyExists,
		errors.ErrCodeStaleAssignment, errors.ErrCodeContextVersionConflict,
		errors.ErrCodeDuplicateDelivery:
		return http.StatusConflict
	case errors.ErrCodeNoEligibleDelegates, errors.ErrCodeNoDelegateAvailable:
		return http.StatusUnprocessableEntity
	case errors.ErrCodeTaskExpired:
		return http.StatusGone
	case errors.ErrCodeTimeout:
		return http.StatusRequestTimeout
	case errors.ErrCodeCanceled:
		return 499
	case errors.ErrCodeResourceBusy:
		return http.StatusTooManyRequests
	case errors.ErrCodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// duration unmarshals either a Go duration string or nanoseconds.
type duration time.Duration

func (d *duration) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = duration(parsed)
		return nil
	}
	var ns int64
	if err := json.Unmarshal(data, &ns); err != nil {
		return err
	}
	*d = duration(ns)
	return nil
}

func (d duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}
