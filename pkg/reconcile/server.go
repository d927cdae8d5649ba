package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/lachen-nv/bare-metal-manager-core-sub001/pkg/health"
	"github.com/lachen-nv/bare-metal-manager-core-sub001/pkg/intent"
	"github.com/lachen-nv/bare-metal-manager-core-sub001/pkg/stores"
	"github.com/lachen-nv/bare-metal-manager-core-sub001/pkg/telemetry"
	"github.com/lachen-nv/bare-metal-manager-core-sub001/pkg/version"
)

// ServerStore is the persistence surface the API needs. *stores.SQLiteStore
// satisfies it.
type ServerStore interface {
	CreateResource(ctx context.Context, id string, kind stores.ResourceKind) (*stores.ResourceRecord, error)
	GetResource(ctx context.Context, id string) (*stores.ResourceRecord, error)
	LatestDesiredConfig(ctx context.Context, resourceID string, axis version.Axis) (*stores.DesiredConfigRecord, error)
	DesiredPair(ctx context.Context, resourceID string) (version.Pair, error)
	UpsertObservedStatus(ctx context.Context, rec stores.ObservedStatusRecord) error
	GetObservedStatus(ctx context.Context, resourceID string) (*stores.ObservedStatusRecord, error)
	EnqueueIntent(ctx context.Context, in intent.Intent) error
	TransitionHistory(ctx context.Context, resourceID string, limit int) ([]stores.TransitionRecord, error)
	GetOutcome(ctx context.Context, resourceID string) (*stores.OutcomeRecord, error)
	ClearQuarantine(ctx context.Context, id string) error
	HealthCheck(ctx context.Context) error
}

// Server serves the reconciliation protocol to agents and the resource API
// to operators.
type Server struct {
	addr         string
	store        ServerStore
	alerts       *health.Aggregator
	settleWindow time.Duration

	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer

	httpServer *http.Server

	// clock is replaceable in tests.
	clock func() time.Time
}

// NewServer creates the API server.
func NewServer(
	addr string,
	store ServerStore,
	alerts *health.Aggregator,
	settleWindow time.Duration,
	logger *telemetry.Logger,
	metrics *telemetry.Metrics,
	tracer *telemetry.Tracer,
) *Server {
	return &Server{
		addr:         addr,
		store:        store,
		alerts:       alerts,
		settleWindow: settleWindow,
		logger:       logger.NewComponentLogger("reconcile-api"),
		metrics:      metrics,
		tracer:       tracer,
		clock:        time.Now,
	}
}

// Handler returns the route table. Exposed separately so tests can drive it
// through httptest without binding a port.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/resources", s.handleRegister)
	mux.HandleFunc("GET /v1/resources/{id}", s.handleGetResource)
	mux.HandleFunc("GET /v1/resources/{id}/desired-config", s.handleDesiredConfig)
	mux.HandleFunc("POST /v1/resources/{id}/status", s.handleStatusReport)
	mux.HandleFunc("POST /v1/resources/{id}/intents", s.handleSubmitIntent)
	mux.HandleFunc("GET /v1/resources/{id}/transitions", s.handleTransitions)
	mux.HandleFunc("DELETE /v1/resources/{id}/quarantine", s.handleClearQuarantine)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	return mux
}

// Run starts the server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.WithField("addr", s.addr).Info("reconcile API listening")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.WithError(err).Error("reconcile API shutdown error")
		}
	}()

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.HealthCheck(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, CodeInternal, "database unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleClearQuarantine lifts a corrupt-state quarantine after an operator
// has repaired the record. The resource rejoins reconciliation on the next
// tick.
func (s *Server) handleClearQuarantine(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetResource(r.Context(), id); err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			writeError(w, http.StatusNotFound, CodeNotFound, "unknown resource")
			return
		}
		writeError(w, http.StatusInternalServerError, CodeInternal, "lookup failed")
		return
	}
	if err := s.store.ClearQuarantine(r.Context(), id); err != nil {
		s.logger.WithError(err).WithResourceID(id).Error("failed to clear quarantine")
		writeError(w, http.StatusInternalServerError, CodeInternal, "clear quarantine failed")
		return
	}
	s.logger.WithResourceID(id).Info("quarantine cleared")
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, "malformed request body")
		return
	}
	if req.ID == "" || req.Kind == "" {
		writeError(w, http.StatusBadRequest, CodeValidation, "id and kind are required")
		return
	}

	rec, err := s.store.CreateResource(r.Context(), req.ID, req.Kind)
	if err != nil {
		s.logger.WithError(err).WithResourceID(req.ID).Error("failed to register resource")
		writeError(w, http.StatusInternalServerError, CodeInternal, "registration failed")
		return
	}
	s.logger.WithResourceID(rec.ID).WithField("kind", string(rec.Kind)).Info("resource registered")
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleGetResource(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, err := s.store.GetResource(r.Context(), id)
	if errors.Is(err, stores.ErrNotFound) {
		writeError(w, http.StatusNotFound, CodeNotFound, "unknown resource")
		return
	}
	if err != nil {
		s.logger.WithError(err).WithResourceID(id).Error("failed to load resource")
		writeError(w, http.StatusInternalServerError, CodeInternal, "lookup failed")
		return
	}

	desired, err := s.store.DesiredPair(r.Context(), id)
	if err != nil {
		s.logger.WithError(err).WithResourceID(id).Error("failed to load desired versions")
		writeError(w, http.StatusInternalServerError, CodeInternal, "lookup failed")
		return
	}

	resp := ResourceResponse{
		ResourceRecord: *rec,
		Alerts:         s.alerts.Current(id),
		Desired:        desired,
		TimeInState:    s.clock().Sub(rec.StateVersion.Timestamp()) / time.Second,
	}
	if observed, err := s.store.GetObservedStatus(r.Context(), id); err == nil {
		resp.Observed = observed
	}
	if outcome, err := s.store.GetOutcome(r.Context(), id); err == nil {
		resp.LastOutcome = outcome
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleDesiredConfig serves the agent poll. A 404 here is the one signal
// an agent is allowed to self-isolate on, so it is returned only after the
// store positively confirmed the resource does not exist.
func (s *Server) handleDesiredConfig(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx, span := s.tracer.StartAPISpan(r.Context(), "desired_config", id)
	defer span.End()

	if _, err := s.store.GetResource(ctx, id); err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			writeError(w, http.StatusNotFound, CodeNotFound, "unknown resource")
			return
		}
		telemetry.RecordError(span, err)
		s.logger.WithError(err).WithResourceID(id).Error("failed to resolve resource for config fetch")
		writeError(w, http.StatusInternalServerError, CodeInternal, "lookup failed")
		return
	}

	resp := DesiredConfigResponse{ResourceID: id}
	for _, axis := range []version.Axis{version.AxisTenant, version.AxisLifecycle} {
		rec, err := s.store.LatestDesiredConfig(ctx, id, axis)
		if errors.Is(err, stores.ErrNotFound) {
			continue
		}
		if err != nil {
			telemetry.RecordError(span, err)
			s.logger.WithError(err).WithResourceID(id).Error("failed to load desired config")
			writeError(w, http.StatusInternalServerError, CodeInternal, "lookup failed")
			return
		}
		envelope := &ConfigEnvelope{Version: rec.Version, Config: rec.Config}
		if axis == version.AxisTenant {
			resp.Tenant = envelope
		} else {
			resp.Lifecycle = envelope
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStatusReport(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx, span := s.tracer.StartAPISpan(r.Context(), "status_report", id)
	defer span.End()
	timer := telemetry.NewTimer()
	log := s.logger.WithResourceID(id)

	var report StatusReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, "malformed status report")
		return
	}

	if _, err := s.store.GetResource(ctx, id); err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			writeError(w, http.StatusNotFound, CodeNotFound, "unknown resource")
			return
		}
		telemetry.RecordError(span, err)
		writeError(w, http.StatusInternalServerError, CodeInternal, "lookup failed")
		return
	}

	applied, err := parseAppliedPair(report)
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, err.Error())
		return
	}

	rec := stores.ObservedStatusRecord{
		ResourceID:     id,
		AppliedVersion: applied,
		Healthy:        report.Healthy,
		Isolated:       report.Isolated,
		Alerts:         report.Alerts,
		ReportedAt:     s.clock().UTC(),
	}
	accepted := true
	if err := s.store.UpsertObservedStatus(ctx, rec); err != nil {
		if errors.Is(err, stores.ErrVersionConflict) {
			// A stale report never rolls the observed status backwards.
			accepted = false
			log.Debug("stale status report dropped")
		} else {
			telemetry.RecordError(span, err)
			log.WithError(err).Error("failed to record status report")
			writeError(w, http.StatusInternalServerError, CodeInternal, "report not recorded")
			return
		}
	}

	if accepted {
		s.alerts.ReplaceSource(id, AgentSource, report.Alerts)
	}

	s.metrics.RecordAgentReport(reportVerdict(report, accepted), timer.Duration())

	desired, err := s.store.DesiredPair(ctx, id)
	if err != nil {
		telemetry.RecordError(span, err)
		log.WithError(err).Error("failed to load desired versions")
		writeError(w, http.StatusInternalServerError, CodeInternal, "report not recorded")
		return
	}
	writeJSON(w, http.StatusOK, StatusAck{
		Accepted: accepted,
		Settling: s.settling(desired),
	})
}

func (s *Server) handleSubmitIntent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx, span := s.tracer.StartAPISpan(r.Context(), "submit_intent", id)
	defer span.End()

	var req SubmitIntentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, "malformed request body")
		return
	}

	if _, err := s.store.GetResource(ctx, id); err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			writeError(w, http.StatusNotFound, CodeNotFound, "unknown resource")
			return
		}
		telemetry.RecordError(span, err)
		writeError(w, http.StatusInternalServerError, CodeInternal, "lookup failed")
		return
	}

	var payload any
	if len(req.Payload) > 0 {
		payload = req.Payload
	}
	in, err := intent.New(req.Type, id, payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, err.Error())
		return
	}
	if req.IdempotencyKey != "" {
		in.IdempotencyKey = req.IdempotencyKey
	}
	if err := in.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, err.Error())
		return
	}

	if err := s.store.EnqueueIntent(ctx, in); err != nil {
		telemetry.RecordError(span, err)
		s.logger.WithError(err).WithResourceID(id).Error("failed to enqueue intent")
		writeError(w, http.StatusInternalServerError, CodeInternal, "intent not accepted")
		return
	}

	s.metrics.RecordIntentEnqueued(string(in.Type))
	s.logger.WithResourceID(id).WithIntent(in.ID, string(in.Type)).Info("intent enqueued")
	writeJSON(w, http.StatusAccepted, SubmitIntentResponse{ID: in.ID})
}

func (s *Server) handleTransitions(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	history, err := s.store.TransitionHistory(r.Context(), id, 50)
	if err != nil {
		s.logger.WithError(err).WithResourceID(id).Error("failed to load transition history")
		writeError(w, http.StatusInternalServerError, CodeInternal, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, TransitionsResponse{ResourceID: id, Transitions: history})
}

// settling reports whether the newest desired version on either axis is
// still inside the settle window.
func (s *Server) settling(desired version.Pair) bool {
	newest := time.Time{}
	for _, v := range []version.ConfigVersion{desired.Tenant, desired.Lifecycle} {
		if v.IsValid() && v.Timestamp().After(newest) {
			newest = v.Timestamp()
		}
	}
	if newest.IsZero() {
		return false
	}
	return s.clock().Sub(newest) < s.settleWindow
}

func parseAppliedPair(report StatusReport) (version.Pair, error) {
	pair := version.Pair{Tenant: version.Invalid(), Lifecycle: version.Invalid()}
	if report.AppliedTenant != "" {
		v, err := version.Parse(report.AppliedTenant)
		if err != nil {
			return version.Pair{}, fmt.Errorf("applied tenant version: %v", err)
		}
		pair.Tenant = v
	}
	if report.AppliedLifecycle != "" {
		v, err := version.Parse(report.AppliedLifecycle)
		if err != nil {
			return version.Pair{}, fmt.Errorf("applied lifecycle version: %v", err)
		}
		pair.Lifecycle = v
	}
	return pair, nil
}

func reportVerdict(report StatusReport, accepted bool) string {
	switch {
	case !accepted:
		return "stale"
	case report.Isolated:
		return "isolated"
	case report.Healthy:
		return "healthy"
	default:
		return "unhealthy"
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: code, Message: message})
}
