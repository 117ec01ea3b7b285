package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/openfroyo/provisioner/pkg/engine"
	"github.com/openfroyo/provisioner/pkg/policy"
	"github.com/openfroyo/provisioner/pkg/telemetry"
)

// Scheduler is the part of engine.Scheduler the gateway drives.
type Scheduler interface {
	Submit(ctx context.Context, req engine.ProvisionRequest) (*engine.Job, error)
	Teardown(ctx context.Context, resourceName string) (*engine.Job, error)
	Status(ctx context.Context, resourceName string) (*engine.Job, error)
	Logs(ctx context.Context, resourceName string, tail int) ([]*engine.LogEntry, error)
	List(ctx context.Context) ([]*engine.Job, error)
	AuditTrail(ctx context.Context, resourceName string, limit int) ([]*engine.AuditEntry, error)
	Cleanup(ctx context.Context, resourceName string, force bool) (*engine.CleanupReport, error)
}

// Admitter decides whether an operation may proceed.
type Admitter interface {
	Admit(ctx context.Context, input policy.Input) (*policy.Decision, error)
}

// HealthChecker reports whether the backing store is usable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Handlers serves the cluster API.
type Handlers struct {
	scheduler Scheduler
	validator *RequestValidator
	admitter  Admitter
	health    HealthChecker
	metrics   *telemetry.Metrics
	events    *telemetry.EventPublisher
	logger    zerolog.Logger
	version   string
	tailLines int
}

// HandlersConfig wires the handlers.
type HandlersConfig struct {
	Scheduler Scheduler
	Validator *RequestValidator

	// Admitter is optional; nil admits everything.
	Admitter Admitter

	// Health is optional; nil reports ready.
	Health HealthChecker

	Metrics *telemetry.Metrics
	Events  *telemetry.EventPublisher
	Logger  zerolog.Logger

	Version string

	// TailLines is the default number of log lines returned.
	TailLines int
}

// NewHandlers creates the API handlers.
func NewHandlers(cfg HandlersConfig) (*Handlers, error) {
	if cfg.Scheduler == nil {
		return nil, fmt.Errorf("scheduler is required")
	}
	if cfg.Validator == nil {
		return nil, fmt.Errorf("request validator is required")
	}
	if cfg.TailLines <= 0 {
		cfg.TailLines = 500
	}
	if cfg.Version == "" {
		cfg.Version = "1.0.0"
	}
	return &Handlers{
		scheduler: cfg.Scheduler,
		validator: cfg.Validator,
		admitter:  cfg.Admitter,
		health:    cfg.Health,
		metrics:   cfg.Metrics,
		events:    cfg.Events,
		logger:    cfg.Logger.With().Str("component", "gateway").Logger(),
		version:   cfg.Version,
		tailLines: cfg.TailLines,
	}, nil
}

// Root describes the service.
func (h *Handlers) Root(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, ServiceInfo{
		Service: ServiceName,
		Version: h.version,
		Endpoints: map[string]string{
			"test":    "POST /clusters/test",
			"create":  "POST /clusters/provision",
			"list":    "GET /clusters",
			"status":  "GET /clusters/{cluster_name}/status",
			"logs":    "GET /clusters/{cluster_name}/logs",
			"destroy": "DELETE /clusters/{cluster_name}",
			"cleanup": "DELETE /clusters/{cluster_name}/cleanup",
			"audit":   "GET /audit",
			"health":  "GET /health",
			"ready":   "GET /ready",
			"metrics": "GET /metrics",
		},
	})
}

// Health is the liveness probe.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// Ready is the readiness probe. It fails when the store is unreachable.
func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		if err := h.health.HealthCheck(r.Context()); err != nil {
			h.logger.Warn().Err(err).Msg("Readiness check failed")
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unavailable",
				"error":  err.Error(),
			})
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// TestCluster submits a dry run.
func (h *Handlers) TestCluster(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, engine.ModeDryRun)
}

// ProvisionCluster submits an apply.
func (h *Handlers) ProvisionCluster(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, engine.ModeApply)
}

func (h *Handlers) submit(w http.ResponseWriter, r *http.Request, mode engine.Mode) {
	body, err := h.validator.Decode(r)
	if err != nil {
		h.metrics.RecordJobRejected(string(mode), engine.ErrorCode(err))
		h.httpError(w, r, err)
		return
	}

	req := body.ProvisionRequest(mode)
	if err := h.admit(r.Context(), policy.Input{
		Operation:    policy.OperationForMode(mode),
		ResourceName: req.ResourceName,
		Request:      &req,
	}, string(mode)); err != nil {
		h.httpError(w, r, err)
		return
	}

	job, err := h.scheduler.Submit(r.Context(), req)
	if err != nil {
		h.httpError(w, r, err)
		return
	}

	respondJSON(w, http.StatusAccepted, newClusterResponse(job))
}

// DestroyCluster submits a teardown.
func (h *Handlers) DestroyCluster(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	if err := h.admit(r.Context(), policy.Input{
		Operation:    policy.OperationDestroy,
		ResourceName: name,
	}, string(engine.ModeDestroy)); err != nil {
		h.httpError(w, r, err)
		return
	}

	job, err := h.scheduler.Teardown(r.Context(), name)
	if err != nil {
		h.httpError(w, r, err)
		return
	}

	respondJSON(w, http.StatusAccepted, newClusterResponse(job))
}

// ClusterStatus reports the most recent job of a cluster.
func (h *Handlers) ClusterStatus(w http.ResponseWriter, r *http.Request) {
	job, err := h.scheduler.Status(r.Context(), r.PathValue("name"))
	if err != nil {
		h.httpError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, newClusterStatus(job))
}

// ClusterLogs returns the tail of a cluster's tool output.
func (h *Handlers) ClusterLogs(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	tail, err := queryInt(r, "tail", h.tailLines)
	if err != nil {
		h.httpError(w, r, err)
		return
	}

	entries, err := h.scheduler.Logs(r.Context(), name, tail)
	if err != nil {
		h.httpError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, ClusterLogs{
		ClusterName: name,
		Logs:        joinLogs(entries),
		LogType:     LogTypeTerraform,
	})
}

// ListClusters lists the latest job of every cluster.
func (h *Handlers) ListClusters(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.scheduler.List(r.Context())
	if err != nil {
		h.httpError(w, r, err)
		return
	}

	clusters := make([]ClusterStatus, 0, len(jobs))
	for _, job := range jobs {
		clusters = append(clusters, newClusterStatus(job))
	}
	respondJSON(w, http.StatusOK, ClusterListResponse{Total: len(clusters), Clusters: clusters})
}

// CleanupCluster removes a cluster's jobs and partition.
func (h *Handlers) CleanupCluster(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	force := false
	if v := r.URL.Query().Get("force"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			h.httpError(w, r, engine.NewValidationError("force must be a boolean", err))
			return
		}
		force = parsed
	}

	if err := h.admit(r.Context(), policy.Input{
		Operation:    policy.OperationCleanup,
		ResourceName: name,
		Force:        force,
	}, "cleanup"); err != nil {
		h.httpError(w, r, err)
		return
	}

	report, err := h.scheduler.Cleanup(r.Context(), name, force)
	if err != nil {
		h.httpError(w, r, err)
		return
	}

	msg := fmt.Sprintf("Deleted %d jobs for cluster %s", report.JobsDeleted, name)
	if report.PartitionDeleted {
		msg += " and removed its state partition"
	}
	respondJSON(w, http.StatusOK, CleanupResponse{CleanupReport: *report, Message: msg})
}

// Audit lists audit entries, optionally for one cluster.
func (h *Handlers) Audit(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		h.httpError(w, r, err)
		return
	}

	entries, err := h.scheduler.AuditTrail(r.Context(), r.URL.Query().Get("resource"), limit)
	if err != nil {
		h.httpError(w, r, err)
		return
	}
	if entries == nil {
		entries = []*engine.AuditEntry{}
	}
	respondJSON(w, http.StatusOK, AuditResponse{Entries: entries})
}

// admit runs admission policy. Denials are published as events.
func (h *Handlers) admit(ctx context.Context, input policy.Input, mode string) error {
	if h.admitter == nil {
		return nil
	}

	decision, err := h.admitter.Admit(ctx, input)
	if decision != nil {
		for _, warning := range decision.Warnings {
			h.logger.Warn().Str("resource", input.ResourceName).Str("operation", input.Operation).
				Str("warning", warning).Msg("Policy warning")
		}
	}
	if err == nil {
		return nil
	}

	if engine.IsPolicyDenied(err) && decision != nil {
		for _, v := range decision.Violations {
			_ = h.events.PublishPolicyViolation(input.ResourceName, v.Policy, v.Message)
		}
		h.logger.Info().Str("resource", input.ResourceName).Str("operation", input.Operation).
			Strs("violations", decision.Messages()).Msg("Request denied by policy")
	}
	h.metrics.RecordJobRejected(mode, engine.ErrorCode(err))
	return err
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, engine.NewValidationError(key+" must be a non-negative integer", err)
	}
	return n, nil
}

// statusFor maps an error to its HTTP status.
func statusFor(err error) int {
	pe, ok := engine.AsProvisionError(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch {
	case pe.Code == engine.ErrCodeValidation:
		return http.StatusBadRequest
	case pe.Code == engine.ErrCodePolicyDenied:
		return http.StatusForbidden
	case pe.Class == engine.ErrorClassNotFound:
		return http.StatusNotFound
	case pe.Class == engine.ErrorClassConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// httpError writes err as an ErrorResponse. Internal details stay in the log.
func (h *Handlers) httpError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	body := ErrorBody{Code: engine.ErrCodeInternal, Message: "internal server error"}

	if pe, ok := engine.AsProvisionError(err); ok && status != http.StatusInternalServerError {
		body = ErrorBody{
			Code:    pe.Code,
			Message: pe.Message,
			JobName: pe.JobID,
			Details: pe.Details,
		}
	}

	evt := h.logger.Info()
	if status >= http.StatusInternalServerError {
		evt = h.logger.Error()
	}
	evt.Err(err).Str("method", r.Method).Str("path", r.URL.Path).Int("status", status).Msg("Request failed")

	respondJSON(w, status, ErrorResponse{Error: body})
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
