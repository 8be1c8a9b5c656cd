// Package httpx exposes the operator-facing admin API: order intake,
// provisioning triggers, lifecycle actions, server pool management, the
// audit trail and a websocket event stream.
package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hostkit/provisiond/internal/domain"
	"github.com/hostkit/provisiond/internal/repository"
	"github.com/hostkit/provisiond/internal/service/audit"
	"github.com/hostkit/provisiond/internal/service/project"
	"github.com/hostkit/provisiond/internal/service/server"
	"github.com/hostkit/provisiond/internal/ws"
)

// Provisioner is the slice of the provisioning service the API triggers.
type Provisioner interface {
	Provision(ctx context.Context, projectID string) error
	Retry(ctx context.Context, projectID, actor string) error
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux         *http.ServeMux
	logger      *slog.Logger
	project     *project.Service
	server      *server.Service
	provisioner Provisioner
	audit       audit.Service
	upgrader    websocket.Upgrader
	limiter     RateLimiter

	operatorToken string
	maxRetries    int
	dbHealth      func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

const (
	rateWindowDefault   = time.Minute
	rateWindowRealtime  = 30 * time.Second
	rateLimitWrite      = 120
	rateLimitRead       = 240
	rateLimitWebsocket  = 30
	healthCheckTimeout  = 2 * time.Second
	defaultAuditLimit   = 100
	provisionActorField = "actor"
)

// NewRouter assembles routes with dependencies.
func NewRouter(
	logger *slog.Logger,
	projectSvc *project.Service,
	serverSvc *server.Service,
	provisioner Provisioner,
	auditSvc audit.Service,
	limiter RateLimiter,
	operatorToken string,
	maxRetries int,
	dbHealth func(context.Context) error,
) *Router {
	r := &Router{
		mux:         http.NewServeMux(),
		logger:      logger,
		project:     projectSvc,
		server:      serverSvc,
		provisioner: provisioner,
		audit:       auditSvc,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:       limiter,
		operatorToken: strings.TrimSpace(operatorToken),
		maxRetries:    maxRetries,
		dbHealth:      dbHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to the underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.access(r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/projects", r.access(r.handlerOperatorRate("/projects", rateLimitWrite, rateWindowDefault, r.handleProjects)))
	r.mux.HandleFunc("/projects/", r.access(r.handlerOperatorRate("/projects/", rateLimitWrite, rateWindowDefault, r.handleProjectSubroutes)))
	r.mux.HandleFunc("/servers", r.access(r.handlerOperatorRate("/servers", rateLimitWrite, rateWindowDefault, r.handleServers)))
	r.mux.HandleFunc("/servers/", r.access(r.handlerOperatorRate("/servers/", rateLimitRead, rateWindowDefault, r.handleServerByID)))
	r.mux.HandleFunc("/ws/events", r.access(r.handlerOperatorRate("/ws/events", rateLimitWebsocket, rateWindowRealtime, r.handleEventsWS)))
}

func (r *Router) handleProjects(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload project.CreateInput
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	p, d, err := r.project.Create(req.Context(), payload)
	if err != nil {
		if errors.Is(err, project.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if errors.Is(err, repository.ErrConflict) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, projectPayload(p, d))
}

func (r *Router) handleProjectSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/projects/")
	parts := strings.Split(trimmed, "/")
	if len(parts) < 1 || parts[0] == "" {
		r.notFound(w)
		return
	}
	projectID := parts[0]

	if len(parts) == 1 {
		r.handleProjectGet(w, req, projectID)
		return
	}
	if len(parts) != 2 {
		r.notFound(w)
		return
	}
	switch parts[1] {
	case "provision":
		r.handleProvision(w, req, projectID)
	case "retry":
		r.handleRetry(w, req, projectID)
	case "suspend":
		r.handleSuspend(w, req, projectID)
	case "archive":
		r.handleArchive(w, req, projectID)
	case "audit":
		r.handleAuditList(w, req, projectID)
	default:
		r.notFound(w)
	}
}

func (r *Router) handleProjectGet(w http.ResponseWriter, req *http.Request, projectID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	p, d, err := r.project.Get(req.Context(), projectID)
	if err != nil {
		r.writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, projectPayload(p, d))
}

// handleProvision starts a provisioning run in the background and answers
// immediately. Progress is observable through the audit trail and the event
// stream.
func (r *Router) handleProvision(w http.ResponseWriter, req *http.Request, projectID string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	p, _, err := r.project.Get(req.Context(), projectID)
	if err != nil {
		r.writeLookupError(w, err)
		return
	}
	switch {
	case p.Status == domain.StatusActive:
		writeJSON(w, http.StatusOK, map[string]string{"status": "active"})
		return
	case p.Status == domain.StatusError:
		writeError(w, http.StatusConflict, "project is in error state, use retry")
		return
	case p.Status.Terminal():
		writeError(w, http.StatusConflict, fmt.Sprintf("project is %s", p.Status))
		return
	}

	r.runDetached(req, projectID, "provision", func(ctx context.Context) error {
		return r.provisioner.Provision(ctx, projectID)
	})
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (r *Router) handleRetry(w http.ResponseWriter, req *http.Request, projectID string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	p, _, err := r.project.Get(req.Context(), projectID)
	if err != nil {
		r.writeLookupError(w, err)
		return
	}
	if p.Status != domain.StatusError {
		writeError(w, http.StatusConflict, "project is not in error state")
		return
	}
	if !p.CanRetry(r.maxRetries) {
		writeError(w, http.StatusConflict, "retry limit reached, manual escalation required")
		return
	}

	actor := operatorActor(req)
	r.runDetached(req, projectID, "retry", func(ctx context.Context) error {
		return r.provisioner.Retry(ctx, projectID, actor)
	})
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (r *Router) handleSuspend(w http.ResponseWriter, req *http.Request, projectID string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if err := r.project.Suspend(req.Context(), projectID, operatorActor(req)); err != nil {
		r.writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "suspended"})
}

func (r *Router) handleArchive(w http.ResponseWriter, req *http.Request, projectID string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if err := r.project.Archive(req.Context(), projectID, operatorActor(req)); err != nil {
		r.writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "archived"})
}

func (r *Router) handleAuditList(w http.ResponseWriter, req *http.Request, projectID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = defaultAuditLimit
	}
	offset, _ := strconv.Atoi(req.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}
	entries, err := r.audit.List(req.Context(), projectID, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (r *Router) handleServers(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodPost:
		var payload server.RegisterInput
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		srv, err := r.server.Register(req.Context(), payload)
		if err != nil {
			if errors.Is(err, server.ErrInvalidInput) {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, srv)
	case http.MethodGet:
		servers, err := r.server.List(req.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, servers)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleServerByID(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	serverID := strings.TrimPrefix(req.URL.Path, "/servers/")
	if serverID == "" || strings.Contains(serverID, "/") {
		r.notFound(w)
		return
	}
	srv, err := r.server.Get(req.Context(), serverID)
	if err != nil {
		r.writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, srv)
}

func (r *Router) handleEventsWS(w http.ResponseWriter, req *http.Request) {
	projectID := req.URL.Query().Get("project_id")
	if projectID == "" {
		writeError(w, http.StatusBadRequest, "project_id query parameter required")
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.audit.Hub().Register(projectID, client)
	go func() {
		defer func() {
			r.audit.Hub().Unregister(projectID, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

// runDetached starts work that outlives the request. The provisioning run
// carries its own timeout, so only request cancellation is stripped.
func (r *Router) runDetached(req *http.Request, projectID, op string, fn func(ctx context.Context) error) {
	ctx := context.WithoutCancel(req.Context())
	go func() {
		if err := fn(ctx); err != nil {
			r.logger.Error("background operation failed",
				"op", op, "project_id", projectID, "error", err)
		}
	}()
}

func (r *Router) writeLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, repository.ErrNotFound) {
		r.notFound(w)
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func (r *Router) writeLifecycleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		r.notFound(w)
	case errors.Is(err, project.ErrIllegalTransition), errors.Is(err, repository.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func projectPayload(p *domain.Project, d *domain.Domain) map[string]any {
	payload := map[string]any{
		"id":          p.ID,
		"name":        p.Name,
		"domain_name": p.DomainName,
		"status":      p.Status,
		"retry_count": p.RetryCount,
		"enabled":     p.Enabled,
		"modules":     p.Modules,
		"created_at":  p.CreatedAt.Format(time.RFC3339Nano),
	}
	if p.LastError != "" {
		payload["last_error"] = p.LastError
	}
	if p.ServerID != nil {
		payload["server_id"] = *p.ServerID
	}
	if p.PlatformProjectID != "" {
		payload["platform_project_id"] = p.PlatformProjectID
	}
	if p.PlatformAppID != "" {
		payload["platform_app_id"] = p.PlatformAppID
	}
	if p.CompletedAt != nil {
		payload["completed_at"] = p.CompletedAt.Format(time.RFC3339Nano)
	}
	if d != nil {
		payload["domain"] = map[string]any{
			"id":     d.ID,
			"name":   d.Name,
			"type":   d.Type,
			"status": d.Status,
		}
	}
	return payload
}

// operatorActor names the acting operator for audit entries. The admin API is
// token-authenticated, so the best available identity is a self-reported
// header.
func operatorActor(req *http.Request) string {
	if actor := strings.TrimSpace(req.Header.Get("X-Operator")); actor != "" {
		return "operator:" + actor
	}
	return "operator"
}

// access logs every request with status, latency and caller metadata, and
// feeds the request metrics.
func (r *Router) access(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		r.recordRequestMetrics(req.Method, routeLabel(req.URL.Path), status, duration)

		actor := "anonymous"
		if isOperator(ctx) {
			actor = operatorActor(req)
		}
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
			provisionActorField, actor,
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

// routeLabel collapses per-resource paths so metric labels stay bounded.
func routeLabel(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		return path
	}
	switch parts[0] {
	case "projects":
		if len(parts) == 1 {
			return "/projects"
		}
		if len(parts) == 3 {
			return "/projects/{id}/" + parts[2]
		}
		return "/projects/{id}"
	case "servers":
		if len(parts) == 1 {
			return "/servers"
		}
		return "/servers/{id}"
	default:
		return "/" + parts[0]
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func (sr *statusRecorder) Push(target string, opts *http.PushOptions) error {
	if p, ok := sr.ResponseWriter.(http.Pusher); ok {
		return p.Push(target, opts)
	}
	return http.ErrNotSupported
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
