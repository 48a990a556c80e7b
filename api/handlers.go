// Package api exposes the weave control plane over HTTP: sync connection
// management, job triggering and inspection, live progress streams, and
// collection search. Every route is tenant-scoped through the auth
// middleware; handlers never trust ids across tenant boundaries.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"weave.evalgo.org/destination"
	"weave.evalgo.org/entity"
	"weave.evalgo.org/progress"
	"weave.evalgo.org/queue"
	"weave.evalgo.org/schedule"
	"weave.evalgo.org/search"
	"weave.evalgo.org/security"
	"weave.evalgo.org/source"
	"weave.evalgo.org/store"
	"weave.evalgo.org/version"
)

// Enqueuer hands sync jobs to the worker queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, job queue.Job) error
}

// SearchService runs queries against a collection namespace.
// *search.Searcher satisfies it.
type SearchService interface {
	Search(ctx context.Context, namespace, query string, opts search.Options) (*search.Response, error)
}

// Handlers bundles the API handlers and their dependencies.
type Handlers struct {
	Store    store.Store
	Queue    Enqueuer
	Stream   progress.Stream
	Searcher SearchService
	Sources  *source.Registry
	JWT      *security.JWTService

	// TokenTTL is the lifetime of issued API tokens.
	TokenTTL time.Duration

	// SearchMaxLimit caps the per-request result window.
	SearchMaxLimit int

	Log *logrus.Logger
}

// Register mounts all tenant-scoped routes on g. Auth middleware is the
// caller's responsibility; see Server.
func (h *Handlers) Register(g *echo.Group) {
	g.POST("/sync/connections", h.CreateConnection)
	g.GET("/sync/connections", h.ListConnections)
	g.GET("/sync/connections/:id", h.GetConnection)
	g.DELETE("/sync/connections/:id", h.DeleteConnection)
	g.POST("/sync/connections/:id/pause", h.PauseConnection)
	g.POST("/sync/connections/:id/resume", h.ResumeConnection)
	g.POST("/sync/connections/:id/run", h.RunConnection)
	g.GET("/sync/connections/:id/jobs", h.ListJobs)
	g.GET("/sync/jobs/:jobID", h.GetJob)
	g.GET("/sync/jobs/:jobID/progress", h.JobProgress)
	g.POST("/collections/:collectionID/search", h.SearchCollection)
}

// CreateConnectionRequest is the wire form of a new sync connection.
type CreateConnectionRequest struct {
	Name         string                 `json:"name"`
	SourceName   string                 `json:"source_name"`
	CollectionID string                 `json:"collection_id"`
	Settings     map[string]interface{} `json:"settings"`
	Schedule     string                 `json:"schedule"`
}

// CreateConnection registers a new source→collection link.
func (h *Handlers) CreateConnection(c echo.Context) error {
	var req CreateConnectionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	if req.Name == "" || req.SourceName == "" || req.CollectionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name, source_name and collection_id are required")
	}
	if !h.sourceKnown(req.SourceName) {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown source: "+req.SourceName)
	}
	if req.Schedule != "" {
		if _, err := schedule.Validate(req.Schedule, h.Sources.SupportsContinuous(req.SourceName)); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}

	settings, err := json.Marshal(req.Settings)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "settings are not serializable")
	}

	conn := &store.SyncConnection{
		ID:           uuid.NewString(),
		TenantID:     TenantID(c),
		CollectionID: req.CollectionID,
		Name:         req.Name,
		SourceName:   req.SourceName,
		SettingsJSON: string(settings),
		Schedule:     req.Schedule,
	}
	if err := h.Store.CreateConnection(c.Request().Context(), conn); err != nil {
		return h.httpError(err)
	}
	return c.JSON(http.StatusCreated, conn)
}

// ListConnections returns the tenant's connections.
func (h *Handlers) ListConnections(c echo.Context) error {
	conns, err := h.Store.ListConnections(c.Request().Context(), TenantID(c))
	if err != nil {
		return h.httpError(err)
	}
	if conns == nil {
		conns = []store.SyncConnection{}
	}
	return c.JSON(http.StatusOK, conns)
}

// GetConnection returns one connection.
func (h *Handlers) GetConnection(c echo.Context) error {
	conn, err := h.tenantConnection(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, conn)
}

// DeleteConnection removes a connection. Synced data stays in the
// destination until the collection is deleted.
func (h *Handlers) DeleteConnection(c echo.Context) error {
	if _, err := h.tenantConnection(c); err != nil {
		return err
	}
	if err := h.Store.DeleteConnection(c.Request().Context(), c.Param("id")); err != nil {
		return h.httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// PauseConnection stops scheduled runs until resumed.
func (h *Handlers) PauseConnection(c echo.Context) error {
	return h.setPaused(c, true)
}

// ResumeConnection re-enables scheduled runs.
func (h *Handlers) ResumeConnection(c echo.Context) error {
	return h.setPaused(c, false)
}

func (h *Handlers) setPaused(c echo.Context, paused bool) error {
	conn, err := h.tenantConnection(c)
	if err != nil {
		return err
	}
	if err := h.Store.SetPaused(c.Request().Context(), conn.ID, paused); err != nil {
		return h.httpError(err)
	}
	conn.Paused = paused
	return c.JSON(http.StatusOK, conn)
}

// RunConnection creates a pending job and enqueues it for the worker pool.
func (h *Handlers) RunConnection(c echo.Context) error {
	conn, err := h.tenantConnection(c)
	if err != nil {
		return err
	}
	if conn.Paused {
		return echo.NewHTTPError(http.StatusConflict, "connection is paused")
	}

	ctx := c.Request().Context()
	job := &store.SyncJob{
		ID:           uuid.NewString(),
		ConnectionID: conn.ID,
		TenantID:     conn.TenantID,
		State:        store.JobPending,
		Trigger:      store.TriggerManual,
	}
	if err := h.Store.CreateJob(ctx, job); err != nil {
		return h.httpError(err)
	}
	if err := h.Queue.Enqueue(ctx, queue.Job{
		JobID:        job.ID,
		ConnectionID: conn.ID,
		TenantID:     conn.TenantID,
		Trigger:      store.TriggerManual,
	}); err != nil {
		h.log().WithError(err).WithField("sync_job_id", job.ID).Error("failed to enqueue sync job")
		return h.httpError(err)
	}
	return c.JSON(http.StatusAccepted, job)
}

// ListJobs returns the most recent jobs of a connection, newest first.
func (h *Handlers) ListJobs(c echo.Context) error {
	conn, err := h.tenantConnection(c)
	if err != nil {
		return err
	}
	limit := 20
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = n
	}
	jobs, err := h.Store.ListJobs(c.Request().Context(), conn.ID, limit)
	if err != nil {
		return h.httpError(err)
	}
	if jobs == nil {
		jobs = []store.SyncJob{}
	}
	return c.JSON(http.StatusOK, jobs)
}

// GetJob returns one job with its counters and terminal error, if any.
func (h *Handlers) GetJob(c echo.Context) error {
	job, err := h.tenantJob(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, job)
}

// JobProgress streams job progress events over SSE until the job reaches a
// terminal state or the client disconnects.
func (h *Handlers) JobProgress(c echo.Context) error {
	if _, err := h.tenantJob(c); err != nil {
		return err
	}
	return progress.SSEHandler(h.Stream)(c)
}

// SearchRequest is the wire form of a collection query.
type SearchRequest struct {
	Query   string                 `json:"query"`
	Options map[string]interface{} `json:"options"`
}

// SearchCollection runs a query against the tenant's collection.
func (h *Handlers) SearchCollection(c echo.Context) error {
	var req SearchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	opts, err := search.ParseOptions(req.Options)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if h.SearchMaxLimit > 0 && opts.Limit > h.SearchMaxLimit {
		return echo.NewHTTPError(http.StatusBadRequest,
			"limit exceeds maximum of "+strconv.Itoa(h.SearchMaxLimit))
	}

	namespace := destination.CollectionNamespace(TenantID(c), c.Param("collectionID"))
	resp, err := h.Searcher.Search(c.Request().Context(), namespace, req.Query, opts)
	if err != nil {
		return h.httpError(err)
	}
	return c.JSON(http.StatusOK, resp)
}

// TokenRequest asks for a tenant-scoped bearer token. The endpoint itself
// is guarded by the static API key, which names the tenant via header.
type TokenResponse struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in"`
}

// IssueToken mints a bearer token for the authenticated tenant.
func (h *Handlers) IssueToken(c echo.Context) error {
	ttl := h.TokenTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	token, err := h.JWT.GenerateToken("api-client", TenantID(c), ttl)
	if err != nil {
		return h.httpError(err)
	}
	return c.JSON(http.StatusOK, TokenResponse{Token: token, ExpiresIn: int64(ttl.Seconds())})
}

// Health reports liveness.
func (h *Handlers) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// Version reports the build information of the running binary.
func (h *Handlers) Version(c echo.Context) error {
	return c.JSON(http.StatusOK, version.GetBuildInfo())
}

// tenantConnection loads the connection from the path and enforces tenant
// ownership. Foreign connections read as not found.
func (h *Handlers) tenantConnection(c echo.Context) (*store.SyncConnection, error) {
	conn, err := h.Store.GetConnection(c.Request().Context(), c.Param("id"))
	if err != nil {
		return nil, h.httpError(err)
	}
	if conn.TenantID != TenantID(c) {
		return nil, echo.NewHTTPError(http.StatusNotFound, "connection not found")
	}
	return conn, nil
}

func (h *Handlers) tenantJob(c echo.Context) (*store.SyncJob, error) {
	job, err := h.Store.GetJob(c.Request().Context(), c.Param("jobID"))
	if err != nil {
		return nil, h.httpError(err)
	}
	if job.TenantID != TenantID(c) {
		return nil, echo.NewHTTPError(http.StatusNotFound, "job not found")
	}
	return job, nil
}

func (h *Handlers) sourceKnown(name string) bool {
	if h.Sources == nil {
		return false
	}
	for _, n := range h.Sources.Names() {
		if n == name {
			return true
		}
	}
	return false
}

func (h *Handlers) httpError(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	case errors.Is(err, entity.ErrInvalidConfig):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		h.log().WithError(err).Error("request failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}

func (h *Handlers) log() *logrus.Logger {
	if h.Log != nil {
		return h.Log
	}
	return logrus.New()
}
