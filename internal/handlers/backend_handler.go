package handlers

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/harvest/internal/interfaces"
	"github.com/ternarybob/harvest/internal/models"
	"github.com/ternarybob/harvest/internal/orchestrator"
	"github.com/ternarybob/harvest/internal/services/scheduler"
)

const (
	defaultRunHistory = 20
	maxRunHistory     = 200
	maxEntityPage     = 1000
)

// ScheduleProvider reports a backend's cron schedule
type ScheduleProvider interface {
	Status(name string) (scheduler.Status, bool)
}

// StartRunRequest is the body of POST /run/start. OnlyUnprocessed defaults to true.
type StartRunRequest struct {
	EntityIDs       []string `json:"entityIds" validate:"omitempty,dive,required"`
	OnlyUnprocessed *bool    `json:"onlyUnprocessed"`
	Confirmed       bool     `json:"confirmed"`
}

// ConcurrencyRequest is the body of PUT /run/concurrency
type ConcurrencyRequest struct {
	Concurrency int `json:"concurrency" validate:"required,min=1"`
}

// EnqueueRequest is the body of POST /queue
type EnqueueRequest struct {
	EntityIDs []string `json:"entityIds" validate:"required,min=1,dive,required"`
}

// EntityInput is one entity of a registration
type EntityInput struct {
	ID    string `json:"id" validate:"required"`
	Label string `json:"label"`
}

// RegisterEntitiesRequest is the body of POST /entities
type RegisterEntitiesRequest struct {
	Entities []EntityInput `json:"entities" validate:"required,min=1,dive"`
}

// EntityCounts summarises a backend's registry
type EntityCounts struct {
	Total       int `json:"total"`
	Unprocessed int `json:"unprocessed"`
}

// BackendInfo is one row of GET /api/backends
type BackendInfo struct {
	Name     string            `json:"name"`
	Run      models.Run        `json:"run"`
	Entities EntityCounts      `json:"entities"`
	Schedule *scheduler.Status `json:"schedule,omitempty"`
}

// BackendHandler serves the per-backend control plane, entity registry and run history
type BackendHandler struct {
	manager   *orchestrator.Manager
	entities  interfaces.EntityStorage
	runs      interfaces.RunStorage
	schedules ScheduleProvider
	logger    arbor.ILogger
}

// NewBackendHandler creates the handler. schedules may be nil.
func NewBackendHandler(manager *orchestrator.Manager, entities interfaces.EntityStorage, runs interfaces.RunStorage, schedules ScheduleProvider, logger arbor.ILogger) *BackendHandler {
	return &BackendHandler{
		manager:   manager,
		entities:  entities,
		runs:      runs,
		schedules: schedules,
		logger:    logger,
	}
}

func (h *BackendHandler) lookup(w http.ResponseWriter, r *http.Request) (*orchestrator.Orchestrator, bool) {
	o, err := h.manager.Get(r.PathValue("name"))
	if err != nil {
		WriteServiceError(w, err)
		return nil, false
	}
	return o, true
}

// ListBackendsHandler - GET /api/backends
func (h *BackendHandler) ListBackendsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	statuses := h.manager.Statuses()
	out := make([]BackendInfo, 0, len(statuses))
	for _, run := range statuses {
		info := BackendInfo{Name: run.Backend, Run: run}
		total, unprocessed, err := h.entities.CountEntities(r.Context(), run.Backend)
		if err != nil {
			h.logger.Warn().Err(err).Str("backend", run.Backend).Msg("Failed to count entities")
		}
		info.Entities = EntityCounts{Total: total, Unprocessed: unprocessed}
		if h.schedules != nil {
			if st, ok := h.schedules.Status(run.Backend); ok {
				info.Schedule = &st
			}
		}
		out = append(out, info)
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"backends": out,
	})
}

// RunStatusHandler - GET /api/backends/{name}/run
func (h *BackendHandler) RunStatusHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	o, ok := h.lookup(w, r)
	if !ok {
		return
	}
	WriteJSON(w, http.StatusOK, o.Status())
}

// RunActionHandler - POST /api/backends/{name}/run/{action}
// for start, pause, resume and stop
func (h *BackendHandler) RunActionHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	o, ok := h.lookup(w, r)
	if !ok {
		return
	}

	var (
		run models.Run
		err error
	)
	action := r.PathValue("action")
	switch action {
	case "start":
		var req StartRunRequest
		if err := DecodeJSON(r, &req); err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		run, err = o.Start(r.Context(), orchestrator.StartRequest{
			EntityIDs:        req.EntityIDs,
			IncludeProcessed: req.OnlyUnprocessed != nil && !*req.OnlyUnprocessed,
			Confirmed:        req.Confirmed,
			Trigger:          orchestrator.TriggerOperator,
		})
	case "pause":
		run, err = o.Pause()
	case "resume":
		run, err = o.Resume()
	case "stop":
		run = o.ForceStop()
	default:
		WriteError(w, http.StatusNotFound, fmt.Sprintf("unknown run action %q", action))
		return
	}

	if err != nil {
		h.logger.Debug().
			Err(err).
			Str("backend", o.Backend()).
			Str("action", action).
			Msg("Run action rejected")
		WriteServiceError(w, err)
		return
	}

	h.logger.Info().
		Str("backend", o.Backend()).
		Str("action", action).
		Str("state", string(run.State)).
		Msg("Run action applied")
	WriteJSON(w, http.StatusOK, run)
}

// ConcurrencyHandler - PUT /api/backends/{name}/run/concurrency
func (h *BackendHandler) ConcurrencyHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPut) {
		return
	}
	o, ok := h.lookup(w, r)
	if !ok {
		return
	}

	var req ConcurrencyRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	run, err := o.SetConcurrency(req.Concurrency)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, run)
}

// EnqueueHandler - POST /api/backends/{name}/queue
func (h *BackendHandler) EnqueueHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	o, ok := h.lookup(w, r)
	if !ok {
		return
	}

	var req EnqueueRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	added, err := o.Enqueue(r.Context(), req.EntityIDs)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"added": added,
		"run":   o.Status(),
	})
}

// LogsHandler - GET /api/backends/{name}/logs?since=<id>
func (h *BackendHandler) LogsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	o, ok := h.lookup(w, r)
	if !ok {
		return
	}

	var since int64
	if raw := r.URL.Query().Get("since"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			WriteError(w, http.StatusBadRequest, "since must be a non-negative log id")
			return
		}
		since = n
	}

	ring := o.Ring()
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"entries": o.Logs(since),
		"last_id": ring.LastID(),
		"dropped": ring.Dropped(),
	})
}

// RunHistoryHandler - GET /api/backends/{name}/runs?limit=N
func (h *BackendHandler) RunHistoryHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	o, ok := h.lookup(w, r)
	if !ok {
		return
	}

	runs, err := h.runs.ListRuns(r.Context(), o.Backend(), QueryInt(r, "limit", defaultRunHistory, maxRunHistory))
	if err != nil {
		h.logger.Error().Err(err).Str("backend", o.Backend()).Msg("Failed to list runs")
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"runs": runs,
	})
}

// RunDetailHandler - GET /api/runs/{id}
func (h *BackendHandler) RunDetailHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	id := r.PathValue("id")
	run, err := h.runs.GetRun(r.Context(), id)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	jobs, err := h.runs.ListJobRecords(r.Context(), id)
	if err != nil {
		h.logger.Error().Err(err).Str("run_id", id).Msg("Failed to list job records")
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"run":  run,
		"jobs": jobs,
	})
}

// EntitiesHandler - GET|POST /api/backends/{name}/entities
func (h *BackendHandler) EntitiesHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.listEntities(w, r)
	case http.MethodPost:
		h.registerEntities(w, r)
	default:
		WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (h *BackendHandler) listEntities(w http.ResponseWriter, r *http.Request) {
	o, ok := h.lookup(w, r)
	if !ok {
		return
	}

	opts := interfaces.EntityListOptions{
		UnprocessedOnly: r.URL.Query().Get("unprocessed") == "true",
		Limit:           QueryInt(r, "limit", 0, maxEntityPage),
		Offset:          QueryInt(r, "offset", 0, 0),
	}
	list, err := h.entities.ListEntities(r.Context(), o.Backend(), opts)
	if err != nil {
		h.logger.Error().Err(err).Str("backend", o.Backend()).Msg("Failed to list entities")
		WriteServiceError(w, err)
		return
	}
	total, unprocessed, err := h.entities.CountEntities(r.Context(), o.Backend())
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"entities":    list,
		"total":       total,
		"unprocessed": unprocessed,
	})
}

func (h *BackendHandler) registerEntities(w http.ResponseWriter, r *http.Request) {
	o, ok := h.lookup(w, r)
	if !ok {
		return
	}

	var req RegisterEntitiesRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	list := make([]*models.Entity, len(req.Entities))
	for i, in := range req.Entities {
		list[i] = &models.Entity{ID: in.ID, Label: in.Label, Backend: o.Backend()}
	}
	created, err := h.entities.SaveEntities(r.Context(), list)
	if err != nil {
		h.logger.Error().Err(err).Str("backend", o.Backend()).Msg("Failed to register entities")
		WriteServiceError(w, err)
		return
	}

	h.logger.Info().
		Str("backend", o.Backend()).
		Int("received", len(list)).
		Int("created", created).
		Msg("Entities registered")
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"received": len(list),
		"created":  created,
	})
}

// ResetEntitiesHandler - POST /api/backends/{name}/entities/reset
func (h *BackendHandler) ResetEntitiesHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	o, ok := h.lookup(w, r)
	if !ok {
		return
	}

	n, err := h.entities.ResetProcessed(r.Context(), o.Backend())
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]int{"reset": n})
}

// DeleteEntityHandler - DELETE /api/backends/{name}/entities/{id}
func (h *BackendHandler) DeleteEntityHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodDelete) {
		return
	}
	o, ok := h.lookup(w, r)
	if !ok {
		return
	}

	if err := h.entities.DeleteEntity(r.Context(), o.Backend(), r.PathValue("id")); err != nil {
		WriteServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
