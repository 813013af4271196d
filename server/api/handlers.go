package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/GoCodeAlone/pinion/claim"
	"github.com/GoCodeAlone/pinion/comms"
	"github.com/GoCodeAlone/pinion/help"
	"github.com/GoCodeAlone/pinion/lock"
	"github.com/GoCodeAlone/pinion/session"
	"github.com/GoCodeAlone/pinion/task"
)

// Handlers bundles all REST API handler dependencies.
type Handlers struct {
	Tasks    TaskRegistry
	Claims   ClaimEngine
	Sessions SessionDirectory
	Help     HelpDesk
	Locks    LockViewer
	Bus      comms.Bus
	Logger   *slog.Logger
	Version  string

	validate *validator.Validate
}

// RegisterRoutes registers all API routes on the given mux.
func (h *Handlers) RegisterRoutes(mux *http.ServeMux) {
	h.validate = validator.New(validator.WithRequiredStructEnabled())

	mux.HandleFunc("POST /api/sessions/checkin", h.checkIn)
	mux.HandleFunc("GET /api/sessions", h.listSessions)
	mux.HandleFunc("GET /api/sessions/{id}", h.getSession)
	mux.HandleFunc("POST /api/sessions/{id}/heartbeat", h.heartbeat)
	mux.HandleFunc("POST /api/sessions/{id}/checkout", h.checkOut)

	mux.HandleFunc("GET /api/tasks", h.listTasks)
	mux.HandleFunc("POST /api/tasks", h.createTask)
	mux.HandleFunc("GET /api/tasks/claimable", h.claimableTasks)
	mux.HandleFunc("GET /api/tasks/blocked", h.blockedTasks)
	mux.HandleFunc("GET /api/tasks/{id}", h.getTask)
	mux.HandleFunc("PATCH /api/tasks/{id}", h.updateTask)
	mux.HandleFunc("GET /api/tasks/{id}/locks", h.listLocks)
	mux.HandleFunc("GET /api/tasks/{id}/help", h.listTaskHelp)
	mux.HandleFunc("POST /api/tasks/{id}/reserve", h.reserveTask)
	mux.HandleFunc("POST /api/tasks/{id}/complete", h.completeTask)
	mux.HandleFunc("POST /api/tasks/batch", h.batchTasks)

	mux.HandleFunc("POST /api/claim", h.claimTask)
	mux.HandleFunc("GET /api/suggest", h.suggestAgent)
	mux.HandleFunc("GET /api/board", h.board)

	mux.HandleFunc("POST /api/help", h.requestHelp)
	mux.HandleFunc("GET /api/help", h.listOpenHelp)
	mux.HandleFunc("GET /api/help/{id}", h.getHelp)
	mux.HandleFunc("POST /api/help/{id}/accept", h.acceptHelp)
	mux.HandleFunc("POST /api/help/{id}/complete", h.completeHelp)
	mux.HandleFunc("POST /api/help/{id}/cancel", h.cancelHelp)

	mux.HandleFunc("GET /api/events", h.listEvents)

	mux.HandleFunc("GET /api/status", h.status)
	mux.HandleFunc("GET /api/version", h.version)
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decodeValid decodes the request body into v and runs struct validation.
func (h *Handlers) decodeValid(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return false
	}
	return true
}

// writeDomainError maps domain errors onto HTTP status codes.
func writeDomainError(w http.ResponseWriter, err error) {
	var (
		lockConflict  *lock.ConflictError
		alreadyLocked *claim.AlreadyLockedError
		notClaimable  *claim.NotClaimableError
		unmetDeps     *task.UnmetDependencyError
	)
	switch {
	case errors.Is(err, task.ErrNotFound),
		errors.Is(err, session.ErrNotFound),
		errors.Is(err, help.ErrNotFound),
		errors.Is(err, claim.ErrNoneClaimable):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &lockConflict),
		errors.As(err, &alreadyLocked),
		errors.As(err, &notClaimable),
		errors.As(err, &unmetDeps),
		errors.Is(err, task.ErrInvalidTransition),
		errors.Is(err, claim.ErrNotHolder),
		errors.Is(err, help.ErrNotOpen),
		errors.Is(err, help.ErrNotAccepted),
		errors.Is(err, help.ErrNotOwner),
		errors.Is(err, help.ErrSelfAccept):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// --- Session handlers ---

type checkInRequest struct {
	AgentName    string                     `json:"agent_name" validate:"required"`
	AgentVersion string                     `json:"agent_version"`
	Profile      *session.CapabilityProfile `json:"profile,omitempty"`
}

func (h *Handlers) checkIn(w http.ResponseWriter, r *http.Request) {
	var req checkInRequest
	if !h.decodeValid(w, r, &req) {
		return
	}
	sess, err := h.Claims.CheckIn(r.Context(), req.AgentName, req.AgentVersion, req.Profile)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (h *Handlers) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.Sessions.ListActive(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if sessions == nil {
		sessions = []*session.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (h *Handlers) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.Sessions.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

type heartbeatRequest struct {
	TaskID string `json:"task_id"`
}

func (h *Handlers) heartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}
	if err := h.Claims.Heartbeat(r.Context(), r.PathValue("id"), req.TaskID); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) checkOut(w http.ResponseWriter, r *http.Request) {
	if err := h.Claims.CheckOut(r.Context(), r.PathValue("id")); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Task handlers ---

func (h *Handlers) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := task.Filter{}

	if s := q.Get("status"); s != "" {
		st := task.Status(s)
		filter.Status = &st
	}
	if a := q.Get("assignee"); a != "" {
		filter.Assignee = a
	}
	if q.Get("unbatched") == "true" {
		filter.Unbatched = true
	}
	if l := q.Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil {
			filter.Limit = n
		}
	}
	if o := q.Get("offset"); o != "" {
		if n, err := strconv.Atoi(o); err == nil {
			filter.Offset = n
		}
	}

	tasks, err := h.Tasks.List(r.Context(), filter)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if tasks == nil {
		tasks = []*task.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

type createTaskRequest struct {
	Title       string   `json:"title" validate:"required"`
	Description string   `json:"description"`
	Priority    string   `json:"priority"`
	Tags        []string `json:"tags"`
	DependsOn   []string `json:"depends_on"`
	BatchID     string   `json:"batch_id"`
}

func (h *Handlers) createTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if !h.decodeValid(w, r, &req) {
		return
	}
	t := &task.Task{
		Title:       req.Title,
		Description: req.Description,
		Priority:    task.ParsePriority(req.Priority),
		Tags:        req.Tags,
		DependsOn:   req.DependsOn,
		BatchID:     req.BatchID,
	}
	id, err := h.Tasks.Create(r.Context(), t)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	created, err := h.Tasks.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if h.Bus != nil {
		ev := &comms.Event{
			ID:        uuid.NewString(),
			Type:      comms.EventTaskCreated,
			TaskID:    id,
			Subject:   created.Title,
			Timestamp: time.Now().UTC(),
		}
		if err := h.Bus.Publish(r.Context(), ev); err != nil {
			h.Logger.Warn("publish event", slog.String("type", string(ev.Type)), slog.Any("err", err))
		}
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handlers) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.Tasks.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type updateTaskRequest struct {
	Title       *string   `json:"title"`
	Description *string   `json:"description"`
	Priority    *string   `json:"priority"`
	Tags        *[]string `json:"tags"`
	DependsOn   *[]string `json:"depends_on"`
}

func (h *Handlers) updateTask(w http.ResponseWriter, r *http.Request) {
	existing, err := h.Tasks.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	var req updateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Title != nil {
		existing.Title = *req.Title
	}
	if req.Description != nil {
		existing.Description = *req.Description
	}
	if req.Priority != nil {
		existing.Priority = task.ParsePriority(*req.Priority)
	}
	if req.Tags != nil {
		existing.Tags = *req.Tags
	}
	if req.DependsOn != nil {
		existing.DependsOn = *req.DependsOn
	}

	if err := h.Tasks.Update(r.Context(), existing); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, existing)
}

func (h *Handlers) claimableTasks(w http.ResponseWriter, r *http.Request) {
	excludeAssigned := r.URL.Query().Get("exclude_assigned") == "true"
	tasks, err := h.Tasks.Claimable(r.Context(), excludeAssigned)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if tasks == nil {
		tasks = []*task.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (h *Handlers) blockedTasks(w http.ResponseWriter, r *http.Request) {
	blocked, err := h.Tasks.BlockedTasks(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if blocked == nil {
		blocked = []task.Blocked{}
	}
	writeJSON(w, http.StatusOK, blocked)
}

func (h *Handlers) board(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.Tasks.Snapshot(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if tasks == nil {
		tasks = []*task.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

type batchRequest struct {
	TaskIDs []string `json:"task_ids" validate:"required,min=1"`
	BatchID string   `json:"batch_id" validate:"required"`
}

func (h *Handlers) batchTasks(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if !h.decodeValid(w, r, &req) {
		return
	}
	if err := h.Tasks.SetBatchID(r.Context(), req.TaskIDs, req.BatchID); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) listLocks(w http.ResponseWriter, r *http.Request) {
	locks, err := h.Locks.List(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if locks == nil {
		locks = []*lock.Lock{}
	}
	writeJSON(w, http.StatusOK, locks)
}

// --- Claim handlers ---

type claimRequest struct {
	SessionID string `json:"session_id" validate:"required"`
	TaskID    string `json:"task_id"`
}

func (h *Handlers) claimTask(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if !h.decodeValid(w, r, &req) {
		return
	}
	t, err := h.Claims.ClaimTask(r.Context(), req.SessionID, req.TaskID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type sessionRequest struct {
	SessionID string `json:"session_id" validate:"required"`
}

func (h *Handlers) reserveTask(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if !h.decodeValid(w, r, &req) {
		return
	}
	l, err := h.Claims.Reserve(r.Context(), req.SessionID, r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (h *Handlers) completeTask(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if !h.decodeValid(w, r, &req) {
		return
	}
	if err := h.Claims.CompleteTask(r.Context(), req.SessionID, r.PathValue("id")); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type suggestResponse struct {
	Session *session.Session `json:"session"`
	Score   float64          `json:"score"`
}

func (h *Handlers) suggestAgent(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	description := q.Get("description")
	var tags []string
	if t := q.Get("tags"); t != "" {
		tags = strings.Split(t, ",")
	}
	sess, score, err := h.Sessions.FindBestAgent(r.Context(), description, tags)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if sess == nil {
		writeError(w, http.StatusNotFound, "no suitable agent")
		return
	}
	writeJSON(w, http.StatusOK, suggestResponse{Session: sess, Score: score})
}

// --- Help handlers ---

type helpRequest struct {
	TaskID          string `json:"task_id" validate:"required"`
	SessionID       string `json:"session_id" validate:"required"`
	Kind            string `json:"kind" validate:"required"`
	Context         string `json:"context"`
	Urgency         int    `json:"urgency" validate:"min=0,max=3"`
	EstimateMinutes int    `json:"estimate_minutes" validate:"min=0"`
}

func (h *Handlers) requestHelp(w http.ResponseWriter, r *http.Request) {
	var req helpRequest
	if !h.decodeValid(w, r, &req) {
		return
	}
	hr, err := h.Help.Request(r.Context(), req.TaskID, req.SessionID, req.Kind, req.Context, help.Urgency(req.Urgency), req.EstimateMinutes)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, hr)
}

func (h *Handlers) listOpenHelp(w http.ResponseWriter, r *http.Request) {
	reqs, err := h.Help.ListOpen(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if reqs == nil {
		reqs = []*help.Request{}
	}
	writeJSON(w, http.StatusOK, reqs)
}

func (h *Handlers) getHelp(w http.ResponseWriter, r *http.Request) {
	hr, err := h.Help.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hr)
}

func (h *Handlers) listTaskHelp(w http.ResponseWriter, r *http.Request) {
	reqs, err := h.Help.ListForTask(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if reqs == nil {
		reqs = []*help.Request{}
	}
	writeJSON(w, http.StatusOK, reqs)
}

type acceptHelpRequest struct {
	SessionID string `json:"session_id" validate:"required"`
	Message   string `json:"message"`
}

func (h *Handlers) acceptHelp(w http.ResponseWriter, r *http.Request) {
	var req acceptHelpRequest
	if !h.decodeValid(w, r, &req) {
		return
	}
	hr, err := h.Help.Accept(r.Context(), r.PathValue("id"), req.SessionID, req.Message)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hr)
}

type completeHelpRequest struct {
	Outcome string `json:"outcome"`
}

func (h *Handlers) completeHelp(w http.ResponseWriter, r *http.Request) {
	var req completeHelpRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}
	hr, err := h.Help.Complete(r.Context(), r.PathValue("id"), req.Outcome)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hr)
}

func (h *Handlers) cancelHelp(w http.ResponseWriter, r *http.Request) {
	if err := h.Help.Cancel(r.Context(), r.PathValue("id")); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Event handlers ---

func (h *Handlers) listEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil {
			limit = n
		}
	}
	var events []*comms.Event
	if h.Bus != nil {
		events = h.Bus.History(limit)
	}
	if events == nil {
		events = []*comms.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// --- Status / version ---

func (h *Handlers) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": h.Version,
	})
}

// StatusHandler returns the status handler function for external registration.
func (h *Handlers) StatusHandler() http.HandlerFunc {
	return h.status
}

func (h *Handlers) version(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version": h.Version,
	})
}
