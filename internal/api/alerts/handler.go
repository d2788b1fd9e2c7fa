// Package alerts serves the alert query, lifecycle and escalation endpoints.
package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/good-yellow-bee/blazealert/internal/alerting"
	"github.com/good-yellow-bee/blazealert/internal/api/middleware"
	"github.com/good-yellow-bee/blazealert/internal/authz"
	"github.com/good-yellow-bee/blazealert/internal/escalation"
	"github.com/good-yellow-bee/blazealert/internal/models"
	"github.com/good-yellow-bee/blazealert/internal/storage"
)

// Service is the alert engine as seen by the HTTP layer.
type Service interface {
	GetByID(ctx context.Context, subjectID, id string) (*models.Alert, error)
	GetDefinition(ctx context.Context, id string) (*models.AlertDefinition, error)
	SetAlertFixed(ctx context.Context, alert *models.Alert) error
	MarkEscalated(ctx context.Context, items []models.Escalatable) error
	DeleteAlerts(ctx context.Context, ids []string) (int64, error)
	DeleteEntityAlerts(ctx context.Context, subjectID string, entity models.EntityID) (int64, error)
	DeleteDefinitionAlerts(ctx context.Context, subjectID string, def *models.AlertDefinition) (int64, error)
	RemoveEntities(ctx context.Context, subjectID string, entities []models.EntityID) (int64, error)
	FindWindow(ctx context.Context, req alerting.WindowRequest) ([]*models.Alert, error)
	UnfixedCount(ctx context.Context, subjectID string, timeRange time.Duration, endTime time.Time, groupID int) (int64, error)
	FindEscalatables(ctx context.Context, subjectID string, count int, priority models.Priority,
		timeRange time.Duration, endTime time.Time, includes []models.EntityID) ([]models.Escalatable, error)
	FindEntityAlertsInRange(ctx context.Context, subjectID string, entity models.EntityID, begin, end time.Time,
		pc models.PageControl) (*models.PageList[*models.Alert], error)
	ShortReason(ctx context.Context, alert *models.Alert) string
	LongReason(ctx context.Context, alert *models.Alert) string
}

// Dispatcher hands escalatables to the escalation subsystem.
type Dispatcher interface {
	Dispatch(ctx context.Context, items []models.Escalatable) error
}

// Response helpers
type errorResponse struct {
	Error errorBody `json:"error"`
}
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
type dataResponse struct {
	Data any `json:"data"`
}

const (
	errCodeBadRequest       = "BAD_REQUEST"
	errCodeValidationFailed = "VALIDATION_FAILED"
	errCodeNotFound         = "NOT_FOUND"
	errCodeForbidden        = "FORBIDDEN"
	errCodeRateLimited      = "RATE_LIMITED"
	errCodeInternalError    = "INTERNAL_ERROR"
)

func (h *Handler) jsonError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(errorResponse{Error: errorBody{Code: code, Message: message}}); err != nil {
		h.logger.Warn("json encode error", zap.Error(err))
	}
}

func (h *Handler) jsonOK(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(dataResponse{Data: data}); err != nil {
		h.logger.Warn("json encode error", zap.Error(err))
	}
}

// serviceError maps engine errors onto HTTP responses.
func (h *Handler) serviceError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, authz.ErrPermissionDenied):
		h.jsonError(w, http.StatusForbidden, errCodeForbidden, "permission denied")
	case errors.Is(err, storage.ErrNotFound):
		h.jsonError(w, http.StatusNotFound, errCodeNotFound, "not found")
	case errors.Is(err, alerting.ErrInvalidCount), errors.Is(err, storage.ErrConditionNotFound):
		h.jsonError(w, http.StatusBadRequest, errCodeValidationFailed, err.Error())
	case errors.Is(err, escalation.ErrRateLimited):
		h.jsonError(w, http.StatusTooManyRequests, errCodeRateLimited, "escalation hand-off rate limited")
	default:
		h.logger.Error(op+" failed", zap.Error(err))
		h.jsonError(w, http.StatusInternalServerError, errCodeInternalError, "internal server error")
	}
}

// Response types
type AlertResponse struct {
	ID             string                  `json:"id"`
	DefinitionID   string                  `json:"definition_id"`
	DefinitionName string                  `json:"definition_name"`
	Priority       string                  `json:"priority"`
	Entity         string                  `json:"entity"`
	CreatedAt      string                  `json:"created_at"`
	Fixed          bool                    `json:"fixed"`
	ShortReason    string                  `json:"short_reason,omitempty"`
	LongReason     string                  `json:"long_reason,omitempty"`
	ConditionLogs  []*ConditionLogResponse `json:"condition_logs"`
	ActionLogs     []*ActionLogResponse    `json:"action_logs"`
}

type ConditionLogResponse struct {
	ConditionID   string `json:"condition_id,omitempty"`
	ConditionName string `json:"condition_name,omitempty"`
	Kind          string `json:"kind,omitempty"`
	Value         string `json:"value"`
}

type ActionLogResponse struct {
	ActionID  string `json:"action_id"`
	SubjectID string `json:"subject_id,omitempty"`
	Detail    string `json:"detail"`
	CreatedAt string `json:"created_at"`
}

type EscalatableResponse struct {
	Alert       *AlertResponse `json:"alert"`
	ShortReason string         `json:"short_reason"`
	LongReason  string         `json:"long_reason"`
}

type WindowResponse struct {
	Items      []*AlertResponse `json:"items"`
	NextCursor *CursorResponse  `json:"next_cursor,omitempty"`
}

type CursorResponse struct {
	AfterCTime int64  `json:"after_ctime"`
	AfterID    string `json:"after_id"`
}

type EntityAlertsResponse struct {
	Items   []*AlertResponse `json:"items"`
	Total   int64            `json:"total"`
	Page    int              `json:"page"`
	PerPage int              `json:"per_page"`
}

type EscalatablesResponse struct {
	Items      []*EscalatableResponse `json:"items"`
	Dispatched bool                   `json:"dispatched"`
}

type DeleteRequest struct {
	IDs []string `json:"ids"`
}

type RemoveEntitiesRequest struct {
	Entities []string `json:"entities"`
}

type CountResponse struct {
	Count int64 `json:"count"`
}

type DeleteResponse struct {
	Deleted int64 `json:"deleted"`
}

// Handler handles alert endpoints.
type Handler struct {
	service    Service
	dispatcher Dispatcher
	logger     *zap.Logger
	now        func() time.Time
}

// NewHandler creates an alert handler. dispatcher may be nil, in which case
// escalatables are never dispatched.
func NewHandler(service Service, dispatcher Dispatcher, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		service:    service,
		dispatcher: dispatcher,
		logger:     logger.Named("alerts"),
		now:        time.Now,
	}
}

// GetByID returns an alert with its reasons.
func (h *Handler) GetByID(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	alert, err := h.service.GetByID(ctx, middleware.GetSubjectID(ctx), chi.URLParam(r, "id"))
	if err != nil {
		h.serviceError(w, "get alert", err)
		return
	}
	resp := alertToResponse(alert)
	resp.ShortReason = h.service.ShortReason(ctx, alert)
	resp.LongReason = h.service.LongReason(ctx, alert)
	h.jsonOK(w, resp)
}

// Fix marks an alert fixed.
func (h *Handler) Fix(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	subjectID := middleware.GetSubjectID(ctx)
	alert, err := h.service.GetByID(ctx, subjectID, chi.URLParam(r, "id"))
	if err != nil {
		h.serviceError(w, "fix alert", err)
		return
	}
	if err := h.service.SetAlertFixed(ctx, alert); err != nil {
		h.serviceError(w, "fix alert", err)
		return
	}
	h.logger.Info("alert fixed",
		zap.String("alert_id", alert.ID),
		zap.String("subject_id", subjectID))
	h.jsonOK(w, alertToResponse(alert))
}

// Delete deletes alerts by id.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	var req DeleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, http.StatusBadRequest, errCodeBadRequest, "invalid request body")
		return
	}
	if err := ValidateIDs(req.IDs); err != nil {
		h.jsonError(w, http.StatusBadRequest, errCodeValidationFailed, err.Error())
		return
	}
	n, err := h.service.DeleteAlerts(r.Context(), req.IDs)
	if err != nil {
		h.serviceError(w, "delete alerts", err)
		return
	}
	h.jsonOK(w, DeleteResponse{Deleted: n})
}

// UnfixedCount counts unfixed alerts in a window.
func (h *Handler) UnfixedCount(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	timeRange, err := ParseRange(q.Get("range"))
	if err != nil {
		h.jsonError(w, http.StatusBadRequest, errCodeValidationFailed, err.Error())
		return
	}
	end, err := ParseTime(q.Get("end"), h.now())
	if err != nil {
		h.jsonError(w, http.StatusBadRequest, errCodeValidationFailed, err.Error())
		return
	}
	group, err := parseInt(q, "group", 0, 0, int(^uint32(0)>>1))
	if err != nil {
		h.jsonError(w, http.StatusBadRequest, errCodeValidationFailed, err.Error())
		return
	}

	ctx := r.Context()
	n, err := h.service.UnfixedCount(ctx, middleware.GetSubjectID(ctx), timeRange, end, group)
	if err != nil {
		h.serviceError(w, "count unfixed alerts", err)
		return
	}
	h.jsonOK(w, CountResponse{Count: n})
}

// Window lists alerts in a time/priority window, newest first. The response
// carries a cursor for the next page when the page is full.
func (h *Handler) Window(w http.ResponseWriter, r *http.Request) {
	req, err := h.parseWindowRequest(r)
	if err != nil {
		h.jsonError(w, http.StatusBadRequest, errCodeValidationFailed, err.Error())
		return
	}

	alerts, err := h.service.FindWindow(r.Context(), req)
	if err != nil {
		h.serviceError(w, "find window alerts", err)
		return
	}

	resp := WindowResponse{Items: make([]*AlertResponse, len(alerts))}
	for i, a := range alerts {
		resp.Items[i] = alertToResponse(a)
	}
	if len(alerts) > 0 && len(alerts) == req.Limit {
		last := alerts[len(alerts)-1]
		resp.NextCursor = &CursorResponse{AfterCTime: last.CTime.UnixMilli(), AfterID: last.ID}
	}
	h.jsonOK(w, resp)
}

func (h *Handler) parseWindowRequest(r *http.Request) (alerting.WindowRequest, error) {
	q := r.URL.Query()
	req := alerting.WindowRequest{SubjectID: middleware.GetSubjectID(r.Context())}
	var err error
	if req.Priority, err = ParsePriority(q.Get("priority")); err != nil {
		return req, err
	}
	if req.Range, err = ParseRange(q.Get("range")); err != nil {
		return req, err
	}
	if req.End, err = ParseTime(q.Get("end"), h.now()); err != nil {
		return req, err
	}
	if req.InEscalation, err = parseBool(q, "in_escalation"); err != nil {
		return req, err
	}
	if req.NotFixed, err = parseBool(q, "not_fixed"); err != nil {
		return req, err
	}
	if req.GroupID, err = parseInt(q, "group", 0, 0, int(^uint32(0)>>1)); err != nil {
		return req, err
	}
	if req.Limit, err = parseInt(q, "limit", defaultLimit, 1, maxLimit); err != nil {
		return req, err
	}
	req.After, err = parseCursor(q)
	return req, err
}

// Escalatables returns alerts packaged for escalation. With dispatch=true
// they are also handed to the escalation subsystem.
func (h *Handler) Escalatables(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	count, err := parseInt(q, "count", defaultLimit, 1, maxLimit)
	if err != nil {
		h.jsonError(w, http.StatusBadRequest, errCodeValidationFailed, err.Error())
		return
	}
	priority, err := ParsePriority(q.Get("priority"))
	if err != nil {
		h.jsonError(w, http.StatusBadRequest, errCodeValidationFailed, err.Error())
		return
	}
	timeRange, err := ParseRange(q.Get("range"))
	if err != nil {
		h.jsonError(w, http.StatusBadRequest, errCodeValidationFailed, err.Error())
		return
	}
	end, err := ParseTime(q.Get("end"), h.now())
	if err != nil {
		h.jsonError(w, http.StatusBadRequest, errCodeValidationFailed, err.Error())
		return
	}
	includes, err := ParseEntities(q["include"])
	if err != nil {
		h.jsonError(w, http.StatusBadRequest, errCodeValidationFailed, err.Error())
		return
	}
	if len(q["include"]) == 0 {
		includes = nil
	} else if includes == nil {
		includes = []models.EntityID{}
	}
	dispatch, err := parseBool(q, "dispatch")
	if err != nil {
		h.jsonError(w, http.StatusBadRequest, errCodeValidationFailed, err.Error())
		return
	}

	ctx := r.Context()
	items, err := h.service.FindEscalatables(ctx, middleware.GetSubjectID(ctx), count, priority, timeRange, end, includes)
	if err != nil {
		h.serviceError(w, "find escalatables", err)
		return
	}

	if dispatch {
		if h.dispatcher == nil {
			h.jsonError(w, http.StatusBadRequest, errCodeBadRequest, "escalation dispatch is not configured")
			return
		}
		if err := h.dispatcher.Dispatch(ctx, items); err != nil {
			h.serviceError(w, "dispatch escalatables", err)
			return
		}
		if err := h.service.MarkEscalated(ctx, items); err != nil {
			h.serviceError(w, "mark escalated", err)
			return
		}
	}

	resp := EscalatablesResponse{Items: make([]*EscalatableResponse, len(items)), Dispatched: dispatch}
	for i, item := range items {
		resp.Items[i] = &EscalatableResponse{
			Alert:       alertToResponse(item.Alert),
			ShortReason: item.ShortReason,
			LongReason:  item.LongReason,
		}
	}
	h.jsonOK(w, resp)
}

// EntityAlerts lists the alerts of an entity.
func (h *Handler) EntityAlerts(w http.ResponseWriter, r *http.Request) {
	entity, err := models.ParseEntityID(chi.URLParam(r, "entity"))
	if err != nil {
		h.jsonError(w, http.StatusBadRequest, errCodeBadRequest, err.Error())
		return
	}

	q := r.URL.Query()
	pc := models.PageControl{SortBy: models.SortByDate}
	switch q.Get("sort") {
	case "", "date":
	case "name":
		pc.SortBy = models.SortByName
	default:
		h.jsonError(w, http.StatusBadRequest, errCodeValidationFailed, "sort must be 'date' or 'name'")
		return
	}
	switch q.Get("order") {
	case "":
		// Dates read newest first, names alphabetically.
		pc.Descending = pc.SortBy == models.SortByDate
	case "asc":
	case "desc":
		pc.Descending = true
	default:
		h.jsonError(w, http.StatusBadRequest, errCodeValidationFailed, "order must be 'asc' or 'desc'")
		return
	}
	page, err := parseInt(q, "page", 1, 1, int(^uint32(0)>>1))
	if err != nil {
		h.jsonError(w, http.StatusBadRequest, errCodeValidationFailed, err.Error())
		return
	}
	perPage, err := parseInt(q, "per_page", defaultPerPage, 1, maxPerPage)
	if err != nil {
		h.jsonError(w, http.StatusBadRequest, errCodeValidationFailed, err.Error())
		return
	}
	pc.Page = page - 1
	pc.PageSize = perPage

	begin, err := ParseTime(q.Get("begin"), time.Time{})
	if err != nil {
		h.jsonError(w, http.StatusBadRequest, errCodeValidationFailed, err.Error())
		return
	}
	end, err := ParseTime(q.Get("end"), time.Time{})
	if err != nil {
		h.jsonError(w, http.StatusBadRequest, errCodeValidationFailed, err.Error())
		return
	}

	ctx := r.Context()
	list, err := h.service.FindEntityAlertsInRange(ctx, middleware.GetSubjectID(ctx), entity, begin, end, pc)
	if err != nil {
		h.serviceError(w, "find entity alerts", err)
		return
	}

	resp := EntityAlertsResponse{
		Items:   make([]*AlertResponse, len(list.Items)),
		Total:   list.Total,
		Page:    page,
		PerPage: perPage,
	}
	for i, a := range list.Items {
		resp.Items[i] = alertToResponse(a)
	}
	h.jsonOK(w, resp)
}

// DeleteEntityAlerts deletes every alert of an entity.
func (h *Handler) DeleteEntityAlerts(w http.ResponseWriter, r *http.Request) {
	entity, err := models.ParseEntityID(chi.URLParam(r, "entity"))
	if err != nil {
		h.jsonError(w, http.StatusBadRequest, errCodeBadRequest, err.Error())
		return
	}
	ctx := r.Context()
	n, err := h.service.DeleteEntityAlerts(ctx, middleware.GetSubjectID(ctx), entity)
	if err != nil {
		h.serviceError(w, "delete entity alerts", err)
		return
	}
	h.jsonOK(w, DeleteResponse{Deleted: n})
}

// DeleteDefinitionAlerts deletes every alert of a definition.
func (h *Handler) DeleteDefinitionAlerts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	def, err := h.service.GetDefinition(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.serviceError(w, "delete definition alerts", err)
		return
	}
	n, err := h.service.DeleteDefinitionAlerts(ctx, middleware.GetSubjectID(ctx), def)
	if err != nil {
		h.serviceError(w, "delete definition alerts", err)
		return
	}
	h.jsonOK(w, DeleteResponse{Deleted: n})
}

// RemoveEntities deletes entities from the inventory together with their
// alerts. Deleted counts the alerts.
func (h *Handler) RemoveEntities(w http.ResponseWriter, r *http.Request) {
	var req RemoveEntitiesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, http.StatusBadRequest, errCodeBadRequest, "invalid request body")
		return
	}
	entities, err := ValidateEntities(req.Entities)
	if err != nil {
		h.jsonError(w, http.StatusBadRequest, errCodeValidationFailed, err.Error())
		return
	}
	ctx := r.Context()
	subjectID := middleware.GetSubjectID(ctx)
	n, err := h.service.RemoveEntities(ctx, subjectID, entities)
	if err != nil {
		h.serviceError(w, "remove entities", err)
		return
	}
	h.logger.Info("entities removed",
		zap.Int("entities", len(entities)),
		zap.Int64("alerts", n),
		zap.String("subject_id", subjectID))
	h.jsonOK(w, DeleteResponse{Deleted: n})
}

func alertToResponse(a *models.Alert) *AlertResponse {
	if a == nil {
		return nil
	}
	resp := &AlertResponse{
		ID:            a.ID,
		CreatedAt:     a.CTime.UTC().Format(time.RFC3339),
		Fixed:         a.Fixed,
		ConditionLogs: make([]*ConditionLogResponse, len(a.ConditionLogs)),
		ActionLogs:    make([]*ActionLogResponse, len(a.ActionLogs)),
	}
	if d := a.Definition; d != nil {
		resp.DefinitionID = d.ID
		resp.DefinitionName = d.Name
		resp.Priority = d.Priority.String()
		resp.Entity = d.Entity.String()
	}
	for i, l := range a.ConditionLogs {
		cl := &ConditionLogResponse{Value: l.Value}
		if c := l.Condition; c != nil {
			cl.ConditionID = c.ID
			cl.ConditionName = c.Name
			cl.Kind = c.Kind.String()
		}
		resp.ConditionLogs[i] = cl
	}
	for i, l := range a.ActionLogs {
		resp.ActionLogs[i] = &ActionLogResponse{
			ActionID:  l.ActionID,
			SubjectID: l.SubjectID,
			Detail:    l.Detail,
			CreatedAt: l.CTime.UTC().Format(time.RFC3339),
		}
	}
	return resp
}
