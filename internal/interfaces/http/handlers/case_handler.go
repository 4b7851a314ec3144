package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	appcase "github.com/turtacn/casewatch/internal/application/casework"
	domain "github.com/turtacn/casewatch/internal/domain/casework"
	"github.com/turtacn/casewatch/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/casewatch/pkg/errors"
)

// CaseHandler serves the case workflow.
type CaseHandler struct {
	svc    appcase.Service
	logger logging.Logger
}

func NewCaseHandler(svc appcase.Service, log logging.Logger) *CaseHandler {
	return &CaseHandler{svc: svc, logger: log}
}

// CaseListResponse is one page of cases.
type CaseListResponse struct {
	Items  []*appcase.CaseView `json:"items"`
	Total  int64               `json:"total"`
	Limit  int                 `json:"limit"`
	Offset int                 `json:"offset"`
}

// Open handles POST /cases.
func (h *CaseHandler) Open(w http.ResponseWriter, r *http.Request) {
	var req appcase.OpenCaseRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAppError(w, err)
		return
	}
	req.TenantID = tenantID(r)
	req.ActorID = actorID(r)

	view, err := h.svc.Open(r.Context(), &req)
	if err != nil {
		writeAppError(w, err)
		return
	}
	w.Header().Set("Location", "/api/v1/cases/"+view.ID)
	writeJSON(w, http.StatusCreated, view)
}

// List handles GET /cases?status=active,waiting&limit=&offset=.
func (h *CaseHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePagination(r)
	opts := []domain.QueryOption{domain.WithLimit(limit), domain.WithOffset(offset)}
	if raw := r.URL.Query().Get("status"); raw != "" {
		var statuses []domain.Status
		for _, s := range strings.Split(raw, ",") {
			st := domain.Status(strings.TrimSpace(s))
			if !st.IsValid() {
				writeAppError(w, errors.New(errors.ErrCodeBadRequest, "unknown case status").WithDetail(string(st)))
				return
			}
			statuses = append(statuses, st)
		}
		opts = append(opts, domain.WithStatuses(statuses...))
	}

	items, total, err := h.svc.List(r.Context(), tenantID(r), opts...)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if items == nil {
		items = []*appcase.CaseView{}
	}
	writeJSON(w, http.StatusOK, CaseListResponse{Items: items, Total: total, Limit: limit, Offset: offset})
}

// Get handles GET /cases/{caseID}.
func (h *CaseHandler) Get(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.Get(r.Context(), tenantID(r), chi.URLParam(r, "caseID"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// Classification handles GET /cases/{caseID}/classification.
func (h *CaseHandler) Classification(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.Get(r.Context(), tenantID(r), chi.URLParam(r, "caseID"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view.Classification)
}

func (h *CaseHandler) advanceRequest(r *http.Request) (*appcase.AdvanceRequest, error) {
	var req appcase.AdvanceRequest
	if err := decodeJSON(r, &req); err != nil {
		return nil, err
	}
	req.TenantID = tenantID(r)
	req.CaseID = chi.URLParam(r, "caseID")
	req.ActorID = actorID(r)
	return &req, nil
}

// CheckTransition handles POST /cases/{caseID}/transitions/check. A blocked
// transition is a normal answer here, not an error.
func (h *CaseHandler) CheckTransition(w http.ResponseWriter, r *http.Request) {
	req, err := h.advanceRequest(r)
	if err != nil {
		writeAppError(w, err)
		return
	}
	decision, err := h.svc.CheckTransition(r.Context(), req)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

// Advance handles POST /cases/{caseID}/transitions.
func (h *CaseHandler) Advance(w http.ResponseWriter, r *http.Request) {
	req, err := h.advanceRequest(r)
	if err != nil {
		writeAppError(w, err)
		return
	}
	view, err := h.svc.Advance(r.Context(), req)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// Close handles POST /cases/{caseID}/close.
func (h *CaseHandler) Close(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.Close(r.Context(), tenantID(r), chi.URLParam(r, "caseID"), actorID(r))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// Timeline handles GET /cases/{caseID}/timeline.
func (h *CaseHandler) Timeline(w http.ResponseWriter, r *http.Request) {
	entries, err := h.svc.Timeline(r.Context(), tenantID(r), chi.URLParam(r, "caseID"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	if entries == nil {
		entries = []*domain.TimelineEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

// Notifications handles GET /notifications?unread=true&limit=. A missing
// limit lists the default page.
func (h *CaseHandler) Notifications(w http.ResponseWriter, r *http.Request) {
	unread, _ := strconv.ParseBool(r.URL.Query().Get("unread"))
	// the service clamps the page size
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	items, err := h.svc.Notifications(r.Context(), tenantID(r), unread, limit)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if items == nil {
		items = []*domain.Notification{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

// Stages handles GET /stages.
func (h *CaseHandler) Stages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"stages": h.svc.Catalog().Stages()})
}
