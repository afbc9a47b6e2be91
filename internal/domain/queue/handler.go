package queue

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/frontdesk/internal/domain/encounter"
	"github.com/ehr/frontdesk/internal/domain/triage"
	"github.com/ehr/frontdesk/internal/platform/auth"
	"github.com/ehr/frontdesk/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – all clinical and desk staff
	readGroup := api.Group("", auth.RequireRole(auth.RoleRegistrar, auth.RoleNurse, auth.RolePhysician))
	readGroup.GET("/queue", h.ListQueue)
	readGroup.GET("/queue/:patient_id", h.GetEntry)

	// Front desk
	deskGroup := api.Group("", auth.RequireRole(auth.RoleRegistrar))
	deskGroup.POST("/queue/check-in", h.CheckIn)
	deskGroup.DELETE("/queue/:patient_id", h.RemoveFromQueue)

	// Triage
	nurseGroup := api.Group("", auth.RequireRole(auth.RoleNurse))
	nurseGroup.POST("/queue/triage", h.CompleteTriage)

	// Status moves; the target decides who may make them.
	statusGroup := api.Group("", auth.RequireRole(auth.RoleRegistrar, auth.RoleNurse, auth.RolePhysician))
	statusGroup.PATCH("/queue/:patient_id/status", h.UpdateStatus)
}

type CheckInRequest struct {
	PatientID string `json:"patient_id"`
}

type TriageRequest struct {
	PatientID      string            `json:"patient_id"`
	TriageLevel    int               `json:"triage_level"`
	ChiefComplaint string            `json:"chief_complaint"`
	TriageNotes    string            `json:"triage_notes"`
	TriageBy       string            `json:"triage_by"`
	VitalSigns     triage.VitalSigns `json:"vital_signs"`
	RedFlags       []string          `json:"red_flags"`
}

type StatusRequest struct {
	Status string `json:"status"`
}

// QueueItem is one row of the ordered queue with its 1-based position.
type QueueItem struct {
	Position int `json:"position"`
	triage.Entry
}

// statusRoles lists who may move a patient to each target besides admin.
var statusRoles = map[triage.QueueStatus][]string{
	triage.QueueArrived:        {auth.RoleRegistrar},
	triage.QueueWaiting:        {auth.RoleRegistrar, auth.RoleNurse},
	triage.QueueInConsultation: {auth.RoleNurse, auth.RolePhysician},
	triage.QueueCompleted:      {auth.RolePhysician},
	triage.QueueMedsAndBills:   {auth.RoleRegistrar, auth.RolePhysician},
	triage.QueueNone:           {auth.RoleRegistrar},
}

func (h *Handler) CheckIn(c echo.Context) error {
	var req CheckInRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	entry, err := h.svc.CheckIn(c.Request().Context(), req.PatientID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, entry)
}

func (h *Handler) CompleteTriage(c echo.Context) error {
	var req TriageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	by := req.TriageBy
	if by == "" {
		by = auth.UserIDFromContext(ctx)
	}
	rec := triage.TriageRecord{
		TriageLevel:    req.TriageLevel,
		ChiefComplaint: req.ChiefComplaint,
		TriageNotes:    req.TriageNotes,
		TriageBy:       by,
		VitalSigns:     req.VitalSigns,
		RedFlags:       req.RedFlags,
	}
	entry, err := h.svc.CompleteTriage(ctx, req.PatientID, rec)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, entry)
}

func (h *Handler) UpdateStatus(c echo.Context) error {
	var req StatusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	target, err := triage.ParseQueueStatus(req.Status)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	if !auth.HasAnyRole(auth.RolesFromContext(ctx), statusRoles[target]...) {
		return echo.NewHTTPError(http.StatusForbidden, "role may not move patients to "+target.String())
	}
	entry, err := h.svc.UpdateQueueStatus(ctx, c.Param("patient_id"), target)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, entry)
}

func (h *Handler) RemoveFromQueue(c echo.Context) error {
	if _, err := h.svc.RemoveFromQueue(c.Request().Context(), c.Param("patient_id")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ListQueue(c echo.Context) error {
	pg := pagination.FromContext(c)
	entries, err := h.svc.ListQueue(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	items := make([]QueueItem, len(entries))
	for i, e := range entries {
		items[i] = QueueItem{Position: i + 1, Entry: e}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(pagination.Page(items, pg), len(items), pg.Limit, pg.Offset))
}

func (h *Handler) GetEntry(c echo.Context) error {
	entry, err := h.svc.GetEntry(c.Request().Context(), c.Param("patient_id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, entry)
}

// httpError maps service errors onto HTTP statuses.
func httpError(err error) error {
	switch {
	case errors.Is(err, ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound), errors.Is(err, encounter.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, encounter.ErrVersionConflict):
		return echo.NewHTTPError(http.StatusPreconditionFailed, err.Error())
	default:
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
}
