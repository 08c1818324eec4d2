package linkage

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/Minnerman/dental-pms-sub000/internal/platform/auth"
	"github.com/Minnerman/dental-pms-sub000/internal/r4/source"
	"github.com/Minnerman/dental-pms-sub000/pkg/pagination"
)

// Handler exposes the remediation queue to operators.
type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) Register(g *echo.Group) {
	g.GET("/linkage-issues", h.listIssues, auth.RequireRole("operator"))
	g.GET("/linkage-issues/:id", h.getIssue, auth.RequireRole("operator"))
	g.POST("/linkage-issues/:id/status", h.setStatus, auth.RequireRole("operator"))
	g.GET("/manual-mappings", h.listMappings, auth.RequireRole("operator"))
	g.POST("/manual-mappings", h.createMapping, auth.RequireRole("operator"))
}

func (h *Handler) listIssues(c echo.Context) error {
	p := pagination.FromContext(c)
	filter := IssueFilter{
		Status:     IssueStatus(c.QueryParam("status")),
		EntityType: source.EntityType(c.QueryParam("entity_type")),
		Reason:     c.QueryParam("reason"),
	}
	issues, total, err := h.service.ListIssues(c.Request().Context(), filter, p.Limit, p.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(issues, total, p.Limit, p.Offset))
}

func (h *Handler) getIssue(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid issue id")
	}
	issue, err := h.service.GetIssue(c.Request().Context(), id)
	if errors.Is(err, ErrIssueNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "issue not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, issue)
}

type setStatusRequest struct {
	Status IssueStatus `json:"status"`
}

func (h *Handler) setStatus(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid issue id")
	}
	var req setStatusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	actor := auth.UserIDFromContext(c.Request().Context())

	err = h.service.SetIssueStatus(c.Request().Context(), id, req.Status, actor)
	switch {
	case errors.Is(err, ErrIssueNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "issue not found")
	case errors.Is(err, ErrBadTransition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case err != nil:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) listMappings(c echo.Context) error {
	p := pagination.FromContext(c)
	mappings, total, err := h.service.ListManualMappings(c.Request().Context(), p.Limit, p.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(mappings, total, p.Limit, p.Offset))
}

type createMappingRequest struct {
	Source    string    `json:"source"`
	LegacyID  string    `json:"legacy_id"`
	PatientID uuid.UUID `json:"patient_id"`
	Note      string    `json:"note"`
}

func (h *Handler) createMapping(c echo.Context) error {
	var req createMappingRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	author := auth.UserIDFromContext(c.Request().Context())

	m, err := h.service.RecordManualMapping(c.Request().Context(),
		req.Source, req.LegacyID, req.PatientID, req.Note, author)
	switch {
	case errors.Is(err, ErrInvalidPatient):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ErrMappingExists):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case err != nil:
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, m)
}
