package importer

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/Minnerman/dental-pms-sub000/internal/platform/auth"
	"github.com/Minnerman/dental-pms-sub000/internal/r4/source"
	"github.com/Minnerman/dental-pms-sub000/pkg/pagination"
)

// Handler exposes imported canonical records read-only.
type Handler struct {
	store *pgRecordStore
}

func NewHandler(store *pgRecordStore) *Handler {
	return &Handler{store: store}
}

func (h *Handler) Register(g *echo.Group) {
	g.GET("/records", h.list, auth.RequireRole("operator", "clinician"))
}

func (h *Handler) list(c echo.Context) error {
	p := pagination.FromContext(c)

	filter := RecordFilter{
		Domain:   source.EntityType(c.QueryParam("domain")),
		LegacyID: c.QueryParam("legacy_id"),
	}
	if pid := c.QueryParam("patient_id"); pid != "" {
		id, err := uuid.Parse(pid)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid patient id")
		}
		filter.PatientID = &id
	}

	records, total, err := h.store.List(c.Request().Context(), filter, p.Limit, p.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(records, total, p.Limit, p.Offset))
}
