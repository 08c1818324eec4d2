package parity

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/Minnerman/dental-pms-sub000/internal/platform/auth"
	"github.com/Minnerman/dental-pms-sub000/internal/r4/source"
)

type Handler struct {
	verifier *Verifier
}

func NewHandler(verifier *Verifier) *Handler {
	return &Handler{verifier: verifier}
}

func (h *Handler) Register(g *echo.Group) {
	g.GET("/parity", h.run, auth.RequireRole("operator"))
}

// run executes a parity check over the requested window. Query params:
// from_id/to_id for an identifier window, from_date/to_date (YYYY-MM-DD)
// for a date window.
func (h *Handler) run(c echo.Context) error {
	window, err := windowFromQuery(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	report, err := h.verifier.Run(c.Request().Context(), window)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, report)
}

func windowFromQuery(c echo.Context) (source.Window, error) {
	var w source.Window
	if v := c.QueryParam("from_id"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return w, err
		}
		w.FromID = &n
	}
	if v := c.QueryParam("to_id"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return w, err
		}
		w.ToID = &n
	}
	if v := c.QueryParam("from_date"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			return w, err
		}
		w.FromDate = &t
	}
	if v := c.QueryParam("to_date"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			return w, err
		}
		w.ToDate = &t
	}
	return w, w.Validate()
}
