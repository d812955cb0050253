package alerting

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/dataclinica/bedflow/internal/platform/auth"
	"github.com/dataclinica/bedflow/pkg/pagination"
)

type Handler struct {
	feed *Feed
}

func NewHandler(feed *Feed) *Handler {
	return &Handler{feed: feed}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.ReadRoles...))
	read.GET("/alerts", h.ListAlerts)
	read.GET("/alerts/:id", h.GetAlert)
	read.GET("/occupancy/forecast", h.Forecast)
	read.GET("/occupancy/stats", h.Stats)

	ack := api.Group("", auth.RequireRole(auth.MovementRoles...))
	ack.POST("/alerts/:id/acknowledge", h.Acknowledge)

	ops := api.Group("", auth.RequireRole(auth.RoleBedManager))
	ops.POST("/alerts/evaluate", h.Evaluate)
}

// ListAlerts filters on type, department_id, state (open|resolved) and
// acknowledged (true|false).
func (h *Handler) ListAlerts(c echo.Context) error {
	var f Filter
	if v := c.QueryParam("type"); v != "" {
		f.Type = Type(strings.ToUpper(v))
		if !f.Type.Valid() {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid type "+v)
		}
	}
	if c.QueryParams().Has("department_id") {
		dept := c.QueryParam("department_id")
		f.DepartmentID = &dept
	}
	switch c.QueryParam("state") {
	case "":
	case "open":
		open := true
		f.Open = &open
	case "resolved":
		open := false
		f.Open = &open
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "state must be open or resolved")
	}
	if v := c.QueryParam("acknowledged"); v != "" {
		ack, err := strconv.ParseBool(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid acknowledged")
		}
		f.Acknowledged = &ack
	}

	list, err := h.feed.List(c.Request().Context(), f)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.Page(list, pagination.FromContext(c)))
}

func (h *Handler) GetAlert(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	a, err := h.feed.Get(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) Acknowledge(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ctx := c.Request().Context()
	a, err := h.feed.Acknowledge(ctx, id, auth.Actor(ctx))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) Evaluate(c echo.Context) error {
	opened := h.feed.Evaluate(c.Request().Context())
	return c.JSON(http.StatusOK, map[string]interface{}{
		"opened": opened,
		"count":  len(opened),
	})
}

// Forecast takes department_id, horizon and step as Go durations
// (e.g. 24h, 30m). Bad durations fall back to the defaults.
func (h *Handler) Forecast(c echo.Context) error {
	horizon, _ := time.ParseDuration(c.QueryParam("horizon"))
	step, _ := time.ParseDuration(c.QueryParam("step"))
	fc := h.feed.Forecast(c.Request().Context(), c.QueryParam("department_id"), horizon, step)
	return c.JSON(http.StatusOK, fc)
}

// Stats covers [from, until) in RFC3339, defaulting to the last 24 hours.
func (h *Handler) Stats(c echo.Context) error {
	now := h.feed.beds.Now()
	from, until := now.Add(-24*time.Hour), now.Add(time.Second)
	if v := c.QueryParam("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid from")
		}
		from = t
	}
	if v := c.QueryParam("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid until")
		}
		until = t
	}
	if !until.After(from) {
		return echo.NewHTTPError(http.StatusBadRequest, "until must be after from")
	}
	return c.JSON(http.StatusOK, h.feed.Stats(c.QueryParam("department_id"), from, until))
}
