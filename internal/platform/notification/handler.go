package notification

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/dataclinica/bedflow/internal/domain/movement"
	"github.com/dataclinica/bedflow/internal/platform/auth"
	"github.com/dataclinica/bedflow/pkg/pagination"
)

// Handler exposes the outbox.
type Handler struct {
	dispatcher *Dispatcher
}

func NewHandler(d *Dispatcher) *Handler {
	return &Handler{dispatcher: d}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.ReadRoles...))
	read.GET("/notifications", h.List)
	read.GET("/notifications/stats", h.Stats)
	read.GET("/notifications/:id", h.Get)

	api.POST("/notifications/:id/retry", h.Retry, auth.RequireRole(auth.RoleBedManager))
}

// List handles GET /notifications?status=&type=&recipient_type=&channel=&admission_id=
func (h *Handler) List(c echo.Context) error {
	f := Filter{
		Status:        Status(c.QueryParam("status")),
		Type:          movement.NotificationType(c.QueryParam("type")),
		RecipientType: movement.RecipientType(c.QueryParam("recipient_type")),
		Channel:       c.QueryParam("channel"),
	}
	switch f.Status {
	case "", StatusPending, StatusSending, StatusSent, StatusFailed, StatusAbandoned:
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "unknown status "+string(f.Status))
	}
	if raw := c.QueryParam("admission_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid admission_id")
		}
		f.AdmissionID = &id
	}
	items := h.dispatcher.List(c.Request().Context(), f)
	return c.JSON(http.StatusOK, pagination.Page(items, pagination.FromContext(c)))
}

func (h *Handler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	n, err := h.dispatcher.Get(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, n)
}

func (h *Handler) Retry(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	n, err := h.dispatcher.Retry(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, n)
}

func (h *Handler) Stats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.dispatcher.Stats(c.Request().Context()))
}
