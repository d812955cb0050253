package reservation

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/dataclinica/bedflow/internal/platform/auth"
	"github.com/dataclinica/bedflow/pkg/pagination"
)

type Handler struct {
	mgr     *Manager
	sweeper *Sweeper
}

// NewHandler wires the reservation endpoints. sweeper may be nil, in which
// case the manual expiry endpoint calls the manager directly.
func NewHandler(mgr *Manager, sweeper *Sweeper) *Handler {
	return &Handler{mgr: mgr, sweeper: sweeper}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.ReadRoles...))
	read.GET("/reservations", h.ListReservations)
	read.GET("/reservations/:id", h.GetReservation)

	write := api.Group("", auth.RequireRole(auth.MovementRoles...))
	write.POST("/reservations", h.CreateReservation)
	write.POST("/reservations/:id/cancel", h.CancelReservation)
	write.POST("/reservations/:id/confirm", h.ConfirmReservation)
	write.POST("/reservations/:id/extend", h.ExtendReservation)

	ops := api.Group("", auth.RequireRole(auth.BedOpsRoles...))
	ops.POST("/reservations/expire", h.ExpireDue)
	ops.POST("/beds/:id/return-to-service", h.ReturnToService)
}

type createRequest struct {
	BedID         uuid.UUID  `json:"bed_id" validate:"required"`
	PatientID     *uuid.UUID `json:"patient_id"`
	ReservedFrom  time.Time  `json:"reserved_from" validate:"required"`
	ReservedUntil time.Time  `json:"reserved_until" validate:"required"`
	Type          Type       `json:"type" validate:"required,oneof=ADMISSION TRANSFER SURGERY EMERGENCY MAINTENANCE CLEANING"`
	Priority      Priority   `json:"priority" validate:"omitempty,oneof=LOW NORMAL HIGH URGENT EMERGENCY"`
	Notes         string     `json:"notes" validate:"max=1024"`
}

func (h *Handler) CreateReservation(c echo.Context) error {
	var req createRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	res, err := h.mgr.CreateReservation(ctx, CreateRequest{
		BedID:     req.BedID,
		Window:    Window{From: req.ReservedFrom, Until: req.ReservedUntil},
		Type:      req.Type,
		Priority:  req.Priority,
		PatientID: req.PatientID,
		Notes:     req.Notes,
		Actor:     auth.Actor(ctx),
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, res)
}

func (h *Handler) GetReservation(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	res, err := h.mgr.Get(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

// ListReservations filters on bed_id, patient_id, type, a comma-separated
// status and an optional from/until overlap window.
func (h *Handler) ListReservations(c echo.Context) error {
	var f Filter
	if v := c.QueryParam("bed_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid bed_id")
		}
		f.BedID = &id
	}
	if v := c.QueryParam("patient_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
		}
		f.PatientID = &id
	}
	if v := c.QueryParam("type"); v != "" {
		f.Type = Type(strings.ToUpper(v))
		if !f.Type.Valid() {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid type "+v)
		}
	}
	if raw := c.QueryParam("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			f.Statuses = append(f.Statuses, Status(strings.ToUpper(strings.TrimSpace(s))))
		}
	}
	from, until := c.QueryParam("from"), c.QueryParam("until")
	if from != "" && until != "" {
		w, err := parseWindow(from, until)
		if err != nil {
			return err
		}
		f.Overlapping = &w
	}

	list, err := h.mgr.List(c.Request().Context(), f)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.Page(list, pagination.FromContext(c)))
}

type cancelRequest struct {
	Reason string `json:"reason" validate:"max=512"`
}

func (h *Handler) CancelReservation(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req cancelRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	res, err := h.mgr.CancelReservation(ctx, id, req.Reason, auth.Actor(ctx))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) ConfirmReservation(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ctx := c.Request().Context()
	res, err := h.mgr.ConfirmReservation(ctx, id, auth.Actor(ctx))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

type extendRequest struct {
	ReservedUntil time.Time `json:"reserved_until" validate:"required"`
}

func (h *Handler) ExtendReservation(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req extendRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	res, err := h.mgr.ExtendReservation(ctx, id, req.ReservedUntil, auth.Actor(ctx))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

// ExpireDue runs one sweep immediately. Per-bed failures are reported
// alongside whatever did expire.
func (h *Handler) ExpireDue(c echo.Context) error {
	ctx := c.Request().Context()
	var (
		expired []*Reservation
		err     error
	)
	if h.sweeper != nil {
		expired, err = h.sweeper.RunOnce(ctx)
	} else {
		expired, err = h.mgr.ExpireDueReservations(ctx, h.mgr.Now())
	}
	if expired == nil {
		expired = []*Reservation{}
	}
	resp := map[string]interface{}{
		"expired": expired,
		"count":   len(expired),
	}
	if err != nil {
		resp["errors"] = err.Error()
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) ReturnToService(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ctx := c.Request().Context()
	b, err := h.mgr.ReturnToService(ctx, id, auth.Actor(ctx))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, b)
}

func parseWindow(from, until string) (Window, error) {
	f, err := time.Parse(time.RFC3339, from)
	if err != nil {
		return Window{}, echo.NewHTTPError(http.StatusBadRequest, "invalid from: expected RFC3339")
	}
	u, err := time.Parse(time.RFC3339, until)
	if err != nil {
		return Window{}, echo.NewHTTPError(http.StatusBadRequest, "invalid until: expected RFC3339")
	}
	return Window{From: f, Until: u}, nil
}
