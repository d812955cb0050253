package bed

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
	reg *Registry
}

func NewHandler(reg *Registry) *Handler {
	return &Handler{reg: reg}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.ReadRoles...))
	read.GET("/beds", h.ListBeds)
	read.GET("/beds/:id", h.GetBed)

	admin := api.Group("", auth.RequireRole(auth.RoleBedManager))
	admin.POST("/beds", h.RegisterBed)

	ops := api.Group("", auth.RequireRole(auth.BedOpsRoles...))
	ops.PATCH("/beds/:id/status", h.SetStatus)
}

type registerRequest struct {
	ID           uuid.UUID       `json:"id"`
	Code         string          `json:"code" validate:"required,max=64"`
	BedType      string          `json:"bed_type" validate:"required,max=64"`
	DepartmentID string          `json:"department_id" validate:"required,max=64"`
	Room         string          `json:"room" validate:"max=64"`
	Status       OccupancyStatus `json:"status" validate:"omitempty,oneof=AVAILABLE MAINTENANCE BLOCKED OUT_OF_ORDER"`
}

func (h *Handler) RegisterBed(c echo.Context) error {
	var req registerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	b, err := h.reg.Register(c.Request().Context(), &Bed{
		ID:           req.ID,
		Code:         req.Code,
		BedType:      req.BedType,
		DepartmentID: req.DepartmentID,
		Room:         req.Room,
		Status:       req.Status,
		UpdatedBy:    auth.Actor(c.Request().Context()),
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, b)
}

func (h *Handler) GetBed(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	b, err := h.reg.GetBed(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, b)
}

// ListBeds supports ?department_id=, ?bed_type= and a comma-separated ?status=.
func (h *Handler) ListBeds(c echo.Context) error {
	f := Filter{
		DepartmentID: c.QueryParam("department_id"),
		BedType:      c.QueryParam("bed_type"),
	}
	if raw := c.QueryParam("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			st := OccupancyStatus(strings.ToUpper(strings.TrimSpace(s)))
			if !st.Valid() {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid status "+s)
			}
			f.Statuses = append(f.Statuses, st)
		}
	}
	beds, err := h.reg.ListByFilter(c.Request().Context(), f)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.Page(beds, pagination.FromContext(c)))
}

type statusRequest struct {
	Status OccupancyStatus `json:"status" validate:"required,oneof=MAINTENANCE BLOCKED OUT_OF_ORDER"`
	At     *time.Time      `json:"at"`
}

// SetStatus covers housekeeping and administrative moves. AVAILABLE goes
// through return-to-service so pending reservations are honoured; RESERVED
// and OCCUPIED belong to the reservation and movement flows.
func (h *Handler) SetStatus(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req statusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	var at time.Time
	if req.At != nil {
		at = *req.At
	}
	b, err := h.reg.SetStatus(c.Request().Context(), id, req.Status, auth.Actor(c.Request().Context()), nil, at)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, b)
}
