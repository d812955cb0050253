package capacity

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/dataclinica/bedflow/internal/domain/reservation"
	"github.com/dataclinica/bedflow/internal/platform/auth"
)

// JSONCache is the advisory read-side cache for snapshots.
type JSONCache interface {
	GetJSON(ctx context.Context, key string, v interface{}) (bool, error)
	SetJSON(ctx context.Context, key string, v interface{}) error
}

type Handler struct {
	eval   *Evaluator
	cache  JSONCache
	logger zerolog.Logger
}

// NewHandler serves conflict checks and capacity snapshots. cache may be nil.
func NewHandler(eval *Evaluator, cache JSONCache, logger zerolog.Logger) *Handler {
	return &Handler{eval: eval, cache: cache, logger: logger}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.ReadRoles...))
	read.POST("/conflicts/check", h.CheckConflicts)
	read.GET("/capacity", h.GetCapacity)
}

type checkRequest struct {
	PatientID           uuid.UUID  `json:"patient_id"`
	DestinationBedID    uuid.UUID  `json:"destination_bed_id" validate:"required"`
	From                time.Time  `json:"from" validate:"required"`
	Until               time.Time  `json:"until" validate:"required"`
	RequiredEquipment   []string   `json:"required_equipment" validate:"max=32,dive,required,max=128"`
	IgnoreReservationID *uuid.UUID `json:"ignore_reservation_id"`
	IgnoreMovementID    *uuid.UUID `json:"ignore_movement_id"`
}

func (h *Handler) CheckConflicts(c echo.Context) error {
	var req checkRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	report, err := h.eval.CheckConflicts(c.Request().Context(), ConflictQuery{
		PatientID:           req.PatientID,
		Window:              reservation.Window{From: req.From, Until: req.Until},
		DestinationBedID:    req.DestinationBedID,
		RequiredEquipment:   req.RequiredEquipment,
		IgnoreReservationID: req.IgnoreReservationID,
		IgnoreMovementID:    req.IgnoreMovementID,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, report)
}

type capacityResponse struct {
	*Snapshot
	Cached bool `json:"cached"`
}

// GetCapacity answers from the cache when it can. Cached snapshots keep
// their own as_of so callers can see how stale they are.
func (h *Handler) GetCapacity(c echo.Context) error {
	ctx := c.Request().Context()
	dept := c.QueryParam("department_id")
	key := "capacity:" + dept
	if dept == "" {
		key = "capacity:_all"
	}

	if h.cache != nil {
		var cached Snapshot
		ok, err := h.cache.GetJSON(ctx, key, &cached)
		if err != nil {
			h.logger.Warn().Err(err).Str("key", key).Msg("capacity cache read failed")
		}
		if ok {
			return c.JSON(http.StatusOK, capacityResponse{Snapshot: &cached, Cached: true})
		}
	}

	snap, err := h.eval.CapacitySnapshot(ctx, dept)
	if err != nil {
		return err
	}
	if h.cache != nil {
		if err := h.cache.SetJSON(ctx, key, snap); err != nil {
			h.logger.Warn().Err(err).Str("key", key).Msg("capacity cache write failed")
		}
	}
	return c.JSON(http.StatusOK, capacityResponse{Snapshot: snap})
}
