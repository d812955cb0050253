package movement

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/dataclinica/bedflow/internal/domain/reservation"
	"github.com/dataclinica/bedflow/internal/platform/auth"
	"github.com/dataclinica/bedflow/pkg/pagination"
)

type Handler struct {
	engine *Engine
}

func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.ReadRoles...))
	read.GET("/admissions", h.ListAdmissions)
	read.GET("/admissions/:id", h.GetAdmission)
	read.GET("/transfers", h.ListTransfers)
	read.GET("/transfers/:id", h.GetTransfer)
	read.GET("/discharges", h.ListDischarges)
	read.GET("/discharges/:id", h.GetDischarge)

	write := api.Group("", auth.RequireRole(auth.MovementRoles...))
	write.POST("/admissions", h.Admit)
	write.POST("/admissions/:id/activate", h.ActivateAdmission)
	write.POST("/admissions/:id/cancel", h.CancelAdmission)
	write.POST("/admissions/:id/end", h.EndAdmission)
	write.POST("/transfers", h.RequestTransfer)
	write.POST("/transfers/:id/submit", h.SubmitTransfer)
	write.POST("/transfers/:id/schedule", h.ScheduleTransfer)
	write.POST("/transfers/:id/start", h.StartTransfer)
	write.POST("/transfers/:id/complete", h.CompleteTransfer)
	write.POST("/transfers/:id/cancel", h.CancelTransfer)
	write.POST("/discharges", h.RequestDischarge)
	write.POST("/discharges/:id/complete", h.CompleteDischarge)
	write.POST("/discharges/:id/cancel", h.CancelDischarge)

	approve := api.Group("", auth.RequireRole(auth.ApproverRoles...))
	approve.POST("/transfers/:id/approve", h.ApproveTransfer)
	approve.POST("/transfers/:id/reject", h.RejectTransfer)
	approve.POST("/discharges/:id/approve", h.ApproveDischarge)
}

// -- Admissions --

type admitRequest struct {
	PatientID     uuid.UUID            `json:"patient_id" validate:"required"`
	BedID         uuid.UUID            `json:"bed_id" validate:"required"`
	ReservationID *uuid.UUID           `json:"reservation_id"`
	Deferred      bool                 `json:"deferred"`
	ExpectedAt    *time.Time           `json:"expected_at"`
	AdmissionType string               `json:"admission_type" validate:"max=64"`
	Priority      reservation.Priority `json:"priority" validate:"omitempty,oneof=LOW NORMAL HIGH URGENT EMERGENCY"`
	Reason        string               `json:"reason" validate:"max=1024"`
}

func (h *Handler) Admit(c echo.Context) error {
	var req admitRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	adm, err := h.engine.Admit(ctx, AdmitRequest{
		PatientID:     req.PatientID,
		BedID:         req.BedID,
		ReservationID: req.ReservationID,
		Deferred:      req.Deferred,
		ExpectedAt:    req.ExpectedAt,
		AdmissionType: req.AdmissionType,
		Priority:      req.Priority,
		Reason:        req.Reason,
		Actor:         auth.Actor(ctx),
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, adm)
}

func (h *Handler) GetAdmission(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	adm, err := h.engine.GetAdmission(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, adm)
}

func (h *Handler) ListAdmissions(c echo.Context) error {
	var f AdmissionFilter
	var err error
	if f.PatientID, err = queryID(c, "patient_id"); err != nil {
		return err
	}
	if f.BedID, err = queryID(c, "bed_id"); err != nil {
		return err
	}
	f.Statuses = queryStatuses[AdmissionStatus](c)
	list, err := h.engine.ListAdmissions(c.Request().Context(), f)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.Page(list, pagination.FromContext(c)))
}

func (h *Handler) ActivateAdmission(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	adm, err := h.engine.ActivateAdmission(ctx, id, auth.Actor(ctx))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, adm)
}

type reasonRequest struct {
	Reason string `json:"reason" validate:"max=1024"`
}

func (h *Handler) CancelAdmission(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req reasonRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	adm, err := h.engine.CancelAdmission(ctx, id, req.Reason, auth.Actor(ctx))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, adm)
}

type endRequest struct {
	Outcome AdmissionStatus `json:"outcome" validate:"required,oneof=TRANSFERRED DECEASED"`
	Reason  string          `json:"reason" validate:"max=1024"`
}

func (h *Handler) EndAdmission(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req endRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	adm, err := h.engine.EndAdmission(ctx, id, req.Outcome, req.Reason, auth.Actor(ctx))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, adm)
}

// -- Transfers --

type transferRequest struct {
	AdmissionID  uuid.UUID            `json:"admission_id" validate:"required"`
	ToBedID      uuid.UUID            `json:"to_bed_id" validate:"required"`
	Priority     reservation.Priority `json:"priority" validate:"omitempty,oneof=LOW NORMAL HIGH URGENT EMERGENCY"`
	Reason       string               `json:"reason" validate:"max=1024"`
	ScheduledFor *time.Time           `json:"scheduled_for"`
}

func (h *Handler) RequestTransfer(c echo.Context) error {
	var req transferRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	t, err := h.engine.RequestTransfer(ctx, TransferRequest{
		AdmissionID:  req.AdmissionID,
		ToBedID:      req.ToBedID,
		Priority:     req.Priority,
		Reason:       req.Reason,
		ScheduledFor: req.ScheduledFor,
		Actor:        auth.Actor(ctx),
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, t)
}

func (h *Handler) GetTransfer(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	t, err := h.engine.GetTransfer(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, t)
}

func (h *Handler) ListTransfers(c echo.Context) error {
	var f TransferFilter
	var err error
	if f.AdmissionID, err = queryID(c, "admission_id"); err != nil {
		return err
	}
	if f.PatientID, err = queryID(c, "patient_id"); err != nil {
		return err
	}
	if f.BedID, err = queryID(c, "bed_id"); err != nil {
		return err
	}
	f.Statuses = queryStatuses[TransferStatus](c)
	list, err := h.engine.ListTransfers(c.Request().Context(), f)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.Page(list, pagination.FromContext(c)))
}

func (h *Handler) SubmitTransfer(c echo.Context) error {
	return h.transferAction(c, func(e *Engine, id uuid.UUID, actor string) (*Transfer, error) {
		return e.SubmitTransfer(c.Request().Context(), id, actor)
	})
}

type decisionRequest struct {
	Note string `json:"note" validate:"max=1024"`
}

func (h *Handler) ApproveTransfer(c echo.Context) error {
	var req decisionRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	return h.transferAction(c, func(e *Engine, id uuid.UUID, actor string) (*Transfer, error) {
		return e.ApproveTransfer(c.Request().Context(), id, req.Note, actor)
	})
}

func (h *Handler) RejectTransfer(c echo.Context) error {
	var req decisionRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	return h.transferAction(c, func(e *Engine, id uuid.UUID, actor string) (*Transfer, error) {
		return e.RejectTransfer(c.Request().Context(), id, req.Note, actor)
	})
}

type scheduleRequest struct {
	At time.Time `json:"at"`
}

func (h *Handler) ScheduleTransfer(c echo.Context) error {
	var req scheduleRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	return h.transferAction(c, func(e *Engine, id uuid.UUID, actor string) (*Transfer, error) {
		return e.ScheduleTransfer(c.Request().Context(), id, req.At, actor)
	})
}

func (h *Handler) StartTransfer(c echo.Context) error {
	return h.transferAction(c, func(e *Engine, id uuid.UUID, actor string) (*Transfer, error) {
		return e.StartTransfer(c.Request().Context(), id, actor)
	})
}

func (h *Handler) CompleteTransfer(c echo.Context) error {
	return h.transferAction(c, func(e *Engine, id uuid.UUID, actor string) (*Transfer, error) {
		return e.CompleteTransfer(c.Request().Context(), id, actor)
	})
}

func (h *Handler) CancelTransfer(c echo.Context) error {
	var req reasonRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	return h.transferAction(c, func(e *Engine, id uuid.UUID, actor string) (*Transfer, error) {
		return e.CancelTransfer(c.Request().Context(), id, req.Reason, actor)
	})
}

func (h *Handler) transferAction(c echo.Context, fn func(e *Engine, id uuid.UUID, actor string) (*Transfer, error)) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	t, err := fn(h.engine, id, auth.Actor(c.Request().Context()))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, t)
}

// -- Discharges --

type dischargeRequest struct {
	AdmissionID uuid.UUID  `json:"admission_id" validate:"required"`
	Disposition string     `json:"disposition" validate:"max=128"`
	ExpectedAt  *time.Time `json:"expected_at"`
}

func (h *Handler) RequestDischarge(c echo.Context) error {
	var req dischargeRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	d, err := h.engine.RequestDischarge(ctx, DischargeRequest{
		AdmissionID: req.AdmissionID,
		Disposition: req.Disposition,
		ExpectedAt:  req.ExpectedAt,
		Actor:       auth.Actor(ctx),
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, d)
}

func (h *Handler) GetDischarge(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	d, err := h.engine.GetDischarge(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) ListDischarges(c echo.Context) error {
	var f DischargeFilter
	var err error
	if f.AdmissionID, err = queryID(c, "admission_id"); err != nil {
		return err
	}
	if f.PatientID, err = queryID(c, "patient_id"); err != nil {
		return err
	}
	f.Statuses = queryStatuses[DischargeStatus](c)
	list, err := h.engine.ListDischarges(c.Request().Context(), f)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.Page(list, pagination.FromContext(c)))
}

func (h *Handler) ApproveDischarge(c echo.Context) error {
	return h.dischargeAction(c, func(e *Engine, id uuid.UUID, actor string) (*Discharge, error) {
		return e.ApproveDischarge(c.Request().Context(), id, actor)
	})
}

func (h *Handler) CompleteDischarge(c echo.Context) error {
	return h.dischargeAction(c, func(e *Engine, id uuid.UUID, actor string) (*Discharge, error) {
		return e.CompleteDischarge(c.Request().Context(), id, actor)
	})
}

func (h *Handler) CancelDischarge(c echo.Context) error {
	var req reasonRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	return h.dischargeAction(c, func(e *Engine, id uuid.UUID, actor string) (*Discharge, error) {
		return e.CancelDischarge(c.Request().Context(), id, req.Reason, actor)
	})
}

func (h *Handler) dischargeAction(c echo.Context, fn func(e *Engine, id uuid.UUID, actor string) (*Discharge, error)) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	d, err := fn(h.engine, id, auth.Actor(c.Request().Context()))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, d)
}

// -- helpers --

func bindAndValidate(c echo.Context, v interface{}) error {
	if err := c.Bind(v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.Validate(v)
}

func pathID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func queryID(c echo.Context, name string) (*uuid.UUID, error) {
	v := c.QueryParam(name)
	if v == "" {
		return nil, nil
	}
	id, err := uuid.Parse(v)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return &id, nil
}

// queryStatuses reads a comma-separated status query parameter.
func queryStatuses[S ~string](c echo.Context) []S {
	raw := c.QueryParam("status")
	if raw == "" {
		return nil
	}
	var out []S
	for _, s := range strings.Split(raw, ",") {
		out = append(out, S(strings.ToUpper(strings.TrimSpace(s))))
	}
	return out
}
