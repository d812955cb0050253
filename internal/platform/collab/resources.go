package collab

import (
	"context"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/dataclinica/bedflow/internal/domain/capacity"
)

type EquipmentClient struct {
	c *client
}

var _ capacity.EquipmentChecker = (*EquipmentClient)(nil)

func NewEquipmentClient(cfg Config, logger zerolog.Logger) *EquipmentClient {
	return &EquipmentClient{c: newClient("equipment", cfg, logger)}
}

func (e *EquipmentClient) CheckEquipment(ctx context.Context, q capacity.EquipmentQuery) (*capacity.EquipmentAnswer, error) {
	var out capacity.EquipmentAnswer
	if err := e.c.do(ctx, http.MethodPost, "/equipment/availability", q, &out, nil); err != nil {
		return nil, err
	}
	return &out, nil
}

type StaffClient struct {
	c *client
}

var _ capacity.StaffChecker = (*StaffClient)(nil)

func NewStaffClient(cfg Config, logger zerolog.Logger) *StaffClient {
	return &StaffClient{c: newClient("staffing", cfg, logger)}
}

func (s *StaffClient) CheckStaff(ctx context.Context, q capacity.StaffQuery) (*capacity.StaffAnswer, error) {
	var out capacity.StaffAnswer
	if err := s.c.do(ctx, http.MethodPost, "/staffing/availability", q, &out, nil); err != nil {
		return nil, err
	}
	return &out, nil
}
