package collab

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dataclinica/bedflow/internal/domain/movement"
)

type clearanceResponse struct {
	Cleared bool     `json:"cleared"`
	Pending []string `json:"pending,omitempty"`
}

// ClearanceClient asks the care-coordination system whether the discharge
// checklist is complete.
type ClearanceClient struct {
	c *client
}

var _ movement.ClearanceChecker = (*ClearanceClient)(nil)

func NewClearanceClient(cfg Config, logger zerolog.Logger) *ClearanceClient {
	return &ClearanceClient{c: newClient("clearance", cfg, logger)}
}

func (cc *ClearanceClient) Cleared(ctx context.Context, admissionID uuid.UUID) (bool, error) {
	var out clearanceResponse
	path := "/admissions/" + admissionID.String() + "/discharge-clearance"
	if err := cc.c.do(ctx, http.MethodGet, path, nil, &out, nil); err != nil {
		return false, err
	}
	if !out.Cleared && len(out.Pending) > 0 {
		cc.c.logger.Debug().Str("admission_id", admissionID.String()).
			Strs("pending", out.Pending).Msg("discharge checklist incomplete")
	}
	return out.Cleared, nil
}
