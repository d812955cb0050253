package collab

import (
	"context"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dataclinica/bedflow/internal/domain/movement"
)

// billingNamespace seeds deterministic idempotency keys so a retried
// publish of the same stay segment is deduplicated downstream.
var billingNamespace = uuid.MustParse("6f1c1e1a-4c7e-4b55-9d8e-2b3f8c0a7d51")

type BillingClient struct {
	c *client
}

var _ movement.BillingPublisher = (*BillingClient)(nil)

func NewBillingClient(cfg Config, logger zerolog.Logger) *BillingClient {
	return &BillingClient{c: newClient("billing", cfg, logger)}
}

func (b *BillingClient) PublishBilling(ctx context.Context, ev movement.BillingEvent) error {
	return b.c.do(ctx, http.MethodPost, "/billing/events", ev, nil, map[string]string{
		"Idempotency-Key": BillingKey(ev).String(),
	})
}

// BillingKey identifies a stay segment event.
func BillingKey(ev movement.BillingEvent) uuid.UUID {
	name := string(ev.Type) + "|" + ev.AdmissionID.String() + "|" + ev.BedID.String() + "|" +
		strconv.FormatInt(ev.OccurredAt.UnixNano(), 10)
	return uuid.NewSHA1(billingNamespace, []byte(name))
}
