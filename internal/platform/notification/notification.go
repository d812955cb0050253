// Package notification renders movement notifications from templates, keeps
// every delivery attempt in an in-memory outbox and pushes them to the
// configured channels (HTTP webhook, MQTT ward devices, log), retrying
// failures with backoff.
package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dataclinica/bedflow/internal/domain/movement"
	"github.com/dataclinica/bedflow/internal/platform/apperr"
)

const (
	DefaultMaxAttempts = 5
	DefaultBackoff     = 30 * time.Second
	DefaultOutboxSize  = 10000
	maxBackoff         = 30 * time.Minute
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusFailed    Status = "failed"
	StatusAbandoned Status = "abandoned"
)

// Notification is one delivery of one event over one channel.
type Notification struct {
	ID            uuid.UUID                  `json:"id"`
	Channel       string                     `json:"channel"`
	RecipientType movement.RecipientType     `json:"recipient_type"`
	Type          movement.NotificationType  `json:"type"`
	Subject       string                     `json:"subject"`
	Body          string                     `json:"body"`
	Event         movement.NotificationEvent `json:"event"`
	Status        Status                     `json:"status"`
	Attempts      int                        `json:"attempts"`
	Error         string                     `json:"error,omitempty"`
	CreatedAt     time.Time                  `json:"created_at"`
	SentAt        *time.Time                 `json:"sent_at,omitempty"`
	NextAttemptAt *time.Time                 `json:"next_attempt_at,omitempty"`
}

func (n *Notification) clone() *Notification {
	c := *n
	if n.SentAt != nil {
		t := *n.SentAt
		c.SentAt = &t
	}
	if n.NextAttemptAt != nil {
		t := *n.NextAttemptAt
		c.NextAttemptAt = &t
	}
	return &c
}

// Sender delivers a rendered notification over one channel.
type Sender interface {
	Channel() string
	Send(ctx context.Context, n *Notification) error
}

// ---------------------------------------------------------------------------
// Template Engine
// ---------------------------------------------------------------------------

type Template struct {
	ID      string `json:"id"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// TemplateEngine renders {{key}} placeholders.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewTemplateEngine returns an engine with a template for every movement
// notification type.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[string]*Template)}
	e.registerBuiltIn()
	return e
}

func (e *TemplateEngine) registerBuiltIn() {
	builtIn := []Template{
		{ID: string(movement.NotifyAdmissionActivated), Subject: "Patient admitted", Body: "Patient {{patient_id}} is now in their bed (admission {{admission_id}}), recorded by {{actor}}."},
		{ID: string(movement.NotifyAdmissionCancelled), Subject: "Admission cancelled", Body: "Planned admission {{admission_id}} for patient {{patient_id}} was cancelled by {{actor}}. {{detail}}"},
		{ID: string(movement.NotifyAdmissionEnded), Subject: "Admission ended", Body: "Admission {{admission_id}} for patient {{patient_id}} ended: {{detail}}."},
		{ID: string(movement.NotifyTransferRequested), Subject: "Transfer requested", Body: "Transfer {{transfer_id}} requested for patient {{patient_id}} by {{actor}}. {{detail}}"},
		{ID: string(movement.NotifyTransferApproved), Subject: "Transfer approved", Body: "Transfer {{transfer_id}} for patient {{patient_id}} was approved by {{actor}}; the destination bed is held."},
		{ID: string(movement.NotifyTransferRejected), Subject: "Transfer rejected", Body: "Transfer {{transfer_id}} for patient {{patient_id}} was rejected by {{actor}}. {{detail}}"},
		{ID: string(movement.NotifyTransferScheduled), Subject: "Transfer scheduled", Body: "Transfer {{transfer_id}} for patient {{patient_id}} is scheduled. {{detail}}"},
		{ID: string(movement.NotifyTransferCompleted), Subject: "Transfer completed", Body: "Patient {{patient_id}} has arrived in the destination bed (transfer {{transfer_id}})."},
		{ID: string(movement.NotifyTransferCancelled), Subject: "Transfer cancelled", Body: "Transfer {{transfer_id}} for patient {{patient_id}} was cancelled by {{actor}}. {{detail}}"},
		{ID: string(movement.NotifyDischargeRequested), Subject: "Discharge requested", Body: "Discharge {{discharge_id}} requested for patient {{patient_id}} by {{actor}}. {{detail}}"},
		{ID: string(movement.NotifyDischargeApproved), Subject: "Discharge approved", Body: "Discharge {{discharge_id}} for patient {{patient_id}} was approved by {{actor}}."},
		{ID: string(movement.NotifyDischargeCompleted), Subject: "Patient discharged", Body: "Patient {{patient_id}} was discharged (discharge {{discharge_id}}); the bed is queued for cleaning."},
		{ID: string(movement.NotifyDischargeCancelled), Subject: "Discharge cancelled", Body: "Discharge {{discharge_id}} for patient {{patient_id}} was cancelled by {{actor}}. {{detail}}"},
	}
	for i := range builtIn {
		t := builtIn[i]
		e.templates[t.ID] = &t
	}
}

// RegisterTemplate adds or replaces a template.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = &t
}

// Render fills a template. Placeholders missing from data are left as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (subject, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("template %q not found", templateID)
	}

	subject, body = t.Subject, t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		subject = strings.ReplaceAll(subject, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return subject, strings.TrimSpace(body), nil
}

func templateData(ev movement.NotificationEvent) map[string]string {
	data := map[string]string{
		"recipient":    string(ev.RecipientType),
		"admission_id": ev.AdmissionID.String(),
		"patient_id":   ev.PatientID.String(),
		"actor":        ev.Actor,
		"detail":       ev.Detail,
		"occurred_at":  ev.OccurredAt.Format(time.RFC3339),
	}
	if ev.TransferID != nil {
		data["transfer_id"] = ev.TransferID.String()
	}
	if ev.DischargeID != nil {
		data["discharge_id"] = ev.DischargeID.String()
	}
	return data
}

// ---------------------------------------------------------------------------
// Dispatcher
// ---------------------------------------------------------------------------

type Option func(*Dispatcher)

func WithMaxAttempts(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxAttempts = n
		}
	}
}

// WithBackoff sets the delay before the first retry. It doubles per attempt.
func WithBackoff(b time.Duration) Option {
	return func(d *Dispatcher) {
		if b > 0 {
			d.backoff = b
		}
	}
}

func WithOutboxSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxItems = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// Dispatcher implements movement.Notifier.
type Dispatcher struct {
	senders   []Sender
	templates *TemplateEngine

	mu    sync.RWMutex
	items map[uuid.UUID]*Notification
	order []uuid.UUID

	maxItems    int
	maxAttempts int
	backoff     time.Duration
	now         func() time.Time
	logger      zerolog.Logger
}

var _ movement.Notifier = (*Dispatcher)(nil)

func NewDispatcher(senders []Sender, tpl *TemplateEngine, logger zerolog.Logger, opts ...Option) *Dispatcher {
	if tpl == nil {
		tpl = NewTemplateEngine()
	}
	d := &Dispatcher{
		senders:     senders,
		templates:   tpl,
		items:       make(map[uuid.UUID]*Notification),
		maxItems:    DefaultOutboxSize,
		maxAttempts: DefaultMaxAttempts,
		backoff:     DefaultBackoff,
		now:         func() time.Time { return time.Now().UTC() },
		logger:      logger.With().Str("component", "notification_dispatcher").Logger(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Notify renders ev and delivers it on every channel. Failed deliveries stay
// in the outbox for retry; the returned error joins the channel failures.
func (d *Dispatcher) Notify(ctx context.Context, ev movement.NotificationEvent) error {
	subject, body, err := d.templates.Render(string(ev.NotificationType), templateData(ev))
	if err != nil {
		return fmt.Errorf("notify: %w", err)
	}

	var errs []error
	for _, s := range d.senders {
		n := &Notification{
			ID:            uuid.New(),
			Channel:       s.Channel(),
			RecipientType: ev.RecipientType,
			Type:          ev.NotificationType,
			Subject:       subject,
			Body:          body,
			Event:         ev,
			Status:        StatusPending,
			CreatedAt:     d.now(),
		}
		d.store(n)
		if err := d.deliver(ctx, s, n.ID); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Channel(), err))
		}
	}
	return errors.Join(errs...)
}

// RetryDue re-sends failed notifications whose backoff has elapsed and
// returns how many were attempted.
func (d *Dispatcher) RetryDue(ctx context.Context) int {
	now := d.now()
	d.mu.RLock()
	var due []uuid.UUID
	for _, id := range d.order {
		n := d.items[id]
		if n.Status == StatusFailed && n.NextAttemptAt != nil && !n.NextAttemptAt.After(now) {
			due = append(due, id)
		}
	}
	d.mu.RUnlock()

	attempted := 0
	for _, id := range due {
		s, ok := d.senderFor(id)
		if !ok {
			continue
		}
		if err := d.deliver(ctx, s, id); errors.Is(err, errNotClaimable) {
			continue
		}
		attempted++
	}
	if attempted > 0 {
		d.logger.Info().Int("attempted", attempted).Msg("retried failed notifications")
	}
	return attempted
}

// Retry re-sends a failed or abandoned notification immediately.
func (d *Dispatcher) Retry(ctx context.Context, id uuid.UUID) (*Notification, error) {
	const op = "retry_notification"
	d.mu.Lock()
	n, ok := d.items[id]
	if !ok {
		d.mu.Unlock()
		return nil, apperr.NotFound(op, "notification %s not found", id)
	}
	if n.Status != StatusFailed && n.Status != StatusAbandoned {
		status := n.Status
		d.mu.Unlock()
		return nil, apperr.InvalidTransition(op, "notification %s is %s; only failed notifications can be retried", id, status)
	}
	// A manual retry earns a fresh attempt budget.
	n.Status = StatusFailed
	n.Attempts = 0
	d.mu.Unlock()

	s, ok := d.senderFor(id)
	if !ok {
		return nil, fmt.Errorf("%s: no sender for channel of %s", op, id)
	}
	_ = d.deliver(ctx, s, id)
	return d.Get(ctx, id)
}

// Run retries due notifications every interval until ctx is done.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = d.backoff
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			d.RetryDue(ctx)
		}
	}
}

func (d *Dispatcher) Get(_ context.Context, id uuid.UUID) (*Notification, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n, ok := d.items[id]
	if !ok {
		return nil, apperr.NotFound("get_notification", "notification %s not found", id)
	}
	return n.clone(), nil
}

type Filter struct {
	Status        Status
	Type          movement.NotificationType
	RecipientType movement.RecipientType
	Channel       string
	AdmissionID   *uuid.UUID
}

func (f Filter) match(n *Notification) bool {
	if f.Status != "" && n.Status != f.Status {
		return false
	}
	if f.Type != "" && n.Type != f.Type {
		return false
	}
	if f.RecipientType != "" && n.RecipientType != f.RecipientType {
		return false
	}
	if f.Channel != "" && n.Channel != f.Channel {
		return false
	}
	if f.AdmissionID != nil && n.Event.AdmissionID != *f.AdmissionID {
		return false
	}
	return true
}

// List returns matching notifications, newest first.
func (d *Dispatcher) List(_ context.Context, f Filter) []*Notification {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*Notification, 0)
	for i := len(d.order) - 1; i >= 0; i-- {
		if n := d.items[d.order[i]]; f.match(n) {
			out = append(out, n.clone())
		}
	}
	return out
}

// Stats counts outbox entries by status.
func (d *Dispatcher) Stats(_ context.Context) map[Status]int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	stats := make(map[Status]int)
	for _, n := range d.items {
		stats[n.Status]++
	}
	return stats
}

var errNotClaimable = errors.New("notification is not awaiting delivery")

// deliver claims the notification, sends it outside the lock and records
// the outcome.
func (d *Dispatcher) deliver(ctx context.Context, s Sender, id uuid.UUID) error {
	d.mu.Lock()
	n, ok := d.items[id]
	if !ok || (n.Status != StatusPending && n.Status != StatusFailed) {
		d.mu.Unlock()
		return errNotClaimable
	}
	n.Status = StatusSending
	n.Attempts++
	snapshot := n.clone()
	d.mu.Unlock()

	sendErr := s.Send(ctx, snapshot)
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()
	if sendErr == nil {
		n.Status = StatusSent
		n.Error = ""
		n.SentAt = &now
		n.NextAttemptAt = nil
		return nil
	}
	n.Error = sendErr.Error()
	if n.Attempts >= d.maxAttempts {
		n.Status = StatusAbandoned
		n.NextAttemptAt = nil
		d.logger.Error().Err(sendErr).Str("notification_id", id.String()).Str("channel", n.Channel).
			Int("attempts", n.Attempts).Msg("notification abandoned")
		return sendErr
	}
	n.Status = StatusFailed
	next := now.Add(d.backoffFor(n.Attempts))
	n.NextAttemptAt = &next
	d.logger.Warn().Err(sendErr).Str("notification_id", id.String()).Str("channel", n.Channel).
		Int("attempts", n.Attempts).Time("next_attempt_at", next).Msg("notification delivery failed")
	return sendErr
}

func (d *Dispatcher) backoffFor(attempts int) time.Duration {
	b := d.backoff
	for i := 1; i < attempts; i++ {
		b *= 2
		if b >= maxBackoff {
			return maxBackoff
		}
	}
	return b
}

func (d *Dispatcher) senderFor(id uuid.UUID) (Sender, bool) {
	d.mu.RLock()
	n, ok := d.items[id]
	d.mu.RUnlock()
	if !ok {
		return nil, false
	}
	for _, s := range d.senders {
		if s.Channel() == n.Channel {
			return s, true
		}
	}
	return nil, false
}

// store appends n, evicting the oldest delivered or abandoned entries once
// the outbox is full.
func (d *Dispatcher) store(n *Notification) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.items[n.ID] = n
	d.order = append(d.order, n.ID)
	if len(d.order) <= d.maxItems {
		return
	}
	keep := d.order[:0]
	excess := len(d.order) - d.maxItems
	for _, id := range d.order {
		st := d.items[id].Status
		if excess > 0 && (st == StatusSent || st == StatusAbandoned) {
			delete(d.items, id)
			excess--
			continue
		}
		keep = append(keep, id)
	}
	d.order = keep
}
