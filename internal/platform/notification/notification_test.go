package notification

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dataclinica/bedflow/internal/domain/movement"
	"github.com/dataclinica/bedflow/internal/platform/apperr"
)

type fakeSender struct {
	mu      sync.Mutex
	channel string
	failN   int // fail this many sends before succeeding; -1 fails forever
	calls   []*Notification
}

func (f *fakeSender) Channel() string { return f.channel }

func (f *fakeSender) Send(_ context.Context, n *Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, n)
	if f.failN < 0 || len(f.calls) <= f.failN {
		return errors.New("downstream unavailable")
	}
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func transferEvent() movement.NotificationEvent {
	tid := uuid.New()
	return movement.NotificationEvent{
		RecipientType:    movement.RecipientBedManager,
		NotificationType: movement.NotifyTransferRequested,
		AdmissionID:      uuid.New(),
		PatientID:        uuid.New(),
		TransferID:       &tid,
		Actor:            "nurse-1",
		Detail:           "step-down to ward",
		OccurredAt:       time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestTemplateEngine_CoversEveryMovementNotification(t *testing.T) {
	e := NewTemplateEngine()
	types := []movement.NotificationType{
		movement.NotifyAdmissionActivated, movement.NotifyAdmissionCancelled, movement.NotifyAdmissionEnded,
		movement.NotifyTransferRequested, movement.NotifyTransferApproved, movement.NotifyTransferRejected,
		movement.NotifyTransferScheduled, movement.NotifyTransferCompleted, movement.NotifyTransferCancelled,
		movement.NotifyDischargeRequested, movement.NotifyDischargeApproved, movement.NotifyDischargeCompleted,
		movement.NotifyDischargeCancelled,
	}
	for _, typ := range types {
		if _, _, err := e.Render(string(typ), nil); err != nil {
			t.Errorf("no template for %s: %v", typ, err)
		}
	}
	if _, _, err := e.Render("nope", nil); err == nil {
		t.Error("expected error for unknown template")
	}
}

func TestTemplateEngine_RenderFillsEventFields(t *testing.T) {
	ev := transferEvent()
	subject, body, err := NewTemplateEngine().Render(string(ev.NotificationType), templateData(ev))
	if err != nil {
		t.Fatal(err)
	}
	if subject != "Transfer requested" {
		t.Errorf("subject = %q", subject)
	}
	for _, want := range []string{ev.TransferID.String(), ev.PatientID.String(), "nurse-1", "step-down to ward"} {
		if !strings.Contains(body, want) {
			t.Errorf("body %q missing %q", body, want)
		}
	}
}

func TestDispatcher_NotifyDeliversOnEveryChannel(t *testing.T) {
	a := &fakeSender{channel: "http"}
	b := &fakeSender{channel: "mqtt"}
	d := NewDispatcher([]Sender{a, b}, nil, zerolog.Nop())

	if err := d.Notify(context.Background(), transferEvent()); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if a.count() != 1 || b.count() != 1 {
		t.Fatalf("calls = %d/%d, want 1/1", a.count(), b.count())
	}
	list := d.List(context.Background(), Filter{Status: StatusSent})
	if len(list) != 2 {
		t.Fatalf("sent = %d, want 2", len(list))
	}
	if list[0].SentAt == nil || list[0].Attempts != 1 {
		t.Errorf("unexpected sent record %+v", list[0])
	}
}

func TestDispatcher_FailedDeliveryIsRetriedAfterBackoff(t *testing.T) {
	clk := &clock{t: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	s := &fakeSender{channel: "http", failN: 2}
	d := NewDispatcher([]Sender{s}, nil, zerolog.Nop(), WithClock(clk.now), WithBackoff(time.Minute))

	if err := d.Notify(context.Background(), transferEvent()); err == nil {
		t.Fatal("expected Notify to report the delivery failure")
	}
	failed := d.List(context.Background(), Filter{Status: StatusFailed})
	if len(failed) != 1 {
		t.Fatalf("failed = %d, want 1", len(failed))
	}
	if got := failed[0].NextAttemptAt.Sub(clk.t); got != time.Minute {
		t.Errorf("first backoff = %v, want 1m", got)
	}

	if n := d.RetryDue(context.Background()); n != 0 {
		t.Errorf("retried %d before backoff elapsed", n)
	}
	clk.advance(time.Minute)
	if n := d.RetryDue(context.Background()); n != 1 {
		t.Fatalf("retried %d, want 1", n)
	}
	n, _ := d.Get(context.Background(), failed[0].ID)
	if n.Status != StatusFailed || n.NextAttemptAt.Sub(clk.t) != 2*time.Minute {
		t.Fatalf("after second failure: status %s next %v", n.Status, n.NextAttemptAt)
	}

	clk.advance(2 * time.Minute)
	d.RetryDue(context.Background())
	n, _ = d.Get(context.Background(), failed[0].ID)
	if n.Status != StatusSent || n.Attempts != 3 || n.Error != "" {
		t.Errorf("expected sent on third attempt, got %+v", n)
	}
}

func TestDispatcher_AbandonsAfterMaxAttemptsAndManualRetryRevives(t *testing.T) {
	clk := &clock{t: time.Now().UTC()}
	s := &fakeSender{channel: "mqtt", failN: -1}
	d := NewDispatcher([]Sender{s}, nil, zerolog.Nop(), WithClock(clk.now), WithBackoff(time.Second), WithMaxAttempts(2))

	_ = d.Notify(context.Background(), transferEvent())
	clk.advance(time.Hour)
	d.RetryDue(context.Background())

	abandoned := d.List(context.Background(), Filter{Status: StatusAbandoned})
	if len(abandoned) != 1 {
		t.Fatalf("abandoned = %d, want 1", len(abandoned))
	}
	clk.advance(time.Hour)
	if n := d.RetryDue(context.Background()); n != 0 {
		t.Errorf("abandoned notifications must not be retried automatically, retried %d", n)
	}

	s.mu.Lock()
	s.failN = 0
	s.mu.Unlock()
	n, err := d.Retry(context.Background(), abandoned[0].ID)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if n.Status != StatusSent || n.Attempts != 1 {
		t.Errorf("manual retry: status %s attempts %d", n.Status, n.Attempts)
	}
}

func TestDispatcher_RetryRejectsDeliveredAndUnknown(t *testing.T) {
	d := NewDispatcher([]Sender{&fakeSender{channel: "log"}}, nil, zerolog.Nop())
	_ = d.Notify(context.Background(), transferEvent())
	sent := d.List(context.Background(), Filter{})[0]

	if _, err := d.Retry(context.Background(), sent.ID); !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Errorf("retry of sent: err = %v, want InvalidTransition", err)
	}
	if _, err := d.Retry(context.Background(), uuid.New()); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("retry of unknown: err = %v, want NotFound", err)
	}
}

func TestDispatcher_UnknownTemplateIsAnError(t *testing.T) {
	d := NewDispatcher([]Sender{&fakeSender{channel: "log"}}, nil, zerolog.Nop())
	ev := transferEvent()
	ev.NotificationType = "transfer.teleported"
	if err := d.Notify(context.Background(), ev); err == nil {
		t.Fatal("expected error for unknown notification type")
	}
	if len(d.List(context.Background(), Filter{})) != 0 {
		t.Error("nothing should be queued for an unrenderable event")
	}
}

func TestDispatcher_OutboxEvictsDeliveredFirst(t *testing.T) {
	ok := &fakeSender{channel: "log"}
	d := NewDispatcher([]Sender{ok}, nil, zerolog.Nop(), WithOutboxSize(3))
	for i := 0; i < 5; i++ {
		_ = d.Notify(context.Background(), transferEvent())
	}
	if got := len(d.List(context.Background(), Filter{})); got != 3 {
		t.Errorf("outbox size = %d, want 3", got)
	}
	stats := d.Stats(context.Background())
	if stats[StatusSent] != 3 {
		t.Errorf("stats = %v", stats)
	}
}

func TestDispatcher_ListFilters(t *testing.T) {
	d := NewDispatcher([]Sender{&fakeSender{channel: "log"}}, nil, zerolog.Nop())
	first := transferEvent()
	_ = d.Notify(context.Background(), first)
	second := transferEvent()
	second.NotificationType = movement.NotifyTransferApproved
	second.RecipientType = movement.RecipientCareTeam
	_ = d.Notify(context.Background(), second)

	all := d.List(context.Background(), Filter{})
	if len(all) != 2 || all[0].Type != movement.NotifyTransferApproved {
		t.Fatalf("expected newest first, got %+v", all)
	}
	if got := d.List(context.Background(), Filter{RecipientType: movement.RecipientBedManager}); len(got) != 1 {
		t.Errorf("recipient filter = %d, want 1", len(got))
	}
	if got := d.List(context.Background(), Filter{AdmissionID: &first.AdmissionID}); len(got) != 1 || got[0].Event.AdmissionID != first.AdmissionID {
		t.Errorf("admission filter returned %+v", got)
	}
}

func TestHTTPSender_PostsPayload(t *testing.T) {
	var (
		gotKey  string
		gotBody payload
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/notifications" || r.Method != http.MethodPost {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		gotKey = r.Header.Get("Idempotency-Key")
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	d := NewDispatcher([]Sender{NewHTTPSender(srv.URL, time.Second)}, nil, zerolog.Nop())
	if err := d.Notify(context.Background(), transferEvent()); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	n := d.List(context.Background(), Filter{})[0]
	if gotKey != n.ID.String() {
		t.Errorf("Idempotency-Key = %q, want %s", gotKey, n.ID)
	}
	if gotBody.Type != string(movement.NotifyTransferRequested) || gotBody.Subject != "Transfer requested" {
		t.Errorf("unexpected payload %+v", gotBody)
	}
}

func TestHTTPSender_ErrorStatusFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := NewHTTPSender(srv.URL, time.Second).Send(context.Background(), &Notification{ID: uuid.New()})
	if err == nil || !strings.Contains(err.Error(), "503") {
		t.Fatalf("expected 503 error, got %v", err)
	}
}

type fakePublisher struct {
	topic   string
	qos     byte
	payload []byte
	err     error
}

func (p *fakePublisher) Publish(topic string, qos byte, _ bool, payload []byte) error {
	p.topic, p.qos, p.payload = topic, qos, payload
	return p.err
}

func TestMQTTSender_PublishesPerRecipientTopic(t *testing.T) {
	pub := &fakePublisher{}
	d := NewDispatcher([]Sender{NewMQTTSender(pub, "hospital-a/")}, nil, zerolog.Nop())
	if err := d.Notify(context.Background(), transferEvent()); err != nil {
		t.Fatal(err)
	}
	if pub.topic != "hospital-a/notifications/bed_manager" {
		t.Errorf("topic = %q", pub.topic)
	}
	if pub.qos != 1 {
		t.Errorf("qos = %d, want 1", pub.qos)
	}
	var p payload
	if err := json.Unmarshal(pub.payload, &p); err != nil || p.RecipientType != "BED_MANAGER" {
		t.Errorf("payload %s (%v)", pub.payload, err)
	}

	pub.err = errors.New("broker gone")
	if err := d.Notify(context.Background(), transferEvent()); err == nil {
		t.Error("expected publish failure to surface")
	}
}
