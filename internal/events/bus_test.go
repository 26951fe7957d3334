package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/onnwee/riskaudit/internal/activity"
	"github.com/onnwee/riskaudit/internal/risk"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Handle(ctx context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) names() []Name {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Name, len(r.events))
	for i, e := range r.events {
		out[i] = e.EventName()
	}
	return out
}

func TestBus_DeliveryOrderEqualsPublishOrder(t *testing.T) {
	bus := NewBus(quietLogger(), nil)
	rec := &recorder{}
	bus.Subscribe(rec)

	ctx := context.Background()
	bus.Publish(ctx, SessionStarted{IdentityID: "u1"})
	bus.Publish(ctx, HighRiskActivity{IdentityID: "u1"})
	bus.Publish(ctx, SessionEnded{IdentityID: "u1", Reason: activity.EndReasonLogout})

	got := rec.names()
	want := []Name{NameSessionStarted, NameHighRiskActivity, NameSessionEnded}
	if len(got) != len(want) {
		t.Fatalf("received %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestBus_FailingSubscriberIsIsolated(t *testing.T) {
	metrics := NewMetrics()
	bus := NewBus(quietLogger(), metrics)

	before := &recorder{}
	after := &recorder{}
	bus.Subscribe(before)
	bus.Subscribe(SubscriberFunc(func(ctx context.Context, e Event) error {
		panic("boom")
	}))
	bus.Subscribe(SubscriberFunc(func(ctx context.Context, e Event) error {
		return errors.New("handler failed")
	}))
	bus.Subscribe(after)

	bus.Publish(context.Background(), RiskTrendAlert{IdentityID: "u1", AverageRisk: 60})

	if len(before.names()) != 1 || len(after.names()) != 1 {
		t.Errorf("deliveries = (%d, %d), want (1, 1)", len(before.names()), len(after.names()))
	}

	m := &dto.Metric{}
	if err := metrics.subscriberFailures.WithLabelValues(string(NameRiskTrendAlert)).Write(m); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if got := m.GetCounter().GetValue(); got != 2 {
		t.Errorf("subscriber failures = %v, want 2", got)
	}
}

func TestBus_NameFilterAndUnsubscribe(t *testing.T) {
	bus := NewBus(quietLogger(), nil)
	hijack := &recorder{}
	all := &recorder{}
	hijackID := bus.Subscribe(hijack, NameSessionHijacking)
	bus.Subscribe(all)

	ctx := context.Background()
	bus.Publish(ctx, SessionHijacking{IdentityID: "u1"})
	bus.Publish(ctx, UnusualAccessTime{IdentityID: "u1"})

	if got := hijack.names(); len(got) != 1 || got[0] != NameSessionHijacking {
		t.Errorf("filtered subscriber received %v", got)
	}
	if got := all.names(); len(got) != 2 {
		t.Errorf("unfiltered subscriber received %v", got)
	}

	bus.Unsubscribe(hijackID)
	bus.Unsubscribe(Subscription(9999))
	bus.Publish(ctx, SessionHijacking{IdentityID: "u1"})

	if got := hijack.names(); len(got) != 1 {
		t.Errorf("unsubscribed subscriber received %v", got)
	}
	if bus.SubscriberCount() != 1 {
		t.Errorf("SubscriberCount() = %d, want 1", bus.SubscriberCount())
	}
}

func TestMetrics_Register(t *testing.T) {
	m := NewMetrics()
	reg := prometheus.NewRegistry()
	if err := m.Register(reg); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := NewMetrics().Register(reg); err == nil {
		t.Error("duplicate Register() succeeded, want error")
	}
}

type fakeConn struct {
	mu       sync.Mutex
	messages [][]byte
	err      error
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.messages = append(c.messages, data)
	return nil
}

func TestBroadcaster_Handle(t *testing.T) {
	b := NewBroadcaster(quietLogger(), nil)
	good := &fakeConn{}
	bad := &fakeConn{err: errors.New("closed")}
	b.Add(good)
	b.Add(bad)

	ev := HighRiskActivity{
		IdentityID: "u1",
		Assessment: risk.Assessment{Score: 75, Factors: []string{risk.FactorSuspiciousEndpoint}, Level: risk.LevelHigh},
	}
	if err := b.Handle(context.Background(), ev); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if len(good.messages) != 1 {
		t.Fatalf("good client received %d messages, want 1", len(good.messages))
	}
	var frame struct {
		Event Name `json:"event"`
		Data  struct {
			Identity   string          `json:"identity"`
			Assessment risk.Assessment `json:"assessment"`
		} `json:"data"`
	}
	if err := json.Unmarshal(good.messages[0], &frame); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if frame.Event != NameHighRiskActivity || frame.Data.Identity != "u1" || frame.Data.Assessment.Score != 75 {
		t.Errorf("frame = %+v", frame)
	}

	if b.ConnectionCount() != 1 {
		t.Errorf("ConnectionCount() = %d, want failed client dropped", b.ConnectionCount())
	}
}

func TestLogSubscriber_NeverFails(t *testing.T) {
	s := NewLogSubscriber(quietLogger())
	for _, e := range []Event{
		HighRiskActivity{Session: &activity.Session{ID: "s"}},
		SessionHijacking{},
		UnusualAccessTime{},
		SessionStarted{Session: &activity.Session{ID: "s"}},
		SessionEnded{},
		RiskTrendAlert{},
	} {
		if err := s.Handle(context.Background(), e); err != nil {
			t.Errorf("Handle(%s) error = %v", e.EventName(), err)
		}
	}
}
