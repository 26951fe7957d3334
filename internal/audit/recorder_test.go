package audit

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/onnwee/riskaudit/internal/activity"
	"github.com/onnwee/riskaudit/internal/events"
	"github.com/onnwee/riskaudit/internal/risk"
)

func TestRecorder_Record(t *testing.T) {
	repo := NewInMemoryRepository()
	rec := NewRecorder(newTestChain(t, repo), nil)

	entry, err := rec.Record(context.Background(), Record{Type: TypeServiceStarted})
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	var got Record
	if err := json.Unmarshal(entry.Payload, &got); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if got.Outcome != OutcomeSuccess {
		t.Errorf("Outcome = %q, want default success", got.Outcome)
	}

	if _, err := rec.Record(context.Background(), Record{}); err == nil {
		t.Error("expected error for record without type")
	}
}

func TestRecorder_HandleEvents(t *testing.T) {
	sess := &activity.Session{ID: "sess-1", IdentityID: "user-1", IPAddress: "198.51.100.4", UserAgent: "ua"}
	act := &activity.Activity{ID: "act-1", Endpoint: "/api/users", Method: "GET", IPAddress: "198.51.100.4"}

	tests := []struct {
		name     string
		event    events.Event
		wantType string
	}{
		{
			name: "high risk",
			event: events.HighRiskActivity{
				IdentityID: "user-1", Session: sess, Activity: act,
				Assessment: risk.Assessment{Score: 85, Factors: []string{"sensitive_endpoint"}, Level: risk.LevelCritical},
			},
			wantType: TypeHighRiskActivity,
		},
		{
			name:     "hijacking",
			event:    events.SessionHijacking{IdentityID: "user-1", Session: sess},
			wantType: TypeSessionHijacking,
		},
		{
			name:     "security termination",
			event:    events.SessionEnded{IdentityID: "user-1", Session: sess, Reason: activity.EndReasonSecurityIncident},
			wantType: TypeSessionTerminated,
		},
		{
			name:  "idle end ignored",
			event: events.SessionEnded{IdentityID: "user-1", Session: sess, Reason: activity.EndReasonIdleTimeout},
		},
		{
			name:  "session start ignored",
			event: events.SessionStarted{IdentityID: "user-1", Session: sess},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := NewInMemoryRepository()
			rec := NewRecorder(newTestChain(t, repo), nil)

			if err := rec.Handle(context.Background(), tt.event); err != nil {
				t.Fatalf("Handle() error = %v", err)
			}

			entries, _ := repo.All(context.Background())
			if tt.wantType == "" {
				if len(entries) != 0 {
					t.Errorf("entries = %d, want 0", len(entries))
				}
				return
			}
			if len(entries) != 1 {
				t.Fatalf("entries = %d, want 1", len(entries))
			}
			var got Record
			_ = json.Unmarshal(entries[0].Payload, &got)
			if got.Type != tt.wantType {
				t.Errorf("Type = %q, want %q", got.Type, tt.wantType)
			}
			if got.Actor != "user-1" {
				t.Errorf("Actor = %q, want user-1", got.Actor)
			}
		})
	}
}

func TestRecorder_SubscribesThroughBus(t *testing.T) {
	repo := NewInMemoryRepository()
	rec := NewRecorder(newTestChain(t, repo), nil)
	bus := events.NewBus(nil, nil)
	bus.Subscribe(rec, SubscribedEvents...)

	bus.Publish(context.Background(), events.SessionHijacking{IdentityID: "user-2"})
	bus.Publish(context.Background(), events.SessionStarted{IdentityID: "user-2"})

	entries, _ := repo.All(context.Background())
	if len(entries) != 1 {
		t.Errorf("entries = %d, want 1", len(entries))
	}
}
