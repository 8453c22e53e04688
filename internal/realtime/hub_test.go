package realtime

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/privacore/privgate/internal/engine"
	"github.com/privacore/privgate/internal/policy"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

// ---------------------------------------------------------------------------
// shouldSend tests
// ---------------------------------------------------------------------------

func TestShouldSend_AllEvents(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{AllEvents: true}}

	event := &Event{Type: EventDecision, Timestamp: time.Now()}
	if !h.shouldSend(client, event) {
		t.Error("AllEvents client should receive all events")
	}
}

func TestShouldSend_EventTypeFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		EventTypes: []EventType{EventDecision, EventBudgetWarning},
	}}

	decision := &Event{Type: EventDecision}
	warning := &Event{Type: EventBudgetWarning}
	consentUpdate := &Event{Type: EventConsentUpdate}

	if !h.shouldSend(client, decision) {
		t.Error("Should receive decision events")
	}
	if !h.shouldSend(client, warning) {
		t.Error("Should receive budget_warning events")
	}
	if h.shouldSend(client, consentUpdate) {
		t.Error("Should NOT receive consent_update events")
	}
}

func TestShouldSend_SubjectFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		Subjects: []string{"alice"},
	}}

	matching := &Event{
		Type: EventDecision,
		Data: &decisionEvent{Subject: "alice", Allowed: true},
	}
	notMatching := &Event{
		Type: EventDecision,
		Data: &decisionEvent{Subject: "bob", Allowed: true},
	}

	if !h.shouldSend(client, matching) {
		t.Error("Should match on subject")
	}
	if h.shouldSend(client, notMatching) {
		t.Error("Should NOT match unrelated subjects")
	}
}

func TestShouldSend_DeniesOnlyFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{DeniesOnly: true}}

	denied := &Event{
		Type: EventDecision,
		Data: &decisionEvent{Subject: "alice", Allowed: false},
	}
	allowed := &Event{
		Type: EventDecision,
		Data: &decisionEvent{Subject: "alice", Allowed: true},
	}

	if !h.shouldSend(client, denied) {
		t.Error("Should receive denied decisions")
	}
	if h.shouldSend(client, allowed) {
		t.Error("Should NOT receive allowed decisions")
	}
}

func TestShouldSend_MinRiskFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{MinRisk: 50}}

	risky := &Event{
		Type: EventDecision,
		Data: &decisionEvent{RiskScore: 80},
	}
	benign := &Event{
		Type: EventDecision,
		Data: &decisionEvent{RiskScore: 10},
	}
	warning := &Event{
		Type: EventBudgetWarning,
		Data: map[string]interface{}{"entity": "lab"},
	}

	if !h.shouldSend(client, risky) {
		t.Error("Should receive high-risk decisions")
	}
	if h.shouldSend(client, benign) {
		t.Error("Should NOT receive low-risk decisions")
	}
	if !h.shouldSend(client, warning) {
		t.Error("MinRisk filter should only apply to decisions")
	}
}

func TestShouldSend_EmptySubscription(t *testing.T) {
	h := testHub()

	// No filters, not AllEvents
	client := &Client{sub: Subscription{}}

	event := &Event{Type: EventDecision}
	if !h.shouldSend(client, event) {
		t.Error("Empty subscription (no filters) should receive events")
	}
}

func TestShouldSend_NonDecisionData(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		Subjects: []string{"alice"},
	}}

	// Event with non-decision data should not crash
	event := &Event{
		Type: EventConsentUpdate,
		Data: "string data not a decision",
	}

	// Subject filter skips non-decision data, so the event passes through
	if !h.shouldSend(client, event) {
		t.Error("Non-decision data should pass through when subject filter can't apply")
	}
}

// ---------------------------------------------------------------------------
// Hub lifecycle tests
// ---------------------------------------------------------------------------

func TestHub_Stats_Initial(t *testing.T) {
	h := testHub()

	stats := h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients, got %v", stats["connectedClients"])
	}
	if stats["totalEvents"].(int64) != 0 {
		t.Errorf("Expected 0 total events, got %v", stats["totalEvents"])
	}
}

func TestHub_BroadcastAndStats(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Broadcast an event
	h.Broadcast(&Event{Type: EventDecision, Timestamp: time.Now()})
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["totalEvents"].(int64) != 1 {
		t.Errorf("Expected 1 total event, got %v", stats["totalEvents"])
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["connectedClients"].(int) != 1 {
		t.Errorf("Expected 1 connected client, got %v", stats["connectedClients"])
	}
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak 1, got %v", stats["peakClients"])
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients after unregister, got %v", stats["connectedClients"])
	}
	// Peak should still be 1
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak still 1, got %v", stats["peakClients"])
	}
}

func TestHub_BroadcastToClient(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	h.Broadcast(&Event{
		Type:      EventDecision,
		Timestamp: time.Now(),
		Data:      &decisionEvent{Subject: "alice", Allowed: true},
	})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Timeout waiting for broadcast")
	}
}

func TestHub_PublishDecision(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Should not panic, with or without an inner decision
	h.PublishDecision(&engine.Result{RequestID: "req_1", Allowed: false, ReasonCode: engine.ReasonConsentDenied})
	h.PublishDecision(&engine.Result{
		RequestID: "req_2",
		Allowed:   true,
		Decision:  &policy.Decision{Verdict: policy.VerdictAllow, RiskScore: 12},
	})
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
		// Hub stopped
	case <-time.After(2 * time.Second):
		t.Error("Hub did not stop after context cancellation")
	}
}

func TestHub_FilteredBroadcast(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Client only wants budget warnings
	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{EventTypes: []EventType{EventBudgetWarning}},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	// Send a decision event (should be filtered out)
	h.Broadcast(&Event{Type: EventDecision, Timestamp: time.Now()})
	time.Sleep(100 * time.Millisecond)

	select {
	case <-client.send:
		t.Error("Client should NOT receive decision event")
	default:
		// Good - filtered out
	}

	// Send a budget warning (should be received)
	h.Broadcast(&Event{Type: EventBudgetWarning, Timestamp: time.Now()})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Client should receive budget warning event")
	}
}
