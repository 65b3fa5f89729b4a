package cursor

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/northbridgehq/coauthor/backend/internal/realtime"
)

const testInterval = 25 * time.Millisecond

type cursorRecorder struct {
	mu        sync.Mutex
	envelopes []realtime.Envelope
}

func (r *cursorRecorder) snapshot() []realtime.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	copies := make([]realtime.Envelope, len(r.envelopes))
	copy(copies, r.envelopes)
	return copies
}

func (r *cursorRecorder) waitFor(t *testing.T, count int) []realtime.Envelope {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if envelopes := r.snapshot(); len(envelopes) >= count {
			return envelopes
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d cursor envelopes, have %d", count, len(r.snapshot()))
	return nil
}

func newThrottlerWithRecorder(t *testing.T) (*Throttler, *cursorRecorder) {
	t.Helper()
	broker := realtime.NewDispatcher()
	recorder := &cursorRecorder{}
	stream, cancel, err := broker.Subscribe(context.Background(), realtime.RoomForDocument("doc-1"))
	if err != nil {
		t.Fatalf("failed to subscribe: %v", err)
	}
	t.Cleanup(cancel)
	go func() {
		for envelope := range stream {
			recorder.mu.Lock()
			recorder.envelopes = append(recorder.envelopes, envelope)
			recorder.mu.Unlock()
		}
	}()

	throttler, err := NewThrottler(ThrottlerConfig{
		Broker:     broker,
		DocumentID: "doc-1",
		SenderID:   "host-1",
		Interval:   testInterval,
	})
	if err != nil {
		t.Fatalf("failed to construct throttler: %v", err)
	}
	throttler.Start(context.Background())
	t.Cleanup(throttler.Stop)
	return throttler, recorder
}

func TestFirstUpdateGoesOutImmediately(t *testing.T) {
	throttler, recorder := newThrottlerWithRecorder(t)

	throttler.Update(Position{X: 10, Y: 20})
	envelopes := recorder.waitFor(t, 1)

	var position Position
	if err := json.Unmarshal(envelopes[0].Payload, &position); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if position.X != 10 || position.Y != 20 {
		t.Fatalf("unexpected position %+v", position)
	}
	if position.UserID != "host-1" {
		t.Fatalf("expected sender id stamped on payload, got %q", position.UserID)
	}
}

func TestBurstCoalescesToLatestPosition(t *testing.T) {
	throttler, recorder := newThrottlerWithRecorder(t)

	throttler.Update(Position{X: 1})
	throttler.Update(Position{X: 2})
	throttler.Update(Position{X: 3})
	throttler.Update(Position{X: 4})

	envelopes := recorder.waitFor(t, 2)
	time.Sleep(3 * testInterval)
	if got := len(recorder.snapshot()); got != 2 {
		t.Fatalf("expected burst to collapse to two broadcasts, got %d", got)
	}

	var trailing Position
	if err := json.Unmarshal(envelopes[1].Payload, &trailing); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if trailing.X != 4 {
		t.Fatalf("expected trailing broadcast to carry latest position, got %+v", trailing)
	}
}

func TestStopDropsPendingPosition(t *testing.T) {
	throttler, recorder := newThrottlerWithRecorder(t)

	throttler.Update(Position{X: 1})
	recorder.waitFor(t, 1)
	throttler.Update(Position{X: 2})
	throttler.Stop()

	time.Sleep(3 * testInterval)
	if got := len(recorder.snapshot()); got != 1 {
		t.Fatalf("expected pending position to be dropped, got %d broadcasts", got)
	}
}

func TestTrackerKeepsLatestPerPeer(t *testing.T) {
	tracker := NewTracker()

	payload := func(x float64) json.RawMessage {
		encoded, err := json.Marshal(Position{UserID: "peer-1", X: x})
		if err != nil {
			t.Fatalf("failed to encode: %v", err)
		}
		return encoded
	}

	if !tracker.Apply(realtime.Envelope{Type: realtime.EventCursor, SenderID: "peer-1", Seq: 1, Payload: payload(5)}) {
		t.Fatal("expected first envelope to apply")
	}
	if !tracker.Apply(realtime.Envelope{Type: realtime.EventCursor, SenderID: "peer-1", Seq: 3, Payload: payload(7)}) {
		t.Fatal("expected newer envelope to apply")
	}
	if tracker.Apply(realtime.Envelope{Type: realtime.EventCursor, SenderID: "peer-1", Seq: 2, Payload: payload(6)}) {
		t.Fatal("expected out-of-order envelope to be ignored")
	}
	if tracker.Apply(realtime.Envelope{Type: realtime.EventStateSync, SenderID: "peer-1", Seq: 4, Payload: payload(9)}) {
		t.Fatal("expected non-cursor envelope to be ignored")
	}

	positions := tracker.Positions()
	if len(positions) != 1 || positions[0].X != 7 {
		t.Fatalf("unexpected tracked positions %+v", positions)
	}

	tracker.Remove("peer-1")
	if len(tracker.Positions()) != 0 {
		t.Fatal("expected peer removed from tracker")
	}
}
