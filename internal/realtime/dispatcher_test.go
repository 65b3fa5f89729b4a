package realtime

import (
	"context"
	"testing"
	"time"
)

func TestDispatcherPublishesToRoomSubscriber(t *testing.T) {
	dispatcher := NewDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup, err := dispatcher.Subscribe(ctx, RoomForDocument("doc-1"))
	if err != nil {
		t.Fatalf("unexpected subscribe error: %v", err)
	}
	defer cleanup()

	envelope := Envelope{
		Type:       EventSectionChanged,
		DocumentID: "doc-1",
		SenderID:   "user-1",
		Seq:        1,
		SentAt:     time.Now().UTC(),
	}
	if err := dispatcher.Publish(ctx, RoomForDocument("doc-1"), envelope); err != nil {
		t.Fatalf("unexpected publish error: %v", err)
	}

	select {
	case received := <-stream:
		if received.Type != EventSectionChanged {
			t.Fatalf("expected event type %s, got %s", EventSectionChanged, received.Type)
		}
		if received.SenderID != "user-1" {
			t.Fatalf("expected sender user-1, got %s", received.SenderID)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected envelope within deadline")
	}
}

func TestDispatcherIsolatesRooms(t *testing.T) {
	dispatcher := NewDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	streamA, cleanupA, err := dispatcher.Subscribe(ctx, RoomForDocument("doc-a"))
	if err != nil {
		t.Fatalf("unexpected subscribe error: %v", err)
	}
	defer cleanupA()
	streamB, cleanupB, err := dispatcher.Subscribe(ctx, RoomForDocument("doc-b"))
	if err != nil {
		t.Fatalf("unexpected subscribe error: %v", err)
	}
	defer cleanupB()

	envelope := Envelope{Type: EventCursor, DocumentID: "doc-b", SenderID: "user-2", Seq: 1}
	if err := dispatcher.Publish(ctx, RoomForDocument("doc-b"), envelope); err != nil {
		t.Fatalf("unexpected publish error: %v", err)
	}

	select {
	case <-streamA:
		t.Fatal("did not expect envelope for unrelated room")
	case <-time.After(200 * time.Millisecond):
	}

	select {
	case received := <-streamB:
		if received.DocumentID != "doc-b" {
			t.Fatalf("expected doc-b, received %s", received.DocumentID)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected envelope for subscribed room")
	}
}

func TestDispatcherCancelStopsDelivery(t *testing.T) {
	dispatcher := NewDispatcher()
	ctx := context.Background()

	stream, cleanup, err := dispatcher.Subscribe(ctx, RoomForDocument("doc-1"))
	if err != nil {
		t.Fatalf("unexpected subscribe error: %v", err)
	}
	cleanup()

	if err := dispatcher.Publish(ctx, RoomForDocument("doc-1"), Envelope{Type: EventCursor, Seq: 1}); err != nil {
		t.Fatalf("unexpected publish error: %v", err)
	}

	select {
	case _, ok := <-stream:
		if ok {
			t.Fatal("did not expect envelope after cancel")
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDispatcherCancelClosesStream(t *testing.T) {
	dispatcher := NewDispatcher()

	stream, cleanup, err := dispatcher.Subscribe(context.Background(), RoomForDocument("doc-1"))
	if err != nil {
		t.Fatalf("unexpected subscribe error: %v", err)
	}
	cleanup()

	select {
	case _, ok := <-stream:
		if ok {
			t.Fatal("expected closed stream, received envelope")
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected stream to close after cancel")
	}
}

func TestDispatcherCancelIsIdempotent(t *testing.T) {
	dispatcher := NewDispatcher()
	ctx, ctxCancel := context.WithCancel(context.Background())

	stream, cleanup, err := dispatcher.Subscribe(ctx, RoomForDocument("doc-1"))
	if err != nil {
		t.Fatalf("unexpected subscribe error: %v", err)
	}
	ctxCancel()
	cleanup()
	cleanup()

	select {
	case _, ok := <-stream:
		if ok {
			t.Fatal("expected closed stream, received envelope")
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected stream to close after cancel")
	}
}

func TestMemoryPresencePrunesStaleMembers(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	clock := func() time.Time { return now }
	presence := NewMemoryPresence(30*time.Second, clock)
	ctx := context.Background()
	room := RoomForDocument("doc-1")

	if err := presence.Join(ctx, room, Member{UserID: "user-1", DisplayName: "A"}); err != nil {
		t.Fatalf("unexpected join error: %v", err)
	}
	if err := presence.Join(ctx, room, Member{UserID: "user-2", DisplayName: "B"}); err != nil {
		t.Fatalf("unexpected join error: %v", err)
	}

	now = now.Add(20 * time.Second)
	if err := presence.Heartbeat(ctx, room, "user-2"); err != nil {
		t.Fatalf("unexpected heartbeat error: %v", err)
	}

	now = now.Add(15 * time.Second)
	members, err := presence.Members(ctx, room)
	if err != nil {
		t.Fatalf("unexpected members error: %v", err)
	}
	if len(members) != 1 {
		t.Fatalf("expected one live member, got %d", len(members))
	}
	if members[0].UserID != "user-2" {
		t.Fatalf("expected user-2 to survive, got %s", members[0].UserID)
	}
}

func TestMemoryPresenceLeaveRemovesMember(t *testing.T) {
	presence := NewMemoryPresence(time.Minute, nil)
	ctx := context.Background()
	room := RoomForDocument("doc-1")

	if err := presence.Join(ctx, room, Member{UserID: "user-1"}); err != nil {
		t.Fatalf("unexpected join error: %v", err)
	}
	if err := presence.Leave(ctx, room, "user-1"); err != nil {
		t.Fatalf("unexpected leave error: %v", err)
	}
	members, err := presence.Members(ctx, room)
	if err != nil {
		t.Fatalf("unexpected members error: %v", err)
	}
	if len(members) != 0 {
		t.Fatalf("expected empty roster, got %d members", len(members))
	}
}
