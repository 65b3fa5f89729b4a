package realtime

import (
	"context"
	"testing"
	"time"

	mr "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestRedisBrokerPublishSubscribe(t *testing.T) {
	m, err := mr.Run()
	require.NoError(t, err)
	defer m.Close()

	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	broker := NewRedisBroker(client, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	room := RoomForDocument("doc-1")
	stream, cleanup, err := broker.Subscribe(ctx, room)
	require.NoError(t, err)
	defer cleanup()

	envelope := Envelope{
		Type:       EventStateSync,
		DocumentID: "doc-1",
		SenderID:   "user-1",
		Seq:        7,
		SentAt:     time.Unix(1700000000, 0).UTC(),
		Payload:    []byte(`{"sections":{"X":{"text":"Hello"}}}`),
	}
	require.NoError(t, broker.Publish(ctx, room, envelope))

	select {
	case received := <-stream:
		require.Equal(t, EventStateSync, received.Type)
		require.Equal(t, int64(7), received.Seq)
		require.JSONEq(t, `{"sections":{"X":{"text":"Hello"}}}`, string(received.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("expected envelope within deadline")
	}
}

func TestRedisPresenceRoster(t *testing.T) {
	m, err := mr.Run()
	require.NoError(t, err)
	defer m.Close()

	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	now := time.Unix(1700000000, 0).UTC()
	presence := NewRedisPresence(client, 30*time.Second, func() time.Time { return now })

	ctx := context.Background()
	room := RoomForDocument("doc-1")

	require.NoError(t, presence.Join(ctx, room, Member{UserID: "user-1", DisplayName: "Host", IsHost: true}))
	require.NoError(t, presence.Join(ctx, room, Member{UserID: "user-2", DisplayName: "Guest"}))

	members, err := presence.Members(ctx, room)
	require.NoError(t, err)
	require.Len(t, members, 2)

	// only user-2 heartbeats before the stale cutoff
	now = now.Add(25 * time.Second)
	require.NoError(t, presence.Heartbeat(ctx, room, "user-2"))
	now = now.Add(10 * time.Second)

	members, err = presence.Members(ctx, room)
	require.NoError(t, err)
	require.Len(t, members, 1)
	require.Equal(t, "user-2", members[0].UserID)

	require.NoError(t, presence.Leave(ctx, room, "user-2"))
	members, err = presence.Members(ctx, room)
	require.NoError(t, err)
	require.Empty(t, members)
}

func TestRedisPresenceUnavailableWhenDown(t *testing.T) {
	m, err := mr.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	presence := NewRedisPresence(client, 30*time.Second, nil)
	ctx := context.Background()
	room := RoomForDocument("doc-1")

	require.NoError(t, presence.Join(ctx, room, Member{UserID: "user-1"}))
	m.Close()

	_, err = presence.Members(ctx, room)
	require.ErrorIs(t, err, ErrPresenceUnavailable)
}
