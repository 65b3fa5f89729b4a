package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	redisChannelPrefix  = "coauthor:room:"
	redisPresencePrefix = "coauthor:presence:"
)

// RedisBroker carries room broadcasts over Redis pub/sub so multiple
// coordinator instances can serve the same document. go-redis resubscribes
// automatically after a dropped connection; messages published during the
// outage are lost, which the snapshot-based sync protocol tolerates.
type RedisBroker struct {
	client *redis.Client
	logger *zap.Logger
}

func NewRedisBroker(client *redis.Client, logger *zap.Logger) *RedisBroker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBroker{client: client, logger: logger}
}

func (b *RedisBroker) Publish(ctx context.Context, room string, envelope Envelope) error {
	if room == "" || envelope.Type == "" {
		return nil
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, redisChannelPrefix+room, payload).Err()
}

func (b *RedisBroker) Subscribe(ctx context.Context, room string) (<-chan Envelope, func(), error) {
	pubsub := b.client.Subscribe(ctx, redisChannelPrefix+room)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, err
	}

	out := make(chan Envelope, dispatcherBufferSize)
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			_ = pubsub.Close()
		})
	}

	go func() {
		defer close(out)
		for message := range pubsub.Channel() {
			var envelope Envelope
			if err := json.Unmarshal([]byte(message.Payload), &envelope); err != nil {
				b.logger.Warn("dropping malformed room envelope",
					zap.String("room", room), zap.Error(err))
				continue
			}
			select {
			case out <- envelope:
			default:
			}
		}
	}()
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return out, cancel, nil
}

// RedisPresence stores each room roster in a Redis hash keyed by user id.
// Member values embed a heartbeat timestamp; stale entries are pruned on
// read so a vanished client eventually disappears from the roster.
type RedisPresence struct {
	client     *redis.Client
	staleAfter time.Duration
	clock      func() time.Time
}

func NewRedisPresence(client *redis.Client, staleAfter time.Duration, clock func() time.Time) *RedisPresence {
	if clock == nil {
		clock = time.Now
	}
	return &RedisPresence{client: client, staleAfter: staleAfter, clock: clock}
}

func (p *RedisPresence) key(room string) string {
	return redisPresencePrefix + room
}

func (p *RedisPresence) Join(ctx context.Context, room string, member Member) error {
	member.LastSeenAt = p.clock().UTC()
	encoded, err := json.Marshal(member)
	if err != nil {
		return err
	}
	if err := p.client.HSet(ctx, p.key(room), member.UserID, encoded).Err(); err != nil {
		return wrapPresenceErr(err)
	}
	return nil
}

func (p *RedisPresence) Heartbeat(ctx context.Context, room, userID string) error {
	raw, err := p.client.HGet(ctx, p.key(room), userID).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil
		}
		return wrapPresenceErr(err)
	}
	var member Member
	if err := json.Unmarshal(raw, &member); err != nil {
		return err
	}
	member.LastSeenAt = p.clock().UTC()
	encoded, err := json.Marshal(member)
	if err != nil {
		return err
	}
	if err := p.client.HSet(ctx, p.key(room), userID, encoded).Err(); err != nil {
		return wrapPresenceErr(err)
	}
	return nil
}

func (p *RedisPresence) Leave(ctx context.Context, room, userID string) error {
	if err := p.client.HDel(ctx, p.key(room), userID).Err(); err != nil {
		return wrapPresenceErr(err)
	}
	return nil
}

func (p *RedisPresence) Members(ctx context.Context, room string) ([]Member, error) {
	entries, err := p.client.HGetAll(ctx, p.key(room)).Result()
	if err != nil {
		return nil, wrapPresenceErr(err)
	}
	cutoff := p.clock().UTC().Add(-p.staleAfter)
	members := make([]Member, 0, len(entries))
	for userID, raw := range entries {
		var member Member
		if err := json.Unmarshal([]byte(raw), &member); err != nil {
			_ = p.client.HDel(ctx, p.key(room), userID).Err()
			continue
		}
		if p.staleAfter > 0 && member.LastSeenAt.Before(cutoff) {
			_ = p.client.HDel(ctx, p.key(room), userID).Err()
			continue
		}
		members = append(members, member)
	}
	return members, nil
}

func wrapPresenceErr(err error) error {
	if err == nil {
		return nil
	}
	return &presenceError{cause: err}
}

type presenceError struct {
	cause error
}

func (e *presenceError) Error() string {
	return ErrPresenceUnavailable.Error() + ": " + e.cause.Error()
}

func (e *presenceError) Is(target error) bool {
	return target == ErrPresenceUnavailable
}

func (e *presenceError) Unwrap() error {
	return e.cause
}
