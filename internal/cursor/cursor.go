package cursor

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/northbridgehq/coauthor/backend/internal/metrics"
	"github.com/northbridgehq/coauthor/backend/internal/realtime"
)

// DefaultThrottle bounds how often one client's cursor position goes on
// the wire.
const DefaultThrottle = 50 * time.Millisecond

var (
	errMissingBroker = errors.New("cursor: broker is required")
	errMissingSender = errors.New("cursor: sender id is required")
)

// Position is a cursor update as carried on the wire. Coordinates are
// workspace-relative; SectionKey names the section under the pointer, if
// any.
type Position struct {
	UserID      string  `json:"userId"`
	DisplayName string  `json:"displayName"`
	Color       string  `json:"color"`
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
	SectionKey  string  `json:"sectionKey,omitempty"`
}

// Throttler rate-limits cursor broadcasts for one client. Updates inside
// the throttle window replace the pending position rather than queueing,
// so the trailing broadcast always carries the latest coordinates.
type Throttler struct {
	broker     realtime.Broker
	room       string
	documentID string
	senderID   string
	interval   time.Duration
	clock      func() time.Time
	logger     *zap.Logger

	mu       sync.Mutex
	runCtx   context.Context
	pending  *Position
	timer    *time.Timer
	lastSent time.Time
	seq      int64
}

// ThrottlerConfig describes a throttler for one client on one document.
type ThrottlerConfig struct {
	Broker     realtime.Broker
	DocumentID string
	SenderID   string
	Interval   time.Duration
	Clock      func() time.Time
	Logger     *zap.Logger
}

func NewThrottler(cfg ThrottlerConfig) (*Throttler, error) {
	if cfg.Broker == nil {
		return nil, errMissingBroker
	}
	if cfg.SenderID == "" {
		return nil, errMissingSender
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultThrottle
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Throttler{
		broker:     cfg.Broker,
		room:       realtime.RoomForDocument(cfg.DocumentID),
		documentID: cfg.DocumentID,
		senderID:   cfg.SenderID,
		interval:   interval,
		clock:      clock,
		logger:     logger,
		runCtx:     context.Background(),
	}, nil
}

// Start binds the throttler to ctx; broadcasts stop once ctx is done.
func (t *Throttler) Start(ctx context.Context) {
	t.mu.Lock()
	t.runCtx = ctx
	t.mu.Unlock()
}

// Update records the latest cursor position. Positions arriving faster
// than the throttle interval coalesce; the newest always wins.
func (t *Throttler) Update(position Position) {
	t.mu.Lock()
	now := t.clock()
	if now.Sub(t.lastSent) >= t.interval && t.timer == nil {
		t.lastSent = now
		ctx := t.runCtx
		seq := t.nextSeqLocked()
		t.mu.Unlock()
		t.publish(ctx, seq, position)
		return
	}
	t.pending = &position
	if t.timer == nil {
		wait := t.interval - now.Sub(t.lastSent)
		if wait <= 0 {
			wait = t.interval
		}
		t.timer = time.AfterFunc(wait, t.flushPending)
	}
	t.mu.Unlock()
}

// Stop drops any pending broadcast.
func (t *Throttler) Stop() {
	t.mu.Lock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.pending = nil
	t.mu.Unlock()
}

func (t *Throttler) flushPending() {
	t.mu.Lock()
	t.timer = nil
	position := t.pending
	t.pending = nil
	if position == nil {
		t.mu.Unlock()
		return
	}
	t.lastSent = t.clock()
	ctx := t.runCtx
	seq := t.nextSeqLocked()
	t.mu.Unlock()
	t.publish(ctx, seq, *position)
}

func (t *Throttler) nextSeqLocked() int64 {
	t.seq++
	return t.seq
}

func (t *Throttler) publish(ctx context.Context, seq int64, position Position) {
	if ctx.Err() != nil {
		return
	}
	position.UserID = t.senderID
	payload, err := json.Marshal(position)
	if err != nil {
		t.logger.Error("cursor encode failed", zap.String("document_id", t.documentID), zap.Error(err))
		return
	}
	envelope := realtime.Envelope{
		Type:       realtime.EventCursor,
		DocumentID: t.documentID,
		SenderID:   t.senderID,
		Seq:        seq,
		SentAt:     t.clock().UTC(),
		Payload:    payload,
	}
	if err := t.broker.Publish(ctx, t.room, envelope); err != nil {
		t.logger.Error("cursor broadcast failed", zap.String("document_id", t.documentID), zap.Error(err))
		return
	}
	metrics.BroadcastsSent.WithLabelValues(realtime.EventCursor).Inc()
}

// Tracker keeps the last known cursor position for each peer in a room.
type Tracker struct {
	mu        sync.Mutex
	positions map[string]Position
	lastSeq   map[string]int64
}

func NewTracker() *Tracker {
	return &Tracker{
		positions: make(map[string]Position),
		lastSeq:   make(map[string]int64),
	}
}

// Apply records a peer's cursor envelope. Out-of-order envelopes from the
// same sender are ignored.
func (t *Tracker) Apply(envelope realtime.Envelope) bool {
	if envelope.Type != realtime.EventCursor {
		return false
	}
	var position Position
	if err := json.Unmarshal(envelope.Payload, &position); err != nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if envelope.Seq <= t.lastSeq[envelope.SenderID] {
		return false
	}
	t.lastSeq[envelope.SenderID] = envelope.Seq
	t.positions[envelope.SenderID] = position
	return true
}

// Remove forgets a peer, for example when they leave the session.
func (t *Tracker) Remove(userID string) {
	t.mu.Lock()
	delete(t.positions, userID)
	delete(t.lastSeq, userID)
	t.mu.Unlock()
}

// Positions returns the last known position of every tracked peer, sorted
// by user id.
func (t *Tracker) Positions() []Position {
	t.mu.Lock()
	defer t.mu.Unlock()
	positions := make([]Position, 0, len(t.positions))
	for _, position := range t.positions {
		positions = append(positions, position)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].UserID < positions[j].UserID })
	return positions
}
