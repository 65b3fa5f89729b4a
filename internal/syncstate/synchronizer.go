package syncstate

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/northbridgehq/coauthor/backend/internal/metrics"
	"github.com/northbridgehq/coauthor/backend/internal/realtime"
)

// DefaultDebounce is how long the synchronizer coalesces local edits before
// broadcasting one snapshot.
const DefaultDebounce = 100 * time.Millisecond

var (
	errMissingBroker     = errors.New("syncstate: broker is required")
	errMissingDocumentID = errors.New("syncstate: document id is required")
	errMissingSenderID   = errors.New("syncstate: sender id is required")
	errNotStarted        = errors.New("syncstate: synchronizer not started")
)

const (
	suppressReasonUnchanged = "unchanged"
	suppressReasonEcho      = "echo"
	suppressReasonStale     = "stale"
)

// Config describes a synchronizer for one client on one document.
type Config struct {
	Broker     realtime.Broker
	DocumentID string
	SenderID   string
	Debounce   time.Duration
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Synchronizer owns the editable workspace state for one client and keeps it
// aligned with its peers via debounced full-snapshot broadcasts. Outgoing
// envelopes carry a per-sender monotonically increasing sequence number;
// receivers drop their own sender id and non-increasing sequences, so a
// reflected broadcast can never feed back into another broadcast.
type Synchronizer struct {
	broker     realtime.Broker
	room       string
	documentID string
	senderID   string
	debounce   time.Duration
	clock      func() time.Time
	logger     *zap.Logger

	mu            sync.Mutex
	runCtx        context.Context
	cancelSub     func()
	state         WorkspaceSnapshot
	focused       map[string]bool
	pending       bool
	timer         *time.Timer
	lastSentHash  string
	seq           int64
	lastRemoteSeq map[string]int64
	handler       func(WorkspaceSnapshot)
}

// New constructs a synchronizer. Call Start before Queue.
func New(cfg Config) (*Synchronizer, error) {
	if cfg.Broker == nil {
		return nil, errMissingBroker
	}
	if cfg.DocumentID == "" {
		return nil, errMissingDocumentID
	}
	if cfg.SenderID == "" {
		return nil, errMissingSenderID
	}
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synchronizer{
		broker:        cfg.Broker,
		room:          realtime.RoomForDocument(cfg.DocumentID),
		documentID:    cfg.DocumentID,
		senderID:      cfg.SenderID,
		debounce:      debounce,
		clock:         clock,
		logger:        logger,
		state:         WorkspaceSnapshot{Sections: map[string]SectionDraft{}},
		focused:       map[string]bool{},
		lastRemoteSeq: map[string]int64{},
	}, nil
}

// OnState registers the handler invoked after a remote snapshot has been
// merged into local state.
func (s *Synchronizer) OnState(handler func(WorkspaceSnapshot)) {
	s.mu.Lock()
	s.handler = handler
	s.mu.Unlock()
}

// SetFocus marks a section as focused or blurred. Focused sections are
// exempt from remote overwrites until blurred.
func (s *Synchronizer) SetFocus(sectionKey string, focused bool) {
	s.mu.Lock()
	if focused {
		s.focused[sectionKey] = true
	} else {
		delete(s.focused, sectionKey)
	}
	s.mu.Unlock()
}

// Start subscribes to the document room and launches the receive loop. The
// subscription is torn down when ctx is cancelled or Stop is called.
func (s *Synchronizer) Start(ctx context.Context) error {
	stream, cancel, err := s.broker.Subscribe(ctx, s.room)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.runCtx = ctx
	s.cancelSub = cancel
	s.mu.Unlock()
	go s.receiveLoop(stream)
	return nil
}

// Stop tears down the subscription and any pending debounce timer.
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	cancel := s.cancelSub
	s.cancelSub = nil
	s.runCtx = nil
	s.pending = false
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Queue replaces local state and schedules a debounced broadcast. Repeated
// calls within the debounce window coalesce into a single envelope.
func (s *Synchronizer) Queue(snapshot WorkspaceSnapshot) {
	s.mu.Lock()
	s.state = snapshot.Clone()
	s.pending = true
	if s.timer == nil {
		s.timer = time.AfterFunc(s.debounce, s.flush)
	} else {
		s.timer.Reset(s.debounce)
	}
	s.mu.Unlock()
}

// Flush broadcasts the pending snapshot immediately. Used on teardown paths
// so the last edit is not lost to the debounce window.
func (s *Synchronizer) Flush() {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.mu.Unlock()
	s.flush()
}

// Snapshot returns a copy of the current merged local state.
func (s *Synchronizer) Snapshot() WorkspaceSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

func (s *Synchronizer) flush() {
	s.mu.Lock()
	if !s.pending {
		s.mu.Unlock()
		return
	}
	ctx := s.runCtx
	if ctx == nil {
		s.pending = false
		s.mu.Unlock()
		s.logger.Warn("dropping broadcast from unstarted synchronizer",
			zap.String("document_id", s.documentID), zap.Error(errNotStarted))
		return
	}
	hash, err := Hash(s.state)
	if err != nil {
		s.pending = false
		s.mu.Unlock()
		s.logger.Error("snapshot hash failed", zap.String("document_id", s.documentID), zap.Error(err))
		return
	}
	if hash == s.lastSentHash {
		s.pending = false
		s.mu.Unlock()
		metrics.BroadcastsSuppressed.WithLabelValues(suppressReasonUnchanged).Inc()
		return
	}
	payload, err := json.Marshal(s.state)
	if err != nil {
		s.pending = false
		s.mu.Unlock()
		s.logger.Error("snapshot encode failed", zap.String("document_id", s.documentID), zap.Error(err))
		return
	}
	s.seq++
	envelope := realtime.Envelope{
		Type:       realtime.EventStateSync,
		DocumentID: s.documentID,
		SenderID:   s.senderID,
		Seq:        s.seq,
		SentAt:     s.clock().UTC(),
		Payload:    payload,
	}
	s.pending = false
	s.mu.Unlock()

	if err := s.broker.Publish(ctx, s.room, envelope); err != nil {
		s.logger.Error("snapshot broadcast failed",
			zap.String("document_id", s.documentID), zap.Error(err))
		return
	}
	// Commit the hash only once the envelope is on the wire, otherwise a
	// failed publish would suppress the retry of identical content.
	s.mu.Lock()
	s.lastSentHash = hash
	s.mu.Unlock()
	metrics.BroadcastsSent.WithLabelValues(realtime.EventStateSync).Inc()
}

func (s *Synchronizer) receiveLoop(stream <-chan realtime.Envelope) {
	for envelope := range stream {
		if envelope.Type != realtime.EventStateSync {
			continue
		}
		s.applyRemote(envelope)
	}
}

func (s *Synchronizer) applyRemote(envelope realtime.Envelope) {
	if envelope.SenderID == s.senderID {
		metrics.BroadcastsSuppressed.WithLabelValues(suppressReasonEcho).Inc()
		return
	}

	var remote WorkspaceSnapshot
	if err := json.Unmarshal(envelope.Payload, &remote); err != nil {
		s.logger.Warn("dropping malformed snapshot",
			zap.String("document_id", s.documentID),
			zap.String("sender_id", envelope.SenderID),
			zap.Error(err))
		return
	}

	s.mu.Lock()
	if envelope.Seq <= s.lastRemoteSeq[envelope.SenderID] {
		s.mu.Unlock()
		metrics.BroadcastsSuppressed.WithLabelValues(suppressReasonStale).Inc()
		return
	}
	s.lastRemoteSeq[envelope.SenderID] = envelope.Seq
	s.state = Merge(s.state, remote, s.focused)
	// Gate the reactive re-broadcast: the UI layer feeds the merged state
	// back through Queue, and an unchanged hash must not go back on the wire.
	if hash, err := Hash(s.state); err == nil {
		s.lastSentHash = hash
	}
	handler := s.handler
	merged := s.state.Clone()
	s.mu.Unlock()

	if handler != nil {
		handler(merged)
	}
}
