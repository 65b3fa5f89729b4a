package janitor

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/northbridgehq/coauthor/backend/internal/collab"
	"github.com/northbridgehq/coauthor/backend/internal/metrics"
	"github.com/northbridgehq/coauthor/backend/internal/realtime"
)

// DefaultSchedule runs a sweep every minute.
const DefaultSchedule = "@every 1m"

const sweepTimeout = 30 * time.Second

var (
	errMissingLocks    = errors.New("janitor: lock sweeper is required")
	errMissingSessions = errors.New("janitor: session sweeper is required")
)

// LockSweeper removes soft locks whose holders stopped heartbeating.
type LockSweeper interface {
	SweepExpired(ctx context.Context) (int64, error)
}

// SessionSweeper ends collaboration sessions that sat idle past the
// timeout and reports which ones it ended.
type SessionSweeper interface {
	EndStale(ctx context.Context, idleTimeout time.Duration) ([]collab.EndedSession, error)
}

// Config describes a background janitor.
type Config struct {
	Locks       LockSweeper
	Sessions    SessionSweeper
	Broker      realtime.Broker
	Schedule    string
	IdleTimeout time.Duration
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Janitor periodically reaps expired soft locks and idle collaboration
// sessions. Every session it closes is announced on the session's document
// room so connected clients can drop out of collaborative mode.
type Janitor struct {
	locks       LockSweeper
	sessions    SessionSweeper
	broker      realtime.Broker
	schedule    string
	idleTimeout time.Duration
	clock       func() time.Time
	logger      *zap.Logger
	runner      *cron.Cron
}

func New(cfg Config) (*Janitor, error) {
	if cfg.Locks == nil {
		return nil, errMissingLocks
	}
	if cfg.Sessions == nil {
		return nil, errMissingSessions
	}
	schedule := cfg.Schedule
	if schedule == "" {
		schedule = DefaultSchedule
	}
	idleTimeout := cfg.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = 15 * time.Minute
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Janitor{
		locks:       cfg.Locks,
		sessions:    cfg.Sessions,
		broker:      cfg.Broker,
		schedule:    schedule,
		idleTimeout: idleTimeout,
		clock:       clock,
		logger:      logger,
	}, nil
}

// Start schedules recurring sweeps. It returns an error only when the
// schedule expression does not parse.
func (j *Janitor) Start() error {
	runner := cron.New()
	_, err := runner.AddFunc(j.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
		defer cancel()
		j.Sweep(ctx)
	})
	if err != nil {
		return err
	}
	j.runner = runner
	runner.Start()
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (j *Janitor) Stop() {
	if j.runner == nil {
		return
	}
	<-j.runner.Stop().Done()
}

// Sweep runs one reaping pass: expired locks first, then idle sessions.
// A failure in one half does not stop the other.
func (j *Janitor) Sweep(ctx context.Context) {
	swept, err := j.locks.SweepExpired(ctx)
	if err != nil {
		j.logger.Error("lock sweep failed", zap.Error(err))
	} else if swept > 0 {
		j.logger.Info("swept expired locks", zap.Int64("count", swept))
	}

	ended, err := j.sessions.EndStale(ctx, j.idleTimeout)
	if err != nil {
		j.logger.Error("session sweep failed", zap.Error(err))
		return
	}
	for _, session := range ended {
		j.logger.Info("ended idle session",
			zap.String("code", session.Code),
			zap.String("document_id", session.DocumentID))
		j.announceEnd(ctx, session)
	}
}

func (j *Janitor) announceEnd(ctx context.Context, session collab.EndedSession) {
	if j.broker == nil {
		return
	}
	payload, err := json.Marshal(map[string]string{
		"code":   session.Code,
		"reason": "idle-timeout",
	})
	if err != nil {
		j.logger.Error("session end encode failed", zap.Error(err))
		return
	}
	envelope := realtime.Envelope{
		Type:       realtime.EventSessionEnded,
		DocumentID: session.DocumentID,
		SenderID:   "janitor",
		SentAt:     j.clock().UTC(),
		Payload:    payload,
	}
	if err := j.broker.Publish(ctx, realtime.RoomForDocument(session.DocumentID), envelope); err != nil {
		j.logger.Error("session end broadcast failed",
			zap.String("code", session.Code), zap.Error(err))
		return
	}
	metrics.BroadcastsSent.WithLabelValues(realtime.EventSessionEnded).Inc()
}
