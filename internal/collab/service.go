package collab

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/northbridgehq/coauthor/backend/internal/metrics"
)

var (
	errMissingDatabase      = errors.New("database handle is required")
	errMissingCodeGenerator = errors.New("code generator is required")
	noOpLogger              = zap.NewNop()

	// ErrSessionNotFound indicates a bad or stale join code, or a document
	// with no active session. Recoverable; surfaced inline on the join form.
	ErrSessionNotFound = errors.New("collab: session not found")
	// ErrNotHost indicates a guest attempted a host-only operation.
	ErrNotHost = errors.New("collab: operation requires the session host")
	// ErrHostCannotLeave indicates the host called leave instead of end.
	ErrHostCannotLeave = errors.New("collab: host must end the session, not leave it")
	// ErrNotCollaborator indicates the caller is not on the session roster.
	ErrNotCollaborator = errors.New("collab: caller is not a collaborator")
)

const (
	opServiceNew    = "collab.service.new"
	opCreateSession = "collab.create_session"
	opJoinSession   = "collab.join_session"
	opLeaveSession  = "collab.leave_session"
	opEndSession    = "collab.end_session"
	opActiveSession = "collab.active_session"
	opRoster        = "collab.roster"
	opTouch         = "collab.touch_activity"
	opHeartbeat     = "collab.collaborator_heartbeat"
	opUpdateCursor  = "collab.update_cursor"
	opEndStale      = "collab.end_stale"

	maxCodeAttempts = 5
)

// ServiceError mirrors service failures with a stable op.reason code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error { return e.err }

func (e *ServiceError) Code() string { return e.code }

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// ServiceConfig describes collaboration session manager dependencies.
type ServiceConfig struct {
	Database      *gorm.DB
	Clock         func() time.Time
	CodeGenerator CodeGenerator
	Logger        *zap.Logger
}

// Service manages collaboration sessions and their rosters.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	codes  CodeGenerator
	logger *zap.Logger
}

// NewService constructs the collaboration session manager.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.CodeGenerator == nil {
		return nil, newServiceError(opServiceNew, "missing_code_generator", errMissingCodeGenerator)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{db: cfg.Database, clock: clock, codes: cfg.CodeGenerator, logger: logger}, nil
}

// CreateResult reports a session creation. Existing is true when an active
// session already covered the document and was returned instead of a new one.
type CreateResult struct {
	Session  Session
	Existing bool
}

// Create starts a collaboration session on a document, or deterministically
// returns the already-active one. The single-active-session invariant is
// enforced inside the transaction.
func (s *Service) Create(ctx context.Context, documentID, hostID, hostName string) (CreateResult, error) {
	now := s.clock().UTC().Unix()
	var result CreateResult
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Session
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("document_id = ? AND active = ?", documentID, true).
			Take(&existing).Error
		if err == nil {
			result = CreateResult{Session: existing, Existing: true}
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opCreateSession, "select_failed", err)
		}

		code, codeErr := s.uniqueCode(tx)
		if codeErr != nil {
			return codeErr
		}
		session := Session{
			Code:                code,
			DocumentID:          documentID,
			HostID:              hostID,
			Active:              true,
			CreatedAtSeconds:    now,
			LastActivitySeconds: now,
		}
		if err := tx.Create(&session).Error; err != nil {
			return newServiceError(opCreateSession, "session_insert_failed", err)
		}
		host := Collaborator{
			SessionCode:     code,
			UserID:          hostID,
			DisplayName:     hostName,
			Color:           ColorFor(hostID),
			IsHost:          true,
			Online:          true,
			LastSeenSeconds: now,
		}
		if err := tx.Create(&host).Error; err != nil {
			return newServiceError(opCreateSession, "host_insert_failed", err)
		}
		result = CreateResult{Session: session}
		return nil
	})
	if txErr != nil {
		s.logError(opCreateSession, "transaction_failed", txErr, zap.String("document_id", documentID))
		return CreateResult{}, txErr
	}
	if !result.Existing {
		metrics.SessionsStarted.Inc()
	}
	return result, nil
}

// Join adds a guest to the active session of a document. With a code, the
// code must match the active session; with an empty code, the single active
// session is used (the "active session detected" flow). Joining is presence,
// not a lock: it blocks no one.
func (s *Service) Join(ctx context.Context, documentID, rawCode, userID, displayName string) (Session, Collaborator, error) {
	code := NormalizeCode(rawCode)
	now := s.clock().UTC().Unix()

	var session Session
	var collaborator Collaborator
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("document_id = ? AND active = ?", documentID, true).
			Take(&session).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opJoinSession, "not_found", ErrSessionNotFound)
		}
		if err != nil {
			return newServiceError(opJoinSession, "select_failed", err)
		}
		if code != "" && session.Code != code {
			return newServiceError(opJoinSession, "code_mismatch", ErrSessionNotFound)
		}

		collaborator = Collaborator{
			SessionCode:     session.Code,
			UserID:          userID,
			DisplayName:     displayName,
			Color:           ColorFor(userID),
			IsHost:          session.HostID == userID,
			Online:          true,
			LastSeenSeconds: now,
		}
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&collaborator).Error; err != nil {
			return newServiceError(opJoinSession, "collaborator_upsert_failed", err)
		}
		session.LastActivitySeconds = now
		if err := tx.Save(&session).Error; err != nil {
			return newServiceError(opJoinSession, "session_touch_failed", err)
		}
		return nil
	})
	if txErr != nil {
		if !errors.Is(txErr, ErrSessionNotFound) {
			s.logError(opJoinSession, "transaction_failed", txErr, zap.String("document_id", documentID))
		}
		return Session{}, Collaborator{}, txErr
	}
	return session, collaborator, nil
}

// Leave removes a guest from the roster. Others are unaffected; the host
// must use End instead.
func (s *Service) Leave(ctx context.Context, code, userID string) error {
	code = NormalizeCode(code)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var session Session
		err := tx.Where("code = ?", code).Take(&session).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opLeaveSession, "not_found", ErrSessionNotFound)
		}
		if err != nil {
			return newServiceError(opLeaveSession, "select_failed", err)
		}
		if session.HostID == userID {
			return newServiceError(opLeaveSession, "host_cannot_leave", ErrHostCannotLeave)
		}
		if err := tx.Where("session_code = ? AND user_id = ?", code, userID).
			Delete(&Collaborator{}).Error; err != nil {
			return newServiceError(opLeaveSession, "delete_failed", err)
		}
		return nil
	})
}

// EndCause labels why a session went inactive.
type EndCause string

const (
	EndCauseHost EndCause = "host"
	EndCauseIdle EndCause = "idle"
)

// End marks a session inactive. Only the host may end it; guests observe the
// corresponding session-ended broadcast and transition out.
func (s *Service) End(ctx context.Context, code, callerID string) error {
	code = NormalizeCode(code)
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var session Session
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("code = ? AND active = ?", code, true).
			Take(&session).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opEndSession, "not_found", ErrSessionNotFound)
		}
		if err != nil {
			return newServiceError(opEndSession, "select_failed", err)
		}
		if session.HostID != callerID {
			return newServiceError(opEndSession, "not_host", ErrNotHost)
		}
		return s.deactivate(tx, &session)
	})
	if txErr != nil {
		return txErr
	}
	metrics.SessionsEnded.WithLabelValues(string(EndCauseHost)).Inc()
	return nil
}

// ActiveSession returns the active session for a document, or nil when the
// document has none. Used by clients newly opening a document to offer the
// join-or-read-only choice.
func (s *Service) ActiveSession(ctx context.Context, documentID string) (*Session, error) {
	var session Session
	err := s.db.WithContext(ctx).
		Where("document_id = ? AND active = ?", documentID, true).
		Take(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		s.logError(opActiveSession, "query_failed", err, zap.String("document_id", documentID))
		return nil, newServiceError(opActiveSession, "query_failed", err)
	}
	return &session, nil
}

// Roster lists the collaborators of a session.
func (s *Service) Roster(ctx context.Context, code string) ([]Collaborator, error) {
	var collaborators []Collaborator
	if err := s.db.WithContext(ctx).
		Where("session_code = ?", NormalizeCode(code)).
		Order("user_id ASC").
		Find(&collaborators).Error; err != nil {
		s.logError(opRoster, "query_failed", err, zap.String("code", code))
		return nil, newServiceError(opRoster, "query_failed", err)
	}
	return collaborators, nil
}

// TouchActivity bumps the session's last-activity clock. Called on every
// broadcast ingress so the janitor's idle backstop only fires on genuinely
// dead sessions.
func (s *Service) TouchActivity(ctx context.Context, code string) error {
	err := s.db.WithContext(ctx).Model(&Session{}).
		Where("code = ? AND active = ?", NormalizeCode(code), true).
		Update("last_activity_s", s.clock().UTC().Unix()).Error
	if err != nil {
		return newServiceError(opTouch, "update_failed", err)
	}
	return nil
}

// CollaboratorHeartbeat refreshes a roster entry's last-seen clock.
func (s *Service) CollaboratorHeartbeat(ctx context.Context, code, userID string) error {
	result := s.db.WithContext(ctx).Model(&Collaborator{}).
		Where("session_code = ? AND user_id = ?", NormalizeCode(code), userID).
		Updates(map[string]interface{}{
			"online":      true,
			"last_seen_s": s.clock().UTC().Unix(),
		})
	if result.Error != nil {
		return newServiceError(opHeartbeat, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return newServiceError(opHeartbeat, "not_collaborator", ErrNotCollaborator)
	}
	return nil
}

// UpdateCursor stores a collaborator's last pointer position.
func (s *Service) UpdateCursor(ctx context.Context, code, userID string, x, y float64, section string) error {
	result := s.db.WithContext(ctx).Model(&Collaborator{}).
		Where("session_code = ? AND user_id = ?", NormalizeCode(code), userID).
		Updates(map[string]interface{}{
			"cursor_x":       x,
			"cursor_y":       y,
			"cursor_section": section,
			"last_seen_s":    s.clock().UTC().Unix(),
		})
	if result.Error != nil {
		return newServiceError(opUpdateCursor, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return newServiceError(opUpdateCursor, "not_collaborator", ErrNotCollaborator)
	}
	return nil
}

// EndStale deactivates active sessions with no activity since the cutoff.
// Server-side backstop for hosts that vanished without ending their session.
func (s *Service) EndStale(ctx context.Context, idleTimeout time.Duration) ([]EndedSession, error) {
	cutoff := s.clock().UTC().Add(-idleTimeout).Unix()
	var ended []EndedSession
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var stale []Session
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("active = ? AND last_activity_s < ?", true, cutoff).
			Find(&stale).Error; err != nil {
			return newServiceError(opEndStale, "query_failed", err)
		}
		for i := range stale {
			if err := s.deactivate(tx, &stale[i]); err != nil {
				return err
			}
			ended = append(ended, EndedSession{
				Code:       stale[i].Code,
				DocumentID: stale[i].DocumentID,
				HostID:     stale[i].HostID,
			})
		}
		return nil
	})
	if txErr != nil {
		s.logError(opEndStale, "transaction_failed", txErr)
		return nil, txErr
	}
	for range ended {
		metrics.SessionsEnded.WithLabelValues(string(EndCauseIdle)).Inc()
	}
	return ended, nil
}

func (s *Service) deactivate(tx *gorm.DB, session *Session) error {
	session.Active = false
	if err := tx.Save(session).Error; err != nil {
		return newServiceError(opEndSession, "save_failed", err)
	}
	if err := tx.Where("session_code = ?", session.Code).
		Delete(&Collaborator{}).Error; err != nil {
		return newServiceError(opEndSession, "roster_delete_failed", err)
	}
	return nil
}

func (s *Service) uniqueCode(tx *gorm.DB) (string, error) {
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code, err := s.codes.NewCode()
		if err != nil {
			return "", newServiceError(opCreateSession, "code_generation_failed", err)
		}
		var count int64
		if err := tx.Model(&Session{}).Where("code = ?", code).Count(&count).Error; err != nil {
			return "", newServiceError(opCreateSession, "code_lookup_failed", err)
		}
		if count == 0 {
			return code, nil
		}
	}
	return "", newServiceError(opCreateSession, "code_space_exhausted",
		errors.New("could not generate an unused session code"))
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("collab service error", attrs...)
}
