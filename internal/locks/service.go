package locks

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

// DefaultTTL is how long a lock survives without a heartbeat.
const DefaultTTL = 5 * time.Minute

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()

	// ErrInvalidResource indicates an empty resource type or id.
	ErrInvalidResource = errors.New("locks: invalid resource")
	// ErrInvalidHolder indicates an empty holder identifier.
	ErrInvalidHolder = errors.New("locks: invalid holder")
)

const (
	opServiceNew = "locks.service.new"
	opAcquire    = "locks.acquire"
	opRelease    = "locks.release"
	opHeartbeat  = "locks.heartbeat"
	opHolder     = "locks.holder"
	opSweep      = "locks.sweep_expired"
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

// ServiceConfig describes soft lock manager dependencies.
type ServiceConfig struct {
	Database *gorm.DB
	TTL      time.Duration
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service grants and releases advisory soft locks over named resources.
type Service struct {
	db     *gorm.DB
	ttl    time.Duration
	clock  func() time.Time
	logger *zap.Logger
}

// NewService constructs the soft lock manager.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{db: cfg.Database, ttl: ttl, clock: clock, logger: logger}, nil
}

// TTL returns the configured lock lifetime.
func (s *Service) TTL() time.Duration {
	return s.ttl
}

// Acquire attempts to claim a resource for the holder. It succeeds when no
// live lock exists, when the live lock already belongs to the same holder
// (idempotent re-acquire, heartbeat refreshed), or when the existing lock is
// TTL-expired (atomically reassigned). A refusal carries the live holder's
// display name and is advisory only.
func (s *Service) Acquire(ctx context.Context, resourceType, resourceID, holderID, holderName string) (AcquireResult, error) {
	if resourceType == "" || resourceID == "" {
		return AcquireResult{}, newServiceError(opAcquire, "invalid_resource", ErrInvalidResource)
	}
	if holderID == "" {
		return AcquireResult{}, newServiceError(opAcquire, "invalid_holder", ErrInvalidHolder)
	}

	now := s.clock().UTC().Unix()
	var result AcquireResult
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing SoftLock
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("resource_type = ? AND resource_id = ?", resourceType, resourceID).
			Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			lock := SoftLock{
				ResourceType:      resourceType,
				ResourceID:        resourceID,
				HolderID:          holderID,
				HolderName:        holderName,
				AcquiredAtSeconds: now,
				HeartbeatSeconds:  now,
			}
			if err := tx.Create(&lock).Error; err != nil {
				return newServiceError(opAcquire, "insert_failed", err)
			}
			result = AcquireResult{Granted: true}
			return nil
		}
		if err != nil {
			return newServiceError(opAcquire, "select_failed", err)
		}

		switch {
		case existing.HolderID == holderID:
			existing.HolderName = holderName
			existing.HeartbeatSeconds = now
			if err := tx.Save(&existing).Error; err != nil {
				return newServiceError(opAcquire, "refresh_failed", err)
			}
			result = AcquireResult{Granted: true}
		case s.expired(existing.HeartbeatSeconds, now):
			existing.HolderID = holderID
			existing.HolderName = holderName
			existing.AcquiredAtSeconds = now
			existing.HeartbeatSeconds = now
			if err := tx.Save(&existing).Error; err != nil {
				return newServiceError(opAcquire, "reassign_failed", err)
			}
			metrics.LockExpiredReclaims.Inc()
			result = AcquireResult{Granted: true}
		default:
			result = AcquireResult{Granted: false, LockedBy: existing.HolderName}
		}
		return nil
	})
	if txErr != nil {
		s.logError(opAcquire, "transaction_failed", txErr,
			zap.String("resource_type", resourceType),
			zap.String("resource_id", resourceID))
		return AcquireResult{}, txErr
	}

	if result.Granted {
		metrics.LockAcquisitions.WithLabelValues("granted").Inc()
	} else {
		metrics.LockAcquisitions.WithLabelValues("conflict").Inc()
	}
	return result, nil
}

// Release removes the holder's own lock. Releasing a resource held by
// someone else, or not held at all, is a no-op.
func (s *Service) Release(ctx context.Context, resourceType, resourceID, holderID string) error {
	if resourceType == "" || resourceID == "" {
		return newServiceError(opRelease, "invalid_resource", ErrInvalidResource)
	}
	err := s.db.WithContext(ctx).
		Where("resource_type = ? AND resource_id = ? AND holder_id = ?", resourceType, resourceID, holderID).
		Delete(&SoftLock{}).Error
	if err != nil {
		s.logError(opRelease, "delete_failed", err,
			zap.String("resource_type", resourceType),
			zap.String("resource_id", resourceID))
		return newServiceError(opRelease, "delete_failed", err)
	}
	return nil
}

// Heartbeat refreshes the holder's lock so it does not lapse mid-edit.
// Refreshing a lock the holder no longer owns is a no-op; the caller finds
// out on the next acquire.
func (s *Service) Heartbeat(ctx context.Context, resourceType, resourceID, holderID string) error {
	now := s.clock().UTC().Unix()
	err := s.db.WithContext(ctx).Model(&SoftLock{}).
		Where("resource_type = ? AND resource_id = ? AND holder_id = ?", resourceType, resourceID, holderID).
		Update("heartbeat_s", now).Error
	if err != nil {
		s.logError(opHeartbeat, "update_failed", err,
			zap.String("resource_type", resourceType),
			zap.String("resource_id", resourceID))
		return newServiceError(opHeartbeat, "update_failed", err)
	}
	return nil
}

// Holder returns the live lock on a resource, or nil when the resource is
// unlocked or the lock has expired.
func (s *Service) Holder(ctx context.Context, resourceType, resourceID string) (*HolderInfo, error) {
	var lock SoftLock
	err := s.db.WithContext(ctx).
		Where("resource_type = ? AND resource_id = ?", resourceType, resourceID).
		Take(&lock).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		s.logError(opHolder, "query_failed", err,
			zap.String("resource_type", resourceType),
			zap.String("resource_id", resourceID))
		return nil, newServiceError(opHolder, "query_failed", err)
	}
	if s.expired(lock.HeartbeatSeconds, s.clock().UTC().Unix()) {
		return nil, nil
	}
	return &HolderInfo{
		HolderID:          lock.HolderID,
		HolderName:        lock.HolderName,
		AcquiredAtSeconds: lock.AcquiredAtSeconds,
		HeartbeatSeconds:  lock.HeartbeatSeconds,
	}, nil
}

// LiveHolder implements the document service's LockGuard.
func (s *Service) LiveHolder(ctx context.Context, resourceType, resourceID string) (string, string, bool, error) {
	info, err := s.Holder(ctx, resourceType, resourceID)
	if err != nil {
		return "", "", false, err
	}
	if info == nil {
		return "", "", false, nil
	}
	return info.HolderID, info.HolderName, true, nil
}

// SweepExpired deletes locks whose heartbeat lapsed more than one TTL ago.
// Expired locks are already treated as absent on read; the sweep just keeps
// the table from accumulating rows for editors who never came back.
func (s *Service) SweepExpired(ctx context.Context) (int64, error) {
	cutoff := s.clock().UTC().Add(-s.ttl).Unix()
	result := s.db.WithContext(ctx).
		Where("heartbeat_s < ?", cutoff).
		Delete(&SoftLock{})
	if result.Error != nil {
		s.logError(opSweep, "delete_failed", result.Error)
		return 0, newServiceError(opSweep, "delete_failed", result.Error)
	}
	return result.RowsAffected, nil
}

func (s *Service) expired(heartbeatSeconds, nowSeconds int64) bool {
	return nowSeconds-heartbeatSeconds >= int64(s.ttl/time.Second)
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
	s.logger.Error("soft lock service error", attrs...)
}
