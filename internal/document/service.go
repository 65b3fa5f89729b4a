package document

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/northbridgehq/coauthor/backend/internal/locks"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()

	// ErrDocumentNotFound indicates an unknown document identifier.
	ErrDocumentNotFound = errors.New("document: not found")
	// ErrDocumentConflict indicates a non-archived document already exists for the subject and cycle.
	ErrDocumentConflict = errors.New("document: active document already exists for subject and cycle")
	// ErrLockedByOther indicates the targeted resource is soft-locked by a different editor.
	// The write is refused so the caller can surface a conflict prompt instead of
	// silently overwriting the live holder's work.
	ErrLockedByOther = errors.New("document: resource locked by another editor")
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

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew       = "document.service.new"
	opCreateDocument   = "document.create"
	opGetDocument      = "document.get"
	opUpdateSection    = "document.update_section"
	opCompleteSection  = "document.complete_section"
	opUpdateField      = "document.update_field"
	opArchiveDocument  = "document.archive"
	opSetCollabEnabled = "document.set_collab_enabled"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// IDProvider issues new document identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// LockGuard answers whether a named resource is currently soft-locked and by
// whom. Implemented by the locks service; nil disables save-time conflict
// checks.
type LockGuard interface {
	LiveHolder(ctx context.Context, resourceType, resourceID string) (holderID string, holderName string, live bool, err error)
}

// ServiceConfig describes document service dependencies.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	LockGuard  LockGuard
	Logger     *zap.Logger
}

// Service persists documents, sections and fields.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	lockGuard  LockGuard
	logger     *zap.Logger
}

// NewService constructs the document service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		lockGuard:  cfg.LockGuard,
		logger:     logger,
	}, nil
}

// CreateDocumentInput describes a new document request.
type CreateDocumentInput struct {
	SubjectID     UserID
	AuthorID      string
	Cycle         string
	CollabEnabled bool
}

// CreateDocument creates a document plus empty sections and fields. At most
// one non-archived document may exist per (subject, cycle).
func (s *Service) CreateDocument(ctx context.Context, input CreateDocumentInput) (Document, error) {
	if input.Cycle == "" {
		return Document{}, newServiceError(opCreateDocument, "missing_cycle", errors.New("cycle is required"))
	}

	now := s.clock().UTC().Unix()
	var created Document
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Document
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("subject_id = ? AND cycle = ? AND status <> ?", input.SubjectID.String(), input.Cycle, string(StatusArchived)).
			Take(&existing).Error
		if err == nil {
			return newServiceError(opCreateDocument, "duplicate_active", ErrDocumentConflict)
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opCreateDocument, "select_failed", err)
		}

		documentID, idErr := s.idProvider.NewID()
		if idErr != nil {
			return newServiceError(opCreateDocument, "id_generation_failed", idErr)
		}
		created = Document{
			DocumentID:       documentID,
			SubjectID:        input.SubjectID.String(),
			AuthorID:         input.AuthorID,
			Cycle:            input.Cycle,
			CollabEnabled:    input.CollabEnabled,
			Status:           string(StatusActive),
			CreatedAtSeconds: now,
			UpdatedAtSeconds: now,
		}
		if err := tx.Create(&created).Error; err != nil {
			return newServiceError(opCreateDocument, "document_insert_failed", err)
		}
		for _, key := range SectionKeys() {
			section := Section{DocumentID: documentID, Key: key.String(), UpdatedAtSeconds: now}
			if err := tx.Create(&section).Error; err != nil {
				return newServiceError(opCreateDocument, "section_insert_failed", err)
			}
		}
		field := Field{DocumentID: documentID, Name: FieldDutyDescription, UpdatedAtSeconds: now}
		if err := tx.Create(&field).Error; err != nil {
			return newServiceError(opCreateDocument, "field_insert_failed", err)
		}
		return nil
	})
	if txErr != nil {
		s.logError(opCreateDocument, "transaction_failed", txErr,
			zap.String("subject_id", input.SubjectID.String()),
			zap.String("cycle", input.Cycle))
		return Document{}, txErr
	}
	return created, nil
}

// GetDocument loads a document with its sections and fields.
func (s *Service) GetDocument(ctx context.Context, documentID DocumentID) (View, error) {
	var doc Document
	err := s.db.WithContext(ctx).
		Where("document_id = ?", documentID.String()).
		Take(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return View{}, newServiceError(opGetDocument, "not_found", ErrDocumentNotFound)
	}
	if err != nil {
		s.logError(opGetDocument, "query_failed", err, zap.String("document_id", documentID.String()))
		return View{}, newServiceError(opGetDocument, "query_failed", err)
	}

	var sections []Section
	if err := s.db.WithContext(ctx).
		Where("document_id = ?", documentID.String()).
		Order("section_key ASC").
		Find(&sections).Error; err != nil {
		s.logError(opGetDocument, "sections_query_failed", err, zap.String("document_id", documentID.String()))
		return View{}, newServiceError(opGetDocument, "sections_query_failed", err)
	}

	var fields []Field
	if err := s.db.WithContext(ctx).
		Where("document_id = ?", documentID.String()).
		Order("name ASC").
		Find(&fields).Error; err != nil {
		s.logError(opGetDocument, "fields_query_failed", err, zap.String("document_id", documentID.String()))
		return View{}, newServiceError(opGetDocument, "fields_query_failed", err)
	}

	return View{Document: doc, Sections: sections, Fields: fields}, nil
}

// UpdateSectionText replaces a section's draft text. A write is refused when
// a different editor holds a live soft lock on the section; a write with no
// live lock at all is accepted (the advisory model allows lock-free AI
// generation writes).
func (s *Service) UpdateSectionText(ctx context.Context, documentID DocumentID, key SectionKey, text string, editor UserID) (Section, error) {
	if len(text) > key.MaxTextLength() {
		return Section{}, newServiceError(opUpdateSection, "text_too_long",
			fmt.Errorf("%w: %d > %d", ErrTextTooLong, len(text), key.MaxTextLength()))
	}
	if err := s.checkLockGuard(ctx, opUpdateSection, locks.ResourceSection, SectionResourceID(documentID, key), editor); err != nil {
		return Section{}, err
	}

	var updated Section
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var section Section
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("document_id = ? AND section_key = ?", documentID.String(), key.String()).
			Take(&section).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opUpdateSection, "not_found", ErrDocumentNotFound)
		}
		if err != nil {
			return newServiceError(opUpdateSection, "select_failed", err)
		}
		section.Text = text
		section.LastEditorID = editor.String()
		section.UpdatedAtSeconds = s.clock().UTC().Unix()
		if err := tx.Save(&section).Error; err != nil {
			return newServiceError(opUpdateSection, "save_failed", err)
		}
		updated = section
		return nil
	})
	if txErr != nil {
		s.logError(opUpdateSection, "transaction_failed", txErr,
			zap.String("document_id", documentID.String()),
			zap.String("section_key", key.String()))
		return Section{}, txErr
	}
	return updated, nil
}

// SetSectionComplete flips a section's completion flag.
func (s *Service) SetSectionComplete(ctx context.Context, documentID DocumentID, key SectionKey, complete bool, editor UserID) (Section, error) {
	var updated Section
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var section Section
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("document_id = ? AND section_key = ?", documentID.String(), key.String()).
			Take(&section).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opCompleteSection, "not_found", ErrDocumentNotFound)
		}
		if err != nil {
			return newServiceError(opCompleteSection, "select_failed", err)
		}
		section.Complete = complete
		section.LastEditorID = editor.String()
		section.UpdatedAtSeconds = s.clock().UTC().Unix()
		if err := tx.Save(&section).Error; err != nil {
			return newServiceError(opCompleteSection, "save_failed", err)
		}
		updated = section
		return nil
	})
	if txErr != nil {
		return Section{}, txErr
	}
	return updated, nil
}

// UpdateField replaces an auxiliary field's text, subject to the same
// advisory lock check as sections.
func (s *Service) UpdateField(ctx context.Context, documentID DocumentID, name, text string, editor UserID) (Field, error) {
	if name != FieldDutyDescription {
		return Field{}, newServiceError(opUpdateField, "unknown_field", fmt.Errorf("%w: %q", ErrUnknownFieldName, name))
	}
	if len(text) > dutyDescriptionLimit {
		return Field{}, newServiceError(opUpdateField, "text_too_long",
			fmt.Errorf("%w: %d > %d", ErrTextTooLong, len(text), dutyDescriptionLimit))
	}
	if err := s.checkLockGuard(ctx, opUpdateField, locks.ResourceField, FieldResourceID(documentID, name), editor); err != nil {
		return Field{}, err
	}

	var updated Field
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var field Field
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("document_id = ? AND name = ?", documentID.String(), name).
			Take(&field).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opUpdateField, "not_found", ErrDocumentNotFound)
		}
		if err != nil {
			return newServiceError(opUpdateField, "select_failed", err)
		}
		field.Text = text
		field.LastEditorID = editor.String()
		field.UpdatedAtSeconds = s.clock().UTC().Unix()
		if err := tx.Save(&field).Error; err != nil {
			return newServiceError(opUpdateField, "save_failed", err)
		}
		updated = field
		return nil
	})
	if txErr != nil {
		s.logError(opUpdateField, "transaction_failed", txErr,
			zap.String("document_id", documentID.String()),
			zap.String("field", name))
		return Field{}, txErr
	}
	return updated, nil
}

// ArchiveDocument marks a document archived, freeing its (subject, cycle) slot.
func (s *Service) ArchiveDocument(ctx context.Context, documentID DocumentID) error {
	result := s.db.WithContext(ctx).Model(&Document{}).
		Where("document_id = ?", documentID.String()).
		Updates(map[string]interface{}{
			"status":       string(StatusArchived),
			"updated_at_s": s.clock().UTC().Unix(),
		})
	if result.Error != nil {
		s.logError(opArchiveDocument, "update_failed", result.Error, zap.String("document_id", documentID.String()))
		return newServiceError(opArchiveDocument, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return newServiceError(opArchiveDocument, "not_found", ErrDocumentNotFound)
	}
	return nil
}

// SetCollabEnabled flips the per-document collaboration mode flag. The lock
// managers and the collaboration session manager are mutually exclusive
// modes selected by this flag.
func (s *Service) SetCollabEnabled(ctx context.Context, documentID DocumentID, enabled bool) error {
	result := s.db.WithContext(ctx).Model(&Document{}).
		Where("document_id = ?", documentID.String()).
		Updates(map[string]interface{}{
			"collab_enabled": enabled,
			"updated_at_s":   s.clock().UTC().Unix(),
		})
	if result.Error != nil {
		s.logError(opSetCollabEnabled, "update_failed", result.Error, zap.String("document_id", documentID.String()))
		return newServiceError(opSetCollabEnabled, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return newServiceError(opSetCollabEnabled, "not_found", ErrDocumentNotFound)
	}
	return nil
}

// SectionResourceID is the soft-lock resource identifier for a section.
func SectionResourceID(documentID DocumentID, key SectionKey) string {
	return documentID.String() + "/" + key.String()
}

// FieldResourceID is the soft-lock resource identifier for a document field.
func FieldResourceID(documentID DocumentID, name string) string {
	return documentID.String() + "/" + name
}

func (s *Service) checkLockGuard(ctx context.Context, operation, resourceType, resourceID string, editor UserID) error {
	if s.lockGuard == nil {
		return nil
	}
	holderID, holderName, live, err := s.lockGuard.LiveHolder(ctx, resourceType, resourceID)
	if err != nil {
		return newServiceError(operation, "lock_lookup_failed", err)
	}
	if live && holderID != editor.String() {
		return newServiceError(operation, "locked_by_other",
			fmt.Errorf("%w: held by %s", ErrLockedByOther, holderName))
	}
	return nil
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
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
	s.loggerOrDefault().Error("document service error", attrs...)
}
