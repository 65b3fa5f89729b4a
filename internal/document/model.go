package document

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidDocumentID indicates that a document identifier is empty or exceeds storage bounds.
	ErrInvalidDocumentID = errors.New("document: invalid document id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("document: invalid user id")
	// ErrUnknownSectionKey indicates a section key outside the narrative categories.
	ErrUnknownSectionKey = errors.New("document: unknown section key")
	// ErrUnknownFieldName indicates a field name outside the known document fields.
	ErrUnknownFieldName = errors.New("document: unknown field name")
	// ErrTextTooLong indicates section or field text over the category limit.
	ErrTextTooLong = errors.New("document: text exceeds category limit")
)

// DocumentID represents a validated document identifier.
type DocumentID string

// NewDocumentID validates raw input and returns a DocumentID.
func NewDocumentID(rawInput string) (DocumentID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDocumentID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidDocumentID, maxIdentifierLength)
	}
	return DocumentID(trimmed), nil
}

// String returns the underlying string identifier.
func (id DocumentID) String() string {
	return string(id)
}

// UserID represents a validated editor identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// SectionKey enumerates the narrative categories of a performance document.
type SectionKey string

const (
	SectionMissionExecution  SectionKey = "mission_execution"
	SectionLeadingPeople     SectionKey = "leading_people"
	SectionManagingResources SectionKey = "managing_resources"
	SectionImprovingUnit     SectionKey = "improving_unit"
)

// FieldDutyDescription is the single free-text field that lives on the
// document itself rather than in a section.
const FieldDutyDescription = "duty_description"

// sectionLimits maps each category to its maximum statement text length.
var sectionLimits = map[SectionKey]int{
	SectionMissionExecution:  1150,
	SectionLeadingPeople:     1150,
	SectionManagingResources: 1150,
	SectionImprovingUnit:     1150,
}

const dutyDescriptionLimit = 550

// SectionKeys returns the narrative categories in presentation order.
func SectionKeys() []SectionKey {
	return []SectionKey{
		SectionMissionExecution,
		SectionLeadingPeople,
		SectionManagingResources,
		SectionImprovingUnit,
	}
}

// ParseSectionKey validates a raw section key.
func ParseSectionKey(rawInput string) (SectionKey, error) {
	key := SectionKey(strings.TrimSpace(rawInput))
	if _, ok := sectionLimits[key]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownSectionKey, rawInput)
	}
	return key, nil
}

// MaxTextLength returns the character limit for a section category.
func (k SectionKey) MaxTextLength() int {
	return sectionLimits[k]
}

// String returns the raw section key.
func (k SectionKey) String() string {
	return string(k)
}

// Status enumerates document lifecycle states.
type Status string

const (
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
)

// Document is the container row for a multi-section performance narrative.
type Document struct {
	DocumentID       string `gorm:"column:document_id;primaryKey;size:190;not null"`
	SubjectID        string `gorm:"column:subject_id;size:190;not null;index:idx_documents_subject_cycle,priority:1"`
	AuthorID         string `gorm:"column:author_id;size:190;not null;default:''"`
	Cycle            string `gorm:"column:cycle;size:64;not null;index:idx_documents_subject_cycle,priority:2"`
	CollabEnabled    bool   `gorm:"column:collab_enabled;not null;default:false"`
	Status           string `gorm:"column:status;size:32;not null;default:'active'"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Document) TableName() string {
	return "documents"
}

// Section holds one narrative category's draft text.
type Section struct {
	DocumentID       string `gorm:"column:document_id;primaryKey;size:190;not null"`
	Key              string `gorm:"column:section_key;primaryKey;size:64;not null"`
	Text             string `gorm:"column:text;type:text;not null;default:''"`
	Complete         bool   `gorm:"column:complete;not null;default:false"`
	LastEditorID     string `gorm:"column:last_editor_id;size:190;not null;default:''"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Section) TableName() string {
	return "sections"
}

// Field holds a named auxiliary free-text value on the document.
type Field struct {
	DocumentID       string `gorm:"column:document_id;primaryKey;size:190;not null"`
	Name             string `gorm:"column:name;primaryKey;size:64;not null"`
	Text             string `gorm:"column:text;type:text;not null;default:''"`
	LastEditorID     string `gorm:"column:last_editor_id;size:190;not null;default:''"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Field) TableName() string {
	return "document_fields"
}

// View aggregates a document with its sections and fields for read paths.
type View struct {
	Document Document
	Sections []Section
	Fields   []Field
}
