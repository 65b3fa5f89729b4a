package document

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/northbridgehq/coauthor/backend/internal/locks"
)

type staticIDGenerator struct {
	ids   []string
	index int
}

func (g *staticIDGenerator) NewID() (string, error) {
	if g.index >= len(g.ids) {
		return "", errors.New("exhausted ids")
	}
	id := g.ids[g.index]
	g.index++
	return id, nil
}

type stubLockGuard struct {
	holderID   string
	holderName string
	live       bool

	lastResourceType string
	lastResourceID   string
}

func (g *stubLockGuard) LiveHolder(ctx context.Context, resourceType, resourceID string) (string, string, bool, error) {
	g.lastResourceType = resourceType
	g.lastResourceID = resourceID
	return g.holderID, g.holderName, g.live, nil
}

func newTestService(t *testing.T, ids []string, guard LockGuard) (*Service, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:coauthor_document_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Document{}, &Section{}, &Field{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	service, err := NewService(ServiceConfig{
		Database:   db,
		Clock:      func() time.Time { return time.Unix(1700000600, 0).UTC() },
		IDProvider: &staticIDGenerator{ids: ids},
		LockGuard:  guard,
	})
	if err != nil {
		t.Fatalf("failed to construct document service: %v", err)
	}
	return service, db
}

func mustSubject(t *testing.T, value string) UserID {
	t.Helper()
	id, err := NewUserID(value)
	if err != nil {
		t.Fatalf("unexpected user id error: %v", err)
	}
	return id
}

func mustDocumentID(t *testing.T, value string) DocumentID {
	t.Helper()
	id, err := NewDocumentID(value)
	if err != nil {
		t.Fatalf("unexpected document id error: %v", err)
	}
	return id
}

func TestCreateDocumentSeedsSectionsAndFields(t *testing.T) {
	service, db := newTestService(t, []string{"doc-1"}, nil)

	created, err := service.CreateDocument(context.Background(), CreateDocumentInput{
		SubjectID: mustSubject(t, "subject-1"),
		AuthorID:  "delegate-1",
		Cycle:     "2026",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created.DocumentID != "doc-1" {
		t.Fatalf("expected doc-1, got %s", created.DocumentID)
	}

	var sectionCount int64
	if err := db.Model(&Section{}).Where("document_id = ?", "doc-1").Count(&sectionCount).Error; err != nil {
		t.Fatalf("failed to count sections: %v", err)
	}
	if int(sectionCount) != len(SectionKeys()) {
		t.Fatalf("expected %d sections, got %d", len(SectionKeys()), sectionCount)
	}

	var field Field
	if err := db.Where("document_id = ? AND name = ?", "doc-1", FieldDutyDescription).Take(&field).Error; err != nil {
		t.Fatalf("expected duty description field: %v", err)
	}
}

func TestCreateDocumentRejectsDuplicateActive(t *testing.T) {
	service, _ := newTestService(t, []string{"doc-1", "doc-2"}, nil)
	ctx := context.Background()
	input := CreateDocumentInput{SubjectID: mustSubject(t, "subject-1"), Cycle: "2026"}

	if _, err := service.CreateDocument(ctx, input); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := service.CreateDocument(ctx, input); !errors.Is(err, ErrDocumentConflict) {
		t.Fatalf("expected document conflict, got %v", err)
	}
}

func TestCreateDocumentAllowsNewAfterArchive(t *testing.T) {
	service, _ := newTestService(t, []string{"doc-1", "doc-2"}, nil)
	ctx := context.Background()
	input := CreateDocumentInput{SubjectID: mustSubject(t, "subject-1"), Cycle: "2026"}

	if _, err := service.CreateDocument(ctx, input); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := service.ArchiveDocument(ctx, mustDocumentID(t, "doc-1")); err != nil {
		t.Fatalf("unexpected archive error: %v", err)
	}
	if _, err := service.CreateDocument(ctx, input); err != nil {
		t.Fatalf("expected creation after archive, got %v", err)
	}
}

func TestUpdateSectionTextStampsEditor(t *testing.T) {
	service, _ := newTestService(t, []string{"doc-1"}, nil)
	ctx := context.Background()

	if _, err := service.CreateDocument(ctx, CreateDocumentInput{SubjectID: mustSubject(t, "subject-1"), Cycle: "2026"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	section, err := service.UpdateSectionText(ctx, mustDocumentID(t, "doc-1"), SectionMissionExecution, "Led the mission", mustSubject(t, "editor-1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if section.Text != "Led the mission" {
		t.Fatalf("unexpected text %q", section.Text)
	}
	if section.LastEditorID != "editor-1" {
		t.Fatalf("expected editor stamp, got %q", section.LastEditorID)
	}
	if section.UpdatedAtSeconds != 1700000600 {
		t.Fatalf("unexpected updated timestamp %d", section.UpdatedAtSeconds)
	}
}

func TestUpdateSectionTextRejectsOverLimit(t *testing.T) {
	service, _ := newTestService(t, []string{"doc-1"}, nil)
	ctx := context.Background()

	if _, err := service.CreateDocument(ctx, CreateDocumentInput{SubjectID: mustSubject(t, "subject-1"), Cycle: "2026"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	oversized := make([]byte, SectionMissionExecution.MaxTextLength()+1)
	for i := range oversized {
		oversized[i] = 'x'
	}
	_, err := service.UpdateSectionText(ctx, mustDocumentID(t, "doc-1"), SectionMissionExecution, string(oversized), mustSubject(t, "editor-1"))
	if !errors.Is(err, ErrTextTooLong) {
		t.Fatalf("expected text too long error, got %v", err)
	}
}

func TestUpdateSectionTextRefusedWhenLockedByOther(t *testing.T) {
	guard := &stubLockGuard{holderID: "editor-2", holderName: "Sam Rival", live: true}
	service, _ := newTestService(t, []string{"doc-1"}, guard)
	ctx := context.Background()

	if _, err := service.CreateDocument(ctx, CreateDocumentInput{SubjectID: mustSubject(t, "subject-1"), Cycle: "2026"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err := service.UpdateSectionText(ctx, mustDocumentID(t, "doc-1"), SectionLeadingPeople, "text", mustSubject(t, "editor-1"))
	if !errors.Is(err, ErrLockedByOther) {
		t.Fatalf("expected locked-by-other error, got %v", err)
	}

	// the live holder may still write
	if _, err := service.UpdateSectionText(ctx, mustDocumentID(t, "doc-1"), SectionLeadingPeople, "text", mustSubject(t, "editor-2")); err != nil {
		t.Fatalf("expected holder write to succeed, got %v", err)
	}
}

func TestUpdateSectionTextAllowedWithoutLock(t *testing.T) {
	guard := &stubLockGuard{live: false}
	service, _ := newTestService(t, []string{"doc-1"}, guard)
	ctx := context.Background()

	if _, err := service.CreateDocument(ctx, CreateDocumentInput{SubjectID: mustSubject(t, "subject-1"), Cycle: "2026"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := service.UpdateSectionText(ctx, mustDocumentID(t, "doc-1"), SectionImprovingUnit, "generated text", mustSubject(t, "editor-1")); err != nil {
		t.Fatalf("expected lock-free write to succeed, got %v", err)
	}
}

func TestLockGuardSeesLockServiceResourceNames(t *testing.T) {
	guard := &stubLockGuard{live: false}
	service, _ := newTestService(t, []string{"doc-1"}, guard)
	ctx := context.Background()

	if _, err := service.CreateDocument(ctx, CreateDocumentInput{SubjectID: mustSubject(t, "subject-1"), Cycle: "2026"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := service.UpdateSectionText(ctx, mustDocumentID(t, "doc-1"), SectionLeadingPeople, "text", mustSubject(t, "editor-1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if guard.lastResourceType != locks.ResourceSection {
		t.Fatalf("expected section writes to check resource type %q, got %q", locks.ResourceSection, guard.lastResourceType)
	}
	if want := SectionResourceID(mustDocumentID(t, "doc-1"), SectionLeadingPeople); guard.lastResourceID != want {
		t.Fatalf("expected resource id %q, got %q", want, guard.lastResourceID)
	}

	if _, err := service.UpdateField(ctx, mustDocumentID(t, "doc-1"), FieldDutyDescription, "duties", mustSubject(t, "editor-1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if guard.lastResourceType != locks.ResourceField {
		t.Fatalf("expected field writes to check resource type %q, got %q", locks.ResourceField, guard.lastResourceType)
	}
	if want := FieldResourceID(mustDocumentID(t, "doc-1"), FieldDutyDescription); guard.lastResourceID != want {
		t.Fatalf("expected resource id %q, got %q", want, guard.lastResourceID)
	}
}

func TestSetSectionCompleteAndCollabFlag(t *testing.T) {
	service, _ := newTestService(t, []string{"doc-1"}, nil)
	ctx := context.Background()

	if _, err := service.CreateDocument(ctx, CreateDocumentInput{SubjectID: mustSubject(t, "subject-1"), Cycle: "2026"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	section, err := service.SetSectionComplete(ctx, mustDocumentID(t, "doc-1"), SectionManagingResources, true, mustSubject(t, "editor-1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !section.Complete {
		t.Fatal("expected section marked complete")
	}

	if err := service.SetCollabEnabled(ctx, mustDocumentID(t, "doc-1"), true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	view, err := service.GetDocument(ctx, mustDocumentID(t, "doc-1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !view.Document.CollabEnabled {
		t.Fatal("expected collaboration flag enabled")
	}
}

func TestUpdateFieldValidatesName(t *testing.T) {
	service, _ := newTestService(t, []string{"doc-1"}, nil)
	ctx := context.Background()

	if _, err := service.CreateDocument(ctx, CreateDocumentInput{SubjectID: mustSubject(t, "subject-1"), Cycle: "2026"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := service.UpdateField(ctx, mustDocumentID(t, "doc-1"), "unknown_field", "text", mustSubject(t, "editor-1")); !errors.Is(err, ErrUnknownFieldName) {
		t.Fatalf("expected unknown field error, got %v", err)
	}

	field, err := service.UpdateField(ctx, mustDocumentID(t, "doc-1"), FieldDutyDescription, "Leads a flight of 12", mustSubject(t, "editor-1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if field.Text != "Leads a flight of 12" {
		t.Fatalf("unexpected field text %q", field.Text)
	}
}

func TestGetDocumentNotFound(t *testing.T) {
	service, _ := newTestService(t, nil, nil)
	if _, err := service.GetDocument(context.Background(), mustDocumentID(t, "missing")); !errors.Is(err, ErrDocumentNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
