package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/northbridgehq/coauthor/backend/internal/auth"
	"github.com/northbridgehq/coauthor/backend/internal/collab"
	"github.com/northbridgehq/coauthor/backend/internal/document"
	"github.com/northbridgehq/coauthor/backend/internal/locks"
	"github.com/northbridgehq/coauthor/backend/internal/realtime"
)

const (
	testSigningSecret = "router-test-secret"
	testIssuer        = "coauthor-host"
	testCookieName    = "coauthor_session"
)

type routerFixture struct {
	handler  http.Handler
	broker   *realtime.Dispatcher
	presence realtime.Presence
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:coauthor_router_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(
		&document.Document{}, &document.Section{}, &document.Field{},
		&locks.SoftLock{}, &collab.Session{}, &collab.Collaborator{},
	); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		CookieName:    testCookieName,
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}

	lockService, err := locks.NewService(locks.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct lock service: %v", err)
	}
	documentService, err := document.NewService(document.ServiceConfig{
		Database:   db,
		IDProvider: document.NewUUIDProvider(),
		LockGuard:  lockService,
	})
	if err != nil {
		t.Fatalf("failed to construct document service: %v", err)
	}
	collabService, err := collab.NewService(collab.ServiceConfig{
		Database:      db,
		CodeGenerator: collab.NewRandomCodeGenerator(),
	})
	if err != nil {
		t.Fatalf("failed to construct collab service: %v", err)
	}

	broker := realtime.NewDispatcher()
	presence := realtime.NewMemoryPresence(time.Minute, nil)

	handler, err := NewHTTPHandler(Dependencies{
		SessionValidator: validator,
		DocumentService:  documentService,
		LockService:      lockService,
		CollabService:    collabService,
		Broker:           broker,
		Presence:         presence,
		Metrics:          prometheus.NewRegistry(),
	})
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}
	return &routerFixture{handler: handler, broker: broker, presence: presence}
}

func signSessionToken(t *testing.T, userID, displayName string) string {
	t.Helper()
	claims := auth.SessionClaims{
		UserID:          userID,
		UserDisplayName: displayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSigningSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return token
}

func (f *routerFixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
	return payload
}

func (f *routerFixture) createDocument(t *testing.T, token string) string {
	t.Helper()
	recorder := f.do(t, http.MethodPost, "/documents", token, gin.H{
		"subjectId": "subject-1",
		"cycle":     "2026",
	})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected created status, got %d: %s", recorder.Code, recorder.Body.String())
	}
	payload := decodeBody(t, recorder)
	documentID, _ := payload["DocumentID"].(string)
	if documentID == "" {
		t.Fatalf("expected document id in response, got %v", payload)
	}
	return documentID
}

func TestRequestsWithoutSessionTokenAreRejected(t *testing.T) {
	fixture := newRouterFixture(t)
	recorder := fixture.do(t, http.MethodPost, "/documents", "", gin.H{"subjectId": "s", "cycle": "2026"})
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized, got %d", recorder.Code)
	}
}

func TestDocumentLifecycleOverHTTP(t *testing.T) {
	fixture := newRouterFixture(t)
	token := signSessionToken(t, "author-1", "Avery Author")

	documentID := fixture.createDocument(t, token)

	recorder := fixture.do(t, http.MethodPut, "/documents/"+documentID+"/sections/mission_execution", token, gin.H{
		"text": "Led the watch team through three live exercises.",
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected ok, got %d: %s", recorder.Code, recorder.Body.String())
	}

	recorder = fixture.do(t, http.MethodGet, "/documents/"+documentID, token, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected ok, got %d", recorder.Code)
	}
	view := decodeBody(t, recorder)
	if view["Document"] == nil {
		t.Fatalf("expected document view, got %v", view)
	}

	recorder = fixture.do(t, http.MethodPost, "/documents/"+documentID+"/archive", token, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected ok, got %d", recorder.Code)
	}
}

func TestDuplicateActiveDocumentConflicts(t *testing.T) {
	fixture := newRouterFixture(t)
	token := signSessionToken(t, "author-1", "Avery Author")

	fixture.createDocument(t, token)
	recorder := fixture.do(t, http.MethodPost, "/documents", token, gin.H{
		"subjectId": "subject-1",
		"cycle":     "2026",
	})
	if recorder.Code != http.StatusConflict {
		t.Fatalf("expected conflict, got %d", recorder.Code)
	}
}

func TestLockConflictCarriesHolderName(t *testing.T) {
	fixture := newRouterFixture(t)
	first := signSessionToken(t, "editor-1", "Avery First")
	second := signSessionToken(t, "editor-2", "Sam Second")
	documentID := fixture.createDocument(t, first)

	lockBody := gin.H{"resourceType": "section", "resourceKey": "mission_execution"}
	recorder := fixture.do(t, http.MethodPost, "/documents/"+documentID+"/locks/acquire", first, lockBody)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected grant, got %d: %s", recorder.Code, recorder.Body.String())
	}

	recorder = fixture.do(t, http.MethodPost, "/documents/"+documentID+"/locks/acquire", second, lockBody)
	if recorder.Code != http.StatusConflict {
		t.Fatalf("expected conflict, got %d", recorder.Code)
	}
	payload := decodeBody(t, recorder)
	if payload["lockedBy"] != "Avery First" {
		t.Fatalf("expected holder name in refusal, got %v", payload)
	}

	recorder = fixture.do(t, http.MethodPut, "/documents/"+documentID+"/sections/mission_execution", second, gin.H{"text": "steal"})
	if recorder.Code != http.StatusConflict {
		t.Fatalf("expected locked write to be refused, got %d", recorder.Code)
	}

	recorder = fixture.do(t, http.MethodPost, "/documents/"+documentID+"/locks/release", first, lockBody)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected release to succeed, got %d", recorder.Code)
	}
	recorder = fixture.do(t, http.MethodPost, "/documents/"+documentID+"/locks/acquire", second, lockBody)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected grant after release, got %d", recorder.Code)
	}
}

func TestSessionJoinWithWrongCodeIsNotFound(t *testing.T) {
	fixture := newRouterFixture(t)
	host := signSessionToken(t, "host-1", "Harper Host")
	guest := signSessionToken(t, "guest-1", "Gale Guest")
	documentID := fixture.createDocument(t, host)

	recorder := fixture.do(t, http.MethodPost, "/documents/"+documentID+"/session", host, gin.H{})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected session creation, got %d: %s", recorder.Code, recorder.Body.String())
	}

	recorder = fixture.do(t, http.MethodPost, "/documents/"+documentID+"/session/join", guest, gin.H{"code": "WRONG1"})
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected not found for wrong code, got %d", recorder.Code)
	}
}

func TestSessionJoinAndRosterFlow(t *testing.T) {
	fixture := newRouterFixture(t)
	host := signSessionToken(t, "host-1", "Harper Host")
	guest := signSessionToken(t, "guest-1", "Gale Guest")
	documentID := fixture.createDocument(t, host)

	recorder := fixture.do(t, http.MethodPost, "/documents/"+documentID+"/session", host, gin.H{})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected session creation, got %d", recorder.Code)
	}
	created := decodeBody(t, recorder)
	code, _ := created["code"].(string)
	if code == "" {
		t.Fatalf("expected join code, got %v", created)
	}

	recorder = fixture.do(t, http.MethodPost, "/documents/"+documentID+"/session/join", guest, gin.H{"code": code})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected join to succeed, got %d: %s", recorder.Code, recorder.Body.String())
	}

	recorder = fixture.do(t, http.MethodGet, "/documents/"+documentID+"/session", guest, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected session discovery, got %d", recorder.Code)
	}
	session := decodeBody(t, recorder)
	roster, _ := session["roster"].([]any)
	if len(roster) != 2 {
		t.Fatalf("expected two collaborators, got %v", session)
	}

	recorder = fixture.do(t, http.MethodPost, "/documents/"+documentID+"/session/leave", host, gin.H{"code": code})
	if recorder.Code != http.StatusConflict {
		t.Fatalf("expected host leave refusal, got %d", recorder.Code)
	}
	recorder = fixture.do(t, http.MethodPost, "/documents/"+documentID+"/session/end", guest, gin.H{"code": code})
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("expected guest end refusal, got %d", recorder.Code)
	}
	recorder = fixture.do(t, http.MethodPost, "/documents/"+documentID+"/session/end", host, gin.H{"code": code})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected host end to succeed, got %d", recorder.Code)
	}
}

func TestPublishEventRejectsUnknownType(t *testing.T) {
	fixture := newRouterFixture(t)
	token := signSessionToken(t, "host-1", "Harper Host")
	documentID := fixture.createDocument(t, token)

	recorder := fixture.do(t, http.MethodPost, "/documents/"+documentID+"/events", token, gin.H{
		"type": "shell-exec",
		"seq":  1,
	})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected bad request for unknown event type, got %d", recorder.Code)
	}
}

func TestPublishEventFansOutToSubscribers(t *testing.T) {
	fixture := newRouterFixture(t)
	token := signSessionToken(t, "host-1", "Harper Host")
	documentID := fixture.createDocument(t, token)

	stream, cancel, err := fixture.broker.Subscribe(context.Background(), realtime.RoomForDocument(documentID))
	if err != nil {
		t.Fatalf("failed to subscribe: %v", err)
	}
	t.Cleanup(cancel)

	recorder := fixture.do(t, http.MethodPost, "/documents/"+documentID+"/events", token, gin.H{
		"type":    realtime.EventStateSync,
		"seq":     1,
		"payload": gin.H{"sections": gin.H{"mission_execution": gin.H{"text": "Hello"}}},
	})
	if recorder.Code != http.StatusAccepted {
		t.Fatalf("expected accepted, got %d: %s", recorder.Code, recorder.Body.String())
	}

	select {
	case envelope := <-stream:
		if envelope.SenderID != "host-1" {
			t.Fatalf("expected server-stamped sender, got %q", envelope.SenderID)
		}
		if envelope.Type != realtime.EventStateSync {
			t.Fatalf("unexpected envelope type %q", envelope.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for fanned-out envelope")
	}
}

type unavailablePresence struct{}

func (unavailablePresence) Join(ctx context.Context, room string, member realtime.Member) error {
	return realtime.ErrPresenceUnavailable
}

func (unavailablePresence) Heartbeat(ctx context.Context, room, userID string) error {
	return realtime.ErrPresenceUnavailable
}

func (unavailablePresence) Leave(ctx context.Context, room, userID string) error {
	return realtime.ErrPresenceUnavailable
}

func (unavailablePresence) Members(ctx context.Context, room string) ([]realtime.Member, error) {
	return nil, realtime.ErrPresenceUnavailable
}

func TestPresenceOutageReadsAsUnavailable(t *testing.T) {
	gin.SetMode(gin.TestMode)
	fixture := newRouterFixture(t)
	token := signSessionToken(t, "host-1", "Harper Host")
	documentID := fixture.createDocument(t, token)

	handler := &httpHandler{presence: unavailablePresence{}, logger: zap.NewNop()}
	recorder := httptest.NewRecorder()
	ginContext, _ := gin.CreateTestContext(recorder)
	ginContext.Params = gin.Params{{Key: "id", Value: documentID}}
	ginContext.Request = httptest.NewRequest(http.MethodGet, "/documents/"+documentID+"/presence", http.NoBody)

	handler.handlePresence(ginContext)
	if recorder.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected service unavailable, got %d", recorder.Code)
	}
}
