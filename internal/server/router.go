package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/northbridgehq/coauthor/backend/internal/auth"
	"github.com/northbridgehq/coauthor/backend/internal/collab"
	"github.com/northbridgehq/coauthor/backend/internal/document"
	"github.com/northbridgehq/coauthor/backend/internal/locks"
	"github.com/northbridgehq/coauthor/backend/internal/realtime"
)

const (
	userIDContextKey   = "coauthor_user_id"
	userNameContextKey = "coauthor_user_name"
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingDocumentService  = errors.New("document service dependency required")
	errMissingLockService      = errors.New("lock service dependency required")
	errMissingCollabService    = errors.New("collab service dependency required")
	errMissingBroker           = errors.New("broker dependency required")
	errMissingPresence         = errors.New("presence dependency required")
)

// SessionValidator validates host-issued session tokens on inbound requests.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

type Dependencies struct {
	SessionValidator SessionValidator
	DocumentService  *document.Service
	LockService      *locks.Service
	CollabService    *collab.Service
	Broker           realtime.Broker
	Presence         realtime.Presence
	Metrics          *prometheus.Registry
	Logger           *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.SessionValidator == nil {
		return nil, errMissingSessionValidator
	}
	if deps.DocumentService == nil {
		return nil, errMissingDocumentService
	}
	if deps.LockService == nil {
		return nil, errMissingLockService
	}
	if deps.CollabService == nil {
		return nil, errMissingCollabService
	}
	if deps.Broker == nil {
		return nil, errMissingBroker
	}
	if deps.Presence == nil {
		return nil, errMissingPresence
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Last-Event-ID"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	handler := &httpHandler{
		validator: deps.SessionValidator,
		documents: deps.DocumentService,
		locks:     deps.LockService,
		collab:    deps.CollabService,
		broker:    deps.Broker,
		presence:  deps.Presence,
		logger:    logger,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Metrics, promhttp.HandlerOpts{})))
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)

	protected.POST("/documents", handler.handleCreateDocument)
	protected.GET("/documents/:id", handler.handleGetDocument)
	protected.PUT("/documents/:id/sections/:key", handler.handleUpdateSection)
	protected.PUT("/documents/:id/sections/:key/complete", handler.handleSetSectionComplete)
	protected.PUT("/documents/:id/fields/:name", handler.handleUpdateField)
	protected.POST("/documents/:id/archive", handler.handleArchiveDocument)

	protected.POST("/documents/:id/locks/acquire", handler.handleAcquireLock)
	protected.POST("/documents/:id/locks/release", handler.handleReleaseLock)
	protected.POST("/documents/:id/locks/heartbeat", handler.handleLockHeartbeat)
	protected.GET("/documents/:id/locks/holder", handler.handleLockHolder)

	protected.POST("/documents/:id/session", handler.handleCreateSession)
	protected.GET("/documents/:id/session", handler.handleGetSession)
	protected.POST("/documents/:id/session/join", handler.handleJoinSession)
	protected.POST("/documents/:id/session/leave", handler.handleLeaveSession)
	protected.POST("/documents/:id/session/end", handler.handleEndSession)
	protected.POST("/documents/:id/session/heartbeat", handler.handleSessionHeartbeat)
	protected.POST("/documents/:id/session/cursor", handler.handleSessionCursor)

	protected.POST("/documents/:id/events", handler.handlePublishEvent)
	protected.GET("/documents/:id/events", handler.handleStreamEvents)
	protected.GET("/documents/:id/presence", handler.handlePresence)

	return router, nil
}

type httpHandler struct {
	validator SessionValidator
	documents *document.Service
	locks     *locks.Service
	collab    *collab.Service
	broker    realtime.Broker
	presence  realtime.Presence
	logger    *zap.Logger
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.validator.ValidateRequest(c.Request)
	if err != nil {
		h.logger.Warn("session validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, claims.UserID)
	c.Set(userNameContextKey, claims.UserDisplayName)
	c.Next()
}

func (h *httpHandler) caller(c *gin.Context) (string, string) {
	return c.GetString(userIDContextKey), c.GetString(userNameContextKey)
}

func (h *httpHandler) documentID(c *gin.Context) (document.DocumentID, bool) {
	documentID, err := document.NewDocumentID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_document_id"})
		return "", false
	}
	return documentID, true
}

type createDocumentPayload struct {
	SubjectID     string `json:"subjectId"`
	Cycle         string `json:"cycle"`
	CollabEnabled bool   `json:"collabEnabled"`
}

func (h *httpHandler) handleCreateDocument(c *gin.Context) {
	callerID, _ := h.caller(c)
	var request createDocumentPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	subjectID, err := document.NewUserID(request.SubjectID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_subject_id"})
		return
	}

	created, err := h.documents.CreateDocument(c.Request.Context(), document.CreateDocumentInput{
		SubjectID:     subjectID,
		AuthorID:      callerID,
		Cycle:         strings.TrimSpace(request.Cycle),
		CollabEnabled: request.CollabEnabled,
	})
	if errors.Is(err, document.ErrDocumentConflict) {
		c.JSON(http.StatusConflict, gin.H{"error": "document_exists"})
		return
	}
	if err != nil {
		h.logger.Error("document creation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create_failed"})
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (h *httpHandler) handleGetDocument(c *gin.Context) {
	documentID, ok := h.documentID(c)
	if !ok {
		return
	}
	view, err := h.documents.GetDocument(c.Request.Context(), documentID)
	if errors.Is(err, document.ErrDocumentNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	if err != nil {
		h.logger.Error("document load failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load_failed"})
		return
	}
	c.JSON(http.StatusOK, view)
}

type updateSectionPayload struct {
	Text string `json:"text"`
}

func (h *httpHandler) handleUpdateSection(c *gin.Context) {
	callerID, _ := h.caller(c)
	documentID, ok := h.documentID(c)
	if !ok {
		return
	}
	key, err := document.ParseSectionKey(c.Param("key"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_section"})
		return
	}
	var request updateSectionPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	editor, err := document.NewUserID(callerID)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	updated, err := h.documents.UpdateSectionText(c.Request.Context(), documentID, key, request.Text, editor)
	switch {
	case errors.Is(err, document.ErrDocumentNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	case errors.Is(err, document.ErrTextTooLong):
		c.JSON(http.StatusBadRequest, gin.H{"error": "text_too_long", "limit": key.MaxTextLength()})
		return
	case errors.Is(err, document.ErrLockedByOther):
		c.JSON(http.StatusConflict, gin.H{"error": "locked_by_other"})
		return
	case err != nil:
		h.logger.Error("section update failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update_failed"})
		return
	}

	h.announce(c, realtime.EventSectionChanged, documentID.String(), callerID, gin.H{
		"sectionKey": key.String(),
		"updatedAtS": updated.UpdatedAtSeconds,
	})
	c.JSON(http.StatusOK, updated)
}

type sectionCompletePayload struct {
	Complete bool `json:"complete"`
}

func (h *httpHandler) handleSetSectionComplete(c *gin.Context) {
	callerID, _ := h.caller(c)
	documentID, ok := h.documentID(c)
	if !ok {
		return
	}
	key, err := document.ParseSectionKey(c.Param("key"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_section"})
		return
	}
	var request sectionCompletePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	editor, err := document.NewUserID(callerID)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	updated, err := h.documents.SetSectionComplete(c.Request.Context(), documentID, key, request.Complete, editor)
	if errors.Is(err, document.ErrDocumentNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	if err != nil {
		h.logger.Error("section completion update failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update_failed"})
		return
	}

	h.announce(c, realtime.EventSectionChanged, documentID.String(), callerID, gin.H{
		"sectionKey": key.String(),
		"complete":   request.Complete,
		"updatedAtS": updated.UpdatedAtSeconds,
	})
	c.JSON(http.StatusOK, updated)
}

type updateFieldPayload struct {
	Text string `json:"text"`
}

func (h *httpHandler) handleUpdateField(c *gin.Context) {
	callerID, _ := h.caller(c)
	documentID, ok := h.documentID(c)
	if !ok {
		return
	}
	var request updateFieldPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	editor, err := document.NewUserID(callerID)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	updated, err := h.documents.UpdateField(c.Request.Context(), documentID, c.Param("name"), request.Text, editor)
	switch {
	case errors.Is(err, document.ErrUnknownFieldName):
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_field"})
		return
	case errors.Is(err, document.ErrDocumentNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	case errors.Is(err, document.ErrTextTooLong):
		c.JSON(http.StatusBadRequest, gin.H{"error": "text_too_long"})
		return
	case errors.Is(err, document.ErrLockedByOther):
		c.JSON(http.StatusConflict, gin.H{"error": "locked_by_other"})
		return
	case err != nil:
		h.logger.Error("field update failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update_failed"})
		return
	}

	h.announce(c, realtime.EventFieldChanged, documentID.String(), callerID, gin.H{
		"name":       updated.Name,
		"updatedAtS": updated.UpdatedAtSeconds,
	})
	c.JSON(http.StatusOK, updated)
}

func (h *httpHandler) handleArchiveDocument(c *gin.Context) {
	documentID, ok := h.documentID(c)
	if !ok {
		return
	}
	err := h.documents.ArchiveDocument(c.Request.Context(), documentID)
	if errors.Is(err, document.ErrDocumentNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	if err != nil {
		h.logger.Error("document archive failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "archive_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "archived"})
}

type lockRequestPayload struct {
	ResourceType string `json:"resourceType"`
	ResourceKey  string `json:"resourceKey"`
}

func (h *httpHandler) lockResource(c *gin.Context, documentID document.DocumentID, request lockRequestPayload) (string, string, bool) {
	switch request.ResourceType {
	case locks.ResourceSection:
		key, err := document.ParseSectionKey(request.ResourceKey)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_section"})
			return "", "", false
		}
		return locks.ResourceSection, document.SectionResourceID(documentID, key), true
	case locks.ResourceField:
		if request.ResourceKey != document.FieldDutyDescription {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_field"})
			return "", "", false
		}
		return locks.ResourceField, document.FieldResourceID(documentID, request.ResourceKey), true
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_resource_type"})
		return "", "", false
	}
}

func (h *httpHandler) handleAcquireLock(c *gin.Context) {
	callerID, callerName := h.caller(c)
	documentID, ok := h.documentID(c)
	if !ok {
		return
	}
	var request lockRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	resourceType, resourceID, ok := h.lockResource(c, documentID, request)
	if !ok {
		return
	}

	result, err := h.locks.Acquire(c.Request.Context(), resourceType, resourceID, callerID, callerName)
	if err != nil {
		h.logger.Error("lock acquisition failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "acquire_failed"})
		return
	}
	if !result.Granted {
		c.JSON(http.StatusConflict, gin.H{"granted": false, "lockedBy": result.LockedBy})
		return
	}
	c.JSON(http.StatusOK, gin.H{"granted": true, "ttlSeconds": int64(h.locks.TTL().Seconds())})
}

func (h *httpHandler) handleReleaseLock(c *gin.Context) {
	callerID, _ := h.caller(c)
	documentID, ok := h.documentID(c)
	if !ok {
		return
	}
	var request lockRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	resourceType, resourceID, ok := h.lockResource(c, documentID, request)
	if !ok {
		return
	}

	if err := h.locks.Release(c.Request.Context(), resourceType, resourceID, callerID); err != nil {
		h.logger.Error("lock release failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "release_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"released": true})
}

func (h *httpHandler) handleLockHeartbeat(c *gin.Context) {
	callerID, _ := h.caller(c)
	documentID, ok := h.documentID(c)
	if !ok {
		return
	}
	var request lockRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	resourceType, resourceID, ok := h.lockResource(c, documentID, request)
	if !ok {
		return
	}

	if err := h.locks.Heartbeat(c.Request.Context(), resourceType, resourceID, callerID); err != nil {
		h.logger.Error("lock heartbeat failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "heartbeat_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"alive": true})
}

func (h *httpHandler) handleLockHolder(c *gin.Context) {
	documentID, ok := h.documentID(c)
	if !ok {
		return
	}
	request := lockRequestPayload{
		ResourceType: c.Query("resourceType"),
		ResourceKey:  c.Query("resourceKey"),
	}
	resourceType, resourceID, ok := h.lockResource(c, documentID, request)
	if !ok {
		return
	}

	holder, err := h.locks.Holder(c.Request.Context(), resourceType, resourceID)
	if err != nil {
		h.logger.Error("lock holder lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup_failed"})
		return
	}
	if holder == nil {
		c.JSON(http.StatusOK, gin.H{"locked": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"locked":     true,
		"holderId":   holder.HolderID,
		"holderName": holder.HolderName,
	})
}

type sessionResponsePayload struct {
	Code     string                `json:"code"`
	Active   bool                  `json:"active"`
	HostID   string                `json:"hostId"`
	Existing bool                  `json:"existing,omitempty"`
	Roster   []collab.Collaborator `json:"roster,omitempty"`
}

func (h *httpHandler) handleCreateSession(c *gin.Context) {
	callerID, callerName := h.caller(c)
	documentID, ok := h.documentID(c)
	if !ok {
		return
	}

	result, err := h.collab.Create(c.Request.Context(), documentID.String(), callerID, callerName)
	if err != nil {
		h.logger.Error("session creation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create_failed"})
		return
	}
	if !result.Existing {
		if err := h.documents.SetCollabEnabled(c.Request.Context(), documentID, true); err != nil {
			h.logger.Warn("collab flag update failed", zap.Error(err))
		}
		h.joinPresence(c, documentID.String(), callerID, callerName, true)
	}
	c.JSON(http.StatusOK, sessionResponsePayload{
		Code:     result.Session.Code,
		Active:   result.Session.Active,
		HostID:   result.Session.HostID,
		Existing: result.Existing,
	})
}

func (h *httpHandler) handleGetSession(c *gin.Context) {
	documentID, ok := h.documentID(c)
	if !ok {
		return
	}
	session, err := h.collab.ActiveSession(c.Request.Context(), documentID.String())
	if err != nil {
		h.logger.Error("session lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup_failed"})
		return
	}
	if session == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no_active_session"})
		return
	}
	roster, err := h.collab.Roster(c.Request.Context(), session.Code)
	if err != nil {
		h.logger.Error("roster lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup_failed"})
		return
	}
	c.JSON(http.StatusOK, sessionResponsePayload{
		Code:   session.Code,
		Active: session.Active,
		HostID: session.HostID,
		Roster: roster,
	})
}

type joinSessionPayload struct {
	Code string `json:"code"`
}

func (h *httpHandler) handleJoinSession(c *gin.Context) {
	callerID, callerName := h.caller(c)
	documentID, ok := h.documentID(c)
	if !ok {
		return
	}
	var request joinSessionPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	session, collaborator, err := h.collab.Join(c.Request.Context(), documentID.String(), request.Code, callerID, callerName)
	if errors.Is(err, collab.ErrSessionNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session_not_found"})
		return
	}
	if err != nil {
		h.logger.Error("session join failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "join_failed"})
		return
	}

	h.joinPresence(c, documentID.String(), callerID, callerName, collaborator.IsHost)
	h.announce(c, realtime.EventCollaboratorJoined, documentID.String(), callerID, gin.H{
		"userId":      collaborator.UserID,
		"displayName": collaborator.DisplayName,
		"color":       collaborator.Color,
	})
	c.JSON(http.StatusOK, gin.H{"session": session, "collaborator": collaborator})
}

type sessionActionPayload struct {
	Code string `json:"code"`
}

func (h *httpHandler) handleLeaveSession(c *gin.Context) {
	callerID, _ := h.caller(c)
	documentID, ok := h.documentID(c)
	if !ok {
		return
	}
	var request sessionActionPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	err := h.collab.Leave(c.Request.Context(), request.Code, callerID)
	switch {
	case errors.Is(err, collab.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "session_not_found"})
		return
	case errors.Is(err, collab.ErrHostCannotLeave):
		c.JSON(http.StatusConflict, gin.H{"error": "host_must_end"})
		return
	case err != nil:
		h.logger.Error("session leave failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "leave_failed"})
		return
	}

	if err := h.presence.Leave(c.Request.Context(), realtime.RoomForDocument(documentID.String()), callerID); err != nil {
		h.logger.Warn("presence leave failed", zap.Error(err))
	}
	h.announce(c, realtime.EventCollaboratorLeft, documentID.String(), callerID, gin.H{"userId": callerID})
	c.JSON(http.StatusOK, gin.H{"left": true})
}

func (h *httpHandler) handleEndSession(c *gin.Context) {
	callerID, _ := h.caller(c)
	documentID, ok := h.documentID(c)
	if !ok {
		return
	}
	var request sessionActionPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	err := h.collab.End(c.Request.Context(), request.Code, callerID)
	switch {
	case errors.Is(err, collab.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "session_not_found"})
		return
	case errors.Is(err, collab.ErrNotHost):
		c.JSON(http.StatusForbidden, gin.H{"error": "not_host"})
		return
	case err != nil:
		h.logger.Error("session end failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "end_failed"})
		return
	}

	if err := h.documents.SetCollabEnabled(c.Request.Context(), documentID, false); err != nil {
		h.logger.Warn("collab flag update failed", zap.Error(err))
	}
	h.announce(c, realtime.EventSessionEnded, documentID.String(), callerID, gin.H{
		"code":   collab.NormalizeCode(request.Code),
		"reason": "host-ended",
	})
	c.JSON(http.StatusOK, gin.H{"ended": true})
}

func (h *httpHandler) handleSessionHeartbeat(c *gin.Context) {
	callerID, _ := h.caller(c)
	documentID, ok := h.documentID(c)
	if !ok {
		return
	}
	var request sessionActionPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	if err := h.collab.CollaboratorHeartbeat(c.Request.Context(), request.Code, callerID); err != nil {
		if errors.Is(err, collab.ErrNotCollaborator) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_collaborator"})
			return
		}
		h.logger.Error("session heartbeat failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "heartbeat_failed"})
		return
	}
	if err := h.collab.TouchActivity(c.Request.Context(), request.Code); err != nil {
		h.logger.Warn("session activity touch failed", zap.Error(err))
	}
	if err := h.presence.Heartbeat(c.Request.Context(), realtime.RoomForDocument(documentID.String()), callerID); err != nil {
		h.logger.Warn("presence heartbeat failed", zap.Error(err))
	}
	c.JSON(http.StatusOK, gin.H{"alive": true})
}

type cursorUpdatePayload struct {
	Code       string  `json:"code"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	SectionKey string  `json:"sectionKey"`
}

func (h *httpHandler) handleSessionCursor(c *gin.Context) {
	callerID, _ := h.caller(c)
	_, ok := h.documentID(c)
	if !ok {
		return
	}
	var request cursorUpdatePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	err := h.collab.UpdateCursor(c.Request.Context(), request.Code, callerID, request.X, request.Y, request.SectionKey)
	if errors.Is(err, collab.ErrNotCollaborator) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_collaborator"})
		return
	}
	if err != nil {
		h.logger.Error("cursor update failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "cursor_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"stored": true})
}

func (h *httpHandler) handlePresence(c *gin.Context) {
	documentID, ok := h.documentID(c)
	if !ok {
		return
	}
	members, err := h.presence.Members(c.Request.Context(), realtime.RoomForDocument(documentID.String()))
	if errors.Is(err, realtime.ErrPresenceUnavailable) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "presence_unavailable"})
		return
	}
	if err != nil {
		h.logger.Error("presence lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"members": members})
}

func (h *httpHandler) joinPresence(c *gin.Context, documentID, userID, displayName string, isHost bool) {
	member := realtime.Member{
		UserID:      userID,
		DisplayName: displayName,
		Color:       collab.ColorFor(userID),
		IsHost:      isHost,
	}
	if err := h.presence.Join(c.Request.Context(), realtime.RoomForDocument(documentID), member); err != nil {
		h.logger.Warn("presence join failed", zap.Error(err))
	}
}
