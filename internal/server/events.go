package server

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/northbridgehq/coauthor/backend/internal/metrics"
	"github.com/northbridgehq/coauthor/backend/internal/realtime"
)

const streamHeartbeatInterval = 25 * time.Second

type publishEventPayload struct {
	Type    string          `json:"type"`
	Seq     int64           `json:"seq"`
	Payload json.RawMessage `json:"payload"`
}

var allowedClientEvents = map[string]bool{
	realtime.EventStateSync: true,
	realtime.EventCursor:    true,
}

// handlePublishEvent accepts a client broadcast and fans it out to the
// document room. The server stamps sender identity and timestamp; clients
// only choose the event type, sequence number, and payload.
func (h *httpHandler) handlePublishEvent(c *gin.Context) {
	callerID, _ := h.caller(c)
	documentID, ok := h.documentID(c)
	if !ok {
		return
	}
	var request publishEventPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if !allowedClientEvents[request.Type] {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_event_type"})
		return
	}

	envelope := realtime.Envelope{
		Type:       request.Type,
		DocumentID: documentID.String(),
		SenderID:   callerID,
		Seq:        request.Seq,
		SentAt:     time.Now().UTC(),
		Payload:    request.Payload,
	}
	if err := h.broker.Publish(c.Request.Context(), realtime.RoomForDocument(documentID.String()), envelope); err != nil {
		h.logger.Error("event publish failed",
			zap.String("document_id", documentID.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "publish_failed"})
		return
	}
	metrics.BroadcastsSent.WithLabelValues(request.Type).Inc()
	h.touchActiveSession(c, documentID.String())
	c.JSON(http.StatusAccepted, gin.H{"accepted": true})
}

// touchActiveSession records broadcast ingress as session activity so the
// janitor's idle backstop only ends genuinely dead sessions.
func (h *httpHandler) touchActiveSession(c *gin.Context, documentID string) {
	session, err := h.collab.ActiveSession(c.Request.Context(), documentID)
	if err != nil {
		h.logger.Warn("session lookup failed", zap.String("document_id", documentID), zap.Error(err))
		return
	}
	if session == nil {
		return
	}
	if err := h.collab.TouchActivity(c.Request.Context(), session.Code); err != nil {
		h.logger.Warn("session activity touch failed", zap.String("document_id", documentID), zap.Error(err))
	}
}

// handleStreamEvents streams the document room to the caller as
// server-sent events. A comment line goes out periodically so proxies
// keep the connection open.
func (h *httpHandler) handleStreamEvents(c *gin.Context) {
	documentID, ok := h.documentID(c)
	if !ok {
		return
	}

	stream, cancel, err := h.broker.Subscribe(c.Request.Context(), realtime.RoomForDocument(documentID.String()))
	if err != nil {
		h.logger.Error("event subscription failed",
			zap.String("document_id", documentID.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "subscribe_failed"})
		return
	}
	defer cancel()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	heartbeat := time.NewTicker(streamHeartbeatInterval)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case envelope, open := <-stream:
			if !open {
				return false
			}
			c.SSEvent(envelope.Type, envelope)
			return true
		case <-heartbeat.C:
			c.SSEvent("heartbeat", gin.H{"at": time.Now().UTC().Unix()})
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// announce publishes a server-originated event to a document room. Failures
// are logged and swallowed; the triggering request already succeeded.
func (h *httpHandler) announce(c *gin.Context, eventType, documentID, senderID string, payload gin.H) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("event encode failed", zap.String("type", eventType), zap.Error(err))
		return
	}
	envelope := realtime.Envelope{
		Type:       eventType,
		DocumentID: documentID,
		SenderID:   senderID,
		SentAt:     time.Now().UTC(),
		Payload:    encoded,
	}
	if err := h.broker.Publish(c.Request.Context(), realtime.RoomForDocument(documentID), envelope); err != nil {
		h.logger.Warn("event broadcast failed", zap.String("type", eventType), zap.Error(err))
		return
	}
	metrics.BroadcastsSent.WithLabelValues(eventType).Inc()
}
