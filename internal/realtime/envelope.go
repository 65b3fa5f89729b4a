package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Event types carried on the document room channel.
const (
	EventStateSync          = "state-sync"
	EventCursor             = "cursor"
	EventSectionChanged     = "section-changed"
	EventFieldChanged       = "field-changed"
	EventCollaboratorJoined = "collaborator-joined"
	EventCollaboratorLeft   = "collaborator-left"
	EventSessionEnded       = "session-ended"
)

// ErrPresenceUnavailable reports that the transport cannot answer presence
// queries right now. Callers must treat the roster as unknown, not empty.
var ErrPresenceUnavailable = errors.New("realtime: presence unavailable")

// Envelope is the stable wire shape for every room broadcast. Seq is a
// per-sender monotonically increasing sequence number; receivers use it to
// drop echoes of their own broadcasts and stale duplicates.
type Envelope struct {
	Type       string          `json:"type"`
	DocumentID string          `json:"documentId"`
	SenderID   string          `json:"senderId"`
	Seq        int64           `json:"seq"`
	SentAt     time.Time       `json:"sentAt"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Member is one participant visible on a room's presence roster.
type Member struct {
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	Color       string    `json:"color"`
	IsHost      bool      `json:"isHost"`
	LastSeenAt  time.Time `json:"lastSeenAt"`
}

// Broker publishes and subscribes small JSON envelopes on named rooms.
// The cancel function returned by Subscribe must be called on every exit
// path; a leaked subscription keeps receiving broadcasts.
type Broker interface {
	Publish(ctx context.Context, room string, envelope Envelope) error
	Subscribe(ctx context.Context, room string) (<-chan Envelope, func(), error)
}

// Presence tracks the live roster of a room.
type Presence interface {
	Join(ctx context.Context, room string, member Member) error
	Heartbeat(ctx context.Context, room, userID string) error
	Leave(ctx context.Context, room, userID string) error
	Members(ctx context.Context, room string) ([]Member, error)
}

// RoomForDocument returns the canonical room name for a document.
func RoomForDocument(documentID string) string {
	return "doc:" + documentID
}
