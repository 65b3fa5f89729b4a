package collab

// Session is one live collaboration round on a document, identified by a
// short human-typeable code. At most one active session exists per document.
type Session struct {
	Code                string `gorm:"column:code;primaryKey;size:12;not null"`
	DocumentID          string `gorm:"column:document_id;size:190;not null;index:idx_collab_sessions_document"`
	HostID              string `gorm:"column:host_id;size:190;not null"`
	Active              bool   `gorm:"column:active;not null;default:true"`
	CreatedAtSeconds    int64  `gorm:"column:created_at_s;not null"`
	LastActivitySeconds int64  `gorm:"column:last_activity_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Session) TableName() string {
	return "collab_sessions"
}

// Collaborator is an ephemeral presence record inside a session. Rows are
// created on join, refreshed on heartbeat and cursor movement, and removed
// on leave; they never outlive the session.
type Collaborator struct {
	SessionCode     string  `gorm:"column:session_code;primaryKey;size:12;not null"`
	UserID          string  `gorm:"column:user_id;primaryKey;size:190;not null"`
	DisplayName     string  `gorm:"column:display_name;size:190;not null;default:''"`
	Color           string  `gorm:"column:color;size:16;not null;default:''"`
	IsHost          bool    `gorm:"column:is_host;not null;default:false"`
	Online          bool    `gorm:"column:online;not null;default:true"`
	CursorX         float64 `gorm:"column:cursor_x;not null;default:0"`
	CursorY         float64 `gorm:"column:cursor_y;not null;default:0"`
	CursorSection   string  `gorm:"column:cursor_section;size:64;not null;default:''"`
	LastSeenSeconds int64   `gorm:"column:last_seen_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Collaborator) TableName() string {
	return "collaborators"
}

// EndedSession reports a session the janitor shut down for inactivity.
type EndedSession struct {
	Code       string
	DocumentID string
	HostID     string
}
