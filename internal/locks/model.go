package locks

// Resource types accepted by the soft lock manager. Sections and the shell
// duty-description field share one protocol keyed by (resourceType, resourceID).
const (
	ResourceSection = "section"
	ResourceField   = "field"
)

// SoftLock is an advisory, time-limited exclusive claim on an editable
// resource. It is valid only while (now - heartbeat) stays under the TTL;
// an expired lock is treated as absent and may be reassigned. The store
// enforces nothing beyond this record: consistency rests on UI convention.
type SoftLock struct {
	ResourceType     string `gorm:"column:resource_type;primaryKey;size:32;not null"`
	ResourceID       string `gorm:"column:resource_id;primaryKey;size:190;not null"`
	HolderID         string `gorm:"column:holder_id;size:190;not null"`
	HolderName       string `gorm:"column:holder_name;size:190;not null;default:''"`
	AcquiredAtSeconds int64  `gorm:"column:acquired_at_s;not null"`
	HeartbeatSeconds  int64  `gorm:"column:heartbeat_s;not null;index:idx_soft_locks_heartbeat"`
}

// TableName provides the explicit table binding for GORM.
func (SoftLock) TableName() string {
	return "soft_locks"
}

// AcquireResult reports an acquisition attempt. LockedBy carries the live
// holder's display name when the attempt is refused.
type AcquireResult struct {
	Granted  bool
	LockedBy string
}

// HolderInfo is the read-only view of a live lock for the rendering layer.
type HolderInfo struct {
	HolderID          string
	HolderName        string
	AcquiredAtSeconds int64
	HeartbeatSeconds  int64
}
