package syncstate

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// SectionDraft is one section's editable state as carried on the wire.
type SectionDraft struct {
	Text      string `json:"text"`
	Collapsed bool   `json:"collapsed"`
}

// WorkspaceSnapshot is the transient aggregate of all sections' draft text
// plus UI state. It exists only as a broadcast payload and is never
// persisted; durable section text flows through the document service.
type WorkspaceSnapshot struct {
	Sections map[string]SectionDraft `json:"sections"`
	Mode     string                  `json:"mode,omitempty"`
}

// Clone returns a deep copy of the snapshot.
func (s WorkspaceSnapshot) Clone() WorkspaceSnapshot {
	sections := make(map[string]SectionDraft, len(s.Sections))
	for key, draft := range s.Sections {
		sections[key] = draft
	}
	return WorkspaceSnapshot{Sections: sections, Mode: s.Mode}
}

// Hash returns a hex digest of the snapshot's canonical JSON encoding.
// encoding/json writes map keys in sorted order, so identical content
// always hashes identically.
func Hash(snapshot WorkspaceSnapshot) (string, error) {
	encoded, err := json.Marshal(snapshot)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:]), nil
}

// Merge applies a remote snapshot over local state at section granularity.
// Sections the local user currently has focused are never overwritten;
// every other section accepts the remote value unconditionally. Sections
// present only locally survive untouched.
func Merge(local, remote WorkspaceSnapshot, focused map[string]bool) WorkspaceSnapshot {
	merged := local.Clone()
	for key, draft := range remote.Sections {
		if focused[key] {
			continue
		}
		merged.Sections[key] = draft
	}
	if remote.Mode != "" {
		merged.Mode = remote.Mode
	}
	return merged
}
