// Package models defines types shared across internal packages.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// SyncRoot identifies one local/remote directory pair enrolled in sync.
type SyncRoot struct {
	ID            uint64    `json:"id"`
	RemotePath    string    `json:"remote_path"`
	LocalDir      string    `json:"local_dir"`
	Locked        bool      `json:"locked"`
	LockedAt      time.Time `json:"locked_at,omitzero"`
	Suspended     bool      `json:"suspended"`
	SuspendReason string    `json:"suspend_reason,omitempty"`
	LastSyncAt    time.Time `json:"last_sync_at,omitzero"`
}

// ResourceSyncRecord is the last known reconciled state of one file or
// directory. Directories carry no ETag or timestamp.
//
// RemotePath is the normalized key the record is matched by. Href and
// LocalPath hold the names as they exist on the server and on disk.
type ResourceSyncRecord struct {
	ID                 uint64       `json:"id"`
	RootID             uint64       `json:"root_id"`
	RemotePath         string       `json:"remote_path"`
	Href               string       `json:"href,omitempty"`
	LocalPath          string       `json:"local_path"`
	IsDir              bool         `json:"is_dir"`
	ETag               string       `json:"etag,omitempty"`
	ModifiedAt         time.Time    `json:"modified_at,omitzero"`
	ContentHash        string       `json:"content_hash,omitempty"`
	ConflictType       ConflictType `json:"conflict_type"`
	ConflictResolution Resolution   `json:"conflict_resolution"`
	LastError          string       `json:"last_error,omitempty"`
	UpdatedAt          time.Time    `json:"updated_at,omitzero"`
}

// InConflict reports whether the record holds a standing conflict.
func (r ResourceSyncRecord) InConflict() bool {
	return r.ConflictType != ConflictNone
}

// SyncHistoryEntry is one terminal outcome of a resource during a run.
type SyncHistoryEntry struct {
	ID           uint64       `json:"id"`
	RootID       uint64       `json:"root_id"`
	RemotePath   string       `json:"remote_path"`
	Action       Action       `json:"action"`
	Error        string       `json:"error,omitempty"`
	ConflictType ConflictType `json:"conflict_type"`
	Timestamp    time.Time    `json:"timestamp"`
}

// Summary aggregates the outcome of one reconciliation run.
type Summary struct {
	Changes   int `json:"changes"`
	Conflicts int `json:"conflicts"`
	Errors    int `json:"errors"`
}

// Add accumulates another summary into s.
func (s *Summary) Add(o Summary) {
	s.Changes += o.Changes
	s.Conflicts += o.Conflicts
	s.Errors += o.Errors
}

// IsZero reports whether the run did nothing.
func (s Summary) IsZero() bool {
	return s.Changes == 0 && s.Conflicts == 0 && s.Errors == 0
}

// ConflictType classifies why a resource could not be reconciled.
type ConflictType int

const (
	ConflictNone ConflictType = iota
	ConflictBothNew
	ConflictBothChanged
	ConflictLocalDeletedRemoteChanged
	ConflictRemoteDeletedLocalChanged
)

var conflictTypeNames = map[ConflictType]string{
	ConflictNone:                      "none",
	ConflictBothNew:                   "both_new",
	ConflictBothChanged:               "both_changed",
	ConflictLocalDeletedRemoteChanged: "local_deleted_remote_changed",
	ConflictRemoteDeletedLocalChanged: "remote_deleted_local_changed",
}

func (c ConflictType) String() string {
	if s, ok := conflictTypeNames[c]; ok {
		return s
	}

	return fmt.Sprintf("conflict(%d)", int(c))
}

// MarshalJSON encodes the conflict type by name.
func (c ConflictType) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

// UnmarshalJSON decodes a conflict type name.
func (c *ConflictType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	for k, v := range conflictTypeNames {
		if v == s {
			*c = k
			return nil
		}
	}

	return fmt.Errorf("unknown conflict type %q", s)
}

// Resolution is the policy chosen to settle a standing conflict.
type Resolution int

const (
	ResolutionUnresolved Resolution = iota
	ResolutionPreferLocal
	ResolutionPreferRemote
)

var resolutionNames = map[Resolution]string{
	ResolutionUnresolved:   "unresolved",
	ResolutionPreferLocal:  "prefer_local",
	ResolutionPreferRemote: "prefer_remote",
}

func (r Resolution) String() string {
	if s, ok := resolutionNames[r]; ok {
		return s
	}

	return fmt.Sprintf("resolution(%d)", int(r))
}

// ParseResolution accepts the canonical names plus the short forms
// "local" and "remote".
func ParseResolution(s string) (Resolution, error) {
	switch s {
	case "local", "prefer_local":
		return ResolutionPreferLocal, nil
	case "remote", "prefer_remote":
		return ResolutionPreferRemote, nil
	case "unresolved":
		return ResolutionUnresolved, nil
	}

	return ResolutionUnresolved, fmt.Errorf("unknown resolution %q", s)
}

// MarshalJSON encodes the resolution by name.
func (r Resolution) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

// UnmarshalJSON decodes a resolution name.
func (r *Resolution) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	v, err := ParseResolution(s)
	if err != nil {
		return err
	}

	*r = v

	return nil
}

// Action is what the engine did (or decided) for one resource.
type Action int

const (
	ActionNone Action = iota
	ActionDownload
	ActionUpload
	ActionCreateLocalDir
	ActionCreateRemoteDir
	ActionDeleteLocal
	ActionDeleteRemote
	ActionDropRecord
	ActionConflict
)

var actionNames = map[Action]string{
	ActionNone:            "none",
	ActionDownload:        "download",
	ActionUpload:          "upload",
	ActionCreateLocalDir:  "create_local_dir",
	ActionCreateRemoteDir: "create_remote_dir",
	ActionDeleteLocal:     "delete_local",
	ActionDeleteRemote:    "delete_remote",
	ActionDropRecord:      "drop_record",
	ActionConflict:        "conflict",
}

func (a Action) String() string {
	if s, ok := actionNames[a]; ok {
		return s
	}

	return fmt.Sprintf("action(%d)", int(a))
}

// MarshalJSON encodes the action by name.
func (a Action) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON decodes an action name.
func (a *Action) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	for k, v := range actionNames {
		if v == s {
			*a = k
			return nil
		}
	}

	return fmt.Errorf("unknown action %q", s)
}
