package models

import "time"

// Resource is the metadata a remote store reports for one child of a
// listed directory. Name and Path are exactly what the server reported.
type Resource struct {
	Name        string    `json:"name"`
	Path        string    `json:"path"`
	IsDir       bool      `json:"is_dir"`
	ETag        string    `json:"etag,omitempty"`
	Size        int64     `json:"size"`
	ContentType string    `json:"content_type,omitempty"`
	ModifiedAt  time.Time `json:"modified_at,omitzero"`
}
