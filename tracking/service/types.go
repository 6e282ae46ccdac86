package service

import (
	"time"
)

const (
	// DefaultSessionName is used when a session is created without a name.
	DefaultSessionName = "owner"

	// DefaultStatus is the status of a freshly created session.
	DefaultStatus = "created"
)

// Session is the metadata of one tracked owner.
type Session struct {
	Code            string     `json:"code"`
	Name            string     `json:"name"`
	CreatedAt       time.Time  `json:"created_at"`
	Status          string     `json:"status"`
	StatusUpdatedAt *time.Time `json:"status_updated_at,omitempty"`
}

// Clone returns a copy that shares no pointers with s.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.StatusUpdatedAt != nil {
		t := *s.StatusUpdatedAt
		c.StatusUpdatedAt = &t
	}
	return &c
}

// PositionRecord is one entry of a session's location log.
type PositionRecord struct {
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Timestamp time.Time `json:"ts"`
}

// StatusUpdate is the payload published on a status change.
type StatusUpdate struct {
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"status_updated_at"`
}

// Snapshot is the latest known state of a session. Either field is nil when
// absent.
type Snapshot struct {
	Latest  *PositionRecord `json:"latest"`
	Session *Session        `json:"owner"`
}
