package service

import (
	"context"

	"github.com/wricardo/livetrack/tracking/broadcast"
)

// TrackerService defines every operation transports may invoke.
type TrackerService interface {
	// Session writes
	CreateSession(ctx context.Context, name, status string) (*Session, error)
	UpdateStatus(ctx context.Context, code, status string) (*Session, error)
	ReportLocation(ctx context.Context, code string, lat, lng float64) (*PositionRecord, error)

	// Reads
	GetLatest(ctx context.Context, code string) (*Snapshot, error)
	DistanceFrom(ctx context.Context, code string, lat, lng float64) (float64, error)

	// Membership
	Join(code string, ch broadcast.Channel)
	Leave(code string, ch broadcast.Channel)
	Disconnect(ch broadcast.Channel)
}

// SessionStore is the durable log: one append-only position sequence and one
// mutable status record per session code.
type SessionStore interface {
	// CreateSession inserts a session if the code is free, or fails with
	// ErrDuplicateCode.
	CreateSession(ctx context.Context, code, name, status string) (*Session, error)

	// Exists reports whether a session with code exists.
	Exists(ctx context.Context, code string) (bool, error)

	// SetStatus overwrites status and statusUpdatedAt. Last write wins.
	SetStatus(ctx context.Context, code, status string) (*Session, error)

	// AppendPosition appends a record stamped with the current time.
	AppendPosition(ctx context.Context, code string, lat, lng float64) (*PositionRecord, error)

	// Latest returns the most recent record and the session metadata; nil for
	// whichever is absent.
	Latest(ctx context.Context, code string) (*PositionRecord, *Session, error)

	Close() error
}

// CodeAllocator mints candidate session codes.
type CodeAllocator interface {
	Allocate(ctx context.Context) (string, error)
}

// Publisher pushes an accepted write to live observers.
type Publisher interface {
	Publish(code string, kind broadcast.EventKind, payload any) int
}

// Subscriptions tracks which channels observe which codes.
type Subscriptions interface {
	Join(code string, ch broadcast.Channel)
	Leave(code string, ch broadcast.Channel)
	LeaveAll(ch broadcast.Channel) []string
}
