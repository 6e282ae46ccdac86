package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/wricardo/livetrack/tracking/geo"
	"github.com/wricardo/livetrack/tracking/service"
)

// partition is one session's metadata and position log.
type partition struct {
	mu        sync.RWMutex
	session   service.Session
	positions []service.PositionRecord
}

// MemoryStore implements service.SessionStore in process memory.
type MemoryStore struct {
	partitions sync.Map // code -> *partition
	now        func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now}
}

// CreateSession inserts a new session partition if code is free.
func (m *MemoryStore) CreateSession(ctx context.Context, code, name, status string) (*service.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if code == "" {
		return nil, errors.New("session code is required")
	}

	p := &partition{
		session: service.Session{
			Code:      code,
			Name:      name,
			CreatedAt: m.now().UTC(),
			Status:    status,
		},
	}
	if _, loaded := m.partitions.LoadOrStore(code, p); loaded {
		return nil, service.ErrDuplicateCode
	}

	return p.session.Clone(), nil
}

// Exists reports whether code has a partition.
func (m *MemoryStore) Exists(ctx context.Context, code string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, ok := m.partitions.Load(code)
	return ok, nil
}

// SetStatus overwrites the session's status.
func (m *MemoryStore) SetStatus(ctx context.Context, code, status string) (*service.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, ok := m.partition(code)
	if !ok {
		return nil, service.ErrUnknownSession
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now := m.now().UTC()
	p.session.Status = status
	p.session.StatusUpdatedAt = &now
	return p.session.Clone(), nil
}

// AppendPosition appends a record to the session's log. Timestamps never go
// backwards within a session.
func (m *MemoryStore) AppendPosition(ctx context.Context, code string, lat, lng float64) (*service.PositionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := geo.Validate(lat, lng); err != nil {
		return nil, fmt.Errorf("%w: %v", service.ErrInvalidCoordinate, err)
	}
	p, ok := m.partition(code)
	if !ok {
		return nil, service.ErrUnknownSession
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ts := m.now().UTC()
	if n := len(p.positions); n > 0 && ts.Before(p.positions[n-1].Timestamp) {
		ts = p.positions[n-1].Timestamp
	}

	rec := service.PositionRecord{Lat: lat, Lng: lng, Timestamp: ts}
	p.positions = append(p.positions, rec)
	return &rec, nil
}

// Latest returns the newest record and the session metadata.
func (m *MemoryStore) Latest(ctx context.Context, code string) (*service.PositionRecord, *service.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	p, ok := m.partition(code)
	if !ok {
		return nil, nil, nil
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	var latest *service.PositionRecord
	if n := len(p.positions); n > 0 {
		rec := p.positions[n-1]
		latest = &rec
	}
	return latest, p.session.Clone(), nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error {
	return nil
}

func (m *MemoryStore) partition(code string) (*partition, bool) {
	v, ok := m.partitions.Load(code)
	if !ok {
		return nil, false
	}
	return v.(*partition), true
}
