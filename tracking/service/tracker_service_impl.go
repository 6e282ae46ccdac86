package service

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/wricardo/livetrack/tracking/broadcast"
	"github.com/wricardo/livetrack/tracking/geo"
)

const (
	// DefaultStoreTimeout bounds each store call.
	DefaultStoreTimeout = 5 * time.Second

	// DefaultCreateAttempts bounds how often CreateSession asks for a new code
	// after losing an insert race.
	DefaultCreateAttempts = 3

	// writeStripes is the number of write locks shared by all session codes.
	writeStripes = 256
)

var tracer = otel.Tracer("github.com/wricardo/livetrack/tracking/service")

// Options tunes a TrackerService. Zero values pick the defaults.
type Options struct {
	StoreTimeout   time.Duration
	CreateAttempts int
	Logger         *slog.Logger
}

// trackerServiceImpl implements the TrackerService interface
type trackerServiceImpl struct {
	store     SessionStore
	allocator CodeAllocator
	publisher Publisher
	subs      Subscriptions

	storeTimeout   time.Duration
	createAttempts int
	logger         *slog.Logger

	// writeLocks serializes write+publish per session code. Codes share a
	// stripe by hash, so lock state does not grow with the codes callers send.
	writeLocks [writeStripes]sync.Mutex
}

// NewTrackerService creates a new tracker service instance
func NewTrackerService(store SessionStore, allocator CodeAllocator, publisher Publisher, subs Subscriptions, opts Options) TrackerService {
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = DefaultStoreTimeout
	}
	if opts.CreateAttempts <= 0 {
		opts.CreateAttempts = DefaultCreateAttempts
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &trackerServiceImpl{
		store:          store,
		allocator:      allocator,
		publisher:      publisher,
		subs:           subs,
		storeTimeout:   opts.StoreTimeout,
		createAttempts: opts.CreateAttempts,
		logger:         opts.Logger.With("component", "tracker"),
	}
}

// CreateSession allocates a code and creates a session under it.
func (s *trackerServiceImpl) CreateSession(ctx context.Context, name, status string) (_ *Session, err error) {
	ctx, span := tracer.Start(ctx, "TrackerService.CreateSession")
	defer func() { endSpan(span, err) }()

	name = strings.TrimSpace(name)
	if name == "" {
		name = DefaultSessionName
	}
	status = strings.TrimSpace(status)
	if status == "" {
		status = DefaultStatus
	}

	for attempt := 1; attempt <= s.createAttempts; attempt++ {
		sess, err := s.tryCreate(ctx, name, status)
		if errors.Is(err, ErrDuplicateCode) {
			s.logger.Warn("session code taken between check and insert, retrying",
				"attempt", attempt)
			continue
		}
		if err != nil {
			return nil, err
		}

		span.SetAttributes(attribute.String("session.code", sess.Code))
		s.logger.Info("session created", "code", sess.Code, "name", sess.Name)
		return sess, nil
	}

	return nil, ErrExhaustedCodespace
}

func (s *trackerServiceImpl) tryCreate(ctx context.Context, name, status string) (*Session, error) {
	sctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	code, err := s.allocator.Allocate(sctx)
	if err != nil {
		return nil, storeErr(err)
	}

	sess, err := s.store.CreateSession(sctx, code, name, status)
	if err != nil {
		return nil, storeErr(err)
	}
	return sess, nil
}

// UpdateStatus overwrites the session status and publishes it.
func (s *trackerServiceImpl) UpdateStatus(ctx context.Context, code, status string) (_ *Session, err error) {
	code = strings.TrimSpace(code)
	ctx, span := tracer.Start(ctx, "TrackerService.UpdateStatus",
		trace.WithAttributes(attribute.String("session.code", code)))
	defer func() { endSpan(span, err) }()

	if code == "" {
		return nil, ErrUnknownSession
	}

	unlock := s.lockCode(code)
	defer unlock()

	sctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	sess, err := s.store.SetStatus(sctx, code, status)
	if err != nil {
		return nil, storeErr(err)
	}

	update := StatusUpdate{Status: sess.Status}
	if sess.StatusUpdatedAt != nil {
		update.UpdatedAt = *sess.StatusUpdatedAt
	}
	delivered := s.publisher.Publish(code, broadcast.KindStatus, update)
	span.SetAttributes(attribute.Int("fanout.delivered", delivered))
	s.logger.Debug("status published", "code", code, "status", sess.Status, "delivered", delivered)

	return sess, nil
}

// ReportLocation appends a position and publishes it.
func (s *trackerServiceImpl) ReportLocation(ctx context.Context, code string, lat, lng float64) (_ *PositionRecord, err error) {
	code = strings.TrimSpace(code)
	ctx, span := tracer.Start(ctx, "TrackerService.ReportLocation",
		trace.WithAttributes(attribute.String("session.code", code)))
	defer func() { endSpan(span, err) }()

	if err := geo.Validate(lat, lng); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCoordinate, err)
	}
	if code == "" {
		return nil, ErrUnknownSession
	}

	unlock := s.lockCode(code)
	defer unlock()

	sctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	rec, err := s.store.AppendPosition(sctx, code, lat, lng)
	if err != nil {
		return nil, storeErr(err)
	}

	delivered := s.publisher.Publish(code, broadcast.KindLocation, *rec)
	span.SetAttributes(attribute.Int("fanout.delivered", delivered))
	s.logger.Debug("location published", "code", code, "delivered", delivered)

	return rec, nil
}

// GetLatest returns the latest position and session metadata. Unknown codes
// yield an empty snapshot, not an error.
func (s *trackerServiceImpl) GetLatest(ctx context.Context, code string) (_ *Snapshot, err error) {
	code = strings.TrimSpace(code)
	ctx, span := tracer.Start(ctx, "TrackerService.GetLatest",
		trace.WithAttributes(attribute.String("session.code", code)))
	defer func() { endSpan(span, err) }()

	if code == "" {
		return &Snapshot{}, nil
	}

	sctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	rec, sess, err := s.store.Latest(sctx, code)
	if err != nil {
		return nil, storeErr(err)
	}
	return &Snapshot{Latest: rec, Session: sess}, nil
}

// DistanceFrom returns the distance in km between the session's latest
// position and the given point.
func (s *trackerServiceImpl) DistanceFrom(ctx context.Context, code string, lat, lng float64) (_ float64, err error) {
	ctx, span := tracer.Start(ctx, "TrackerService.DistanceFrom",
		trace.WithAttributes(attribute.String("session.code", strings.TrimSpace(code))))
	defer func() { endSpan(span, err) }()

	if err := geo.Validate(lat, lng); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidCoordinate, err)
	}

	snap, err := s.GetLatest(ctx, code)
	if err != nil {
		return 0, err
	}
	if snap.Session == nil {
		return 0, ErrUnknownSession
	}
	if snap.Latest == nil {
		return 0, ErrNoPosition
	}

	return geo.DistanceKm(
		geo.Point{Lat: snap.Latest.Lat, Lng: snap.Latest.Lng},
		geo.Point{Lat: lat, Lng: lng},
	), nil
}

// Join subscribes ch to code.
func (s *trackerServiceImpl) Join(code string, ch broadcast.Channel) {
	code = strings.TrimSpace(code)
	if code == "" || ch == nil {
		return
	}
	s.subs.Join(code, ch)
	s.logger.Debug("channel joined", "code", code, "channel", ch.ID())
}

// Leave unsubscribes ch from code.
func (s *trackerServiceImpl) Leave(code string, ch broadcast.Channel) {
	if ch == nil {
		return
	}
	s.subs.Leave(strings.TrimSpace(code), ch)
}

// Disconnect removes ch from every code it joined.
func (s *trackerServiceImpl) Disconnect(ch broadcast.Channel) {
	if ch == nil {
		return
	}
	left := s.subs.LeaveAll(ch)
	s.logger.Debug("channel disconnected", "channel", ch.ID(), "rooms", left)
}

func (s *trackerServiceImpl) lockCode(code string) func() {
	mu := &s.writeLocks[stripeFor(code)]
	mu.Lock()
	return mu.Unlock
}

// stripeFor picks the write lock for code (FNV-1a).
func stripeFor(code string) int {
	h := fnv.New32a()
	h.Write([]byte(code))
	return int(h.Sum32() % writeStripes)
}

// storeErr maps a store deadline to ErrStoreUnavailable and passes every other
// error through unchanged.
func storeErr(err error) error {
	if err == nil || errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return err
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
