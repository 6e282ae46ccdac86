package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wricardo/livetrack/tracking/broadcast"
	"github.com/wricardo/livetrack/tracking/service"
	"github.com/wricardo/livetrack/tracking/session"
	"github.com/wricardo/livetrack/transport/websocket"
)

// MockTrackerService implements service.TrackerService for testing
type MockTrackerService struct {
	CreateSessionFunc  func(ctx context.Context, name, status string) (*service.Session, error)
	UpdateStatusFunc   func(ctx context.Context, code, status string) (*service.Session, error)
	ReportLocationFunc func(ctx context.Context, code string, lat, lng float64) (*service.PositionRecord, error)
	GetLatestFunc      func(ctx context.Context, code string) (*service.Snapshot, error)
	DistanceFromFunc   func(ctx context.Context, code string, lat, lng float64) (float64, error)
}

func (m *MockTrackerService) CreateSession(ctx context.Context, name, status string) (*service.Session, error) {
	if m.CreateSessionFunc != nil {
		return m.CreateSessionFunc(ctx, name, status)
	}
	return &service.Session{Code: "1234", Name: name, Status: status}, nil
}

func (m *MockTrackerService) UpdateStatus(ctx context.Context, code, status string) (*service.Session, error) {
	if m.UpdateStatusFunc != nil {
		return m.UpdateStatusFunc(ctx, code, status)
	}
	return &service.Session{Code: code, Status: status}, nil
}

func (m *MockTrackerService) ReportLocation(ctx context.Context, code string, lat, lng float64) (*service.PositionRecord, error) {
	if m.ReportLocationFunc != nil {
		return m.ReportLocationFunc(ctx, code, lat, lng)
	}
	return &service.PositionRecord{Lat: lat, Lng: lng}, nil
}

func (m *MockTrackerService) GetLatest(ctx context.Context, code string) (*service.Snapshot, error) {
	if m.GetLatestFunc != nil {
		return m.GetLatestFunc(ctx, code)
	}
	return &service.Snapshot{}, nil
}

func (m *MockTrackerService) DistanceFrom(ctx context.Context, code string, lat, lng float64) (float64, error) {
	if m.DistanceFromFunc != nil {
		return m.DistanceFromFunc(ctx, code, lat, lng)
	}
	return 0, nil
}

func (m *MockTrackerService) Join(string, broadcast.Channel)  {}
func (m *MockTrackerService) Leave(string, broadcast.Channel) {}
func (m *MockTrackerService) Disconnect(broadcast.Channel)    {}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T) (*Server, service.TrackerService) {
	t.Helper()
	store := session.NewMemoryStore()
	registry := broadcast.NewRegistry()
	tracker := service.NewTrackerService(
		store,
		session.NewAllocator(store),
		broadcast.NewEngine(registry, discardLogger()),
		registry,
		service.Options{Logger: discardLogger()},
	)
	hub := websocket.NewHub(tracker, 8, discardLogger())
	t.Cleanup(hub.Close)
	return NewServer(tracker, hub, discardLogger()), tracker
}

func doJSON(t *testing.T, h http.Handler, method, path string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), "body: %s", rec.Body.String())
	return rec, out
}

func TestOwnerFlow(t *testing.T) {
	srv, _ := newTestServer(t)

	rec, out := doJSON(t, srv, "POST", "/generate", map[string]string{"name": "Van 1"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, out["ok"])
	code, _ := out["code"].(string)
	require.Len(t, code, 4)

	rec, out = doJSON(t, srv, "POST", "/status", map[string]string{"code": code, "status": "en route"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, out["ok"])

	rec, _ = doJSON(t, srv, "POST", "/location", map[string]interface{}{"code": code, "lat": 12.97, "lng": 77.59})
	require.Equal(t, http.StatusOK, rec.Code)

	rec, out = doJSON(t, srv, "GET", "/latest/"+code, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	latest, ok := out["latest"].(map[string]interface{})
	require.True(t, ok, "latest: %v", out["latest"])
	assert.Equal(t, 12.97, latest["lat"])
	assert.Equal(t, 77.59, latest["lng"])
	assert.NotEmpty(t, latest["ts"])

	owner, ok := out["owner"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "Van 1", owner["name"])
	assert.Equal(t, "en route", owner["status"])

	rec, out = doJSON(t, srv, "GET", "/distance/"+code+"?lat=12.97&lng=77.59", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.InDelta(t, 0, out["km"], 1e-9)
}

func TestGenerateDefaults(t *testing.T) {
	srv, tracker := newTestServer(t)

	rec, out := doJSON(t, srv, "POST", "/generate", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	snap, err := tracker.GetLatest(context.Background(), out["code"].(string))
	require.NoError(t, err)
	require.NotNil(t, snap.Session)
	assert.Equal(t, service.DefaultSessionName, snap.Session.Name)
	assert.Equal(t, service.DefaultStatus, snap.Session.Status)
}

func TestFormBodies(t *testing.T) {
	srv, tracker := newTestServer(t)

	form := url.Values{"name": {"Bike"}, "status": {"waiting"}}
	req := httptest.NewRequest("POST", "/generate", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	code := out["code"].(string)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("code", code))
	require.NoError(t, mw.WriteField("lat", "-33.8688"))
	require.NoError(t, mw.WriteField("lng", "151.2093"))
	require.NoError(t, mw.Close())

	req = httptest.NewRequest("POST", "/location", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	snap, err := tracker.GetLatest(context.Background(), code)
	require.NoError(t, err)
	require.NotNil(t, snap.Latest)
	assert.Equal(t, -33.8688, snap.Latest.Lat)
	assert.Equal(t, "waiting", snap.Session.Status)
}

func TestLocationAcceptsStringCoordinates(t *testing.T) {
	srv, _ := newTestServer(t)
	_, out := doJSON(t, srv, "POST", "/generate", nil)
	code := out["code"].(string)

	rec, _ := doJSON(t, srv, "POST", "/location", map[string]string{"code": code, "lat": "0", "lng": "0"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestValidationErrors(t *testing.T) {
	srv, _ := newTestServer(t)
	_, out := doJSON(t, srv, "POST", "/generate", nil)
	code := out["code"].(string)

	tests := []struct {
		name   string
		path   string
		body   interface{}
		status int
	}{
		{"status missing code", "/status", map[string]string{"status": "x"}, http.StatusBadRequest},
		{"status missing status", "/status", map[string]string{"code": code}, http.StatusBadRequest},
		{"status unknown session", "/status", map[string]string{"code": "0000", "status": "x"}, http.StatusNotFound},
		{"location missing lng", "/location", map[string]interface{}{"code": code, "lat": 1}, http.StatusBadRequest},
		{"location not a number", "/location", map[string]interface{}{"code": code, "lat": "north", "lng": 1}, http.StatusBadRequest},
		{"location out of range", "/location", map[string]interface{}{"code": code, "lat": 91, "lng": 0}, http.StatusBadRequest},
		{"location unknown session", "/location", map[string]interface{}{"code": "0000", "lat": 1, "lng": 1}, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, out := doJSON(t, srv, "POST", tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, false, out["ok"])
			assert.NotEmpty(t, out["error"])
		})
	}
}

func TestMalformedJSON(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest("POST", "/status", strings.NewReader("{"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLatestUnknownCode(t *testing.T) {
	srv, _ := newTestServer(t)

	rec, out := doJSON(t, srv, "GET", "/latest/9999", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, out["ok"])
	assert.Nil(t, out["latest"])
	assert.Nil(t, out["owner"])
}

func TestDistanceErrors(t *testing.T) {
	srv, _ := newTestServer(t)
	_, out := doJSON(t, srv, "POST", "/generate", nil)
	code := out["code"].(string)

	rec, _ := doJSON(t, srv, "GET", "/distance/"+code+"?lat=1&lng=1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "no position yet")

	rec, _ = doJSON(t, srv, "GET", "/distance/0000?lat=1&lng=1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = doJSON(t, srv, "GET", "/distance/"+code+"?lat=abc&lng=1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStoreUnavailable(t *testing.T) {
	mock := &MockTrackerService{
		GetLatestFunc: func(ctx context.Context, code string) (*service.Snapshot, error) {
			return nil, fmt.Errorf("%w: deadline exceeded", service.ErrStoreUnavailable)
		},
		CreateSessionFunc: func(ctx context.Context, name, status string) (*service.Session, error) {
			return nil, service.ErrExhaustedCodespace
		},
	}
	srv := NewServer(mock, nil, discardLogger())

	rec, out := doJSON(t, srv, "GET", "/latest/1234", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Equal(t, false, out["ok"])

	rec, _ = doJSON(t, srv, "POST", "/generate", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Empty(t, rec.Header().Get("Retry-After"))
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, statusFor(fmt.Errorf("wrap: %w", service.ErrInvalidCoordinate)))
	assert.Equal(t, http.StatusNotFound, statusFor(service.ErrUnknownSession))
	assert.Equal(t, http.StatusNotFound, statusFor(service.ErrNoPosition))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(service.ErrStoreUnavailable))
	assert.Equal(t, http.StatusInternalServerError, statusFor(io.ErrUnexpectedEOF))
}

func TestHealth(t *testing.T) {
	srv := NewServer(&MockTrackerService{}, nil, nil)
	rec, out := doJSON(t, srv, "GET", "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", out["status"])
}

func TestMethodNotAllowed(t *testing.T) {
	srv := NewServer(&MockTrackerService{}, nil, discardLogger())
	req := httptest.NewRequest("GET", "/generate", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
