package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/wricardo/livetrack/tracking/service"
	"github.com/wricardo/livetrack/transport/websocket"
)

// maxBodyBytes caps request bodies and multipart forms.
const maxBodyBytes = 1 << 20

// Server represents the REST API server
type Server struct {
	tracker service.TrackerService
	hub     *websocket.Hub
	router  *mux.Router
	logger  *slog.Logger
}

// NewServer creates a new API server
func NewServer(tracker service.TrackerService, hub *websocket.Hub, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		tracker: tracker,
		hub:     hub,
		router:  mux.NewRouter(),
		logger:  logger.With("component", "api"),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.router.Use(s.logRequests)

	// Owner operations
	s.router.HandleFunc("/generate", s.handleGenerate).Methods("POST")
	s.router.HandleFunc("/status", s.handleStatus).Methods("POST")
	s.router.HandleFunc("/location", s.handleLocation).Methods("POST")

	// Observer operations
	s.router.HandleFunc("/latest/{code}", s.handleLatest).Methods("GET")
	s.router.HandleFunc("/distance/{code}", s.handleDistance).Methods("GET")

	// WebSocket
	if s.hub != nil {
		s.router.HandleFunc("/ws", s.handleWebSocket)
	}

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request served",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start))
	})
}

// Response helpers
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondOK(w http.ResponseWriter, data map[string]interface{}) {
	if data == nil {
		data = map[string]interface{}{}
	}
	data["ok"] = true
	respondJSON(w, http.StatusOK, data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]interface{}{"ok": false, "error": message})
}

// respondServiceError maps tracker errors to HTTP statuses.
func (s *Server) respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	if service.IsRetryable(err) {
		w.Header().Set("Retry-After", "1")
	}
	respondError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidCoordinate):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrUnknownSession), errors.Is(err, service.ErrNoPosition):
		return http.StatusNotFound
	case errors.Is(err, service.ErrStoreUnavailable), errors.Is(err, service.ErrExhaustedCodespace):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Owner Handlers

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	f, err := readFields(w, r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	sess, err := s.tracker.CreateSession(r.Context(), f["name"], f["status"])
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}

	respondOK(w, map[string]interface{}{"code": sess.Code})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	f, err := readFields(w, r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	code, status := strings.TrimSpace(f["code"]), strings.TrimSpace(f["status"])
	if code == "" || status == "" {
		respondError(w, http.StatusBadRequest, "code & status required")
		return
	}

	if _, err := s.tracker.UpdateStatus(r.Context(), code, status); err != nil {
		s.respondServiceError(w, r, err)
		return
	}

	respondOK(w, nil)
}

func (s *Server) handleLocation(w http.ResponseWriter, r *http.Request) {
	f, err := readFields(w, r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	code := strings.TrimSpace(f["code"])
	if code == "" || strings.TrimSpace(f["lat"]) == "" || strings.TrimSpace(f["lng"]) == "" {
		respondError(w, http.StatusBadRequest, "code, lat, lng required")
		return
	}

	lat, lng, err := parseCoordinate(f["lat"], f["lng"])
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if _, err := s.tracker.ReportLocation(r.Context(), code, lat, lng); err != nil {
		s.respondServiceError(w, r, err)
		return
	}

	respondOK(w, nil)
}

// Observer Handlers

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	code := mux.Vars(r)["code"]

	snap, err := s.tracker.GetLatest(r.Context(), code)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}

	respondOK(w, map[string]interface{}{
		"latest": snap.Latest,
		"owner":  snap.Session,
	})
}

func (s *Server) handleDistance(w http.ResponseWriter, r *http.Request) {
	code := mux.Vars(r)["code"]
	query := r.URL.Query()

	lat, lng, err := parseCoordinate(query.Get("lat"), query.Get("lng"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	km, err := s.tracker.DistanceFrom(r.Context(), code, lat, lng)
	if err != nil {
		s.respondServiceError(w, r, err)
		return
	}

	respondOK(w, map[string]interface{}{"code": code, "km": km})
}

// WebSocket Handler

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.hub.ServeWS(w, r, r.URL.Query().Get("code"))
}

// Health check
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondOK(w, map[string]interface{}{"status": "healthy"})
}

// readFields flattens a JSON object, urlencoded form or multipart form into
// string values. Numbers in JSON bodies keep their literal text.
func readFields(w http.ResponseWriter, r *http.Request) (map[string]string, error) {
	fields := make(map[string]string)
	if r.Body == nil {
		return fields, nil
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/json":
		dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
		dec.UseNumber()

		var raw map[string]interface{}
		if err := dec.Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("invalid JSON body: %w", err)
		}
		for k, v := range raw {
			switch val := v.(type) {
			case string:
				fields[k] = val
			case json.Number:
				fields[k] = val.String()
			case bool:
				fields[k] = strconv.FormatBool(val)
			}
		}
		return fields, nil

	case "multipart/form-data":
		if err := r.ParseMultipartForm(maxBodyBytes); err != nil {
			return nil, fmt.Errorf("invalid form body: %w", err)
		}

	default:
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		if err := r.ParseForm(); err != nil {
			return nil, fmt.Errorf("invalid form body: %w", err)
		}
	}

	for k := range r.PostForm {
		fields[k] = r.PostForm.Get(k)
	}
	return fields, nil
}

func parseCoordinate(latText, lngText string) (float64, float64, error) {
	lat, err := strconv.ParseFloat(strings.TrimSpace(latText), 64)
	if err != nil {
		return 0, 0, errors.New("lat must be a number")
	}
	lng, err := strconv.ParseFloat(strings.TrimSpace(lngText), 64)
	if err != nil {
		return 0, 0, errors.New("lng must be a number")
	}
	return lat, lng, nil
}
