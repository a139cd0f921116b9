// Package server exposes the core to the platform shell over a localhost
// HTTP bridge: collection reads, the check-in flow, and the location
// push/poll surface.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	shiftcore "github.com/christiancattaneo/shift-core"
	"github.com/christiancattaneo/shift-core/cache"
	"github.com/christiancattaneo/shift-core/checkin"
	"github.com/christiancattaneo/shift-core/collections"
	"github.com/christiancattaneo/shift-core/location"
	"github.com/christiancattaneo/shift-core/remote"
	"github.com/christiancattaneo/shift-core/telemetry"
)

// maxBodyBytes caps JSON request bodies on the bridge.
const maxBodyBytes = 1 << 20

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., "127.0.0.1:7777")
	Address string

	// AuthToken, when set, is required from clients as a Bearer token.
	// /healthz and /metrics stay open.
	AuthToken string

	// Cache backs /statusz and sign-out invalidation. Required.
	Cache *cache.Cache

	// Hub serves the collection endpoints. Required.
	Hub *collections.Hub

	// Tracker drives the location endpoints. Started and stopped with the
	// server. Required.
	Tracker *location.Tracker

	// Coordinator performs check-in attempts. Required.
	Coordinator *checkin.Coordinator

	// Bridge accepts the device fixes and authorization changes the shell
	// pushes. Optional; without it the push endpoints answer 409 and
	// GET /v1/location omits the flags.
	Bridge *location.BridgeSource

	// Reaper, when set, is started with the server and stopped on shutdown.
	Reaper *cache.Reaper

	// Logger for the server
	Logger *slog.Logger
}

// Server is the bridge HTTP server.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger

	// Components
	cache       *cache.Cache
	hub         *collections.Hub
	tracker     *location.Tracker
	coordinator *checkin.Coordinator
	bridge      *location.BridgeSource
	reaper      *cache.Reaper
}

// New creates a server over already constructed components.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = "127.0.0.1:7777"
	}
	if cfg.Cache == nil {
		return nil, errors.New("server: cache is required")
	}
	if cfg.Hub == nil {
		return nil, errors.New("server: hub is required")
	}
	if cfg.Tracker == nil {
		return nil, errors.New("server: tracker is required")
	}
	if cfg.Coordinator == nil {
		return nil, errors.New("server: coordinator is required")
	}

	s := &Server{
		config:      cfg,
		logger:      cfg.Logger,
		cache:       cfg.Cache,
		hub:         cfg.Hub,
		tracker:     cfg.Tracker,
		coordinator: cfg.Coordinator,
		bridge:      cfg.Bridge,
		reaper:      cfg.Reaper,
	}

	// Build HTTP server
	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.loggingMiddleware(s.authMiddleware(mux)),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second, // covers a one-shot fix wait plus the remote write
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Liveness and diagnostics
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /statusz", s.handleStatus)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	// Collection reads and cache control
	mux.HandleFunc("GET /v1/collections/{key}", s.handleCollection)
	mux.HandleFunc("POST /v1/collections/refresh", s.handleRefreshAll)
	mux.HandleFunc("DELETE /v1/collections", s.handleSignOut)

	// Check-in flow
	mux.HandleFunc("POST /v1/checkins", s.handleCheckIn)

	// Location state and the shell's push surface
	mux.HandleFunc("GET /v1/location", s.handleLocation)
	mux.HandleFunc("POST /v1/location/permission", s.handleRequestPermission)
	mux.HandleFunc("POST /v1/location/tracking", s.handleTracking)
	mux.HandleFunc("POST /v1/location/position", s.handlePushPosition)
	mux.HandleFunc("POST /v1/location/authorization", s.handlePushAuthorization)
}

// handleHealth handles liveness checks.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// statusResponse is the /statusz diagnostic snapshot.
type statusResponse struct {
	Collections   []cache.KeyStatus         `json:"collections"`
	TrackerState  location.State            `json:"tracker_state"`
	Authorization shiftcore.PermissionState `json:"authorization"`
}

// handleStatus reports per-collection cache freshness and the tracker state.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Collections:   s.cache.Stats(r.Context()),
		TrackerState:  s.tracker.State(),
		Authorization: s.tracker.Authorization(r.Context()),
	})
}

// collectionResponse carries a collection's records plus where they came
// from, so the UI can mark stale data.
type collectionResponse struct {
	Key     shiftcore.CollectionKey `json:"key"`
	Source  collections.Source      `json:"source"`
	Records any                     `json:"records"`
}

func (s *Server) handleCollection(w http.ResponseWriter, r *http.Request) {
	key, err := shiftcore.ParseCollectionKey(r.PathValue("key"))
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown_collection", err.Error())
		return
	}

	telemetry.SetEndpoint(r, "collections")
	telemetry.SetCollection(r, key.String())

	force := false
	if v := r.URL.Query().Get("refresh"); v != "" {
		force, _ = strconv.ParseBool(v)
	}

	records, src, err := s.hub.Fetch(r.Context(), key, force)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	telemetry.SetCacheResult(r, cacheResultFor(src, force))
	writeJSON(w, http.StatusOK, collectionResponse{Key: key, Source: src, Records: records})
}

func (s *Server) handleRefreshAll(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "collections")

	if err := s.hub.RefreshAll(r.Context()); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "refreshed"})
}

// handleSignOut evicts every cached collection. The shell calls this when
// the user signs out; nothing user-scoped may survive it.
func (s *Server) handleSignOut(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "collections")

	s.hub.InvalidateAll(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCheckIn(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "checkins")

	var intent shiftcore.CheckInIntent
	if err := decodeBody(w, r, &intent); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if err := intent.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_intent", err.Error())
		return
	}

	rec, err := s.coordinator.Attempt(r.Context(), intent)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// locationResponse is the tracker snapshot the UI polls.
type locationResponse struct {
	State         location.State            `json:"state"`
	Authorization shiftcore.PermissionState `json:"authorization"`
	LastPosition  *shiftcore.Position       `json:"last_position,omitempty"`
	Flags         *location.BridgeFlags     `json:"flags,omitempty"`
}

func (s *Server) handleLocation(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "location")

	resp := locationResponse{
		State:         s.tracker.State(),
		Authorization: s.tracker.Authorization(r.Context()),
	}
	if pos, ok := s.tracker.LastPosition(); ok {
		resp.LastPosition = &pos
	}
	if s.bridge != nil {
		flags := s.bridge.Flags()
		resp.Flags = &flags
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleRequestPermission asks for the OS prompt. 202: the answer arrives
// later as a pushed authorization change, never in this response.
func (s *Server) handleRequestPermission(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "location")

	if err := s.tracker.RequestPermission(r.Context()); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"state": string(s.tracker.State())})
}

func (s *Server) handleTracking(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "location")

	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}

	var err error
	if req.Enabled {
		err = s.tracker.StartUpdates(r.Context())
	} else {
		err = s.tracker.StopUpdates(r.Context())
	}
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": string(s.tracker.State())})
}

func (s *Server) handlePushPosition(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "location")

	if s.bridge == nil {
		writeError(w, http.StatusConflict, "no_bridge", "daemon is not running a bridge location source")
		return
	}

	var pos shiftcore.Position
	if err := decodeBody(w, r, &pos); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}

	s.bridge.PushPosition(pos)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handlePushAuthorization(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "location")

	if s.bridge == nil {
		writeError(w, http.StatusConflict, "no_bridge", "daemon is not running a bridge location source")
		return
	}

	var req struct {
		State string `json:"state"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	state, err := shiftcore.ParsePermissionState(req.State)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_state", err.Error())
		return
	}

	s.bridge.PushAuthorization(state)
	w.WriteHeader(http.StatusAccepted)
}

// errorBody is the JSON error envelope every non-2xx response carries.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// writeDomainError maps the typed error taxonomy onto HTTP statuses. Every
// branch carries a stable code the shell switches on.
func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		permErr   *checkin.PermissionRequiredError
		rangeErr  *checkin.OutOfRangeError
		locErr    *checkin.LocationUnavailableError
		wfErr     *checkin.WriteFailedError
		decodeErr *collections.DecodeError
		remoteErr *remote.Error
	)

	switch {
	case errors.As(err, &permErr):
		writeJSON(w, http.StatusForbidden, errorBody{
			Code:    "permission_required",
			Message: permErr.Error(),
			Detail:  string(permErr.State),
		})
	case errors.As(err, &rangeErr):
		writeJSON(w, http.StatusConflict, errorBody{
			Code:    "out_of_range",
			Message: rangeErr.Error(),
			Detail:  fmt.Sprintf("distance_meters=%.1f radius_meters=%.1f", rangeErr.DistanceMeters, rangeErr.RadiusMeters),
		})
	case errors.As(err, &locErr):
		writeError(w, http.StatusServiceUnavailable, "location_unavailable", locErr.Error())
	case errors.As(err, &wfErr):
		writeError(w, http.StatusBadGateway, "write_failed", wfErr.Error())
	case errors.Is(err, collections.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
	case errors.As(err, &decodeErr):
		writeError(w, http.StatusBadGateway, "decode_failed", decodeErr.Error())
	case errors.As(err, &remoteErr):
		writeJSON(w, http.StatusBadGateway, errorBody{
			Code:    "remote_error",
			Message: remoteErr.Error(),
			Detail:  fmt.Sprintf("upstream_status=%d", remoteErr.Status),
		})
	default:
		s.logger.Error("unmapped error", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

// cacheResultFor translates a fetch source into the cache-result vocabulary
// used by logs and metrics.
func cacheResultFor(src collections.Source, force bool) telemetry.CacheResult {
	switch src {
	case collections.SourceCache:
		return telemetry.CacheHit
	case collections.SourceStale:
		return telemetry.CacheStale
	default:
		if force {
			return telemetry.CacheBypass
		}
		return telemetry.CacheMiss
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Code: code, Message: message})
}

// decodeBody decodes a JSON request body, capped at maxBodyBytes.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(v)
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		// Inject request tags so handlers can set collection, cache_result,
		// endpoint.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)

		// Wrap response writer to capture status and bytes
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,
			"duration_ms", duration.Milliseconds(),
			"remote_addr", r.RemoteAddr,
		}

		// Add handler-set tags
		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if tags.Collection != "" {
			attrs = append(attrs, "collection", tags.Collection)
		}
		if tags.CacheResult != "" {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}

		s.logger.Info("http request", attrs...)

		// Record OTel metrics
		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start starts the tracker, the reaper when configured, and then the HTTP
// listener. Blocks until the listener closes.
func (s *Server) Start() error {
	if err := s.tracker.Start(context.Background()); err != nil {
		return fmt.Errorf("starting tracker: %w", err)
	}
	if s.reaper != nil {
		if err := s.reaper.Start(context.Background()); err != nil {
			return fmt.Errorf("starting reaper: %w", err)
		}
	}

	s.logger.Info("starting server", "address", s.config.Address)
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests, then stops the tracker and the reaper.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	err := s.httpServer.Shutdown(ctx)

	s.tracker.Stop()
	if s.reaper != nil {
		s.reaper.Stop()
	}
	return err
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// responseWriter wraps http.ResponseWriter to capture the status code and
// bytes written.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
