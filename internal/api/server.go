// Package api provides REST API access to decoded frames and device state.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"

	"sbd_decoder/internal/input"
	"sbd_decoder/internal/report"
	"sbd_decoder/internal/sbd"
	"sbd_decoder/internal/storage"
)

// Server provides REST API access to the frame archive, device state and
// the decoder itself.
type Server struct {
	pg          *storage.PostgresDB
	archive     *storage.Archive
	port        int
	authEnabled bool
	apiKeys     map[string]bool // Simple API key auth (when enabled).
}

// Config holds configuration for the API server.
type Config struct {
	Port        int
	AuthEnabled bool
	APIKeys     []string // List of valid API keys.
}

// NewServer creates a new API server. Either store may be nil; routes
// backed by a missing store answer 503.
func NewServer(pg *storage.PostgresDB, archive *storage.Archive, cfg Config) *Server {
	keys := make(map[string]bool)
	for _, k := range cfg.APIKeys {
		if k != "" {
			keys[k] = true
		}
	}

	return &Server{
		pg:          pg,
		archive:     archive,
		port:        cfg.Port,
		authEnabled: cfg.AuthEnabled,
		apiKeys:     keys,
	}
}

// Run starts the HTTP server.
func (s *Server) Run() error {
	r := chi.NewRouter()

	// Standard middleware.
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	// CORS for browser access.
	r.Use(corsMiddleware)

	// Optional authentication.
	if s.authEnabled {
		r.Use(s.authMiddleware)
	}

	r.Route("/api/v1", func(r chi.Router) {
		s.mountRoutes(r)
	})

	addr := ":" + itoa(s.port)
	log.WithField("addr", addr).Info("API server starting")
	if s.authEnabled {
		log.Info("authentication enabled, API key required")
	} else {
		log.Info("authentication disabled, open access")
	}

	return http.ListenAndServe(addr, r)
}

// Router returns the configured routes without the outer middleware, for
// embedding in other servers and for tests.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	if s.authEnabled {
		r.Use(s.authMiddleware)
	}

	s.mountRoutes(r)
	return r
}

func (s *Server) mountRoutes(r chi.Router) {
	// Health check (no stores required).
	r.Get("/health", s.handleHealth)

	// Device state endpoints.
	r.Get("/devices", s.handleListDevices)
	r.Get("/devices/{imei}", s.handleGetDevice)
	r.Get("/devices/{imei}/position", s.handleLatestPosition)
	r.Get("/devices/{imei}/track", s.handleTrack)

	// Frame archive endpoints.
	r.Get("/frames/recent", s.handleRecentFrames)
	r.Get("/frames/{id}", s.handleGetFrame)

	// The decoder as a service.
	r.Post("/decode", s.handleDecode)
}

// corsMiddleware adds CORS headers for browser access.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-API-Key")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// authMiddleware validates API key authentication.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Check X-API-Key header first.
		apiKey := r.Header.Get("X-API-Key")

		// Fall back to Authorization: Bearer <key>.
		if apiKey == "" {
			auth := r.Header.Get("Authorization")
			if strings.HasPrefix(auth, "Bearer ") {
				apiKey = strings.TrimPrefix(auth, "Bearer ")
			}
		}

		// Fall back to query parameter (for simple testing).
		if apiKey == "" {
			apiKey = r.URL.Query().Get("api_key")
		}

		if apiKey == "" {
			writeError(w, http.StatusUnauthorized, "API key required")
			return
		}

		if !s.apiKeys[apiKey] {
			writeError(w, http.StatusForbidden, "Invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// DeviceResponse is the JSON shape for device state.
type DeviceResponse struct {
	IMEI        string   `json:"imei"`
	FirstSeen   string   `json:"first_seen"`
	LastSeen    string   `json:"last_seen"`
	FrameCount  int      `json:"frame_count"`
	LastMsgType int16    `json:"last_msg_type"`
	LastBattery int16    `json:"last_battery"`
	LastTimer   int      `json:"last_timer"`
	LowPower    bool     `json:"low_power"`
	NeedsAck    bool     `json:"needs_ack"`
	LastLatEnc  int32    `json:"last_lat_enc"`
	LastLonEnc  int32    `json:"last_lon_enc"`
	LastLat     *float64 `json:"last_lat,omitempty"`
	LastLon     *float64 `json:"last_lon,omitempty"`
	RecHour     *int16   `json:"rec_hour,omitempty"`
	RecMinute   *int16   `json:"rec_minute,omitempty"`
}

func deviceToResponse(d *storage.Device) DeviceResponse {
	return DeviceResponse{
		IMEI:        d.IMEI,
		FirstSeen:   d.FirstSeen.UTC().Format(time.RFC3339),
		LastSeen:    d.LastSeen.UTC().Format(time.RFC3339),
		FrameCount:  d.FrameCount,
		LastMsgType: d.LastMsgType,
		LastBattery: d.LastBattery,
		LastTimer:   d.LastTimer,
		LowPower:    d.LowPower,
		NeedsAck:    d.NeedsAck,
		LastLatEnc:  d.LastLatEnc,
		LastLonEnc:  d.LastLonEnc,
		LastLat:     d.LastLat,
		LastLon:     d.LastLon,
		RecHour:     d.RecHour,
		RecMinute:   d.RecMinute,
	}
}

// PositionResponse is the JSON shape for a stored fix.
type PositionResponse struct {
	IMEI         string   `json:"imei"`
	ReceivedAt   string   `json:"received_at"`
	Source       string   `json:"source"`
	HistoryIndex int      `json:"history_index"`
	LatEnc       int32    `json:"lat_enc"`
	LonEnc       int32    `json:"lon_enc"`
	Latitude     *float64 `json:"latitude,omitempty"`
	Longitude    *float64 `json:"longitude,omitempty"`
}

func positionToResponse(p *storage.Position) PositionResponse {
	return PositionResponse{
		IMEI:         p.IMEI,
		ReceivedAt:   p.ReceivedAt.UTC().Format(time.RFC3339),
		Source:       p.Source,
		HistoryIndex: p.HistoryIndex,
		LatEnc:       p.LatEnc,
		LonEnc:       p.LonEnc,
		Latitude:     p.Latitude,
		Longitude:    p.Longitude,
	}
}

// FrameSummary is the JSON shape for archive listings.
type FrameSummary struct {
	ID           int64    `json:"id"`
	ReceivedAt   string   `json:"received_at"`
	DeviceID     string   `json:"device_id,omitempty"`
	RawLen       int      `json:"raw_len"`
	Version      uint8    `json:"version"`
	MsgType      uint8    `json:"msg_type"`
	LatEnc       int32    `json:"lat_enc"`
	LonEnc       int32    `json:"lon_enc"`
	Lat          *float64 `json:"lat,omitempty"`
	Lon          *float64 `json:"lon,omitempty"`
	BatteryCode  uint8    `json:"battery_code"`
	HistoryCount int      `json:"history_count"`
	NoteCount    int      `json:"note_count"`
}

func frameToSummary(f *storage.ArchivedFrame) FrameSummary {
	return FrameSummary{
		ID:           f.ID,
		ReceivedAt:   f.ReceivedAt.UTC().Format(time.RFC3339),
		DeviceID:     f.DeviceID,
		RawLen:       f.RawLen,
		Version:      f.Version,
		MsgType:      f.MsgType,
		LatEnc:       f.LatEnc,
		LonEnc:       f.LonEnc,
		Lat:          f.LatDeg,
		Lon:          f.LonDeg,
		BatteryCode:  f.BatteryCode,
		HistoryCount: f.HistoryLen,
		NoteCount:    f.NoteCount,
	}
}

// FrameDetail adds the raw bytes and the full decode result.
type FrameDetail struct {
	FrameSummary
	RawHex string          `json:"raw_hex"`
	Result json.RawMessage `json:"result"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	if s.pg == nil {
		writeError(w, http.StatusServiceUnavailable, "state store not configured")
		return
	}

	devices, err := s.pg.ListDevices(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	results := make([]DeviceResponse, 0, len(devices))
	for i := range devices {
		results = append(results, deviceToResponse(&devices[i]))
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	if s.pg == nil {
		writeError(w, http.StatusServiceUnavailable, "state store not configured")
		return
	}

	imei := chi.URLParam(r, "imei")
	device, err := s.pg.GetDevice(r.Context(), imei)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if device == nil {
		writeError(w, http.StatusNotFound, "Device not found")
		return
	}

	writeJSON(w, http.StatusOK, deviceToResponse(device))
}

func (s *Server) handleLatestPosition(w http.ResponseWriter, r *http.Request) {
	if s.pg == nil {
		writeError(w, http.StatusServiceUnavailable, "state store not configured")
		return
	}

	imei := chi.URLParam(r, "imei")
	pos, err := s.pg.LatestPosition(r.Context(), imei)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if pos == nil {
		writeError(w, http.StatusNotFound, "No position recorded")
		return
	}

	writeJSON(w, http.StatusOK, positionToResponse(pos))
}

func (s *Server) handleTrack(w http.ResponseWriter, r *http.Request) {
	if s.pg == nil {
		writeError(w, http.StatusServiceUnavailable, "state store not configured")
		return
	}

	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit")
		return
	}

	imei := chi.URLParam(r, "imei")
	track, err := s.pg.Track(r.Context(), imei, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	results := make([]PositionResponse, 0, len(track))
	for i := range track {
		results = append(results, positionToResponse(&track[i]))
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleRecentFrames(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		writeError(w, http.StatusServiceUnavailable, "archive not configured")
		return
	}

	limit, err := queryInt(r, "limit", 20)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit")
		return
	}

	frames, err := s.archive.RecentFrames(limit, r.URL.Query().Get("device"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	results := make([]FrameSummary, 0, len(frames))
	for i := range frames {
		results = append(results, frameToSummary(&frames[i]))
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleGetFrame(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid frame id")
		return
	}

	if s.archive == nil {
		writeError(w, http.StatusServiceUnavailable, "archive not configured")
		return
	}

	frame, err := s.archive.FrameByID(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if frame == nil {
		writeError(w, http.StatusNotFound, "Frame not found")
		return
	}

	writeJSON(w, http.StatusOK, FrameDetail{
		FrameSummary: frameToSummary(frame),
		RawHex:       frame.RawHex,
		Result:       json.RawMessage(frame.ResultJSON),
	})
}

// DecodeRequest is the request body for POST /decode.
type DecodeRequest struct {
	Hex    string  `json:"hex"`
	Mode   string  `json:"mode,omitempty"`  // ddmm (default), linear or raw.
	Scale  float64 `json:"scale,omitempty"` // 0 selects the mode default.
	Report bool    `json:"report,omitempty"`
}

// DecodeResponse carries the decode result and optionally the text report.
type DecodeResponse struct {
	Result *sbd.Result `json:"result"`
	Report string      `json:"report,omitempty"`
}

func (s *Server) handleDecode(w http.ResponseWriter, r *http.Request) {
	var req DecodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return
	}

	if req.Hex == "" {
		writeError(w, http.StatusBadRequest, "hex is required")
		return
	}

	raw, err := input.FromHex(req.Hex)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	modeName := req.Mode
	if modeName == "" {
		modeName = "ddmm"
	}
	codec, err := sbd.CodecFor(modeName, req.Scale)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := sbd.Decode(raw, codec)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp := DecodeResponse{Result: res}
	if req.Report {
		resp.Report = report.Render(res)
	}
	writeJSON(w, http.StatusOK, resp)
}

// Helper functions.

func queryInt(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func itoa(i int) string {
	return strconv.Itoa(i)
}
