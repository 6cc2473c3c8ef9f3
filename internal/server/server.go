// Package server is the HTTP bridge to a connected logger.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/vitaminmoo/pmlog/internal/ble"
	"github.com/vitaminmoo/pmlog/internal/logstream"
	"github.com/vitaminmoo/pmlog/internal/ota"
	"github.com/vitaminmoo/pmlog/internal/protocol"
	"github.com/vitaminmoo/pmlog/internal/store"
)

// Device is the part of api.Client the bridge needs.
type Device interface {
	Connected() bool
	Address() string
	Latest() (protocol.Record, bool)
	LatestLog() (logstream.Log, bool)
	FetchLog(ctx context.Context) (logstream.Log, error)
	Send(ctx context.Context, name string) error
	UpdateFirmware(ctx context.Context, firmware []byte, progress func(ota.Progress)) error
	OTAPhase() ota.Phase
}

// maxUpload bounds firmware bodies accepted by POST /api/firmware.
const maxUpload = 16 << 20

// Options configures optional parts of the server.
type Options struct {
	// Store archives logs fetched over HTTP when set.
	Store *store.Store
	// Gatherer backs /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer
	// OnLog is called with every log fetched over HTTP.
	OnLog func(logstream.Log)
	// OnOTA receives the progress of updates started over HTTP.
	OnOTA func(ota.Progress)
}

// Server serves the REST API, the websocket feed and metrics.
type Server struct {
	dev      Device
	opts     Options
	hub      *Hub
	upgrader websocket.Upgrader
	router   chi.Router
	server   *http.Server

	// ctx outlives requests; firmware updates run under it.
	ctx    context.Context
	cancel context.CancelFunc

	// updating is held from the accepted upload until its transfer ends.
	updating atomic.Bool
}

func New(dev Device, opts Options) *Server {
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		dev:  dev,
		opts: opts,
		hub:  NewHub(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		router: chi.NewRouter(),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.setupRoutes()
	s.server = &http.Server{
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(requestLogger)
	s.router.Use(middleware.Recoverer)

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		ExposedHeaders: []string{"Content-Disposition"},
		MaxAge:         300,
	}))

	s.router.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.Get("/status", s.handleStatus)
		r.Get("/telemetry", s.handleTelemetry)
		r.Get("/logs/latest", s.handleLatestLog)
		r.Post("/logs/fetch", s.handleFetchLog)
		r.Post("/commands/{name}", s.handleCommand)
		r.Get("/firmware", s.handleFirmwareStatus)
		r.Post("/firmware", s.handleFirmware)
	})
	s.router.Get("/ws", s.handleWebSocket)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Hub returns the websocket hub.
func (s *Server) Hub() *Hub { return s.hub }

// ListenAndServe starts the server.
func (s *Server) ListenAndServe(addr string) error {
	s.server.Addr = addr
	log.Info().Str("addr", addr).Msg("Starting HTTP bridge")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	s.hub.Close()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	_, hasTelemetry := s.dev.Latest()
	_, hasLog := s.dev.LatestLog()
	writeJSON(w, http.StatusOK, map[string]any{
		"connected":     s.dev.Connected(),
		"address":       s.dev.Address(),
		"has_telemetry": hasTelemetry,
		"has_log":       hasLog,
		"ws_clients":    s.hub.Len(),
	})
}

func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.dev.Latest()
	if !ok {
		writeError(w, http.StatusNotFound, "no telemetry yet")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleLatestLog(w http.ResponseWriter, r *http.Request) {
	l, ok := s.dev.LatestLog()
	if !ok {
		writeError(w, http.StatusNotFound, "no log fetched yet")
		return
	}
	writeLog(w, l)
}

func (s *Server) handleFetchLog(w http.ResponseWriter, r *http.Request) {
	l, err := s.dev.FetchLog(r.Context())
	if err != nil {
		writeDeviceError(w, err)
		return
	}
	if s.opts.Store != nil && !l.Empty() {
		hash, _, err := s.opts.Store.Import(l.Data, store.NewSource("http", s.dev.Address(), ""))
		if err != nil {
			log.Warn().Err(err).Msg("Failed to archive log")
		} else {
			w.Header().Set("X-Content-Hash", hash)
		}
	}
	if s.opts.OnLog != nil {
		s.opts.OnLog(l)
	}
	s.hub.Broadcast(Event{Type: "log", Data: map[string]any{"size": len(l.Data)}})
	writeLog(w, l)
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.dev.Send(r.Context(), name); err != nil {
		writeDeviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent", "command": name})
}

// otaEvent is the websocket form of ota.Progress.
type otaEvent struct {
	Session   string `json:"session"`
	Phase     string `json:"phase"`
	Sector    int    `json:"sector"`
	Sectors   int    `json:"sectors"`
	BytesSent int64  `json:"bytes_sent"`
	Total     int64  `json:"total"`
	Error     string `json:"error,omitempty"`
}

func (s *Server) handleFirmwareStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"phase": s.dev.OTAPhase().String()})
}

// handleFirmware starts an update with the request body as the image and
// returns at once. Progress goes to websocket clients as "ota" events.
func (s *Server) handleFirmware(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxUpload+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	switch {
	case len(data) == 0:
		writeError(w, http.StatusBadRequest, protocol.ErrEmptyFirmware.Error())
		return
	case len(data) > maxUpload:
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("firmware larger than %d bytes", maxUpload))
		return
	case !s.dev.Connected():
		writeDeviceError(w, ble.ErrNotConnected)
		return
	case s.dev.OTAPhase() != ota.Idle || !s.updating.CompareAndSwap(false, true):
		writeError(w, http.StatusConflict, ota.ErrBusy.Error())
		return
	}

	go func() {
		defer s.updating.Store(false)
		if err := s.dev.UpdateFirmware(s.ctx, data, s.reportOTA); err != nil {
			log.Error().Err(err).Int("bytes", len(data)).Msg("Firmware update failed")
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]int{
		"size":    len(data),
		"sectors": protocol.SectorCount(len(data)),
	})
}

func (s *Server) reportOTA(p ota.Progress) {
	ev := otaEvent{
		Session:   p.Session.String(),
		Phase:     p.Phase.String(),
		Sector:    p.Sector,
		Sectors:   p.Sectors,
		BytesSent: p.BytesSent,
		Total:     p.Total,
	}
	if p.Err != nil {
		ev.Error = p.Err.Error()
	}
	s.hub.Broadcast(Event{Type: "ota", Data: ev})
	if s.opts.OnOTA != nil {
		s.opts.OnOTA(p)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}
	s.hub.Add(conn)
	if rec, ok := s.dev.Latest(); ok {
		s.hub.Send(conn, Event{Type: "telemetry", Data: rec})
	}

	// Reads only detect the close.
	go func() {
		defer s.hub.Remove(conn)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()
}

func writeLog(w http.ResponseWriter, l logstream.Log) {
	w.Header().Set("Content-Type", protocol.LogContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+protocol.LogFileName+`"`)
	w.WriteHeader(http.StatusOK)
	w.Write(l.Data)
}

func writeDeviceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ble.ErrNotConnected), errors.Is(err, ble.ErrDisconnected):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	default:
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to write response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("took", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
