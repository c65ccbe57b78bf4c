// Package http exposes channels to listeners and operators over HTTP.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aposazhennikov/jukebox/audio"
	"github.com/aposazhennikov/jukebox/logger"
	"github.com/aposazhennikov/jukebox/radio"
	sentryhelper "github.com/aposazhennikov/jukebox/sentry_helper"
)

const wsWriteTimeout = 10 * time.Second

var (
	listenerCount = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jukebox_http_listeners",
			Help: "Number of connected listeners per channel and transport",
		},
		[]string{"channel", "transport"},
	)

	bytesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jukebox_http_bytes_sent_total",
			Help: "Total number of audio bytes sent to listeners",
		},
		[]string{"channel"},
	)

	controlRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jukebox_http_control_requests_total",
			Help: "Control requests by action and result",
		},
		[]string{"action", "result"},
	)
)

// Scheduler is the part of radio.Manager the server depends on.
type Scheduler interface {
	Command() radio.Command
	Channels() []radio.Status
	Done() <-chan struct{}
}

// Reloader rescans a track source.
type Reloader interface {
	Reload() error
}

// Server serves audio streams and the control API.
type Server struct {
	router    *mux.Router
	scheduler Scheduler
	command   radio.Command
	reloaders []Reloader
	upgrader  websocket.Upgrader

	defaultChannel string
	maxPending     int

	logger *slog.Logger
	sentry *sentryhelper.SentryHelper
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithSentry sets the helper used to report unexpected transport errors.
func WithSentry(h *sentryhelper.SentryHelper) Option {
	return func(s *Server) { s.sentry = h }
}

// WithDefaultChannel names the channel served by routes without a channel segment.
func WithDefaultChannel(name string) Option {
	return func(s *Server) { s.defaultChannel = name }
}

// WithListenerMaxPending caps the backlog of every listener created by the server.
func WithListenerMaxPending(n int) Option {
	return func(s *Server) { s.maxPending = n }
}

// WithReloader adds a track source refreshed by POST /api/reload.
func WithReloader(r Reloader) Option {
	return func(s *Server) { s.reloaders = append(s.reloaders, r) }
}

// NewServer creates the HTTP server.
func NewServer(scheduler Scheduler, opts ...Option) *Server {
	s := &Server{
		router:         mux.NewRouter(),
		scheduler:      scheduler,
		command:        scheduler.Command(),
		defaultChannel: "radio",
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 16384,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logger.WithComponent(s.logger, "http")
	if s.sentry == nil {
		s.sentry = sentryhelper.NewSentryHelper(false, s.logger)
	}

	s.setupRoutes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/healthz", s.healthzHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/readyz", s.readyzHandler).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	s.router.HandleFunc("/channels", s.channelsHandler).Methods(http.MethodGet)

	s.router.HandleFunc("/stream", s.streamHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/stream/{channel}", s.streamHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/ws", s.websocketHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/ws/{channel}", s.websocketHandler).Methods(http.MethodGet)

	s.router.HandleFunc("/api/reload", s.reloadHandler).Methods(http.MethodPost)
	s.router.HandleFunc("/api/{action:next|previous|rewind}", s.controlHandler).Methods(http.MethodPost)
	s.router.HandleFunc("/api/channels/{channel}/{action:next|previous|rewind}", s.controlHandler).Methods(http.MethodPost)

	s.router.NotFoundHandler = http.HandlerFunc(s.notFoundHandler)
}

func (s *Server) channelName(r *http.Request) string {
	if name := mux.Vars(r)["channel"]; name != "" {
		return name
	}
	return s.defaultChannel
}

func (s *Server) healthzHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// readyzHandler reports ready while the scheduler loop is running.
func (s *Server) readyzHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	select {
	case <-s.scheduler.Done():
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("scheduler stopped"))
	default:
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "Ready - %d channels", len(s.scheduler.Channels()))
	}
}

func (s *Server) channelsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"default":  s.defaultChannel,
		"channels": s.scheduler.Channels(),
	})
}

// streamHandler subscribes the client to a channel and writes every frame as it arrives.
func (s *Server) streamHandler(w http.ResponseWriter, r *http.Request) {
	name := s.channelName(r)

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	listener := audio.NewListener(audio.WithMaxPending(s.maxPending))
	defer listener.Close()

	if err := s.command.Register(r.Context(), name, listener); err != nil {
		s.commandError(w, name, "register", err)
		return
	}

	w.Header().Set("Content-Type", "audio/mpeg")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	listenerCount.WithLabelValues(name, "http").Inc()
	defer listenerCount.WithLabelValues(name, "http").Dec()

	log := logger.WithChannel(s.logger, name)
	logger.LogNetworkEvent(log, slog.LevelInfo, "Listener connected", listener.ID(), r.RemoteAddr,
		slog.String("transport", "http"))

	var total int64
	defer func() {
		logger.LogNetworkEvent(log, slog.LevelInfo, "Listener disconnected", listener.ID(), r.RemoteAddr,
			slog.Int64("bytes_sent", total),
			slog.Uint64("frames_dropped", listener.Dropped()))
	}()

	for {
		frame, err := listener.Next(r.Context())
		if err != nil {
			return
		}

		n, err := w.Write(frame)
		total += int64(n)
		bytesSent.WithLabelValues(name).Add(float64(n))
		if err != nil {
			s.writeError(name, listener.ID(), err)
			return
		}
		flusher.Flush()
	}
}

// websocketHandler sends one binary message per frame.
func (s *Server) websocketHandler(w http.ResponseWriter, r *http.Request) {
	name := s.channelName(r)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", slog.String("channel", name), slog.String("error", err.Error()))
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	readerDone := make(chan struct{})
	defer func() {
		cancel()
		conn.Close()
		<-readerDone
	}()

	// Incoming messages are only read to notice the close frame.
	go func() {
		defer close(readerDone)
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	listener := audio.NewListener(audio.WithMaxPending(s.maxPending))
	defer listener.Close()

	if err := s.command.Register(ctx, name, listener); err != nil {
		s.logger.Warn("Listener registration failed", slog.String("channel", name), slog.String("error", err.Error()))
		msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "channel unavailable")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		return
	}

	listenerCount.WithLabelValues(name, "websocket").Inc()
	defer listenerCount.WithLabelValues(name, "websocket").Dec()

	log := logger.WithChannel(s.logger, name)
	logger.LogNetworkEvent(log, slog.LevelInfo, "Listener connected", listener.ID(), r.RemoteAddr,
		slog.String("transport", "websocket"))
	defer logger.LogNetworkEvent(log, slog.LevelInfo, "Listener disconnected", listener.ID(), r.RemoteAddr,
		slog.String("transport", "websocket"))

	for {
		frame, err := listener.Next(ctx)
		if err != nil {
			return
		}
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.writeError(name, listener.ID(), err)
			}
			return
		}
		bytesSent.WithLabelValues(name).Add(float64(len(frame)))
	}
}

func (s *Server) controlHandler(w http.ResponseWriter, r *http.Request) {
	name := s.channelName(r)
	action := mux.Vars(r)["action"]

	var err error
	switch action {
	case "next":
		err = s.command.Next(r.Context(), name)
	case "previous":
		err = s.command.Previous(r.Context(), name)
	case "rewind":
		err = s.command.Rewind(r.Context(), name)
	}
	if err != nil {
		controlRequests.WithLabelValues(action, "error").Inc()
		s.commandError(w, name, action, err)
		return
	}

	controlRequests.WithLabelValues(action, "ok").Inc()
	s.logger.Info("Control command queued", slog.String("channel", name), slog.String("action", action))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) reloadHandler(w http.ResponseWriter, r *http.Request) {
	for _, rl := range s.reloaders {
		if err := rl.Reload(); err != nil {
			s.logger.Error("Library reload failed", slog.String("error", err.Error()))
			s.sentry.CaptureError(err, "http", "reload")
			http.Error(w, "reload failed: "+err.Error(), http.StatusInternalServerError)
			return
		}
	}
	s.logger.Info("Libraries reloaded", slog.Int("count", len(s.reloaders)))
	writeJSON(w, http.StatusOK, map[string]int{"reloaded": len(s.reloaders)})
}

func (s *Server) notFoundHandler(w http.ResponseWriter, r *http.Request) {
	s.logger.Debug("Route not found", slog.String("path", r.URL.Path), slog.String("method", r.Method))
	http.Error(w, "not found", http.StatusNotFound)
}

// commandError maps a command failure to a response. A stopped scheduler is reported as
// unavailable; anything else is unexpected.
func (s *Server) commandError(w http.ResponseWriter, channel, action string, err error) {
	if errors.Is(err, radio.ErrClosed) {
		s.logger.Warn("Scheduler unavailable", slog.String("channel", channel), slog.String("action", action))
		http.Error(w, "channel unavailable", http.StatusServiceUnavailable)
		return
	}
	s.logger.Error("Command failed",
		slog.String("channel", channel),
		slog.String("action", action),
		slog.String("error", err.Error()))
	s.sentry.CaptureChannelError(err, channel, action)
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func (s *Server) writeError(channel, listenerID string, err error) {
	if isConnectionClosedError(err) {
		return
	}
	s.logger.Warn("Failed to send audio",
		slog.String("channel", channel),
		slog.String("listener_id", listenerID),
		slog.String("error", err.Error()))
	s.sentry.CaptureChannelError(err, channel, "send")
}

// isConnectionClosedError reports whether err only means the client went away.
func isConnectionClosedError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, http.ErrHandlerTimeout) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset by peer") ||
		strings.Contains(msg, "use of closed network connection")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
