// Package api serves sensor status over HTTP and a websocket.
//
// The REST routes are for scripts and dashboards; the websocket speaks a
// small JSON-RPC 2.0 dialect and pushes notify_status_update messages after
// every sensor report.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	irlog "klipper-irtemp/pkg/log"
	"klipper-irtemp/pkg/metrics"
	"klipper-irtemp/pkg/safety"
	"klipper-irtemp/pkg/temperature"
)

// SafetyController is the part of the shutdown authority the API exposes.
type SafetyController interface {
	GetStatus() safety.Status
	EmergencyStop(msg string)
}

// Config holds server configuration.
type Config struct {
	// HTTP address to listen on (e.g., ":7126")
	Addr string

	Objects *temperature.Objects
	Safety  SafetyController
	Metrics *metrics.Metrics

	// Clock returns the reactor time used as eventtime for status queries.
	Clock func() float64

	Logger *slog.Logger

	// AccessLog receives one combined-format line per request. Nil
	// disables access logging.
	AccessLog io.Writer
}

// Server provides the status API.
type Server struct {
	cfg    Config
	logger *slog.Logger

	router     *mux.Router
	handler    http.Handler
	httpServer *http.Server

	wsUpgrader websocket.Upgrader
	wsClients  map[int64]*wsClient
	wsClientMu sync.RWMutex
	nextWSID   int64

	startTime time.Time
}

// New creates a server. It does not listen until Start.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = irlog.Discard()
	}
	if cfg.Objects == nil {
		cfg.Objects = temperature.NewObjects()
	}
	s := &Server{
		cfg:       cfg,
		logger:    logger.With("component", "api"),
		wsClients: make(map[int64]*wsClient),
		startTime: time.Now(),
	}
	if s.cfg.Clock == nil {
		s.cfg.Clock = func() float64 { return time.Since(s.startTime).Seconds() }
	}
	s.wsUpgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	s.router = s.routes()

	var h http.Handler = s.router
	if cfg.AccessLog != nil {
		h = handlers.CombinedLoggingHandler(cfg.AccessLog, h)
	}
	h = handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization", "X-Requested-With"}),
	)(h)
	s.handler = handlers.RecoveryHandler(handlers.RecoveryLogger(recoveryLogger{s.logger}))(h)
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	route := func(path string, h http.HandlerFunc) *mux.Route {
		return r.Handle(path, s.cfg.Metrics.WrapHandler(path, h))
	}

	route("/api/sensors", s.handleSensorList).Methods(http.MethodGet)
	route("/api/sensors/{name}", s.handleSensorStatus).Methods(http.MethodGet)
	route("/api/safety", s.handleSafety).Methods(http.MethodGet)
	route("/api/emergency_stop", s.handleEmergencyStop).Methods(http.MethodPost)
	route("/server/info", s.handleServerInfo).Methods(http.MethodGet)
	r.HandleFunc("/websocket", s.handleWebSocket)
	if s.cfg.Metrics != nil {
		r.Handle("/metrics", s.cfg.Metrics.Handler()).Methods(http.MethodGet)
	}
	return r
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start listens on cfg.Addr. It blocks until Shutdown and then returns nil.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("status API listening", "addr", s.cfg.Addr)

	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown closes every websocket client and stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.wsClientMu.Lock()
	for _, client := range s.wsClients {
		client.Close()
	}
	s.wsClients = make(map[int64]*wsClient)
	s.wsClientMu.Unlock()

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// StatusCallback returns a report callback that pushes the latest status of
// every object to websocket clients.
func (s *Server) StatusCallback() temperature.Callback {
	return func(printTime, temp float64) {
		s.NotifyStatusUpdate(s.cfg.Clock())
	}
}

// NotifyStatusUpdate broadcasts a notify_status_update message.
func (s *Server) NotifyStatusUpdate(eventtime float64) {
	if s.ClientCount() == 0 {
		return
	}
	status := s.cfg.Objects.Status(eventtime)
	s.broadcast(notification("notify_status_update", status, eventtime))
}

// NotifyShutdown broadcasts a notify_klippy_shutdown message. It is a
// safety.ShutdownFunc.
func (s *Server) NotifyShutdown(reason safety.ShutdownReason, msg string) {
	s.broadcast(notification("notify_klippy_shutdown", map[string]any{
		"reason":  string(reason),
		"message": msg,
	}))
}

func (s *Server) broadcast(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("encoding websocket broadcast failed", "error", err)
		return
	}
	s.wsClientMu.RLock()
	defer s.wsClientMu.RUnlock()
	for _, client := range s.wsClients {
		client.sendRaw(data)
	}
}

// ClientCount returns the number of connected websocket clients.
func (s *Server) ClientCount() int {
	s.wsClientMu.RLock()
	defer s.wsClientMu.RUnlock()
	return len(s.wsClients)
}

func (s *Server) handleSensorList(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"result": map[string]any{"objects": s.cfg.Objects.Names()},
	})
}

func (s *Server) handleSensorStatus(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	obj, ok := s.cfg.Objects.Lookup(name)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown object '"+name+"'")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"result": map[string]any{
			"eventtime": s.cfg.Clock(),
			"status":    obj.GetStatus(s.cfg.Clock()),
		},
	})
}

func (s *Server) handleSafety(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Safety == nil {
		writeError(w, http.StatusServiceUnavailable, "no safety manager")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"result": s.cfg.Safety.GetStatus()})
}

func (s *Server) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Safety == nil {
		writeError(w, http.StatusServiceUnavailable, "no safety manager")
		return
	}
	s.cfg.Safety.EmergencyStop("")
	s.writeJSON(w, http.StatusOK, map[string]any{"result": "ok"})
}

func (s *Server) handleServerInfo(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"result": s.serverInfo()})
}

func (s *Server) serverInfo() map[string]any {
	state := "ready"
	if s.cfg.Safety != nil && !s.cfg.Safety.GetStatus().IsOperational {
		state = "shutdown"
	}
	return map[string]any{
		"klippy_state":    state,
		"objects":         len(s.cfg.Objects.Names()),
		"websocket_count": s.ClientCount(),
		"uptime":          time.Since(s.startTime).Seconds(),
	}
}

// writeJSON encodes data in full before writing the header. An encoding
// failure is answered with a 500.
func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	body, err := json.Marshal(data)
	if err != nil {
		s.logger.Error("encoding response failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error: "+err.Error())
		return
	}
	writeBody(w, status, body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	body, _ := json.Marshal(map[string]any{
		"error": map[string]any{"code": status, "message": message},
	})
	writeBody(w, status, body)
}

func writeBody(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(append(body, '\n'))
}

// recoveryLogger adapts slog to handlers.RecoveryHandlerLogger.
type recoveryLogger struct {
	logger *slog.Logger
}

func (l recoveryLogger) Println(v ...any) {
	args := make([]any, 0, 2)
	if len(v) > 0 {
		args = append(args, "panic", v[0])
	}
	l.logger.Error("handler panic", args...)
}

var _ handlers.RecoveryHandlerLogger = recoveryLogger{}

func nextID(p *int64) int64 {
	return atomic.AddInt64(p, 1)
}
