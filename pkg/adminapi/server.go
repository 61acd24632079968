// Package adminapi is the operator-facing control surface: a
// JWT-authenticated HTTP API that sets block_cmd_pending / ip_change_pending
// on device rows, plus a websocket feed of live fleet state.
package adminapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/protei/gv50ingest/internal/logger"
	"github.com/protei/gv50ingest/pkg/adminapi/auth"
	"github.com/protei/gv50ingest/pkg/device"
	"github.com/protei/gv50ingest/pkg/fleet"
)

// DeviceStore is the subset of pkg/storage this API needs.
type DeviceStore interface {
	LoadDevice(ctx context.Context, imei string) (*device.Device, error)
	UpsertDevice(ctx context.Context, upd device.Update) error
}

// Server is the admin HTTP+websocket surface.
type Server struct {
	addr     string
	auth     *auth.Service
	store    DeviceStore
	registry *fleet.Registry

	server       *http.Server
	upgrader     websocket.Upgrader
	wsClients    map[*websocket.Conn]bool
	wsClientsMux sync.RWMutex
	log          *logger.Logger
}

// Config configures the admin API.
type Config struct {
	Addr     string
	Auth     *auth.Service
	Store    DeviceStore
	Registry *fleet.Registry
}

// New creates an admin API server.
func New(cfg Config) *Server {
	return &Server{
		addr:      cfg.Addr,
		auth:      cfg.Auth,
		store:     cfg.Store,
		registry:  cfg.Registry,
		wsClients: make(map[*websocket.Conn]bool),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: logger.Get().WithComponent("adminapi"),
	}
}

// Handler builds the admin API route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/login", s.handleLogin)
	mux.HandleFunc("/api/devices/", s.requireAuth(s.handleDevice))
	mux.HandleFunc("/api/fleet", s.requireAuth(s.handleFleet))
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Start begins serving in the background.
func (s *Server) Start() {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go s.broadcastLoop()

	s.log.Info("starting admin API", "addr", s.addr)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("admin API stopped", err)
		}
	}()
}

// Shutdown stops the admin API within the given deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.wsClientsMux.Lock()
	for c := range s.wsClients {
		c.Close()
	}
	s.wsClientsMux.Unlock()

	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			s.sendError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		if _, err := s.auth.ValidateToken(parts[1]); err != nil {
			s.sendError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	token, err := s.auth.Authenticate(req.Username, req.Password)
	if err != nil {
		s.sendError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]string{"token": token})
}

// handleDevice serves GET /api/devices/{imei} and POST
// /api/devices/{imei}/{block,unblock,migrate}.
func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/devices/")
	parts := strings.SplitN(path, "/", 2)
	imei := parts[0]
	if imei == "" {
		s.sendError(w, http.StatusBadRequest, "imei required")
		return
	}

	if len(parts) == 1 && r.Method == http.MethodGet {
		d, err := s.store.LoadDevice(r.Context(), imei)
		if err != nil {
			s.sendError(w, http.StatusInternalServerError, "load device failed")
			return
		}
		if d == nil {
			s.sendError(w, http.StatusNotFound, "device not found")
			return
		}
		s.sendJSON(w, http.StatusOK, d)
		return
	}

	if len(parts) == 2 && r.Method == http.MethodPost {
		var upd device.Update
		upd.IMEI = imei
		switch parts[1] {
		case "block":
			v := true
			upd.BlockCmdPending = &v
		case "unblock":
			v := false
			upd.BlockCmdPending = &v
		case "migrate":
			v := true
			upd.IPChangePending = &v
		default:
			s.sendError(w, http.StatusNotFound, "unknown action")
			return
		}
		if err := s.store.UpsertDevice(r.Context(), upd); err != nil {
			s.sendError(w, http.StatusInternalServerError, "update failed")
			return
		}
		s.sendJSON(w, http.StatusOK, map[string]string{"message": "pending intent recorded"})
		return
	}

	s.sendError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (s *Server) handleFleet(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, map[string]int{"connections_active": s.registry.Count()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if _, err := s.auth.ValidateToken(token); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("websocket upgrade failed", err)
		return
	}

	s.wsClientsMux.Lock()
	s.wsClients[conn] = true
	s.wsClientsMux.Unlock()

	defer func() {
		s.wsClientsMux.Lock()
		delete(s.wsClients, conn)
		s.wsClientsMux.Unlock()
		conn.Close()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

// Broadcast pushes an event to every connected dashboard client.
func (s *Server) Broadcast(eventType string, payload interface{}) {
	msg := map[string]interface{}{"type": eventType, "payload": payload, "timestamp": time.Now().Unix()}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	s.wsClientsMux.RLock()
	defer s.wsClientsMux.RUnlock()
	for client := range s.wsClients {
		_ = client.WriteMessage(websocket.TextMessage, data)
	}
}

func (s *Server) broadcastLoop() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		s.Broadcast("fleet_update", map[string]int{"connections_active": s.registry.Count()})
	}
}

func (s *Server) sendJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, map[string]string{"error": message})
}
