// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/relabs-tech/orientation_bridge/internal/hub"
	"github.com/relabs-tech/orientation_bridge/internal/link"
	"github.com/relabs-tech/orientation_bridge/internal/orientation"
)

const (
	writeWait       = 5 * time.Second
	shutdownTimeout = 5 * time.Second
	maxMessageSize  = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // viewers are served from other origins
	},
}

// intervalRequest is the client command, {"interval": N}. The type field
// is optional.
type intervalRequest struct {
	Type     string   `json:"type,omitempty"`
	Interval *float64 `json:"interval"`
}

const intervalMessageType = "update_timer_interval"

var invalidIntervalMessage = fmt.Sprintf("Invalid interval. Must be between %d and %dms", link.MinIntervalMS, link.MaxIntervalMS)

// parseIntervalCommand decodes and validates an interval request. All
// errors wrap hub.ErrInvalidCommand.
func parseIntervalCommand(b []byte) (link.IntervalCommand, error) {
	var req intervalRequest
	if err := json.Unmarshal(b, &req); err != nil {
		return link.IntervalCommand{}, fmt.Errorf("%w: %v", hub.ErrInvalidCommand, err)
	}
	if req.Type != "" && req.Type != intervalMessageType {
		return link.IntervalCommand{}, fmt.Errorf("%w: unknown message type %q", hub.ErrInvalidCommand, req.Type)
	}
	if req.Interval == nil {
		return link.IntervalCommand{}, fmt.Errorf("%w: missing interval", hub.ErrInvalidCommand)
	}
	v := *req.Interval
	if v != math.Trunc(v) || v < link.MinIntervalMS || v > link.MaxIntervalMS {
		return link.IntervalCommand{}, fmt.Errorf("%w: interval %v outside [%d, %d]", hub.ErrInvalidCommand, v, link.MinIntervalMS, link.MaxIntervalMS)
	}
	return link.IntervalCommand{IntervalMS: uint32(v)}, nil
}

// WebServer exposes the hub over WebSocket and a small JSON API.
type WebServer struct {
	hub       *hub.Hub
	addr      string
	staticDir string
}

func NewWebServer(h *hub.Hub, port int, staticDir string) *WebServer {
	return &WebServer{
		hub:       h,
		addr:      fmt.Sprintf(":%d", port),
		staticDir: staticDir,
	}
}

// Handler returns the routes:
//
//	GET  /ws             event stream, accepts interval commands
//	GET  /api/rotation   last frame, zeros before the first sample
//	GET  /api/status     {"ble": status, "rotation": frame or null}
//	POST /api/interval   {"interval": N}
//	GET  /health
//	     /               static files
//
// Every route allows cross-origin requests.
func (s *WebServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /api/rotation", s.handleRotation)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("POST /api/interval", s.handleInterval)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})
	if s.staticDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(s.staticDir)))
	}
	return withCORS(mux)
}

// withCORS lets viewers hosted elsewhere (Unity WebGL builds) poll the API.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type")
			h.Set("Access-Control-Max-Age", "86400")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Run serves until ctx is cancelled.
func (s *WebServer) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("web: listening on %s", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("web: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("web: shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("web: %w", err)
	}
	log.Info("web: stopped")
	return nil
}

func (s *WebServer) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("web: websocket upgrade error: %v", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxMessageSize)

	id, events := s.hub.Subscribe()
	defer s.hub.Unsubscribe(id)
	log.Infof("web: client %s connected from %s", id, r.RemoteAddr)

	done := make(chan struct{})
	go s.readCommands(conn, id, done)

	for {
		select {
		case <-done:
			log.Infof("web: client %s disconnected", id)
			return
		case <-r.Context().Done():
			return
		case e, ok := <-events:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(writeWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(e); err != nil {
				log.Warnf("web: write to client %s failed, dropping it: %v", id, err)
				return
			}
		}
	}
}

// readCommands handles client messages until the connection fails. All
// replies go through the hub so the handler loop stays the only writer.
func (s *WebServer) readCommands(conn *websocket.Conn, id string, done chan<- struct{}) {
	defer close(done)
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warnf("web: websocket error: %v", err)
			}
			return
		}

		cmd, err := parseIntervalCommand(msg)
		if err == nil {
			err = s.hub.SubmitCommand(cmd)
		}
		if err != nil {
			log.Debugf("web: client %s: %v", id, err)
			s.hub.SendTo(id, hub.ErrorEvent(invalidIntervalMessage))
			continue
		}
		log.Infof("web: client %s requested %dms interval", id, cmd.IntervalMS)
	}
}

func (s *WebServer) handleRotation(w http.ResponseWriter, r *http.Request) {
	// pollers treat any non-2xx as an error, so report zeros until the
	// first sample arrives
	_, frame, _ := s.hub.Snapshot()
	writeJSON(w, http.StatusOK, frame)
}

type statusResponse struct {
	BLE      link.Status        `json:"ble"`
	Rotation *orientation.Frame `json:"rotation"`
}

func (s *WebServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, frame, ok := s.hub.Snapshot()
	resp := statusResponse{BLE: status}
	if ok {
		resp.Rotation = &frame
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *WebServer) handleInterval(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxMessageSize))
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}
	cmd, err := parseIntervalCommand(body)
	if err == nil {
		err = s.hub.SubmitCommand(cmd)
	}
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": invalidIntervalMessage})
		return
	}
	log.Infof("web: interval %dms requested over http", cmd.IntervalMS)
	writeJSON(w, http.StatusAccepted, cmd)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warnf("web: json encode error: %v", err)
	}
}
