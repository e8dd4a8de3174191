// Package bridge exposes a deliberately narrow HTTP surface on loopback so
// gateway-local helper processes (agent tools) can reach rooms without
// holding relay credentials or network access of their own.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/hivechat/hivechat/pkg/protocol"
)

// AgentIDHeader names the calling agent on every bridge request.
const AgentIDHeader = "X-Agent-ID"

const defaultAskTimeout = 30 * time.Second

// RelayAPI is the slice of the relay client the bridge dispatches to.
type RelayAPI interface {
	SendAsAgent(agentID, roomID, content string) error
	Ask(ctx context.Context, fromAgent, targetAgent, roomID, content string, timeout time.Duration) (string, error)
	RecentMessages(ctx context.Context, roomID string, limit int) ([]protocol.StoredMessage, error)
	Members(ctx context.Context, roomID string) ([]protocol.MemberInfo, error)
}

// Local throttle on writes (/send, /ask). The relay enforces the real
// global limit; this bucket just keeps a runaway local script from
// burning its window in one burst.
const (
	writeRatePerSec = 5
	writeBurst      = 10
)

// Server is the loopback bridge endpoint.
type Server struct {
	api    RelayAPI
	agents map[string]bool // local agent ids allowed to call
	writes map[string]*rate.Limiter
	logger *slog.Logger

	listener   net.Listener
	httpServer *http.Server
}

func NewServer(api RelayAPI, agentIDs []string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	agents := make(map[string]bool, len(agentIDs))
	writes := make(map[string]*rate.Limiter, len(agentIDs))
	for _, id := range agentIDs {
		agents[id] = true
		writes[id] = rate.NewLimiter(rate.Limit(writeRatePerSec), writeBurst)
	}
	return &Server{api: api, agents: agents, writes: writes, logger: logger}
}

// Start binds an ephemeral loopback port and serves until ctx is canceled.
// It returns the bound address for publication to helper processes.
func (s *Server) Start(ctx context.Context) (string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("bridge listen: %w", err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("POST /send", s.withAgent(s.throttled(s.handleSend)))
	mux.HandleFunc("POST /ask", s.withAgent(s.throttled(s.handleAsk)))
	mux.HandleFunc("GET /messages", s.withAgent(s.handleMessages))
	mux.HandleFunc("GET /members", s.withAgent(s.handleMembers))

	s.httpServer = &http.Server{
		Handler:           s.guard(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()
	go func() {
		if err := s.httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("bridge.serve_failed", "error", err)
		}
	}()

	addr := ln.Addr().String()
	s.logger.Info("bridge.listening", "addr", addr)
	return addr, nil
}

// guard rejects non-loopback callers and converts handler panics into 500s
// so a broken tool can never take the bridge down.
func (s *Server) guard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil || !net.ParseIP(host).IsLoopback() {
			s.logger.Warn("bridge.rejected_remote", "remote", r.RemoteAddr)
			writeError(w, http.StatusForbidden, "loopback only")
			return
		}
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("bridge.handler_panic", "path", r.URL.Path, "panic", rec)
				writeError(w, http.StatusInternalServerError, fmt.Sprintf("internal error: %v", rec))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// throttled applies the per-agent write bucket.
func (s *Server) throttled(next func(http.ResponseWriter, *http.Request, string)) func(http.ResponseWriter, *http.Request, string) {
	return func(w http.ResponseWriter, r *http.Request, agentID string) {
		if lim := s.writes[agentID]; lim != nil && !lim.Allow() {
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
		next(w, r, agentID)
	}
}

// withAgent resolves the per-agent context from the id header.
func (s *Server) withAgent(next func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agentID := r.Header.Get(AgentIDHeader)
		if agentID == "" {
			writeError(w, http.StatusBadRequest, "missing "+AgentIDHeader+" header")
			return
		}
		if !s.agents[agentID] {
			writeError(w, http.StatusNotFound, fmt.Sprintf("unknown agent %q", agentID))
			return
		}
		next(w, r, agentID)
	}
}

type sendRequest struct {
	RoomID  string `json:"room_id"`
	Content string `json:"content"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request, agentID string) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body: "+err.Error())
		return
	}
	if req.RoomID == "" || req.Content == "" {
		writeError(w, http.StatusBadRequest, "room_id and content are required")
		return
	}
	if err := s.api.SendAsAgent(agentID, req.RoomID, req.Content); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type askRequest struct {
	RoomID      string `json:"room_id"`
	TargetAgent string `json:"target_agent"`
	Content     string `json:"content"`
	TimeoutMS   int    `json:"timeout_ms,omitempty"`
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request, agentID string) {
	var req askRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body: "+err.Error())
		return
	}
	if req.RoomID == "" || req.TargetAgent == "" || req.Content == "" {
		writeError(w, http.StatusBadRequest, "room_id, target_agent and content are required")
		return
	}
	timeout := defaultAskTimeout
	if req.TimeoutMS > 0 {
		timeout = time.Duration(req.TimeoutMS) * time.Millisecond
	}
	reply, err := s.api.Ask(r.Context(), agentID, req.TargetAgent, req.RoomID, req.Content, timeout)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"content": reply})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request, agentID string) {
	roomID := r.URL.Query().Get("room_id")
	if roomID == "" {
		writeError(w, http.StatusBadRequest, "room_id is required")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	msgs, err := s.api.RecentMessages(r.Context(), roomID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if msgs == nil {
		msgs = []protocol.StoredMessage{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleMembers(w http.ResponseWriter, r *http.Request, agentID string) {
	roomID := r.URL.Query().Get("room_id")
	if roomID == "" {
		writeError(w, http.StatusBadRequest, "room_id is required")
		return
	}
	members, err := s.api.Members(r.Context(), roomID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if members == nil {
		members = []protocol.MemberInfo{}
	}
	writeJSON(w, http.StatusOK, members)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
