package relay

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hivechat/hivechat/internal/config"
	"github.com/hivechat/hivechat/internal/ratelimit"
	"github.com/hivechat/hivechat/internal/store"
	"github.com/hivechat/hivechat/internal/tracing"
	"github.com/hivechat/hivechat/pkg/protocol"
)

const (
	authDeadline  = 10 * time.Second
	maxViolations = 3
)

// Server is the central relay: it terminates client and gateway websockets,
// persists and fans out room messages, and routes them to agents.
type Server struct {
	cfg     config.RelayConfig
	stores  *store.Stores
	limiter *ratelimit.Limiter
	logger  *slog.Logger

	conns   *ConnManager
	deleted *DeletedAgentMemory
	agents  *AgentDirectory
	pending *PendingRequests
	streams *Streams
	router  *Router

	upgrader   websocket.Upgrader
	httpServer *http.Server
	mux        *http.ServeMux

	sweepStop chan struct{}
	stopOnce  sync.Once
}

func NewServer(cfg config.RelayConfig, stores *store.Stores, limiter *ratelimit.Limiter, llm LLMRouteFunc, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	deleted := NewDeletedAgentMemory(cfg.DeletedAgentCap)
	s := &Server{
		cfg:       cfg,
		stores:    stores,
		limiter:   limiter,
		logger:    logger,
		conns:     NewConnManager(logger),
		deleted:   deleted,
		agents:    NewAgentDirectory(deleted),
		pending:   NewPendingRequests(cfg.PendingRequestMax, cfg.PendingTimeout()),
		streams:   NewStreams(cfg.StreamMaxChars, time.Duration(cfg.StreamStaleSecs)*time.Second),
		router:    NewRouter(llm, logger),
		sweepStop: make(chan struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.cfg.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // non-browser clients
	}
	for _, a := range allowed {
		if origin == a || a == "*" {
			return true
		}
	}
	s.logger.Warn("relay.cors_rejected", "origin", origin)
	return false
}

// BuildMux creates and caches the HTTP mux with all routes registered.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/client", s.handleClientWS)
	mux.HandleFunc("/ws/gateway", s.handleGatewayWS)
	mux.HandleFunc("/health", s.handleHealth)
	s.mux = mux
	return mux
}

// Start serves until ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.BuildMux(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.sweepLoop()

	s.logger.Info("relay.starting", "addr", addr, "protocol", protocol.ProtocolVersion)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
		s.Close()
	}()

	if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("relay server: %w", err)
	}
	return nil
}

func (s *Server) Close() {
	s.stopOnce.Do(func() {
		close(s.sweepStop)
		s.pending.Close()
		s.conns.CloseAll()
	})
}

func (s *Server) sweepLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.sweepStop:
			return
		case now := <-ticker.C:
			if n := s.streams.SweepStale(now); n > 0 {
				s.logger.Warn("relay.streams.swept_stale", "count", n)
			}
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","protocol":%d}`, protocol.ProtocolVersion)
}

func (s *Server) handleClientWS(w http.ResponseWriter, r *http.Request) {
	s.handleWS(w, r, KindClient)
}

func (s *Server) handleGatewayWS(w http.ResponseWriter, r *http.Request) {
	s.handleWS(w, r, KindGateway)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request, kind ConnKind) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("relay.ws.upgrade_failed", "error", err)
		return
	}

	conn, err := s.authenticate(ws, kind)
	if err != nil {
		s.logger.Warn("relay.ws.auth_failed", "remote", r.RemoteAddr, "error", err)
		ws.Close()
		return
	}

	s.conns.Add(conn)
	s.logger.Info("relay.ws.connected",
		"conn_id", conn.ID, "kind", kindName(kind),
		"user_id", conn.UserID, "gateway_id", conn.GatewayID)

	defer func() {
		s.teardown(conn)
		ws.Close()
	}()

	s.readLoop(r.Context(), conn, ws)
}

// authenticate enforces the handshake: the first frame must be a valid auth
// frame within the deadline, carrying the shared token and a kind matching
// the endpoint.
func (s *Server) authenticate(ws *websocket.Conn, kind ConnKind) (*Conn, error) {
	ws.SetReadDeadline(time.Now().Add(authDeadline))
	defer ws.SetReadDeadline(time.Time{})

	var env protocol.Envelope
	if err := ws.ReadJSON(&env); err != nil {
		return nil, fmt.Errorf("read auth frame: %w", err)
	}
	if env.Type != protocol.TypeAuth {
		return nil, fmt.Errorf("first frame is %q, want %q", env.Type, protocol.TypeAuth)
	}
	var auth protocol.AuthFrame
	if err := protocol.DecodeGuarded(env.Payload, &auth, s.maxDepth(), s.maxItems()); err != nil {
		return nil, fmt.Errorf("decode auth frame: %w", err)
	}

	fail := func(reason string) error {
		ack, _ := protocol.NewEnvelope(protocol.TypeAuthAck, protocol.AuthAck{
			OK: false, Error: reason, Protocol: protocol.ProtocolVersion,
		})
		ws.WriteJSON(ack)
		return errors.New(reason)
	}

	if subtle.ConstantTimeCompare([]byte(auth.Token), []byte(s.cfg.Token)) != 1 {
		return nil, fail("invalid token")
	}
	if auth.Protocol != protocol.ProtocolVersion {
		return nil, fail(fmt.Sprintf("protocol mismatch: got %d, want %d", auth.Protocol, protocol.ProtocolVersion))
	}
	wantKind := "client"
	if kind == KindGateway {
		wantKind = "gateway"
	}
	if auth.Kind != wantKind {
		return nil, fail(fmt.Sprintf("kind %q not allowed on this endpoint", auth.Kind))
	}
	if kind == KindClient && auth.UserID == "" {
		return nil, fail("user_id required")
	}
	if kind == KindGateway && auth.GatewayID == "" {
		return nil, fail("gateway_id required")
	}

	conn := newConn(uuid.NewString(), kind, ws)
	conn.UserID = auth.UserID
	conn.GatewayID = auth.GatewayID

	ack, err := protocol.NewEnvelope(protocol.TypeAuthAck, protocol.AuthAck{
		OK: true, ConnID: conn.ID, Protocol: protocol.ProtocolVersion,
	})
	if err != nil {
		return nil, err
	}
	if err := conn.Send(ack); err != nil {
		return nil, fmt.Errorf("send auth ack: %w", err)
	}
	return conn, nil
}

func kindName(k ConnKind) string {
	if k == KindGateway {
		return "gateway"
	}
	return "client"
}

// readLoop consumes frames until the connection drops or accumulates too
// many protocol violations.
func (s *Server) readLoop(ctx context.Context, conn *Conn, ws *websocket.Conn) {
	violations := 0
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var env protocol.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			violations++
			s.sendError(conn, protocol.ErrCodeBadFrame, "malformed envelope", "")
			if violations >= maxViolations {
				return
			}
			continue
		}
		if err := s.dispatch(ctx, conn, &env); err != nil {
			var pv *protocolViolation
			if errors.As(err, &pv) {
				violations++
				s.sendError(conn, pv.code, pv.msg, pv.roomID)
				if violations >= maxViolations {
					s.logger.Warn("relay.ws.too_many_violations", "conn_id", conn.ID)
					return
				}
				continue
			}
			// Internal failure: surface a readable reason, keep the
			// connection.
			s.sendError(conn, protocol.ErrCodeBadFrame, err.Error(), "")
		}
	}
}

// protocolViolation marks frames the peer should not have sent; they count
// toward connection teardown.
type protocolViolation struct {
	code   string
	msg    string
	roomID string
}

func (v *protocolViolation) Error() string { return v.msg }

func violation(code, msg string) *protocolViolation {
	return &protocolViolation{code: code, msg: msg}
}

func (s *Server) sendError(conn *Conn, code, msg, roomID string) {
	env, err := protocol.NewEnvelope(protocol.TypeError, protocol.ErrorFrame{
		Code: code, Message: msg, RoomID: roomID,
	})
	if err != nil {
		return
	}
	conn.Send(env)
}

func (s *Server) maxDepth() int {
	if s.cfg.MaxFrameDepth > 0 {
		return s.cfg.MaxFrameDepth
	}
	return protocol.DefaultMaxDepth
}

func (s *Server) maxItems() int {
	if s.cfg.MaxFrameItems > 0 {
		return s.cfg.MaxFrameItems
	}
	return protocol.DefaultMaxItems
}

func (s *Server) decode(env *protocol.Envelope, v any) error {
	if err := protocol.DecodeGuarded(env.Payload, v, s.maxDepth(), s.maxItems()); err != nil {
		return violation(protocol.ErrCodeBadFrame, fmt.Sprintf("bad %s payload: %v", env.Type, err))
	}
	return nil
}

func (s *Server) dispatch(ctx context.Context, conn *Conn, env *protocol.Envelope) error {
	ctx, span := tracing.Start(ctx, "relay.frame")
	defer span.End()

	if conn.Kind == KindClient {
		if !protocol.ValidClientFrame(env.Type) {
			return violation(protocol.ErrCodeUnknownType, fmt.Sprintf("unknown frame type %q", env.Type))
		}
		return s.dispatchClient(ctx, conn, env)
	}
	if !protocol.ValidGatewayFrame(env.Type) {
		return violation(protocol.ErrCodeUnknownType, fmt.Sprintf("unknown frame type %q", env.Type))
	}
	return s.dispatchGateway(ctx, conn, env)
}

func (s *Server) dispatchClient(ctx context.Context, conn *Conn, env *protocol.Envelope) error {
	switch env.Type {
	case protocol.TypePing:
		pong, _ := protocol.NewEnvelope(protocol.TypePong, struct{}{})
		pong.ID = env.ID
		return conn.Send(pong)
	case protocol.TypeJoinRooms:
		return s.handleJoinRooms(ctx, conn, env)
	case protocol.TypeLeaveRoom:
		var p protocol.LeaveRoom
		if err := s.decode(env, &p); err != nil {
			return err
		}
		s.conns.LeaveRoom(conn.ID, p.RoomID)
		return nil
	case protocol.TypeChatSend:
		return s.handleChatSend(ctx, conn, env)
	case protocol.TypeSyncSince:
		return s.handleSyncSince(ctx, conn, env)
	case protocol.TypeAuth:
		return violation(protocol.ErrCodeBadFrame, "already authenticated")
	}
	return violation(protocol.ErrCodeUnknownType, fmt.Sprintf("unhandled frame type %q", env.Type))
}

func (s *Server) dispatchGateway(ctx context.Context, conn *Conn, env *protocol.Envelope) error {
	switch env.Type {
	case protocol.TypePing:
		pong, _ := protocol.NewEnvelope(protocol.TypePong, struct{}{})
		pong.ID = env.ID
		return conn.Send(pong)
	case protocol.TypeRegisterAgents:
		return s.handleRegisterAgents(ctx, conn, env)
	case protocol.TypeAgentStatus:
		return s.handleAgentStatus(ctx, conn, env)
	case protocol.TypeStreamChunk:
		return s.handleStreamChunk(ctx, conn, env)
	case protocol.TypeStreamDone:
		return s.handleStreamDone(ctx, conn, env)
	case protocol.TypeStreamError:
		return s.handleStreamError(ctx, conn, env)
	case protocol.TypeAgentReply:
		var p protocol.AgentReply
		if err := s.decode(env, &p); err != nil {
			return err
		}
		if !s.pending.Resolve(p.RequestID, p) {
			s.logger.Debug("relay.reply.unmatched", "request_id", p.RequestID)
		}
		return nil
	case protocol.TypeAgentRequest:
		return s.handleAgentRequest(ctx, conn, env)
	case protocol.TypeAgentSend:
		return s.handleAgentSend(ctx, conn, env)
	case protocol.TypeListMembers:
		return s.handleListMembers(ctx, conn, env)
	case protocol.TypeSyncSince:
		return s.handleSyncSince(ctx, conn, env)
	case protocol.TypeAuth:
		return violation(protocol.ErrCodeBadFrame, "already authenticated")
	}
	return violation(protocol.ErrCodeUnknownType, fmt.Sprintf("unhandled frame type %q", env.Type))
}

// handleAgentSend persists a deliberate agent message (bridge /send) and
// fans it out like any other room message.
func (s *Server) handleAgentSend(ctx context.Context, conn *Conn, env *protocol.Envelope) error {
	var p protocol.AgentSend
	if err := s.decode(env, &p); err != nil {
		return err
	}
	rec, ok := s.agents.Get(p.AgentID)
	if !ok || rec.GatewayID != conn.GatewayID {
		return violation(protocol.ErrCodeNotMember, fmt.Sprintf("agent %q is not owned by this gateway", p.AgentID))
	}
	if err := s.limiter.Allow(ctx, p.AgentID, "agent.send"); err != nil {
		if errors.Is(err, ratelimit.ErrLimited) {
			return &protocolViolation{code: protocol.ErrCodeRateLimited, msg: "rate limit exceeded", roomID: p.RoomID}
		}
		return fmt.Errorf("rate limit check: %w", err)
	}
	room, err := s.stores.Rooms.GetRoom(ctx, p.RoomID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &protocolViolation{code: protocol.ErrCodeRoomNotFound, msg: "no such room", roomID: p.RoomID}
		}
		return fmt.Errorf("room lookup: %w", err)
	}
	msg := &store.Message{
		RoomID:     room.ID,
		SenderID:   p.AgentID,
		SenderKind: store.MemberAgent,
		Content:    p.Content,
	}
	if err := s.stores.Messages.Append(ctx, msg); err != nil {
		return fmt.Errorf("persist agent message: %w", err)
	}
	s.fanOut(room, msg, "")
	return nil
}

func (s *Server) handleListMembers(ctx context.Context, conn *Conn, env *protocol.Envelope) error {
	var p protocol.ListMembersReq
	if err := s.decode(env, &p); err != nil {
		return err
	}
	members, err := s.stores.Rooms.ListMembers(ctx, p.RoomID)
	if err != nil {
		return fmt.Errorf("list members: %w", err)
	}
	list := protocol.MemberList{RoomID: p.RoomID}
	for _, m := range members {
		info := protocol.MemberInfo{
			ID:        m.ID,
			Name:      m.Name,
			Kind:      string(m.Kind),
			AgentType: m.AgentType,
		}
		if m.Kind == store.MemberAgent {
			if rec, ok := s.agents.Get(m.ID); ok {
				info.Status = rec.Status
			} else {
				info.Status = protocol.StatusOffline
			}
		}
		list.Members = append(list.Members, info)
	}
	out, err := protocol.NewEnvelope(protocol.TypeMemberList, list)
	if err != nil {
		return err
	}
	out.ID = env.ID
	return conn.Send(out)
}

func (s *Server) handleJoinRooms(ctx context.Context, conn *Conn, env *protocol.Envelope) error {
	var p protocol.JoinRooms
	if err := s.decode(env, &p); err != nil {
		return err
	}
	var valid []string
	for _, roomID := range p.RoomIDs {
		if _, err := s.stores.Rooms.GetRoom(ctx, roomID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				s.sendError(conn, protocol.ErrCodeRoomNotFound, "no such room", roomID)
				continue
			}
			return fmt.Errorf("room lookup: %w", err)
		}
		valid = append(valid, roomID)
	}
	s.conns.SetRooms(conn.ID, valid)

	for _, roomID := range valid {
		evt, err := protocol.NewEnvelope(protocol.TypePresence, protocol.PresenceFrame{
			UserID: conn.UserID, Online: true,
		})
		if err == nil {
			s.conns.BroadcastToRoom(roomID, evt, conn.ID)
		}
	}
	return nil
}

func (s *Server) handleChatSend(ctx context.Context, conn *Conn, env *protocol.Envelope) error {
	var p protocol.ChatSend
	if err := s.decode(env, &p); err != nil {
		return err
	}
	if p.Content == "" {
		return violation(protocol.ErrCodeBadFrame, "empty message content")
	}
	if s.cfg.MaxMessageChars > 0 && len(p.Content) > s.cfg.MaxMessageChars {
		return violation(protocol.ErrCodeTooLarge, "message exceeds size limit")
	}

	if err := s.limiter.Allow(ctx, conn.UserID, "chat"); err != nil {
		if errors.Is(err, ratelimit.ErrLimited) {
			return &protocolViolation{code: protocol.ErrCodeRateLimited, msg: "rate limit exceeded, slow down", roomID: p.RoomID}
		}
		return fmt.Errorf("rate limit check: %w", err)
	}

	room, err := s.stores.Rooms.GetRoom(ctx, p.RoomID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &protocolViolation{code: protocol.ErrCodeRoomNotFound, msg: "no such room", roomID: p.RoomID}
		}
		return fmt.Errorf("room lookup: %w", err)
	}

	msg := &store.Message{
		ID:         p.MessageID,
		RoomID:     room.ID,
		SenderID:   conn.UserID,
		SenderKind: store.MemberHuman,
		Content:    p.Content,
		Mentions:   p.Mentions,
	}
	if _, err := uuid.Parse(msg.ID); err != nil {
		msg.ID = "" // Append assigns one
	}
	if err := s.stores.Messages.Append(ctx, msg); err != nil {
		return fmt.Errorf("persist message: %w", err)
	}

	s.fanOut(room, msg, conn.ID)
	return nil
}

// fanOut delivers a persisted message to subscribed clients and routes it
// to target agents via their owning gateways.
func (s *Server) fanOut(room *store.Room, msg *store.Message, exceptConnID string) {
	out, err := protocol.NewEnvelope(protocol.TypeRoomMessage, storedMessage(msg))
	if err == nil {
		s.conns.BroadcastToRoom(room.ID, out, exceptConnID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	members, err := s.stores.Rooms.ListMembers(ctx, room.ID)
	if err != nil {
		s.logger.Error("relay.route.members_failed", "room_id", room.ID, "error", err)
		return
	}
	targets := s.router.Targets(ctx, room, members, msg.SenderID, msg.Content, msg.Mentions)
	for _, agentID := range targets {
		s.deliverToAgent(room.ID, agentID, msg)
	}
}

func (s *Server) deliverToAgent(roomID, agentID string, msg *store.Message) {
	rec, ok := s.agents.Get(agentID)
	if !ok {
		s.logger.Warn("relay.route.agent_unregistered", "agent_id", agentID, "room_id", roomID)
		return
	}
	gw, ok := s.conns.Get(rec.ConnID)
	if !ok {
		s.logger.Warn("relay.route.gateway_offline", "agent_id", agentID, "gateway_id", rec.GatewayID)
		return
	}
	env, err := protocol.NewEnvelope(protocol.TypeAgentMessage, protocol.AgentMessage{
		RoomID:   roomID,
		AgentID:  agentID,
		AuthorID: msg.SenderID,
		Content:  msg.Content,
	})
	if err != nil {
		return
	}
	if err := gw.Send(env); err != nil {
		s.logger.Warn("relay.route.gateway_write_failed", "gateway_id", rec.GatewayID, "error", err)
	}
}

func (s *Server) handleSyncSince(ctx context.Context, conn *Conn, env *protocol.Envelope) error {
	var p protocol.SyncSince
	if err := s.decode(env, &p); err != nil {
		return err
	}
	var (
		msgs   []*store.Message
		cursor string
		err    error
	)
	if p.Cursor == "" {
		// No resume point: serve the recent tail instead of replaying the
		// room from the beginning.
		msgs, err = s.stores.Messages.ListRecent(ctx, p.RoomID, p.Limit)
		if err == nil && len(msgs) > 0 {
			last := msgs[len(msgs)-1]
			cursor = store.EncodeCursor(last.CreatedAt, last.ID)
		}
	} else {
		msgs, cursor, err = s.stores.Messages.ListSince(ctx, p.RoomID, p.Cursor, p.Limit)
	}
	if err != nil {
		return fmt.Errorf("sync query: %w", err)
	}
	batch := protocol.SyncBatch{RoomID: p.RoomID, Cursor: cursor}
	for _, m := range msgs {
		batch.Messages = append(batch.Messages, storedMessage(m))
	}
	out, err := protocol.NewEnvelope(protocol.TypeSyncBatch, batch)
	if err != nil {
		return err
	}
	out.ID = env.ID
	return conn.Send(out)
}

func (s *Server) handleRegisterAgents(ctx context.Context, conn *Conn, env *protocol.Envelope) error {
	var p protocol.RegisterAgents
	if err := s.decode(env, &p); err != nil {
		return err
	}
	s.agents.Register(conn.GatewayID, conn.ID, p.Agents)
	for _, a := range p.Agents {
		s.logger.Info("relay.agent.registered",
			"agent_id", a.ID, "type", a.Type, "gateway_id", conn.GatewayID)
	}
	s.notifyAgentStatus(ctx, p.Agents, protocol.StatusOnline, "")
	return nil
}

// notifyAgentStatus pushes a status frame for each agent to the clients of
// every room the agent is a member of.
func (s *Server) notifyAgentStatus(ctx context.Context, agents []protocol.AgentInfo, status, reason string) {
	for _, a := range agents {
		env, err := protocol.NewEnvelope(protocol.TypeAgentStatus, protocol.AgentStatus{
			AgentID: a.ID, Status: status, Reason: reason,
		})
		if err != nil {
			continue
		}
		for _, roomID := range s.agentRooms(ctx, a.ID) {
			s.conns.BroadcastToRoom(roomID, env, "")
		}
	}
}

// agentRooms finds the rooms an agent is a member of. Room count is small;
// a linear scan beats maintaining a reverse index that can go stale.
func (s *Server) agentRooms(ctx context.Context, agentID string) []string {
	rooms, err := s.stores.Rooms.ListRooms(ctx)
	if err != nil {
		s.logger.Error("relay.rooms.list_failed", "error", err)
		return nil
	}
	var out []string
	for _, room := range rooms {
		members, err := s.stores.Rooms.ListMembers(ctx, room.ID)
		if err != nil {
			continue
		}
		for _, m := range members {
			if m.ID == agentID {
				out = append(out, room.ID)
				break
			}
		}
	}
	return out
}

func (s *Server) handleAgentStatus(ctx context.Context, conn *Conn, env *protocol.Envelope) error {
	var p protocol.AgentStatus
	if err := s.decode(env, &p); err != nil {
		return err
	}
	if !s.agents.SetStatus(p.AgentID, p.Status) {
		s.logger.Debug("relay.agent.status_dropped", "agent_id", p.AgentID, "status", p.Status)
		return nil
	}
	s.notifyAgentStatus(ctx, []protocol.AgentInfo{{ID: p.AgentID}}, p.Status, p.Reason)
	return nil
}

func (s *Server) handleStreamChunk(ctx context.Context, conn *Conn, env *protocol.Envelope) error {
	var p protocol.StreamChunk
	if err := s.decode(env, &p); err != nil {
		return err
	}
	if s.deleted.Is(p.AgentID) {
		return nil
	}
	accepted, err := s.streams.AddChunk(p.RoomID, p.AgentID, p.Seq, p.Content)
	if errors.Is(err, ErrStreamTooLong) {
		s.logger.Warn("relay.stream.too_long", "room_id", p.RoomID, "agent_id", p.AgentID)
		s.stopAgentRun(conn, p.RoomID, p.AgentID)
		s.broadcastRoomEvent(p.RoomID, "stream_failed", p.AgentID, "reply too large")
		return nil
	}
	if err != nil || !accepted {
		return nil
	}
	// Forward live so clients can render incremental output.
	out, err := protocol.NewEnvelope(protocol.TypeStreamChunk, p)
	if err == nil {
		s.conns.BroadcastToRoom(p.RoomID, out, "")
	}
	return nil
}

func (s *Server) handleStreamDone(ctx context.Context, conn *Conn, env *protocol.Envelope) error {
	var p protocol.StreamDone
	if err := s.decode(env, &p); err != nil {
		return err
	}
	if s.deleted.Is(p.AgentID) {
		s.streams.Fail(p.RoomID, p.AgentID)
		return nil
	}
	text, ok := s.streams.Done(p.RoomID, p.AgentID)
	if !ok {
		s.logger.Debug("relay.stream.done_without_stream", "room_id", p.RoomID, "agent_id", p.AgentID)
		return nil
	}
	msg := &store.Message{
		RoomID:     p.RoomID,
		SenderID:   p.AgentID,
		SenderKind: store.MemberAgent,
		Content:    text,
	}
	if err := s.stores.Messages.Append(ctx, msg); err != nil {
		return fmt.Errorf("persist agent message: %w", err)
	}
	out, err := protocol.NewEnvelope(protocol.TypeRoomMessage, storedMessage(msg))
	if err == nil {
		s.conns.BroadcastToRoom(p.RoomID, out, "")
	}
	// Forward the terminal frame too so clients can close their stream view.
	done, err := protocol.NewEnvelope(protocol.TypeStreamDone, p)
	if err == nil {
		s.conns.BroadcastToRoom(p.RoomID, done, "")
	}
	return nil
}

func (s *Server) handleStreamError(ctx context.Context, conn *Conn, env *protocol.Envelope) error {
	var p protocol.StreamError
	if err := s.decode(env, &p); err != nil {
		return err
	}
	s.streams.Fail(p.RoomID, p.AgentID)
	if s.deleted.Is(p.AgentID) {
		return nil
	}
	s.broadcastRoomEvent(p.RoomID, "stream_failed", p.AgentID, p.Reason)
	return nil
}

// handleAgentRequest relays an agent-to-agent ask: register it as pending,
// forward to the target's gateway, and pipe the eventual reply (or timeout)
// back to the requesting gateway.
func (s *Server) handleAgentRequest(ctx context.Context, conn *Conn, env *protocol.Envelope) error {
	var p protocol.AgentRequest
	if err := s.decode(env, &p); err != nil {
		return err
	}
	rec, ok := s.agents.Get(p.AgentID)
	if !ok {
		return &protocolViolation{code: protocol.ErrCodeNotMember, msg: fmt.Sprintf("unknown target agent %q", p.AgentID), roomID: p.RoomID}
	}
	gw, ok := s.conns.Get(rec.ConnID)
	if !ok {
		return fmt.Errorf("gateway %q for agent %q is offline", rec.GatewayID, p.AgentID)
	}

	timeout := time.Duration(p.TimeoutMS) * time.Millisecond
	req, err := s.pending.AddWithTimeout(p.RequestID, p.AgentID, p.RoomID, timeout)
	if err != nil {
		if errors.Is(err, ErrPendingCapacity) {
			return violation(protocol.ErrCodeCapacity, "too many in-flight requests")
		}
		return err
	}

	fwd, err := protocol.NewEnvelope(protocol.TypeAgentRequest, p)
	if err != nil {
		s.pending.Cancel(p.RequestID)
		return err
	}
	if err := gw.Send(fwd); err != nil {
		s.pending.Cancel(p.RequestID)
		return fmt.Errorf("forward request: %w", err)
	}

	origin := conn
	go func() {
		reply, ok := <-req.Reply
		if !ok {
			reply = protocol.AgentReply{RequestID: p.RequestID, Error: "request timed out"}
		}
		back, err := protocol.NewEnvelope(protocol.TypeAgentReply, reply)
		if err != nil {
			return
		}
		if err := origin.Send(back); err != nil {
			s.logger.Warn("relay.reply.return_failed", "request_id", p.RequestID, "error", err)
		}
	}()
	return nil
}

func (s *Server) stopAgentRun(gw *Conn, roomID, agentID string) {
	env, err := protocol.NewEnvelope(protocol.TypeAgentStop, protocol.AgentMessage{
		RoomID: roomID, AgentID: agentID,
	})
	if err != nil {
		return
	}
	if err := gw.Send(env); err != nil {
		s.logger.Warn("relay.stop.write_failed", "agent_id", agentID, "error", err)
	}
}

func (s *Server) broadcastRoomEvent(roomID, event, agentID, detail string) {
	env, err := protocol.NewEnvelope(protocol.TypeRoomEvent, protocol.RoomEvent{
		RoomID: roomID, Event: event, AgentID: agentID, Detail: detail,
	})
	if err != nil {
		return
	}
	s.conns.BroadcastToRoom(roomID, env, "")
}

// teardown runs when a connection's read loop exits.
func (s *Server) teardown(conn *Conn) {
	userID, stillOnline := s.conns.Remove(conn.ID)
	s.logger.Info("relay.ws.disconnected", "conn_id", conn.ID, "kind", kindName(conn.Kind))

	if conn.Kind == KindGateway {
		removed := s.agents.RemoveConn(conn.ID)
		if len(removed) > 0 {
			s.logger.Info("relay.agents.removed", "gateway_id", conn.GatewayID, "count", len(removed))
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			infos := make([]protocol.AgentInfo, len(removed))
			for i, id := range removed {
				infos[i] = protocol.AgentInfo{ID: id}
			}
			s.notifyAgentStatus(ctx, infos, protocol.StatusOffline, "gateway disconnected")
		}
		return
	}

	if userID != "" && !stillOnline {
		// Last connection for this user: flip presence offline in every
		// room the departed connection was subscribed to.
		conn.mu.Lock()
		rooms := make([]string, 0, len(conn.rooms))
		for id := range conn.rooms {
			rooms = append(rooms, id)
		}
		conn.mu.Unlock()
		env, err := protocol.NewEnvelope(protocol.TypePresence, protocol.PresenceFrame{
			UserID: userID, Online: false,
		})
		if err != nil {
			return
		}
		for _, roomID := range rooms {
			s.conns.BroadcastToRoom(roomID, env, "")
		}
	}
}

func storedMessage(m *store.Message) protocol.StoredMessage {
	role := "user"
	if m.SenderKind == store.MemberAgent {
		role = "agent"
	}
	return protocol.StoredMessage{
		ID:         m.ID,
		RoomID:     m.RoomID,
		AuthorID:   m.SenderID,
		AuthorRole: role,
		Content:    m.Content,
		CreatedAt:  m.CreatedAt,
	}
}
