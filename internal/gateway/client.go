// Package gateway runs on an agent host: it maintains the websocket to the
// relay, registers its agents, and drives their process adapters.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/hivechat/hivechat/internal/config"
	"github.com/hivechat/hivechat/pkg/protocol"
)

const (
	reconnectMin = time.Second
	reconnectMax = 30 * time.Second
)

// ErrNotConnected is returned by upstream calls while the relay link is down.
var ErrNotConnected = errors.New("gateway: not connected to relay")

// Client is the gateway's relay connection. It reconnects with capped
// backoff and re-registers its agents after every reconnect.
type Client struct {
	cfg     config.GatewayConfig
	logger  *slog.Logger
	runtime *Runtime

	mu   sync.Mutex
	conn *websocket.Conn

	pendMu    sync.Mutex
	replies   map[string]chan protocol.AgentReply // RequestID → bridge ask waiter
	responses map[string]chan *protocol.Envelope  // envelope ID → response waiter
}

func NewClient(cfg config.GatewayConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:       cfg,
		logger:    logger,
		replies:   make(map[string]chan protocol.AgentReply),
		responses: make(map[string]chan *protocol.Envelope),
	}
}

// SetRuntime wires the agent runtime. Must be called before Run.
func (c *Client) SetRuntime(rt *Runtime) { c.runtime = rt }

// Run maintains the relay connection until ctx is canceled.
func (c *Client) Run(ctx context.Context) error {
	backoff := reconnectMin
	for {
		err := c.connectAndServe(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("gateway.relay.disconnected", "error", err, "retry_in", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > reconnectMax {
			backoff = reconnectMax
		}
	}
}

func (c *Client) connectAndServe(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := websocket.Dial(dialCtx, c.cfg.RelayURL, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}
	conn.SetReadLimit(1 << 20)

	if err := c.handshake(ctx, conn); err != nil {
		conn.Close(websocket.StatusPolicyViolation, "handshake failed")
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "")
		c.failWaiters()
	}()

	c.logger.Info("gateway.relay.connected", "gateway_id", c.cfg.GatewayID)
	return c.serve(ctx, conn)
}

// handshake authenticates and registers this gateway's agents. It runs on
// both the first connect and every reconnect, so the relay always relearns
// the agent set after an outage.
func (c *Client) handshake(ctx context.Context, conn *websocket.Conn) error {
	hsCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	auth, err := protocol.NewEnvelope(protocol.TypeAuth, protocol.AuthFrame{
		Token:     c.cfg.Token,
		Kind:      "gateway",
		GatewayID: c.cfg.GatewayID,
		Protocol:  protocol.ProtocolVersion,
	})
	if err != nil {
		return err
	}
	if err := wsjson.Write(hsCtx, conn, auth); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	var ackEnv protocol.Envelope
	if err := wsjson.Read(hsCtx, conn, &ackEnv); err != nil {
		return fmt.Errorf("read auth ack: %w", err)
	}
	var ack protocol.AuthAck
	if err := protocol.DecodeGuarded(ackEnv.Payload, &ack, protocol.DefaultMaxDepth, protocol.DefaultMaxItems); err != nil {
		return fmt.Errorf("decode auth ack: %w", err)
	}
	if !ack.OK {
		return fmt.Errorf("relay rejected auth: %s", ack.Error)
	}

	register, err := protocol.NewEnvelope(protocol.TypeRegisterAgents, protocol.RegisterAgents{
		Agents: c.runtime.AgentInfos(),
	})
	if err != nil {
		return err
	}
	if err := wsjson.Write(hsCtx, conn, register); err != nil {
		return fmt.Errorf("register agents: %w", err)
	}
	return nil
}

func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	for {
		var env protocol.Envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			return err
		}
		c.dispatch(ctx, &env)
	}
}

func (c *Client) dispatch(ctx context.Context, env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypeAgentMessage:
		var m protocol.AgentMessage
		if err := protocol.DecodeGuarded(env.Payload, &m, protocol.DefaultMaxDepth, protocol.DefaultMaxItems); err != nil {
			c.logger.Warn("gateway.frame.bad_payload", "type", env.Type, "error", err)
			return
		}
		go c.runtime.Deliver(ctx, m)
	case protocol.TypeAgentRequest:
		var req protocol.AgentRequest
		if err := protocol.DecodeGuarded(env.Payload, &req, protocol.DefaultMaxDepth, protocol.DefaultMaxItems); err != nil {
			c.logger.Warn("gateway.frame.bad_payload", "type", env.Type, "error", err)
			return
		}
		reqCtx := ctx
		if req.TimeoutMS > 0 {
			var cancel context.CancelFunc
			reqCtx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutMS)*time.Millisecond)
			go func() {
				defer cancel()
				c.runtime.HandleRequest(reqCtx, req)
			}()
			return
		}
		go c.runtime.HandleRequest(reqCtx, req)
	case protocol.TypeAgentStop:
		var m protocol.AgentMessage
		if err := protocol.DecodeGuarded(env.Payload, &m, protocol.DefaultMaxDepth, protocol.DefaultMaxItems); err != nil {
			return
		}
		c.runtime.Stop(m.AgentID)
	case protocol.TypeAgentReply:
		var reply protocol.AgentReply
		if err := protocol.DecodeGuarded(env.Payload, &reply, protocol.DefaultMaxDepth, protocol.DefaultMaxItems); err != nil {
			return
		}
		c.resolveReply(reply)
	case protocol.TypeSyncBatch, protocol.TypeMemberList, protocol.TypePong:
		c.resolveResponse(env)
	case protocol.TypeError:
		var ef protocol.ErrorFrame
		if err := protocol.DecodeGuarded(env.Payload, &ef, protocol.DefaultMaxDepth, protocol.DefaultMaxItems); err == nil {
			c.logger.Warn("gateway.relay.error", "code", ef.Code, "message", ef.Message, "room_id", ef.RoomID)
		}
	default:
		c.logger.Warn("gateway.frame.unknown_type", "type", env.Type)
	}
}

// SendFrame pushes one frame upstream. Implements the runtime's sender.
func (c *Client) SendFrame(frameType string, payload any) error {
	env, err := protocol.NewEnvelope(frameType, payload)
	if err != nil {
		return err
	}
	return c.sendEnvelope(env)
}

func (c *Client) sendEnvelope(env *protocol.Envelope) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return wsjson.Write(ctx, conn, env)
}

// request sends an envelope and waits for the response frame carrying the
// same envelope id.
func (c *Client) request(ctx context.Context, env *protocol.Envelope) (*protocol.Envelope, error) {
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	ch := make(chan *protocol.Envelope, 1)
	c.pendMu.Lock()
	c.responses[env.ID] = ch
	c.pendMu.Unlock()
	defer func() {
		c.pendMu.Lock()
		delete(c.responses, env.ID)
		c.pendMu.Unlock()
	}()

	if err := c.sendEnvelope(env); err != nil {
		return nil, err
	}
	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrNotConnected
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) resolveResponse(env *protocol.Envelope) {
	if env.ID == "" {
		return
	}
	c.pendMu.Lock()
	ch, ok := c.responses[env.ID]
	if ok {
		delete(c.responses, env.ID)
	}
	c.pendMu.Unlock()
	if ok {
		ch <- env
	}
}

func (c *Client) resolveReply(reply protocol.AgentReply) {
	c.pendMu.Lock()
	ch, ok := c.replies[reply.RequestID]
	if ok {
		delete(c.replies, reply.RequestID)
	}
	c.pendMu.Unlock()
	if ok {
		ch <- reply
	} else {
		c.logger.Debug("gateway.reply.unmatched", "request_id", reply.RequestID)
	}
}

// failWaiters unblocks every in-flight request after a disconnect.
func (c *Client) failWaiters() {
	c.pendMu.Lock()
	defer c.pendMu.Unlock()
	for id, ch := range c.responses {
		close(ch)
		delete(c.responses, id)
	}
	for id, ch := range c.replies {
		close(ch)
		delete(c.replies, id)
	}
}

// SendAsAgent posts a fire-and-forget message into a room on behalf of one
// of this gateway's agents.
func (c *Client) SendAsAgent(agentID, roomID, content string) error {
	return c.SendFrame(protocol.TypeAgentSend, protocol.AgentSend{
		RoomID:  roomID,
		AgentID: agentID,
		Content: content,
	})
}

// Ask sends an agent-to-agent request through the relay and waits for the
// reply, bounded by ctx and the given timeout.
func (c *Client) Ask(ctx context.Context, fromAgent, targetAgent, roomID, content string, timeout time.Duration) (string, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	requestID := uuid.NewString()
	ch := make(chan protocol.AgentReply, 1)
	c.pendMu.Lock()
	c.replies[requestID] = ch
	c.pendMu.Unlock()
	defer func() {
		c.pendMu.Lock()
		delete(c.replies, requestID)
		c.pendMu.Unlock()
	}()

	err := c.SendFrame(protocol.TypeAgentRequest, protocol.AgentRequest{
		RequestID: requestID,
		RoomID:    roomID,
		AgentID:   targetAgent,
		FromAgent: fromAgent,
		Content:   content,
		TimeoutMS: int(timeout / time.Millisecond),
	})
	if err != nil {
		return "", err
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			return "", ErrNotConnected
		}
		if reply.Error != "" {
			return "", errors.New(reply.Error)
		}
		return reply.Content, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// RecentMessages fetches a room's recent message tail from the relay.
func (c *Client) RecentMessages(ctx context.Context, roomID string, limit int) ([]protocol.StoredMessage, error) {
	env, err := protocol.NewEnvelope(protocol.TypeSyncSince, protocol.SyncSince{
		RoomID: roomID,
		Limit:  limit,
	})
	if err != nil {
		return nil, err
	}
	resp, err := c.request(ctx, env)
	if err != nil {
		return nil, err
	}
	var batch protocol.SyncBatch
	if err := protocol.DecodeGuarded(resp.Payload, &batch, protocol.DefaultMaxDepth, protocol.DefaultMaxItems); err != nil {
		return nil, err
	}
	return batch.Messages, nil
}

// Members fetches a room's member list from the relay.
func (c *Client) Members(ctx context.Context, roomID string) ([]protocol.MemberInfo, error) {
	env, err := protocol.NewEnvelope(protocol.TypeListMembers, protocol.ListMembersReq{RoomID: roomID})
	if err != nil {
		return nil, err
	}
	resp, err := c.request(ctx, env)
	if err != nil {
		return nil, err
	}
	var list protocol.MemberList
	if err := protocol.DecodeGuarded(resp.Payload, &list, protocol.DefaultMaxDepth, protocol.DefaultMaxItems); err != nil {
		return nil, err
	}
	return list.Members, nil
}
