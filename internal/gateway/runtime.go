package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/hivechat/hivechat/internal/adapter"
	"github.com/hivechat/hivechat/internal/config"
	"github.com/hivechat/hivechat/pkg/protocol"
)

// defaultMaxConcurrentRuns caps simultaneous adapter processes per host
// when the config leaves gateway.max_concurrent_runs unset.
const defaultMaxConcurrentRuns = 4

// frameSender is the slice of the relay client the runtime needs to push
// frames upstream. Tests substitute a recorder.
type frameSender interface {
	SendFrame(frameType string, payload any) error
}

// Runtime owns the gateway's agents: one adapter per configured agent, a
// per-(room, agent) stream sequence, and the translation of adapter events
// into protocol frames.
type Runtime struct {
	sender frameSender
	logger *slog.Logger
	sem    *semaphore.Weighted // host-wide cap on concurrent adapter runs

	mu     sync.Mutex
	agents map[string]*agentState
}

type agentState struct {
	cfg config.AgentConfig
	ad  adapter.Adapter
}

// NewRuntime builds adapters for every configured agent. An agent whose
// adapter cannot be constructed is skipped with an error log rather than
// failing the whole gateway.
func NewRuntime(cfg config.GatewayConfig, reg *adapter.Registry, sender frameSender, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	maxRuns := cfg.MaxConcurrentRuns
	if maxRuns <= 0 {
		maxRuns = defaultMaxConcurrentRuns
	}
	r := &Runtime{
		sender: sender,
		logger: logger,
		sem:    semaphore.NewWeighted(int64(maxRuns)),
		agents: make(map[string]*agentState),
	}
	for _, a := range cfg.Agents {
		ad, err := reg.New(a.Type, adapter.Options{WorkingDir: a.WorkingDir})
		if err != nil {
			logger.Error("gateway.agent.adapter_failed",
				"agent_id", a.ID, "type", a.Type, "error", err)
			continue
		}
		r.agents[a.ID] = &agentState{cfg: a, ad: ad}
	}
	return r
}

// AgentInfos lists the agents to register with the relay.
func (r *Runtime) AgentInfos() []protocol.AgentInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.AgentInfo, 0, len(r.agents))
	for _, st := range r.agents {
		out = append(out, protocol.AgentInfo{
			ID:         st.cfg.ID,
			Name:       st.cfg.Name,
			Type:       st.cfg.Type,
			WorkingDir: st.cfg.WorkingDir,
			Keywords:   st.cfg.Keywords,
		})
	}
	return out
}

func (r *Runtime) agent(id string) (*agentState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.agents[id]
	return st, ok
}

// Deliver runs a routed room message through the target agent's adapter,
// streaming its output back to the relay. A busy agent or a saturated host
// rejects the message with a busy status rather than queueing it.
func (r *Runtime) Deliver(ctx context.Context, m protocol.AgentMessage) {
	st, ok := r.agent(m.AgentID)
	if !ok {
		r.logger.Warn("gateway.deliver.unknown_agent", "agent_id", m.AgentID)
		return
	}

	if !r.sem.TryAcquire(1) {
		r.logger.Info("gateway.deliver.saturated", "agent_id", m.AgentID, "room_id", m.RoomID)
		r.setStatus(m.AgentID, protocol.StatusBusy, "gateway at capacity")
		return
	}
	// Send returns once the process is spawned; the run terminates later
	// through the emitter, so the slot is released on the terminal event.
	release := sync.OnceFunc(func() { r.sem.Release(1) })

	r.setStatus(m.AgentID, protocol.StatusBusy, "")

	emit := r.streamEmitter(m.RoomID, m.AgentID)
	wrapped := func(ev adapter.Event) {
		emit(ev)
		if ev.Done != nil || ev.Err != nil {
			release()
		}
	}
	if err := st.ad.Send(ctx, m.Content, wrapped); err != nil {
		release()
		if errors.Is(err, adapter.ErrAlreadyProcessing) {
			r.logger.Info("gateway.deliver.busy", "agent_id", m.AgentID, "room_id", m.RoomID)
			r.setStatus(m.AgentID, protocol.StatusBusy, "processing another message")
			return
		}
		r.sendStreamError(m.RoomID, m.AgentID, runFailureReason(err))
		r.setStatus(m.AgentID, statusAfterFailure(err), runFailureReason(err))
	}
}

// streamEmitter translates adapter events for one run into stream frames.
// The sequence counter belongs to the run, not the agent: a concurrent send
// bouncing off the busy guard can never perturb the active run's numbering.
func (r *Runtime) streamEmitter(roomID, agentID string) adapter.EmitFunc {
	var seq atomic.Int64
	return func(ev adapter.Event) {
		switch {
		case ev.Chunk != nil:
			err := r.sender.SendFrame(protocol.TypeStreamChunk, protocol.StreamChunk{
				RoomID:  roomID,
				AgentID: agentID,
				Seq:     seq.Add(1) - 1,
				Kind:    ev.Chunk.Kind,
				Content: ev.Chunk.Content,
			})
			if err != nil {
				r.logger.Warn("gateway.stream.chunk_failed", "agent_id", agentID, "error", err)
			}
		case ev.Done != nil:
			if err := r.sender.SendFrame(protocol.TypeStreamDone, protocol.StreamDone{
				RoomID:  roomID,
				AgentID: agentID,
				Seq:     seq.Add(1) - 1,
			}); err != nil {
				r.logger.Warn("gateway.stream.done_failed", "agent_id", agentID, "error", err)
			}
			r.setStatus(agentID, protocol.StatusOnline, "")
		case ev.Err != nil:
			r.sendStreamError(roomID, agentID, runFailureReason(ev.Err))
			r.setStatus(agentID, statusAfterFailure(ev.Err), runFailureReason(ev.Err))
		}
	}
}

// HandleRequest runs an agent-to-agent ask to completion and replies with
// the full output instead of a stream.
func (r *Runtime) HandleRequest(ctx context.Context, req protocol.AgentRequest) {
	reply := protocol.AgentReply{RequestID: req.RequestID}
	defer func() {
		if err := r.sender.SendFrame(protocol.TypeAgentReply, reply); err != nil {
			r.logger.Warn("gateway.request.reply_failed", "request_id", req.RequestID, "error", err)
		}
	}()

	st, ok := r.agent(req.AgentID)
	if !ok {
		reply.Error = fmt.Sprintf("unknown agent %q", req.AgentID)
		return
	}

	// Asks wait for a slot instead of bouncing; the request deadline bounds
	// the wait.
	if err := r.sem.Acquire(ctx, 1); err != nil {
		reply.Error = "request canceled"
		return
	}
	defer r.sem.Release(1)

	done := make(chan struct{})
	emit := func(ev adapter.Event) {
		switch {
		case ev.Done != nil:
			reply.Content = ev.Done.Output
			close(done)
		case ev.Err != nil:
			reply.Error = runFailureReason(ev.Err)
			close(done)
		}
	}

	r.setStatus(req.AgentID, protocol.StatusBusy, "")
	defer r.setStatus(req.AgentID, protocol.StatusOnline, "")

	if err := st.ad.Send(ctx, req.Content, emit); err != nil {
		reply.Error = runFailureReason(err)
		return
	}
	select {
	case <-done:
	case <-ctx.Done():
		st.ad.Stop()
		reply.Error = "request canceled"
	}
}

// Stop aborts an agent's active run.
func (r *Runtime) Stop(agentID string) {
	if st, ok := r.agent(agentID); ok {
		st.ad.Stop()
	}
}

// Dispose tears down every adapter.
func (r *Runtime) Dispose() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, st := range r.agents {
		st.ad.Dispose()
	}
}

func (r *Runtime) sendStreamError(roomID, agentID, reason string) {
	if err := r.sender.SendFrame(protocol.TypeStreamError, protocol.StreamError{
		RoomID: roomID, AgentID: agentID, Reason: reason,
	}); err != nil {
		r.logger.Warn("gateway.stream.error_failed", "agent_id", agentID, "error", err)
	}
}

func (r *Runtime) setStatus(agentID, status, reason string) {
	if err := r.sender.SendFrame(protocol.TypeAgentStatus, protocol.AgentStatus{
		AgentID: agentID, Status: status, Reason: reason,
	}); err != nil {
		r.logger.Warn("gateway.status.send_failed", "agent_id", agentID, "error", err)
	}
}

// runFailureReason maps adapter failures onto short human-readable reasons.
// Raw internals never reach users.
func runFailureReason(err error) string {
	switch {
	case errors.Is(err, adapter.ErrTimedOut):
		return "agent timed out"
	case errors.Is(err, adapter.ErrResponseTooLarge):
		return "agent reply was too large"
	case errors.Is(err, adapter.ErrKilledBySignal):
		return "agent was killed"
	case errors.Is(err, adapter.ErrNotFound):
		return "agent executable not found"
	case errors.Is(err, adapter.ErrAlreadyProcessing):
		return "agent is busy"
	default:
		return fmt.Sprintf("agent failed: %v", err)
	}
}

// statusAfterFailure distinguishes configuration errors (the agent cannot
// run at all) from transient run failures.
func statusAfterFailure(err error) string {
	if errors.Is(err, adapter.ErrNotFound) || errors.Is(err, adapter.ErrBadCommand) {
		return protocol.StatusError
	}
	return protocol.StatusOnline
}
