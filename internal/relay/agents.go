package relay

import (
	"sort"
	"sync"

	"github.com/hivechat/hivechat/pkg/protocol"
)

// AgentRecord is the relay's view of one registered agent. ConnID names the
// exact connection that registered it; a reconnecting gateway overwrites the
// record with its new connection before the stale socket is torn down.
type AgentRecord struct {
	Info      protocol.AgentInfo
	GatewayID string
	ConnID    string
	Status    string
}

// AgentDirectory tracks which gateway owns each agent and its last pushed
// status. Agents removed with their gateway enter the deleted-id memory so
// late frames for them are dropped instead of resurrecting the record.
type AgentDirectory struct {
	mu      sync.RWMutex
	agents  map[string]*AgentRecord
	deleted *DeletedAgentMemory
}

func NewAgentDirectory(deleted *DeletedAgentMemory) *AgentDirectory {
	return &AgentDirectory{
		agents:  make(map[string]*AgentRecord),
		deleted: deleted,
	}
}

// Register declares the agents a gateway connection owns. Re-registering
// after a reconnect clears any deletion marks left by the disconnect.
func (d *AgentDirectory) Register(gatewayID, connID string, infos []protocol.AgentInfo) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, info := range infos {
		d.deleted.Clear(info.ID)
		d.agents[info.ID] = &AgentRecord{
			Info:      info,
			GatewayID: gatewayID,
			ConnID:    connID,
			Status:    protocol.StatusOnline,
		}
	}
}

// SetStatus updates an agent's status. It reports false for unknown or
// deleted agents, whose late frames are ignored.
func (d *AgentDirectory) SetStatus(agentID, status string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.deleted.Is(agentID) {
		return false
	}
	rec, ok := d.agents[agentID]
	if !ok {
		return false
	}
	rec.Status = status
	return true
}

func (d *AgentDirectory) Get(agentID string) (AgentRecord, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rec, ok := d.agents[agentID]
	if !ok {
		return AgentRecord{}, false
	}
	return *rec, true
}

// Known reports whether an agent is registered and not marked deleted.
func (d *AgentDirectory) Known(agentID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.agents[agentID]
	return ok && !d.deleted.Is(agentID)
}

// RemoveConn drops every agent registered by one connection, marking each
// id in the deleted memory, and returns the removed ids sorted. Agents the
// same gateway re-registered over a newer connection are left alone, so a
// stale socket's teardown cannot undo a completed reconnect.
func (d *AgentDirectory) RemoveConn(connID string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var removed []string
	for id, rec := range d.agents {
		if rec.ConnID == connID {
			delete(d.agents, id)
			d.deleted.Mark(id)
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	return removed
}

func (d *AgentDirectory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.agents)
}
