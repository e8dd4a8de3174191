package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hivechat/hivechat/internal/adapter"
	"github.com/hivechat/hivechat/internal/config"
	"github.com/hivechat/hivechat/pkg/protocol"
)

// recorder captures frames the runtime pushes upstream.
type recorder struct {
	mu     sync.Mutex
	frames []recorded
}

type recorded struct {
	frameType string
	payload   any
}

func (r *recorder) SendFrame(frameType string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, recorded{frameType, payload})
	return nil
}

func (r *recorder) ofType(frameType string) []recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []recorded
	for _, f := range r.frames {
		if f.frameType == frameType {
			out = append(out, f)
		}
	}
	return out
}

func (r *recorder) waitFor(t *testing.T, frameType string) recorded {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if frames := r.ofType(frameType); len(frames) > 0 {
			return frames[0]
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no %s frame within deadline", frameType)
	return recorded{}
}

func newTestRuntime(t *testing.T, agents ...config.AgentConfig) (*Runtime, *recorder) {
	t.Helper()
	rec := &recorder{}
	reg := adapter.NewRegistry(map[string]config.CustomAdapter{
		"echo": {Command: "cat"},
		"arg":  {Command: "echo", PromptViaArg: true},
	}, adapter.Limits{IdleTimeout: 5 * time.Second, RunTimeout: 10 * time.Second})
	rt := NewRuntime(config.GatewayConfig{Agents: agents}, reg, rec, testLogger())
	t.Cleanup(rt.Dispose)
	return rt, rec
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDeliver_StreamsChunksAndDone(t *testing.T) {
	rt, rec := newTestRuntime(t, config.AgentConfig{ID: "a1", Name: "echo agent", Type: "echo"})

	rt.Deliver(context.Background(), protocol.AgentMessage{
		RoomID: "room-1", AgentID: "a1", AuthorID: "user-1", Content: "hello",
	})

	done := rec.waitFor(t, protocol.TypeStreamDone)
	dp := done.payload.(protocol.StreamDone)
	if dp.RoomID != "room-1" || dp.AgentID != "a1" {
		t.Errorf("done frame = %+v", dp)
	}

	chunks := rec.ofType(protocol.TypeStreamChunk)
	if len(chunks) == 0 {
		t.Fatal("no stream chunks")
	}
	var text string
	lastSeq := int64(-1)
	for _, f := range chunks {
		cp := f.payload.(protocol.StreamChunk)
		if cp.Seq <= lastSeq {
			t.Errorf("seq not increasing: %d after %d", cp.Seq, lastSeq)
		}
		lastSeq = cp.Seq
		text += cp.Content
	}
	if text != "hello" {
		t.Errorf("streamed text = %q", text)
	}
	if dp.Seq <= lastSeq {
		t.Errorf("done seq %d not after last chunk seq %d", dp.Seq, lastSeq)
	}

	statuses := rec.ofType(protocol.TypeAgentStatus)
	if len(statuses) < 2 {
		t.Fatalf("got %d status frames, want busy then online", len(statuses))
	}
	first := statuses[0].payload.(protocol.AgentStatus)
	last := statuses[len(statuses)-1].payload.(protocol.AgentStatus)
	if first.Status != protocol.StatusBusy || last.Status != protocol.StatusOnline {
		t.Errorf("status sequence %q..%q, want busy..online", first.Status, last.Status)
	}
}

func TestDeliver_UnknownAgentIgnored(t *testing.T) {
	rt, rec := newTestRuntime(t, config.AgentConfig{ID: "a1", Type: "echo"})

	rt.Deliver(context.Background(), protocol.AgentMessage{
		RoomID: "room-1", AgentID: "ghost", Content: "hi",
	})
	if n := len(rec.ofType(protocol.TypeStreamChunk)); n != 0 {
		t.Errorf("unknown agent emitted %d chunks", n)
	}
}

func TestDeliver_RejectsWhenAtCapacity(t *testing.T) {
	rec := &recorder{}
	reg := adapter.NewRegistry(map[string]config.CustomAdapter{
		"slow": {Command: "sleep", Args: []string{"1"}},
	}, adapter.Limits{IdleTimeout: 5 * time.Second, RunTimeout: 10 * time.Second})
	rt := NewRuntime(config.GatewayConfig{
		MaxConcurrentRuns: 1,
		Agents: []config.AgentConfig{
			{ID: "a1", Type: "slow"},
			{ID: "a2", Type: "slow"},
		},
	}, reg, rec, testLogger())
	t.Cleanup(rt.Dispose)

	// First run holds the only slot; the second is bounced synchronously.
	rt.Deliver(context.Background(), protocol.AgentMessage{RoomID: "r", AgentID: "a1", Content: "x"})
	rt.Deliver(context.Background(), protocol.AgentMessage{RoomID: "r", AgentID: "a2", Content: "x"})

	for _, f := range rec.ofType(protocol.TypeAgentStatus) {
		st := f.payload.(protocol.AgentStatus)
		if st.AgentID == "a2" {
			if st.Status != protocol.StatusBusy || st.Reason != "gateway at capacity" {
				t.Errorf("second agent status = %+v", st)
			}
			return
		}
	}
	t.Fatal("no status frame for the rejected agent")
}

func TestDeliver_BusyRejectionKeepsActiveStreamOrdered(t *testing.T) {
	rec := &recorder{}
	reg := adapter.NewRegistry(map[string]config.CustomAdapter{
		"twopart": {Command: "sh", Args: []string{"-c", "echo EARLY; sleep 0.4; echo LATE"}},
	}, adapter.Limits{IdleTimeout: 5 * time.Second, RunTimeout: 10 * time.Second})
	rt := NewRuntime(config.GatewayConfig{
		Agents: []config.AgentConfig{{ID: "a1", Type: "twopart"}},
	}, reg, rec, testLogger())
	t.Cleanup(rt.Dispose)

	rt.Deliver(context.Background(), protocol.AgentMessage{RoomID: "r", AgentID: "a1", Content: "x"})
	rec.waitFor(t, protocol.TypeStreamChunk)

	// Second message mid-stream bounces off the busy guard. The active
	// run's sequence must keep climbing so the relay accepts its tail.
	rt.Deliver(context.Background(), protocol.AgentMessage{RoomID: "r", AgentID: "a1", Content: "y"})

	rec.waitFor(t, protocol.TypeStreamDone)

	var text string
	lastSeq := int64(-1)
	for _, f := range rec.ofType(protocol.TypeStreamChunk) {
		cp := f.payload.(protocol.StreamChunk)
		if cp.Seq <= lastSeq {
			t.Errorf("seq regressed: %d after %d", cp.Seq, lastSeq)
		}
		lastSeq = cp.Seq
		text += cp.Content
	}
	if !strings.Contains(text, "EARLY") || !strings.Contains(text, "LATE") {
		t.Errorf("streamed text = %q, want both parts of the reply", text)
	}

	rejected := false
	for _, f := range rec.ofType(protocol.TypeAgentStatus) {
		st := f.payload.(protocol.AgentStatus)
		if st.Status == protocol.StatusBusy && st.Reason == "processing another message" {
			rejected = true
		}
	}
	if !rejected {
		t.Error("second send was not rejected as busy")
	}
}

func TestHandleRequest_RepliesWithFullOutput(t *testing.T) {
	rt, rec := newTestRuntime(t, config.AgentConfig{ID: "a1", Type: "arg"})

	rt.HandleRequest(context.Background(), protocol.AgentRequest{
		RequestID: "req-1", RoomID: "room-1", AgentID: "a1",
		FromAgent: "a2", Content: "ping",
	})

	reply := rec.waitFor(t, protocol.TypeAgentReply).payload.(protocol.AgentReply)
	if reply.RequestID != "req-1" {
		t.Errorf("request id = %q", reply.RequestID)
	}
	if reply.Error != "" {
		t.Fatalf("reply error = %q", reply.Error)
	}
	if got := strings.TrimSpace(reply.Content); got != "ping" {
		t.Errorf("reply content = %q, want %q", got, "ping")
	}
}

func TestHandleRequest_UnknownAgent(t *testing.T) {
	rt, rec := newTestRuntime(t)

	rt.HandleRequest(context.Background(), protocol.AgentRequest{
		RequestID: "req-1", AgentID: "ghost", Content: "ping",
	})
	reply := rec.waitFor(t, protocol.TypeAgentReply).payload.(protocol.AgentReply)
	if reply.Error == "" {
		t.Error("expected an error reply for unknown agent")
	}
}

func TestAgentInfos(t *testing.T) {
	rt, _ := newTestRuntime(t,
		config.AgentConfig{ID: "a1", Name: "one", Type: "echo", Keywords: []string{"k"}},
		config.AgentConfig{ID: "a2", Name: "two", Type: "arg"},
	)
	infos := rt.AgentInfos()
	if len(infos) != 2 {
		t.Fatalf("len(infos) = %d", len(infos))
	}
	raw, err := json.Marshal(infos)
	if err != nil {
		t.Fatalf("marshal infos: %v", err)
	}
	if !strings.Contains(string(raw), `"keywords":["k"]`) {
		t.Errorf("keywords missing from %s", raw)
	}
}
