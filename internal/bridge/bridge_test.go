package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hivechat/hivechat/pkg/protocol"
)

// fakeAPI records calls and returns canned data.
type fakeAPI struct {
	sent    []string
	askErr  error
	panicOn string
}

func (f *fakeAPI) SendAsAgent(agentID, roomID, content string) error {
	if f.panicOn == "send" {
		panic("send exploded")
	}
	f.sent = append(f.sent, fmt.Sprintf("%s|%s|%s", agentID, roomID, content))
	return nil
}

func (f *fakeAPI) Ask(ctx context.Context, fromAgent, targetAgent, roomID, content string, timeout time.Duration) (string, error) {
	if f.askErr != nil {
		return "", f.askErr
	}
	return "pong from " + targetAgent, nil
}

func (f *fakeAPI) RecentMessages(ctx context.Context, roomID string, limit int) ([]protocol.StoredMessage, error) {
	return []protocol.StoredMessage{{ID: "m1", RoomID: roomID, Content: "hi"}}, nil
}

func (f *fakeAPI) Members(ctx context.Context, roomID string) ([]protocol.MemberInfo, error) {
	return []protocol.MemberInfo{{ID: "a1", Kind: "agent", Status: "online"}}, nil
}

func testServer(api *fakeAPI) *Server {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewServer(api, []string{"a1", "a2"}, logger)
}

// do routes a request through the full middleware chain without binding a
// real port.
func do(s *Server, method, target, agentID, body string) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /send", s.withAgent(s.throttled(s.handleSend)))
	mux.HandleFunc("POST /ask", s.withAgent(s.throttled(s.handleAsk)))
	mux.HandleFunc("GET /messages", s.withAgent(s.handleMessages))
	mux.HandleFunc("GET /members", s.withAgent(s.handleMembers))
	handler := s.guard(mux)

	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.RemoteAddr = "127.0.0.1:54321"
	if agentID != "" {
		req.Header.Set(AgentIDHeader, agentID)
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func TestSend(t *testing.T) {
	api := &fakeAPI{}
	s := testServer(api)

	w := do(s, "POST", "/send", "a1", `{"room_id":"r1","content":"hello"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body)
	}
	if len(api.sent) != 1 || api.sent[0] != "a1|r1|hello" {
		t.Errorf("sent = %v", api.sent)
	}
}

func TestAsk(t *testing.T) {
	s := testServer(&fakeAPI{})

	w := do(s, "POST", "/ask", "a1", `{"room_id":"r1","target_agent":"a2","content":"ping"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body)
	}
	var resp map[string]string
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["content"] != "pong from a2" {
		t.Errorf("content = %q", resp["content"])
	}
}

func TestAskFailureIs500WithMessage(t *testing.T) {
	s := testServer(&fakeAPI{askErr: fmt.Errorf("agent timed out")})

	w := do(s, "POST", "/ask", "a1", `{"room_id":"r1","target_agent":"a2","content":"ping"}`)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "agent timed out") {
		t.Errorf("body %s does not carry the reason", w.Body)
	}
}

func TestMessagesAndMembers(t *testing.T) {
	s := testServer(&fakeAPI{})

	w := do(s, "GET", "/messages?room_id=r1&limit=10", "a1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("messages status = %d", w.Code)
	}
	var msgs []protocol.StoredMessage
	json.Unmarshal(w.Body.Bytes(), &msgs)
	if len(msgs) != 1 || msgs[0].ID != "m1" {
		t.Errorf("messages = %v", msgs)
	}

	w = do(s, "GET", "/members?room_id=r1", "a1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("members status = %d", w.Code)
	}
	var members []protocol.MemberInfo
	json.Unmarshal(w.Body.Bytes(), &members)
	if len(members) != 1 || members[0].ID != "a1" {
		t.Errorf("members = %v", members)
	}
}

func TestAgentHeaderValidation(t *testing.T) {
	s := testServer(&fakeAPI{})

	if w := do(s, "POST", "/send", "", `{"room_id":"r1","content":"x"}`); w.Code != http.StatusBadRequest {
		t.Errorf("missing header status = %d, want 400", w.Code)
	}
	if w := do(s, "POST", "/send", "ghost", `{"room_id":"r1","content":"x"}`); w.Code != http.StatusNotFound {
		t.Errorf("unknown agent status = %d, want 404", w.Code)
	}
}

func TestWriteThrottle(t *testing.T) {
	s := testServer(&fakeAPI{})

	for i := 0; i < writeBurst; i++ {
		if w := do(s, "POST", "/send", "a1", `{"room_id":"r1","content":"x"}`); w.Code != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i, w.Code)
		}
	}
	if w := do(s, "POST", "/send", "a1", `{"room_id":"r1","content":"x"}`); w.Code != http.StatusTooManyRequests {
		t.Errorf("over-burst status = %d, want 429", w.Code)
	}

	// Reads are not throttled.
	if w := do(s, "GET", "/members?room_id=r1", "a1", ""); w.Code != http.StatusOK {
		t.Errorf("read status = %d, want 200", w.Code)
	}
}

func TestNonLoopbackRejected(t *testing.T) {
	s := testServer(&fakeAPI{})
	mux := http.NewServeMux()
	mux.HandleFunc("POST /send", s.withAgent(s.handleSend))
	handler := s.guard(mux)

	req := httptest.NewRequest("POST", "/send", strings.NewReader(`{}`))
	req.RemoteAddr = "192.168.1.50:44000"
	req.Header.Set(AgentIDHeader, "a1")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("non-loopback status = %d, want 403", w.Code)
	}
}

func TestHandlerPanicBecomes500(t *testing.T) {
	s := testServer(&fakeAPI{panicOn: "send"})

	w := do(s, "POST", "/send", "a1", `{"room_id":"r1","content":"boom"}`)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	if !strings.Contains(w.Body.String(), "send exploded") {
		t.Errorf("body %s does not carry the panic message", w.Body)
	}
}

func TestMalformedBody(t *testing.T) {
	s := testServer(&fakeAPI{})
	if w := do(s, "POST", "/send", "a1", `{not json`); w.Code != http.StatusBadRequest {
		t.Errorf("malformed body status = %d, want 400", w.Code)
	}
}
