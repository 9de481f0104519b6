package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/pipali/pipali/internal/confirm"
	"github.com/pipali/pipali/internal/coordinator"
	"github.com/pipali/pipali/internal/director"
	"github.com/pipali/pipali/internal/protocol"
	"github.com/pipali/pipali/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "pipali.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func answerDirector(answer string) director.Director {
	return director.Func(func(ctx context.Context, trajectory []protocol.Step, constraints director.Constraints, emit func(director.Iteration) bool) error {
		emit(director.Iteration{Phase: director.PhaseStepStart, Message: answer})
		emit(director.Iteration{Phase: director.PhaseStepEnd, Message: answer})
		return nil
	})
}

func startTestServer(t *testing.T, opts Options, d director.Director) (*httptest.Server, *store.Store) {
	t.Helper()
	st := openTestStore(t)
	hub := NewHub()
	c := coordinator.New(st, d, confirm.New(confirm.DefaultTTL), hub)
	hub.SetOnEmpty(c.Disconnect)
	s := New(opts, hub, c, st)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	ts := httptest.NewServer(s.http.Handler)
	t.Cleanup(ts.Close)
	return ts, st
}

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func TestWebsocketSession(t *testing.T) {
	ts, _ := startTestServer(t, Options{}, answerDirector("hello back"))

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	cmd := protocol.MessageCommand{Message: "hello", ClientMessageID: "m1"}
	frame, err := protocol.EncodeCommand(&cmd)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("write: %v", err)
	}

	var types []string
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		conn.SetReadDeadline(time.Now().Add(time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read (after %v): %v", types, err)
		}
		ev, err := protocol.DecodeEvent(msg)
		if err != nil {
			t.Fatalf("decode %s: %v", msg, err)
		}
		types = append(types, ev.EventType())
		if rc, ok := ev.(protocol.RunCompleteEvent); ok {
			if rc.Data.Response != "hello back" {
				t.Fatalf("unexpected response %q", rc.Data.Response)
			}
			break
		}
	}

	want := []string{
		protocol.EvtConversationCreated,
		protocol.EvtUserStepSaved,
		protocol.EvtRunStarted,
		protocol.EvtStepStart,
		protocol.EvtStepEnd,
		protocol.EvtRunComplete,
	}
	if strings.Join(types, ",") != strings.Join(want, ",") {
		t.Fatalf("event order mismatch:\n got %v\nwant %v", types, want)
	}
}

func TestMalformedFrameGetsErrorReply(t *testing.T) {
	ts, _ := startTestServer(t, Options{}, answerDirector("x"))

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var reply struct {
		Type  string `json:"type"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(msg, &reply); err != nil {
		t.Fatalf("unmarshal %s: %v", msg, err)
	}
	if reply.Type != "error" || reply.Error == "" {
		t.Fatalf("expected error frame, got %s", msg)
	}
}

func TestAuthGuardsRoutes(t *testing.T) {
	const secret = "test-secret"
	ts, _ := startTestServer(t, Options{JWTSecret: secret}, answerDirector("x"))

	resp, err := http.Get(ts.URL + "/api/conversations")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/conversations", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get with token: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", resp.StatusCode)
	}

	// Health stays open for process supervisors.
	resp, err = http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz must not require auth, got %d", resp.StatusCode)
	}
}

func TestTranscriptRendersMarkdown(t *testing.T) {
	ts, st := startTestServer(t, Options{}, answerDirector("x"))
	ctx := context.Background()

	conv, err := st.CreateConversation(ctx, "", "Weekly report", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := st.AddStep(ctx, conv.ID, protocol.Step{
		Source:  protocol.SourceUser,
		Content: "write the report",
	}); err != nil {
		t.Fatalf("add user step: %v", err)
	}
	if _, err := st.AddStep(ctx, conv.ID, protocol.Step{
		Source:  protocol.SourceAssistant,
		Content: "**Done.** See the numbers below.",
		Thoughts: []protocol.Thought{
			{ID: "tc1", Type: protocol.ThoughtToolCall, Content: "list_files", ToolResult: "5 items"},
		},
	}); err != nil {
		t.Fatalf("add assistant step: %v", err)
	}

	resp, err := http.Get(ts.URL + "/api/conversations/" + conv.ID + "/transcript")
	if err != nil {
		t.Fatalf("get transcript: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	html := string(raw)
	for _, want := range []string{"Weekly report", "write the report", "<strong>Done.</strong>", "list_files", "5 items"} {
		if !strings.Contains(html, want) {
			t.Fatalf("transcript missing %q:\n%s", want, html)
		}
	}
}
