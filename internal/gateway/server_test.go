package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/hireloop/chat-service/internal/auth"
	"github.com/hireloop/chat-service/internal/moderation"
	"github.com/hireloop/chat-service/internal/protocol"
	"github.com/hireloop/chat-service/internal/registry"
)

const connectTestSecret = "connect-test-secret"

func newConnectEnv(t *testing.T, deny bool) (*httptest.Server, *auth.JWTVerifier) {
	t.Helper()
	verifier := auth.NewJWTVerifier([]byte(connectTestSecret))
	server := NewServer(DefaultConfig(), Deps{
		Verifier: verifier,
		Chats:    &fakeChatStore{deny: deny},
		Messages: &fakeMessageStore{},
		Registry: registry.New(),
		Filter:   moderation.NewFilter(),
	})
	ts := httptest.NewServer(server.routes())
	t.Cleanup(ts.Close)
	return ts, verifier
}

// wsClient is a raw WebSocket client for exercising the connect sequence
// over a real socket.
type wsClient struct {
	conn net.Conn
	rw   io.ReadWriter
}

func dialChat(t *testing.T, ts *httptest.Server, chatID int64, token string) *wsClient {
	t.Helper()
	u := "ws" + strings.TrimPrefix(ts.URL, "http") +
		fmt.Sprintf("/ws/%d?token=%s", chatID, token)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, br, _, err := ws.DefaultDialer.Dial(ctx, u)
	if err != nil {
		t.Fatalf("dial %s: %v", u, err)
	}
	t.Cleanup(func() { conn.Close() })

	var r io.Reader = conn
	if br != nil {
		r = br
	}
	return &wsClient{conn: conn, rw: struct {
		io.Reader
		io.Writer
	}{r, conn}}
}

func (c *wsClient) readEnvelope(t *testing.T) protocol.Envelope {
	t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	data, err := wsutil.ReadServerText(c.rw)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("frame is not valid JSON: %v", err)
	}
	return env
}

func (c *wsClient) readClose(t *testing.T) wsutil.ClosedError {
	t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err := wsutil.ReadServerText(c.rw)
	var closed wsutil.ClosedError
	if !errors.As(err, &closed) {
		t.Fatalf("expected a close frame, got err=%v", err)
	}
	return closed
}

func (c *wsClient) expectNoFrame(t *testing.T) {
	t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if data, err := wsutil.ReadServerText(c.rw); err == nil {
		t.Fatalf("unexpected frame: %s", data)
	}
	_ = c.conn.SetReadDeadline(time.Time{})
}

func TestConnectSequenceAcksAndAnnounces(t *testing.T) {
	ts, verifier := newConnectEnv(t, false)

	tokenA, err := verifier.Issue(7, 0)
	if err != nil {
		t.Fatal(err)
	}
	a := dialChat(t, ts, 42, tokenA)

	env := a.readEnvelope(t)
	if env.Type != protocol.TypeConnectionAck {
		t.Fatalf("first frame type = %q, want connection-ack", env.Type)
	}
	var ack protocol.ConnectionAckOut
	if err := json.Unmarshal(env.Data, &ack); err != nil {
		t.Fatal(err)
	}
	if ack.ChatID != 42 || ack.UserID != 7 || ack.Status != "connected" {
		t.Errorf("ack payload = %+v", ack)
	}

	tokenB, err := verifier.Issue(8, 0)
	if err != nil {
		t.Fatal(err)
	}
	b := dialChat(t, ts, 42, tokenB)
	if env := b.readEnvelope(t); env.Type != protocol.TypeConnectionAck {
		t.Fatalf("peer first frame type = %q, want connection-ack", env.Type)
	}

	// The earlier connection learns the peer came online.
	env = a.readEnvelope(t)
	if env.Type != protocol.TypeUserStatus {
		t.Fatalf("frame type = %q, want user-status", env.Type)
	}
	var st protocol.UserStatusOut
	if err := json.Unmarshal(env.Data, &st); err != nil {
		t.Fatal(err)
	}
	if st.ChatID != 42 || st.UserID != 8 || st.Status != protocol.StatusOnline {
		t.Errorf("status payload = %+v", st)
	}

	// A second tab for the same user is acked, but not re-announced.
	b2 := dialChat(t, ts, 42, tokenB)
	if env := b2.readEnvelope(t); env.Type != protocol.TypeConnectionAck {
		t.Fatalf("second tab first frame type = %q, want connection-ack", env.Type)
	}
	a.expectNoFrame(t)
}

func TestConnectRejectsBadToken(t *testing.T) {
	ts, _ := newConnectEnv(t, false)

	c := dialChat(t, ts, 42, "not-a-token")
	closed := c.readClose(t)
	if closed.Code != ws.StatusPolicyViolation {
		t.Errorf("close code = %d, want %d", closed.Code, ws.StatusPolicyViolation)
	}
	if closed.Reason != "authentication failed" {
		t.Errorf("close reason = %q", closed.Reason)
	}
}

func TestConnectRejectsNonParticipant(t *testing.T) {
	ts, verifier := newConnectEnv(t, true)

	token, err := verifier.Issue(7, 0)
	if err != nil {
		t.Fatal(err)
	}
	c := dialChat(t, ts, 42, token)
	closed := c.readClose(t)
	if closed.Code != ws.StatusPolicyViolation {
		t.Errorf("close code = %d, want %d", closed.Code, ws.StatusPolicyViolation)
	}
	if closed.Reason != "access denied" {
		t.Errorf("close reason = %q", closed.Reason)
	}
}

func TestMessageRoundTripOverWebSocket(t *testing.T) {
	ts, verifier := newConnectEnv(t, false)

	tokenA, _ := verifier.Issue(7, 0)
	tokenB, _ := verifier.Issue(8, 0)

	a := dialChat(t, ts, 42, tokenA)
	if env := a.readEnvelope(t); env.Type != protocol.TypeConnectionAck {
		t.Fatalf("frame type = %q, want connection-ack", env.Type)
	}
	b := dialChat(t, ts, 42, tokenB)
	if env := b.readEnvelope(t); env.Type != protocol.TypeConnectionAck {
		t.Fatalf("frame type = %q, want connection-ack", env.Type)
	}
	if env := a.readEnvelope(t); env.Type != protocol.TypeUserStatus {
		t.Fatalf("frame type = %q, want user-status", env.Type)
	}

	msg := `{"type":"chat-message","data":{"content":"call me at 555-123-4567"}}`
	if err := wsutil.WriteClientText(a.conn, []byte(msg)); err != nil {
		t.Fatal(err)
	}

	env := b.readEnvelope(t)
	if env.Type != protocol.TypeChatMessage {
		t.Fatalf("peer frame type = %q, want chat-message", env.Type)
	}
	var out protocol.ChatMessageOut
	if err := json.Unmarshal(env.Data, &out); err != nil {
		t.Fatal(err)
	}
	if out.SenderID != 7 || out.ChatID != 42 {
		t.Errorf("broadcast payload = %+v", out)
	}
	if !strings.Contains(out.Content, moderation.ContactPlaceholder) ||
		strings.Contains(out.Content, "555-123-4567") {
		t.Errorf("broadcast content %q not redacted", out.Content)
	}

	if env := a.readEnvelope(t); env.Type != protocol.TypeMessageSent {
		t.Fatalf("sender frame type = %q, want message-sent", env.Type)
	}
}

func TestTransportPingAnswered(t *testing.T) {
	ts, verifier := newConnectEnv(t, false)

	token, _ := verifier.Issue(7, 0)
	c := dialChat(t, ts, 42, token)
	if env := c.readEnvelope(t); env.Type != protocol.TypeConnectionAck {
		t.Fatalf("frame type = %q, want connection-ack", env.Type)
	}

	payload := []byte("ka")
	frame := ws.MaskFrameInPlace(ws.NewPingFrame(payload))
	if err := ws.WriteFrame(c.conn, frame); err != nil {
		t.Fatal(err)
	}

	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	resp, err := ws.ReadFrame(c.rw)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Header.OpCode != ws.OpPong {
		t.Fatalf("opcode = %v, want pong", resp.Header.OpCode)
	}
	if string(resp.Payload) != "ka" {
		t.Errorf("pong payload = %q, want %q", resp.Payload, payload)
	}
}
