package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NTitterton/agorusta/internal/auth"
	"github.com/NTitterton/agorusta/internal/config"
	"github.com/NTitterton/agorusta/internal/directory"
	"github.com/NTitterton/agorusta/internal/dispatch"
	"github.com/NTitterton/agorusta/internal/store"
	"github.com/NTitterton/agorusta/internal/telemetry"
	"github.com/NTitterton/agorusta/wire"
)

type testStack struct {
	ts       *httptest.Server
	verifier *auth.Verifier
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()

	db, err := pebble.Open(t.TempDir(), &pebble.Options{})
	require.NoError(t, err)

	cfg := config.Default()
	cfg.JWTSecret = "test-secret"

	log := zerolog.Nop()
	metrics := telemetry.New()
	verifier := auth.NewVerifier(cfg.JWTSecret)
	dir := directory.New(db, cfg.ConnectionTTL, log)
	st := store.New(db, log)

	hub := NewHub(dir, metrics, log)
	go hub.Run()

	dispatcher := dispatch.New(dir, hub, metrics, log, 0, 0)
	srv := New(cfg, verifier, dir, st, dispatcher, hub, metrics, log)
	ts := httptest.NewServer(srv.Router())

	t.Cleanup(func() {
		ts.Close()
		require.NoError(t, hub.Shutdown(time.Second))
		require.NoError(t, db.Close())
	})
	return &testStack{ts: ts, verifier: verifier}
}

func (s *testStack) token(t *testing.T, userID, username string) string {
	t.Helper()
	token, err := s.verifier.SignToken(auth.Identity{UserID: userID, Username: username}, time.Hour)
	require.NoError(t, err)
	return token
}

func (s *testStack) dialWS(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.ts.URL, "http") + "/ws?token=" + token
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func (s *testStack) request(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, s.ts.URL+path, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func subscribe(t *testing.T, ws *websocket.Conn, topic string) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(wire.ControlFrame{Action: wire.ActionSubscribe, ChannelID: topic}))

	var ack wire.ControlAck
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, ws.ReadJSON(&ack))
	require.Equal(t, "subscribed", ack.Status)
	require.Equal(t, topic, ack.ChannelID)
}

func readPush(t *testing.T, ws *websocket.Conn) wire.PushFrame {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := ws.ReadMessage()
	require.NoError(t, err)
	frame, err := wire.ParsePushFrame(raw)
	require.NoError(t, err)
	return frame
}

func TestWebSocketRejectsMissingToken(t *testing.T) {
	s := newTestStack(t)
	url := "ws" + strings.TrimPrefix(s.ts.URL, "http") + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSubscriberReceivesChannelMessage(t *testing.T) {
	s := newTestStack(t)

	ws := s.dialWS(t, s.token(t, "alice", "Alice"))
	subscribe(t, ws, "chan-42")

	resp := s.request(t, http.MethodPost, "/servers/srv-1/channels/chan-42/messages",
		s.token(t, "bob", "Bob"), map[string]string{"content": "hello channel"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	frame := readPush(t, ws)
	assert.Equal(t, wire.KindNewChannelMessage, frame.Type)
	assert.Equal(t, "chan-42", frame.Message.ChannelID)
	assert.Equal(t, "bob", frame.Message.AuthorID)
	assert.Equal(t, "hello channel", frame.Message.Content)
	assert.NotEmpty(t, frame.Message.ID)
}

func TestOtherTopicsStaySilent(t *testing.T) {
	s := newTestStack(t)

	ws := s.dialWS(t, s.token(t, "alice", "Alice"))
	subscribe(t, ws, "chan-42")

	resp := s.request(t, http.MethodPost, "/servers/srv-1/channels/chan-7/messages",
		s.token(t, "bob", "Bob"), map[string]string{"content": "wrong room"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err := ws.ReadMessage()
	assert.Error(t, err, "no frame should arrive for an unsubscribed topic")
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	s := newTestStack(t)

	ws := s.dialWS(t, s.token(t, "alice", "Alice"))
	subscribe(t, ws, "chan-42")

	require.NoError(t, ws.WriteJSON(wire.ControlFrame{Action: wire.ActionUnsubscribe, ChannelID: "chan-42"}))
	var ack wire.ControlAck
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, ws.ReadJSON(&ack))
	require.Equal(t, "unsubscribed", ack.Status)

	resp := s.request(t, http.MethodPost, "/servers/srv-1/channels/chan-42/messages",
		s.token(t, "bob", "Bob"), map[string]string{"content": "anyone there?"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err := ws.ReadMessage()
	assert.Error(t, err)
}

func TestRestRequiresBearerToken(t *testing.T) {
	s := newTestStack(t)

	resp := s.request(t, http.MethodPost, "/servers/srv-1/channels/chan-42/messages",
		"", map[string]string{"content": "hi"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = s.request(t, http.MethodGet, "/conversations", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestMessageContentValidation(t *testing.T) {
	s := newTestStack(t)
	token := s.token(t, "alice", "Alice")

	resp := s.request(t, http.MethodPost, "/servers/srv-1/channels/chan-42/messages",
		token, map[string]string{"content": "   "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = s.request(t, http.MethodPost, "/servers/srv-1/channels/chan-42/messages",
		token, map[string]string{"content": strings.Repeat("x", 2001)})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestChannelHistoryPagination(t *testing.T) {
	s := newTestStack(t)
	token := s.token(t, "alice", "Alice")

	for i := 0; i < 3; i++ {
		resp := s.request(t, http.MethodPost, "/servers/srv-1/channels/chan-42/messages",
			token, map[string]string{"content": fmt.Sprintf("message %d", i)})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		time.Sleep(2 * time.Millisecond) // distinct created_at values
	}

	resp := s.request(t, http.MethodGet, "/servers/srv-1/channels/chan-42/messages?limit=2", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var page store.MessagesPage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&page))
	require.Len(t, page.Messages, 2)
	assert.Equal(t, "message 2", page.Messages[0].Content)
	assert.True(t, page.HasMore)
	require.NotNil(t, page.NextCursor)

	resp = s.request(t, http.MethodGet,
		fmt.Sprintf("/servers/srv-1/channels/chan-42/messages?limit=2&before=%d", *page.NextCursor), token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&page))
	require.Len(t, page.Messages, 1)
	assert.Equal(t, "message 0", page.Messages[0].Content)
	assert.False(t, page.HasMore)
}

func TestConversationLifecycle(t *testing.T) {
	s := newTestStack(t)
	aliceToken := s.token(t, "alice", "Alice")
	bobToken := s.token(t, "bob", "Bob")

	resp := s.request(t, http.MethodPost, "/conversations", aliceToken,
		map[string]string{"recipient_id": "bob", "recipient_username": "Bob"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var convo store.Conversation
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&convo))
	assert.Equal(t, "alice_bob", convo.ID)
	assert.Equal(t, "bob", convo.OtherUserID)

	// Starting the same conversation again, from either side, is idempotent.
	resp = s.request(t, http.MethodPost, "/conversations", bobToken,
		map[string]string{"recipient_id": "alice", "recipient_username": "Alice"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&convo))
	assert.Equal(t, "alice_bob", convo.ID)
	assert.Equal(t, "alice", convo.OtherUserID)

	resp = s.request(t, http.MethodPost, "/conversations/alice_bob/messages",
		aliceToken, map[string]string{"content": "hi bob"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = s.request(t, http.MethodGet, "/conversations", bobToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var conversations []store.Conversation
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&conversations))
	require.Len(t, conversations, 1)
	assert.Equal(t, "hi bob", conversations[0].LastMessagePreview)
}

func TestDirectMessageRequiresParticipation(t *testing.T) {
	s := newTestStack(t)

	resp := s.request(t, http.MethodPost, "/conversations/alice_bob/messages",
		s.token(t, "mallory", "Mallory"), map[string]string{"content": "let me in"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = s.request(t, http.MethodGet, "/conversations/alice_bob/messages",
		s.token(t, "mallory", "Mallory"), nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestDirectMessagePushesToSubscribedParticipant(t *testing.T) {
	s := newTestStack(t)

	bobWS := s.dialWS(t, s.token(t, "bob", "Bob"))
	subscribe(t, bobWS, "alice_bob")

	resp := s.request(t, http.MethodPost, "/conversations/alice_bob/messages",
		s.token(t, "alice", "Alice"), map[string]string{"content": "dinner tonight?"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	frame := readPush(t, bobWS)
	assert.Equal(t, wire.KindNewDirectMessage, frame.Type)
	assert.Equal(t, "alice_bob", frame.Message.ConversationID)
	assert.Equal(t, "dinner tonight?", frame.Message.Content)
}

func TestSelfConversationRejected(t *testing.T) {
	s := newTestStack(t)

	resp := s.request(t, http.MethodPost, "/conversations", s.token(t, "alice", "Alice"),
		map[string]string{"recipient_id": "alice", "recipient_username": "Alice"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	s := newTestStack(t)

	resp := s.request(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = s.request(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
