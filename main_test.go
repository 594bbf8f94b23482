package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"pergola/internal/api"
	"pergola/internal/conversation"
	"pergola/internal/models"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

const (
	testAdminAddr = "127.0.0.1:8898"
	testAPIAddr   = "127.0.0.1:8897"
)

func TestIntegration(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("PERGOLA_DB", "integration_test.db")
	t.Setenv("ADMIN_ADDR", testAdminAddr)
	t.Setenv("API_ADDR", testAPIAddr)
	t.Setenv("AUTH_SECRET", "very-secure-test-secret")
	t.Setenv("LOG_LEVEL", "warn")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() {
		runErr <- run(ctx, nil)
	}()

	waitForServer(t, fmt.Sprintf("http://%s/metrics", testAdminAddr), 50)

	// Step 1: create accounts and follow edges via the admin API
	alice := addUser(t, "alice")
	bob := addUser(t, "bob")

	adminCall(t, http.MethodPost, "/admin/follows", api.FollowRequest{Follower: "alice", Followee: "bob"}, http.StatusOK)
	adminCall(t, http.MethodPost, "/admin/follows", api.FollowRequest{Follower: "bob", Followee: alice.UserID}, http.StatusOK)
	adminCall(t, http.MethodPost, "/admin/users", api.AddUserRequest{Username: "alice"}, http.StatusConflict)

	// Step 2: REST rejects missing credentials
	resp := apiCall(t, "", http.MethodGet, "/api/me", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	_ = resp.Body.Close()

	// Step 3: alice starts a conversation over REST
	var thread conversation.Thread
	resp = apiCall(t, alice.Token, http.MethodPost, "/api/conversations", api.StartConversationRequest{TargetUserID: bob.UserID})
	decodeResponse(t, resp, http.StatusOK, &thread)
	convID := thread.Conversation.ID
	require.NotEmpty(t, convID)
	require.Empty(t, thread.Messages)

	// Step 4: bob connects over websocket and joins the conversation
	header := http.Header{}
	header.Set("Authorization", "Bearer "+bob.Token)
	conn, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://%s/api/ws", testAPIAddr), header)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	session := readUntil(t, conn, models.ServerEventSession)
	require.Contains(t, string(session.Data), bob.UserID)

	send(t, conn, models.ClientEventJoinConversations, "join", []string{convID})
	ack := readAck(t, conn, "join")
	require.True(t, ack.OK)
	require.Equal(t, []string{convID}, ack.Joined)

	// Step 5: alice sends over REST, bob receives it live
	var sent models.Message
	resp = apiCall(t, alice.Token, http.MethodPost, "/api/conversations/"+convID+"/messages", api.SendMessageRequest{Content: "hello **bob**"})
	decodeResponse(t, resp, http.StatusCreated, &sent)
	require.Equal(t, "<p>hello <strong>bob</strong></p>", sent.HTML)

	ev := readUntil(t, conn, models.ServerEventNewMessage)
	var received models.Message
	require.NoError(t, json.Unmarshal(ev.Data, &received))
	require.Equal(t, sent.ID, received.ID)
	require.Equal(t, "hello **bob**", received.Content)
	require.NotNil(t, received.SenderInfo)
	require.Equal(t, "alice", received.SenderInfo.UserName)

	// Step 6: bob reads and replies over websocket
	send(t, conn, models.ClientEventMarkAsRead, "read", models.ConversationRef{ConversationID: convID})
	ack = readAck(t, conn, "read")
	require.True(t, ack.OK)
	require.Equal(t, 1, ack.Read)

	send(t, conn, models.ClientEventSendMessage, "reply", models.SendMessage{ConversationID: convID, Content: "hi alice"})
	ack = readAck(t, conn, "reply")
	require.True(t, ack.OK)
	require.NotNil(t, ack.Message)

	var history []models.Message
	resp = apiCall(t, alice.Token, http.MethodGet, "/api/conversations/"+convID+"/messages", nil)
	decodeResponse(t, resp, http.StatusOK, &history)
	require.Len(t, history, 2)
	require.Equal(t, "hi alice", history[1].Content)
	require.Equal(t, []string{alice.UserID, bob.UserID}, history[0].ReadBy)

	// Step 7: metrics reflect the live connection
	metricsResp, err := http.Get(fmt.Sprintf("http://%s/metrics", testAdminAddr))
	require.NoError(t, err)
	body, err := io.ReadAll(metricsResp.Body)
	_ = metricsResp.Body.Close()
	require.NoError(t, err)
	require.Contains(t, string(body), "pergola_ws_connections 1")

	// Step 8: the admin API disconnects bob
	adminCall(t, http.MethodPost, "/admin/users/"+bob.UserID+"/disconnect", nil, http.StatusOK)
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	cancel()
	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not shut down")
	}
}

type wireEvent struct {
	Type models.ServerEventType `json:"type"`
	ID   string                 `json:"id"`
	Data json.RawMessage        `json:"data"`
}

func send(t *testing.T, conn *websocket.Conn, typ models.ClientEventType, id string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(models.ClientEvent{Type: typ, ID: id, Data: raw}))
}

func readUntil(t *testing.T, conn *websocket.Conn, typ models.ServerEventType) wireEvent {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var ev wireEvent
		require.NoError(t, conn.ReadJSON(&ev))
		if ev.Type == typ {
			return ev
		}
	}
}

func readAck(t *testing.T, conn *websocket.Conn, id string) models.Ack {
	t.Helper()
	for {
		ev := readUntil(t, conn, models.ServerEventAck)
		if ev.ID != id {
			continue
		}
		var ack models.Ack
		require.NoError(t, json.Unmarshal(ev.Data, &ack))
		return ack
	}
}

func addUser(t *testing.T, username string) api.AddUserResponse {
	t.Helper()
	resp := adminCall(t, http.MethodPost, "/admin/users", api.AddUserRequest{Username: username}, http.StatusOK)
	var result api.AddUserResponse
	require.NoError(t, json.Unmarshal(resp, &result))
	require.True(t, result.Success)
	require.NotEmpty(t, result.Token)
	return result
}

func adminCall(t *testing.T, method, path string, body any, wantStatus int) []byte {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, fmt.Sprintf("http://%s%s", testAdminAddr, path), reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, wantStatus, resp.StatusCode, string(raw))
	return raw
}

func apiCall(t *testing.T, token, method, path string, body any) *http.Response {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, fmt.Sprintf("http://%s%s", testAPIAddr, path), reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeResponse(t *testing.T, resp *http.Response, wantStatus int, v any) {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, wantStatus, resp.StatusCode, string(raw))
	require.NoError(t, json.Unmarshal(raw, v))
}

func waitForServer(t *testing.T, urlStr string, retries int) {
	client := &http.Client{Timeout: 500 * time.Millisecond}

	for i := 0; i < retries; i++ {
		resp, err := client.Get(urlStr)
		if err == nil {
			_ = resp.Body.Close()
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("Server failed to start at %s after %d retries", urlStr, retries)
}
