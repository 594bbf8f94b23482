package ws

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"pergola/internal/chat"
	"pergola/internal/conversation"
	"pergola/internal/metrics"
	"pergola/internal/models"
	"pergola/internal/presence"
	"pergola/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type gatewayFixture struct {
	store   *storage.BboltStorage
	hub     *Hub
	gateway *Gateway
}

func newGatewayFixture(t *testing.T, scope PresenceScope) *gatewayFixture {
	t.Helper()
	store, err := storage.NewBboltStorage(filepath.Join(t.TempDir(), "gw.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	for _, id := range []string{"alice", "bob", "carol"} {
		require.NoError(t, store.UpsertUser(models.User{
			ID:          id,
			UserName:    id,
			DisplayName: id,
			Presence:    models.Presence{ShowOnlineStatus: true},
		}))
	}
	require.NoError(t, store.Follow("alice", "bob"))
	require.NoError(t, store.Follow("bob", "alice"))
	require.NoError(t, store.Follow("carol", "alice"))

	m := metrics.New()
	hub := NewHub(m)
	log := chat.New(store)
	gw := NewGateway(GatewayConfig{
		Hub:           hub,
		Directory:     store,
		Presence:      presence.NewStore(store),
		Conversations: conversation.NewManager(store, log),
		Messages:      log,
		PresenceScope: scope,
		Metrics:       m,
		Logger:        zaptest.NewLogger(t),
	})
	return &gatewayFixture{store: store, hub: hub, gateway: gw}
}

// connect registers a connection the way Handle does, without a socket.
func (f *gatewayFixture) connect(t *testing.T, userID string) *Connection {
	t.Helper()
	c := newTestConnection(f.gateway, newMockWS(), userID, ConnectionConfig{})
	require.NoError(t, f.gateway.Connect(c))
	return c
}

func (f *gatewayFixture) startConversation(t *testing.T, a, b string) string {
	t.Helper()
	thread, err := f.gateway.StartConversation(a, b)
	require.NoError(t, err)
	return thread.Conversation.ID
}

func dispatch(t *testing.T, gw *Gateway, c *Connection, typ models.ClientEventType, data string) models.Ack {
	t.Helper()
	ev := models.ClientEvent{Type: typ, ID: "1"}
	if data != "" {
		ev.Data = json.RawMessage(data)
	}
	return gw.Dispatch(c, ev)
}

func eventTypes(events []models.ServerEvent) []models.ServerEventType {
	types := []models.ServerEventType{}
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	return types
}

func TestGateway_ConnectAndPresence(t *testing.T) {
	f := newGatewayFixture(t, PresenceScopeFollowers)

	carol := f.connect(t, "carol")
	bob := f.connect(t, "bob")
	events := queued(carol)
	require.Equal(t, []models.ServerEventType{models.ServerEventSession}, eventTypes(events))
	queued(bob)

	alice := f.connect(t, "alice")
	session := queued(alice)
	require.Len(t, session, 1)
	require.Equal(t, models.ServerEventSession, session[0].Type)
	s := session[0].Data.(models.Session)
	assert.Equal(t, "alice", s.User.ID)
	assert.True(t, s.Presence.IsOnline)

	// Followers of alice are carol and bob.
	for _, c := range []*Connection{carol, bob} {
		evs := queued(c)
		require.Len(t, evs, 1)
		assert.Equal(t, models.ServerEventUserOnline, evs[0].Type)
		assert.Equal(t, "alice", evs[0].Data.(models.PresenceUpdate).UserID)
	}

	// A second connection does not announce again.
	alice2 := f.connect(t, "alice")
	assert.Empty(t, queued(carol))

	f.gateway.Disconnect(alice2)
	assert.Empty(t, queued(carol), "alice is still online")

	f.gateway.Disconnect(alice)
	evs := queued(carol)
	require.Len(t, evs, 1)
	assert.Equal(t, models.ServerEventUserOffline, evs[0].Type)

	u, err := f.store.GetUser("alice")
	require.NoError(t, err)
	assert.False(t, u.Presence.IsOnline)
	assert.Equal(t, 0, f.hub.RoomSize(UserRoom("alice")))
}

func TestGateway_HiddenPresence(t *testing.T) {
	f := newGatewayFixture(t, PresenceScopeGlobal)
	carol := f.connect(t, "carol")
	alice := f.connect(t, "alice")
	queued(carol)
	queued(alice)

	ack := dispatch(t, f.gateway, alice, models.ClientEventToggleVisibility, `false`)
	require.True(t, ack.OK, ack.Error)
	require.NotNil(t, ack.Presence)
	assert.False(t, ack.Presence.ShowOnlineStatus)
	assert.True(t, ack.Presence.IsOnline)

	evs := queued(carol)
	require.Len(t, evs, 1)
	update := evs[0].Data.(models.PresenceUpdate)
	assert.Equal(t, models.ServerEventUserStatusUpdate, evs[0].Type)
	assert.False(t, update.IsOnline, "hidden presence is masked")

	own := queued(alice)
	require.Len(t, own, 1)
	assert.True(t, own[0].Data.(models.PresenceUpdate).IsOnline, "own connections see the real state")

	f.gateway.Disconnect(alice)
	assert.Empty(t, queued(carol), "no user_offline for a hidden user")

	// Reconnecting still reports the real internal state to alice.
	alice = f.connect(t, "alice")
	assert.Empty(t, queued(carol), "no user_online for a hidden user")
	session := queued(alice)
	require.Len(t, session, 1)
	s := session[0].Data.(models.Session)
	assert.True(t, s.Presence.IsOnline)
	assert.False(t, s.Presence.ShowOnlineStatus)
}

func TestGateway_JoinConversations(t *testing.T) {
	f := newGatewayFixture(t, PresenceScopeFollowers)
	id := f.startConversation(t, "alice", "bob")
	alice := f.connect(t, "alice")
	carol := f.connect(t, "carol")

	ack := dispatch(t, f.gateway, alice, models.ClientEventJoinConversations, `["`+id+`","missing"]`)
	require.True(t, ack.OK)
	assert.Equal(t, []string{id}, ack.Joined)
	assert.True(t, f.hub.UserInRoom(ConversationRoom(id), "alice"))

	ack = dispatch(t, f.gateway, carol, models.ClientEventJoinConversations, `["`+id+`"]`)
	require.True(t, ack.OK)
	assert.Empty(t, ack.Joined)
	assert.False(t, f.hub.UserInRoom(ConversationRoom(id), "carol"))

	for _, data := range []string{"", `{"bad":true}`, `[]`} {
		ack = dispatch(t, f.gateway, alice, models.ClientEventJoinConversations, data)
		require.True(t, ack.OK)
		require.NotNil(t, ack.Joined)
		assert.Empty(t, ack.Joined)
	}

	raw, err := json.Marshal(ack)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true,"joined":[]}`, string(raw))
}

func TestGateway_SendMessage(t *testing.T) {
	f := newGatewayFixture(t, PresenceScopeFollowers)
	id := f.startConversation(t, "alice", "bob")
	alice := f.connect(t, "alice")
	bob := f.connect(t, "bob")
	carol := f.connect(t, "carol")
	dispatch(t, f.gateway, alice, models.ClientEventJoinConversations, `["`+id+`"]`)
	queued(alice)
	queued(bob)
	queued(carol)

	t.Run("AlertWhenNotSubscribed", func(t *testing.T) {
		ack := dispatch(t, f.gateway, alice, models.ClientEventSendMessage, `{"conversationId":"`+id+`","content":"hi"}`)
		require.True(t, ack.OK, ack.Error)
		require.NotNil(t, ack.Message)
		assert.Equal(t, "hi", ack.Message.Content)
		require.NotNil(t, ack.Message.SenderInfo)
		assert.Equal(t, "alice", ack.Message.SenderInfo.UserName)

		assert.Equal(t, []models.ServerEventType{models.ServerEventNewMessage}, eventTypes(queued(alice)))
		evs := queued(bob)
		require.Equal(t, []models.ServerEventType{models.ServerEventChatAlert}, eventTypes(evs))
		alert := evs[0].Data.(models.ChatAlert)
		assert.Equal(t, "hi", alert.Preview)
		assert.Equal(t, "alice", alert.From.ID)
	})

	t.Run("NoAlertWhenSubscribed", func(t *testing.T) {
		dispatch(t, f.gateway, bob, models.ClientEventJoinConversations, `["`+id+`"]`)
		ack := dispatch(t, f.gateway, alice, models.ClientEventSendMessage, `{"conversationId":"`+id+`","content":"again"}`)
		require.True(t, ack.OK, ack.Error)
		assert.Equal(t, []models.ServerEventType{models.ServerEventNewMessage}, eventTypes(queued(bob)))
		queued(alice)
	})

	t.Run("EmptyContent", func(t *testing.T) {
		ack := dispatch(t, f.gateway, alice, models.ClientEventSendMessage, `{"conversationId":"`+id+`","content":"   "}`)
		assert.False(t, ack.OK)
		assert.Equal(t, models.CodeInvalidInput, ack.Code)
		assert.Empty(t, queued(bob))
	})

	t.Run("NotAParticipant", func(t *testing.T) {
		before, err := f.store.ListMessages(id)
		require.NoError(t, err)

		ack := dispatch(t, f.gateway, carol, models.ClientEventSendMessage, `{"conversationId":"`+id+`","content":"intruder"}`)
		assert.False(t, ack.OK)
		assert.Equal(t, models.CodeNotAParticipant, ack.Code)

		after, err := f.store.ListMessages(id)
		require.NoError(t, err)
		assert.Len(t, after, len(before), "no message stored")
		assert.Empty(t, queued(alice), "no broadcast")
		assert.Empty(t, queued(bob), "no broadcast")
	})

	t.Run("UnknownField", func(t *testing.T) {
		ack := dispatch(t, f.gateway, alice, models.ClientEventSendMessage, `{"conversationId":"`+id+`","content":"x","sender":"bob"}`)
		assert.False(t, ack.OK)
		assert.Equal(t, models.CodeInvalidInput, ack.Code)
	})
}

func TestGateway_SendRestoresHidden(t *testing.T) {
	f := newGatewayFixture(t, PresenceScopeFollowers)
	id := f.startConversation(t, "alice", "bob")

	_, err := f.gateway.SendMessage("alice", id, "hi")
	require.NoError(t, err)
	_, err = f.gateway.HideConversation("bob", id)
	require.NoError(t, err)

	msg, err := f.gateway.SendMessage("alice", id, "hello")
	require.NoError(t, err)

	conv, err := f.store.GetConversation(id)
	require.NoError(t, err)
	assert.Empty(t, conv.DeletedFor)
	assert.Equal(t, msg.ID, conv.LastMessageID)

	last, err := f.store.GetMessage(conv.LastMessageID)
	require.NoError(t, err)
	assert.Equal(t, "hello", last.Content)
}

func TestGateway_MarkReadAndTyping(t *testing.T) {
	f := newGatewayFixture(t, PresenceScopeFollowers)
	id := f.startConversation(t, "alice", "bob")
	_, err := f.gateway.SendMessage("alice", id, "one")
	require.NoError(t, err)

	alice := f.connect(t, "alice")
	bob := f.connect(t, "bob")
	dispatch(t, f.gateway, alice, models.ClientEventJoinConversations, `["`+id+`"]`)
	dispatch(t, f.gateway, bob, models.ClientEventJoinConversations, `["`+id+`"]`)
	queued(alice)
	queued(bob)

	ack := dispatch(t, f.gateway, bob, models.ClientEventMarkAsRead, `{"conversationId":"`+id+`"}`)
	require.True(t, ack.OK, ack.Error)
	assert.Equal(t, 1, ack.Read)
	evs := queued(alice)
	require.Len(t, evs, 1)
	seen := evs[0].Data.(models.Seen)
	assert.Equal(t, "bob", seen.UserID)
	assert.Equal(t, id, seen.ConversationID)
	queued(bob)

	ack = dispatch(t, f.gateway, bob, models.ClientEventMarkAsRead, `{"conversationId":"`+id+`"}`)
	require.True(t, ack.OK)
	assert.Equal(t, 0, ack.Read)
	queued(alice)
	queued(bob)

	ack = dispatch(t, f.gateway, alice, models.ClientEventTyping, `{"conversationId":"`+id+`"}`)
	require.True(t, ack.OK)
	assert.Empty(t, queued(alice), "typing is not echoed to the sender")
	assert.Equal(t, []models.ServerEventType{models.ServerEventTyping}, eventTypes(queued(bob)))

	ack = dispatch(t, f.gateway, alice, models.ClientEventStopTyping, `{"conversationId":"`+id+`"}`)
	require.True(t, ack.OK)
	assert.Equal(t, []models.ServerEventType{models.ServerEventStopTyping}, eventTypes(queued(bob)))

	carol := f.connect(t, "carol")
	ack = dispatch(t, f.gateway, carol, models.ClientEventTyping, `{"conversationId":"`+id+`"}`)
	assert.Equal(t, models.CodeNotAParticipant, ack.Code)
	ack = dispatch(t, f.gateway, carol, models.ClientEventMarkAsRead, `{"conversationId":"`+id+`"}`)
	assert.Equal(t, models.CodeNotAParticipant, ack.Code)
}

func TestGateway_HideConversation(t *testing.T) {
	f := newGatewayFixture(t, PresenceScopeFollowers)
	id := f.startConversation(t, "alice", "bob")
	msg, err := f.gateway.SendMessage("alice", id, "hi")
	require.NoError(t, err)

	alice := f.connect(t, "alice")
	bob := f.connect(t, "bob")
	dispatch(t, f.gateway, alice, models.ClientEventJoinConversations, `["`+id+`"]`)
	dispatch(t, f.gateway, bob, models.ClientEventJoinConversations, `["`+id+`"]`)
	queued(alice)
	queued(bob)

	ack := dispatch(t, f.gateway, alice, models.ClientEventHideConversation, `{"conversationId":"`+id+`"}`)
	require.True(t, ack.OK, ack.Error)
	require.NotNil(t, ack.Hidden)
	assert.False(t, ack.Hidden.Deleted)
	assert.Equal(t, []models.ServerEventType{models.ServerEventConversationHidden}, eventTypes(queued(alice)))
	assert.Empty(t, queued(bob), "only the caller is told")

	ack = dispatch(t, f.gateway, bob, models.ClientEventHideConversation, `{"conversationId":"`+id+`"}`)
	require.True(t, ack.OK, ack.Error)
	assert.True(t, ack.Hidden.Deleted)
	assert.Empty(t, queued(alice))

	_, err = f.store.GetConversation(id)
	require.ErrorIs(t, err, models.ErrNotFound)
	_, err = f.store.GetMessage(msg.ID)
	require.ErrorIs(t, err, models.ErrNotFound)
	assert.Equal(t, 0, f.hub.RoomSize(ConversationRoom(id)))

	ack = dispatch(t, f.gateway, bob, models.ClientEventHideConversation, `{"conversationId":"`+id+`"}`)
	assert.Equal(t, models.CodeNotFound, ack.Code)
}

func TestGateway_RemoveConversation(t *testing.T) {
	f := newGatewayFixture(t, PresenceScopeFollowers)
	id := f.startConversation(t, "alice", "bob")

	alice := f.connect(t, "alice")
	bob := f.connect(t, "bob")
	dispatch(t, f.gateway, alice, models.ClientEventJoinConversations, `["`+id+`"]`)
	queued(alice)
	queued(bob)

	hidden, err := f.gateway.RemoveConversation(id)
	require.NoError(t, err)
	assert.True(t, hidden.Deleted)
	assert.Equal(t, []models.ServerEventType{models.ServerEventConversationHidden}, eventTypes(queued(alice)))
	assert.Equal(t, []models.ServerEventType{models.ServerEventConversationHidden}, eventTypes(queued(bob)))
	assert.Equal(t, 0, f.hub.RoomSize(ConversationRoom(id)))

	_, err = f.gateway.RemoveConversation(id)
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestGateway_DeleteMessage(t *testing.T) {
	f := newGatewayFixture(t, PresenceScopeFollowers)
	id := f.startConversation(t, "alice", "bob")
	msg, err := f.gateway.SendMessage("alice", id, "oops")
	require.NoError(t, err)

	bob := f.connect(t, "bob")
	dispatch(t, f.gateway, bob, models.ClientEventJoinConversations, `["`+id+`"]`)
	queued(bob)

	ack := dispatch(t, f.gateway, bob, models.ClientEventDeleteMessage, `{"messageId":"`+msg.ID+`"}`)
	assert.Equal(t, models.CodeForbidden, ack.Code)

	deleted, err := f.gateway.DeleteMessage("alice", msg.ID)
	require.NoError(t, err)
	assert.True(t, deleted.Deleted)

	evs := queued(bob)
	require.Len(t, evs, 1)
	assert.Equal(t, models.ServerEventMessageDeleted, evs[0].Type)
	assert.Equal(t, msg.ID, evs[0].Data.(models.MessageDeleted).MessageID)

	_, err = f.gateway.DeleteMessage("alice", "missing")
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestGateway_NotifyAndDisconnect(t *testing.T) {
	f := newGatewayFixture(t, PresenceScopeFollowers)
	bob := f.connect(t, "bob")
	queued(bob)

	n, sent := f.gateway.Notify("bob", models.Notification{Kind: "comment_reply", Message: "alice replied"})
	assert.Equal(t, 1, sent)
	assert.NotEmpty(t, n.ID)
	evs := queued(bob)
	require.Len(t, evs, 1)
	assert.Equal(t, models.ServerEventNotification, evs[0].Type)

	_, sent = f.gateway.Notify("carol", models.Notification{Kind: "x"})
	assert.Equal(t, 0, sent, "offline users get nothing")

	assert.Equal(t, 1, f.gateway.DisconnectUser("bob"))
	select {
	case <-bob.Done():
	default:
		t.Error("bob should be kicked")
	}
}

func TestGateway_UnknownEvent(t *testing.T) {
	f := newGatewayFixture(t, PresenceScopeFollowers)
	alice := f.connect(t, "alice")
	ack := dispatch(t, f.gateway, alice, "launch_rockets", `{}`)
	assert.False(t, ack.OK)
	assert.Equal(t, models.CodeInvalidInput, ack.Code)
}
