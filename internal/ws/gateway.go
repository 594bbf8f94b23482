package ws

import (
	"fmt"
	"time"

	"pergola/internal/chat"
	"pergola/internal/content"
	"pergola/internal/conversation"
	"pergola/internal/metrics"
	"pergola/internal/models"
	"pergola/internal/presence"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const previewRunes = 80

// PresenceScope selects who receives presence changes of a user.
type PresenceScope string

const (
	PresenceScopeFollowers PresenceScope = "followers"
	PresenceScopeGlobal    PresenceScope = "global"
)

type Directory interface {
	GetUser(id string) (models.User, error)
	ListFollowers(userID string) ([]string, error)
}

// Gateway carries out client commands and fans the resulting events out
// through the hub. Websocket and REST clients share it, so both produce
// the same state transitions and events.
type Gateway struct {
	hub           *Hub
	directory     Directory
	presence      *presence.Store
	conversations *conversation.Manager
	messages      *chat.Log
	scope         PresenceScope
	metrics       *metrics.Metrics
	log           *zap.Logger
	now           func() time.Time
}

type GatewayConfig struct {
	Hub           *Hub
	Directory     Directory
	Presence      *presence.Store
	Conversations *conversation.Manager
	Messages      *chat.Log
	PresenceScope PresenceScope
	Metrics       *metrics.Metrics
	Logger        *zap.Logger
}

func NewGateway(cfg GatewayConfig) *Gateway {
	scope := cfg.PresenceScope
	if scope == "" {
		scope = PresenceScopeFollowers
	}
	return &Gateway{
		hub:           cfg.Hub,
		directory:     cfg.Directory,
		presence:      cfg.Presence,
		conversations: cfg.Conversations,
		messages:      cfg.Messages,
		scope:         scope,
		metrics:       cfg.Metrics,
		log:           cfg.Logger.Named("gateway"),
		now:           time.Now,
	}
}

// Connect registers a freshly authenticated connection: it joins the
// user's private room, marks the user online and sends the session.
func (g *Gateway) Connect(c *Connection) error {
	g.hub.Join(UserRoom(c.UserID), c)

	p, first, err := g.presence.Connect(c.UserID)
	if err != nil {
		g.hub.Leave(c)
		return fmt.Errorf("failed to connect %s: %w", c.UserID, err)
	}
	g.metrics.Connections.Inc()
	g.log.Debug("connected", zap.String("user", c.UserID), zap.String("conn", c.ID), zap.Bool("first", first))

	if first && p.ShowOnlineStatus {
		g.fanOutPresence(c.UserID, models.ServerEventUserOnline, p)
	}

	user, err := g.directory.GetUser(c.UserID)
	if err != nil {
		g.log.Error("failed to load session user", zap.String("user", c.UserID), zap.Error(err))
		return nil
	}
	c.Send(models.ServerEvent{
		Type: models.ServerEventSession,
		Data: models.Session{User: user, Presence: p},
	})
	return nil
}

// Disconnect removes the connection from every room, then marks the
// user offline if it was their last connection.
func (g *Gateway) Disconnect(c *Connection) {
	g.hub.Leave(c)
	g.metrics.Connections.Dec()

	p, last, err := g.presence.Disconnect(c.UserID)
	if err != nil {
		g.log.Error("failed to record disconnect", zap.String("user", c.UserID), zap.Error(err))
		return
	}
	g.log.Debug("disconnected", zap.String("user", c.UserID), zap.String("conn", c.ID), zap.Bool("last", last))

	if last && p.ShowOnlineStatus {
		g.fanOutPresence(c.UserID, models.ServerEventUserOffline, p)
	}
}

// Dispatch runs a client command and returns its acknowledgement.
// Failures never close the connection.
func (g *Gateway) Dispatch(c *Connection, ev models.ClientEvent) models.Ack {
	g.metrics.Events.WithLabelValues(string(ev.Type)).Inc()

	payload, err := ev.Decode()
	if err != nil {
		return g.fail(c.UserID, ev.Type, err)
	}

	switch p := payload.(type) {
	case models.JoinConversations:
		return models.Ack{OK: true, Joined: g.JoinConversations(c, p.ConversationIDs)}

	case models.SendMessage:
		msg, err := g.SendMessage(c.UserID, p.ConversationID, p.Content)
		if err != nil {
			return g.fail(c.UserID, ev.Type, err)
		}
		return models.Ack{OK: true, Message: &msg}

	case models.ConversationRef:
		switch ev.Type {
		case models.ClientEventMarkAsRead:
			n, err := g.MarkRead(c.UserID, p.ConversationID)
			if err != nil {
				return g.fail(c.UserID, ev.Type, err)
			}
			return models.Ack{OK: true, Read: n}
		case models.ClientEventTyping, models.ClientEventStopTyping:
			if err := g.Typing(c.UserID, p.ConversationID, ev.Type == models.ClientEventTyping); err != nil {
				return g.fail(c.UserID, ev.Type, err)
			}
			return models.Ack{OK: true}
		case models.ClientEventHideConversation:
			hidden, err := g.HideConversation(c.UserID, p.ConversationID)
			if err != nil {
				return g.fail(c.UserID, ev.Type, err)
			}
			return models.Ack{OK: true, Hidden: &hidden}
		}

	case models.ToggleVisibility:
		state, err := g.ToggleVisibility(c.UserID, p.Show)
		if err != nil {
			return g.fail(c.UserID, ev.Type, err)
		}
		return models.Ack{OK: true, Presence: &state}

	case models.MessageRef:
		msg, err := g.DeleteMessage(c.UserID, p.MessageID)
		if err != nil {
			return g.fail(c.UserID, ev.Type, err)
		}
		return models.Ack{OK: true, Message: &msg}
	}

	return g.fail(c.UserID, ev.Type, models.ErrInvalidInput)
}

func (g *Gateway) fail(userID string, t models.ClientEventType, err error) models.Ack {
	code := models.CodeOf(err)
	g.metrics.CommandErrors.WithLabelValues(string(code)).Inc()
	if code == models.CodeInternal {
		g.log.Error("command failed", zap.String("user", userID), zap.String("type", string(t)), zap.Error(err))
	} else {
		g.log.Debug("command rejected", zap.String("user", userID), zap.String("type", string(t)), zap.Error(err))
	}
	return models.AckError(err)
}

// JoinConversations subscribes the connection to the conversations the
// user participates in and returns their ids.
func (g *Gateway) JoinConversations(c *Connection, ids []string) []string {
	joined := g.conversations.FilterParticipating(c.UserID, ids)
	for _, id := range joined {
		g.hub.Join(ConversationRoom(id), c)
	}
	return joined
}

// SendMessage stores a message and delivers it to the conversation room.
// The other participant gets a preview in their private room when none
// of their connections follow the conversation.
func (g *Gateway) SendMessage(userID, conversationID, text string) (models.Message, error) {
	unlock := g.conversations.Lock(conversationID)
	defer unlock()

	conv, err := g.conversations.Require(conversationID, userID)
	if err != nil {
		return models.Message{}, err
	}
	msg, err := g.messages.Append(conversationID, userID, text)
	if err != nil {
		return models.Message{}, err
	}
	if _, err := g.conversations.RestoreOnIncomingMessage(conversationID); err != nil {
		g.log.Error("failed to restore conversation", zap.String("conversation", conversationID), zap.Error(err))
	}

	sender, err := g.directory.GetUser(userID)
	if err != nil {
		g.log.Error("failed to load sender", zap.String("user", userID), zap.Error(err))
		sender = models.User{ID: userID}
	}
	summary := sender.Summary()
	msg.SenderInfo = &summary

	room := ConversationRoom(conversationID)
	g.hub.Broadcast(room, models.ServerEvent{Type: models.ServerEventNewMessage, Data: msg}, "")

	recipient := conv.Other(userID)
	if recipient != "" && !g.hub.UserInRoom(room, recipient) {
		g.hub.Broadcast(UserRoom(recipient), models.ServerEvent{
			Type: models.ServerEventChatAlert,
			Data: models.ChatAlert{
				ConversationID: conversationID,
				MessageID:      msg.ID,
				From:           summary,
				Preview:        content.Preview(msg.Content, previewRunes),
				CreatedAt:      msg.CreatedAt,
			},
		}, "")
	}
	return msg, nil
}

// MarkRead marks the conversation read by userID and tells the room.
func (g *Gateway) MarkRead(userID, conversationID string) (int, error) {
	unlock := g.conversations.Lock(conversationID)
	defer unlock()

	n, err := g.messages.MarkRead(conversationID, userID)
	if err != nil {
		return 0, err
	}
	g.hub.Broadcast(ConversationRoom(conversationID), models.ServerEvent{
		Type: models.ServerEventSeen,
		Data: models.Seen{
			ConversationID: conversationID,
			UserID:         userID,
			Timestamp:      g.now().UTC(),
		},
	}, "")
	return n, nil
}

func (g *Gateway) Typing(userID, conversationID string, typing bool) error {
	if _, err := g.conversations.Require(conversationID, userID); err != nil {
		return err
	}
	t := models.ServerEventStopTyping
	if typing {
		t = models.ServerEventTyping
	}
	g.hub.Broadcast(ConversationRoom(conversationID), models.ServerEvent{
		Type: t,
		Data: models.TypingIndicator{ConversationID: conversationID, UserID: userID},
	}, userID)
	return nil
}

// ToggleVisibility changes whether the user's presence is shown. The
// user's own connections always learn the new state.
func (g *Gateway) ToggleVisibility(userID string, show bool) (models.Presence, error) {
	p, err := g.presence.SetVisibility(userID, show)
	if err != nil {
		return models.Presence{}, err
	}
	g.fanOutPresence(userID, models.ServerEventUserStatusUpdate, p)
	g.hub.Broadcast(UserRoom(userID), models.ServerEvent{
		Type: models.ServerEventUserStatusUpdate,
		Data: models.PresenceUpdate{
			UserID:           userID,
			IsOnline:         p.IsOnline,
			ShowOnlineStatus: p.ShowOnlineStatus,
			LastSeen:         timePtr(p.LastSeen),
		},
	}, "")
	return p, nil
}

// HideConversation hides the conversation for userID. Only the caller is
// told; a conversation hidden by everyone is gone and its room closed.
func (g *Gateway) HideConversation(userID, conversationID string) (models.ConversationHidden, error) {
	unlock := g.conversations.Lock(conversationID)
	defer unlock()

	res, err := g.conversations.Hide(conversationID, userID)
	if err != nil {
		return models.ConversationHidden{}, err
	}
	hidden := models.ConversationHidden{ConversationID: conversationID, Deleted: res.Deleted}
	g.hub.Broadcast(UserRoom(userID), models.ServerEvent{
		Type: models.ServerEventConversationHidden,
		Data: hidden,
	}, "")
	if res.Deleted {
		g.hub.CloseRoom(ConversationRoom(conversationID))
	}
	return hidden, nil
}

// RemoveConversation deletes a conversation for every participant and
// tells each of them.
func (g *Gateway) RemoveConversation(conversationID string) (models.ConversationHidden, error) {
	unlock := g.conversations.Lock(conversationID)
	defer unlock()

	conv, err := g.conversations.Remove(conversationID)
	if err != nil {
		return models.ConversationHidden{}, err
	}
	hidden := models.ConversationHidden{ConversationID: conversationID, Deleted: true}
	for _, p := range conv.Participants {
		g.hub.Broadcast(UserRoom(p), models.ServerEvent{
			Type: models.ServerEventConversationHidden,
			Data: hidden,
		}, "")
	}
	g.hub.CloseRoom(ConversationRoom(conversationID))
	return hidden, nil
}

// DeleteMessage soft-deletes a message of userID and tells the room.
func (g *Gateway) DeleteMessage(userID, messageID string) (models.Message, error) {
	msg, err := g.messages.Get(messageID)
	if err != nil {
		return models.Message{}, err
	}
	unlock := g.conversations.Lock(msg.ConversationID)
	defer unlock()

	msg, err = g.messages.SoftDelete(messageID, userID)
	if err != nil {
		return models.Message{}, err
	}
	g.hub.Broadcast(ConversationRoom(msg.ConversationID), models.ServerEvent{
		Type: models.ServerEventMessageDeleted,
		Data: models.MessageDeleted{ConversationID: msg.ConversationID, MessageID: msg.ID},
	}, "")
	return msg, nil
}

// StartConversation starts or resumes the conversation with target.
func (g *Gateway) StartConversation(userID, target string) (conversation.Thread, error) {
	return g.conversations.StartOrResume(userID, target)
}

// Conversations lists the conversations visible to userID.
func (g *Gateway) Conversations(userID string) ([]models.ConversationView, error) {
	return g.conversations.ListFor(userID)
}

// History returns the messages of a conversation userID takes part in.
func (g *Gateway) History(userID, conversationID string) ([]models.Message, error) {
	if _, err := g.conversations.Require(conversationID, userID); err != nil {
		return nil, err
	}
	return g.messages.History(conversationID)
}

// Notify delivers a notification to the user's private room and returns
// the number of connections reached.
func (g *Gateway) Notify(userID string, n models.Notification) (models.Notification, int) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = g.now().UTC()
	}
	sent := g.hub.Broadcast(UserRoom(userID), models.ServerEvent{
		Type: models.ServerEventNotification,
		Data: n,
	}, "")
	return n, sent
}

// DisconnectUser closes every connection of userID.
func (g *Gateway) DisconnectUser(userID string) int {
	return g.hub.DisconnectUser(userID)
}

// Close closes every live connection.
func (g *Gateway) Close() {
	g.hub.Close()
}

func (g *Gateway) fanOutPresence(userID string, t models.ServerEventType, p models.Presence) {
	update := models.PresenceUpdate{
		UserID:           userID,
		ShowOnlineStatus: p.ShowOnlineStatus,
	}
	if p.ShowOnlineStatus {
		update.IsOnline = p.IsOnline
		update.LastSeen = timePtr(p.LastSeen)
	}
	ev := models.ServerEvent{Type: t, Data: update}

	if g.scope == PresenceScopeGlobal {
		g.hub.BroadcastAll(ev, userID)
		return
	}

	followers, err := g.directory.ListFollowers(userID)
	if err != nil {
		g.log.Error("failed to list followers", zap.String("user", userID), zap.Error(err))
		return
	}
	for _, f := range followers {
		g.hub.Broadcast(UserRoom(f), ev, userID)
	}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
