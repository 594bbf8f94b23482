package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type ClientEventType string

const (
	ClientEventJoinConversations ClientEventType = "join_conversations"
	ClientEventSendMessage       ClientEventType = "send_message"
	ClientEventMarkAsRead        ClientEventType = "mark_as_read"
	ClientEventTyping            ClientEventType = "typing"
	ClientEventStopTyping        ClientEventType = "stop_typing"
	ClientEventToggleVisibility  ClientEventType = "toggle_visibility"
	ClientEventHideConversation  ClientEventType = "hide_conversation"
	ClientEventDeleteMessage     ClientEventType = "delete_message"
)

type ServerEventType string

const (
	ServerEventAck                ServerEventType = "ack"
	ServerEventError              ServerEventType = "error"
	ServerEventSession            ServerEventType = "session"
	ServerEventNewMessage         ServerEventType = "new_message"
	ServerEventMessageDeleted     ServerEventType = "message_deleted"
	ServerEventSeen               ServerEventType = "seen"
	ServerEventTyping             ServerEventType = "typing"
	ServerEventStopTyping         ServerEventType = "stop_typing"
	ServerEventChatAlert          ServerEventType = "chat_alert"
	ServerEventUserOnline         ServerEventType = "user_online"
	ServerEventUserOffline        ServerEventType = "user_offline"
	ServerEventUserStatusUpdate   ServerEventType = "user_status_update"
	ServerEventConversationHidden ServerEventType = "conversation_hidden"
	ServerEventNotification       ServerEventType = "notification"
)

// ClientEvent is a frame sent by the client. Data is decoded lazily
// according to Type by Decode.
type ClientEvent struct {
	Type ClientEventType `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ServerEvent is a frame sent to the client.
type ServerEvent struct {
	Type ServerEventType `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data any             `json:"data,omitempty"`
}

// Command payloads.

type JoinConversations struct {
	ConversationIDs []string
}

type SendMessage struct {
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
}

type ConversationRef struct {
	ConversationID string `json:"conversationId"`
}

type ToggleVisibility struct {
	Show bool
}

type MessageRef struct {
	MessageID string `json:"messageId"`
}

// Decode validates the payload of the event against the schema of its type
// and returns one of the command payload types above.
func (e ClientEvent) Decode() (any, error) {
	switch e.Type {
	case ClientEventJoinConversations:
		var ids []string
		if len(e.Data) > 0 {
			if err := json.Unmarshal(e.Data, &ids); err != nil {
				// Malformed input joins nothing.
				return JoinConversations{}, nil
			}
		}
		return JoinConversations{ConversationIDs: ids}, nil

	case ClientEventSendMessage:
		var p SendMessage
		if err := decodeStrict(e.Data, &p); err != nil {
			return nil, err
		}
		if p.ConversationID == "" {
			return nil, newError(ErrInvalidInput, "conversationId is required")
		}
		return p, nil

	case ClientEventMarkAsRead, ClientEventTyping, ClientEventStopTyping, ClientEventHideConversation:
		var p ConversationRef
		if err := decodeStrict(e.Data, &p); err != nil {
			return nil, err
		}
		if p.ConversationID == "" {
			return nil, newError(ErrInvalidInput, "conversationId is required")
		}
		return p, nil

	case ClientEventToggleVisibility:
		var show bool
		if err := json.Unmarshal(e.Data, &show); err != nil {
			return nil, newError(ErrInvalidInput, "toggle_visibility expects a boolean")
		}
		return ToggleVisibility{Show: show}, nil

	case ClientEventDeleteMessage:
		var p MessageRef
		if err := decodeStrict(e.Data, &p); err != nil {
			return nil, err
		}
		if p.MessageID == "" {
			return nil, newError(ErrInvalidInput, "messageId is required")
		}
		return p, nil
	}

	return nil, newError(ErrInvalidInput, fmt.Sprintf("unknown event type %q", e.Type))
}

func decodeStrict(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return newError(ErrInvalidInput, "payload is required")
	}
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return newError(ErrInvalidInput, fmt.Sprintf("malformed payload: %v", err))
	}
	return nil
}

// Event payloads.

type Session struct {
	User     User     `json:"user"`
	Presence Presence `json:"presence"`
}

type ChatAlert struct {
	ConversationID string      `json:"conversationId"`
	MessageID      string      `json:"messageId"`
	From           UserSummary `json:"from"`
	Preview        string      `json:"preview"`
	CreatedAt      time.Time   `json:"createdAt"`
}

type MessageDeleted struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
}

type Seen struct {
	ConversationID string    `json:"conversationId"`
	UserID         string    `json:"userId"`
	Timestamp      time.Time `json:"timestamp"`
}

type TypingIndicator struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

type PresenceUpdate struct {
	UserID           string     `json:"userId"`
	IsOnline         bool       `json:"isOnline"`
	ShowOnlineStatus bool       `json:"showOnlineStatus"`
	LastSeen         *time.Time `json:"lastSeen,omitempty"`
}

type ConversationHidden struct {
	ConversationID string `json:"conversationId"`
	Deleted        bool   `json:"deleted"`
}

// Ack answers a client command that carried an id.
type Ack struct {
	OK       bool                `json:"ok"`
	Error    string              `json:"error,omitempty"`
	Code     ErrorCode           `json:"code,omitempty"`
	Joined   []string            `json:"joined,omitzero"`
	Message  *Message            `json:"message,omitempty"`
	Read     int                 `json:"read,omitempty"`
	Presence *Presence           `json:"presence,omitempty"`
	Hidden   *ConversationHidden `json:"hidden,omitempty"`
}

func AckError(err error) Ack {
	return Ack{
		OK:    false,
		Error: PublicMessage(err),
		Code:  CodeOf(err),
	}
}
