package models

import (
	"slices"
	"time"
)

// User represents an account as seen by the gateway.
// Only the Presence fields are ever mutated here.
type User struct {
	ID          string    `json:"id"`
	UserName    string    `json:"userName"`
	DisplayName string    `json:"displayName"`
	Email       string    `json:"email,omitempty"`
	AvatarURL   string    `json:"avatarUrl"`
	Presence    Presence  `json:"presence"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Presence represents the online status of a user.
type Presence struct {
	IsOnline         bool      `json:"isOnline"`
	ShowOnlineStatus bool      `json:"showOnlineStatus"`
	LastSeen         time.Time `json:"lastSeen"`
}

// UserSummary is the public view of a user embedded in conversations and events.
// Presence is masked when the user hides their online status.
type UserSummary struct {
	ID          string     `json:"id"`
	UserName    string     `json:"userName"`
	DisplayName string     `json:"displayName"`
	AvatarURL   string     `json:"avatarUrl"`
	IsOnline    bool       `json:"isOnline"`
	LastSeen    *time.Time `json:"lastSeen,omitempty"`
}

func (u User) Summary() UserSummary {
	s := UserSummary{
		ID:          u.ID,
		UserName:    u.UserName,
		DisplayName: u.DisplayName,
		AvatarURL:   u.AvatarURL,
	}
	if u.Presence.ShowOnlineStatus {
		s.IsOnline = u.Presence.IsOnline
		if !u.Presence.LastSeen.IsZero() {
			lastSeen := u.Presence.LastSeen
			s.LastSeen = &lastSeen
		}
	}
	return s
}

type ConversationStatus string

const (
	ConversationStatusOneWay ConversationStatus = "one_way"
	ConversationStatusMutual ConversationStatus = "mutual"
)

// Conversation is a two-party chat.
type Conversation struct {
	ID            string             `json:"id"`
	Participants  []string           `json:"participants"`
	Status        ConversationStatus `json:"status"`
	LastMessageID string             `json:"lastMessage,omitempty"`
	DeletedFor    []string           `json:"deletedFor"`
	CreatedAt     time.Time          `json:"createdAt"`
	UpdatedAt     time.Time          `json:"updatedAt"`
}

func (c Conversation) HasParticipant(userID string) bool {
	return slices.Contains(c.Participants, userID)
}

func (c Conversation) HiddenFor(userID string) bool {
	return slices.Contains(c.DeletedFor, userID)
}

// HiddenForAll reports whether every participant has hidden the conversation.
func (c Conversation) HiddenForAll() bool {
	if len(c.Participants) == 0 {
		return false
	}
	for _, p := range c.Participants {
		if !c.HiddenFor(p) {
			return false
		}
	}
	return true
}

// Other returns the participant that is not userID.
func (c Conversation) Other(userID string) string {
	for _, p := range c.Participants {
		if p != userID {
			return p
		}
	}
	return ""
}

// ConversationView is a conversation populated for a particular viewer.
type ConversationView struct {
	ID           string             `json:"id"`
	Participants []UserSummary      `json:"participants"`
	Status       ConversationStatus `json:"status"`
	LastMessage  *Message           `json:"lastMessage,omitempty"`
	DeletedFor   []string           `json:"deletedFor"`
	UnreadCount  int                `json:"unreadCount"`
	CreatedAt    time.Time          `json:"createdAt"`
	UpdatedAt    time.Time          `json:"updatedAt"`
}

// Message represents a chat message.
type Message struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversationId"`
	Seq            int64        `json:"seq"`
	Sender         string       `json:"sender"`
	SenderInfo     *UserSummary `json:"senderInfo,omitempty"`
	Content        string       `json:"content"`
	HTML           string       `json:"html,omitempty"`
	ReadBy         []string     `json:"readBy"`
	Deleted        bool         `json:"deleted"`
	CreatedAt      time.Time    `json:"createdAt"`
}

func (m Message) ReadByUser(userID string) bool {
	return slices.Contains(m.ReadBy, userID)
}

// Redacted hides the content of a deleted message. Storage keeps it.
func (m Message) Redacted() Message {
	if m.Deleted {
		m.Content = ""
		m.HTML = ""
	}
	return m
}

// Notification is a generic social event delivered to a user's private room.
type Notification struct {
	ID        string         `json:"id"`
	Kind      string         `json:"kind"`
	ActorID   string         `json:"actorId,omitempty"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

type APIResponse struct {
	Success bool      `json:"success"`
	Message string    `json:"message,omitempty"`
	Code    ErrorCode `json:"code,omitempty"`
}
