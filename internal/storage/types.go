package storage

import (
	"encoding"
	"encoding/binary"
	"time"

	"pergola/internal/models"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type DBUser struct {
	ID               string `msgpack:"id"`
	UserName         string `msgpack:"userName"`
	DisplayName      string `msgpack:"displayName"`
	Email            string `msgpack:"email"`
	AvatarURL        string `msgpack:"avatarUrl"`
	IsOnline         bool   `msgpack:"isOnline"`
	ShowOnlineStatus bool   `msgpack:"showOnlineStatus"`
	LastSeen         int64  `msgpack:"lastSeen"`
	CreatedAt        int64  `msgpack:"createdAt"`
}

func (u *DBUser) Key() []byte {
	return []byte(u.ID)
}

func (u *DBUser) MarshalBinary() (data []byte, err error) {
	type alias DBUser
	return msgpack.Marshal((*alias)(u))
}

func (u *DBUser) UnmarshalBinary(data []byte) error {
	type alias DBUser
	return msgpack.Unmarshal(data, (*alias)(u))
}

func newDBUser(u models.User) *DBUser {
	return &DBUser{
		ID:               u.ID,
		UserName:         u.UserName,
		DisplayName:      u.DisplayName,
		Email:            u.Email,
		AvatarURL:        u.AvatarURL,
		IsOnline:         u.Presence.IsOnline,
		ShowOnlineStatus: u.Presence.ShowOnlineStatus,
		LastSeen:         toMillis(u.Presence.LastSeen),
		CreatedAt:        toMillis(u.CreatedAt),
	}
}

func (u *DBUser) model() models.User {
	return models.User{
		ID:          u.ID,
		UserName:    u.UserName,
		DisplayName: u.DisplayName,
		Email:       u.Email,
		AvatarURL:   u.AvatarURL,
		Presence: models.Presence{
			IsOnline:         u.IsOnline,
			ShowOnlineStatus: u.ShowOnlineStatus,
			LastSeen:         fromMillis(u.LastSeen),
		},
		CreatedAt: fromMillis(u.CreatedAt),
	}
}

type DBConversation struct {
	ID            string   `msgpack:"id"`
	Participants  []string `msgpack:"participants"`
	Status        string   `msgpack:"status"`
	LastMessageID string   `msgpack:"lastMessageId"`
	DeletedFor    []string `msgpack:"deletedFor"`
	CreatedAt     int64    `msgpack:"createdAt"`
	UpdatedAt     int64    `msgpack:"updatedAt"`
}

func (c *DBConversation) Key() []byte {
	return []byte(c.ID)
}

func (c *DBConversation) MarshalBinary() (data []byte, err error) {
	type alias DBConversation
	return msgpack.Marshal((*alias)(c))
}

func (c *DBConversation) UnmarshalBinary(data []byte) error {
	type alias DBConversation
	return msgpack.Unmarshal(data, (*alias)(c))
}

func newDBConversation(c models.Conversation) *DBConversation {
	return &DBConversation{
		ID:            c.ID,
		Participants:  c.Participants,
		Status:        string(c.Status),
		LastMessageID: c.LastMessageID,
		DeletedFor:    c.DeletedFor,
		CreatedAt:     toMillis(c.CreatedAt),
		UpdatedAt:     toMillis(c.UpdatedAt),
	}
}

func (c *DBConversation) model() models.Conversation {
	deletedFor := c.DeletedFor
	if deletedFor == nil {
		deletedFor = []string{}
	}
	return models.Conversation{
		ID:            c.ID,
		Participants:  c.Participants,
		Status:        models.ConversationStatus(c.Status),
		LastMessageID: c.LastMessageID,
		DeletedFor:    deletedFor,
		CreatedAt:     fromMillis(c.CreatedAt),
		UpdatedAt:     fromMillis(c.UpdatedAt),
	}
}

type DBMessage struct {
	ID             string   `msgpack:"id"`
	ConversationID string   `msgpack:"conversationId"`
	Seq            int64    `msgpack:"seq"`
	Sender         string   `msgpack:"sender"`
	Content        string   `msgpack:"content"`
	ReadBy         []string `msgpack:"readBy"`
	Deleted        bool     `msgpack:"deleted"`
	CreatedAt      int64    `msgpack:"createdAt"`
}

// Key orders messages inside a conversation bucket by sequence number.
func (m *DBMessage) Key() []byte {
	return seqKey(m.Seq)
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

func newDBMessage(m models.Message) *DBMessage {
	return &DBMessage{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Seq:            m.Seq,
		Sender:         m.Sender,
		Content:        m.Content,
		ReadBy:         m.ReadBy,
		Deleted:        m.Deleted,
		CreatedAt:      toMillis(m.CreatedAt),
	}
}

func (m *DBMessage) model() models.Message {
	return models.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Seq:            m.Seq,
		Sender:         m.Sender,
		Content:        m.Content,
		ReadBy:         m.ReadBy,
		Deleted:        m.Deleted,
		CreatedAt:      fromMillis(m.CreatedAt),
	}
}

// DBMessageRef locates a message by id.
type DBMessageRef struct {
	MessageID      string `msgpack:"messageId"`
	ConversationID string `msgpack:"conversationId"`
	Seq            int64  `msgpack:"seq"`
}

func (r *DBMessageRef) Key() []byte {
	return []byte(r.MessageID)
}

func (r *DBMessageRef) MarshalBinary() (data []byte, err error) {
	type alias DBMessageRef
	return msgpack.Marshal((*alias)(r))
}

func (r *DBMessageRef) UnmarshalBinary(data []byte) error {
	type alias DBMessageRef
	return msgpack.Unmarshal(data, (*alias)(r))
}

func seqKey(seq int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(seq))
	return key
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
