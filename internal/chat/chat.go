// Package chat is the message log of conversations.
package chat

import (
	"fmt"
	"time"

	"pergola/internal/content"
	"pergola/internal/models"

	"github.com/google/uuid"
)

type Storage interface {
	GetConversation(id string) (models.Conversation, error)
	AppendMessage(conversationID string, fn func(conv *models.Conversation, msg *models.Message) error) (models.Message, error)
	ListMessages(conversationID string) ([]models.Message, error)
	GetMessage(id string) (models.Message, error)
	UpdateMessage(id string, fn func(msg *models.Message) error) (models.Message, error)
	MarkRead(conversationID, userID string) (int, error)
}

type Log struct {
	storage Storage
	now     func() time.Time
}

func New(storage Storage) *Log {
	return &Log{
		storage: storage,
		now:     time.Now,
	}
}

// Append stores a message from sender. The message is marked as read by
// its sender. Its timestamp never precedes the conversation's last
// activity, so history stays ordered by time and sequence alike.
func (l *Log) Append(conversationID, sender, text string) (models.Message, error) {
	text, err := content.Normalize(text)
	if err != nil {
		return models.Message{}, err
	}

	msg, err := l.storage.AppendMessage(conversationID, func(conv *models.Conversation, msg *models.Message) error {
		if !conv.HasParticipant(sender) {
			return models.ErrNotAParticipant
		}
		now := l.now().UTC().Truncate(time.Millisecond)
		if now.Before(conv.UpdatedAt) {
			now = conv.UpdatedAt
		}
		msg.ID = uuid.NewString()
		msg.Sender = sender
		msg.Content = text
		msg.ReadBy = []string{sender}
		msg.CreatedAt = now
		return nil
	})
	if err != nil {
		return models.Message{}, err
	}
	return render(msg), nil
}

// MarkRead marks every message of the conversation as read by userID and
// returns how many changed.
func (l *Log) MarkRead(conversationID, userID string) (int, error) {
	conv, err := l.storage.GetConversation(conversationID)
	if err != nil {
		return 0, err
	}
	if !conv.HasParticipant(userID) {
		return 0, models.ErrNotAParticipant
	}
	return l.storage.MarkRead(conversationID, userID)
}

// SoftDelete flags a message as deleted. Only its sender may do so.
// The content is kept in storage.
func (l *Log) SoftDelete(messageID, requester string) (models.Message, error) {
	msg, err := l.storage.UpdateMessage(messageID, func(m *models.Message) error {
		if m.Sender != requester {
			return models.ErrForbidden
		}
		m.Deleted = true
		return nil
	})
	if err != nil {
		return models.Message{}, err
	}
	return render(msg), nil
}

// Get returns a single displayable message.
func (l *Log) Get(messageID string) (models.Message, error) {
	msg, err := l.storage.GetMessage(messageID)
	if err != nil {
		return models.Message{}, err
	}
	return render(msg), nil
}

// History returns the displayable messages of a conversation in order.
func (l *Log) History(conversationID string) ([]models.Message, error) {
	messages, err := l.storage.ListMessages(conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	for i := range messages {
		messages[i] = render(messages[i])
	}
	return messages, nil
}

func render(msg models.Message) models.Message {
	if msg.Deleted {
		return msg.Redacted()
	}
	html, err := content.Render(msg.Content)
	if err != nil {
		html = content.Escape(msg.Content)
	}
	msg.HTML = html
	return msg
}
