// Package conversation owns the lifecycle of two-party conversations:
// creation, per-user hiding, restoring on new activity and deletion
// once every participant has hidden it.
package conversation

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"time"

	"pergola/internal/models"
	"pergola/internal/storage"

	"github.com/google/uuid"
)

type Storage interface {
	GetUser(id string) (models.User, error)
	IsFollowing(follower, followee string) (bool, error)
	GetConversation(id string) (models.Conversation, error)
	ListConversations(userID string) ([]models.Conversation, error)
	ResolvePair(a, b string, fn func(existing *models.Conversation) (storage.PairResolution, error)) (models.Conversation, error)
	UpdateConversation(id string, fn func(conv *models.Conversation) (storage.Mutation, error)) (models.Conversation, storage.Mutation, error)
	ListMessages(conversationID string) ([]models.Message, error)
	GetMessage(id string) (models.Message, error)
	DeleteConversation(id string) error
}

// History returns the displayable messages of a conversation.
type History interface {
	History(conversationID string) ([]models.Message, error)
}

type Manager struct {
	storage Storage
	history History
	locks   *keyedMutex
	now     func() time.Time
}

func NewManager(storage Storage, history History) *Manager {
	return &Manager{
		storage: storage,
		history: history,
		locks:   newKeyedMutex(),
		now:     time.Now,
	}
}

// Thread is a conversation together with its ordered messages.
type Thread struct {
	Conversation models.ConversationView `json:"conversation"`
	Messages     []models.Message        `json:"messages"`
}

// HideResult reports the state after a hide. Deleted is set when the
// conversation was removed along with its messages.
type HideResult struct {
	Conversation models.Conversation
	Deleted      bool
}

// Lock serializes mutations and their broadcasts on one conversation.
// The returned function releases the lock.
func (m *Manager) Lock(conversationID string) func() {
	return m.locks.lock(conversationID)
}

// settle decides whether a conversation survives a deletedFor change.
func settle(c *models.Conversation) storage.Mutation {
	if c.HiddenForAll() {
		return storage.MutationDelete
	}
	return storage.MutationSave
}

// StartOrResume returns the conversation between current and target,
// creating it when needed. Only a follower may start a conversation.
func (m *Manager) StartOrResume(current, target string) (Thread, error) {
	if current == target {
		return Thread{}, models.ErrSelfChat
	}
	if _, err := m.storage.GetUser(target); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return Thread{}, models.ErrTargetNotFound
		}
		return Thread{}, err
	}
	following, err := m.storage.IsFollowing(current, target)
	if err != nil {
		return Thread{}, err
	}
	if !following {
		return Thread{}, models.ErrFollowRequired
	}

	conv, err := m.storage.ResolvePair(current, target, func(existing *models.Conversation) (storage.PairResolution, error) {
		switch {
		case existing == nil:
			return storage.PairResolution{Conversation: m.newConversation(current, target)}, nil
		case existing.HiddenForAll():
			return storage.PairResolution{
				Conversation:    m.newConversation(current, target),
				ReplaceExisting: true,
			}, nil
		default:
			c := *existing
			c.DeletedFor = slices.DeleteFunc(slices.Clone(c.DeletedFor), func(id string) bool { return id == current })
			return storage.PairResolution{Conversation: c}, nil
		}
	})
	if err != nil {
		return Thread{}, fmt.Errorf("failed to resolve conversation: %w", err)
	}

	view, err := m.View(conv, current)
	if err != nil {
		return Thread{}, err
	}
	messages, err := m.history.History(conv.ID)
	if err != nil {
		return Thread{}, err
	}
	return Thread{Conversation: view, Messages: messages}, nil
}

func (m *Manager) newConversation(a, b string) models.Conversation {
	now := m.now().UTC().Truncate(time.Millisecond)
	return models.Conversation{
		ID:           uuid.NewString(),
		Participants: []string{a, b},
		Status:       models.ConversationStatusOneWay,
		DeletedFor:   []string{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Hide hides the conversation for userID. When every participant has
// hidden it, the conversation and its messages are deleted in the same
// transaction.
func (m *Manager) Hide(conversationID, userID string) (HideResult, error) {
	conv, mutation, err := m.storage.UpdateConversation(conversationID, func(c *models.Conversation) (storage.Mutation, error) {
		if !c.HasParticipant(userID) {
			return storage.MutationNone, models.ErrNotAParticipant
		}
		if !c.HiddenFor(userID) {
			c.DeletedFor = append(c.DeletedFor, userID)
		}
		return settle(c), nil
	})
	if err != nil {
		return HideResult{}, err
	}
	return HideResult{Conversation: conv, Deleted: mutation == storage.MutationDelete}, nil
}

// Remove deletes the conversation and its messages regardless of who
// has hidden it.
func (m *Manager) Remove(conversationID string) (models.Conversation, error) {
	conv, err := m.storage.GetConversation(conversationID)
	if err != nil {
		return models.Conversation{}, err
	}
	if err := m.storage.DeleteConversation(conversationID); err != nil {
		return models.Conversation{}, fmt.Errorf("failed to delete conversation %s: %w", conversationID, err)
	}
	return conv, nil
}

// RestoreOnIncomingMessage makes the conversation visible again to every
// participant.
func (m *Manager) RestoreOnIncomingMessage(conversationID string) (models.Conversation, error) {
	conv, _, err := m.storage.UpdateConversation(conversationID, func(c *models.Conversation) (storage.Mutation, error) {
		if len(c.DeletedFor) == 0 {
			return storage.MutationNone, nil
		}
		c.DeletedFor = []string{}
		return settle(c), nil
	})
	return conv, err
}

// Require returns the conversation if userID participates in it.
func (m *Manager) Require(conversationID, userID string) (models.Conversation, error) {
	conv, err := m.storage.GetConversation(conversationID)
	if err != nil {
		return models.Conversation{}, err
	}
	if !conv.HasParticipant(userID) {
		return models.Conversation{}, models.ErrNotAParticipant
	}
	return conv, nil
}

// FilterParticipating keeps the ids of conversations userID participates
// in. Unknown ids are dropped silently.
func (m *Manager) FilterParticipating(userID string, ids []string) []string {
	joined := []string{}
	for _, id := range ids {
		if id == "" || slices.Contains(joined, id) {
			continue
		}
		if _, err := m.Require(id, userID); err == nil {
			joined = append(joined, id)
		}
	}
	return joined
}

// ListFor returns the conversations visible to userID, most recently
// active first.
func (m *Manager) ListFor(userID string) ([]models.ConversationView, error) {
	convs, err := m.storage.ListConversations(userID)
	if err != nil {
		return nil, err
	}

	views := []models.ConversationView{}
	for _, c := range convs {
		if c.HiddenFor(userID) {
			continue
		}
		view, err := m.View(c, userID)
		if err != nil {
			return nil, err
		}
		views = append(views, view)
	}

	slices.SortStableFunc(views, func(a, b models.ConversationView) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return views, nil
}

// View populates a conversation for the viewer.
func (m *Manager) View(c models.Conversation, viewer string) (models.ConversationView, error) {
	view := models.ConversationView{
		ID:           c.ID,
		Participants: make([]models.UserSummary, 0, len(c.Participants)),
		Status:       c.Status,
		DeletedFor:   c.DeletedFor,
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
	}
	for _, id := range c.Participants {
		u, err := m.storage.GetUser(id)
		if errors.Is(err, models.ErrNotFound) {
			view.Participants = append(view.Participants, models.UserSummary{ID: id})
			continue
		}
		if err != nil {
			return models.ConversationView{}, err
		}
		view.Participants = append(view.Participants, u.Summary())
	}

	if c.LastMessageID != "" {
		msg, err := m.storage.GetMessage(c.LastMessageID)
		if err != nil && !errors.Is(err, models.ErrNotFound) {
			return models.ConversationView{}, err
		}
		if err == nil {
			msg = msg.Redacted()
			view.LastMessage = &msg
		}
	}

	messages, err := m.storage.ListMessages(c.ID)
	if err != nil {
		return models.ConversationView{}, err
	}
	for _, msg := range messages {
		if msg.Sender != viewer && !msg.Deleted && !msg.ReadByUser(viewer) {
			view.UnreadCount++
		}
	}
	return view, nil
}
