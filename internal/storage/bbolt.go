package storage

import (
	"bytes"
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"

	"pergola/internal/models"

	"go.etcd.io/bbolt"
)

var (
	bucketUsers         = []byte("users")
	bucketFollows       = []byte("follows")
	bucketFollowers     = []byte("followers")
	bucketConversations = []byte("conversations")
	bucketPairs         = []byte("pairs")
	bucketMessages      = []byte("messages")
	bucketMessageIndex  = []byte("message_index")
)

// Mutation tells UpdateConversation what to do with the mutated record.
type Mutation int

const (
	MutationNone Mutation = iota
	MutationSave
	MutationDelete
)

// PairResolution is the outcome of ResolvePair's callback.
type PairResolution struct {
	// Conversation is saved and indexed as the pair's conversation.
	Conversation models.Conversation
	// ReplaceExisting cascade-deletes the existing conversation first.
	ReplaceExisting bool
}

type BboltStorage struct {
	db *bbolt.DB
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{
			bucketUsers,
			bucketFollows,
			bucketFollowers,
			bucketConversations,
			bucketPairs,
			bucketMessages,
			bucketMessageIndex,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

func putRecord(b *bbolt.Bucket, v Storeable) error {
	data, err := v.MarshalBinary()
	if err != nil {
		return err
	}
	return b.Put(v.Key(), data)
}

// getRecord loads key into v and reports whether it was present.
func getRecord(b *bbolt.Bucket, key []byte, v Storeable) (bool, error) {
	data := b.Get(key)
	if data == nil {
		return false, nil
	}
	if err := v.UnmarshalBinary(data); err != nil {
		return false, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return true, nil
}

func edgeKey(from, to string) []byte {
	return []byte(from + "\x00" + to)
}

func pairKey(a, b string) []byte {
	ids := []string{a, b}
	sort.Strings(ids)
	return edgeKey(ids[0], ids[1])
}

// Users

// UpsertUser stores a new or updated account.
func (s *BboltStorage) UpsertUser(user models.User) error {
	if user.ID == "" {
		return errors.New("user missing id")
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return putRecord(tx.Bucket(bucketUsers), newDBUser(user))
	})
}

func (s *BboltStorage) GetUser(id string) (models.User, error) {
	var dbUser DBUser
	err := s.db.View(func(tx *bbolt.Tx) error {
		ok, err := getRecord(tx.Bucket(bucketUsers), []byte(id), &dbUser)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("user %s: %w", id, models.ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return models.User{}, err
	}
	return dbUser.model(), nil
}

// ListUsers returns all accounts ordered by user name.
func (s *BboltStorage) ListUsers() ([]models.User, error) {
	var users []models.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketUsers).ForEach(func(k, v []byte) error {
			var dbUser DBUser
			if err := dbUser.UnmarshalBinary(v); err != nil {
				return err
			}
			users = append(users, dbUser.model())
			return nil
		})
	})
	sort.Slice(users, func(i, j int) bool {
		return users[i].UserName < users[j].UserName
	})
	return users, err
}

func (s *BboltStorage) FindUserByName(userName string) (models.User, error) {
	users, err := s.ListUsers()
	if err != nil {
		return models.User{}, err
	}
	for _, u := range users {
		if u.UserName == userName {
			return u, nil
		}
	}
	return models.User{}, fmt.Errorf("user %q: %w", userName, models.ErrNotFound)
}

// UpdatePresence applies fn to the presence fields of a user. Identity
// fields are never touched.
func (s *BboltStorage) UpdatePresence(id string, fn func(p *models.Presence)) (models.Presence, error) {
	var presence models.Presence
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		var dbUser DBUser
		ok, err := getRecord(b, []byte(id), &dbUser)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("user %s: %w", id, models.ErrNotFound)
		}

		presence = dbUser.model().Presence
		fn(&presence)
		dbUser.IsOnline = presence.IsOnline
		dbUser.ShowOnlineStatus = presence.ShowOnlineStatus
		dbUser.LastSeen = toMillis(presence.LastSeen)
		return putRecord(b, &dbUser)
	})
	return presence, err
}

// Follows

func (s *BboltStorage) Follow(follower, followee string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		users := tx.Bucket(bucketUsers)
		for _, id := range []string{follower, followee} {
			if users.Get([]byte(id)) == nil {
				return fmt.Errorf("user %s: %w", id, models.ErrNotFound)
			}
		}
		if err := tx.Bucket(bucketFollows).Put(edgeKey(follower, followee), []byte{1}); err != nil {
			return err
		}
		return tx.Bucket(bucketFollowers).Put(edgeKey(followee, follower), []byte{1})
	})
}

func (s *BboltStorage) Unfollow(follower, followee string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketFollows).Delete(edgeKey(follower, followee)); err != nil {
			return err
		}
		return tx.Bucket(bucketFollowers).Delete(edgeKey(followee, follower))
	})
}

func (s *BboltStorage) IsFollowing(follower, followee string) (bool, error) {
	var ok bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		ok = tx.Bucket(bucketFollows).Get(edgeKey(follower, followee)) != nil
		return nil
	})
	return ok, err
}

// ListFollowers returns the ids of users following userID.
func (s *BboltStorage) ListFollowers(userID string) ([]string, error) {
	var followers []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		prefix := []byte(userID + "\x00")
		c := tx.Bucket(bucketFollowers).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			followers = append(followers, string(k[len(prefix):]))
		}
		return nil
	})
	return followers, err
}

// Conversations

func loadConversation(tx *bbolt.Tx, id string) (models.Conversation, error) {
	var dbConv DBConversation
	ok, err := getRecord(tx.Bucket(bucketConversations), []byte(id), &dbConv)
	if err != nil {
		return models.Conversation{}, err
	}
	if !ok {
		return models.Conversation{}, fmt.Errorf("conversation %s: %w", id, models.ErrNotFound)
	}
	return dbConv.model(), nil
}

func saveConversation(tx *bbolt.Tx, conv models.Conversation) error {
	if len(conv.Participants) != 2 || conv.Participants[0] == conv.Participants[1] {
		return fmt.Errorf("conversation %s must have two distinct participants", conv.ID)
	}
	for _, id := range conv.DeletedFor {
		if !conv.HasParticipant(id) {
			return fmt.Errorf("conversation %s: %s is not a participant", conv.ID, id)
		}
	}
	return putRecord(tx.Bucket(bucketConversations), newDBConversation(conv))
}

// deleteConversation removes a conversation, its pair index entry and all
// its messages in the caller's transaction.
func deleteConversation(tx *bbolt.Tx, conv models.Conversation) error {
	messages := tx.Bucket(bucketMessages)
	if chatBucket := messages.Bucket([]byte(conv.ID)); chatBucket != nil {
		index := tx.Bucket(bucketMessageIndex)
		err := chatBucket.ForEach(func(k, v []byte) error {
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			return index.Delete([]byte(dbMsg.ID))
		})
		if err != nil {
			return fmt.Errorf("failed to drop message index: %w", err)
		}
		if err := messages.DeleteBucket([]byte(conv.ID)); err != nil {
			return fmt.Errorf("failed to drop messages: %w", err)
		}
	}

	if len(conv.Participants) == 2 {
		pairs := tx.Bucket(bucketPairs)
		key := pairKey(conv.Participants[0], conv.Participants[1])
		if string(pairs.Get(key)) == conv.ID {
			if err := pairs.Delete(key); err != nil {
				return err
			}
		}
	}

	return tx.Bucket(bucketConversations).Delete([]byte(conv.ID))
}

func (s *BboltStorage) GetConversation(id string) (models.Conversation, error) {
	var conv models.Conversation
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		conv, err = loadConversation(tx, id)
		return err
	})
	return conv, err
}

// FindConversation returns the conversation between a and b.
func (s *BboltStorage) FindConversation(a, b string) (models.Conversation, error) {
	var conv models.Conversation
	err := s.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket(bucketPairs).Get(pairKey(a, b))
		if id == nil {
			return fmt.Errorf("conversation between %s and %s: %w", a, b, models.ErrNotFound)
		}
		var err error
		conv, err = loadConversation(tx, string(id))
		return err
	})
	return conv, err
}

// ListConversations returns every conversation userID participates in,
// including the ones they have hidden.
func (s *BboltStorage) ListConversations(userID string) ([]models.Conversation, error) {
	var convs []models.Conversation
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketConversations).ForEach(func(k, v []byte) error {
			var dbConv DBConversation
			if err := dbConv.UnmarshalBinary(v); err != nil {
				return err
			}
			if slices.Contains(dbConv.Participants, userID) {
				convs = append(convs, dbConv.model())
			}
			return nil
		})
	})
	return convs, err
}

// ResolvePair looks up the conversation of the unordered pair {a, b} and
// lets fn decide what the pair's conversation is, in one transaction.
// existing is nil when the pair has no conversation.
func (s *BboltStorage) ResolvePair(a, b string, fn func(existing *models.Conversation) (PairResolution, error)) (models.Conversation, error) {
	var result models.Conversation
	err := s.db.Update(func(tx *bbolt.Tx) error {
		pairs := tx.Bucket(bucketPairs)
		key := pairKey(a, b)

		var existing *models.Conversation
		if id := pairs.Get(key); id != nil {
			conv, err := loadConversation(tx, string(id))
			switch {
			case errors.Is(err, models.ErrNotFound):
				// Dangling index entry.
			case err != nil:
				return err
			default:
				existing = &conv
			}
		}

		res, err := fn(existing)
		if err != nil {
			return err
		}

		if existing != nil && res.ReplaceExisting {
			if err := deleteConversation(tx, *existing); err != nil {
				return err
			}
		}

		if err := saveConversation(tx, res.Conversation); err != nil {
			return err
		}
		if err := pairs.Put(key, []byte(res.Conversation.ID)); err != nil {
			return err
		}
		result = res.Conversation
		return nil
	})
	return result, err
}

// UpdateConversation applies fn to a conversation and then saves or
// cascade-deletes it as fn decides, in one transaction.
func (s *BboltStorage) UpdateConversation(id string, fn func(conv *models.Conversation) (Mutation, error)) (models.Conversation, Mutation, error) {
	var (
		conv     models.Conversation
		mutation Mutation
	)
	err := s.db.Update(func(tx *bbolt.Tx) error {
		var err error
		conv, err = loadConversation(tx, id)
		if err != nil {
			return err
		}

		mutation, err = fn(&conv)
		if err != nil {
			return err
		}

		switch mutation {
		case MutationSave:
			return saveConversation(tx, conv)
		case MutationDelete:
			return deleteConversation(tx, conv)
		}
		return nil
	})
	return conv, mutation, err
}

// DeleteConversation cascade-deletes a conversation and its messages.
func (s *BboltStorage) DeleteConversation(id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		conv, err := loadConversation(tx, id)
		if err != nil {
			return err
		}
		return deleteConversation(tx, conv)
	})
}

// Messages

// AppendMessage stores a new message in a conversation. The message gets
// the next sequence number of the conversation and fn fills in the rest;
// the conversation's last message pointer and update time follow it.
func (s *BboltStorage) AppendMessage(conversationID string, fn func(conv *models.Conversation, msg *models.Message) error) (models.Message, error) {
	var msg models.Message
	err := s.db.Update(func(tx *bbolt.Tx) error {
		conv, err := loadConversation(tx, conversationID)
		if err != nil {
			return err
		}

		chatBucket, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists([]byte(conversationID))
		if err != nil {
			return fmt.Errorf("failed to create chat bucket: %w", err)
		}
		seq, err := chatBucket.NextSequence()
		if err != nil {
			return err
		}

		msg = models.Message{
			ConversationID: conversationID,
			Seq:            int64(seq),
		}
		if err := fn(&conv, &msg); err != nil {
			return err
		}
		if msg.ID == "" {
			return errors.New("message missing id")
		}

		if err := putRecord(chatBucket, newDBMessage(msg)); err != nil {
			return fmt.Errorf("failed to put message: %w", err)
		}
		ref := &DBMessageRef{MessageID: msg.ID, ConversationID: conversationID, Seq: msg.Seq}
		if err := putRecord(tx.Bucket(bucketMessageIndex), ref); err != nil {
			return fmt.Errorf("failed to index message: %w", err)
		}

		conv.LastMessageID = msg.ID
		if msg.CreatedAt.After(conv.UpdatedAt) {
			conv.UpdatedAt = msg.CreatedAt
		}
		return saveConversation(tx, conv)
	})
	return msg, err
}

// ListMessages returns the messages of a conversation in sequence order.
func (s *BboltStorage) ListMessages(conversationID string) ([]models.Message, error) {
	messages := []models.Message{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		chatBucket := tx.Bucket(bucketMessages).Bucket([]byte(conversationID))
		if chatBucket == nil {
			return nil // No messages for this conversation
		}
		return chatBucket.ForEach(func(k, v []byte) error {
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			messages = append(messages, dbMsg.model())
			return nil
		})
	})
	return messages, err
}

func lookupMessage(tx *bbolt.Tx, id string) (*bbolt.Bucket, DBMessage, error) {
	var ref DBMessageRef
	ok, err := getRecord(tx.Bucket(bucketMessageIndex), []byte(id), &ref)
	if err != nil {
		return nil, DBMessage{}, err
	}
	if !ok {
		return nil, DBMessage{}, fmt.Errorf("message %s: %w", id, models.ErrNotFound)
	}

	chatBucket := tx.Bucket(bucketMessages).Bucket([]byte(ref.ConversationID))
	if chatBucket == nil {
		return nil, DBMessage{}, fmt.Errorf("message %s: %w", id, models.ErrNotFound)
	}
	var dbMsg DBMessage
	ok, err = getRecord(chatBucket, seqKey(ref.Seq), &dbMsg)
	if err != nil {
		return nil, DBMessage{}, err
	}
	if !ok {
		return nil, DBMessage{}, fmt.Errorf("message %s: %w", id, models.ErrNotFound)
	}
	return chatBucket, dbMsg, nil
}

func (s *BboltStorage) GetMessage(id string) (models.Message, error) {
	var msg models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		_, dbMsg, err := lookupMessage(tx, id)
		if err != nil {
			return err
		}
		msg = dbMsg.model()
		return nil
	})
	return msg, err
}

// UpdateMessage applies fn to a stored message and saves the result.
func (s *BboltStorage) UpdateMessage(id string, fn func(msg *models.Message) error) (models.Message, error) {
	var msg models.Message
	err := s.db.Update(func(tx *bbolt.Tx) error {
		chatBucket, dbMsg, err := lookupMessage(tx, id)
		if err != nil {
			return err
		}
		msg = dbMsg.model()
		if err := fn(&msg); err != nil {
			return err
		}
		// Identity and ordering fields are fixed.
		msg.ID, msg.ConversationID, msg.Seq = dbMsg.ID, dbMsg.ConversationID, dbMsg.Seq
		return putRecord(chatBucket, newDBMessage(msg))
	})
	return msg, err
}

// MarkRead adds userID to the readBy set of every message of the
// conversation that does not have it yet and returns how many changed.
func (s *BboltStorage) MarkRead(conversationID, userID string) (int, error) {
	var touched int
	err := s.db.Update(func(tx *bbolt.Tx) error {
		chatBucket := tx.Bucket(bucketMessages).Bucket([]byte(conversationID))
		if chatBucket == nil {
			return nil
		}

		var unread []*DBMessage
		err := chatBucket.ForEach(func(k, v []byte) error {
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			if !slices.Contains(dbMsg.ReadBy, userID) {
				dbMsg.ReadBy = append(dbMsg.ReadBy, userID)
				unread = append(unread, &dbMsg)
			}
			return nil
		})
		if err != nil {
			return err
		}

		// Writes happen after the scan; bbolt cursors do not survive puts.
		for _, dbMsg := range unread {
			if err := putRecord(chatBucket, dbMsg); err != nil {
				return err
			}
		}
		touched = len(unread)
		return nil
	})
	return touched, err
}
