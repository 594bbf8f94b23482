// Package presence tracks whether users are online and whether they
// allow others to see it.
package presence

import (
	"fmt"
	"time"

	"pergola/internal/models"

	"github.com/c-pro/geche"
)

type Storage interface {
	GetUser(id string) (models.User, error)
	UpdatePresence(id string, fn func(p *models.Presence)) (models.Presence, error)
}

// Store keeps the persisted presence triple and the number of live
// connections per user. A user is online while at least one connection
// is open.
type Store struct {
	storage     Storage
	connections *geche.Locker[string, int]
	now         func() time.Time
}

func NewStore(storage Storage) *Store {
	return &Store{
		storage:     storage,
		connections: geche.NewLocker[string, int](geche.NewMapCache[string, int]()),
		now:         time.Now,
	}
}

// Connect registers a new connection of the user. first reports whether
// it is the user's only live connection, in which case the user went online.
func (s *Store) Connect(userID string) (p models.Presence, first bool, err error) {
	tx := s.connections.Lock()
	defer tx.Unlock()

	n, _ := tx.Get(userID)
	if n == 0 {
		p, err = s.SetOnline(userID, true)
		if err != nil {
			return models.Presence{}, false, err
		}
		first = true
	} else {
		p, err = s.Get(userID)
		if err != nil {
			return models.Presence{}, false, err
		}
	}
	tx.Set(userID, n+1)
	return p, first, nil
}

// Disconnect unregisters a connection. last reports whether it was the
// user's final connection, in which case the user went offline.
func (s *Store) Disconnect(userID string) (p models.Presence, last bool, err error) {
	tx := s.connections.Lock()
	defer tx.Unlock()

	n, _ := tx.Get(userID)
	if n > 1 {
		tx.Set(userID, n-1)
		p, err = s.Get(userID)
		return p, false, err
	}

	tx.Set(userID, 0)
	p, err = s.SetOnline(userID, false)
	if err != nil {
		return models.Presence{}, false, err
	}
	return p, true, nil
}

// Connections returns the number of live connections of the user.
func (s *Store) Connections(userID string) int {
	tx := s.connections.Lock()
	defer tx.Unlock()
	n, _ := tx.Get(userID)
	return n
}

// SetOnline records the online flag and refreshes lastSeen.
func (s *Store) SetOnline(userID string, online bool) (models.Presence, error) {
	now := s.now().UTC().Truncate(time.Millisecond)
	p, err := s.storage.UpdatePresence(userID, func(p *models.Presence) {
		p.IsOnline = online
		p.LastSeen = now
	})
	if err != nil {
		return models.Presence{}, fmt.Errorf("failed to set presence of %s: %w", userID, err)
	}
	return p, nil
}

// SetVisibility records whether the user's presence may be shown to others.
func (s *Store) SetVisibility(userID string, show bool) (models.Presence, error) {
	p, err := s.storage.UpdatePresence(userID, func(p *models.Presence) {
		p.ShowOnlineStatus = show
	})
	if err != nil {
		return models.Presence{}, fmt.Errorf("failed to set visibility of %s: %w", userID, err)
	}
	return p, nil
}

func (s *Store) Get(userID string) (models.Presence, error) {
	u, err := s.storage.GetUser(userID)
	if err != nil {
		return models.Presence{}, err
	}
	return u.Presence, nil
}
