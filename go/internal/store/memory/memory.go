// Package memory provides an in-process ActivityStore. It is the default
// backend for development and the store double used by tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/xhide341/morph-app-sub000/go/internal/models"
	"github.com/xhide341/morph-app-sub000/go/internal/store"
)

type Store struct {
	clock clockwork.Clock

	mu         sync.RWMutex
	activities map[string][]models.RoomActivity
	rooms      map[string]*models.RoomInfo
	history    map[string][]models.TimerHistory
	shareURLs  map[string]string
}

func New(clock clockwork.Clock) *Store {
	return &Store{
		clock:      clock,
		activities: make(map[string][]models.RoomActivity),
		rooms:      make(map[string]*models.RoomInfo),
		history:    make(map[string][]models.TimerHistory),
		shareURLs:  make(map[string]string),
	}
}

var _ store.ActivityStore = (*Store)(nil)

func (s *Store) Append(ctx context.Context, roomID string, activity models.RoomActivity) (models.RoomActivity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if activity.ID == "" {
		activity.ID = uuid.NewString()
	}
	if activity.TimeStamp.IsZero() {
		activity.TimeStamp = s.clock.Now().UTC()
	}
	activity.RoomID = roomID
	s.activities[roomID] = append(s.activities[roomID], activity)
	return activity, nil
}

func (s *Store) List(ctx context.Context, roomID string) ([]models.RoomActivity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.RoomActivity, len(s.activities[roomID]))
	copy(out, s.activities[roomID])
	return out, nil
}

func (s *Store) AppendHistory(ctx context.Context, userName string, record models.TimerHistory) (models.TimerHistory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.Date.IsZero() {
		record.Date = s.clock.Now().UTC()
	}
	record.UserName = userName
	s.history[userName] = append(s.history[userName], record)
	return record, nil
}

func (s *Store) ListHistory(ctx context.Context, userName string) ([]models.TimerHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.TimerHistory, len(s.history[userName]))
	copy(out, s.history[userName])
	return out, nil
}

func (s *Store) GetRoomInfo(ctx context.Context, roomID string) (*models.RoomInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info, ok := s.rooms[roomID]
	if !ok {
		return nil, fmt.Errorf("room %q: %w", roomID, store.ErrRoomNotFound)
	}
	cp := *info
	return &cp, nil
}

func (s *Store) UpsertRoomInfo(ctx context.Context, roomID string, mutate store.RoomInfoMutation) (*models.RoomInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, ok := s.rooms[roomID]
	if !ok {
		now := s.clock.Now().UTC()
		info = &models.RoomInfo{RoomID: roomID, CreatedAt: now, LastActive: now}
		s.rooms[roomID] = info
	}
	if mutate != nil {
		mutate(info)
	}
	cp := *info
	return &cp, nil
}

func (s *Store) PutShareURL(ctx context.Context, roomID, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.shareURLs[roomID] = url
	return nil
}

func (s *Store) GetShareURL(ctx context.Context, roomID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.shareURLs[roomID], nil
}
