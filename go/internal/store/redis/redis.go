// Package redis provides an ActivityStore backed by Redis: one list per
// room activity log, one hash per room's metadata, one list per user's
// timer history and a plain key per share URL.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"github.com/xhide341/morph-app-sub000/go/internal/models"
	"github.com/xhide341/morph-app-sub000/go/internal/store"
)

type Config struct {
	Addr     string
	Password string
	DB       int
}

type Store struct {
	client    *redis.Client
	clock     clockwork.Clock
	keyPrefix string
}

// New connects to Redis and verifies the connection with a ping.
func New(ctx context.Context, cfg Config, clock clockwork.Clock) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Store{client: client, clock: clock, keyPrefix: "room:"}, nil
}

var _ store.ActivityStore = (*Store)(nil)

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) activitiesKey(roomID string) string {
	return fmt.Sprintf("%s%s:activities", s.keyPrefix, roomID)
}

func (s *Store) infoKey(roomID string) string {
	return fmt.Sprintf("%s%s:info", s.keyPrefix, roomID)
}

func (s *Store) urlKey(roomID string) string {
	return fmt.Sprintf("%s%s:url", s.keyPrefix, roomID)
}

func (s *Store) historyKey(userName string) string {
	return fmt.Sprintf("history:%s", userName)
}

// unavailable wraps a transport-level Redis failure so callers can match
// store.ErrStorageUnavailable with errors.Is.
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, store.ErrStorageUnavailable, err)
}

func (s *Store) Append(ctx context.Context, roomID string, activity models.RoomActivity) (models.RoomActivity, error) {
	if activity.ID == "" {
		activity.ID = uuid.NewString()
	}
	if activity.TimeStamp.IsZero() {
		activity.TimeStamp = s.clock.Now().UTC()
	}
	activity.RoomID = roomID

	data, err := json.Marshal(activity)
	if err != nil {
		return models.RoomActivity{}, fmt.Errorf("marshal activity: %w", err)
	}
	if err := s.client.RPush(ctx, s.activitiesKey(roomID), data).Err(); err != nil {
		return models.RoomActivity{}, unavailable("rpush activity", err)
	}
	return activity, nil
}

func (s *Store) List(ctx context.Context, roomID string) ([]models.RoomActivity, error) {
	raw, err := s.client.LRange(ctx, s.activitiesKey(roomID), 0, -1).Result()
	if err != nil {
		return nil, unavailable("lrange activities", err)
	}

	activities := make([]models.RoomActivity, 0, len(raw))
	for _, item := range raw {
		var a models.RoomActivity
		if err := json.Unmarshal([]byte(item), &a); err != nil {
			return nil, fmt.Errorf("unmarshal activity: %w", err)
		}
		activities = append(activities, a)
	}
	return activities, nil
}

func (s *Store) AppendHistory(ctx context.Context, userName string, record models.TimerHistory) (models.TimerHistory, error) {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.Date.IsZero() {
		record.Date = s.clock.Now().UTC()
	}
	record.UserName = userName

	data, err := json.Marshal(record)
	if err != nil {
		return models.TimerHistory{}, fmt.Errorf("marshal history record: %w", err)
	}
	if err := s.client.RPush(ctx, s.historyKey(userName), data).Err(); err != nil {
		return models.TimerHistory{}, unavailable("rpush history", err)
	}
	return record, nil
}

func (s *Store) ListHistory(ctx context.Context, userName string) ([]models.TimerHistory, error) {
	raw, err := s.client.LRange(ctx, s.historyKey(userName), 0, -1).Result()
	if err != nil {
		return nil, unavailable("lrange history", err)
	}

	records := make([]models.TimerHistory, 0, len(raw))
	for _, item := range raw {
		var rec models.TimerHistory
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal history record: %w", err)
		}
		records = append(records, rec)
	}
	return records, nil
}

func (s *Store) GetRoomInfo(ctx context.Context, roomID string) (*models.RoomInfo, error) {
	fields, err := s.client.HGetAll(ctx, s.infoKey(roomID)).Result()
	if err != nil {
		return nil, unavailable("hgetall room info", err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("room %q: %w", roomID, store.ErrRoomNotFound)
	}
	return roomInfoFromHash(roomID, fields)
}

func (s *Store) UpsertRoomInfo(ctx context.Context, roomID string, mutate store.RoomInfoMutation) (*models.RoomInfo, error) {
	key := s.infoKey(roomID)

	var info *models.RoomInfo
	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, unavailable("hgetall room info", err)
	}
	if len(fields) == 0 {
		now := s.clock.Now().UTC()
		info = &models.RoomInfo{RoomID: roomID, CreatedAt: now, LastActive: now}
	} else {
		info, err = roomInfoFromHash(roomID, fields)
		if err != nil {
			return nil, err
		}
	}

	if mutate != nil {
		mutate(info)
	}

	if err := s.client.HSet(ctx, key, roomInfoToHash(info)).Err(); err != nil {
		return nil, unavailable("hset room info", err)
	}
	return info, nil
}

func (s *Store) PutShareURL(ctx context.Context, roomID, url string) error {
	if err := s.client.Set(ctx, s.urlKey(roomID), url, 0).Err(); err != nil {
		return unavailable("set share url", err)
	}
	return nil
}

func (s *Store) GetShareURL(ctx context.Context, roomID string) (string, error) {
	url, err := s.client.Get(ctx, s.urlKey(roomID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", unavailable("get share url", err)
	}
	return url, nil
}

func roomInfoFromHash(roomID string, fields map[string]string) (*models.RoomInfo, error) {
	createdAt, err := time.Parse(time.RFC3339Nano, fields["created_at"])
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	lastActive, err := time.Parse(time.RFC3339Nano, fields["last_active"])
	if err != nil {
		return nil, fmt.Errorf("parse last_active: %w", err)
	}
	var activeUsers int
	if _, err := fmt.Sscanf(fields["active_users"], "%d", &activeUsers); err != nil {
		return nil, fmt.Errorf("parse active_users: %w", err)
	}
	return &models.RoomInfo{
		RoomID:      roomID,
		CreatedAt:   createdAt,
		LastActive:  lastActive,
		ActiveUsers: activeUsers,
	}, nil
}

func roomInfoToHash(info *models.RoomInfo) map[string]interface{} {
	return map[string]interface{}{
		"created_at":   info.CreatedAt.Format(time.RFC3339Nano),
		"last_active":  info.LastActive.Format(time.RFC3339Nano),
		"active_users": info.ActiveUsers,
	}
}
