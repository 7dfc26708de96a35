// Package postgres provides an ActivityStore backed by Postgres via
// database/sql and lib/pq. The schema is bootstrapped on Open.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	_ "github.com/lib/pq"

	"github.com/xhide341/morph-app-sub000/go/internal/models"
	"github.com/xhide341/morph-app-sub000/go/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS room_activities (
	id             UUID PRIMARY KEY,
	room_id        TEXT NOT NULL,
	type           TEXT NOT NULL,
	user_name      TEXT NOT NULL,
	time_stamp     TIMESTAMPTZ NOT NULL,
	time_remaining TEXT,
	timer_mode     TEXT,
	last_work_time  TEXT,
	last_break_time TEXT
);
CREATE INDEX IF NOT EXISTS idx_room_activities_order
	ON room_activities (room_id, time_stamp, id);

CREATE TABLE IF NOT EXISTS rooms (
	room_id      TEXT PRIMARY KEY,
	created_at   TIMESTAMPTZ NOT NULL,
	last_active  TIMESTAMPTZ NOT NULL,
	active_users INT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS timer_history (
	id        UUID PRIMARY KEY,
	user_name TEXT NOT NULL,
	room_id   TEXT NOT NULL,
	duration  TEXT NOT NULL,
	date      TIMESTAMPTZ NOT NULL,
	type      TEXT NOT NULL,
	completed BOOLEAN NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_timer_history_user ON timer_history (user_name, date);

CREATE TABLE IF NOT EXISTS share_urls (
	room_id TEXT PRIMARY KEY,
	url     TEXT NOT NULL
);
`

type Store struct {
	db    *sql.DB
	clock clockwork.Clock
}

// Open connects to Postgres, verifies the connection and ensures the
// schema exists.
func Open(ctx context.Context, dsn string, clock clockwork.Clock) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &Store{db: db, clock: clock}, nil
}

var _ store.ActivityStore = (*Store)(nil)

func (s *Store) Close() error {
	return s.db.Close()
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, store.ErrStorageUnavailable, err)
}

func nullable(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func (s *Store) Append(ctx context.Context, roomID string, activity models.RoomActivity) (models.RoomActivity, error) {
	if activity.ID == "" {
		activity.ID = uuid.NewString()
	}
	if activity.TimeStamp.IsZero() {
		activity.TimeStamp = s.clock.Now().UTC()
	}
	activity.RoomID = roomID

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO room_activities
			(id, room_id, type, user_name, time_stamp, time_remaining, timer_mode, last_work_time, last_break_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		activity.ID, activity.RoomID, string(activity.Type), activity.UserName, activity.TimeStamp,
		nullable(activity.TimeRemaining), nullable(string(activity.TimerMode)),
		nullable(activity.LastWorkTime), nullable(activity.LastBreakTime),
	)
	if err != nil {
		return models.RoomActivity{}, unavailable("insert activity", err)
	}
	return activity, nil
}

func (s *Store) List(ctx context.Context, roomID string) ([]models.RoomActivity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, room_id, type, user_name, time_stamp, time_remaining, timer_mode, last_work_time, last_break_time
		FROM room_activities
		WHERE room_id = $1
		ORDER BY time_stamp, id`,
		roomID,
	)
	if err != nil {
		return nil, unavailable("select activities", err)
	}
	defer rows.Close()

	var activities []models.RoomActivity
	for rows.Next() {
		var a models.RoomActivity
		var activityType, timerMode sql.NullString
		var timeRemaining, lastWorkTime, lastBreakTime sql.NullString
		if err := rows.Scan(&a.ID, &a.RoomID, &activityType, &a.UserName, &a.TimeStamp,
			&timeRemaining, &timerMode, &lastWorkTime, &lastBreakTime); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		a.Type = models.ActivityType(activityType.String)
		a.TimerMode = models.TimerMode(timerMode.String)
		a.TimeRemaining = timeRemaining.String
		a.LastWorkTime = lastWorkTime.String
		a.LastBreakTime = lastBreakTime.String
		activities = append(activities, a)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate activities", err)
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

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO timer_history (id, user_name, room_id, duration, date, type, completed)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		record.ID, record.UserName, record.RoomID, record.Duration, record.Date,
		string(record.Type), record.Completed,
	)
	if err != nil {
		return models.TimerHistory{}, unavailable("insert history", err)
	}
	return record, nil
}

func (s *Store) ListHistory(ctx context.Context, userName string) ([]models.TimerHistory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_name, room_id, duration, date, type, completed
		FROM timer_history
		WHERE user_name = $1
		ORDER BY date, id`,
		userName,
	)
	if err != nil {
		return nil, unavailable("select history", err)
	}
	defer rows.Close()

	var records []models.TimerHistory
	for rows.Next() {
		var rec models.TimerHistory
		var recType string
		if err := rows.Scan(&rec.ID, &rec.UserName, &rec.RoomID, &rec.Duration, &rec.Date,
			&recType, &rec.Completed); err != nil {
			return nil, fmt.Errorf("scan history record: %w", err)
		}
		rec.Type = models.TimerMode(recType)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate history", err)
	}
	return records, nil
}

func (s *Store) GetRoomInfo(ctx context.Context, roomID string) (*models.RoomInfo, error) {
	var info models.RoomInfo
	err := s.db.QueryRowContext(ctx, `
		SELECT room_id, created_at, last_active, active_users
		FROM rooms WHERE room_id = $1`,
		roomID,
	).Scan(&info.RoomID, &info.CreatedAt, &info.LastActive, &info.ActiveUsers)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("room %q: %w", roomID, store.ErrRoomNotFound)
	}
	if err != nil {
		return nil, unavailable("select room info", err)
	}
	return &info, nil
}

// UpsertRoomInfo applies the mutation under a row lock so concurrent
// activeUsers adjustments do not lose updates.
func (s *Store) UpsertRoomInfo(ctx context.Context, roomID string, mutate store.RoomInfoMutation) (*models.RoomInfo, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, unavailable("begin tx", err)
	}
	defer tx.Rollback()

	now := s.clock.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO rooms (room_id, created_at, last_active, active_users)
		VALUES ($1, $2, $2, 0)
		ON CONFLICT (room_id) DO NOTHING`,
		roomID, now,
	); err != nil {
		return nil, unavailable("insert room", err)
	}

	var info models.RoomInfo
	if err := tx.QueryRowContext(ctx, `
		SELECT room_id, created_at, last_active, active_users
		FROM rooms WHERE room_id = $1 FOR UPDATE`,
		roomID,
	).Scan(&info.RoomID, &info.CreatedAt, &info.LastActive, &info.ActiveUsers); err != nil {
		return nil, unavailable("lock room", err)
	}

	if mutate != nil {
		mutate(&info)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE rooms SET last_active = $2, active_users = $3 WHERE room_id = $1`,
		roomID, info.LastActive, info.ActiveUsers,
	); err != nil {
		return nil, unavailable("update room", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, unavailable("commit room update", err)
	}
	return &info, nil
}

func (s *Store) PutShareURL(ctx context.Context, roomID, url string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO share_urls (room_id, url) VALUES ($1, $2)
		ON CONFLICT (room_id) DO UPDATE SET url = EXCLUDED.url`,
		roomID, url,
	)
	if err != nil {
		return unavailable("upsert share url", err)
	}
	return nil
}

func (s *Store) GetShareURL(ctx context.Context, roomID string) (string, error) {
	var url string
	err := s.db.QueryRowContext(ctx, `SELECT url FROM share_urls WHERE room_id = $1`, roomID).Scan(&url)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", unavailable("select share url", err)
	}
	return url, nil
}
