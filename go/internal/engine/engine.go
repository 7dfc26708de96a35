// Package engine implements the room synchronization protocol: it
// validates inbound activities, serializes per-room state transitions,
// writes through the activity store with bounded retry and fans the
// canonical result out to the room's connections.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/xhide341/morph-app-sub000/go/internal/gateway"
	"github.com/xhide341/morph-app-sub000/go/internal/models"
	"github.com/xhide341/morph-app-sub000/go/internal/registry"
	"github.com/xhide341/morph-app-sub000/go/internal/store"
)

// Broadcaster is the egress side of the connection manager. Sends are fire
// and forget; a closed connection is never an error.
type Broadcaster interface {
	Broadcast(roomID string, data []byte, excludeConnID string)
	Send(connID string, data []byte)
}

// ActivityRelay mirrors committed activities to an external feed. Relay
// failures never affect the client path.
type ActivityRelay interface {
	PublishActivity(ctx context.Context, activity models.RoomActivity) error
}

// Config holds the engine's retry policy.
type Config struct {
	// MaxAttempts is the total number of store attempts per write.
	MaxAttempts int
	// RetryDelay is the backoff before the second attempt; it doubles
	// after each failure.
	RetryDelay time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		RetryDelay:  time.Second,
	}
}

// timerState tracks a room's last configured durations so reset_timer can
// restore them, plus the high-water timestamp that keeps the activity log
// non-decreasing. Mutated only under the room lock.
type timerState struct {
	mode      models.TimerMode
	lastWork  string
	lastBreak string
	lastStamp time.Time
}

func (s *timerState) durationFor(mode models.TimerMode) string {
	if mode == models.TimerModeBreak {
		return s.lastBreak
	}
	return s.lastWork
}

// Engine coordinates registry, store and broadcast for all rooms.
// Mutations for one room are serialized; different rooms proceed in
// parallel.
type Engine struct {
	store       store.ActivityStore
	registry    *registry.Registry
	broadcaster Broadcaster
	relay       ActivityRelay
	clock       clockwork.Clock
	config      Config

	roomLocks sync.Map // roomID -> *sync.Mutex
	states    sync.Map // roomID -> *timerState
}

func New(cfg Config, st store.ActivityStore, reg *registry.Registry, b Broadcaster, clock clockwork.Clock) *Engine {
	return &Engine{
		store:       st,
		registry:    reg,
		broadcaster: b,
		clock:       clock,
		config:      cfg,
	}
}

// SetRelay attaches an optional activity relay.
func (e *Engine) SetRelay(relay ActivityRelay) {
	e.relay = relay
}

func (e *Engine) lockRoom(roomID string) func() {
	v, _ := e.roomLocks.LoadOrStore(roomID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// HandleJoin processes a connection's join_room announcement. The join
// activity is appended and broadcast only for the user's first connection
// in the room; a second tab attaches silently.
func (e *Engine) HandleJoin(ctx context.Context, connID, roomID, userName string) {
	roomID, err := models.NormalizeRoomID(roomID)
	if err != nil {
		e.sendError(connID, err)
		return
	}
	if err := models.ValidateUserName(userName); err != nil {
		e.sendError(connID, err)
		return
	}

	unlock := e.lockRoom(roomID)
	defer unlock()

	prev, known := e.registry.Get(connID)
	if known && prev.RoomID != roomID {
		// The connection is pooled under the room it dialed; a join for a
		// different room would commit where no frame can ever reach it.
		e.sendError(connID, &models.ValidationError{Field: "roomId", Reason: "does not match the connection's room channel"})
		return
	}
	first := !e.registry.HasUser(roomID, userName)
	e.registry.Register(connID, roomID, userName)

	var stored models.RoomActivity
	if first {
		stored, err = e.commitLocked(ctx, roomID, models.RoomActivity{
			Type:     models.ActivityJoin,
			UserName: userName,
			RoomID:   roomID,
		}, func(info *models.RoomInfo) {
			info.ActiveUsers++
			info.LastActive = e.clock.Now().UTC()
		})
		if err != nil {
			// No partial state: revert the registry mutation.
			if known {
				e.registry.Register(connID, prev.RoomID, prev.UserName)
			} else {
				e.registry.Unregister(connID)
			}
			e.sendError(connID, err)
			return
		}
	}

	e.sendStatus(connID, "connected", roomID)
	e.replayActivities(ctx, connID, roomID)

	if first {
		// Echoed back to the sender so its UI picks up the canonical
		// server-assigned id and timestamp.
		e.broadcastActivity(stored, "")
		e.relayActivity(ctx, stored)
		log.Info().
			Str("room_id", roomID).
			Str("user_name", userName).
			Msg("user joined room")
	}
}

// HandleActivity processes a timer-control activity from a connection.
// The canonical event is broadcast to every other connection in the room;
// the sender already applied the change optimistically.
func (e *Engine) HandleActivity(ctx context.Context, connID string, activity models.RoomActivity) {
	m, ok := e.registry.Get(connID)
	if !ok || m.UserName == "" {
		e.sendError(connID, &models.ValidationError{Field: "userName", Reason: "join the room before sending activities"})
		return
	}

	// Membership is authoritative for identity and room.
	activity.RoomID = m.RoomID
	activity.UserName = m.UserName

	if activity.Type == models.ActivityJoin || activity.Type == models.ActivityLeave {
		e.sendError(connID, &models.ValidationError{Field: "type", Reason: "join and leave are derived from the connection lifecycle"})
		return
	}
	if err := models.ValidateActivity(&activity); err != nil {
		e.sendError(connID, err)
		return
	}

	unlock := e.lockRoom(m.RoomID)
	defer unlock()

	e.applyTimerState(ctx, &activity)

	stored, err := e.commitLocked(ctx, m.RoomID, activity, nil)
	if err != nil {
		e.sendError(connID, err)
		return
	}

	e.broadcastActivity(stored, connID)
	if stored.Type == models.ActivityCompleteTimer {
		e.recordHistory(ctx, stored)
	}
	e.relayActivity(ctx, stored)
}

// HandleDisconnect processes a connection close. At most one leave
// activity is produced per user, when the last connection for that user in
// the room goes away.
func (e *Engine) HandleDisconnect(ctx context.Context, connID string) {
	m, ok := e.registry.Get(connID)
	if !ok {
		// Close already handled.
		return
	}

	unlock := e.lockRoom(m.RoomID)
	defer unlock()

	m, ok = e.registry.Unregister(connID)
	if !ok {
		return
	}
	if m.UserName == "" {
		// Connected but never joined; nothing to announce.
		return
	}
	if !e.registry.IsLastConnectionForUser(m.RoomID, m.UserName) {
		return
	}

	stored, err := e.commitLocked(ctx, m.RoomID, models.RoomActivity{
		Type:     models.ActivityLeave,
		UserName: m.UserName,
		RoomID:   m.RoomID,
	}, func(info *models.RoomInfo) {
		if info.ActiveUsers > 0 {
			info.ActiveUsers--
		}
		info.LastActive = e.clock.Now().UTC()
	})
	if err != nil {
		// The origin is already gone; nothing to notify, nothing to
		// broadcast for an unpersisted event.
		log.Warn().
			Err(err).
			Str("room_id", m.RoomID).
			Str("user_name", m.UserName).
			Msg("failed to persist leave activity")
		return
	}

	e.broadcastActivity(stored, "")
	e.relayActivity(ctx, stored)
	log.Info().
		Str("room_id", m.RoomID).
		Str("user_name", m.UserName).
		Msg("user left room")
}

// CommitActivity accepts an activity from the HTTP collaborator surface,
// persists it and broadcasts it to every connection in the room. The
// canonical stored record is returned to the HTTP caller.
func (e *Engine) CommitActivity(ctx context.Context, roomID string, activity models.RoomActivity) (models.RoomActivity, error) {
	roomID, err := models.NormalizeRoomID(roomID)
	if err != nil {
		return models.RoomActivity{}, err
	}
	activity.RoomID = roomID
	if err := models.ValidateActivity(&activity); err != nil {
		return models.RoomActivity{}, err
	}

	unlock := e.lockRoom(roomID)
	defer unlock()

	e.applyTimerState(ctx, &activity)

	stored, err := e.commitLocked(ctx, roomID, activity, nil)
	if err != nil {
		return models.RoomActivity{}, err
	}

	e.broadcastActivity(stored, "")
	if stored.Type == models.ActivityCompleteTimer {
		e.recordHistory(ctx, stored)
	}
	e.relayActivity(ctx, stored)
	return stored, nil
}

// commitLocked assigns the server-side id and timestamp, appends the
// activity under bounded retry and then applies the paired room-info
// mutation. Callers hold the room lock.
func (e *Engine) commitLocked(ctx context.Context, roomID string, activity models.RoomActivity, mutate store.RoomInfoMutation) (models.RoomActivity, error) {
	st := e.timerState(ctx, roomID)

	activity.ID = uuid.NewString()
	ts := e.clock.Now().UTC()
	if !ts.After(st.lastStamp) {
		// Keep the per-room log non-decreasing even if the wall clock
		// stalls or steps backwards.
		ts = st.lastStamp
	}
	activity.TimeStamp = ts
	st.lastStamp = ts

	var stored models.RoomActivity
	err := e.retryStore(ctx, func() error {
		var appendErr error
		stored, appendErr = e.store.Append(ctx, roomID, activity)
		return appendErr
	})
	if err != nil {
		return models.RoomActivity{}, err
	}

	if mutate != nil {
		if err := e.retryStore(ctx, func() error {
			_, upsertErr := e.store.UpsertRoomInfo(ctx, roomID, mutate)
			return upsertErr
		}); err != nil {
			return models.RoomActivity{}, err
		}
	}
	return stored, nil
}

// retryStore runs op up to MaxAttempts times with exponential backoff,
// retrying only transient storage failures.
func (e *Engine) retryStore(ctx context.Context, op func() error) error {
	delay := e.config.RetryDelay
	var err error
	for attempt := 1; attempt <= e.config.MaxAttempts; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrStorageUnavailable) {
			return err
		}
		if attempt == e.config.MaxAttempts {
			break
		}
		log.Warn().
			Err(err).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("store write failed, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.clock.After(delay):
		}
		delay *= 2
	}
	return fmt.Errorf("store write failed after %d attempts: %w", e.config.MaxAttempts, err)
}

// applyTimerState updates the room's duration bookkeeping and rewrites the
// activity where the server is authoritative (reset_timer). Callers hold
// the room lock.
func (e *Engine) applyTimerState(ctx context.Context, activity *models.RoomActivity) {
	st := e.timerState(ctx, activity.RoomID)

	switch activity.Type {
	case models.ActivityStartTimer:
		st.mode = activity.TimerMode

	case models.ActivityChangeTimer:
		if activity.LastWorkTime != "" {
			st.lastWork = activity.LastWorkTime
		}
		if activity.LastBreakTime != "" {
			st.lastBreak = activity.LastBreakTime
		}
		// A change without explicit carried durations configures the
		// duration of the mode it names.
		if activity.LastWorkTime == "" && activity.LastBreakTime == "" {
			if activity.TimerMode == models.TimerModeBreak {
				st.lastBreak = activity.TimeRemaining
			} else {
				st.lastWork = activity.TimeRemaining
			}
		}
		if activity.TimerMode != "" {
			st.mode = activity.TimerMode
		}
		activity.LastWorkTime = st.lastWork
		activity.LastBreakTime = st.lastBreak

	case models.ActivityResetTimer:
		mode := activity.TimerMode
		if mode == "" {
			mode = st.mode
		}
		if mode == "" {
			mode = models.TimerModeWork
		}
		activity.TimerMode = mode
		activity.TimeRemaining = st.durationFor(mode)
		activity.LastWorkTime = st.lastWork
		activity.LastBreakTime = st.lastBreak
	}
}

// timerState returns the room's in-memory timer bookkeeping, rebuilding it
// from the activity log on first access so reset durations survive a
// restart. Callers hold the room lock.
func (e *Engine) timerState(ctx context.Context, roomID string) *timerState {
	if v, ok := e.states.Load(roomID); ok {
		return v.(*timerState)
	}

	st := &timerState{
		lastWork:  models.DefaultWorkDuration,
		lastBreak: models.DefaultBreakDuration,
	}
	activities, err := e.store.List(ctx, roomID)
	if err != nil {
		log.Warn().Err(err).Str("room_id", roomID).Msg("failed to rebuild timer state, using defaults")
	} else {
		for _, a := range activities {
			if a.LastWorkTime != "" {
				st.lastWork = a.LastWorkTime
			}
			if a.LastBreakTime != "" {
				st.lastBreak = a.LastBreakTime
			}
			if a.TimerMode != "" {
				st.mode = a.TimerMode
			}
			if a.TimeStamp.After(st.lastStamp) {
				st.lastStamp = a.TimeStamp
			}
		}
	}
	e.states.Store(roomID, st)
	return st
}

// replayActivities sends the room's full ordered history to one
// connection.
func (e *Engine) replayActivities(ctx context.Context, connID, roomID string) {
	activities, err := e.store.List(ctx, roomID)
	if err != nil {
		log.Warn().Err(err).Str("room_id", roomID).Msg("failed to load activity history for replay")
		e.sendError(connID, err)
		return
	}
	data, err := gateway.MarshalRecentActivities(activities)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal activity replay")
		return
	}
	e.broadcaster.Send(connID, data)
}

func (e *Engine) broadcastActivity(activity models.RoomActivity, excludeConnID string) {
	data, err := gateway.MarshalActivity(activity)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal activity broadcast")
		return
	}
	e.broadcaster.Broadcast(activity.RoomID, data, excludeConnID)
}

func (e *Engine) sendStatus(connID, status, roomID string) {
	data, err := gateway.MarshalConnectionStatus(status, roomID)
	if err != nil {
		return
	}
	e.broadcaster.Send(connID, data)
}

func (e *Engine) sendError(connID string, cause error) {
	data, err := gateway.MarshalError(cause.Error())
	if err != nil {
		return
	}
	e.broadcaster.Send(connID, data)
}

// recordHistory appends a completed-session record for the user. Best
// effort: a history failure never fails the activity itself.
func (e *Engine) recordHistory(ctx context.Context, activity models.RoomActivity) {
	st := e.timerState(ctx, activity.RoomID)
	record := models.TimerHistory{
		RoomID: activity.RoomID,
		// The session ran its full configured duration; timeRemaining on a
		// complete_timer is already zero.
		Duration:  st.durationFor(activity.TimerMode),
		UserName:  activity.UserName,
		Type:      activity.TimerMode,
		Completed: true,
		Date:      activity.TimeStamp,
	}
	if _, err := e.store.AppendHistory(ctx, activity.UserName, record); err != nil {
		log.Warn().
			Err(err).
			Str("user_name", activity.UserName).
			Msg("failed to record timer history")
	}
}

func (e *Engine) relayActivity(ctx context.Context, activity models.RoomActivity) {
	if e.relay == nil {
		return
	}
	if err := e.relay.PublishActivity(ctx, activity); err != nil {
		log.Warn().
			Err(err).
			Str("room_id", activity.RoomID).
			Str("activity_id", activity.ID).
			Msg("failed to relay activity")
	}
}
