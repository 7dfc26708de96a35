package engine_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xhide341/morph-app-sub000/go/internal/engine"
	"github.com/xhide341/morph-app-sub000/go/internal/gateway"
	"github.com/xhide341/morph-app-sub000/go/internal/models"
	"github.com/xhide341/morph-app-sub000/go/internal/registry"
	"github.com/xhide341/morph-app-sub000/go/internal/store"
	"github.com/xhide341/morph-app-sub000/go/internal/store/memory"
)

type broadcastCall struct {
	roomID  string
	exclude string
	data    []byte
}

type sendCall struct {
	connID string
	data   []byte
}

// recorder captures engine egress in place of the connection manager.
type recorder struct {
	mu         sync.Mutex
	broadcasts []broadcastCall
	sends      []sendCall
}

func (r *recorder) Broadcast(roomID string, data []byte, excludeConnID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcasts = append(r.broadcasts, broadcastCall{roomID: roomID, exclude: excludeConnID, data: data})
}

func (r *recorder) Send(connID string, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sends = append(r.sends, sendCall{connID: connID, data: data})
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcasts = nil
	r.sends = nil
}

func (r *recorder) broadcastCalls() []broadcastCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]broadcastCall(nil), r.broadcasts...)
}

func (r *recorder) sendCalls() []sendCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sendCall(nil), r.sends...)
}

func decodeEnvelope(t *testing.T, data []byte) gateway.Envelope {
	t.Helper()
	var env gateway.Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func decodeActivity(t *testing.T, data []byte) models.RoomActivity {
	t.Helper()
	env := decodeEnvelope(t, data)
	require.Equal(t, gateway.EnvelopeActivity, env.Type)
	var a models.RoomActivity
	require.NoError(t, json.Unmarshal(env.Payload, &a))
	return a
}

// flakyStore fails appends on demand to exercise the retry path.
type flakyStore struct {
	store.ActivityStore

	mu          sync.Mutex
	failAppends int
}

func (f *flakyStore) Append(ctx context.Context, roomID string, activity models.RoomActivity) (models.RoomActivity, error) {
	f.mu.Lock()
	fail := f.failAppends > 0
	if fail && f.failAppends < 1000 {
		f.failAppends--
	}
	f.mu.Unlock()
	if fail {
		return models.RoomActivity{}, fmt.Errorf("append: %w", store.ErrStorageUnavailable)
	}
	return f.ActivityStore.Append(ctx, roomID, activity)
}

type fixture struct {
	clock    *clockwork.FakeClock
	store    *flakyStore
	registry *registry.Registry
	recorder *recorder
	engine   *engine.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClock()
	fs := &flakyStore{ActivityStore: memory.New(clock)}
	reg := registry.New(clock)
	rec := &recorder{}
	eng := engine.New(engine.DefaultConfig(), fs, reg, rec, clock)
	return &fixture{clock: clock, store: fs, registry: reg, recorder: rec, engine: eng}
}

func TestJoinRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.engine.HandleJoin(ctx, "connA", "ABC", "alice")

	activities, err := f.store.List(ctx, "abc")
	require.NoError(t, err)
	require.Len(t, activities, 1)
	assert.Equal(t, models.ActivityJoin, activities[0].Type)
	assert.Equal(t, "alice", activities[0].UserName)
	assert.Equal(t, "abc", activities[0].RoomID, "room id is case-normalized")
	assert.NotEmpty(t, activities[0].ID)

	info, err := f.store.GetRoomInfo(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, 1, info.ActiveUsers)

	f.clock.Advance(time.Second)
	f.recorder.reset()
	f.engine.HandleJoin(ctx, "connB", "abc", "bob")

	activities, err = f.store.List(ctx, "abc")
	require.NoError(t, err)
	require.Len(t, activities, 2)
	assert.Equal(t, "alice", activities[0].UserName)
	assert.Equal(t, "bob", activities[1].UserName)

	info, err = f.store.GetRoomInfo(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, 2, info.ActiveUsers)

	// B's connection got the full history replay.
	var replayed []models.RoomActivity
	for _, s := range f.recorder.sendCalls() {
		require.Equal(t, "connB", s.connID)
		env := decodeEnvelope(t, s.data)
		if env.Type == gateway.EnvelopeRecentActivities {
			require.NoError(t, json.Unmarshal(env.Payload, &replayed))
		}
	}
	require.Len(t, replayed, 2)

	// The join broadcast reaches every connection, sender included.
	broadcasts := f.recorder.broadcastCalls()
	require.Len(t, broadcasts, 1)
	assert.Empty(t, broadcasts[0].exclude)
	assert.Equal(t, models.ActivityJoin, decodeActivity(t, broadcasts[0].data).Type)
}

func TestTimerEventEchoAsymmetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.engine.HandleJoin(ctx, "connA", "abc", "alice")
	f.engine.HandleJoin(ctx, "connB", "abc", "bob")
	f.recorder.reset()

	f.engine.HandleActivity(ctx, "connA", models.RoomActivity{
		Type:          models.ActivityStartTimer,
		TimeRemaining: "25:00",
		TimerMode:     models.TimerModeWork,
	})

	broadcasts := f.recorder.broadcastCalls()
	require.Len(t, broadcasts, 1)
	assert.Equal(t, "connA", broadcasts[0].exclude, "timer events are not echoed to the sender")

	a := decodeActivity(t, broadcasts[0].data)
	assert.Equal(t, models.ActivityStartTimer, a.Type)
	assert.Equal(t, "alice", a.UserName)
	assert.Equal(t, "25:00", a.TimeRemaining)
	assert.NotEmpty(t, a.ID)
}

func TestSecondTabJoinsSilently(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.engine.HandleJoin(ctx, "tab1", "abc", "alice")
	f.engine.HandleJoin(ctx, "tab2", "abc", "alice")

	activities, err := f.store.List(ctx, "abc")
	require.NoError(t, err)
	assert.Len(t, activities, 1, "second connection for the same user must not append a join")

	info, err := f.store.GetRoomInfo(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, 1, info.ActiveUsers)
}

func TestLeaveSuppressedUntilLastConnection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.engine.HandleJoin(ctx, "tab1", "abc", "alice")
	f.engine.HandleJoin(ctx, "tab2", "abc", "alice")
	f.recorder.reset()

	f.engine.HandleDisconnect(ctx, "tab1")

	activities, err := f.store.List(ctx, "abc")
	require.NoError(t, err)
	assert.Len(t, activities, 1, "closing one of two tabs must not produce a leave")
	assert.Empty(t, f.recorder.broadcastCalls())

	f.engine.HandleDisconnect(ctx, "tab2")

	activities, err = f.store.List(ctx, "abc")
	require.NoError(t, err)
	require.Len(t, activities, 2)
	assert.Equal(t, models.ActivityLeave, activities[1].Type)

	info, err := f.store.GetRoomInfo(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, 0, info.ActiveUsers)
}

func TestDisconnectIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.engine.HandleJoin(ctx, "connA", "abc", "alice")
	f.engine.HandleDisconnect(ctx, "connA")
	f.engine.HandleDisconnect(ctx, "connA")

	activities, err := f.store.List(ctx, "abc")
	require.NoError(t, err)
	leaves := 0
	for _, a := range activities {
		if a.Type == models.ActivityLeave {
			leaves++
		}
	}
	assert.Equal(t, 1, leaves, "double close must produce at most one leave")

	info, err := f.store.GetRoomInfo(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, 0, info.ActiveUsers, "active users decremented at most once")
}

func TestResetTimerRestoresConfiguredDuration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.engine.HandleJoin(ctx, "connA", "abc", "alice")
	f.engine.HandleActivity(ctx, "connA", models.RoomActivity{
		Type:          models.ActivityChangeTimer,
		TimeRemaining: "30:00",
		TimerMode:     models.TimerModeWork,
	})
	f.recorder.reset()

	f.engine.HandleActivity(ctx, "connA", models.RoomActivity{
		Type:      models.ActivityResetTimer,
		TimerMode: models.TimerModeWork,
	})

	broadcasts := f.recorder.broadcastCalls()
	require.Len(t, broadcasts, 1)
	a := decodeActivity(t, broadcasts[0].data)
	assert.Equal(t, models.ActivityResetTimer, a.Type)
	assert.Equal(t, "30:00", a.TimeRemaining, "reset restores the last configured duration")
	assert.Equal(t, "30:00", a.LastWorkTime)

	f.recorder.reset()
	f.engine.HandleActivity(ctx, "connA", models.RoomActivity{
		Type:      models.ActivityResetTimer,
		TimerMode: models.TimerModeBreak,
	})
	broadcasts = f.recorder.broadcastCalls()
	require.Len(t, broadcasts, 1)
	assert.Equal(t, models.DefaultBreakDuration, decodeActivity(t, broadcasts[0].data).TimeRemaining)
}

func TestValidationRejectedBeforeMutation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.engine.HandleJoin(ctx, "connA", "abc", "alice")
	f.recorder.reset()

	f.engine.HandleActivity(ctx, "connA", models.RoomActivity{
		Type:      models.ActivityStartTimer,
		TimerMode: models.TimerModeWork,
		// timeRemaining missing
	})

	activities, err := f.store.List(ctx, "abc")
	require.NoError(t, err)
	assert.Len(t, activities, 1, "nothing persisted beyond the original join")
	assert.Empty(t, f.recorder.broadcastCalls())

	sends := f.recorder.sendCalls()
	require.Len(t, sends, 1)
	assert.Equal(t, "connA", sends[0].connID)
	assert.Equal(t, gateway.EnvelopeError, decodeEnvelope(t, sends[0].data).Type)
}

func TestJoinRejectsRoomMismatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// The transport pooled this connection under the room it dialed.
	f.registry.Register("connA", "aaa", "")

	f.engine.HandleJoin(ctx, "connA", "bbb", "alice")

	activities, err := f.store.List(ctx, "bbb")
	require.NoError(t, err)
	assert.Empty(t, activities, "mismatched join must not be persisted")
	assert.False(t, f.registry.HasUser("bbb", "alice"))
	assert.Empty(t, f.recorder.broadcastCalls())

	sends := f.recorder.sendCalls()
	require.Len(t, sends, 1)
	assert.Equal(t, "connA", sends[0].connID)
	assert.Equal(t, gateway.EnvelopeError, decodeEnvelope(t, sends[0].data).Type)

	m, ok := f.registry.Get("connA")
	require.True(t, ok)
	assert.Equal(t, "aaa", m.RoomID, "membership unchanged")
}

func TestActivityFromUnjoinedConnectionRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.engine.HandleActivity(ctx, "ghost", models.RoomActivity{
		Type:          models.ActivityStartTimer,
		TimeRemaining: "25:00",
		TimerMode:     models.TimerModeWork,
	})

	sends := f.recorder.sendCalls()
	require.Len(t, sends, 1)
	assert.Equal(t, gateway.EnvelopeError, decodeEnvelope(t, sends[0].data).Type)
	assert.Empty(t, f.recorder.broadcastCalls())
}

func TestRetryExhaustionSendsSingleError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.engine.HandleJoin(ctx, "connA", "abc", "alice")
	f.engine.HandleJoin(ctx, "connB", "abc", "bob")
	f.recorder.reset()

	f.store.mu.Lock()
	f.store.failAppends = 1000 // fail every attempt
	f.store.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.engine.HandleActivity(ctx, "connA", models.RoomActivity{
			Type:          models.ActivityStartTimer,
			TimeRemaining: "25:00",
			TimerMode:     models.TimerModeWork,
		})
	}()

	// Two backoff waits separate the three attempts.
	f.clock.BlockUntil(1)
	f.clock.Advance(time.Second)
	f.clock.BlockUntil(1)
	f.clock.Advance(2 * time.Second)
	<-done

	assert.Empty(t, f.recorder.broadcastCalls(), "no broadcast for an unpersisted event")

	sends := f.recorder.sendCalls()
	require.Len(t, sends, 1, "exactly one error message to the originator")
	assert.Equal(t, "connA", sends[0].connID)
	assert.Equal(t, gateway.EnvelopeError, decodeEnvelope(t, sends[0].data).Type)
}

func TestJoinRollsBackRegistryOnStoreFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.store.mu.Lock()
	f.store.failAppends = 1000
	f.store.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.engine.HandleJoin(ctx, "connA", "abc", "alice")
	}()

	f.clock.BlockUntil(1)
	f.clock.Advance(time.Second)
	f.clock.BlockUntil(1)
	f.clock.Advance(2 * time.Second)
	<-done

	assert.False(t, f.registry.HasUser("abc", "alice"), "registry mutation rolled back")
	assert.Empty(t, f.recorder.broadcastCalls())
}

func TestActivityOrderingNonDecreasing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.engine.HandleJoin(ctx, "connA", "abc", "alice")
	for i := 0; i < 5; i++ {
		f.clock.Advance(time.Duration(i) * time.Second)
		f.engine.HandleActivity(ctx, "connA", models.RoomActivity{
			Type: models.ActivityPauseTimer,
		})
	}

	activities, err := f.store.List(ctx, "abc")
	require.NoError(t, err)
	require.Len(t, activities, 6)
	for i := 1; i < len(activities); i++ {
		assert.False(t, activities[i].TimeStamp.Before(activities[i-1].TimeStamp),
			"timestamps must be non-decreasing in commit order")
	}
}

func TestCompleteTimerRecordsHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.engine.HandleJoin(ctx, "connA", "abc", "alice")
	f.engine.HandleActivity(ctx, "connA", models.RoomActivity{
		Type:          models.ActivityChangeTimer,
		TimeRemaining: "50:00",
		TimerMode:     models.TimerModeWork,
	})
	f.engine.HandleActivity(ctx, "connA", models.RoomActivity{
		Type:          models.ActivityCompleteTimer,
		TimeRemaining: "0:00",
		TimerMode:     models.TimerModeWork,
	})

	records, err := f.store.ListHistory(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "abc", records[0].RoomID)
	assert.Equal(t, "50:00", records[0].Duration)
	assert.Equal(t, models.TimerModeWork, records[0].Type)
	assert.True(t, records[0].Completed)
}

func TestCommitActivityBroadcastsToAll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.engine.HandleJoin(ctx, "connA", "abc", "alice")
	f.recorder.reset()

	stored, err := f.engine.CommitActivity(ctx, "ABC", models.RoomActivity{
		Type:          models.ActivityStartTimer,
		UserName:      "bob",
		TimeRemaining: "25:00",
		TimerMode:     models.TimerModeWork,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, stored.ID)
	assert.Equal(t, "abc", stored.RoomID)

	broadcasts := f.recorder.broadcastCalls()
	require.Len(t, broadcasts, 1)
	assert.Empty(t, broadcasts[0].exclude, "http-originated activities fan out to every connection")

	_, err = f.engine.CommitActivity(ctx, "abc", models.RoomActivity{
		Type:     "bogus",
		UserName: "bob",
	})
	var validationErr *models.ValidationError
	assert.ErrorAs(t, err, &validationErr)
}
