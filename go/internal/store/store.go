// Package store defines the durable persistence contract for room activity
// logs, room metadata, timer history and share URLs. Adapters provide
// per-key atomicity only; any higher-level consistency is the caller's
// responsibility.
package store

import (
	"context"
	"errors"

	"github.com/xhide341/morph-app-sub000/go/internal/models"
)

// ErrStorageUnavailable marks a transiently unreachable backing store.
// Callers retry these; everything else is terminal.
var ErrStorageUnavailable = errors.New("storage unavailable")

// ErrRoomNotFound is returned by GetRoomInfo for a room that was never
// created. An unknown room's activity list is an empty sequence, not an
// error.
var ErrRoomNotFound = errors.New("room not found")

// RoomInfoMutation mutates room metadata in place inside UpsertRoomInfo.
type RoomInfoMutation func(info *models.RoomInfo)

// ActivityStore is the room-scoped append log plus its side tables.
type ActivityStore interface {
	// Append adds an activity to the room's log and returns the canonical
	// stored record. ID and TimeStamp are assigned if absent.
	Append(ctx context.Context, roomID string, activity models.RoomActivity) (models.RoomActivity, error)

	// List returns the room's full history, oldest first. Unknown rooms
	// yield an empty slice.
	List(ctx context.Context, roomID string) ([]models.RoomActivity, error)

	AppendHistory(ctx context.Context, userName string, record models.TimerHistory) (models.TimerHistory, error)
	ListHistory(ctx context.Context, userName string) ([]models.TimerHistory, error)

	GetRoomInfo(ctx context.Context, roomID string) (*models.RoomInfo, error)

	// UpsertRoomInfo creates the room record if absent, applies mutate when
	// non-nil, and returns the resulting record.
	UpsertRoomInfo(ctx context.Context, roomID string, mutate RoomInfoMutation) (*models.RoomInfo, error)

	PutShareURL(ctx context.Context, roomID, url string) error
	GetShareURL(ctx context.Context, roomID string) (string, error)
}
