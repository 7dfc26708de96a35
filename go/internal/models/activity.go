package models

import "time"

// ActivityType defines the kind of room activity.
type ActivityType string

const (
	ActivityJoin          ActivityType = "join"
	ActivityLeave         ActivityType = "leave"
	ActivityStartTimer    ActivityType = "start_timer"
	ActivityPauseTimer    ActivityType = "pause_timer"
	ActivityResetTimer    ActivityType = "reset_timer"
	ActivityChangeTimer   ActivityType = "change_timer"
	ActivityCompleteTimer ActivityType = "complete_timer"
)

// Valid reports whether t is one of the known activity types.
func (t ActivityType) Valid() bool {
	switch t {
	case ActivityJoin, ActivityLeave, ActivityStartTimer, ActivityPauseTimer,
		ActivityResetTimer, ActivityChangeTimer, ActivityCompleteTimer:
		return true
	}
	return false
}

// TimerMode defines which countdown a timer activity refers to.
type TimerMode string

const (
	TimerModeWork  TimerMode = "work"
	TimerModeBreak TimerMode = "break"
)

// Valid reports whether m is a known timer mode.
func (m TimerMode) Valid() bool {
	return m == TimerModeWork || m == TimerModeBreak
}

// Default countdown durations, MM:SS.
const (
	DefaultWorkDuration  = "25:00"
	DefaultBreakDuration = "05:00"
)

// RoomActivity is an immutable event in a room's activity log. The server
// assigns ID and TimeStamp when the activity is accepted; activities within
// one room form an append-only sequence ordered by (TimeStamp, ID).
type RoomActivity struct {
	ID            string       `json:"id"`
	Type          ActivityType `json:"type"`
	UserName      string       `json:"userName"`
	RoomID        string       `json:"roomId"`
	TimeStamp     time.Time    `json:"timeStamp"`
	TimeRemaining string       `json:"timeRemaining,omitempty"`
	TimerMode     TimerMode    `json:"timerMode,omitempty"`

	// Most recently configured duration per mode, carried on timer
	// activities so late joiners can restore custom durations.
	LastWorkTime  string `json:"lastWorkTime,omitempty"`
	LastBreakTime string `json:"lastBreakTime,omitempty"`
}
