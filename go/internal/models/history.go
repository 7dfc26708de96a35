package models

import "time"

// TimerHistory is a per-user completed-session record, keyed by user name.
type TimerHistory struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"roomId"`
	Duration  string    `json:"duration"`
	Date      time.Time `json:"date"`
	UserName  string    `json:"userName"`
	Type      TimerMode `json:"type"`
	Completed bool      `json:"completed"`
}
