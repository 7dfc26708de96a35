package models

import "time"

// RoomInfo is the durable existence marker for a room. Rooms are created on
// first create/join and never deleted.
type RoomInfo struct {
	RoomID      string    `json:"roomId"`
	CreatedAt   time.Time `json:"createdAt"`
	LastActive  time.Time `json:"lastActive"`
	ActiveUsers int       `json:"activeUsers"`
}

// RoomUser is an ephemeral membership record. It exists only while at least
// one connection for that (room, user) pair is open.
type RoomUser struct {
	UserName string    `json:"userName"`
	JoinedAt time.Time `json:"joinedAt"`
}
