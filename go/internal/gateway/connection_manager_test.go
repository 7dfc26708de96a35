package gateway

import (
	"fmt"
	"sync"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"

	"github.com/xhide341/morph-app-sub000/go/internal/registry"
)

func TestBroadcastRacesDisconnectWithoutPanic(t *testing.T) {
	cm := NewConnectionManager(DefaultConnectionConfig(), registry.New(clockwork.NewFakeClock()))

	for iter := 0; iter < 20; iter++ {
		conns := make([]*Connection, 0, 200)
		for i := 0; i < 200; i++ {
			conn := &Connection{
				ID:      fmt.Sprintf("conn-%d-%d", iter, i),
				RoomID:  "abc",
				Send:    make(chan []byte, 256),
				manager: cm,
			}
			cm.registerConnection(conn)
			conns = append(conns, conn)
		}

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				cm.deliver(outboundMessage{RoomID: "abc", Data: []byte("tick")})
			}
		}()
		go func() {
			defer wg.Done()
			for _, conn := range conns {
				cm.unregisterConnection(conn)
			}
		}()
		wg.Wait()
	}

	total, rooms := cm.Stats()
	assert.Equal(t, 0, total)
	assert.Equal(t, 0, rooms)
}

func TestUnregisterConnectionIsIdempotent(t *testing.T) {
	cm := NewConnectionManager(DefaultConnectionConfig(), registry.New(clockwork.NewFakeClock()))

	conn := &Connection{
		ID:      "c1",
		RoomID:  "abc",
		Send:    make(chan []byte, 1),
		manager: cm,
	}
	cm.registerConnection(conn)
	cm.unregisterConnection(conn)
	cm.unregisterConnection(conn)

	assert.True(t, conn.trySend([]byte("late")), "frame for a closed connection is dropped, not sent")

	total, rooms := cm.Stats()
	assert.Equal(t, 0, total)
	assert.Equal(t, 0, rooms)
}
