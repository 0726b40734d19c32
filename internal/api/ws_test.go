package api

import (
	"bytes"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/bizsync/internal/logging"
	"github.com/kimhsiao/bizsync/internal/models"
)

// lockedBuffer lets the hub goroutine log while the test reads.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestWSHub_DropsSlowClient(t *testing.T) {
	var out lockedBuffer
	logging.Init(&out, logging.LevelDebug)
	t.Cleanup(func() { logging.Init(os.Stderr, logging.LevelInfo) })

	hub := NewWSHub()
	defer hub.Close()

	// GIVEN a client that never drains its send buffer
	slow := &WSClient{id: "slow-1", hub: hub, send: make(chan []byte)}
	hub.register <- slow
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 5*time.Millisecond)

	// WHEN a stats event is broadcast
	hub.BroadcastStats(models.QueueStats{Pending: 1})

	// THEN the client is disconnected and the drop is logged
	require.Eventually(t, func() bool { return hub.Clients() == 0 }, time.Second, 5*time.Millisecond)
	_, open := <-slow.send
	assert.False(t, open)
	assert.Eventually(t, func() bool {
		logged := out.String()
		return strings.Contains(logged, "Dropping slow WebSocket client") && strings.Contains(logged, "slow-1")
	}, time.Second, 5*time.Millisecond)
}
