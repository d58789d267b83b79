package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aegisflux/agents/mitigation-agent/internal/rollback"
	"aegisflux/agents/mitigation-agent/internal/shadow"
	"aegisflux/agents/mitigation-agent/internal/types"
)

type fakeConn struct {
	mu       sync.Mutex
	subjects []string
	messages []Envelope
	err      error
}

func (f *fakeConn) Publish(subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	f.subjects = append(f.subjects, subject)
	f.messages = append(f.messages, env)
	return nil
}

func (f *fakeConn) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, m := range f.messages {
		out = append(out, m.Type)
	}
	return out
}

func TestSender_PublishesInOrder(t *testing.T) {
	conn := &fakeConn{}
	s := NewSender(slog.Default(), conn, "mitigation.events", "host-1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	require.NoError(t, s.SendResult(types.Result{Classification: types.ClassMalicious}))
	require.NoError(t, s.SendAction(types.ActionRecord{Action: types.ActionBlock}))
	require.NoError(t, s.SendShadow(&shadow.State{ID: 7, Description: "d"}, shadow.Result{SafeToApply: true}))
	require.NoError(t, s.SendRollback(rollback.Event{Status: "completed"}))

	assert.Eventually(t, func() bool {
		return len(conn.types()) == 4
	}, time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{"threat_event", "action", "shadow", "rollback"}, conn.types())
	conn.mu.Lock()
	assert.Equal(t, "mitigation.events", conn.subjects[0])
	assert.Equal(t, "host-1", conn.messages[0].HostID)
	conn.mu.Unlock()
}

func TestSender_QueueFull(t *testing.T) {
	s := NewSender(slog.Default(), &fakeConn{}, "s", "h")

	for i := 0; i < DefaultQueueSize; i++ {
		require.NoError(t, s.SendResult(types.Result{}))
	}
	assert.Error(t, s.SendResult(types.Result{}))
}

func TestSender_PublishErrorHook(t *testing.T) {
	conn := &fakeConn{err: errors.New("disconnected")}
	s := NewSender(slog.Default(), conn, "s", "h")

	var mu sync.Mutex
	failures := 0
	s.OnError(func(error) {
		mu.Lock()
		defer mu.Unlock()
		failures++
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))

	require.NoError(t, s.SendResult(types.Result{}))
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return failures == 1
	}, time.Second, 10*time.Millisecond)
}

func TestSender_Heartbeat(t *testing.T) {
	conn := &fakeConn{}
	s := NewSender(slog.Default(), conn, "s", "h")
	s.SetHeartbeat(20*time.Millisecond, func() types.Status { return types.Status{Budget: 1} })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))

	assert.Eventually(t, func() bool {
		for _, typ := range conn.types() {
			if typ == "heartbeat" {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)

	s.Stop()
	s.Stop()
}
