package rollback

import (
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aegisflux/agents/mitigation-agent/internal/types"
)

type fakeState struct {
	mu      sync.Mutex
	snap    types.Snapshot
	failing bool
}

func (f *fakeState) provide() types.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap.Clone()
}

func (f *fakeState) restore(s types.Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return errors.New("restore rejected")
	}
	f.snap = s.Clone()
	return nil
}

func (f *fakeState) set(v string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snap = f.snap.Set("value", v)
}

func (f *fakeState) value() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, _ := f.snap.Get("value")
	return v
}

type fakePublisher struct {
	mu       sync.Mutex
	subjects []string
	events   []Event
}

func (f *fakePublisher) Publish(subject string, data []byte) error {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subjects = append(f.subjects, subject)
	f.events = append(f.events, e)
	return nil
}

func newManager(t *testing.T, cfg Config) (*Manager, *fakeState) {
	t.Helper()
	state := &fakeState{snap: types.Snapshot{{Key: "value", Value: "0"}}}
	m, err := NewManager(slog.Default(), state.provide, state.restore, cfg)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m, state
}

func TestNewManager_RequiresProviderAndRestorer(t *testing.T) {
	_, err := NewManager(slog.Default(), nil, nil, Config{})
	assert.Error(t, err)
}

func TestManager_CheckpointIDsIncrease(t *testing.T) {
	m, _ := newManager(t, Config{})

	var last uint64
	for i := 0; i < 10; i++ {
		id, err := m.Checkpoint("point " + strconv.Itoa(i))
		require.NoError(t, err)
		assert.Greater(t, id, last)
		last = id
	}
	assert.Equal(t, 10, m.Count())
}

func TestManager_RollbackToDiscardsNewer(t *testing.T) {
	m, state := newManager(t, Config{})

	var ids []uint64
	for _, v := range []string{"a", "b", "c"} {
		state.set(v)
		id, err := m.Checkpoint(v)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	state.set("d")

	require.NoError(t, m.RollbackTo(ids[0]))
	assert.Equal(t, "a", state.value())
	assert.Equal(t, 1, m.Count())

	err := m.RollbackTo(ids[2])
	assert.ErrorIs(t, err, ErrNotFound)
	assert.EqualError(t, err, "not found: "+strconv.FormatUint(ids[2], 10))
	assert.Equal(t, "a", state.value())
}

func TestManager_RollbackToUnknownLeavesState(t *testing.T) {
	m, state := newManager(t, Config{})
	_, err := m.Checkpoint("only")
	require.NoError(t, err)
	state.set("changed")

	err = m.RollbackTo(42)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, "changed", state.value())
	assert.Equal(t, 1, m.Count())
}

func TestManager_RollbackLast(t *testing.T) {
	m, state := newManager(t, Config{})

	state.set("first")
	_, err := m.Checkpoint("first")
	require.NoError(t, err)

	// one point only
	state.set("dirty")
	err = m.RollbackLast()
	assert.ErrorIs(t, err, ErrNoPreviousPoint)
	assert.EqualError(t, err, "no previous point")
	assert.Equal(t, "dirty", state.value())

	state.set("second")
	_, err = m.Checkpoint("second")
	require.NoError(t, err)
	state.set("third")

	require.NoError(t, m.RollbackLast())
	assert.Equal(t, "first", state.value())
	assert.Equal(t, 1, m.Count())
}

func TestManager_RestoreFailureKeepsPoints(t *testing.T) {
	m, state := newManager(t, Config{})

	first, err := m.Checkpoint("first")
	require.NoError(t, err)
	_, err = m.Checkpoint("second")
	require.NoError(t, err)

	state.failing = true
	err = m.RollbackTo(first)
	assert.ErrorContains(t, err, "restore rejected")
	assert.Equal(t, 2, m.Count())
}

func TestManager_Prune(t *testing.T) {
	tests := []struct {
		name     string
		cfg      Config
		creates  int
		expected int
	}{
		{"under_limit", Config{MaxPoints: 5, PruneTo: 2}, 5, 5},
		{"over_limit", Config{MaxPoints: 5, PruneTo: 2}, 6, 2},
		{"defaults", Config{}, 101, 50},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := newManager(t, tt.cfg)
			var last uint64
			for i := 0; i < tt.creates; i++ {
				id, err := m.Checkpoint("p")
				require.NoError(t, err)
				last = id
			}
			assert.Equal(t, tt.expected, m.Count())

			points := m.ListPoints(0)
			require.NotEmpty(t, points)
			assert.Equal(t, last, points[0].ID, "newest point survives pruning")
		})
	}
}

func TestManager_ListPointsNewestFirst(t *testing.T) {
	m, _ := newManager(t, Config{})
	for _, d := range []string{"one", "two", "three"} {
		_, err := m.Checkpoint(d)
		require.NoError(t, err)
	}

	points := m.ListPoints(2)
	require.Len(t, points, 2)
	assert.Equal(t, "three", points[0].Description)
	assert.Equal(t, "two", points[1].Description)
	assert.Greater(t, points[0].StoredBytes, 0)
	assert.Nil(t, points[0].Snapshot)
}

func TestManager_GetPointRoundTrip(t *testing.T) {
	m, state := newManager(t, Config{})
	state.mu.Lock()
	state.snap = types.Snapshot{{Key: "z", Value: "1"}, {Key: "a", Value: "two words"}}
	state.mu.Unlock()

	id, err := m.Checkpoint("ordered")
	require.NoError(t, err)

	p, err := m.GetPoint(id)
	require.NoError(t, err)
	assert.True(t, p.Snapshot.Equal(types.Snapshot{{Key: "z", Value: "1"}, {Key: "a", Value: "two words"}}))

	_, err = m.GetPoint(id + 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManager_StatusAndCallbacks(t *testing.T) {
	m, _ := newManager(t, Config{HostID: "host-1"})
	pub := &fakePublisher{}
	m.SetPublisher(pub)

	var mu sync.Mutex
	var got []Event
	m.AddCallback(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e)
	})

	_, err := m.Checkpoint("a")
	require.NoError(t, err)
	_, err = m.Checkpoint("b")
	require.NoError(t, err)

	require.NoError(t, m.RollbackLast())
	assert.Error(t, m.RollbackTo(99))

	pub.mu.Lock()
	require.Len(t, pub.events, 2)
	assert.Equal(t, StatusSubject, pub.subjects[0])
	assert.Equal(t, "completed", pub.events[0].Status)
	assert.Equal(t, "host-1", pub.events[0].HostID)
	assert.Equal(t, uint64(1), pub.events[0].PointID)
	assert.Equal(t, "failed", pub.events[1].Status)
	pub.mu.Unlock()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestManager_HandleSignal(t *testing.T) {
	m, state := newManager(t, Config{HostID: "host-1"})
	pub := &fakePublisher{}
	m.SetPublisher(pub)

	state.set("a")
	first, err := m.Checkpoint("a")
	require.NoError(t, err)
	state.set("b")
	_, err = m.Checkpoint("b")
	require.NoError(t, err)
	state.set("c")
	_, err = m.Checkpoint("c")
	require.NoError(t, err)

	m.handleSignal([]byte(`{"last":true,"reason":"operator"}`))
	assert.Equal(t, "b", state.value())

	data, err := json.Marshal(Signal{PointID: first})
	require.NoError(t, err)
	m.handleSignal(data)
	assert.Equal(t, "a", state.value())

	m.handleSignal([]byte(`not json`))
	m.handleSignal([]byte(`{}`))

	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.Len(t, pub.events, 2)
	assert.Equal(t, ReasonOperatorSignal, pub.events[0].Reason)
}

func TestManager_ConcurrentCheckpointAndRollback(t *testing.T) {
	m, _ := newManager(t, Config{MaxPoints: 20, PruneTo: 10})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				_, _ = m.Checkpoint("c")
				_ = m.RollbackLast()
			}
		}()
	}
	wg.Wait()

	points := m.ListPoints(0)
	for i := 1; i < len(points); i++ {
		assert.Greater(t, points[i-1].ID, points[i].ID)
	}
	assert.LessOrEqual(t, len(points), 20)
}
