package collector

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aegisflux/agents/mitigation-agent/internal/classifier"
	"aegisflux/agents/mitigation-agent/internal/types"
)

type recorder struct {
	mu  sync.Mutex
	obs []types.Observation
}

func (r *recorder) sink(o types.Observation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.obs = append(r.obs, o)
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.obs)
}

func TestValidator_Decode(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	tests := []struct {
		name    string
		data    string
		wantErr bool
	}{
		{"minimal", `{"kind":"network_c2","source":"10.0.0.1"}`, false},
		{"full", `{"kind":"file_ransomware","source":"/tmp/a.locked","entropy":7.9,"signatures":[{"name":"x","level":9}],"flags":["ransomware_extension"]}`, false},
		{"not json", `{`, true},
		{"missing source", `{"kind":"network_c2"}`, true},
		{"empty source", `{"kind":"network_c2","source":""}`, true},
		{"unknown kind", `{"kind":"weather","source":"x"}`, true},
		{"entropy out of range", `{"kind":"file_modification","source":"x","entropy":9}`, true},
		{"signature level out of range", `{"kind":"process_injection","source":"1","signatures":[{"name":"x","level":11}]}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obs, err := v.Decode([]byte(tt.data))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, obs.Source)
			assert.False(t, obs.Timestamp.IsZero())
		})
	}
}

func TestPoller_ScansUntilCancelled(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	p := NewPoller(slog.Default(), "fake", 10*time.Millisecond, func(ctx context.Context) ([]types.Observation, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 2 {
			return nil, errors.New("transient")
		}
		return []types.Observation{{Kind: types.KindNetworkC2, Source: "1.2.3.4"}}, nil
	})

	rec := &recorder{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- p.Run(ctx, rec.sink) }()

	assert.Eventually(t, func() bool { return rec.len() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	rec.mu.Lock()
	assert.False(t, rec.obs[0].Timestamp.IsZero())
	rec.mu.Unlock()
}

type failing struct{}

func (failing) Name() string { return "failing" }
func (failing) Run(context.Context, Sink) error {
	return errors.New("boom")
}

func TestGroup_RunsAllAndJoinsErrors(t *testing.T) {
	rec := &recorder{}
	once := NewPoller(slog.Default(), "once", time.Hour, func(context.Context) ([]types.Observation, error) {
		return []types.Observation{{Kind: types.KindFileModification, Source: "/etc/passwd"}}, nil
	})

	g := NewGroup(slog.Default(), once)
	g.Add(failing{})
	assert.Equal(t, 2, g.Len())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- g.Run(ctx, rec.sink) }()

	assert.Eventually(t, func() bool { return rec.len() == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	err := <-done
	require.Error(t, err)
	assert.Contains(t, err.Error(), "collector failing")
}

func TestProcessScanner(t *testing.T) {
	root := t.TempDir()
	procs := map[string]string{
		"101": "mimikatz\n",
		"102": "bash\n",
		"103": "my-dumper\n",
		"104": "NetCat\n",
	}
	for pid, comm := range procs {
		require.NoError(t, os.MkdirAll(filepath.Join(root, pid), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(root, pid, "comm"), []byte(comm), 0o644))
	}
	require.NoError(t, os.MkdirAll(filepath.Join(root, "self"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "105"), 0o755))

	s := NewProcessScanner()
	s.Root = root

	obs, err := s.Scan(context.Background())
	require.NoError(t, err)

	bySource := map[string]types.Observation{}
	for _, o := range obs {
		bySource[o.Source] = o
	}
	require.Len(t, bySource, 3)

	assert.Equal(t, types.KindProcessSniffing, bySource["101"].Kind)
	assert.Equal(t, []string{classifier.FlagSuspiciousName}, bySource["101"].Flags)
	assert.Equal(t, types.KindProcessSuspicious, bySource["103"].Kind)
	assert.Equal(t, []string{classifier.FlagSuspiciousPattern}, bySource["103"].Flags)
	assert.Equal(t, types.KindProcessSniffing, bySource["104"].Kind)
}

func TestProcessScanner_MissingRoot(t *testing.T) {
	s := NewProcessScanner()
	s.Root = filepath.Join(t.TempDir(), "absent")
	_, err := s.Scan(context.Background())
	assert.Error(t, err)
}

func TestConnectionScanner(t *testing.T) {
	table := `  sl  local_address rem_address   st tx_queue rx_queue tr tm->when retrnsmt   uid  timeout inode
   0: 0100007F:A1B2 0100007F:115C 01 00000000:00000000 00:00000000 00000000  1000        0 1 1
   1: 0100007F:A1B3 0A00000A:0050 01 00000000:00000000 00:00000000 00000000  1000        0 2 1
   2: 0100007F:A1B4 0100007F:115C 0A 00000000:00000000 00:00000000 00000000  1000        0 3 1
   3: 0100007F:A1B5 0200000A:0050 01 00000000:00000000 00:00000000 00000000  1000        0 4 1
`
	path := filepath.Join(t.TempDir(), "tcp")
	require.NoError(t, os.WriteFile(path, []byte(table), 0o644))

	s := NewConnectionScanner([]string{"10.0.0.10"})
	s.Path = path

	obs, err := s.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, obs, 2)

	assert.Equal(t, types.KindNetworkSuspicious, obs[0].Kind)
	assert.Equal(t, "127.0.0.1:4444", obs[0].Source)
	assert.Equal(t, types.KindNetworkC2, obs[1].Kind)
	assert.Equal(t, "10.0.0.10", obs[1].Source)
}

func TestParseHexAddr(t *testing.T) {
	tests := []struct {
		in      string
		ip      string
		port    uint16
		wantErr bool
	}{
		{"0100007F:1F90", "127.0.0.1", 8080, false},
		{"00000000:0000", "0.0.0.0", 0, false},
		{"0100007F", "", 0, true},
		{"ZZ00007F:1F90", "", 0, true},
		{"0100007F:FFFFF", "", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			ip, port, err := parseHexAddr(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.ip, ip)
			assert.Equal(t, tt.port, port)
		})
	}
}

type fakeSubscriber struct {
	mu      sync.Mutex
	subject string
	handler nats.MsgHandler
}

func (f *fakeSubscriber) Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subject = subject
	f.handler = cb
	return nil, nil
}

func (f *fakeSubscriber) deliver(data string) bool {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	if h == nil {
		return false
	}
	h(&nats.Msg{Data: []byte(data)})
	return true
}

func TestNATSCollector(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	sub := &fakeSubscriber{}
	c := NewNATSCollector(slog.Default(), sub, "mitigation.observations", v)
	assert.Equal(t, "nats:mitigation.observations", c.Name())

	var invalid int
	c.OnInvalid(func(error) { invalid++ })

	rec := &recorder{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- c.Run(ctx, rec.sink) }()

	assert.Eventually(t, func() bool {
		return sub.deliver(`{"kind":"network_c2","source":"10.1.1.1","flags":["c2_address"]}`)
	}, time.Second, 5*time.Millisecond)
	sub.deliver(`{"kind":"bogus"}`)

	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, 1, rec.len())
	assert.Equal(t, 1, invalid)
	assert.Equal(t, "mitigation.observations", sub.subject)
}
