package oshost

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"testing"

	"github.com/cilium/ebpf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func fakeProc(t *testing.T, procs map[int]string) string {
	t.Helper()
	root := t.TempDir()
	for pid, comm := range procs {
		dir := filepath.Join(root, strconv.Itoa(pid))
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "comm"), []byte(comm+"\n"), 0o644))
	}
	return root
}

type sent struct {
	pid int
	sig syscall.Signal
}

func newTestSignaller(root string, err error) (*Signaller, *[]sent) {
	var calls []sent
	s := NewSignaller(NewGuard(root, DefaultCriticalProcesses))
	s.kill = func(pid int, sig syscall.Signal) error {
		calls = append(calls, sent{pid, sig})
		return err
	}
	return s, &calls
}

func TestGuard_Check(t *testing.T) {
	root := fakeProc(t, map[int]string{
		200: "evil",
		201: "sshd",
		202: "SystemD",
	})
	g := NewGuard(root, DefaultCriticalProcesses)

	tests := []struct {
		name      string
		pid       int
		protected bool
		wantErr   bool
	}{
		{"ordinary process", 200, false, false},
		{"critical process", 201, true, true},
		{"critical is case insensitive", 202, true, true},
		{"init", 1, true, true},
		{"self", os.Getpid(), true, true},
		{"missing", 999999, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := g.Check(tt.pid)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.protected, errors.Is(err, ErrProtected))
		})
	}
}

func TestParsePID(t *testing.T) {
	tests := []struct {
		in  string
		pid int
		ok  bool
	}{
		{"1234", 1234, true},
		{" 42 ", 42, true},
		{"0", 0, false},
		{"-5", 0, false},
		{"10.0.0.1", 0, false},
		{"/tmp/x", 0, false},
	}
	for _, tt := range tests {
		pid, ok := ParsePID(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.pid, pid, tt.in)
	}
}

func TestSignaller(t *testing.T) {
	root := fakeProc(t, map[int]string{300: "payload", 301: "kubelet"})

	s, calls := newTestSignaller(root, nil)
	require.NoError(t, s.Kill(300))
	require.NoError(t, s.Stop(300))
	assert.ErrorIs(t, s.Kill(301), ErrProtected)
	assert.Equal(t, []sent{{300, unix.SIGKILL}, {300, unix.SIGSTOP}}, *calls)

	gone, _ := newTestSignaller(root, unix.ESRCH)
	assert.NoError(t, gone.Kill(300))

	denied, _ := newTestSignaller(root, unix.EPERM)
	assert.Error(t, denied.Kill(300))
}

func TestParseIPv4(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"10.1.2.3", "10.1.2.3", false},
		{"10.1.2.3:4444", "10.1.2.3", false},
		{"::1", "", true},
		{"[2001:db8::1]:80", "", true},
		{"1234", "", true},
		{"host.example", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			ip, err := ParseIPv4(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, ip.String())
		})
	}
}

type fakeMap struct {
	entries map[[4]byte]uint64
	closed  bool
	err     error
}

func (f *fakeMap) Update(key, value interface{}, _ ebpf.MapUpdateFlags) error {
	if f.err != nil {
		return f.err
	}
	f.entries[key.([4]byte)] = value.(uint64)
	return nil
}

func (f *fakeMap) Delete(key interface{}) error {
	delete(f.entries, key.([4]byte))
	return nil
}

func (f *fakeMap) Close() error {
	f.closed = true
	return nil
}

func TestMapBlocker(t *testing.T) {
	m := &fakeMap{entries: map[[4]byte]uint64{}}
	b := &MapBlocker{m: m}

	ip := net.ParseIP("192.168.1.50")
	require.NoError(t, b.Block(ip))
	assert.Contains(t, m.entries, [4]byte{192, 168, 1, 50})

	require.NoError(t, b.Unblock(ip))
	assert.Empty(t, m.entries)

	m.err = errors.New("map full")
	assert.Error(t, b.Block(ip))

	require.NoError(t, b.Close())
	assert.True(t, m.closed)
}

func TestOpenMapBlocker_MissingPin(t *testing.T) {
	_, err := OpenMapBlocker(filepath.Join(t.TempDir(), "absent"))
	assert.Error(t, err)
}

func TestListBlocker(t *testing.T) {
	b := NewListBlocker()
	require.NoError(t, b.Block(net.ParseIP("10.0.0.2")))
	require.NoError(t, b.Block(net.ParseIP("10.0.0.1")))
	require.NoError(t, b.Block(net.ParseIP("10.0.0.1")))
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, b.Blocked())

	require.NoError(t, b.Unblock(net.ParseIP("10.0.0.2")))
	assert.Equal(t, []string{"10.0.0.1"}, b.Blocked())
}

func TestJail_LockupAndRestore(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "invoice.pdf.locked")
	payload := []byte("not really ransomware")
	require.NoError(t, os.WriteFile(src, payload, 0o644))

	j := NewJail(filepath.Join(dir, "jail"))
	name, err := j.Lockup(src)
	require.NoError(t, err)

	_, err = os.Stat(src)
	assert.True(t, os.IsNotExist(err))

	jailed, err := os.ReadFile(filepath.Join(j.Dir, name))
	require.NoError(t, err)
	assert.NotEqual(t, payload, jailed)
	assert.Len(t, jailed, len(payload))

	list, err := j.List()
	require.NoError(t, err)
	assert.Equal(t, []string{name}, list)

	restored := filepath.Join(dir, "restored.pdf")
	require.NoError(t, j.Restore(name, restored))
	data, err := os.ReadFile(restored)
	require.NoError(t, err)
	assert.Equal(t, payload, data)

	list, err = j.List()
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestJail_Errors(t *testing.T) {
	dir := t.TempDir()
	j := NewJail(filepath.Join(dir, "jail"))

	_, err := j.Lockup(filepath.Join(dir, "missing"))
	assert.Error(t, err)

	_, err = j.Lockup(dir)
	assert.Error(t, err)

	assert.Error(t, j.Restore("../escape.quarantine", filepath.Join(dir, "x")))
	assert.Error(t, j.Restore("plain.txt", filepath.Join(dir, "x")))
	assert.Error(t, j.Restore("absent.quarantine", filepath.Join(dir, "x")))

	list, err := j.List()
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestActuator_Routing(t *testing.T) {
	root := fakeProc(t, map[int]string{400: "miner"})
	signals, calls := newTestSignaller(root, nil)
	blocker := NewListBlocker()
	dir := t.TempDir()
	jail := NewJail(filepath.Join(dir, "jail"))
	a := NewActuator(slog.Default(), signals, blocker, jail)
	ctx := context.Background()

	require.NoError(t, a.Terminate(ctx, "400"))
	require.NoError(t, a.Block(ctx, "400"))
	assert.Equal(t, []sent{{400, unix.SIGKILL}, {400, unix.SIGSTOP}}, *calls)

	require.NoError(t, a.Block(ctx, "10.9.8.7:31337"))
	assert.Equal(t, []string{"10.9.8.7"}, blocker.Blocked())

	file := filepath.Join(dir, "dropper.bin")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))
	require.NoError(t, a.Quarantine(ctx, file))

	assert.Error(t, a.Terminate(ctx, "10.0.0.1"))
	assert.Error(t, a.Block(ctx, "/etc/shadow"))
	assert.Error(t, a.Quarantine(ctx, filepath.Join(dir, "gone")))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, a.Terminate(cancelled, "400"), context.Canceled)

	assert.NoError(t, a.Close())
}

func TestDryRun(t *testing.T) {
	d := NewDryRun(slog.Default())
	ctx := context.Background()

	assert.NoError(t, d.Terminate(ctx, "1"))
	assert.NoError(t, d.Block(ctx, "10.0.0.5:22"))
	assert.NoError(t, d.Block(ctx, "77"))
	assert.NoError(t, d.Quarantine(ctx, "/tmp/x"))
	assert.Equal(t, []string{"10.0.0.5"}, d.Blocked())
}
