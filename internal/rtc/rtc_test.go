package rtc

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shiwa/timecard-mini/tc-ntpd/internal/ntp"
)

// fakeRTC повторяет поведение сервиса RTC: одна JSON-команда, один ответ без перевода строки.
type fakeRTC struct {
	mu   sync.Mutex
	cmds []map[string]any
	get  string
}

func (f *fakeRTC) start(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go f.serve(conn)
		}
	}()
	return ln.Addr().String()
}

func (f *fakeRTC) serve(conn net.Conn) {
	defer conn.Close()
	var cmd map[string]any
	if err := json.NewDecoder(conn).Decode(&cmd); err != nil {
		return
	}
	f.mu.Lock()
	f.cmds = append(f.cmds, cmd)
	get := f.get
	f.mu.Unlock()
	switch cmd["cmd"] {
	case "get":
		_, _ = conn.Write([]byte(get))
	case "set":
		_, _ = conn.Write([]byte(`{"status": "success", "message": "time is updated"}`))
	default:
		_, _ = conn.Write([]byte(`{"status": "error", "message": "Unknown command"}`))
	}
}

func (f *fakeRTC) commands() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]any(nil), f.cmds...)
}

func TestClientSet(t *testing.T) {
	f := &fakeRTC{}
	c := NewClient(f.start(t))
	require.NoError(t, c.Set(context.Background(), ntp.TimestampFromUnix(1_709_296_245)))
	cmds := f.commands()
	require.Len(t, cmds, 1)
	assert.Equal(t, "set", cmds[0]["cmd"])
	assert.Equal(t, float64(1_709_296_245), cmds[0]["ts"])
}

func TestClientGet(t *testing.T) {
	tests := []struct {
		name    string
		reply   string
		want    ntp.Timestamp
		wantErr error
	}{
		{"ok", `{"status": "success", "timestamp": 1709296245}`, ntp.TimestampFromUnix(1_709_296_245), nil},
		{"rtc unreadable", `{"status": "success", "timestamp": null}`, 0, ErrNoTime},
		{"rejected", `{"status": "error", "message": "Error: boom"}`, 0, ErrRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeRTC{get: tt.reply}
			c := NewClient(f.start(t))
			got, err := c.Get(context.Background())
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, "get", f.commands()[0]["cmd"])
		})
	}
}

func TestClientUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	c := NewClient(addr)
	assert.Error(t, c.Set(context.Background(), ntp.Now()))
}

func TestClientTimeout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		time.Sleep(time.Second)
	}()

	c := &Client{Addr: ln.Addr().String(), Timeout: 50 * time.Millisecond}
	start := time.Now()
	_, err = c.Get(context.Background())
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

// blockingSetter задерживает первую запись до release.
type blockingSetter struct {
	mu      sync.Mutex
	got     []ntp.Timestamp
	started chan struct{}
	release chan struct{}
}

func (b *blockingSetter) Set(ctx context.Context, ts ntp.Timestamp) error {
	b.mu.Lock()
	first := len(b.got) == 0
	b.got = append(b.got, ts)
	b.mu.Unlock()
	if first {
		close(b.started)
		select {
		case <-b.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (b *blockingSetter) values() []ntp.Timestamp {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]ntp.Timestamp(nil), b.got...)
}

func TestPersisterLatestWins(t *testing.T) {
	b := &blockingSetter{started: make(chan struct{}), release: make(chan struct{})}
	p := NewPersister(b)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	p.Submit(1)
	<-b.started
	for ts := ntp.Timestamp(2); ts <= 5; ts++ {
		p.Submit(ts)
	}
	close(b.release)

	require.Eventually(t, func() bool { return p.Last() == 5 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []ntp.Timestamp{1, 5}, b.values())
}

func TestPersisterWithService(t *testing.T) {
	f := &fakeRTC{}
	p := NewPersister(NewClient(f.start(t)))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	ts := ntp.TimestampFromUnix(1_709_296_245)
	p.Submit(ts)
	require.Eventually(t, func() bool { return p.Last() == ts }, 2*time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
