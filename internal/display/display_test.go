package display

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
	"github.com/shiwa/timecard-mini/tc-ntpd/internal/reconcile"
)

// fakeDisplay принимает кадр и отвечает так же, как сервис OLED: проверяет набор ключей.
func fakeDisplay(t *testing.T) (string, <-chan map[string]string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	frames := make(chan map[string]string, 16)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				var f map[string]string
				if err := json.NewDecoder(conn).Decode(&f); err != nil {
					_, _ = conn.Write([]byte(`{"status": "error", "message": "Error decoding JSON"}`))
					return
				}
				for _, k := range []string{"gps", "ntp", "time"} {
					if _, ok := f[k]; !ok {
						_, _ = conn.Write([]byte(`{"status": "error", "message": "Error decoding JSON"}`))
						return
					}
				}
				frames <- f
				_, _ = conn.Write([]byte(`{"status": "success", "message": "Command executed successfully"}`))
			}(conn)
		}
	}()
	return ln.Addr().String(), frames
}

func TestFrameFromMonitor(t *testing.T) {
	actual := ntp.TimestampFromTime(time.Date(2024, 3, 1, 12, 30, 45, 0, time.UTC))
	tests := []struct {
		name string
		m    reconcile.MonitorState
		want Frame
	}{
		{
			name: "both fresh",
			m:    reconcile.MonitorState{LastGPS: actual - 3<<32, LastNTP: actual, Actual: actual},
			want: Frame{GPS: " 3 sec ago", NTP: " 0 sec ago", Time: " 2024-03-01 12:30:45 UTC"},
		},
		{
			name: "gps never seen",
			m:    reconcile.MonitorState{LastNTP: actual - 10<<32, Actual: actual},
			want: Frame{GPS: " 3918285045 sec ago", NTP: " 10 sec ago", Time: " 2024-03-01 12:30:45 UTC"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FrameFromMonitor(tt.m))
		})
	}
}

func TestClientShow(t *testing.T) {
	addr, frames := fakeDisplay(t)
	c := NewClient(addr)
	f := Frame{GPS: " 1 sec ago", NTP: " 2 sec ago", Time: " 2024-03-01 12:30:45 UTC"}
	require.NoError(t, c.Show(context.Background(), f))
	got := <-frames
	assert.Equal(t, map[string]string{"gps": f.GPS, "ntp": f.NTP, "time": f.Time}, got)
}

func TestClientShowRejected(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		var f Frame
		_ = json.NewDecoder(conn).Decode(&f)
		_, _ = conn.Write([]byte(`{"status": "error", "message": "Display error"}`))
	}()
	err = NewClient(ln.Addr().String()).Show(context.Background(), Frame{})
	assert.ErrorIs(t, err, ErrRejected)
}

type countingShower struct {
	mu sync.Mutex
	n  int
}

func (c *countingShower) Show(context.Context, Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return nil
}

func (c *countingShower) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func TestPusher(t *testing.T) {
	addr, frames := fakeDisplay(t)
	mon := reconcile.NewMonitor()
	p := &Pusher{
		Display:  NewClient(addr),
		Frame:    func() Frame { return FrameFromMonitor(mon.Snapshot()) },
		Interval: func() time.Duration { return 10 * time.Millisecond },
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	for i := 0; i < 2; i++ {
		select {
		case f := <-frames:
			assert.Equal(t, " 1900-01-01 00:00:00 UTC", f["time"])
		case <-time.After(2 * time.Second):
			t.Fatal("кадр не отправлен")
		}
	}
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestPusherDisabled(t *testing.T) {
	c := &countingShower{}
	p := &Pusher{
		Display:  c,
		Frame:    func() Frame { return Frame{} },
		Enabled:  func() bool { return false },
		Interval: func() time.Duration { return 5 * time.Millisecond },
	}
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Run(ctx), context.DeadlineExceeded)
	assert.Zero(t, c.count())
}
