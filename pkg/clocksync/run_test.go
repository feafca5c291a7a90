package clocksync

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	beevik "github.com/beevik/ntp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shiwa/timecard-mini/tc-ntpd/internal/config"
	"github.com/shiwa/timecard-mini/tc-ntpd/internal/ntp"
	"github.com/shiwa/timecard-mini/tc-ntpd/internal/server"
)

func TestParseStepLimit(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"", 500_000_000},
		{"500ms", 500_000_000},
		{"15m", 15 * 60 * 1e9},
		{"1s", 1e9},
		{"invalid", 500_000_000},
	}
	for _, tt := range tests {
		got := ParseStepLimit(tt.in)
		if got != tt.want {
			t.Errorf("ParseStepLimit(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestInitialState(t *testing.T) {
	s := config.Default()
	s.Server.Stratum = 1
	s.Server.Precision = -20
	s.Server.RefID = "GPS"
	s.Server.Leap = 0

	st := initialState(s)
	assert.Equal(t, uint8(1), st.Stratum)
	assert.Equal(t, int8(-20), st.Precision)
	assert.Equal(t, ntp.RefIDFromString("GPS"), st.RefID)
	assert.True(t, st.RefTs.IsZero())

	s.Server.MeasurePrecision = true
	st = initialState(s)
	assert.LessOrEqual(t, st.Precision, int8(0))
}

// upstream: NTP сервер на loopback, отвечающий текущим временем.
func upstream(t *testing.T) string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	srv, err := server.Listen(ctx, server.Config{Addresses: []string{"127.0.0.1"}},
		ntp.ServerState{Stratum: 1, RefID: ntp.RefIDFromString("GPS"), RefTs: ntp.Now()})
	require.NoError(t, err)
	go srv.Serve(ctx)
	return srv.Addrs()[0].String()
}

func TestDaemonServesUpstreamTime(t *testing.T) {
	s := config.Default()
	s.NTP.ServerList = []string{upstream(t)}
	s.NTP.Cycle = 50
	s.GPS.Enable = false
	s.RTC.Enable = false
	s.Display.Enable = false
	s.Web.Port = 0
	s.Server.Addresses = []string{"127.0.0.1"}
	s.Server.Port = 0
	s.Server.Stratum = 2
	s.Server.RefID = "NTP"

	ctx, cancel := context.WithCancel(context.Background())
	d, err := NewDaemon(ctx, config.NewMemoryStore(s), config.NewLive(s, config.Overrides{}))
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool { return !d.monitor.Snapshot().LastNTP.IsZero() }, 3*time.Second, 10*time.Millisecond)
	snap := d.monitor.Snapshot()
	assert.Equal(t, snap.LastNTP, snap.Actual)
	assert.InDelta(t, 0, snap.Actual.DiffToSec(ntp.Now()), 5)

	resp, err := beevik.QueryWithOptions(d.server.Addrs()[0].String(), beevik.QueryOptions{Timeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, uint8(2), resp.Stratum)
	assert.Equal(t, ntp.RefIDFromString("NTP"), resp.ReferenceID)
	assert.NoError(t, resp.Validate())

	// смена server.stratum через Live доходит до ответов сервера
	next := d.live.Document()
	next.Server.Stratum = 3
	require.NoError(t, d.live.Replace(next))
	assert.Equal(t, uint8(3), d.server.State().Stratum)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("демон не остановился")
	}
}

func TestNewDaemonBindError(t *testing.T) {
	s := config.Default()
	s.GPS.Enable = false
	s.Server.Addresses = []string{"203.0.113.77"}
	_, err := NewDaemon(context.Background(), config.NewMemoryStore(s), config.NewLive(s, config.Overrides{}))
	assert.Error(t, err)
}

func TestDaemonSurvivesSettingsWatchFailure(t *testing.T) {
	s := config.Default()
	s.NTP.Enable = false
	s.GPS.Enable = false
	s.RTC.Enable = false
	s.Display.Enable = false
	s.Web.Port = 0
	s.Server.Addresses = []string{"127.0.0.1"}
	s.Server.Port = 0
	s.Server.Stratum = 1

	// каталога нет: fsnotify не может встать на него
	store := config.NewFileStore(filepath.Join(t.TempDir(), "missing", "settings.toml"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d, err := NewDaemon(ctx, store, config.NewLive(s, config.Overrides{}))
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	time.Sleep(200 * time.Millisecond)
	select {
	case err := <-done:
		t.Fatalf("демон остановился: %v", err)
	default:
	}
	resp, err := beevik.QueryWithOptions(d.server.Addrs()[0].String(), beevik.QueryOptions{Timeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, uint8(1), resp.Stratum)

	cancel()
	assert.NoError(t, <-done)
}
