package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shiwa/timecard-mini/tc-ntpd/internal/events"
	"github.com/shiwa/timecard-mini/tc-ntpd/internal/ntp"
)

type recorder struct {
	mu  sync.Mutex
	got []ntp.Timestamp
}

func (r *recorder) UpdateState(ts ntp.Timestamp) { r.add(ts) }
func (r *recorder) Submit(ts ntp.Timestamp) { r.add(ts) }

func (r *recorder) add(ts ntp.Timestamp) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, ts)
}

func (r *recorder) values() []ntp.Timestamp {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ntp.Timestamp(nil), r.got...)
}

func TestApply(t *testing.T) {
	gps := ntp.TimestampFromUnix(1_709_296_245)
	remote := ntp.TimestampFromUnix(1_709_296_300)

	tests := []struct {
		name    string
		ev      events.Event
		want    MonitorState
		updates []ntp.Timestamp
	}{
		{
			name:    "gps timestamp",
			ev:      events.NewGPSTimestamp(gps),
			want:    MonitorState{LastGPS: gps, Actual: gps},
			updates: []ntp.Timestamp{gps},
		},
		{
			name:    "remote timestamp",
			ev:      events.NewRemoteTimestamp(remote),
			want:    MonitorState{LastNTP: remote, Actual: remote},
			updates: []ntp.Timestamp{remote},
		},
		{
			name: "sky",
			ev:   events.NewGpsSky(9),
			want: MonitorState{Satellites: 9},
		},
		{
			name: "packets ignored",
			ev:   events.NewPackets(events.SourceGPS, []byte("x")),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mon := NewMonitor()
			srv, sink := &recorder{}, &recorder{}
			r := New(mon, srv, WithRTC(sink, nil))
			r.Apply(tt.ev)
			assert.Equal(t, tt.want, mon.Snapshot())
			assert.Equal(t, tt.updates, srv.values())
			assert.Equal(t, tt.updates, sink.values())
		})
	}
}

func TestRTCDisabled(t *testing.T) {
	srv, sink := &recorder{}, &recorder{}
	enabled := false
	r := New(NewMonitor(), srv, WithRTC(sink, func() bool { return enabled }))

	r.Apply(events.NewGPSTimestamp(1 << 32))
	assert.Len(t, srv.values(), 1)
	assert.Empty(t, sink.values())

	enabled = true
	r.Apply(events.NewGPSTimestamp(2 << 32))
	assert.Equal(t, []ntp.Timestamp{2 << 32}, sink.values())
}

// Два одинаковых GPS времени подряд: LastGPS обновляется, actual не меняется.
func TestDrainEqualGPSTimestamps(t *testing.T) {
	bus := events.NewBus()
	sub := bus.Subscribe()
	mon := NewMonitor()
	srv := &recorder{}
	r := New(mon, srv)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- r.Drain(ctx, sub) }()

	ts := ntp.TimestampFromUnix(1_709_296_245)
	bus.Publish(events.NewGPSTimestamp(ts))
	require.Eventually(t, func() bool { return mon.Snapshot().LastGPS == ts }, time.Second, time.Millisecond)
	before := mon.Snapshot().Actual

	bus.Publish(events.NewGPSTimestamp(ts))
	require.Eventually(t, func() bool { return len(srv.values()) == 2 }, time.Second, time.Millisecond)
	after := mon.Snapshot().Actual

	assert.Equal(t, ts, mon.Snapshot().LastGPS)
	assert.Zero(t, before.DiffToSec(after))

	bus.Close()
	assert.NoError(t, <-done)
}

func TestDrainPreservesPerSourceOrder(t *testing.T) {
	gpsBus, ntpBus := events.NewBus(), events.NewBus()
	mon := NewMonitor()
	srv := &recorder{}
	r := New(mon, srv)

	ctx := context.Background()
	var wg sync.WaitGroup
	for _, sub := range []*events.Subscription{gpsBus.Subscribe(), ntpBus.Subscribe()} {
		wg.Add(1)
		go func(sub *events.Subscription) {
			defer wg.Done()
			_ = r.Drain(ctx, sub)
		}(sub)
	}

	const n = 200
	for i := 1; i <= n; i++ {
		gpsBus.Publish(events.NewGPSTimestamp(ntp.TimestampFromUnix(int64(1_000_000 + i))))
		ntpBus.Publish(events.NewRemoteTimestamp(ntp.TimestampFromUnix(int64(2_000_000 + i))))
	}
	gpsBus.Close()
	ntpBus.Close()
	wg.Wait()

	var lastGPS, lastNTP int64
	for _, ts := range srv.values() {
		sec := ts.Unix()
		if sec < 2_000_000 {
			assert.Greater(t, sec, lastGPS)
			lastGPS = sec
		} else {
			assert.Greater(t, sec, lastNTP)
			lastNTP = sec
		}
	}
	st := mon.Snapshot()
	assert.Equal(t, int64(1_000_000+n), st.LastGPS.Unix())
	assert.Equal(t, int64(2_000_000+n), st.LastNTP.Unix())
	assert.Contains(t, []ntp.Timestamp{st.LastGPS, st.LastNTP}, st.Actual)
}

func TestDrainCancel(t *testing.T) {
	bus := events.NewBus()
	sub := bus.Subscribe()
	r := New(NewMonitor(), &recorder{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Drain(ctx, sub) }()
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Drain не завершился")
	}
	assert.Zero(t, bus.Publish(events.NewGpsSky(1)))
}

func TestClockStep(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		offset  time.Duration
		stepped bool
	}{
		{"small offset", 100 * time.Millisecond, false},
		{"at limit", 500 * time.Millisecond, false},
		{"ahead", 2 * time.Second, true},
		{"behind", -3 * time.Second, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []time.Time
			step := func(at time.Time) error {
				got = append(got, at)
				return nil
			}
			r := New(NewMonitor(), &recorder{},
				WithClockStep(500*time.Millisecond, step),
				WithClock(func() time.Time { return now }))
			ts := ntp.TimestampFromTime(now.Add(tt.offset))
			r.Apply(events.NewRemoteTimestamp(ts))
			if tt.stepped {
				require.Len(t, got, 1)
				assert.WithinDuration(t, now.Add(tt.offset), got[0], time.Microsecond)
			} else {
				assert.Empty(t, got)
			}
		})
	}
}

func TestClockStepErrorIsNotFatal(t *testing.T) {
	srv := &recorder{}
	r := New(NewMonitor(), srv,
		WithClockStep(time.Millisecond, func(time.Time) error { return errors.New("operation not permitted") }),
		WithClock(func() time.Time { return time.Unix(0, 0) }))
	r.Apply(events.NewGPSTimestamp(ntp.TimestampFromUnix(1_709_296_245)))
	assert.Len(t, srv.values(), 1)
}

func TestMonitorStateJSON(t *testing.T) {
	ts := ntp.TimestampFromTime(time.Date(2024, 3, 1, 12, 30, 45, 0, time.UTC))
	b, err := json.Marshal(MonitorState{LastGPS: ts, Actual: ts, Satellites: 7})
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, "2024-03-01T12:30:45Z", got["actual_time"])
	assert.Equal(t, "2024-03-01T12:30:45Z", got["last_gps_time"])
	assert.Equal(t, "", got["last_ntp_time"])
	assert.Equal(t, float64(7), got["satellites"])
	assert.Equal(t, float64(uint64(ts)), got["actual"])
}
