package source

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shiwa/timecard-mini/tc-ntpd/internal/events"
	"github.com/shiwa/timecard-mini/tc-ntpd/internal/ntp"
)

const (
	rmcFix   = "$GPRMC,123519.25,A,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W*43"
	rmcGN    = "$GNRMC,000001,A,4807.038,N,01131.000,E,022.4,084.4,010124,003.1,W*71"
	rmcVoid  = "$GPRMC,123519,V,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W*7D"
	ggaEight = "$GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,*47"
	ggaGN    = "$GNGGA,123519,4807.038,N,01131.000,E,1,12,0.9,545.4,M,46.9,M,,*52"
	gsv      = "$GPGSV,3,1,11,03,03,111,00,04,15,270,00,06,01,010,00,13,06,292,00*74"
)

func TestParseRMC(t *testing.T) {
	tests := []struct {
		name string
		line string
		want time.Time
		ok   bool
	}{
		{"fix with fraction", rmcFix, time.Date(1994, 3, 23, 12, 35, 19, 250_000_000, time.UTC), true},
		{"gnss talker 2024", rmcGN, time.Date(2024, 1, 1, 0, 0, 1, 0, time.UTC), true},
		{"void status", rmcVoid, time.Time{}, false},
		{"short", "$GPRMC,123519,A", time.Time{}, false},
		{"garbage time", "$GPRMC,12ab19,A,,,,,,,230394,,", time.Time{}, false},
		{"garbage date", "$GPRMC,123519,A,,,,,,,23xx94,,", time.Time{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parseRMC(tt.line)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.True(t, tt.want.Equal(got), "got %v", got)
			}
		})
	}
}

func TestParseGGA(t *testing.T) {
	n, ok := parseGGA(ggaEight)
	assert.True(t, ok)
	assert.Equal(t, uint16(8), n)

	_, ok = parseGGA("$GPGGA,123519,4807.038")
	assert.False(t, ok)
}

func TestValidChecksum(t *testing.T) {
	assert.True(t, validChecksum(rmcFix))
	assert.True(t, validChecksum(gsv))
	assert.True(t, validChecksum("$GPRMC,no,checksum"))
	assert.False(t, validChecksum(rmcFix[:len(rmcFix)-2]+"00"))
	assert.False(t, validChecksum(rmcFix[:len(rmcFix)-2]+"zz"))
}

func TestNMEARun(t *testing.T) {
	pr, pw := io.Pipe()
	opened := 0
	n := NewNMEA("/dev/null", 0, int64(time.Millisecond), Backoff{Min: time.Millisecond, MaxRetries: 1})
	n.open = func() (io.ReadCloser, error) {
		opened++
		if opened > 1 {
			return nil, errors.New("no such device")
		}
		return pr, nil
	}
	sub := n.Subscribe()
	done := make(chan error, 1)
	go func() { done <- n.Run(context.Background()) }()

	go func() {
		for _, l := range []string{rmcFix, "junk", gsv, rmcVoid, ggaGN, rmcFix[:len(rmcFix)-1] + "0"} {
			_, _ = pw.Write([]byte(l + "\r\n"))
		}
		pw.CloseWithError(errors.New("port gone"))
	}()

	evs := drain(sub, 300*time.Millisecond)
	require.Len(t, evs, 2)
	want := time.Date(1994, 3, 23, 12, 35, 19, 251_000_000, time.UTC)
	assert.Equal(t, events.NewGPSTimestamp(ntp.TimestampFromTime(want)), evs[0])
	assert.Equal(t, events.NewGpsSky(12), evs[1])

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrRetriesExhausted)
	case <-time.After(2 * time.Second):
		t.Fatal("Run не завершился")
	}
}

func TestNMEARunCancel(t *testing.T) {
	pr, _ := io.Pipe()
	n := NewNMEA("/dev/null", 9600, 0, Backoff{})
	n.open = func() (io.ReadCloser, error) { return pr, nil }
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()

	assert.Eventually(t, func() bool { return n.Status() == StatusUnlocked }, time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run не завершился после отмены")
	}
}
