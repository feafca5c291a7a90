package ntp

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimestampFromTime(t *testing.T) {
	tests := []struct {
		name     string
		in       time.Time
		wantSec  uint32
		wantFrac uint32
	}{
		{"unix epoch", time.Unix(0, 0), UnixEraOffset, 0},
		{"half second", time.Unix(1, 500_000_000), UnixEraOffset + 1, 1 << 31},
		{"quarter second", time.Unix(10, 250_000_000), UnixEraOffset + 10, 1 << 30},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := TimestampFromTime(tt.in)
			assert.Equal(t, tt.wantSec, ts.Seconds())
			assert.Equal(t, tt.wantFrac, ts.Fraction())
		})
	}
}

func TestTimestampTimeRoundTrip(t *testing.T) {
	in := time.Date(2024, 3, 1, 12, 30, 45, 123_456_789, time.UTC)
	got := TimestampFromTime(in).Time()
	assert.WithinDuration(t, in, got, time.Nanosecond)
}

func TestTimestampFromUnix(t *testing.T) {
	ts := TimestampFromUnix(1_700_000_000)
	assert.Equal(t, int64(1_700_000_000), ts.Unix())
	assert.Zero(t, ts.Fraction())
}

func TestNowIsMonotonicWithWallClock(t *testing.T) {
	a := Now()
	b := Now()
	d := b.DiffToSec(a)
	assert.GreaterOrEqual(t, d, 0.0)
	assert.Less(t, math.Abs(d), 1.0)
	assert.WithinDuration(t, time.Now(), b.Time(), time.Second)
}

func TestDiffToSec(t *testing.T) {
	base := TimestampFromUnix(1_000)
	tests := []struct {
		name string
		a, b Timestamp
		want float64
	}{
		{"equal", base, base, 0},
		{"one second ahead", base + 1<<32, base, 1},
		{"one second behind", base, base + 1<<32, -1},
		{"half second", base + 1<<31, base, 0.5},
		{"across 64-bit wrap", Timestamp(1 << 31), Timestamp(math.MaxUint64 - 1<<31 + 1), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, tt.a.DiffToSec(tt.b), 1e-9)
		})
	}
}

func TestTimestampReadPut(t *testing.T) {
	buf := make([]byte, 8)
	ts := Timestamp(0x0102030405060708)
	ts.Put(buf)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, buf)
	assert.Equal(t, ts, ReadTimestamp(buf))
}

func TestRandomTimestamp(t *testing.T) {
	seen := make(map[Timestamp]bool)
	for i := 0; i < 16; i++ {
		seen[RandomTimestamp()] = true
	}
	require.Greater(t, len(seen), 1, "nonce не должен повторяться")
}

func TestFracValue(t *testing.T) {
	buf := make([]byte, 4)
	f := FracValue(0xdeadbeef)
	f.Put(buf)
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, buf)
	assert.Equal(t, f, ReadFrac(buf))

	var z FracValue
	z.Increment()
	z.Increment()
	assert.Equal(t, FracValue(2), z)

	top := FracValue(math.MaxUint32)
	top.Increment()
	assert.Equal(t, FracValue(0), top)

	assert.InDelta(t, 1.5, FracValue(0x00018000).Seconds(), 1e-9)
}

func TestRefIDFromString(t *testing.T) {
	assert.Equal(t, uint32(0x47505300), RefIDFromString("GPS"))
	assert.Equal(t, uint32(0x4c4f434c), RefIDFromString("LOCL"))
	assert.Equal(t, uint32(0), RefIDFromString(""))
}
