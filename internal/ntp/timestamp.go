// Package ntp реализует NTP v1–v4 формат пакета (RFC 5905, 48 байт без расширений) и фиксированная точка времени.
package ntp

import (
	"crypto/rand"
	"encoding/binary"
	mrand "math/rand/v2"
	"time"
)

const (
	// UnixEraOffset: секунды между 1900-01-01 (эпоха NTP) и 1970-01-01.
	UnixEraOffset = 2_208_988_800
	// EraLength: 2^32, масштаб дробной части.
	EraLength = 4_294_967_296
)

// Timestamp хранит 64-битное время NTP: старшие 32 бита секунды с 1900 года, младшие 32 бита доля секунды.
type Timestamp uint64

// Now возвращает текущее системное время в формате NTP.
func Now() Timestamp {
	return TimestampFromTime(time.Now())
}

// TimestampFromTime переводит time.Time в NTP: frac = ns * 2^32 / 1e9.
func TimestampFromTime(t time.Time) Timestamp {
	secs := uint64(t.Unix() + UnixEraOffset)
	frac := (uint64(t.Nanosecond()) << 32) / 1e9
	return Timestamp(secs<<32 | frac)
}

// TimestampFromUnix: целые секунды Unix без дробной части (RTC хранит только секунды).
func TimestampFromUnix(sec int64) Timestamp {
	return Timestamp(uint64(sec+UnixEraOffset) << 32)
}

// Zero: нулевое время (поле "не задано" в пакете).
func Zero() Timestamp {
	return 0
}

// RandomTimestamp: случайное значение для transmit timestamp исходящего запроса (nonce против подмены ответа).
func RandomTimestamp() Timestamp {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return Timestamp(mrand.Uint64())
	}
	return Timestamp(binary.BigEndian.Uint64(b[:]))
}

// ReadTimestamp читает 8 байт big-endian.
func ReadTimestamp(buf []byte) Timestamp {
	return Timestamp(binary.BigEndian.Uint64(buf))
}

// Put пишет значение в 8 байт big-endian.
func (t Timestamp) Put(buf []byte) {
	binary.BigEndian.PutUint64(buf, uint64(t))
}

// Seconds: целая часть (секунды с 1900).
func (t Timestamp) Seconds() uint32 {
	return uint32(t >> 32)
}

// Fraction: дробная часть.
func (t Timestamp) Fraction() uint32 {
	return uint32(t)
}

// Unix: секунды Unix (дробная часть отбрасывается).
func (t Timestamp) Unix() int64 {
	return int64(t.Seconds()) - UnixEraOffset
}

// Time переводит обратно в time.Time (UTC).
func (t Timestamp) Time() time.Time {
	nsec := (uint64(t.Fraction())*1e9 + EraLength/2) >> 32
	return time.Unix(t.Unix(), int64(nsec)).UTC()
}

// IsZero сообщает, что время не задано.
func (t Timestamp) IsZero() bool {
	return t == 0
}

// DiffToSec возвращает t - other в секундах. Вычитание по модулю 2^64 со знаковой
// интерпретацией, поэтому переход эры не даёт скачка.
func (t Timestamp) DiffToSec(other Timestamp) float64 {
	return float64(int64(uint64(t)-uint64(other))) / EraLength
}

func (t Timestamp) String() string {
	if t.IsZero() {
		return "0"
	}
	return t.Time().Format(time.RFC3339Nano)
}
