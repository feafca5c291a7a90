// Package source содержит источники времени, публикующие события в шину: NTP клиент,
// GPS через gpsd и GPS NMEA с последовательного порта.
package source

import (
	"context"
	"sync/atomic"

	"github.com/shiwa/timecard-mini/tc-ntpd/internal/events"
)

// Source: источник времени.
type Source interface {
	// Name возвращает имя источника для логов
	Name() string
	// Protocol возвращает протокол: ntp, gpsd, nmea
	Protocol() string
	// Status: состояние для диагностики
	Status() Status
	// Subscribe регистрирует нового потребителя событий источника
	Subscribe() *events.Subscription
	// Run работает до отмены ctx или неустранимой ошибки
	Run(ctx context.Context) error
}

// Status: состояние источника.
type Status int32

const (
	StatusUnavailable Status = iota
	StatusUnlocked           // на связи, но времени нет (GNSS без fix, нет ответов)
	StatusLocked             // источник выдаёт время
)

func (s Status) String() string {
	switch s {
	case StatusUnavailable:
		return "unavailable"
	case StatusUnlocked:
		return "unlocked"
	case StatusLocked:
		return "locked"
	default:
		return "unknown"
	}
}

// IsUsable возвращает true, если источник выдаёт время
func (s Status) IsUsable() bool {
	return s == StatusLocked
}

// MarshalText: статус в JSON строкой.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type statusCell struct{ v atomic.Int32 }

func (c *statusCell) Load() Status   { return Status(c.v.Load()) }
func (c *statusCell) Store(s Status) { c.v.Store(int32(s)) }
