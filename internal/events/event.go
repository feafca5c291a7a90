// Package events реализует публикацию/подписку событий источников времени (NTP-клиент, GPS)
// для Reconciler и других потребителей.
package events

import (
	"fmt"

	"github.com/shiwa/timecard-mini/tc-ntpd/internal/ntp"
)

// Kind: вариант события.
type Kind uint8

const (
	// KindPackets: сырые байты (отладочный поток).
	KindPackets Kind = iota
	// KindGPSTimestamp: новое время от GPS.
	KindGPSTimestamp
	// KindRemoteTimestamp: новое время от вышестоящего NTP сервера.
	KindRemoteTimestamp
	// KindGPSSky: число спутников в последнем SKY отчёте.
	KindGPSSky
)

func (k Kind) String() string {
	switch k {
	case KindPackets:
		return "packets"
	case KindGPSTimestamp:
		return "gps-timestamp"
	case KindRemoteTimestamp:
		return "remote-timestamp"
	case KindGPSSky:
		return "gps-sky"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// SourceKind: кто опубликовал событие.
type SourceKind uint8

const (
	SourceNTP SourceKind = iota
	SourceGPS
)

func (s SourceKind) String() string {
	switch s {
	case SourceNTP:
		return "ntp"
	case SourceGPS:
		return "gps"
	default:
		return fmt.Sprintf("source(%d)", uint8(s))
	}
}

// Event: событие источника. Значимые поля зависят от Kind.
type Event struct {
	Kind       Kind
	Source     SourceKind
	Payload    []byte        // KindPackets
	Timestamp  ntp.Timestamp // KindGPSTimestamp, KindRemoteTimestamp
	Satellites uint16        // KindGPSSky
}

// NewPackets: сырые данные источника src.
func NewPackets(src SourceKind, payload []byte) Event {
	return Event{Kind: KindPackets, Source: src, Payload: payload}
}

// NewGPSTimestamp: время от GPS.
func NewGPSTimestamp(ts ntp.Timestamp) Event {
	return Event{Kind: KindGPSTimestamp, Source: SourceGPS, Timestamp: ts}
}

// NewRemoteTimestamp: время от вышестоящего NTP сервера.
func NewRemoteTimestamp(ts ntp.Timestamp) Event {
	return Event{Kind: KindRemoteTimestamp, Source: SourceNTP, Timestamp: ts}
}

// NewGpsSky: число видимых спутников.
func NewGpsSky(satellites uint16) Event {
	return Event{Kind: KindGPSSky, Source: SourceGPS, Satellites: satellites}
}

// Clone: копия события с собственным Payload; подписчики не делят буферы.
func (e Event) Clone() Event {
	if e.Payload != nil {
		e.Payload = append([]byte(nil), e.Payload...)
	}
	return e
}

func (e Event) String() string {
	switch e.Kind {
	case KindPackets:
		return fmt.Sprintf("%s/%s %d bytes", e.Source, e.Kind, len(e.Payload))
	case KindGPSSky:
		return fmt.Sprintf("%s/%s %d", e.Source, e.Kind, e.Satellites)
	default:
		return fmt.Sprintf("%s/%s %s", e.Source, e.Kind, e.Timestamp)
	}
}
