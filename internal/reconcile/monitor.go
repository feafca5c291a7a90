// Package reconcile сводит события источников в итоговое время: MonitorState,
// состояние NTP сервера и запись в RTC.
package reconcile

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/shiwa/timecard-mini/tc-ntpd/internal/ntp"
)

// MonitorState: последние метки времени от каждого вида источника и итоговое время.
type MonitorState struct {
	LastNTP    ntp.Timestamp `json:"last_ntp"`
	LastGPS    ntp.Timestamp `json:"last_gps"`
	Actual     ntp.Timestamp `json:"actual"`
	Satellites uint16        `json:"satellites"`
}

// MarshalJSON добавляет к сырым меткам времени их RFC3339 представление (пустое для нулевых).
func (m MonitorState) MarshalJSON() ([]byte, error) {
	type raw MonitorState
	return json.Marshal(struct {
		raw
		ActualTime  string `json:"actual_time"`
		LastNTPTime string `json:"last_ntp_time"`
		LastGPSTime string `json:"last_gps_time"`
	}{
		raw:         raw(m),
		ActualTime:  rfc3339(m.Actual),
		LastNTPTime: rfc3339(m.LastNTP),
		LastGPSTime: rfc3339(m.LastGPS),
	})
}

func rfc3339(ts ntp.Timestamp) string {
	if ts.IsZero() {
		return ""
	}
	return ts.Time().UTC().Format(time.RFC3339Nano)
}

// Monitor: MonitorState под мьютексом. Создаётся с нулевыми метками.
type Monitor struct {
	mu    sync.Mutex
	state MonitorState
}

// NewMonitor: монитор с нулевым состоянием.
func NewMonitor() *Monitor {
	return &Monitor{}
}

// Snapshot: копия текущего состояния.
func (m *Monitor) Snapshot() MonitorState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Monitor) update(fn func(*MonitorState)) MonitorState {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(&m.state)
	return m.state
}
