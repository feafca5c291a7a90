//go:build linux

package clockadj

import (
	"time"

	"golang.org/x/sys/unix"
)

// Step устанавливает системное время скачком (clock_settime). Требует CAP_SYS_TIME или root.
func Step(t time.Time) error {
	ts := unix.NsecToTimespec(t.UnixNano())
	return unix.ClockSettime(unix.CLOCK_REALTIME, &ts)
}

// GranularityNs измеряет разрешение clock_gettime: минимальный ненулевой интервал
// между соседними чтениями CLOCK_REALTIME, в наносекундах. 0: измерить не удалось.
func GranularityNs() int64 {
	const rounds = 20
	var minDt int64 = 1e9
	for i := 0; i < rounds; i++ {
		var t1, t2 unix.Timespec
		if unix.ClockGettime(unix.CLOCK_REALTIME, &t1) != nil || unix.ClockGettime(unix.CLOCK_REALTIME, &t2) != nil {
			return 0
		}
		dt := (t2.Sec-t1.Sec)*1e9 + int64(t2.Nsec-t1.Nsec)
		if dt > 0 && dt < minDt {
			minDt = dt
		}
	}
	if minDt == 1e9 {
		return 0
	}
	return minDt
}
