//go:build !linux

package clockadj

import "time"

// Step: на не-Linux часы не трогаем.
func Step(t time.Time) error {
	_ = t
	return nil
}

// GranularityNs: на не-Linux измерение через time.Now.
func GranularityNs() int64 {
	var minDt int64 = 1e9
	for i := 0; i < 20; i++ {
		t1 := time.Now()
		t2 := time.Now()
		if dt := t2.Sub(t1).Nanoseconds(); dt > 0 && dt < minDt {
			minDt = dt
		}
	}
	if minDt == 1e9 {
		return 0
	}
	return minDt
}
