// Package clockadj выполняет операции над системными часами: скачок и оценка точности.
package clockadj

import "math"

// Precision переводит гранулярность часов в поле precision NTP: наименьшее p,
// при котором 2^p секунд не меньше granularityNs. Для 0 возвращается fallback.
func Precision(granularityNs int64, fallback int8) int8 {
	if granularityNs <= 0 {
		return fallback
	}
	p := math.Ceil(math.Log2(float64(granularityNs) / 1e9))
	if p > 0 {
		return 0
	}
	return int8(p)
}
