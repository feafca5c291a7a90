package ntp

import "encoding/binary"

// FracValue: 32-битное значение с фиксированной точкой (root delay / root dispersion, формат NTP short 16.16).
type FracValue uint32

// ReadFrac читает 4 байта big-endian.
func ReadFrac(buf []byte) FracValue {
	return FracValue(binary.BigEndian.Uint32(buf))
}

// Put пишет значение в 4 байта big-endian.
func (f FracValue) Put(buf []byte) {
	binary.BigEndian.PutUint32(buf, uint32(f))
}

// Increment увеличивает значение на единицу младшего разряда (с переполнением по модулю 2^32).
// Сервер так отмечает, что состояние изменилось с прошлой публикации.
func (f *FracValue) Increment() {
	*f++
}

// Seconds: значение в секундах.
func (f FracValue) Seconds() float64 {
	return float64(f) / 65536
}
