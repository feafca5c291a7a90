package source

import (
	"context"
	"errors"
	"time"
)

// ErrRetriesExhausted: источник исчерпал попытки подключения.
var ErrRetriesExhausted = errors.New("source: reconnect attempts exhausted")

// Backoff считает экспоненциальную паузу между попытками подключения: Min, 2*Min, ... до Max.
// MaxRetries ограничивает число неудачных попыток подряд (0: без ограничения).
type Backoff struct {
	Min        time.Duration
	Max        time.Duration
	MaxRetries int

	failures int
	next     time.Duration
}

// Failure отмечает неудачную попытку и возвращает паузу перед следующей;
// ok == false, когда попытки исчерпаны.
func (b *Backoff) Failure() (wait time.Duration, ok bool) {
	b.failures++
	if b.MaxRetries > 0 && b.failures >= b.MaxRetries {
		return 0, false
	}
	if b.next == 0 {
		b.next = b.Min
		if b.next <= 0 {
			b.next = time.Second
		}
	}
	wait = b.next
	b.next *= 2
	if b.Max > 0 && b.next > b.Max {
		b.next = b.Max
	}
	if b.Max > 0 && wait > b.Max {
		wait = b.Max
	}
	return wait, true
}

// Reset вызывается после успешного подключения: счётчик и пауза сбрасываются.
func (b *Backoff) Reset() {
	b.failures = 0
	b.next = 0
}

// Failures: неудачных попыток подряд.
func (b *Backoff) Failures() int { return b.failures }

// sleep ждёт d или отмены ctx.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
