package reconcile

import (
	"context"
	"time"

	"github.com/shiwa/timecard-mini/tc-ntpd/internal/events"
	"github.com/shiwa/timecard-mini/tc-ntpd/internal/logger"
	"github.com/shiwa/timecard-mini/tc-ntpd/internal/ntp"
)

// StateUpdater: сервер, которому сообщается новое итоговое время.
type StateUpdater interface {
	UpdateState(ts ntp.Timestamp)
}

// RTCSink принимает время для записи в RTC; Submit не должен блокироваться.
type RTCSink interface {
	Submit(ts ntp.Timestamp)
}

// Option: настройка Reconciler.
type Option func(*Reconciler)

// WithRTC включает передачу итогового времени в RTC, пока enabled() == true.
func WithRTC(sink RTCSink, enabled func() bool) Option {
	return func(r *Reconciler) {
		r.rtc = sink
		r.rtcEnabled = enabled
	}
}

// WithClockStep включает скачок системных часов, когда расхождение с итоговым временем больше limit.
func WithClockStep(limit time.Duration, step func(time.Time) error) Option {
	return func(r *Reconciler) {
		r.stepLimit = limit
		r.step = step
	}
}

// WithClock подменяет источник системного времени (тесты).
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// Reconciler применяет события источников. Каждая подписка читается своей горутиной (Drain):
// порядок внутри одного источника сохраняется, между источниками: нет.
type Reconciler struct {
	monitor *Monitor
	server  StateUpdater
	log     *logger.Logger

	rtc        RTCSink
	rtcEnabled func() bool

	stepLimit time.Duration
	step      func(time.Time) error
	now       func() time.Time
}

// New связывает монитор и сервер; RTC и шаг часов подключаются опциями.
func New(monitor *Monitor, server StateUpdater, opts ...Option) *Reconciler {
	r := &Reconciler{
		monitor: monitor,
		server:  server,
		log:     logger.New("reconcile"),
		now:     time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Drain читает sub до её закрытия (nil) или отмены ctx (ctx.Err()); подписка закрывается в обоих случаях.
func (r *Reconciler) Drain(ctx context.Context, sub *events.Subscription) error {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.C():
			if !ok {
				return nil
			}
			r.Apply(ev)
		}
	}
}

// Apply обрабатывает одно событие.
func (r *Reconciler) Apply(ev events.Event) {
	switch ev.Kind {
	case events.KindRemoteTimestamp:
		r.accept(ev.Timestamp, func(m *MonitorState) { m.LastNTP = ev.Timestamp })
	case events.KindGPSTimestamp:
		r.accept(ev.Timestamp, func(m *MonitorState) { m.LastGPS = ev.Timestamp })
	case events.KindGPSSky:
		r.monitor.update(func(m *MonitorState) { m.Satellites = ev.Satellites })
	default:
		r.log.Debug("ignored %s", ev)
	}
}

func (r *Reconciler) accept(ts ntp.Timestamp, mark func(*MonitorState)) {
	r.monitor.update(func(m *MonitorState) {
		mark(m)
		m.Actual = ts
	})
	r.server.UpdateState(ts)
	if r.rtc != nil && (r.rtcEnabled == nil || r.rtcEnabled()) {
		r.rtc.Submit(ts)
	}
	r.maybeStep(ts)
}

func (r *Reconciler) maybeStep(ts ntp.Timestamp) {
	if r.step == nil || r.stepLimit <= 0 {
		return
	}
	target := ts.Time()
	offset := target.Sub(r.now())
	if offset.Abs() <= r.stepLimit {
		return
	}
	if err := r.step(target); err != nil {
		r.log.Error("step clock by %v: %v", offset, err)
		return
	}
	r.log.Info("system clock stepped by %v", offset)
}
