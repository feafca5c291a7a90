package config

import (
	"sync"
	"time"
)

// Live: текущие настройки, изменяемые во время работы (API, правка файла).
// Хранит сохраняемый документ и действующие настройки (документ + переопределения).
// Читатели всегда получают копии.
type Live struct {
	mu       sync.RWMutex
	doc      *Settings
	s        *Settings
	ov       Overrides
	watchers []func(*Settings)
}

// NewLive оборачивает документ doc (копируется) с переопределениями ov.
func NewLive(doc *Settings, ov Overrides) *Live {
	d := doc.Clone()
	return &Live{doc: d, s: ov.Apply(d), ov: ov}
}

// Settings: копия действующих настроек.
func (l *Live) Settings() *Settings {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.s.Clone()
}

// Document: копия документа без переопределений, в том виде, в каком он хранится.
func (l *Live) Document() *Settings {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.doc.Clone()
}

// ServerList: текущий список вышестоящих NTP серверов.
func (l *Live) ServerList() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]string(nil), l.s.NTP.ServerList...)
}

// Cycle: период опроса NTP.
func (l *Live) Cycle() time.Duration {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return Millis(l.s.NTP.Cycle, 5*time.Second)
}

// NTPEnabled: опрашивать ли вышестоящие серверы.
func (l *Live) NTPEnabled() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.s.NTP.Enable
}

// RTCEnabled: писать ли итоговое время в RTC.
func (l *Live) RTCEnabled() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.s.RTC.Enable
}

// DisplayEnabled: отправлять ли кадры на дисплей.
func (l *Live) DisplayEnabled() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.s.Display.Enable
}

// Prepare готовит правку документа к сохранению: значения, равные действующим
// переопределениям, берутся из текущего документа. Проверяются и документ, и итог.
func (l *Live) Prepare(doc *Settings) (*Settings, error) {
	next := doc.Clone()
	l.mu.RLock()
	l.ov.restore(next, l.doc)
	l.mu.RUnlock()
	if _, err := l.check(next); err != nil {
		return nil, err
	}
	return next, nil
}

// Replace заменяет документ после проверки; переопределения применяются заново.
func (l *Live) Replace(doc *Settings) error {
	next := doc.Clone()
	eff, err := l.check(next)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.doc = next
	l.s = eff
	l.mu.Unlock()
	l.notify(eff)
	return nil
}

// check дополняет doc умолчаниями и возвращает действующие настройки.
func (l *Live) check(doc *Settings) (*Settings, error) {
	applyDefaults(doc)
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	eff := l.ov.Apply(doc)
	if err := eff.Validate(); err != nil {
		return nil, err
	}
	return eff, nil
}

// OnChange регистрирует fn, вызываемую с копией действующих настроек после каждого изменения.
func (l *Live) OnChange(fn func(*Settings)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.watchers = append(l.watchers, fn)
}

func (l *Live) notify(s *Settings) {
	l.mu.RLock()
	watchers := append([]func(*Settings){}, l.watchers...)
	l.mu.RUnlock()
	for _, fn := range watchers {
		fn(s.Clone())
	}
}
