package events

import (
	"sync"

	"github.com/shiwa/timecard-mini/tc-ntpd/internal/logger"
)

// Bus: рассылка событий подписчикам. У каждой подписки своя FIFO очередь и
// горутина-насос, поэтому Publish не ждёт медленного потребителя.
type Bus struct {
	name     string
	capacity int
	log      *logger.Logger

	mu     sync.Mutex
	subs   []*Subscription
	nextID int
	closed bool
}

// Option настраивает Bus.
type Option func(*Bus)

// WithCapacity ограничивает очередь каждой подписки n событиями; при переполнении
// отбрасывается самое старое. n <= 0: без ограничения.
func WithCapacity(n int) Option {
	return func(b *Bus) { b.capacity = n }
}

// WithName задаёт имя шины для логов (например "gps").
func WithName(name string) Option {
	return func(b *Bus) { b.name = name }
}

// NewBus создаёт шину. По умолчанию очереди не ограничены.
func NewBus(opts ...Option) *Bus {
	b := &Bus{name: "events"}
	for _, o := range opts {
		o(b)
	}
	b.log = logger.New("bus." + b.name)
	return b
}

// Subscribe регистрирует нового подписчика. После Close шины возвращается уже закрытая подписка.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	s := newSubscription(b.nextID, b.capacity, b.log)
	if b.closed {
		s.Close()
		return s
	}
	b.subs = append(b.subs, s)
	return s
}

// Publish отправляет копию ev каждому живому подписчику и возвращает их число.
// Закрытые подписки удаляются с записью в лог; ошибок Publish не возвращает.
func (b *Bus) Publish(ev Event) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	delivered := 0
	live := b.subs[:0]
	for _, s := range b.subs {
		if !s.push(ev.Clone()) {
			b.log.Warn("subscriber %d closed, dropping it (%s)", s.id, ev.Kind)
			continue
		}
		live = append(live, s)
		delivered++
	}
	for i := len(live); i < len(b.subs); i++ {
		b.subs[i] = nil
	}
	b.subs = live
	return delivered
}

// Len: число зарегистрированных подписчиков.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close завершает шину: уже поставленные в очередь события доставляются, затем каналы
// подписок закрываются. Последующие Publish никому не доставляют.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.closed = true
	b.mu.Unlock()
	for _, s := range subs {
		s.end()
	}
}

// Subscription: принимающая сторона одной подписки.
type Subscription struct {
	id       int
	capacity int
	log      *logger.Logger

	mu      sync.Mutex
	queue   []Event
	closed  bool // отписался потребитель
	ended   bool // закрыта шина
	dropped uint64

	wake chan struct{}
	done chan struct{}
	out  chan Event
}

func newSubscription(id, capacity int, log *logger.Logger) *Subscription {
	s := &Subscription{
		id:       id,
		capacity: capacity,
		log:      log,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		out:      make(chan Event),
	}
	go s.pump()
	return s
}

// C: канал событий в порядке публикации. Закрывается после Close.
func (s *Subscription) C() <-chan Event {
	return s.out
}

// Close отписывает потребителя. Недоставленные события отбрасываются. Повторный вызов безопасен.
func (s *Subscription) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.queue = nil
	close(s.done)
}

// Dropped: сколько событий выброшено из-за переполнения очереди.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// end: больше событий не будет; насос закроет канал, отдав очередь.
func (s *Subscription) end() {
	s.mu.Lock()
	s.ended = true
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) push(ev Event) bool {
	s.mu.Lock()
	if s.closed || s.ended {
		s.mu.Unlock()
		return false
	}
	if s.capacity > 0 && len(s.queue) >= s.capacity {
		old := s.queue[0]
		s.queue = s.queue[1:]
		s.dropped++
		s.log.Warn("subscriber %d queue full (%d), dropped %s", s.id, s.capacity, old)
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	s.signal()
	return true
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		if len(s.queue) == 0 {
			ended := s.ended
			s.mu.Unlock()
			if ended {
				return
			}
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		ev := s.queue[0]
		s.queue[0] = Event{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case <-s.done:
			return
		}
	}
}
