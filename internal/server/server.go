// Package server реализует NTP сервер: по сокету UDP на каждый адрес, ответы из
// периодически обновляемой копии ServerState.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"golang.org/x/time/rate"

	"github.com/shiwa/timecard-mini/tc-ntpd/internal/logger"
	"github.com/shiwa/timecard-mini/tc-ntpd/internal/ntp"
)

// Config: параметры прослушивания.
type Config struct {
	Addresses         []string // IP для bind, например "0.0.0.0"
	Port              int      // 0: эфемерный (тесты)
	WorkersPerAddress int      // >1: дополнительные сокеты с SO_REUSEPORT (linux)
	RateLimit         float64  // ответов в секунду на весь сервер, 0: без ограничения
	RateBurst         int
}

// Stats: счётчики сервера.
type Stats struct {
	Received  uint64 `json:"received"`
	Responded uint64 `json:"responded"`
	Malformed uint64 `json:"malformed"`
	Ignored   uint64 `json:"ignored"`
	Limited   uint64 `json:"limited"`
}

// Server: NTP сервер.
type Server struct {
	mu    sync.Mutex
	state ntp.ServerState

	conns   []*net.UDPConn
	limiter *rate.Limiter
	log     *logger.Logger

	received, responded, malformed, ignored, limited atomic.Uint64
	closeOnce                                        sync.Once
	closeErr                                         error
}

// Listen открывает сокеты. Ошибка bind возвращается, уже открытые сокеты закрываются.
func Listen(ctx context.Context, cfg Config, initial ntp.ServerState) (*Server, error) {
	s := &Server{state: initial, log: logger.New("ntp-server")}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	workers := cfg.WorkersPerAddress
	if workers < 1 {
		workers = 1
	}
	if workers > 1 && !reusePortSupported {
		s.log.Warn("SO_REUSEPORT unsupported on this platform, one socket per address")
		workers = 1
	}
	for _, addr := range cfg.Addresses {
		first, err := listenUDP(ctx, net.JoinHostPort(addr, strconv.Itoa(cfg.Port)), workers > 1)
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("ntp server bind %s: %w", addr, err)
		}
		s.conns = append(s.conns, first)
		bound := first.LocalAddr().(*net.UDPAddr).AddrPort()
		for i := 1; i < workers; i++ {
			c, err := listenUDP(ctx, net.JoinHostPort(addr, strconv.Itoa(int(bound.Port()))), true)
			if err != nil {
				_ = s.Close()
				return nil, fmt.Errorf("ntp server bind %s (worker %d): %w", addr, i, err)
			}
			s.conns = append(s.conns, c)
		}
		s.log.Info("listening on %s (%d sockets)", bound, workers)
	}
	return s, nil
}

// Serve запускает по обработчику на сокет и ждёт их завершения (отмена ctx или Close).
func (s *Server) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()
	var wg sync.WaitGroup
	for _, c := range s.conns {
		wg.Add(1)
		go func(c *net.UDPConn) {
			defer wg.Done()
			newWorker(s, c).run(ctx)
		}(c)
	}
	wg.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}

// UpdateState принимает новое итоговое время: RefTs = ts, Dispersion увеличивается на единицу.
func (s *Server) UpdateState(ts ntp.Timestamp) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.RefTs = ts
	s.state.Dispersion.Increment()
}

// SetIdentity меняет объявляемые leap, stratum, precision и ref id; RefTs и Dispersion не трогаются.
func (s *Server) SetIdentity(leap, stratum uint8, precision int8, refID uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Leap = leap
	s.state.Stratum = stratum
	s.state.Precision = precision
	s.state.RefID = refID
}

// State: копия текущего состояния.
func (s *Server) State() ntp.ServerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Addrs: адреса открытых сокетов.
func (s *Server) Addrs() []netip.AddrPort {
	out := make([]netip.AddrPort, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c.LocalAddr().(*net.UDPAddr).AddrPort())
	}
	return out
}

// Port: фактический порт первого сокета (0, если сокетов нет).
func (s *Server) Port() int {
	if len(s.conns) == 0 {
		return 0
	}
	return int(s.Addrs()[0].Port())
}

// Stats: снимок счётчиков.
func (s *Server) Stats() Stats {
	return Stats{
		Received:  s.received.Load(),
		Responded: s.responded.Load(),
		Malformed: s.malformed.Load(),
		Ignored:   s.ignored.Load(),
		Limited:   s.limited.Load(),
	}
}

// Close закрывает все сокеты. Повторный вызов возвращает тот же результат.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		for _, c := range s.conns {
			if err := c.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				s.closeErr = multierr.Append(s.closeErr, err)
			}
		}
	})
	return s.closeErr
}

func (s *Server) allow() bool {
	return s.limiter == nil || s.limiter.Allow()
}
