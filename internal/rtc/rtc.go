// Package rtc реализует клиент сервиса аппаратных часов (TCP, JSON запрос/ответ, соединение на запрос).
package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/shiwa/timecard-mini/tc-ntpd/internal/logger"
	"github.com/shiwa/timecard-mini/tc-ntpd/internal/ntp"
)

var (
	// ErrRejected: сервис ответил {"status":"error"}.
	ErrRejected = errors.New("rtc: request rejected")
	// ErrNoTime: в ответе на get нет метки времени (RTC не прочитан).
	ErrNoTime = errors.New("rtc: no timestamp in reply")
)

const defaultTimeout = 2 * time.Second

type request struct {
	Cmd string `json:"cmd"`
	TS  int64  `json:"ts"`
}

type reply struct {
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	Timestamp *int64 `json:"timestamp,omitempty"`
}

// Client: клиент сервиса RTC.
type Client struct {
	Addr    string
	Timeout time.Duration
}

// NewClient: клиент сервиса RTC по адресу host:port, таймаут запроса 2 с.
func NewClient(addr string) *Client {
	return &Client{Addr: addr, Timeout: defaultTimeout}
}

// Set записывает время в RTC (секунды Unix).
func (c *Client) Set(ctx context.Context, ts ntp.Timestamp) error {
	_, err := c.do(ctx, request{Cmd: "set", TS: ts.Unix()})
	return err
}

// Get читает время RTC.
func (c *Client) Get(ctx context.Context) (ntp.Timestamp, error) {
	r, err := c.do(ctx, request{Cmd: "get"})
	if err != nil {
		return 0, err
	}
	if r.Timestamp == nil {
		return 0, ErrNoTime
	}
	return ntp.TimestampFromUnix(*r.Timestamp), nil
}

func (c *Client) do(ctx context.Context, req request) (*reply, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.Addr)
	if err != nil {
		return nil, fmt.Errorf("rtc %s: %w", req.Cmd, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return nil, fmt.Errorf("rtc %s: %w", req.Cmd, err)
	}
	var r reply
	if err := json.NewDecoder(conn).Decode(&r); err != nil {
		return nil, fmt.Errorf("rtc %s reply: %w", req.Cmd, err)
	}
	if r.Status != "success" {
		return nil, fmt.Errorf("%w: %s", ErrRejected, r.Message)
	}
	return &r, nil
}

// Setter: то, во что Persister пишет время.
type Setter interface {
	Set(ctx context.Context, ts ntp.Timestamp) error
}

// Persister передаёт время в RTC в фоне. Submit не блокируется:
// если предыдущая запись ещё идёт, ожидающее значение заменяется более свежим.
type Persister struct {
	rtc  Setter
	log  *logger.Logger
	wake chan struct{}

	mu      sync.Mutex
	pending ntp.Timestamp
	has     bool
	written ntp.Timestamp
}

// NewPersister создаёт очередь записи в rtc; запись идёт в Run.
func NewPersister(rtc Setter) *Persister {
	return &Persister{rtc: rtc, log: logger.New("rtc"), wake: make(chan struct{}, 1)}
}

// Submit ставит ts на запись.
func (p *Persister) Submit(ts ntp.Timestamp) {
	p.mu.Lock()
	p.pending, p.has = ts, true
	p.mu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Last: последнее успешно записанное значение.
func (p *Persister) Last() ntp.Timestamp {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written
}

// Run пишет ожидающие значения до отмены ctx.
func (p *Persister) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.wake:
		}
		p.mu.Lock()
		ts, ok := p.pending, p.has
		p.has = false
		p.mu.Unlock()
		if !ok {
			continue
		}
		if err := p.rtc.Set(ctx, ts); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.log.Error("set %s: %v", ts, err)
			continue
		}
		p.mu.Lock()
		p.written = ts
		p.mu.Unlock()
		p.log.Debug("rtc set to %s", ts)
	}
}
