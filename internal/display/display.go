// Package display реализует клиент сервиса OLED-дисплея и периодическая отправка кадров.
package display

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/shiwa/timecard-mini/tc-ntpd/internal/logger"
	"github.com/shiwa/timecard-mini/tc-ntpd/internal/ntp"
	"github.com/shiwa/timecard-mini/tc-ntpd/internal/reconcile"
)

// ErrRejected: дисплей ответил {"status":"error"}.
var ErrRejected = errors.New("display: frame rejected")

// Frame: три строки экрана.
type Frame struct {
	GPS  string `json:"gps"`
	NTP  string `json:"ntp"`
	Time string `json:"time"`
}

// FrameFromTimestamps строит кадр: давность GPS и NTP относительно actual и само actual в UTC.
func FrameFromTimestamps(lastGPS, lastNTP, actual ntp.Timestamp) Frame {
	return Frame{
		GPS:  fmt.Sprintf(" %d sec ago", actual.Unix()-lastGPS.Unix()),
		NTP:  fmt.Sprintf(" %d sec ago", actual.Unix()-lastNTP.Unix()),
		Time: " " + actual.Time().UTC().Format("2006-01-02 15:04:05 UTC"),
	}
}

// FrameFromMonitor: кадр по снимку MonitorState.
func FrameFromMonitor(m reconcile.MonitorState) Frame {
	return FrameFromTimestamps(m.LastGPS, m.LastNTP, m.Actual)
}

type reply struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Client: клиент дисплея, соединение на кадр.
type Client struct {
	Addr    string
	Timeout time.Duration
}

// NewClient: клиент сервиса дисплея по адресу host:port.
func NewClient(addr string) *Client {
	return &Client{Addr: addr, Timeout: 2 * time.Second}
}

// Show отправляет кадр и ждёт подтверждения.
func (c *Client) Show(ctx context.Context, f Frame) error {
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.Addr)
	if err != nil {
		return fmt.Errorf("display: %w", err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	if err := json.NewEncoder(conn).Encode(f); err != nil {
		return fmt.Errorf("display: %w", err)
	}
	var r reply
	if err := json.NewDecoder(conn).Decode(&r); err != nil {
		return fmt.Errorf("display reply: %w", err)
	}
	if r.Status != "success" {
		return fmt.Errorf("%w: %s", ErrRejected, r.Message)
	}
	return nil
}

// Shower: получатель кадров.
type Shower interface {
	Show(ctx context.Context, f Frame) error
}

// Pusher раз в Interval строит кадр через Frame и отправляет его, пока Enabled.
type Pusher struct {
	Display  Shower
	Frame    func() Frame
	Enabled  func() bool
	Interval func() time.Duration
}

// Run: цикл до отмены ctx. Ошибки дисплея только логируются.
func (p *Pusher) Run(ctx context.Context) error {
	log := logger.New("display")
	for {
		interval := 5 * time.Second
		if p.Interval != nil {
			interval = p.Interval()
		}
		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		if p.Enabled != nil && !p.Enabled() {
			continue
		}
		if err := p.Display.Show(ctx, p.Frame()); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn("%v", err)
		}
	}
}
