package source

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/shiwa/timecard-mini/tc-ntpd/internal/events"
	"github.com/shiwa/timecard-mini/tc-ntpd/internal/logger"
)

// gpsdWatch включает поток JSON отчётов с метками времени.
const gpsdWatch = `?WATCH={"enable":true,"json":true,"nmea":false,"raw":0,"scaled":true,"timing":true}`

const (
	gpsdDialTimeout = 5 * time.Second
	// gpsdMaxReport: SKY с десятками спутников бывает длиннее стандартного буфера bufio.Scanner.
	gpsdMaxReport = 1 << 20
	// fixTimeout: сколько после последнего TPV источник считается locked.
	fixTimeout = 10 * time.Second
)

// GPSD: источник времени gpsd (TCP, JSON отчёты TPV/SKY).
type GPSD struct {
	addr    string
	backoff Backoff
	bus     *events.Bus
	log     *logger.Logger

	connected atomic.Bool
	lastFix   atomic.Int64 // unix нс последнего TPV
}

// NewGPSD создаёт источник для gpsd по адресу host:port.
func NewGPSD(addr string, backoff Backoff) *GPSD {
	return &GPSD{
		addr:    addr,
		backoff: backoff,
		bus:     events.NewBus(events.WithName("gps")),
		log:     logger.New("gpsd"),
	}
}

// Name возвращает имя источника
func (g *GPSD) Name() string { return fmt.Sprintf("gpsd:%s", g.addr) }

// Protocol возвращает протокол
func (g *GPSD) Protocol() string { return "gpsd" }

// Subscribe: подписка на события gpsd.
func (g *GPSD) Subscribe() *events.Subscription { return g.bus.Subscribe() }

// Status: состояние подключения и фикса.
func (g *GPSD) Status() Status {
	if !g.connected.Load() {
		return StatusUnavailable
	}
	if last := g.lastFix.Load(); last != 0 && time.Since(time.Unix(0, last)) < fixTimeout {
		return StatusLocked
	}
	return StatusUnlocked
}

// Run подключается к gpsd и читает отчёты. Обрыв и неудачное подключение повторяются
// с экспоненциальной паузой; после MaxRetries неудач подряд возвращается ErrRetriesExhausted.
func (g *GPSD) Run(ctx context.Context) error {
	defer g.bus.Close()
	for {
		err := g.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		wait, ok := g.backoff.Failure()
		if !ok {
			g.log.Error("%s: %v, giving up after %d attempts", g.addr, err, g.backoff.Failures())
			return fmt.Errorf("gpsd %s: %w: %v", g.addr, ErrRetriesExhausted, err)
		}
		g.log.Warn("%s: %v, reconnect in %v", g.addr, err, wait)
		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// session обслуживает одно подключение: WATCH и чтение отчётов до обрыва.
func (g *GPSD) session(ctx context.Context) error {
	d := net.Dialer{Timeout: gpsdDialTimeout}
	conn, err := d.DialContext(ctx, "tcp", g.addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if _, err := conn.Write([]byte(gpsdWatch + "\n")); err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	g.connected.Store(true)
	defer g.connected.Store(false)
	g.backoff.Reset()
	g.log.Info("connected to %s", g.addr)

	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 64*1024), gpsdMaxReport)
	for sc.Scan() {
		g.handleReport(sc.Bytes())
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read: %w", err)
	}
	return errors.New("connection closed by gpsd")
}
