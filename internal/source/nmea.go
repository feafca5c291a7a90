package source

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/tarm/serial"

	"github.com/shiwa/timecard-mini/tc-ntpd/internal/events"
	"github.com/shiwa/timecard-mini/tc-ntpd/internal/logger"
	"github.com/shiwa/timecard-mini/tc-ntpd/internal/ntp"
)

// NMEA read timeout
const nmeaReadTimeout = 2 * time.Second

// NMEA читает GPS приёмник, выдающий NMEA на последовательный порт: RMC даёт время,
// GGA: число спутников в решении. Опционально применяет offset (нс).
type NMEA struct {
	device  string
	baud    int
	offset  int64 // статическое смещение в наносекундах
	backoff Backoff
	bus     *events.Bus
	log     *logger.Logger
	open    func() (io.ReadCloser, error)

	connected atomic.Bool
	lastFix   atomic.Int64
}

// NewNMEA создаёт источник NMEA по последовательному порту.
func NewNMEA(device string, baud int, offsetNs int64, backoff Backoff) *NMEA {
	if baud == 0 {
		baud = 9600
	}
	n := &NMEA{
		device:  device,
		baud:    baud,
		offset:  offsetNs,
		backoff: backoff,
		bus:     events.NewBus(events.WithName("gps")),
		log:     logger.New("nmea"),
	}
	n.open = func() (io.ReadCloser, error) {
		return serial.OpenPort(&serial.Config{Name: device, Baud: baud, ReadTimeout: nmeaReadTimeout})
	}
	return n
}

// Name возвращает имя источника
func (n *NMEA) Name() string {
	return fmt.Sprintf("nmea:%s", n.device)
}

// Protocol возвращает протокол
func (n *NMEA) Protocol() string {
	return "nmea"
}

// Subscribe: подписка на события приёмника.
func (n *NMEA) Subscribe() *events.Subscription { return n.bus.Subscribe() }

// Status: состояние приёмника.
func (n *NMEA) Status() Status {
	if !n.connected.Load() {
		return StatusUnavailable
	}
	if last := n.lastFix.Load(); last != 0 && time.Since(time.Unix(0, last)) < fixTimeout {
		return StatusLocked
	}
	return StatusUnlocked
}

// Run открывает порт и читает предложения; ошибки открытия и чтения повторяются с паузой.
func (n *NMEA) Run(ctx context.Context) error {
	defer n.bus.Close()
	for {
		err := n.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		wait, ok := n.backoff.Failure()
		if !ok {
			n.log.Error("%s: %v, giving up after %d attempts", n.device, err, n.backoff.Failures())
			return fmt.Errorf("nmea %s: %w: %v", n.device, ErrRetriesExhausted, err)
		}
		n.log.Warn("%s: %v, reopen in %v", n.device, err, wait)
		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (n *NMEA) session(ctx context.Context) error {
	port, err := n.open()
	if err != nil {
		return fmt.Errorf("nmea open %s: %w", n.device, err)
	}
	defer port.Close()
	stop := context.AfterFunc(ctx, func() { _ = port.Close() })
	defer stop()

	n.connected.Store(true)
	defer n.connected.Store(false)
	n.backoff.Reset()
	n.log.Info("reading %s at %d baud", n.device, n.baud)
	return n.read(ctx, port)
}

// read разбирает поток предложений до ошибки. Таймаут чтения порта (0 байт, io.EOF) не ошибка.
func (n *NMEA) read(ctx context.Context, r io.Reader) error {
	rd := bufio.NewReader(r)
	for {
		line, err := rd.ReadString('\n')
		if line != "" {
			n.handleSentence(line)
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrNoProgress) {
				continue
			}
			return err
		}
	}
}

func (n *NMEA) handleSentence(line string) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "$GP") && !strings.HasPrefix(line, "$GN") {
		return
	}
	if !validChecksum(line) {
		n.log.Debug("bad checksum: %q", line)
		return
	}
	switch {
	case strings.HasPrefix(line[3:], "RMC"):
		t, ok := parseRMC(line)
		if !ok {
			return
		}
		if n.offset != 0 {
			t = t.Add(time.Duration(n.offset))
		}
		n.lastFix.Store(time.Now().UnixNano())
		n.bus.Publish(events.NewGPSTimestamp(ntp.TimestampFromTime(t)))
	case strings.HasPrefix(line[3:], "GGA"):
		sats, ok := parseGGA(line)
		if !ok {
			return
		}
		n.bus.Publish(events.NewGpsSky(sats))
	}
}

// validChecksum проверяет *hh (XOR байтов между $ и *). Предложение без checksum принимается.
func validChecksum(line string) bool {
	i := strings.LastIndex(line, "*")
	if i < 0 {
		return true
	}
	want, err := strconv.ParseUint(line[i+1:], 16, 8)
	if err != nil {
		return false
	}
	var sum byte
	for j := 1; j < i; j++ {
		sum ^= line[j]
	}
	return sum == byte(want)
}

// parseRMC парсит $GPRMC или $GNRMC: поле 1 = hhmmss.ss, поле 2 = A/V, поле 9 = ddmmyy.
func parseRMC(line string) (time.Time, bool) {
	// Убрать checksum *xx
	if i := strings.Index(line, "*"); i >= 0 {
		line = line[:i]
	}
	parts := strings.Split(line, ",")
	if len(parts) < 10 {
		return time.Time{}, false
	}
	// parts[0] = $GPRMC, [1] = time, [2] = status, [9] = date
	if parts[2] != "A" {
		return time.Time{}, false
	}
	timeStr := parts[1]
	dateStr := parts[9]
	// time: hhmmss.ss
	if len(timeStr) < 6 {
		return time.Time{}, false
	}
	hh, err1 := strconv.Atoi(timeStr[0:2])
	mm, err2 := strconv.Atoi(timeStr[2:4])
	ss, err3 := strconv.Atoi(timeStr[4:6])
	if err := errors.Join(err1, err2, err3); err != nil {
		return time.Time{}, false
	}
	nsec := 0
	if len(timeStr) >= 8 && timeStr[6] == '.' {
		fracStr := timeStr[7:]
		if len(fracStr) > 9 {
			fracStr = fracStr[:9]
		}
		frac, err := strconv.Atoi(fracStr)
		if err != nil {
			return time.Time{}, false
		}
		// дробная часть (1–9 цифр) -> наносекунды
		for i := len(fracStr); i < 9; i++ {
			frac *= 10
		}
		nsec = frac
	}
	// date: ddmmyy
	if len(dateStr) < 6 {
		return time.Time{}, false
	}
	day, err1 := strconv.Atoi(dateStr[0:2])
	month, err2 := strconv.Atoi(dateStr[2:4])
	year, err3 := strconv.Atoi(dateStr[4:6])
	if err := errors.Join(err1, err2, err3); err != nil {
		return time.Time{}, false
	}
	if year < 80 {
		year += 2000
	} else {
		year += 1900
	}
	t := time.Date(year, time.Month(month), day, hh, mm, ss, nsec, time.UTC)
	return t, true
}

// parseGGA: поле 6 качество fix (0 = нет), поле 7 число спутников в решении.
func parseGGA(line string) (uint16, bool) {
	if i := strings.Index(line, "*"); i >= 0 {
		line = line[:i]
	}
	parts := strings.Split(line, ",")
	if len(parts) < 8 {
		return 0, false
	}
	sats, err := strconv.ParseUint(parts[7], 10, 16)
	if err != nil {
		return 0, false
	}
	return uint16(sats), true
}
