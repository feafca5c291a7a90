package source

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"strconv"
	"time"

	"github.com/shiwa/timecard-mini/tc-ntpd/internal/events"
	"github.com/shiwa/timecard-mini/tc-ntpd/internal/logger"
	"github.com/shiwa/timecard-mini/tc-ntpd/internal/ntp"
)

// ErrNoResponse: сервер не прислал корректный ответ за отведённое время.
var ErrNoResponse = errors.New("ntp: no valid response")

const (
	defaultQueryTimeout = 2 * time.Second
	defaultCycle        = 5 * time.Second
)

// NTPSettings: откуда клиент берёт список серверов и период. Читается на каждом цикле.
type NTPSettings interface {
	ServerList() []string
	Cycle() time.Duration
	NTPEnabled() bool
}

// NTPClient опрашивает вышестоящие NTP серверы и публикует NewRemoteTimestamp.
type NTPClient struct {
	settings NTPSettings
	timeout  time.Duration
	bus      *events.Bus
	log      *logger.Logger
	status   statusCell
}

// NTPOption настраивает NTPClient.
type NTPOption func(*NTPClient)

// WithTimeout: ожидание ответа одного сервера (по умолчанию 2 с).
func WithTimeout(d time.Duration) NTPOption {
	return func(c *NTPClient) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// NewNTPClient создаёт NTP клиент
func NewNTPClient(settings NTPSettings, opts ...NTPOption) *NTPClient {
	c := &NTPClient{
		settings: settings,
		timeout:  defaultQueryTimeout,
		bus:      events.NewBus(events.WithName("ntp")),
		log:      logger.New("ntp-client"),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Name возвращает имя источника
func (c *NTPClient) Name() string { return "ntp-client" }

// Protocol возвращает протокол
func (c *NTPClient) Protocol() string { return "ntp" }

// Status: locked после удачного опроса, unlocked после цикла без ответов.
func (c *NTPClient) Status() Status { return c.status.Load() }

// Subscribe: подписка на RemoteTimestamp.
func (c *NTPClient) Subscribe() *events.Subscription { return c.bus.Subscribe() }

// Run опрашивает серверы каждые Cycle() до отмены ctx. Ошибки опроса не фатальны.
func (c *NTPClient) Run(ctx context.Context) error {
	defer c.bus.Close()
	for {
		if c.settings.NTPEnabled() {
			c.Poll(ctx)
		}
		cycle := c.settings.Cycle()
		if cycle <= 0 {
			cycle = defaultCycle
		}
		if err := sleep(ctx, cycle); err != nil {
			return err
		}
	}
}

// Poll выполняет один цикл: серверы по порядку до первого корректного ответа, его время публикуется.
func (c *NTPClient) Poll(ctx context.Context) (ntp.Timestamp, bool) {
	for _, addr := range c.settings.ServerList() {
		if ctx.Err() != nil {
			return 0, false
		}
		resp, err := c.Query(ctx, addr)
		if err != nil {
			c.log.Debug("%s: %v", addr, err)
			continue
		}
		c.status.Store(StatusLocked)
		c.bus.Publish(events.NewRemoteTimestamp(resp.TxTs))
		c.log.Debug("%s: %s", addr, resp)
		return resp.TxTs, true
	}
	c.status.Store(StatusUnlocked)
	return 0, false
}

// Query выполняет один обмен запрос/ответ с addr (host или host:port, по умолчанию порт 123).
// Пакеты, не прошедшие IsValidResponse, отбрасываются, ожидание продолжается до таймаута.
func (c *NTPClient) Query(ctx context.Context, addr string) (*ntp.Packet, error) {
	remote, err := resolve(ctx, addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, fmt.Errorf("ntp %s: %w", addr, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()
	if err := conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		return nil, fmt.Errorf("ntp %s: %w", addr, err)
	}

	req := ntp.NewRequest(remote)
	if _, err := conn.WriteToUDPAddrPort(req.Serialize(), remote); err != nil {
		return nil, fmt.Errorf("ntp %s: %w", addr, err)
	}
	buf := make([]byte, 512)
	for {
		n, from, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return nil, fmt.Errorf("%w from %s within %v", ErrNoResponse, addr, c.timeout)
			}
			return nil, fmt.Errorf("ntp %s: %w", addr, err)
		}
		resp, err := ntp.Parse(buf[:n], from, ntp.Now())
		if err != nil {
			c.log.Debug("%s: drop %v", from, err)
			continue
		}
		if !resp.IsValidResponse(req) {
			c.log.Debug("%s: drop unmatched response %s", from, resp)
			continue
		}
		return resp, nil
	}
}

// resolve добавляет порт 123, если он не указан, и разрешает имя.
func resolve(ctx context.Context, addr string) (netip.AddrPort, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		host, port = addr, strconv.Itoa(ntp.Port)
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("ntp %s: bad port: %w", addr, err)
	}
	if ip, err := netip.ParseAddr(host); err == nil {
		return netip.AddrPortFrom(ip.Unmap(), uint16(p)), nil
	}
	ips, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("ntp %s: %w", addr, err)
	}
	if len(ips) == 0 {
		return netip.AddrPort{}, fmt.Errorf("ntp %s: no addresses", addr)
	}
	return netip.AddrPortFrom(ips[0].Unmap(), uint16(p)), nil
}
