// Package discovery выполняет объявление NTP сервера в локальной сети через mDNS (_ntp._udp).
package discovery

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/google/uuid"
	"github.com/hashicorp/mdns"

	"github.com/shiwa/timecard-mini/tc-ntpd/internal/logger"
)

// ServiceType: тип сервиса DNS-SD для NTP.
const ServiceType = "_ntp._udp"

// Config: параметры объявления.
type Config struct {
	Instance string   // имя экземпляра; пусто: имя хоста
	Port     int      // UDP порт NTP сервера
	Stratum  uint8    // уходит в TXT
	ID       string   // идентификатор экземпляра; пусто: новый uuid
	IPs      []net.IP // адреса; пусто: все не-loopback IPv4 интерфейсов
}

// Advertiser объявляет сервис до отмены контекста.
type Advertiser struct {
	cfg Config
	log *logger.Logger
}

// NewAdvertiser дополняет cfg: имя хоста как имя экземпляра, случайный id.
func NewAdvertiser(cfg Config) *Advertiser {
	if cfg.Instance == "" {
		if h, err := os.Hostname(); err == nil {
			cfg.Instance = h
		} else {
			cfg.Instance = "tc-ntpd"
		}
	}
	if cfg.ID == "" {
		cfg.ID = uuid.New().String()
	}
	return &Advertiser{cfg: cfg, log: logger.New("mdns")}
}

// Service: зона mDNS для объявления.
func (a *Advertiser) Service() (*mdns.MDNSService, error) {
	ips := a.cfg.IPs
	if len(ips) == 0 {
		var err error
		if ips, err = localIPs(); err != nil {
			return nil, fmt.Errorf("mdns: local addresses: %w", err)
		}
	}
	txt := []string{
		"id=" + a.cfg.ID,
		"stratum=" + strconv.Itoa(int(a.cfg.Stratum)),
	}
	svc, err := mdns.NewMDNSService(a.cfg.Instance, ServiceType, "", "", a.cfg.Port, ips, txt)
	if err != nil {
		return nil, fmt.Errorf("mdns: service: %w", err)
	}
	return svc, nil
}

// Run объявляет сервис и ждёт отмены ctx.
func (a *Advertiser) Run(ctx context.Context) error {
	svc, err := a.Service()
	if err != nil {
		return err
	}
	server, err := mdns.NewServer(&mdns.Config{Zone: svc})
	if err != nil {
		return fmt.Errorf("mdns: server: %w", err)
	}
	a.log.Info("advertising %s %q on port %d", ServiceType, a.cfg.Instance, a.cfg.Port)
	<-ctx.Done()
	_ = server.Shutdown()
	return ctx.Err()
}

func localIPs() ([]net.IP, error) {
	var ips []net.IP
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.To4() != nil && !ipnet.IP.IsLoopback() {
				ips = append(ips, ipnet.IP)
			}
		}
	}
	return ips, nil
}
