// Package config описывает настройки tc-ntpd: документ (YAML или TOML), хранилище и
// живая копия, которую читают источники и сервер во время работы.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Settings: документ настроек.
type Settings struct {
	NTP       NTP       `yaml:"ntp" toml:"ntp" json:"ntp"`
	GPS       GPS       `yaml:"gps" toml:"gps" json:"gps"`
	Display   Display   `yaml:"display" toml:"display" json:"display"`
	RTC       RTC       `yaml:"rtc" toml:"rtc" json:"rtc"`
	Server    Server    `yaml:"server" toml:"server" json:"server"`
	ClockSync ClockSync `yaml:"clock_sync" toml:"clock_sync" json:"clock_sync"`
	Web       Web       `yaml:"web" toml:"web" json:"web"`
	LogLevel  string    `yaml:"log_level" toml:"log_level" json:"log_level"`
}

// NTP: вышестоящие серверы, которые опрашивает клиент.
type NTP struct {
	ServerList []string `yaml:"server_list" toml:"server_list" json:"server_list"`
	Enable     bool     `yaml:"enable" toml:"enable" json:"enable"`
	Cycle      uint32   `yaml:"cycle" toml:"cycle" json:"cycle"` // мс
}

// GPS описывает приёмник: gpsd по TCP или NMEA с последовательного порта.
type GPS struct {
	Enable   bool   `yaml:"enable" toml:"enable" json:"enable"`
	Protocol string `yaml:"protocol" toml:"protocol" json:"protocol"` // gpsd, nmea
	Host     string `yaml:"host" toml:"host" json:"host"`
	Port     int    `yaml:"port" toml:"port" json:"port"`
	// NMEA
	Device string `yaml:"device" toml:"device" json:"device"`
	Baud   int    `yaml:"baud" toml:"baud" json:"baud"`
	Offset int64  `yaml:"offset" toml:"offset" json:"offset"` // нс
	// Переподключение: 0: без ограничения числа попыток
	MaxRetries   int    `yaml:"max_retries" toml:"max_retries" json:"max_retries"`
	ReconnectMin string `yaml:"reconnect_min" toml:"reconnect_min" json:"reconnect_min"`
	ReconnectMax string `yaml:"reconnect_max" toml:"reconnect_max" json:"reconnect_max"`
}

// Display: сервис OLED дисплея.
type Display struct {
	Enable bool   `yaml:"enable" toml:"enable" json:"enable"`
	Cycle  uint32 `yaml:"cycle" toml:"cycle" json:"cycle"` // мс
	Host   string `yaml:"host" toml:"host" json:"host"`
	Port   int    `yaml:"port" toml:"port" json:"port"`
}

// RTC: сервис аппаратных часов.
type RTC struct {
	Enable bool   `yaml:"enable" toml:"enable" json:"enable"`
	Cycle  uint32 `yaml:"cycle" toml:"cycle" json:"cycle"` // мс
	Host   string `yaml:"host" toml:"host" json:"host"`
	Port   int    `yaml:"port" toml:"port" json:"port"`
}

// Server: NTP сервер и объявляемое им состояние.
type Server struct {
	Addresses         []string `yaml:"addresses" toml:"addresses" json:"addresses"`
	Port              int      `yaml:"port" toml:"port" json:"port"`
	WorkersPerAddress int      `yaml:"workers_per_address" toml:"workers_per_address" json:"workers_per_address"`
	Stratum           uint8    `yaml:"stratum" toml:"stratum" json:"stratum"`
	Precision         int8     `yaml:"precision" toml:"precision" json:"precision"`
	MeasurePrecision  bool     `yaml:"measure_precision" toml:"measure_precision" json:"measure_precision"`
	RefID             string   `yaml:"ref_id" toml:"ref_id" json:"ref_id"`
	Leap              uint8    `yaml:"leap" toml:"leap" json:"leap"`
	RateLimit         float64  `yaml:"rate_limit" toml:"rate_limit" json:"rate_limit"` // ответов/с, 0: без ограничения
	RateBurst         int      `yaml:"rate_burst" toml:"rate_burst" json:"rate_burst"`
	MDNS              bool     `yaml:"mdns" toml:"mdns" json:"mdns"`
}

// ClockSync: подстройка системных часов по итоговому времени.
type ClockSync struct {
	AdjustClock bool   `yaml:"adjust_clock" toml:"adjust_clock" json:"adjust_clock"`
	StepLimit   string `yaml:"step_limit" toml:"step_limit" json:"step_limit"` // "500ms", "15m"; пусто = 500ms
}

// Web: HTTP API.
type Web struct {
	Port int `yaml:"port" toml:"port" json:"port"`
}

// Default возвращает настройки по умолчанию
func Default() *Settings {
	return &Settings{
		NTP: NTP{
			ServerList: []string{"0.ru.pool.ntp.org:123"},
			Enable:     true,
			Cycle:      5000,
		},
		GPS: GPS{
			Enable:       true,
			Protocol:     "gpsd",
			Host:         "localhost",
			Port:         2947,
			Device:       "/dev/ttyS0",
			Baud:         9600,
			ReconnectMin: "1s",
			ReconnectMax: "30s",
		},
		Display: Display{
			Enable: true,
			Cycle:  5000,
			Host:   "localhost",
			Port:   5050,
		},
		RTC: RTC{
			Enable: true,
			Cycle:  10000,
			Host:   "localhost",
			Port:   6060,
		},
		Server: Server{
			Addresses:         []string{"0.0.0.0"},
			Port:              123,
			WorkersPerAddress: 1,
		},
		ClockSync: ClockSync{StepLimit: "500ms"},
		Web:       Web{Port: 8080},
		LogLevel:  "info",
	}
}

// Load читает настройки из файла; формат по расширению (.toml, иначе YAML).
// Отсутствующие ключи берутся из Default.
func Load(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	s, err := Decode(path, data)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Decode разбирает документ; path нужен только для выбора формата.
func Decode(path string, data []byte) (*Settings, error) {
	s := Default()
	var err error
	if isTOML(path) {
		err = toml.NewDecoder(bytes.NewReader(data)).DisallowUnknownFields().Decode(s)
	} else {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		err = dec.Decode(s)
		if errors.Is(err, io.EOF) {
			err = nil
		}
	}
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", filepath.Base(path), err)
	}
	applyDefaults(s)
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", filepath.Base(path), err)
	}
	return s, nil
}

// Encode сериализует документ в формате, выбранном по расширению path.
func Encode(path string, s *Settings) ([]byte, error) {
	if isTOML(path) {
		return toml.Marshal(s)
	}
	return yaml.Marshal(s)
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

// Clone: глубокая копия.
func (s *Settings) Clone() *Settings {
	c := *s
	c.NTP.ServerList = append([]string(nil), s.NTP.ServerList...)
	c.Server.Addresses = append([]string(nil), s.Server.Addresses...)
	return &c
}

// Validate проверяет значения, которые нельзя молча заменить умолчанием.
func (s *Settings) Validate() error {
	var errs []error
	for i, a := range s.NTP.ServerList {
		if strings.TrimSpace(a) == "" {
			errs = append(errs, fmt.Errorf("ntp.server_list[%d] is empty", i))
		}
	}
	switch s.GPS.Protocol {
	case "gpsd", "nmea":
	default:
		errs = append(errs, fmt.Errorf("gps.protocol %q: want gpsd or nmea", s.GPS.Protocol))
	}
	if s.GPS.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("gps.max_retries must be >= 0"))
	}
	for name, d := range map[string]string{
		"gps.reconnect_min":     s.GPS.ReconnectMin,
		"gps.reconnect_max":     s.GPS.ReconnectMax,
		"clock_sync.step_limit": s.ClockSync.StepLimit,
	} {
		if d == "" {
			continue
		}
		if _, err := time.ParseDuration(d); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	for name, p := range map[string]int{
		"gps.port":     s.GPS.Port,
		"rtc.port":     s.RTC.Port,
		"display.port": s.Display.Port,
		"server.port":  s.Server.Port,
		"web.port":     s.Web.Port,
	} {
		if p < 0 || p > 65535 {
			errs = append(errs, fmt.Errorf("%s %d out of range", name, p))
		}
	}
	if s.Server.Leap > 3 {
		errs = append(errs, fmt.Errorf("server.leap %d: want 0..3", s.Server.Leap))
	}
	if len(s.Server.RefID) > 4 {
		errs = append(errs, fmt.Errorf("server.ref_id %q longer than 4 bytes", s.Server.RefID))
	}
	if s.Server.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("server.rate_limit must be >= 0"))
	}
	return errors.Join(errs...)
}

func applyDefaults(s *Settings) {
	d := Default()
	if s.NTP.Cycle == 0 {
		s.NTP.Cycle = d.NTP.Cycle
	}
	if s.GPS.Protocol == "" {
		s.GPS.Protocol = d.GPS.Protocol
	}
	if s.GPS.Host == "" {
		s.GPS.Host = d.GPS.Host
	}
	if s.GPS.Port == 0 {
		s.GPS.Port = d.GPS.Port
	}
	if s.GPS.Device == "" {
		s.GPS.Device = d.GPS.Device
	}
	if s.GPS.Baud == 0 {
		s.GPS.Baud = d.GPS.Baud
	}
	if s.Display.Cycle == 0 {
		s.Display.Cycle = d.Display.Cycle
	}
	if s.Display.Host == "" {
		s.Display.Host = d.Display.Host
	}
	if s.Display.Port == 0 {
		s.Display.Port = d.Display.Port
	}
	if s.RTC.Cycle == 0 {
		s.RTC.Cycle = d.RTC.Cycle
	}
	if s.RTC.Host == "" {
		s.RTC.Host = d.RTC.Host
	}
	if s.RTC.Port == 0 {
		s.RTC.Port = d.RTC.Port
	}
	if len(s.Server.Addresses) == 0 {
		s.Server.Addresses = d.Server.Addresses
	}
	if s.Server.Port == 0 {
		s.Server.Port = d.Server.Port
	}
	if s.Server.WorkersPerAddress < 1 {
		s.Server.WorkersPerAddress = 1
	}
	if s.Server.RateLimit > 0 && s.Server.RateBurst < 1 {
		s.Server.RateBurst = int(s.Server.RateLimit)
		if s.Server.RateBurst < 1 {
			s.Server.RateBurst = 1
		}
	}
	if s.Web.Port == 0 {
		s.Web.Port = d.Web.Port
	}
	if s.LogLevel == "" {
		s.LogLevel = d.LogLevel
	}
}

// Millis переводит поле cycle (мс) в time.Duration; 0: def.
func Millis(ms uint32, def time.Duration) time.Duration {
	if ms == 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

// ParseDuration разбирает строку вида "1s"; пусто или ошибка: defaultVal.
func ParseDuration(s string, defaultVal time.Duration) time.Duration {
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}
