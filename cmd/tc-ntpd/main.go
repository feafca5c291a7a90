// Команда tc-ntpd запускает NTP сервер точного времени: GPS (gpsd или NMEA) и вышестоящие NTP серверы
// как источники, RTC для хранения времени, OLED дисплей и HTTP API для диагностики.
//
// Использование:
//
//	tc-ntpd                                  запуск демона (настройки config/settings.toml)
//	tc-ntpd --settings /etc/tc-ntpd.yml run  то же с YAML настройками
//	tc-ntpd query pool.ntp.org               один NTP запрос и вывод ответа
//	tc-ntpd defaults --format yaml           настройки по умолчанию
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/shiwa/timecard-mini/tc-ntpd/internal/config"
	"github.com/shiwa/timecard-mini/tc-ntpd/internal/logger"
	"github.com/shiwa/timecard-mini/tc-ntpd/internal/ntp"
	"github.com/shiwa/timecard-mini/tc-ntpd/internal/source"
	"github.com/shiwa/timecard-mini/tc-ntpd/pkg/clocksync"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		logger.Error("%v", err)
		logger.Sync()
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "tc-ntpd",
		Usage: "NTP сервер с GPS и NTP источниками времени",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "settings", Value: "config/settings.toml", EnvVars: []string{"SETTINGS_PATH"}, Usage: "файл настроек (.toml или .yml); создаётся, если отсутствует"},
			&cli.StringFlag{Name: "gps-host", EnvVars: []string{"GPS_HOST"}, Usage: "адрес gpsd"},
			&cli.IntFlag{Name: "gps-port", EnvVars: []string{"GPS_PORT"}, Usage: "порт gpsd"},
			&cli.StringFlag{Name: "rtc-host", EnvVars: []string{"RTC_HOST"}, Usage: "адрес сервиса RTC"},
			&cli.IntFlag{Name: "rtc-port", EnvVars: []string{"RTC_PORT"}, Usage: "порт сервиса RTC"},
			&cli.BoolFlag{Name: "rtc-enable", EnvVars: []string{"RTC_ENABLE"}, Usage: "записывать время в RTC (--rtc-enable=false отключает)"},
			&cli.StringFlag{Name: "display-host", EnvVars: []string{"DISPLAY_HOST"}, Usage: "адрес сервиса дисплея"},
			&cli.IntFlag{Name: "display-port", EnvVars: []string{"DISPLAY_PORT"}, Usage: "порт сервиса дисплея"},
			&cli.BoolFlag{Name: "display-enable", EnvVars: []string{"DISPLAY_ENABLE"}, Usage: "отправлять кадры на дисплей (--display-enable=false отключает)"},
			&cli.IntFlag{Name: "web-port", EnvVars: []string{"WEB_SERVER_PORT"}, Usage: "порт HTTP API"},
			&cli.StringFlag{Name: "log-level", EnvVars: []string{"MY_LOG_LEVEL"}, Usage: "debug, info, warn, error"},
			&cli.BoolFlag{Name: "quiet", Aliases: []string{"q"}, Usage: "меньше вывода"},
		},
		Action: runDaemon,
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "запуск демона",
				Action: runDaemon,
			},
			{
				Name:      "query",
				Usage:     "один NTP запрос к серверу",
				ArgsUsage: "host[:port]",
				Flags: []cli.Flag{
					&cli.DurationFlag{Name: "timeout", Value: 2 * time.Second, Usage: "ожидание ответа"},
				},
				Action: query,
			},
			{
				Name:  "defaults",
				Usage: "вывести настройки по умолчанию",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "format", Value: "toml", Usage: "toml или yaml"},
				},
				Action: printDefaults,
			},
		},
	}
}

// runDaemon читает настройки, накладывает переопределения из флагов/окружения и работает до SIGINT/SIGTERM.
// Переопределения действуют только в памяти: в файл настроек они не попадают.
func runDaemon(c *cli.Context) error {
	store := config.NewFileStore(c.String("settings"))
	doc, err := store.Restore()
	if err != nil {
		return err
	}
	live := config.NewLive(doc, overrides(c))
	if err := live.Settings().Validate(); err != nil {
		return fmt.Errorf("settings: %w", err)
	}
	logger.Quiet = c.Bool("quiet")
	logger.Info("settings loaded from %s", store.Path())

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer logger.Sync()
	err = clocksync.RunDaemon(ctx, store, live, c.Bool("quiet"))
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// overrides собирает явно заданные флаги и переменные окружения.
func overrides(c *cli.Context) config.Overrides {
	var o config.Overrides
	str := func(name string) *string {
		if !c.IsSet(name) {
			return nil
		}
		v := c.String(name)
		return &v
	}
	num := func(name string) *int {
		if !c.IsSet(name) {
			return nil
		}
		v := c.Int(name)
		return &v
	}
	flag := func(name string) *bool {
		if !c.IsSet(name) {
			return nil
		}
		v := c.Bool(name)
		return &v
	}
	o.GPSHost, o.GPSPort = str("gps-host"), num("gps-port")
	o.RTCHost, o.RTCPort, o.RTCEnable = str("rtc-host"), num("rtc-port"), flag("rtc-enable")
	o.DisplayHost, o.DisplayPort, o.DisplayEnable = str("display-host"), num("display-port"), flag("display-enable")
	o.WebPort = num("web-port")
	o.LogLevel = str("log-level")
	return o
}

func query(c *cli.Context) error {
	addr := c.Args().First()
	if addr == "" {
		return cli.Exit("query: нужен адрес сервера", 2)
	}
	client := source.NewNTPClient(nil, source.WithTimeout(c.Duration("timeout")))
	resp, err := client.Query(c.Context, addr)
	if err != nil {
		return err
	}
	now := ntp.Now()
	offset := (resp.RxTs.DiffToSec(resp.OrigTs) + resp.TxTs.DiffToSec(now)) / 2
	delay := now.DiffToSec(resp.OrigTs) - resp.TxTs.DiffToSec(resp.RxTs)
	fmt.Fprintln(c.App.Writer, resp)
	fmt.Fprintf(c.App.Writer, "time    %s\n", resp.TxTs.Time().Format(time.RFC3339Nano))
	fmt.Fprintf(c.App.Writer, "offset  %+.6fs\n", offset)
	fmt.Fprintf(c.App.Writer, "delay   %.6fs\n", delay)
	return nil
}

func printDefaults(c *cli.Context) error {
	switch c.String("format") {
	case "toml":
		b, err := config.Encode("settings.toml", config.Default())
		if err != nil {
			return err
		}
		_, err = c.App.Writer.Write(b)
		return err
	case "yaml", "yml":
		enc := yaml.NewEncoder(c.App.Writer)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(config.Default())
	default:
		return cli.Exit(fmt.Sprintf("defaults: неизвестный формат %q", c.String("format")), 2)
	}
}
