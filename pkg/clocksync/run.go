// Package clocksync собирает демон: NTP сервер, источники времени, сведение событий,
// RTC, дисплей, HTTP API и mDNS, и запускает всё до отмены контекста.
package clocksync

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shiwa/timecard-mini/tc-ntpd/internal/api"
	"github.com/shiwa/timecard-mini/tc-ntpd/internal/clockadj"
	"github.com/shiwa/timecard-mini/tc-ntpd/internal/config"
	"github.com/shiwa/timecard-mini/tc-ntpd/internal/discovery"
	"github.com/shiwa/timecard-mini/tc-ntpd/internal/display"
	"github.com/shiwa/timecard-mini/tc-ntpd/internal/events"
	"github.com/shiwa/timecard-mini/tc-ntpd/internal/logger"
	"github.com/shiwa/timecard-mini/tc-ntpd/internal/ntp"
	"github.com/shiwa/timecard-mini/tc-ntpd/internal/reconcile"
	"github.com/shiwa/timecard-mini/tc-ntpd/internal/rtc"
	"github.com/shiwa/timecard-mini/tc-ntpd/internal/server"
	"github.com/shiwa/timecard-mini/tc-ntpd/internal/source"
	"github.com/shiwa/timecard-mini/tc-ntpd/internal/sysinfo"
)

// Daemon: собранные компоненты. Создаётся NewDaemon, запускается Run.
type Daemon struct {
	settings *config.Settings
	store    config.Store
	live     *config.Live

	server     *server.Server
	monitor    *reconcile.Monitor
	reconciler *reconcile.Reconciler
	rtc        *rtc.Client
	persister  *rtc.Persister

	sources []source.Source
	subs    []*events.Subscription
	log     *logger.Logger
}

// RunDaemon собирает демон из live и работает до отмены ctx. Ошибка bind возвращается сразу.
func RunDaemon(ctx context.Context, store config.Store, live *config.Live, quiet bool) error {
	logger.Quiet = quiet
	d, err := NewDaemon(ctx, store, live)
	if err != nil {
		return err
	}
	return d.Run(ctx)
}

// NewDaemon открывает сокеты NTP сервера и создаёт источники. Начальные значения
// берутся из действующих настроек live.
func NewDaemon(ctx context.Context, store config.Store, live *config.Live) (*Daemon, error) {
	s := live.Settings()
	logger.SetLevel(s.LogLevel)
	d := &Daemon{
		settings: s,
		store:    store,
		live:     live,
		monitor:  reconcile.NewMonitor(),
		log:      logger.New("daemon"),
	}

	srv, err := server.Listen(ctx, server.Config{
		Addresses:         s.Server.Addresses,
		Port:              s.Server.Port,
		WorkersPerAddress: s.Server.WorkersPerAddress,
		RateLimit:         s.Server.RateLimit,
		RateBurst:         s.Server.RateBurst,
	}, initialState(s))
	if err != nil {
		return nil, err
	}
	d.server = srv

	d.rtc = rtc.NewClient(hostPort(s.RTC.Host, s.RTC.Port))
	d.persister = rtc.NewPersister(d.rtc)
	opts := []reconcile.Option{reconcile.WithRTC(d.persister, d.live.RTCEnabled)}
	if s.ClockSync.AdjustClock {
		limit := time.Duration(ParseStepLimit(s.ClockSync.StepLimit))
		opts = append(opts, reconcile.WithClockStep(limit, clockadj.Step))
	}
	d.reconciler = reconcile.New(d.monitor, srv, opts...)

	d.addSource(source.NewNTPClient(d.live))
	if s.GPS.Enable {
		gps, err := source.NewGPS(s.GPS)
		if err != nil {
			_ = srv.Close()
			return nil, err
		}
		d.addSource(gps)
	}

	d.live.OnChange(func(next *config.Settings) {
		logger.SetLevel(next.LogLevel)
		st := initialState(next)
		srv.SetIdentity(st.Leap, st.Stratum, st.Precision, st.RefID)
	})
	return d, nil
}

// Подписка оформляется до запуска источника, чтобы не потерять первые события.
func (d *Daemon) addSource(s source.Source) {
	d.sources = append(d.sources, s)
	d.subs = append(d.subs, s.Subscribe())
}

// Run запускает все задачи. Отмена ctx: штатное завершение (nil).
func (d *Daemon) Run(ctx context.Context) error {
	s := d.settings
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return d.server.Serve(gctx) })
	for i, src := range d.sources {
		src, sub := src, d.subs[i]
		g.Go(func() error { return d.runSource(gctx, src) })
		g.Go(func() error { return d.reconciler.Drain(gctx, sub) })
	}
	g.Go(func() error { return d.persister.Run(gctx) })
	g.Go(func() error { return d.seedFromRTC(gctx) })

	pusher := &display.Pusher{
		Display:  display.NewClient(hostPort(s.Display.Host, s.Display.Port)),
		Frame:    func() display.Frame { return display.FrameFromMonitor(d.monitor.Snapshot()) },
		Enabled:  d.live.DisplayEnabled,
		Interval: func() time.Duration { return config.Millis(d.live.Settings().Display.Cycle, 5*time.Second) },
	}
	g.Go(func() error { return pusher.Run(gctx) })

	if s.Web.Port > 0 {
		deps := api.Deps{
			Monitor: d.monitor,
			Server:  d.server,
			Sources: d.sources,
			Live:    d.live,
			Store:   d.store,
		}
		if sys, err := sysinfo.NewCollector(); err != nil {
			d.log.Warn("%v", err)
		} else {
			deps.System = sys
		}
		a := api.New(deps)
		g.Go(func() error { return a.ListenAndServe(gctx, fmt.Sprintf(":%d", s.Web.Port)) })
	}
	if fs, ok := d.store.(*config.FileStore); ok {
		g.Go(func() error { return d.watchSettings(gctx, fs) })
	}
	if s.Server.MDNS {
		adv := discovery.NewAdvertiser(discovery.Config{Port: d.server.Port(), Stratum: s.Server.Stratum})
		g.Go(func() error {
			if err := adv.Run(gctx); err != nil && gctx.Err() == nil {
				d.log.Error("%v", err)
			}
			return nil
		})
	}

	d.log.Info("started: sources=%d ntp server=%v web=%d", len(d.sources), d.server.Addrs(), s.Web.Port)
	err := g.Wait()
	if ctx.Err() != nil {
		d.log.Info("stopped")
		return nil
	}
	return err
}

// runSource: источник, исчерпавший попытки переподключения, не останавливает демон.
func (d *Daemon) runSource(ctx context.Context, src source.Source) error {
	err := src.Run(ctx)
	if errors.Is(err, source.ErrRetriesExhausted) {
		d.log.Error("%s: %v", src.Name(), err)
		return nil
	}
	return err
}

// watchSettings: без слежения за файлом демон продолжает работу, правки применяются через API.
func (d *Daemon) watchSettings(ctx context.Context, fs *config.FileStore) error {
	d.log.Info("watching settings file %s", fs.Path())
	if err := fs.Watch(ctx, d.live); err != nil && ctx.Err() == nil {
		d.log.Error("settings watch stopped: %v", err)
	}
	return nil
}

// seedFromRTC при старте и далее каждые rtc.cycle читает RTC и передаёт ненулевое время серверу.
func (d *Daemon) seedFromRTC(ctx context.Context) error {
	for {
		if d.live.RTCEnabled() {
			ts, err := d.rtc.Get(ctx)
			switch {
			case err != nil:
				d.log.Debug("rtc: %v", err)
			case !ts.IsZero():
				d.server.UpdateState(ts)
			}
		}
		t := time.NewTimer(config.Millis(d.live.Settings().RTC.Cycle, 10*time.Second))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// initialState: объявляемое состояние по секции server; precision измеряется, если включено.
func initialState(s *config.Settings) ntp.ServerState {
	precision := s.Server.Precision
	if s.Server.MeasurePrecision {
		precision = clockadj.Precision(clockadj.GranularityNs(), precision)
	}
	return ntp.ServerState{
		Leap:      s.Server.Leap,
		Stratum:   s.Server.Stratum,
		Precision: precision,
		RefID:     ntp.RefIDFromString(s.Server.RefID),
	}
}

func hostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// ParseStepLimit парсит step_limit из конфига (например "500ms", "15m") в наносекунды.
// Порог, выше которого системные часы переставляются скачком. Пустая строка или ошибка: 500 ms.
func ParseStepLimit(s string) int64 {
	const defaultStepNs = 500_000_000 // 500 ms
	if s == "" {
		return defaultStepNs
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultStepNs
	}
	return d.Nanoseconds()
}
