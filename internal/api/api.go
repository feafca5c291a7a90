// Package api реализует HTTP диагностика и управление настройками.
package api

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/shiwa/timecard-mini/tc-ntpd/internal/config"
	"github.com/shiwa/timecard-mini/tc-ntpd/internal/logger"
	"github.com/shiwa/timecard-mini/tc-ntpd/internal/ntp"
	"github.com/shiwa/timecard-mini/tc-ntpd/internal/reconcile"
	"github.com/shiwa/timecard-mini/tc-ntpd/internal/server"
	"github.com/shiwa/timecard-mini/tc-ntpd/internal/source"
	"github.com/shiwa/timecard-mini/tc-ntpd/internal/sysinfo"
)

// MonitorReader: источник MonitorState.
type MonitorReader interface {
	Snapshot() reconcile.MonitorState
}

// ServerReader: состояние NTP сервера.
type ServerReader interface {
	State() ntp.ServerState
	Stats() server.Stats
	Addrs() []netip.AddrPort
}

// SystemReader: диагностика процесса и хоста.
type SystemReader interface {
	Sample(ctx context.Context) (sysinfo.Packet, error)
}

// Deps: всё, что показывает и меняет API.
type Deps struct {
	Monitor MonitorReader
	Server  ServerReader
	Sources []source.Source
	Live    *config.Live
	Store   config.Store
	// System может быть nil: GET /api/system отвечает 503.
	System SystemReader
	// StreamInterval: период отправки MonitorState по websocket (по умолчанию 1 с).
	StreamInterval time.Duration
}

// API: обработчики HTTP.
type API struct {
	deps Deps
	log  *logger.Logger
}

// New создаёт API; пустой StreamInterval заменяется на 1 с.
func New(deps Deps) *API {
	if deps.StreamInterval <= 0 {
		deps.StreamInterval = time.Second
	}
	return &API{deps: deps, log: logger.New("api")}
}

// Handler: маршрутизатор со всеми маршрутами и логированием запросов.
func (a *API) Handler() http.Handler {
	router := mux.NewRouter().StrictSlash(true)
	for _, route := range a.routes() {
		router.
			Methods(route.Method).
			Path(route.Pattern).
			Name(route.Name).
			Handler(a.requestLogger(route.HandlerFunc, route.Name))
	}
	return router
}

// ListenAndServe обслуживает addr до отмены ctx.
func (a *API) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})
	defer stop()
	a.log.Info("HTTP API listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http api: %w", err)
	}
	return ctx.Err()
}

// requestLogger пишет строку на каждый запрос с X-Request-ID (генерируется, если не пришёл).
func (a *API) requestLogger(inner http.Handler, name string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", id)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		inner.ServeHTTP(rec, r)
		a.log.Info("%s %s %s %d %v id=%s", r.Method, r.RequestURI, name, rec.status, time.Since(start), id)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

// Hijack нужен для websocket.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijack not supported")
	}
	s.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
