package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shiwa/timecard-mini/tc-ntpd/internal/config"
	"github.com/shiwa/timecard-mini/tc-ntpd/internal/ntp"
	"github.com/shiwa/timecard-mini/tc-ntpd/internal/server"
	"github.com/shiwa/timecard-mini/tc-ntpd/internal/source"
)

// Route: один маршрут.
type Route struct {
	Name        string
	Method      string
	Pattern     string
	HandlerFunc http.HandlerFunc
}

func (a *API) routes() []Route {
	return []Route{
		{"Monitor", http.MethodGet, "/api/monitor", a.getMonitor},
		{"MonitorStream", http.MethodGet, "/api/monitor/ws", a.streamMonitor},
		{"Server", http.MethodGet, "/api/server", a.getServer},
		{"Sources", http.MethodGet, "/api/sources", a.getSources},
		{"System", http.MethodGet, "/api/system", a.getSystem},
		{"GetSettings", http.MethodGet, "/api/settings", a.getSection(whole)},
		{"PutSettings", http.MethodPut, "/api/settings", a.putSection(whole)},
		{"GetNTP", http.MethodGet, "/api/settings/ntp", a.getSection(ntpSection)},
		{"PutNTP", http.MethodPut, "/api/settings/ntp", a.putSection(ntpSection)},
		{"GetGPS", http.MethodGet, "/api/settings/gps", a.getSection(gpsSection)},
		{"PutGPS", http.MethodPut, "/api/settings/gps", a.putSection(gpsSection)},
		{"GetDisplay", http.MethodGet, "/api/settings/display", a.getSection(displaySection)},
		{"PutDisplay", http.MethodPut, "/api/settings/display", a.putSection(displaySection)},
		{"GetRTC", http.MethodGet, "/api/settings/rtc", a.getSection(rtcSection)},
		{"PutRTC", http.MethodPut, "/api/settings/rtc", a.putSection(rtcSection)},
	}
}

// section выбирает часть документа; возвращает указатель, в который декодируется PUT.
type section func(*config.Settings) any

func whole(s *config.Settings) any { return s }
func ntpSection(s *config.Settings) any { return &s.NTP }
func gpsSection(s *config.Settings) any { return &s.GPS }
func displaySection(s *config.Settings) any { return &s.Display }
func rtcSection(s *config.Settings) any { return &s.RTC }

type serverInfo struct {
	State     ntp.ServerState `json:"state"`
	Stats     server.Stats    `json:"stats"`
	Addresses []string        `json:"addresses"`
}

type sourceInfo struct {
	Name     string        `json:"name"`
	Protocol string        `json:"protocol"`
	Status   source.Status `json:"status"`
	Usable   bool          `json:"usable"`
}

func (a *API) getMonitor(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.deps.Monitor.Snapshot())
}

func (a *API) getServer(w http.ResponseWriter, r *http.Request) {
	info := serverInfo{
		State: a.deps.Server.State(),
		Stats: a.deps.Server.Stats(),
	}
	for _, ap := range a.deps.Server.Addrs() {
		info.Addresses = append(info.Addresses, ap.String())
	}
	writeJSON(w, http.StatusOK, info)
}

func (a *API) getSources(w http.ResponseWriter, r *http.Request) {
	out := make([]sourceInfo, 0, len(a.deps.Sources))
	for _, s := range a.deps.Sources {
		st := s.Status()
		out = append(out, sourceInfo{Name: s.Name(), Protocol: s.Protocol(), Status: st, Usable: st.IsUsable()})
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) getSystem(w http.ResponseWriter, r *http.Request) {
	if a.deps.System == nil {
		writeError(w, http.StatusServiceUnavailable, errNoSystem)
		return
	}
	p, err := a.deps.System.Sample(r.Context())
	if err != nil {
		a.log.Warn("system sample: %v", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *API) getSection(pick section) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, pick(a.deps.Live.Settings()))
	}
}

// putSection накладывает тело запроса на секцию действующих настроек и применяет результат.
func (a *API) putSection(pick section) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		next := a.deps.Live.Settings()
		if err := decodeStrict(w, r, pick(next)); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		a.apply(w, next)
	}
}

// apply: проверка, сохранение, затем применение. В хранилище попадает документ без
// переопределений из окружения; при ошибке сохранения текущие настройки не меняются.
func (a *API) apply(w http.ResponseWriter, next *config.Settings) {
	doc, err := a.deps.Live.Prepare(next)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := a.deps.Store.Backup(doc); err != nil {
		a.log.Error("backup settings: %v", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := a.deps.Live.Replace(doc); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, a.deps.Live.Settings())
}

var errNoSystem = errors.New("system diagnostics unavailable")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// streamMonitor отправляет MonitorState сразу и далее каждые StreamInterval, пока клиент на связи.
func (a *API) streamMonitor(w http.ResponseWriter, r *http.Request) {
	// ответ рукопожатия пишется мимо w.Header(), id передаётся явно
	hdr := http.Header{}
	if id := w.Header().Get("X-Request-ID"); id != "" {
		hdr.Set("X-Request-ID", id)
	}
	conn, err := upgrader.Upgrade(w, r, hdr)
	if err != nil {
		a.log.Warn("websocket upgrade: %v", err)
		return
	}
	defer conn.Close()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(a.deps.StreamInterval)
	defer ticker.Stop()
	for {
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(a.deps.Monitor.Snapshot()); err != nil {
			a.log.Debug("websocket write: %v", err)
			return
		}
		select {
		case <-r.Context().Done():
			return
		case <-gone:
			return
		case <-ticker.C:
		}
	}
}

func decodeStrict(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
