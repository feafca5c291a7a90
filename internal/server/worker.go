package server

import (
	"context"
	"errors"
	"math"
	"net"
	"net/netip"
	"time"

	"github.com/shiwa/timecard-mini/tc-ntpd/internal/logger"
	"github.com/shiwa/timecard-mini/tc-ntpd/internal/ntp"
)

// Пауза перед повторным чтением после ошибки приёма: от recvPauseMin, удваивается до recvPauseMax.
const (
	recvPauseMin = 10 * time.Millisecond
	recvPauseMax = time.Second
)

// staleAfter: локальная копия состояния обновляется, если с прошлого обновления
// (по времени приёма пакетов) прошло больше 0.1 с.
const staleAfter = 0.1

// worker обслуживает один сокет. Состояние сервера читается под блокировкой не чаще раза в staleAfter.
type worker struct {
	srv  *Server
	conn *net.UDPConn
	log  *logger.Logger

	cached      ntp.ServerState
	lastRefresh ntp.Timestamp
	out         [ntp.PacketSize]byte
}

func newWorker(srv *Server, conn *net.UDPConn) *worker {
	return &worker{srv: srv, conn: conn, log: srv.log}
}

func (w *worker) run(ctx context.Context) {
	buf := make([]byte, 1024)
	var pause time.Duration
	for {
		n, from, err := w.conn.ReadFromUDPAddrPort(buf)
		rx := ntp.Now()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			pause = nextPause(pause)
			w.log.Error("receive: %v, retry in %v", err, pause)
			t := time.NewTimer(pause)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
			continue
		}
		pause = 0
		resp := w.handle(buf[:n], from, rx)
		if resp == nil {
			continue
		}
		resp.SerializeTo(w.out[:])
		if _, err := w.conn.WriteToUDPAddrPort(w.out[:], from); err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			w.log.Error("send to %s: %v", from, err)
			continue
		}
		w.srv.responded.Add(1)
	}
}

func nextPause(d time.Duration) time.Duration {
	if d < recvPauseMin {
		return recvPauseMin
	}
	return min(2*d, recvPauseMax)
}

// handle разбирает датаграмму и строит ответ; nil: ничего не отправлять.
func (w *worker) handle(buf []byte, from netip.AddrPort, rx ntp.Timestamp) *ntp.Packet {
	w.srv.received.Add(1)
	req, err := ntp.Parse(buf, from, rx)
	if err != nil {
		w.srv.malformed.Add(1)
		w.log.Debug("%s: %v", from, err)
		return nil
	}
	resp := req.MakeResponse(w.stateAt(rx))
	if resp == nil {
		w.srv.ignored.Add(1)
		return nil
	}
	if !w.srv.allow() {
		w.srv.limited.Add(1)
		return nil
	}
	return resp
}

func (w *worker) stateAt(rx ntp.Timestamp) ntp.ServerState {
	if w.lastRefresh.IsZero() || math.Abs(rx.DiffToSec(w.lastRefresh)) > staleAfter {
		w.cached = w.srv.State()
		w.lastRefresh = rx
	}
	return w.cached
}
