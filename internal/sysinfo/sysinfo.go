// Package sysinfo собирает диагностику процесса и хоста: память, CPU, сетевой трафик, время работы.
package sysinfo

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/multierr"
)

// Packet: один замер.
type Packet struct {
	UsageRAM      uint64  `json:"usage_ram"`      // RSS процесса, байт
	TotalRAM      uint64  `json:"total_ram"`      // байт
	UsageCPU      float64 `json:"usage_cpu"`      // % процесса
	UplinkSpeed   uint64  `json:"uplink_speed"`   // байт/с с прошлого замера
	UplinkData    uint64  `json:"uplink_data"`    // байт всего
	DownlinkSpeed uint64  `json:"downlink_speed"` // байт/с с прошлого замера
	DownlinkData  uint64  `json:"downlink_data"`  // байт всего
	Uptime        uint64  `json:"uptime"`         // мс с запуска процесса
}

type counters struct {
	sent, recv uint64
	at         time.Time
}

// Collector делает замеры для текущего процесса. Скорость считается между соседними вызовами Sample.
type Collector struct {
	proc *process.Process
	now  func() time.Time

	mu   sync.Mutex
	prev counters
}

// NewCollector привязывает сборщик к текущему процессу.
func NewCollector() (*Collector, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("sysinfo: %w", err)
	}
	return &Collector{proc: p, now: time.Now}, nil
}

// Sample возвращает замер. Ошибки отдельных показателей объединяются, остальные поля заполняются.
func (c *Collector) Sample(ctx context.Context) (Packet, error) {
	var (
		p    Packet
		errs error
	)
	now := c.now()
	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("memory: %w", err))
	} else {
		p.TotalRAM = vm.Total
	}
	if mi, err := c.proc.MemoryInfoWithContext(ctx); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("process memory: %w", err))
	} else {
		p.UsageRAM = mi.RSS
	}
	if cpu, err := c.proc.CPUPercentWithContext(ctx); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("process cpu: %w", err))
	} else {
		p.UsageCPU = cpu
	}
	if created, err := c.proc.CreateTimeWithContext(ctx); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("process start: %w", err))
	} else if up := now.UnixMilli() - created; up > 0 {
		p.Uptime = uint64(up)
	}

	io, err := net.IOCountersWithContext(ctx, false)
	switch {
	case err != nil:
		errs = multierr.Append(errs, fmt.Errorf("network: %w", err))
	case len(io) > 0:
		cur := counters{sent: io[0].BytesSent, recv: io[0].BytesRecv, at: now}
		p.UplinkData, p.DownlinkData = cur.sent, cur.recv
		c.mu.Lock()
		p.UplinkSpeed, p.DownlinkSpeed = rates(c.prev, cur)
		c.prev = cur
		c.mu.Unlock()
	}
	return p, errs
}

// rates: байт/с между двумя замерами счётчиков. Первый замер и сброс счётчика дают 0.
func rates(prev, cur counters) (up, down uint64) {
	if prev.at.IsZero() {
		return 0, 0
	}
	dt := cur.at.Sub(prev.at).Seconds()
	if dt <= 0 {
		return 0, 0
	}
	return perSec(prev.sent, cur.sent, dt), perSec(prev.recv, cur.recv, dt)
}

func perSec(from, to uint64, dt float64) uint64 {
	if to < from {
		return 0
	}
	return uint64(float64(to-from) / dt)
}
