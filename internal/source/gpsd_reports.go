package source

import (
	"bytes"
	"errors"
	"time"

	"github.com/buger/jsonparser"

	"github.com/shiwa/timecard-mini/tc-ntpd/internal/events"
	"github.com/shiwa/timecard-mini/tc-ntpd/internal/ntp"
)

// ProtoMajorMin: минимальная поддерживаемая версия протокола gpsd.
const ProtoMajorMin = 3

// handleReport разбирает один JSON отчёт gpsd. Ошибки логируются, поток не прерывается.
func (g *GPSD) handleReport(line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}
	class, err := jsonparser.GetString(line, "class")
	if err != nil {
		g.log.Error("decoding report: %v: %.80q", err, line)
		return
	}
	switch class {
	case "TPV":
		g.handleTPV(line)
	case "SKY":
		g.handleSKY(line)
	case "VERSION":
		major, err := jsonparser.GetInt(line, "proto_major")
		if err != nil {
			g.log.Error("decoding VERSION: %v", err)
			return
		}
		if major < ProtoMajorMin {
			g.log.Warn("gpsd protocol %d is older than %d", major, ProtoMajorMin)
		}
		release, _ := jsonparser.GetString(line, "release")
		g.log.Info("gpsd version %s connected", release)
	case "DEVICES", "WATCH", "DEVICE", "PPS", "GST", "TOFF", "ERROR":
		g.log.Debug("%s %s", class, line)
	default:
		g.log.Debug("ignoring report class %q", class)
	}
}

// handleTPV: TPV с полем time (RFC3339) публикуется как NewGPSTimestamp; без fix поля time нет.
func (g *GPSD) handleTPV(line []byte) {
	s, err := jsonparser.GetString(line, "time")
	if errors.Is(err, jsonparser.KeyPathNotFoundError) {
		return
	}
	if err != nil {
		g.log.Error("decoding TPV: %v", err)
		return
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		g.log.Warn("TPV time %q: %v", s, err)
		return
	}
	g.lastFix.Store(time.Now().UnixNano())
	g.bus.Publish(events.NewGPSTimestamp(ntp.TimestampFromTime(t)))
}

// handleSKY: число спутников = длина массива satellites; без массива берётся nSat.
func (g *GPSD) handleSKY(line []byte) {
	n := 0
	_, err := jsonparser.ArrayEach(line, func(_ []byte, _ jsonparser.ValueType, _ int, _ error) {
		n++
	}, "satellites")
	if errors.Is(err, jsonparser.KeyPathNotFoundError) {
		nSat, err := jsonparser.GetInt(line, "nSat")
		if err != nil {
			g.log.Debug("SKY without satellites")
			return
		}
		n = int(nSat)
	} else if err != nil {
		g.log.Error("decoding SKY: %v", err)
		return
	}
	if n > 0xffff {
		n = 0xffff
	}
	g.bus.Publish(events.NewGpsSky(uint16(n)))
}
