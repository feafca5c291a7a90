package source

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/shiwa/timecard-mini/tc-ntpd/internal/config"
)

// NewGPS создаёт GPS источник по секции gps (protocol: gpsd, nmea).
func NewGPS(c config.GPS) (Source, error) {
	if !c.Enable {
		return nil, fmt.Errorf("source disabled")
	}
	backoff := Backoff{
		Min:        config.ParseDuration(c.ReconnectMin, time.Second),
		Max:        config.ParseDuration(c.ReconnectMax, 30*time.Second),
		MaxRetries: c.MaxRetries,
	}
	switch c.Protocol {
	case "", "gpsd":
		host := c.Host
		if host == "" {
			host = "localhost"
		}
		port := c.Port
		if port == 0 {
			port = 2947
		}
		return NewGPSD(net.JoinHostPort(host, strconv.Itoa(port)), backoff), nil
	case "nmea":
		dev := c.Device
		if dev == "" {
			dev = "/dev/ttyS0"
		}
		return NewNMEA(dev, c.Baud, c.Offset, backoff), nil
	default:
		return nil, fmt.Errorf("unknown protocol: %s", c.Protocol)
	}
}
