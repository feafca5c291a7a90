package ntp

// Mode: поле mode заголовка (3 бита).
type Mode uint8

const (
	ModeReserved Mode = iota
	ModeSymmetricActive
	ModeSymmetricPassive
	ModeClient
	ModeServer
	ModeBroadcast
	ModeControl
	ModePrivate
)

func (m Mode) String() string {
	switch m {
	case ModeReserved:
		return "reserved"
	case ModeSymmetricActive:
		return "symmetric-active"
	case ModeSymmetricPassive:
		return "symmetric-passive"
	case ModeClient:
		return "client"
	case ModeServer:
		return "server"
	case ModeBroadcast:
		return "broadcast"
	case ModeControl:
		return "control"
	default:
		return "private"
	}
}

// Leap indicator (2 бита).
const (
	LeapNone            uint8 = 0
	LeapAddSecond       uint8 = 1
	LeapDelSecond       uint8 = 2
	LeapNotSynchronized uint8 = 3
)

const (
	// Port: порт NTP.
	Port = 123
	// Version: версия, которую отправляет клиент.
	Version uint8 = 4
	// PacketSize: длина заголовка без расширений.
	PacketSize = 48
)
