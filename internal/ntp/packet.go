package ntp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
)

var (
	// ErrTruncated: датаграмма короче 48 байт.
	ErrTruncated = errors.New("ntp: packet too short")
	// ErrUnsupportedVersion: версия вне 1..4.
	ErrUnsupportedVersion = errors.New("ntp: unsupported version")
)

// Packet: одно сообщение NTP. Запрос и ответ различаются только полем Mode.
type Packet struct {
	RemoteAddr netip.AddrPort // адрес собеседника
	LocalTs    Timestamp      // момент приёма (локальные часы); у исходящих пакетов: время создания

	Leap       uint8
	Version    uint8
	Mode       Mode
	Stratum    uint8
	Poll       int8
	Precision  int8
	Delay      FracValue
	Dispersion FracValue
	RefID      uint32
	RefTs      Timestamp
	OrigTs     Timestamp
	RxTs       Timestamp
	TxTs       Timestamp
}

// Parse разбирает заголовок NTP. rx: момент приёма датаграммы.
// Байт 0 = leap(2)|version(3)|mode(3); 1 stratum; 2 poll; 3 precision; 4..47: delay, dispersion, ref id, 4 метки времени.
func Parse(buf []byte, remote netip.AddrPort, rx Timestamp) (*Packet, error) {
	if len(buf) < PacketSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTruncated, len(buf))
	}
	version := (buf[0] >> 3) & 0x7
	if version < 1 || version > 4 {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}
	return &Packet{
		RemoteAddr: unmap(remote),
		LocalTs:    rx,
		Leap:       buf[0] >> 6,
		Version:    version,
		Mode:       Mode(buf[0] & 0x7),
		Stratum:    buf[1],
		Poll:       int8(buf[2]),
		Precision:  int8(buf[3]),
		Delay:      ReadFrac(buf[4:8]),
		Dispersion: ReadFrac(buf[8:12]),
		RefID:      binary.BigEndian.Uint32(buf[12:16]),
		RefTs:      ReadTimestamp(buf[16:24]),
		OrigTs:     ReadTimestamp(buf[24:32]),
		RxTs:       ReadTimestamp(buf[32:40]),
		TxTs:       ReadTimestamp(buf[40:48]),
	}, nil
}

// Serialize кодирует заголовок в новый 48-байтный буфер.
func (p *Packet) Serialize() []byte {
	buf := make([]byte, PacketSize)
	p.SerializeTo(buf)
	return buf
}

// SerializeTo кодирует заголовок в buf (len(buf) >= 48).
func (p *Packet) SerializeTo(buf []byte) {
	_ = buf[PacketSize-1]
	buf[0] = p.Leap<<6 | (p.Version&0x7)<<3 | uint8(p.Mode)&0x7
	buf[1] = p.Stratum
	buf[2] = uint8(p.Poll)
	buf[3] = uint8(p.Precision)
	p.Delay.Put(buf[4:8])
	p.Dispersion.Put(buf[8:12])
	binary.BigEndian.PutUint32(buf[12:16], p.RefID)
	p.RefTs.Put(buf[16:24])
	p.OrigTs.Put(buf[24:32])
	p.RxTs.Put(buf[32:40])
	p.TxTs.Put(buf[40:48])
}

// IsRequest сообщает, что это пакет, на который сервер должен ответить: client (3), symmetric active (1)
// или NTPv1 с mode 0, пришедший не с порта 123.
func (p *Packet) IsRequest() bool {
	return p.Mode == ModeSymmetricActive || p.Mode == ModeClient ||
		(p.Mode == ModeReserved && p.Version == 1 && p.RemoteAddr.Port() != Port)
}

// MakeResponse строит ответ по текущему состоянию сервера. Для не-запросов возвращает nil:
// на посторонний трафик сервер не отвечает.
func (p *Packet) MakeResponse(state ServerState) *Packet {
	if !p.IsRequest() {
		return nil
	}
	mode := ModeServer
	if p.Mode == ModeSymmetricActive {
		mode = ModeSymmetricPassive
	}
	return &Packet{
		RemoteAddr: p.RemoteAddr,
		Leap:       state.Leap,
		Version:    p.Version,
		Mode:       mode,
		Stratum:    state.Stratum,
		Poll:       p.Poll,
		Precision:  state.Precision,
		Delay:      state.Delay,
		Dispersion: state.Dispersion,
		RefID:      state.RefID,
		RefTs:      state.RefTs,
		OrigTs:     p.TxTs,
		RxTs:       p.LocalTs,
		TxTs:       Now(),
	}
}

// NewRequest: клиентский запрос (mode 3, v4) со случайным transmit timestamp.
func NewRequest(remote netip.AddrPort) *Packet {
	return &Packet{
		RemoteAddr: unmap(remote),
		LocalTs:    Now(),
		Version:    Version,
		Mode:       ModeClient,
		TxTs:       RandomTimestamp(),
	}
}

// IsValidResponse проверяет, что p: ответ на request: тот же адрес, mode = request.Mode+1
// и originate timestamp равен transmit timestamp запроса. Пакет, не прошедший проверку, нельзя использовать.
func (p *Packet) IsValidResponse(request *Packet) bool {
	return p.RemoteAddr == request.RemoteAddr &&
		p.Mode == request.Mode+1 &&
		p.OrigTs == request.TxTs
}

// ServerState: объявленное в пакете состояние источника.
func (p *Packet) ServerState() ServerState {
	return ServerState{
		Leap:       p.Leap,
		Stratum:    p.Stratum,
		Precision:  p.Precision,
		RefID:      p.RefID,
		RefTs:      p.RefTs,
		Dispersion: p.Dispersion,
		Delay:      p.Delay,
	}
}

func (p *Packet) String() string {
	return fmt.Sprintf("{%s v%d %s stratum=%d ref=%s orig=%#x rx=%#x tx=%#x}",
		p.RemoteAddr, p.Version, p.Mode, p.Stratum, p.RefTs, uint64(p.OrigTs), uint64(p.RxTs), uint64(p.TxTs))
}

// unmap приводит IPv4-mapped IPv6 к IPv4, чтобы адреса из dual-stack сокета сравнивались с исходными.
func unmap(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}
