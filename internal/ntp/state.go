package ntp

// ServerState: поля, которые сервер сейчас объявляет клиентам. Копируется по значению.
type ServerState struct {
	Leap       uint8     `json:"leap" yaml:"leap"`
	Stratum    uint8     `json:"stratum" yaml:"stratum"`
	Precision  int8      `json:"precision" yaml:"precision"`
	RefID      uint32    `json:"ref_id" yaml:"ref_id"`
	RefTs      Timestamp `json:"ref_ts" yaml:"ref_ts"`
	Dispersion FracValue `json:"dispersion" yaml:"dispersion"`
	Delay      FracValue `json:"delay" yaml:"delay"`
}

// RefIDFromString упаковывает до 4 ASCII-символов ("GPS", "PPS") в reference identifier.
func RefIDFromString(s string) uint32 {
	var id uint32
	for i := 0; i < 4; i++ {
		id <<= 8
		if i < len(s) {
			id |= uint32(s[i])
		}
	}
	return id
}
