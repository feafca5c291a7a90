package config

// Overrides: значения из флагов и переменных окружения поверх документа настроек.
// nil-поле документ не меняет. Переопределения не сохраняются в хранилище.
type Overrides struct {
	GPSHost       *string
	GPSPort       *int
	RTCHost       *string
	RTCPort       *int
	RTCEnable     *bool
	DisplayHost   *string
	DisplayPort   *int
	DisplayEnable *bool
	WebPort       *int
	LogLevel      *string
}

// Apply возвращает копию doc с переопределениями.
func (o Overrides) Apply(doc *Settings) *Settings {
	s := doc.Clone()
	set(&s.GPS.Host, o.GPSHost)
	set(&s.GPS.Port, o.GPSPort)
	set(&s.RTC.Host, o.RTCHost)
	set(&s.RTC.Port, o.RTCPort)
	set(&s.RTC.Enable, o.RTCEnable)
	set(&s.Display.Host, o.DisplayHost)
	set(&s.Display.Port, o.DisplayPort)
	set(&s.Display.Enable, o.DisplayEnable)
	set(&s.Web.Port, o.WebPort)
	set(&s.LogLevel, o.LogLevel)
	return s
}

// restore возвращает в next значения из cur там, где next совпадает с действующим переопределением:
// такое значение пришло из окружения, а не от пользователя.
func (o Overrides) restore(next, cur *Settings) {
	keep(&next.GPS.Host, cur.GPS.Host, o.GPSHost)
	keep(&next.GPS.Port, cur.GPS.Port, o.GPSPort)
	keep(&next.RTC.Host, cur.RTC.Host, o.RTCHost)
	keep(&next.RTC.Port, cur.RTC.Port, o.RTCPort)
	keep(&next.RTC.Enable, cur.RTC.Enable, o.RTCEnable)
	keep(&next.Display.Host, cur.Display.Host, o.DisplayHost)
	keep(&next.Display.Port, cur.Display.Port, o.DisplayPort)
	keep(&next.Display.Enable, cur.Display.Enable, o.DisplayEnable)
	keep(&next.Web.Port, cur.Web.Port, o.WebPort)
	keep(&next.LogLevel, cur.LogLevel, o.LogLevel)
}

func set[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

func keep[T comparable](dst *T, cur T, v *T) {
	if v != nil && *dst == *v {
		*dst = cur
	}
}
