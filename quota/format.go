package quota

import "fmt"

// Units são os sufixos de hora, minuto e segundo de um idioma
type Units struct {
	Hour   string
	Minute string
	Second string
}

var (
	RussianUnits = Units{Hour: "ч", Minute: "м", Second: "с"}
	EnglishUnits = Units{Hour: "h", Minute: "m", Second: "s"}
)

// Format exibe segundos como "Hч Mм", "Mм" ou "Sс"
func (u Units) Format(seconds int64) string {
	if seconds < 0 {
		seconds = 0
	}
	m, s := seconds/60, seconds%60
	h, m := m/60, m%60

	switch {
	case h > 0:
		return fmt.Sprintf("%d%s %d%s", h, u.Hour, m, u.Minute)
	case m > 0:
		return fmt.Sprintf("%d%s", m, u.Minute)
	default:
		return fmt.Sprintf("%d%s", s, u.Second)
	}
}

// FormatTimeLeft formata o tempo restante em russo
func FormatTimeLeft(seconds int64) string {
	return RussianUnits.Format(seconds)
}
