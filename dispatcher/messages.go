package dispatcher

import (
	"fmt"
	"strconv"

	"github.com/carloslauriano/guardrelay/quota"
)

// Messages são os textos enviados ao solicitante em um idioma
type Messages struct {
	Searching         string
	CodeFound         string // código, data, saldo, total
	NotFound          string // segundos de espera
	LifetimeExhausted string // limite
	WindowExhausted   string // limite, horas, tempo restante
	Busy              string
	Unlimited         string
	Units             quota.Units
}

var catalogs = map[string]Messages{
	"ru": {
		Searching:         "🔍 Ищу код Steam Guard...",
		CodeFound:         "✅ Ваш код: %s\n🕒 Время: %s\n📊 Осталось: %s/%s",
		NotFound:          "❌ Код не найден за %d секунд.",
		LifetimeExhausted: "❌ Лимит %d навсегда исчерпан.",
		WindowExhausted:   "❌ Лимит %d/%dч исчерпан.\n⏳ Новый запрос будет доступен через %s.",
		Busy:              "⏳ Слишком много запросов, попробуйте через минуту.",
		Unlimited:         "∞",
		Units:             quota.RussianUnits,
	},
	"en": {
		Searching:         "🔍 Looking for the Steam Guard code...",
		CodeFound:         "✅ Your code: %s\n🕒 Time: %s\n📊 Left: %s/%s",
		NotFound:          "❌ No code arrived within %d seconds.",
		LifetimeExhausted: "❌ The limit of %d is used up for good.",
		WindowExhausted:   "❌ Limit %d/%dh reached.\n⏳ A new request will be available in %s.",
		Busy:              "⏳ Too many requests, please try again in a minute.",
		Unlimited:         "∞",
		Units:             quota.EnglishUnits,
	},
}

// Catalog retorna os textos do idioma, com russo como padrão
func Catalog(locale string) Messages {
	if m, ok := catalogs[locale]; ok {
		return m
	}
	return catalogs["ru"]
}

func (m Messages) codeFound(code, date string, remaining, total string) string {
	return fmt.Sprintf(m.CodeFound, code, date, remaining, total)
}

func (m Messages) notFound(seconds int) string {
	return fmt.Sprintf(m.NotFound, seconds)
}

func (m Messages) lifetimeExhausted(limit int) string {
	return fmt.Sprintf(m.LifetimeExhausted, limit)
}

func (m Messages) windowExhausted(limit, hours int, retryAfterSeconds int64) string {
	return fmt.Sprintf(m.WindowExhausted, limit, hours, m.Units.Format(retryAfterSeconds))
}

// balance formata o saldo; contas ilimitadas não mostram número
func (m Messages) balance(remaining int, limit quota.Limit) (string, string) {
	if limit.Unlimited() {
		return m.Unlimited, m.Unlimited
	}
	return strconv.Itoa(remaining), strconv.Itoa(limit.Max)
}
