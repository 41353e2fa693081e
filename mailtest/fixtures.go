package mailtest

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-message/mail"
)

// SteamSender é o remetente dos emails de código
const SteamSender = "noreply@steampowered.com"

// GuardMail descreve um email de teste
type GuardMail struct {
	From string
	Date time.Time
	// HTML substitui o corpo padrão quando preenchido
	HTML string
	// Code e Phrase montam o corpo padrão
	Code   string
	Phrase string
	// PlainOnly gera um email sem parte HTML
	PlainOnly bool
}

// RussianPhrase e EnglishPhrase aparecem nos emails reais da Steam
const (
	RussianPhrase = "Вам понадобится код Steam Guard, чтобы войти в аккаунт"
	EnglishPhrase = "You'll need to enter the Steam Guard code to sign in"
)

// GuardHTML monta um corpo parecido com o enviado pela Steam
func GuardHTML(phrase, code string) string {
	return fmt.Sprintf(`<html><body>
<table><tr><td class="title-48  c-grey1">Steam</td></tr>
<tr><td>Здравствуйте!<br>%s</td></tr>
<tr><td class="title-48 c-blue1 fw-b a-center">
	%s
</td></tr></table>
</body></html>`, phrase, code)
}

// Build gera o email bruto em RFC 5322
func (g GuardMail) Build() []byte {
	if g.From == "" {
		g.From = SteamSender
	}
	if g.Date.IsZero() {
		g.Date = time.Now()
	}
	if g.HTML == "" {
		g.HTML = GuardHTML(g.Phrase, g.Code)
	}

	var h mail.Header
	h.SetAddressList("From", []*mail.Address{{Name: "Steam", Address: g.From}})
	h.SetAddressList("To", []*mail.Address{{Address: "owner@example.com"}})
	h.SetSubject("Steam Guard")
	h.SetDate(g.Date)

	var buf bytes.Buffer
	w, err := mail.CreateInlineWriter(&buf, h)
	if err != nil {
		panic(err)
	}

	writePart(w, "text/plain", "Steam Guard "+g.Code)
	if !g.PlainOnly {
		writePart(w, "text/html", g.HTML)
	}

	if err := w.Close(); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

func writePart(w *mail.InlineWriter, contentType, body string) {
	var h mail.InlineHeader
	h.SetContentType(contentType, map[string]string{"charset": "utf-8"})

	part, err := w.CreatePart(h)
	if err != nil {
		panic(err)
	}
	if _, err := io.WriteString(part, body); err != nil {
		panic(err)
	}
	if err := part.Close(); err != nil {
		panic(err)
	}
}
