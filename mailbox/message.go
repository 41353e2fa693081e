package mailbox

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// DateLayout é o formato de exibição da data do email
const DateLayout = "02.01.2006 15:04:05"

// codeCellClass identifica a célula que contém o código no email da Steam
const codeCellClass = "title-48 c-blue1 fw-b a-center"

// guardPhrases precisa aparecer no texto para o email contar como código Steam Guard
var guardPhrases = []string{
	"вам понадобится код steam guard",
	"you'll need to enter the steam guard code",
}

var (
	errNoHTML       = errors.New("email sem parte text/html")
	errNotGuardMail = errors.New("email não é de código Steam Guard")
	errNoCodeCell   = errors.New("célula do código não encontrada")
)

// parseMessage extrai o código e a data local de um email bruto
func parseMessage(r io.Reader, loc *time.Location) (code, date string, err error) {
	mr, err := mail.CreateReader(r)
	if err != nil {
		return "", "", fmt.Errorf("falha ao ler email: %w", err)
	}
	defer mr.Close()

	sent, err := mr.Header.Date()
	if err != nil {
		return "", "", fmt.Errorf("cabeçalho Date inválido: %w", err)
	}
	date = sent.In(loc).Format(DateLayout)

	seenHTML := false
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", "", fmt.Errorf("falha ao ler parte do email: %w", err)
		}

		h, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		if ct, _, _ := h.ContentType(); ct != "text/html" {
			continue
		}
		seenHTML = true

		body, err := io.ReadAll(part.Body)
		if err != nil {
			return "", "", fmt.Errorf("falha ao decodificar HTML: %w", err)
		}

		code, err := extractCode(body)
		if errors.Is(err, errNoCodeCell) {
			continue
		}
		if err != nil {
			return "", "", err
		}
		return code, date, nil
	}

	if seenHTML {
		return "", "", errNoCodeCell
	}
	return "", "", errNoHTML
}

// extractCode confere a frase do Steam Guard e lê a célula do código
func extractCode(body []byte) (string, error) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("falha ao interpretar HTML: %w", err)
	}

	text := strings.ToLower(strings.Join(strings.Fields(textOf(doc, " ")), " "))
	if !containsAny(text, guardPhrases) {
		return "", errNotGuardMail
	}

	cell := findCell(doc)
	if cell == nil {
		return "", errNoCodeCell
	}

	code := textOf(cell, "")
	if code == "" {
		return "", errNoCodeCell
	}
	return code, nil
}

func containsAny(s string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// textOf junta os textos do nó, cada um sem espaços nas pontas
func textOf(n *html.Node, sep string) string {
	var parts []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch {
		case n.Type == html.TextNode:
			if s := strings.TrimSpace(n.Data); s != "" {
				parts = append(parts, s)
			}
		case n.Type == html.ElementNode && (n.DataAtom == atom.Script || n.DataAtom == atom.Style):
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(parts, sep)
}

func findCell(n *html.Node) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == atom.Td && hasClass(n, codeCellClass) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findCell(c); found != nil {
			return found
		}
	}
	return nil
}

func hasClass(n *html.Node, want string) bool {
	for _, attr := range n.Attr {
		if attr.Key == "class" {
			return strings.Join(strings.Fields(attr.Val), " ") == want
		}
	}
	return false
}
