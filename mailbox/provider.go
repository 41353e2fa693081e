package mailbox

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

const imapsPort = "993"

// ErrUnknownProvider é retornado quando o domínio não tem servidor IMAP conhecido
var ErrUnknownProvider = errors.New("provedor de email desconhecido")

// providers relaciona trechos do domínio ao servidor IMAP; vale o primeiro que casar
var providers = []struct {
	match []string
	host  string
}{
	{[]string{"mail.ru"}, "imap.mail.ru"},
	{[]string{"gmail"}, "imap.gmail.com"},
	{[]string{"yandex"}, "imap.yandex.ru"},
	{[]string{"rambler"}, "imap.rambler.ru"},
	{[]string{"firstmail"}, "imap.firstmail.ru"},
	{[]string{"notletters"}, "imap.notletters.com"},
	{[]string{"outlook", "hotmail"}, "outlook.office365.com"},
}

// Endpoint resolve host:porta do servidor IMAP a partir do domínio do endereço
func Endpoint(address string) (string, error) {
	domain := strings.ToLower(address[strings.LastIndex(address, "@")+1:])

	for _, p := range providers {
		for _, m := range p.match {
			if strings.Contains(domain, m) {
				return net.JoinHostPort(p.host, imapsPort), nil
			}
		}
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownProvider, domain)
}

// ResolveEndpoint usa o servidor explícito da conta, se houver, ou a tabela de provedores
func ResolveEndpoint(address, override string) (string, error) {
	if override == "" {
		return Endpoint(address)
	}
	if _, _, err := net.SplitHostPort(override); err == nil {
		return override, nil
	}
	return net.JoinHostPort(override, imapsPort), nil
}
