// Package mailbox localiza o email de código Steam Guard mais recente numa
// caixa IMAP e espera por ele durante um prazo.
package mailbox

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/carloslauriano/guardrelay/config"
	"github.com/carloslauriano/guardrelay/metrics"
	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"go.uber.org/zap"
)

// Dialer abre uma conexão IMAP já pronta para autenticação
type Dialer func(addr string, timeout time.Duration) (*client.Client, error)

// DialTLS conecta via IMAPS verificando o certificado do servidor
func DialTLS(addr string, timeout time.Duration) (*client.Client, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}

	c, err := client.DialWithDialerTLS(&net.Dialer{Timeout: timeout}, addr, &tls.Config{ServerName: host})
	if err != nil {
		return nil, err
	}
	c.Timeout = timeout
	return c, nil
}

// Locator consulta a caixa de entrada de uma conta
type Locator struct {
	sender      string
	dialTimeout time.Duration
	dial        Dialer
	loc         *time.Location
	logger      *zap.Logger
}

// LocatorOption configura o Locator
type LocatorOption func(*Locator)

// WithDialer substitui a forma de conectar ao servidor IMAP
func WithDialer(d Dialer) LocatorOption {
	return func(l *Locator) {
		l.dial = d
	}
}

// WithLocation define o fuso usado para exibir a data do email
func WithLocation(loc *time.Location) LocatorOption {
	return func(l *Locator) {
		l.loc = loc
	}
}

// NewLocator cria um Locator para o remetente configurado
func NewLocator(cfg config.MailboxConfig, logger *zap.Logger, opts ...LocatorOption) *Locator {
	l := &Locator{
		sender:      cfg.Sender,
		dialTimeout: cfg.DialTimeout,
		dial:        DialTLS,
		loc:         time.Local,
		logger:      logger.Named("mailbox"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Locate busca o email mais recente do remetente com UID acima de marker.
// Nenhuma falha escapa daqui: tudo vira um Outcome.
func (l *Locator) Locate(ctx context.Context, acc config.Account, marker uint32) Result {
	result := l.locate(ctx, acc, marker)
	metrics.IncrementMailboxLookup(result.Outcome.String())

	log := l.logger.With(zap.String("email", acc.Email), zap.String("outcome", result.Outcome.String()))
	switch result.Outcome {
	case Found:
		log.Info("código encontrado", zap.Uint32("uid", result.Marker))
	case Unavailable, Misconfigured:
		log.Warn("falha ao consultar caixa de entrada", zap.Error(result.Err))
	default:
		if result.Err != nil {
			log.Debug("email ignorado", zap.Error(result.Err))
		}
	}
	return result
}

func (l *Locator) locate(ctx context.Context, acc config.Account, marker uint32) Result {
	notFound := Result{Outcome: NotFound, Marker: marker}

	addr, err := ResolveEndpoint(acc.Email, acc.IMAPServer)
	if err != nil {
		return Result{Outcome: Misconfigured, Marker: marker, Err: err}
	}

	c, err := l.dial(addr, l.dialTimeout)
	if err != nil {
		return Result{Outcome: Unavailable, Marker: marker, Err: fmt.Errorf("falha ao conectar em %s: %w", addr, err)}
	}
	stop := context.AfterFunc(ctx, func() { c.Terminate() })
	defer func() {
		if stop() {
			c.Logout()
		}
	}()

	if err := c.Login(acc.Email, acc.Password); err != nil {
		return Result{Outcome: Unavailable, Marker: marker, Err: fmt.Errorf("falha na autenticação: %w", err)}
	}

	// somente leitura: o email continua não lido para o dono da caixa
	if _, err := c.Select(imap.InboxName, true); err != nil {
		return Result{Outcome: Unavailable, Marker: marker, Err: fmt.Errorf("falha ao selecionar INBOX: %w", err)}
	}

	criteria := imap.NewSearchCriteria()
	criteria.Header.Add("From", l.sender)
	uids, err := c.UidSearch(criteria)
	if err != nil {
		return Result{Outcome: Unavailable, Marker: marker, Err: fmt.Errorf("falha na busca: %w", err)}
	}
	if len(uids) == 0 {
		return notFound
	}

	latest := uids[0]
	for _, uid := range uids[1:] {
		latest = max(latest, uid)
	}
	if latest <= marker {
		return notFound
	}

	code, date, err := l.fetch(c, latest)
	switch {
	case errors.Is(err, errNotGuardMail), errors.Is(err, errNoCodeCell), errors.Is(err, errNoHTML):
		notFound.Err = err
		return notFound
	case err != nil:
		return Result{Outcome: Unavailable, Marker: marker, Err: err}
	}

	return Result{Outcome: Found, Code: code, Date: date, Marker: latest}
}

func (l *Locator) fetch(c *client.Client, uid uint32) (string, string, error) {
	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)

	section := &imap.BodySectionName{Peek: true}
	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- c.UidFetch(seqset, []imap.FetchItem{section.FetchItem()}, messages)
	}()

	var msg *imap.Message
	for m := range messages {
		msg = m
	}
	if err := <-done; err != nil {
		return "", "", fmt.Errorf("falha ao baixar email %d: %w", uid, err)
	}
	if msg == nil {
		return "", "", fmt.Errorf("email %d não retornado pelo servidor", uid)
	}

	body := msg.GetBody(section)
	if body == nil {
		return "", "", fmt.Errorf("email %d sem corpo", uid)
	}
	return parseMessage(body, l.loc)
}
