// Package notify avisa o operador quando uma conta precisa de atenção.
package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/carloslauriano/guardrelay/config"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrThrottled é retornado quando a mesma chave já foi avisada dentro do intervalo
var ErrThrottled = errors.New("alerta suprimido pelo intervalo mínimo")

// Notifier envia alertas ao operador. key agrupa alertas repetidos.
type Notifier interface {
	Notify(ctx context.Context, key, subject, body string) error
}

// Nop descarta todos os alertas
type Nop struct{}

// Notify implementa Notifier
func (Nop) Notify(context.Context, string, string, string) error {
	return nil
}

// New retorna o notificador configurado, ou Nop se os alertas estiverem desligados
func New(cfg config.AlertsConfig, logger *zap.Logger) Notifier {
	if !cfg.Enabled() {
		return Nop{}
	}
	return NewSMTPNotifier(cfg, logger)
}

// SMTPNotifier envia alertas por email
type SMTPNotifier struct {
	cfg    config.AlertsConfig
	logger *zap.Logger
	now    func() time.Time

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewSMTPNotifier cria um notificador SMTP
func NewSMTPNotifier(cfg config.AlertsConfig, logger *zap.Logger) *SMTPNotifier {
	return &SMTPNotifier{
		cfg:      cfg,
		logger:   logger.Named("notify"),
		now:      time.Now,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Notify envia o alerta, no máximo uma vez por intervalo para cada chave
func (n *SMTPNotifier) Notify(ctx context.Context, key, subject, body string) error {
	if !n.limiter(key).Allow() {
		return ErrThrottled
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	msg, err := n.compose(subject, body)
	if err != nil {
		return err
	}

	var auth sasl.Client
	if n.cfg.Username != "" {
		auth = sasl.NewPlainClient("", n.cfg.Username, n.cfg.Password)
	}

	if err := smtp.SendMail(n.cfg.SMTPAddr, auth, n.cfg.From, n.cfg.To, msg); err != nil {
		return fmt.Errorf("falha ao enviar alerta: %w", err)
	}

	n.logger.Info("alerta enviado", zap.String("key", key), zap.Strings("to", n.cfg.To))
	return nil
}

func (n *SMTPNotifier) limiter(key string) *rate.Limiter {
	n.mu.Lock()
	defer n.mu.Unlock()

	l, ok := n.limiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Every(n.cfg.Interval), 1)
		n.limiters[key] = l
	}
	return l
}

func (n *SMTPNotifier) compose(subject, body string) (io.Reader, error) {
	to := make([]*mail.Address, len(n.cfg.To))
	for i, addr := range n.cfg.To {
		to[i] = &mail.Address{Address: addr}
	}

	var h mail.Header
	h.SetAddressList("From", []*mail.Address{{Name: "guardrelay", Address: n.cfg.From}})
	h.SetAddressList("To", to)
	h.SetSubject(subject)
	h.SetDate(n.now())
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("falha ao montar alerta: %w", err)
	}
	if _, err := io.WriteString(w, body); err != nil {
		return nil, fmt.Errorf("falha ao montar alerta: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("falha ao montar alerta: %w", err)
	}
	return &buf, nil
}
