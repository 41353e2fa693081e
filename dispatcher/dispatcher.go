// Package dispatcher recebe os comandos do chat, consulta a cota, espera o
// código na caixa da conta e responde ao solicitante.
//
// Cada conta tem um worker próprio com fila limitada, então uma caixa lenta
// não atrasa as respostas das outras contas.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/carloslauriano/guardrelay/chat"
	"github.com/carloslauriano/guardrelay/config"
	"github.com/carloslauriano/guardrelay/mailbox"
	"github.com/carloslauriano/guardrelay/metrics"
	"github.com/carloslauriano/guardrelay/notify"
	"github.com/carloslauriano/guardrelay/quota"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrEventsClosed é retornado por Run quando a conexão com o chat termina
var ErrEventsClosed = errors.New("fluxo de eventos do chat encerrado")

// Sender envia respostas ao chat
type Sender interface {
	SendMessage(ctx context.Context, chatID, text string) error
}

// CodeWaiter espera um código chegar na caixa de uma conta
type CodeWaiter interface {
	Wait(ctx context.Context, acc config.Account, marker uint32) mailbox.Result
	Timeout() time.Duration
}

// Dispatcher encaminha comandos do chat às contas configuradas
type Dispatcher struct {
	registry *Registry
	ledger   *quota.Ledger
	waiter   CodeWaiter
	sender   Sender
	notifier notify.Notifier
	messages Messages
	logger   *zap.Logger

	systemAuthorID int64
	queueSize      int
}

// Option configura o Dispatcher
type Option func(*Dispatcher)

// WithNotifier define quem recebe alertas de contas mal configuradas
func WithNotifier(n notify.Notifier) Option {
	return func(d *Dispatcher) {
		d.notifier = n
	}
}

// WithMessages define o idioma das respostas
func WithMessages(m Messages) Option {
	return func(d *Dispatcher) {
		d.messages = m
	}
}

// WithSystemAuthor define o autor das mensagens automáticas da plataforma
func WithSystemAuthor(id int64) Option {
	return func(d *Dispatcher) {
		d.systemAuthorID = id
	}
}

// WithQueueSize define quantos pedidos cada conta aceita na fila
func WithQueueSize(n int) Option {
	return func(d *Dispatcher) {
		d.queueSize = n
	}
}

// New cria um Dispatcher
func New(registry *Registry, ledger *quota.Ledger, waiter CodeWaiter, sender Sender, logger *zap.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry:  registry,
		ledger:    ledger,
		waiter:    waiter,
		sender:    sender,
		notifier:  notify.Nop{},
		messages:  Catalog("ru"),
		logger:    logger.Named("dispatcher"),
		queueSize: 16,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// request é um comando já associado a uma conta
type request struct {
	id      string
	message chat.NewMessage
	state   *AccountState
}

// Run consome os eventos até o contexto terminar ou o canal fechar. Os
// pedidos são entregues ao worker da conta; Run nunca espera pela caixa.
func (d *Dispatcher) Run(ctx context.Context, events <-chan chat.Event) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	queues := make(map[*AccountState]chan request, len(d.registry.States()))
	var wg sync.WaitGroup
	for _, state := range d.registry.States() {
		queue := make(chan request, d.queueSize)
		queues[state] = queue

		wg.Add(1)
		go func() {
			defer wg.Done()
			d.worker(ctx, queue)
		}()
	}
	defer func() {
		cancel()
		for _, queue := range queues {
			close(queue)
		}
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return ErrEventsClosed
			}
			d.route(ctx, ev, func(req request) bool {
				select {
				case queues[req.state] <- req:
					return true
				default:
					return false
				}
			})
		}
	}
}

func (d *Dispatcher) worker(ctx context.Context, queue <-chan request) {
	for req := range queue {
		if ctx.Err() != nil {
			continue
		}
		d.safeProcess(ctx, req)
	}
}

// Handle processa um evento de forma síncrona, sem filas
func (d *Dispatcher) Handle(ctx context.Context, ev chat.Event) {
	d.route(ctx, ev, func(req request) bool {
		d.safeProcess(ctx, req)
		return true
	})
}

// route filtra o evento e entrega o pedido; um pânico aqui não derruba o loop
func (d *Dispatcher) route(ctx context.Context, ev chat.Event, deliver func(request) bool) {
	defer d.recoverEvent("route")

	msg, ok := ev.(chat.NewMessage)
	if !ok {
		return
	}
	if msg.AuthorID == d.systemAuthorID {
		return
	}

	command := config.NormalizeCommand(msg.Text)
	if command == "" {
		return
	}

	state, ok := d.registry.Lookup(command)
	if !ok {
		return
	}

	req := request{id: uuid.NewString(), message: msg, state: state}
	if !deliver(req) {
		d.logger.Warn("fila da conta cheia, pedido recusado",
			zap.String("request_id", req.id),
			zap.String("account", state.Account.Email),
			zap.String("chat_id", msg.ChatID),
		)
		d.reply(ctx, req, d.messages.Busy)
	}
}

func (d *Dispatcher) safeProcess(ctx context.Context, req request) {
	defer d.recoverEvent(req.id)

	if err := d.process(ctx, req); err != nil {
		metrics.IncrementEventFailures()
		d.logger.Error("falha ao processar pedido",
			zap.String("request_id", req.id),
			zap.String("command", req.state.Account.Command),
			zap.Error(err),
		)
	}
}

func (d *Dispatcher) recoverEvent(requestID string) {
	if r := recover(); r != nil {
		metrics.IncrementEventFailures()
		d.logger.Error("pânico ao processar evento",
			zap.String("request_id", requestID),
			zap.Any("panic", r),
			zap.ByteString("stack", debug.Stack()),
		)
	}
}

// process executa a consulta de cota, a espera pelo código e o registro do uso
func (d *Dispatcher) process(ctx context.Context, req request) error {
	acc := req.state.Account
	limit := req.state.Limit
	requesterID := strconv.FormatInt(req.message.AuthorID, 10)

	log := d.logger.With(
		zap.String("request_id", req.id),
		zap.String("account", acc.Email),
		zap.String("command", acc.Command),
		zap.String("requester_id", requesterID),
		zap.String("chat_id", req.message.ChatID),
	)

	release := d.ledger.Acquire(requesterID, acc.Command)
	defer release()

	decision, err := d.ledger.Decide(requesterID, acc.Command, limit)
	if err != nil {
		return fmt.Errorf("falha ao consultar cota: %w", err)
	}

	if !decision.Allowed {
		if decision.Permanent {
			metrics.IncrementQuotaDenial(acc.Command, "lifetime")
			log.Warn("limite vitalício esgotado", zap.Int("limit", limit.Max))
			d.reply(ctx, req, d.messages.lifetimeExhausted(limit.Max))
			return nil
		}

		retry := int64(decision.RetryAfter / time.Second)
		metrics.IncrementQuotaDenial(acc.Command, "window")
		log.Warn("limite da janela esgotado", zap.Int("limit", limit.Max), zap.Duration("retry_after", decision.RetryAfter))
		d.reply(ctx, req, d.messages.windowExhausted(limit.Max, acc.PeriodHours, retry))
		return nil
	}

	d.reply(ctx, req, d.messages.Searching)

	result := d.waiter.Wait(ctx, acc, req.state.Marker())
	if !result.HasCode() {
		if result.Outcome == mailbox.Misconfigured {
			d.alert(ctx, log, acc, result.Err)
		}
		log.Warn("código não encontrado", zap.Stringer("outcome", result.Outcome), zap.Error(result.Err))
		d.reply(ctx, req, d.messages.notFound(int(d.waiter.Timeout()/time.Second)))
		return nil
	}

	req.state.Advance(result.Marker)

	remaining, err := d.ledger.Commit(requesterID, acc.Command, limit)
	if err != nil {
		// o código já foi consumido da caixa; entrega mesmo sem registrar o uso
		log.Error("falha ao registrar uso", zap.Error(err))
		remaining = max(0, decision.Remaining-1)
	}

	left, total := d.messages.balance(remaining, limit)
	d.reply(ctx, req, d.messages.codeFound(result.Code, result.Date, left, total))

	metrics.IncrementCodesDispatched(acc.Command)
	log.Info("código entregue", zap.Uint32("uid", result.Marker), zap.String("left", left+"/"+total))
	return nil
}

func (d *Dispatcher) alert(ctx context.Context, log *zap.Logger, acc config.Account, cause error) {
	subject := fmt.Sprintf("guardrelay: conta %s mal configurada", acc.Email)
	body := fmt.Sprintf("A conta %s (comando %s) não pode ser consultada: %v", acc.Email, acc.Command, cause)

	if err := d.notifier.Notify(ctx, acc.Email, subject, body); err != nil && !errors.Is(err, notify.ErrThrottled) {
		log.Error("falha ao enviar alerta", zap.Error(err))
	}
}

// reply envia a resposta sem interromper o pedido em caso de falha
func (d *Dispatcher) reply(ctx context.Context, req request, text string) {
	if err := d.sender.SendMessage(ctx, req.message.ChatID, text); err != nil {
		d.logger.Error("falha ao responder no chat",
			zap.String("request_id", req.id),
			zap.String("chat_id", req.message.ChatID),
			zap.Error(err),
		)
	}
}
