// Package quota decide quantos códigos cada solicitante ainda pode receber por
// comando. Uma janela com período reinicia de forma preguiçosa: o reinício é
// calculado no acesso, sem temporizador. Sem período o limite é vitalício.
// Contas ilimitadas nunca tocam o armazenamento.
package quota

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/carloslauriano/guardrelay/storage"
)

// Limit descreve a cota de uma conta
type Limit struct {
	Max    int           // 0 = ilimitado
	Period time.Duration // 0 = nunca reinicia
}

// Unlimited indica se a cota é ilimitada
func (l Limit) Unlimited() bool {
	return l.Max <= 0
}

// Lifetime indica se a cota nunca reinicia
func (l Limit) Lifetime() bool {
	return l.Period <= 0
}

// Decision é o resultado de uma consulta ao ledger
type Decision struct {
	Allowed    bool
	Unlimited  bool
	Remaining  int
	Permanent  bool          // recusa vitalícia, sem previsão de reinício
	RetryAfter time.Duration // só para janelas com período
}

// Ledger controla o consumo por solicitante e comando
type Ledger struct {
	store storage.Storage
	now   func() time.Time

	mu sync.Mutex

	keysMu sync.Mutex
	keys   map[string]*sync.Mutex
}

// Option configura o ledger
type Option func(*Ledger)

// WithClock substitui o relógio usado nos cálculos de janela
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

// NewLedger cria um novo ledger sobre o armazenamento informado
func NewLedger(store storage.Storage, opts ...Option) *Ledger {
	l := &Ledger{
		store: store,
		now:   time.Now,
		keys:  make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Acquire serializa decide -> commit de um mesmo solicitante e comando.
// A função retornada libera a chave.
func (l *Ledger) Acquire(requesterID, command string) func() {
	key := requesterID + "\x00" + command

	l.keysMu.Lock()
	m, ok := l.keys[key]
	if !ok {
		m = &sync.Mutex{}
		l.keys[key] = m
	}
	l.keysMu.Unlock()

	m.Lock()
	return m.Unlock
}

// Decide informa se o solicitante pode receber mais um código
func (l *Ledger) Decide(requesterID, command string, limit Limit) (Decision, error) {
	if limit.Unlimited() {
		return Decision{Allowed: true, Unlimited: true}, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	record, dirty, err := l.load(requesterID, command)
	if err != nil {
		return Decision{}, err
	}

	now := l.now().Unix()
	if l.roll(record, limit, now) {
		dirty = true
	}

	if dirty {
		if err := l.store.PutUsage(requesterID, command, record); err != nil {
			return Decision{}, fmt.Errorf("falha ao gravar uso: %w", err)
		}
	}

	if record.Count >= limit.Max {
		decision := Decision{Permanent: limit.Lifetime()}
		if !limit.Lifetime() {
			decision.RetryAfter = time.Duration(record.ResetTime-now) * time.Second
		}
		return decision, nil
	}

	return Decision{Allowed: true, Remaining: limit.Max - record.Count}, nil
}

// Commit registra um código entregue e retorna o saldo restante
func (l *Ledger) Commit(requesterID, command string, limit Limit) (int, error) {
	if limit.Unlimited() {
		return 0, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	record, _, err := l.load(requesterID, command)
	if err != nil {
		return 0, err
	}

	l.roll(record, limit, l.now().Unix())
	record.Count++

	if err := l.store.PutUsage(requesterID, command, record); err != nil {
		return 0, fmt.Errorf("falha ao gravar uso: %w", err)
	}

	return max(0, limit.Max-record.Count), nil
}

// load obtém o registro, criando um vazio se ainda não existir
func (l *Ledger) load(requesterID, command string) (*storage.UsageRecord, bool, error) {
	record, err := l.store.GetUsage(requesterID, command)
	if errors.Is(err, storage.ErrUsageNotFound) {
		return &storage.UsageRecord{}, true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("falha ao obter uso: %w", err)
	}
	return record, false, nil
}

// roll aplica o reinício preguiçoso da janela; retorna true se mudou o registro
func (l *Ledger) roll(record *storage.UsageRecord, limit Limit, now int64) bool {
	if limit.Lifetime() {
		return false
	}

	period := int64(limit.Period / time.Second)
	switch {
	case record.ResetTime == 0:
		record.ResetTime = now + period
		return true
	case now > record.ResetTime:
		record.Count = 0
		record.ResetTime = now + period
		return true
	}
	return false
}
