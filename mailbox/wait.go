package mailbox

import (
	"context"
	"time"

	"github.com/carloslauriano/guardrelay/config"
	"github.com/carloslauriano/guardrelay/metrics"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Finder é a busca de uma única rodada na caixa de entrada
type Finder interface {
	Locate(ctx context.Context, acc config.Account, marker uint32) Result
}

// Waiter repete a busca em intervalo fixo até achar um código ou esgotar o prazo
type Waiter struct {
	finder   Finder
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger
}

// NewWaiter cria um Waiter
func NewWaiter(finder Finder, interval, timeout time.Duration, logger *zap.Logger) *Waiter {
	return &Waiter{
		finder:   finder,
		interval: interval,
		timeout:  timeout,
		logger:   logger.Named("wait"),
	}
}

// Timeout retorna o prazo total de espera
func (w *Waiter) Timeout() time.Duration {
	return w.timeout
}

// Wait consulta a caixa até achar um código. Sem código, a espera dura o prazo
// inteiro e o marker devolvido é o mesmo recebido. Misconfigured encerra na hora.
func (w *Waiter) Wait(ctx context.Context, acc config.Account, marker uint32) Result {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	pacer := rate.NewLimiter(rate.Every(w.interval), 1)
	last := Result{Outcome: NotFound, Marker: marker}
	attempts := 0

	for {
		if err := pacer.Wait(ctx); err != nil {
			// a próxima rodada não cabe no prazo; espera o restante da janela
			<-ctx.Done()
			break
		}

		attempts++
		result := w.finder.Locate(ctx, acc, marker)
		if result.Outcome == Found || result.Outcome == Misconfigured {
			metrics.RecordCodeWait(result.Outcome.String(), time.Since(start))
			return result
		}
		last = result
	}

	w.logger.Debug("prazo de espera esgotado",
		zap.String("email", acc.Email),
		zap.Int("attempts", attempts),
		zap.Stringer("last_outcome", last.Outcome),
	)
	metrics.RecordCodeWait(NotFound.String(), time.Since(start))

	last.Code, last.Date, last.Marker = "", "", marker
	if last.Outcome != Unavailable {
		last.Outcome = NotFound
	}
	return last
}
