package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const namespace = "guardrelay"

var (
	// Códigos entregues com sucesso
	CodesDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "codes_dispatched_total",
			Help:      "Total number of codes delivered to requesters",
		},
		[]string{"command"},
	)

	// Pedidos recusados por cota
	QuotaDenials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_denials_total",
			Help:      "Total number of requests denied by quota",
		},
		[]string{"command", "kind"}, // kind: lifetime, window
	)

	// Consultas IMAP por resultado
	MailboxLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mailbox_lookups_total",
			Help:      "Total number of mailbox lookups by outcome",
		},
		[]string{"outcome"},
	)

	// Tempo de espera pelo código (segundos)
	CodeWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "code_wait_seconds",
			Help:      "Time spent waiting for a code to arrive",
			Buckets:   prometheus.LinearBuckets(5, 5, 12), // 5s a 60s
		},
		[]string{"outcome"},
	)

	// Eventos do chat que falharam
	EventFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_failures_total",
			Help:      "Total number of chat events whose handling failed",
		},
	)
)

// IncrementCodesDispatched incrementa os códigos entregues
func IncrementCodesDispatched(command string) {
	CodesDispatched.WithLabelValues(command).Inc()
}

// IncrementQuotaDenial incrementa as recusas por cota
func IncrementQuotaDenial(command, kind string) {
	QuotaDenials.WithLabelValues(command, kind).Inc()
}

// IncrementMailboxLookup incrementa as consultas IMAP
func IncrementMailboxLookup(outcome string) {
	MailboxLookups.WithLabelValues(outcome).Inc()
}

// RecordCodeWait registra o tempo de espera por um código
func RecordCodeWait(outcome string, d time.Duration) {
	CodeWait.WithLabelValues(outcome).Observe(d.Seconds())
}

// IncrementEventFailures incrementa as falhas de eventos
func IncrementEventFailures() {
	EventFailures.Inc()
}

// Serve expõe /metrics até o contexto ser cancelado
func Serve(ctx context.Context, addr string, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("Iniciando servidor de métricas", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
