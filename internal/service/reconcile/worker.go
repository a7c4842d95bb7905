// Package reconcile периодически подбирает зависшие оплаты и просроченные сессии.
package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

const (
	defaultInterval  = 15 * time.Second
	defaultBatchSize = 200
)

var sweepRuns = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "funnel_sweep_runs_total",
	Help: "Background sweep runs grouped by sweep and result.",
}, []string{"sweep", "result"})

// Funnel — операции воронки, которые выполняет воркер.
type Funnel interface {
	ReconcilePending(ctx context.Context, limit int) (int, error)
	ExpireStale(ctx context.Context, limit int) (int, error)
}

// Options задаёт параметры воркера.
type Options struct {
	Logger    *log.Entry
	Interval  time.Duration
	BatchSize int
}

// Option настраивает Worker.
type Option func(*Options)

func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) { opts.Logger = logger }
}

func WithInterval(interval time.Duration) Option {
	return func(opts *Options) { opts.Interval = interval }
}

// WithBatchSize ограничивает число заказов и сессий за один проход.
func WithBatchSize(batchSize int) Option {
	return func(opts *Options) { opts.BatchSize = batchSize }
}

// Report — итог одного прохода.
type Report struct {
	Reconciled int
	Expired    int
}

// Worker сверяет pending-заказы со шлюзом и закрывает просроченные сессии.
type Worker struct {
	funnel Funnel
	opts   Options
}

// NewWorker создаёт воркер сверки.
func NewWorker(funnel Funnel, options ...Option) *Worker {
	opts := Options{Interval: defaultInterval, BatchSize: defaultBatchSize}
	for _, option := range options {
		option(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "reconcile-worker")
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	return &Worker{funnel: funnel, opts: opts}
}

// Run выполняет проходы раз в Interval до отмены ctx.
func (w *Worker) Run(ctx context.Context) {
	if w.funnel == nil {
		w.opts.Logger.Warn("reconcile worker is disabled: funnel service is nil")
		return
	}

	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	for {
		report := w.RunOnce(ctx)
		if report.Reconciled > 0 || report.Expired > 0 {
			w.opts.Logger.WithFields(log.Fields{
				"reconciled": report.Reconciled,
				"expired":    report.Expired,
			}).Info("sweep completed")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce сначала сверяет оплаты, затем закрывает просроченные сессии:
// сессия в processing не истекает, пока её заказ не сверен.
func (w *Worker) RunOnce(ctx context.Context) Report {
	var report Report
	report.Reconciled = w.sweep(ctx, "reconcile", w.funnel.ReconcilePending)
	report.Expired = w.sweep(ctx, "expire", w.funnel.ExpireStale)
	return report
}

func (w *Worker) sweep(ctx context.Context, name string, fn func(context.Context, int) (int, error)) int {
	if ctx.Err() != nil {
		return 0
	}

	n, err := fn(ctx, w.opts.BatchSize)
	switch {
	case errors.Is(err, context.Canceled):
	case err != nil:
		sweepRuns.WithLabelValues(name, "error").Inc()
		w.opts.Logger.WithError(err).WithField("sweep", name).Warn("sweep failed")
	default:
		sweepRuns.WithLabelValues(name, "ok").Inc()
	}
	return n
}
