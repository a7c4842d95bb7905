package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/funnel/internal/domain"
	"github.com/vladislavdragonenkov/funnel/internal/messaging/kafka"
)

const (
	defaultPollInterval   = 500 * time.Millisecond
	defaultBatchSize      = 100
	defaultMaxAttempts    = 3
	defaultRetryBaseDelay = 50 * time.Millisecond
)

var (
	publishResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "funnel_outbox_publish_total",
		Help: "Outbox publish results: sent, retry, failed, dead_lettered, dlq_failed.",
	}, []string{"result"})
	pendingRecords = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "funnel_outbox_pending_records",
		Help: "Pending records in the transactional outbox.",
	})
	oldestPendingAge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "funnel_outbox_oldest_pending_age_seconds",
		Help: "Age of the oldest pending outbox record.",
	})
)

// Report — итог одного цикла публикации.
type Report struct {
	Sent         int
	Failed       int
	DeadLettered int
}

// Options задаёт параметры outbox worker.
type Options struct {
	Logger         *log.Entry
	DLQPublisher   domain.OutboxPublisher
	PollInterval   time.Duration
	BatchSize      int
	MaxAttempts    int
	RetryBaseDelay time.Duration
	Now            func() time.Time
}

// Option настраивает Worker.
type Option func(*Options)

func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) { opts.Logger = logger }
}

// WithDLQPublisher задаёт publisher для сообщений, исчерпавших попытки.
func WithDLQPublisher(publisher domain.OutboxPublisher) Option {
	return func(opts *Options) { opts.DLQPublisher = publisher }
}

func WithPollInterval(interval time.Duration) Option {
	return func(opts *Options) { opts.PollInterval = interval }
}

func WithBatchSize(batchSize int) Option {
	return func(opts *Options) { opts.BatchSize = batchSize }
}

// WithMaxAttempts задаёт число попыток публикации одного сообщения.
func WithMaxAttempts(maxAttempts int) Option {
	return func(opts *Options) { opts.MaxAttempts = maxAttempts }
}

// WithRetryBaseDelay задаёт первую задержку; дальше она удваивается.
func WithRetryBaseDelay(delay time.Duration) Option {
	return func(opts *Options) { opts.RetryBaseDelay = delay }
}

func WithClock(now func() time.Time) Option {
	return func(opts *Options) { opts.Now = now }
}

// Worker переносит события воронки из outbox в Kafka.
type Worker struct {
	repo         domain.OutboxRepository
	publisher    domain.OutboxPublisher
	dlqPublisher domain.OutboxPublisher
	logger       *log.Entry
	opts         Options
}

// NewWorker создаёт outbox worker.
func NewWorker(repo domain.OutboxRepository, publisher domain.OutboxPublisher, options ...Option) *Worker {
	opts := Options{
		PollInterval:   defaultPollInterval,
		BatchSize:      defaultBatchSize,
		MaxAttempts:    defaultMaxAttempts,
		RetryBaseDelay: defaultRetryBaseDelay,
	}
	for _, option := range options {
		option(&opts)
	}

	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "outbox-worker")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.RetryBaseDelay < 0 {
		opts.RetryBaseDelay = 0
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Worker{
		repo:         repo,
		publisher:    publisher,
		dlqPublisher: opts.DLQPublisher,
		logger:       opts.Logger,
		opts:         opts,
	}
}

// Run публикует outbox до отмены ctx.
func (w *Worker) Run(ctx context.Context) {
	if w.repo == nil || w.publisher == nil {
		w.logger.Warn("outbox worker is disabled: repo or publisher is nil")
		return
	}

	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	for {
		// Полный батч означает, что в outbox остались сообщения: разбираем без паузы.
		for {
			pulled, _ := w.processBatch(ctx)
			if pulled < w.opts.BatchSize || ctx.Err() != nil {
				break
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ProcessOnce публикует один батч pending-сообщений.
func (w *Worker) ProcessOnce(ctx context.Context) Report {
	_, report := w.processBatch(ctx)
	return report
}

func (w *Worker) processBatch(ctx context.Context) (int, Report) {
	var report Report
	if ctx.Err() != nil {
		return 0, report
	}

	messages, err := w.repo.PullPending(w.opts.BatchSize)
	if err != nil {
		w.logger.WithError(err).Warn("pull pending outbox messages failed")
		return 0, report
	}

	for _, msg := range messages {
		if ctx.Err() != nil {
			break
		}
		fields := log.Fields{"outbox_id": msg.ID, "event_type": msg.EventType, "session_id": msg.AggregateID}

		err := w.publishWithRetry(ctx, msg)
		if err == nil {
			report.Sent++
			if err := w.repo.MarkSent(msg.ID); err != nil {
				w.logger.WithError(err).WithFields(fields).Warn("mark outbox sent failed")
			}
			continue
		}
		if ctx.Err() != nil {
			break
		}

		report.Failed++
		publishResults.WithLabelValues("failed").Inc()
		w.logger.WithError(err).WithFields(fields).Error("outbox publish failed after retries")

		if w.dlqPublisher != nil {
			if dlqErr := w.deadLetter(msg, err); dlqErr != nil {
				publishResults.WithLabelValues("dlq_failed").Inc()
				w.logger.WithError(dlqErr).WithFields(fields).Warn("publish to dlq failed")
			} else {
				report.DeadLettered++
				publishResults.WithLabelValues("dead_lettered").Inc()
			}
		}
		if err := w.repo.MarkFailed(msg.ID); err != nil {
			w.logger.WithError(err).WithFields(fields).Warn("mark outbox failed failed")
		}
	}

	w.refreshBacklog()
	return len(messages), report
}

func (w *Worker) publishWithRetry(ctx context.Context, msg domain.OutboxMessage) error {
	var lastErr error
	delay := w.opts.RetryBaseDelay

	for attempt := 1; attempt <= w.opts.MaxAttempts; attempt++ {
		err := w.publisher.Publish(msg)
		if err == nil {
			publishResults.WithLabelValues("sent").Inc()
			return nil
		}
		lastErr = err
		publishResults.WithLabelValues("retry").Inc()

		if attempt == w.opts.MaxAttempts || delay <= 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		if delay < time.Minute {
			delay *= 2
		}
	}

	return fmt.Errorf("publish failed after %d attempts: %w", w.opts.MaxAttempts, lastErr)
}

func (w *Worker) deadLetter(msg domain.OutboxMessage, publishErr error) error {
	payload, err := json.Marshal(kafka.OutboxDeadLetter{
		OutboxID:      msg.ID,
		AggregateType: msg.AggregateType,
		AggregateID:   msg.AggregateID,
		EventType:     msg.EventType,
		Payload:       json.RawMessage(msg.Payload),
		PublishError:  publishErr.Error(),
	})
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}

	msg.Payload = payload
	if err := w.dlqPublisher.Publish(msg); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrOutboxPublish, err)
	}
	return nil
}

// Backlog возвращает текущее состояние outbox.
func (w *Worker) Backlog() (domain.OutboxStats, error) {
	return w.repo.Stats()
}

func (w *Worker) refreshBacklog() {
	stats, err := w.repo.Stats()
	if err != nil {
		w.logger.WithError(err).Warn("collect outbox backlog stats failed")
		return
	}

	pendingRecords.Set(float64(stats.PendingCount))
	if stats.PendingCount == 0 || stats.OldestPendingAt.IsZero() {
		oldestPendingAge.Set(0)
		return
	}
	oldestPendingAge.Set(max(w.opts.Now().Sub(stats.OldestPendingAt).Seconds(), 0))
}
