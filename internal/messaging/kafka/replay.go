package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
)

// ReplayOptions описывает один прогон переотправки сообщений из DLQ.
type ReplayOptions struct {
	SourceTopic string
	// DefaultTopic используется для outbox-сообщений и записей без исходного топика.
	DefaultTopic string
	Limit        int
	// Execute включает реальную публикацию; по умолчанию только dry-run.
	Execute     bool
	FromNewest  bool
	IdleTimeout time.Duration
}

// ReplayReport — итог прогона.
type ReplayReport struct {
	Processed int
	Replayed  int
	Skipped   int
}

// OffsetSource отдаёт границы партиций топика.
type OffsetSource interface {
	GetOffset(topic string, partition int32, time int64) (int64, error)
	Partitions(topic string) ([]int32, error)
}

// PartitionReader — минимальный интерфейс sarama.PartitionConsumer.
type PartitionReader interface {
	Messages() <-chan *sarama.ConsumerMessage
	Errors() <-chan *sarama.ConsumerError
	Close() error
}

// PartitionOpener открывает чтение партиции с заданного offset.
type PartitionOpener interface {
	ConsumePartition(topic string, partition int32, offset int64) (PartitionReader, error)
}

// SaramaPartitionOpener адаптирует sarama.Consumer к PartitionOpener.
type SaramaPartitionOpener struct {
	Consumer sarama.Consumer
}

func (o SaramaPartitionOpener) ConsumePartition(topic string, partition int32, offset int64) (PartitionReader, error) {
	pc, err := o.Consumer.ConsumePartition(topic, partition, offset)
	if err != nil {
		return nil, err
	}
	return pc, nil
}

// Replayer перечитывает DLQ и возвращает сообщения в исходные топики.
type Replayer struct {
	offsets  OffsetSource
	opener   PartitionOpener
	producer sarama.SyncProducer
	logger   *log.Entry
}

// NewReplayer создаёт Replayer. producer может быть nil в режиме dry-run.
func NewReplayer(offsets OffsetSource, opener PartitionOpener, producer sarama.SyncProducer) *Replayer {
	return &Replayer{
		offsets:  offsets,
		opener:   opener,
		producer: producer,
		logger:   log.WithField("component", "dlq-replay"),
	}
}

type replayRecord struct {
	topic string
	key   string
	value []byte
}

// Run сканирует партиции SourceTopic по возрастанию, пока не наберёт Limit сообщений.
func (r *Replayer) Run(ctx context.Context, opts ReplayOptions) (ReplayReport, error) {
	var report ReplayReport
	if r.offsets == nil || r.opener == nil {
		return report, errors.New("kafka offsets source and partition opener are required")
	}
	if opts.Execute && r.producer == nil {
		return report, errors.New("producer is required in execute mode")
	}
	if opts.Limit <= 0 {
		return report, errors.New("limit must be > 0")
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 2 * time.Second
	}
	if opts.SourceTopic == "" {
		opts.SourceTopic = TopicDeadLetterQueue
	}
	if opts.DefaultTopic == "" {
		opts.DefaultTopic = TopicWorkflowEvents
	}

	partitions, err := r.offsets.Partitions(opts.SourceTopic)
	if err != nil {
		return report, fmt.Errorf("get partitions for topic %s: %w", opts.SourceTopic, err)
	}
	sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })

	for _, partition := range partitions {
		if report.Processed >= opts.Limit {
			break
		}
		part, err := r.replayPartition(ctx, opts, partition, opts.Limit-report.Processed)
		report.Processed += part.Processed
		report.Replayed += part.Replayed
		report.Skipped += part.Skipped
		if err != nil {
			return report, err
		}
	}

	r.logger.WithFields(log.Fields{
		"execute":   opts.Execute,
		"processed": report.Processed,
		"replayed":  report.Replayed,
		"skipped":   report.Skipped,
	}).Info("dlq replay finished")
	return report, nil
}

func (r *Replayer) replayPartition(ctx context.Context, opts ReplayOptions, partition int32, limit int) (ReplayReport, error) {
	var report ReplayReport

	oldest, err := r.offsets.GetOffset(opts.SourceTopic, partition, sarama.OffsetOldest)
	if err != nil {
		return report, fmt.Errorf("get oldest offset for partition %d: %w", partition, err)
	}
	newest, err := r.offsets.GetOffset(opts.SourceTopic, partition, sarama.OffsetNewest)
	if err != nil {
		return report, fmt.Errorf("get newest offset for partition %d: %w", partition, err)
	}
	if newest <= oldest {
		return report, nil
	}

	start := oldest
	if opts.FromNewest && newest-int64(limit) > oldest {
		start = newest - int64(limit)
	}

	reader, err := r.opener.ConsumePartition(opts.SourceTopic, partition, start)
	if err != nil {
		return report, fmt.Errorf("consume partition %d: %w", partition, err)
	}
	defer func() { _ = reader.Close() }()

	idle := time.NewTimer(opts.IdleTimeout)
	defer idle.Stop()

	for report.Processed < limit {
		select {
		case <-ctx.Done():
			return report, ctx.Err()
		case <-idle.C:
			return report, nil
		case cerr := <-reader.Errors():
			if cerr != nil {
				return report, fmt.Errorf("partition %d consumer error: %w", partition, cerr)
			}
		case msg, ok := <-reader.Messages():
			if !ok || msg == nil || msg.Offset >= newest {
				return report, nil
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(opts.IdleTimeout)

			report.Processed++
			record, ok, err := decodeDeadLetter(msg.Value, opts.DefaultTopic)
			if err != nil || !ok {
				report.Skipped++
				entry := r.logger.WithFields(log.Fields{"partition": msg.Partition, "offset": msg.Offset})
				if err != nil {
					entry = entry.WithError(err)
				}
				entry.Warn("skip unsupported dlq message")
			} else if opts.Execute {
				if err := r.publish(record); err != nil {
					return report, fmt.Errorf("publish replay message: %w", err)
				}
				report.Replayed++
			} else {
				r.logger.WithFields(log.Fields{
					"partition":    msg.Partition,
					"offset":       msg.Offset,
					"target_topic": record.topic,
					"key":          record.key,
				}).Info("dlq replay candidate")
				report.Replayed++
			}

			if msg.Offset+1 >= newest {
				return report, nil
			}
		}
	}
	return report, nil
}

func (r *Replayer) publish(record replayRecord) error {
	_, _, err := r.producer.SendMessage(&sarama.ProducerMessage{
		Topic:     record.topic,
		Key:       sarama.StringEncoder(record.key),
		Value:     sarama.ByteEncoder(record.value),
		Timestamp: time.Now().UTC(),
	})
	return err
}

// decodeDeadLetter распознаёт оба формата DLQ: запись consumer'а с исходным
// сообщением и outbox-конверт, внутри которого лежит OutboxDeadLetter.
func decodeDeadLetter(value []byte, defaultTopic string) (replayRecord, bool, error) {
	var consumed ConsumerDeadLetter
	if err := json.Unmarshal(value, &consumed); err == nil && consumed.OriginalValue != "" {
		topic := strings.TrimSpace(consumed.OriginalTopic)
		if topic == "" {
			topic = defaultTopic
		}
		return replayRecord{topic: topic, key: consumed.OriginalKey, value: []byte(consumed.OriginalValue)}, true, nil
	}

	var envelope OutboxEnvelope
	if err := json.Unmarshal(value, &envelope); err != nil || len(envelope.Payload) == 0 {
		return replayRecord{}, false, nil
	}

	var dead OutboxDeadLetter
	if err := json.Unmarshal(envelope.Payload, &dead); err != nil {
		return replayRecord{}, false, fmt.Errorf("decode outbox dead letter: %w", err)
	}
	if len(dead.Payload) == 0 {
		return replayRecord{}, false, errors.New("outbox dead letter has no original payload")
	}

	restored := OutboxEnvelope{
		ID:            firstNonEmpty(dead.OutboxID, envelope.ID),
		AggregateType: firstNonEmpty(dead.AggregateType, envelope.AggregateType),
		AggregateID:   firstNonEmpty(dead.AggregateID, envelope.AggregateID),
		EventType:     firstNonEmpty(dead.EventType, envelope.EventType),
		Payload:       dead.Payload,
		PublishedAt:   time.Now().UTC(),
	}
	encoded, err := json.Marshal(restored)
	if err != nil {
		return replayRecord{}, false, fmt.Errorf("encode replay envelope: %w", err)
	}
	return replayRecord{topic: defaultTopic, key: restored.Key(), value: encoded}, true, nil
}

// ParseBrokers разбирает список брокеров через запятую.
func ParseBrokers(raw string) []string {
	var brokers []string
	for _, chunk := range strings.Split(raw, ",") {
		if broker := strings.TrimSpace(chunk); broker != "" {
			brokers = append(brokers, broker)
		}
	}
	return brokers
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
