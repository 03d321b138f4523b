package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"market-core/pkg/logger"
)

const (
	sinkBatchSize  = 100
	sinkFlushEvery = 50 * time.Millisecond
)

// MessageWriter is the subset of *kafka.Writer the sink uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaWriter builds an async writer for topic.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 10 * time.Millisecond,
	}
}

// KafkaSink forwards bus events to Kafka as JSON, keyed by player so one
// player's fills stay ordered within a partition.
type KafkaSink struct {
	bus    *Bus
	writer MessageWriter
	topics []Event
	logger *zap.Logger
}

// NewKafkaSink subscribes to topics on Start.
func NewKafkaSink(bus *Bus, writer MessageWriter, log *zap.Logger, topics ...Event) *KafkaSink {
	if len(topics) == 0 {
		topics = []Event{EventOrderFilled}
	}
	return &KafkaSink{bus: bus, writer: writer, topics: topics, logger: logger.OrNop(log).Named("kafka-sink")}
}

// Start drains subscriptions in the background until ctx is cancelled, then
// flushes and closes the writer.
func (s *KafkaSink) Start(ctx context.Context) {
	merged := make(chan kafka.Message, 1024)
	var unsubs []func()
	for _, topic := range s.topics {
		ch, unsub := s.bus.Subscribe(topic, 1024)
		unsubs = append(unsubs, unsub)
		go s.forward(ctx, topic, ch, merged)
	}

	go func() {
		defer func() {
			for _, u := range unsubs {
				u()
			}
			if err := s.writer.Close(); err != nil {
				s.logger.Warn("close kafka writer", zap.Error(err))
			}
		}()

		batch := make([]kafka.Message, 0, sinkBatchSize)
		ticker := time.NewTicker(sinkFlushEvery)
		defer ticker.Stop()
		for {
			select {
			case msg := <-merged:
				batch = append(batch, msg)
				if len(batch) >= sinkBatchSize {
					s.flush(&batch)
				}
			case <-ticker.C:
				s.flush(&batch)
			case <-ctx.Done():
				for {
					select {
					case msg := <-merged:
						batch = append(batch, msg)
					default:
						s.flush(&batch)
						return
					}
				}
			}
		}
	}()
}

func (s *KafkaSink) forward(ctx context.Context, topic Event, in <-chan any, out chan<- kafka.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-in:
			if !ok {
				return
			}
			value, err := json.Marshal(payload)
			if err != nil {
				s.logger.Warn("marshal event", zap.String("topic", string(topic)), zap.Error(err))
				continue
			}
			out <- kafka.Message{
				Key:     []byte(partitionKey(payload)),
				Value:   value,
				Headers: []kafka.Header{{Key: "event", Value: []byte(topic)}},
			}
		}
	}
}

func (s *KafkaSink) flush(batch *[]kafka.Message) {
	if len(*batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.writer.WriteMessages(ctx, (*batch)...); err != nil {
		s.logger.Error("write kafka batch", zap.Int("messages", len(*batch)), zap.Error(err))
	}
	*batch = (*batch)[:0]
}

func partitionKey(payload any) string {
	switch p := payload.(type) {
	case Fill:
		return p.PlayerUUID
	case Rejection:
		return p.PlayerUUID
	case Repair:
		return p.PlayerUUID
	case PriceTick:
		return p.InstrumentID
	default:
		return ""
	}
}
