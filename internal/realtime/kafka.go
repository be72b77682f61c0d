package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

var errMissingBrokers = errors.New("realtime: kafka brokers are required")

// KafkaConfig configures KafkaTransport. Each table is read from topic
// TopicPrefix+table; the consumer group is GroupPrefix+channel.
type KafkaConfig struct {
	Brokers     []string
	TopicPrefix string
	GroupPrefix string
	Logger      *zap.Logger
}

type kafkaReader interface {
	FetchMessage(ctx context.Context) (kafkago.Message, error)
	CommitMessages(ctx context.Context, messages ...kafkago.Message) error
	Close() error
}

// KafkaTransport consumes change records published one topic per table.
type KafkaTransport struct {
	config    KafkaConfig
	logger    *zap.Logger
	newReader func(kafkago.ReaderConfig) kafkaReader
}

// NewKafkaTransport validates cfg and constructs the transport.
func NewKafkaTransport(cfg KafkaConfig) (*KafkaTransport, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errMissingBrokers
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaTransport{
		config: cfg,
		logger: logger,
		newReader: func(readerConfig kafkago.ReaderConfig) kafkaReader {
			return kafkago.NewReader(readerConfig)
		},
	}, nil
}

// TopicFor returns the topic carrying table.
func (t *KafkaTransport) TopicFor(table string) string {
	return t.config.TopicPrefix + table
}

func (t *KafkaTransport) Subscribe(ctx context.Context, request SubscribeRequest) (Subscription, error) {
	if strings.TrimSpace(request.Table) == "" {
		return nil, fmt.Errorf("kafka subscribe: table is required")
	}
	reader := t.newReader(kafkago.ReaderConfig{
		Brokers:     t.config.Brokers,
		Topic:       t.TopicFor(request.Table),
		GroupID:     t.config.GroupPrefix + request.Channel,
		StartOffset: kafkago.LastOffset,
		MaxWait:     500 * time.Millisecond,
	})

	consumeCtx, cancel := context.WithCancel(ctx)
	subscription := &kafkaSubscription{
		reader:  reader,
		request: request,
		cancel:  cancel,
		done:    make(chan struct{}),
		logger:  t.logger.With(zap.String("channel", request.Channel), zap.String("topic", t.TopicFor(request.Table))),
	}
	go subscription.consume(consumeCtx)
	request.emitStatus(StatusSubscribed, nil)
	return subscription, nil
}

type kafkaSubscription struct {
	reader    kafkaReader
	request   SubscribeRequest
	cancel    context.CancelFunc
	done      chan struct{}
	logger    *zap.Logger
	closeOnce sync.Once
}

func (s *kafkaSubscription) consume(ctx context.Context) {
	defer close(s.done)
	for {
		message, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.request.emitStatus(StatusChannelError, err)
			return
		}
		payload, err := decodeKafkaRecord(message, s.request.Table)
		if err != nil {
			s.logger.Warn("undecodable kafka record skipped",
				zap.Int64("offset", message.Offset),
				zap.Error(err))
		} else {
			s.request.emitPayload(payload)
		}
		if err := s.reader.CommitMessages(ctx, message); err != nil && ctx.Err() == nil {
			s.logger.Warn("kafka commit failed", zap.Int64("offset", message.Offset), zap.Error(err))
		}
	}
}

func (s *kafkaSubscription) Unsubscribe(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		select {
		case <-s.done:
		case <-ctx.Done():
		}
		err = s.reader.Close()
		s.request.emitStatus(StatusClosed, nil)
	})
	return err
}

func decodeKafkaRecord(message kafkago.Message, table string) (RawPayload, error) {
	var payload RawPayload
	if err := json.Unmarshal(message.Value, &payload); err != nil {
		return RawPayload{}, err
	}
	if payload.Table == "" {
		payload.Table = table
	}
	if payload.Table != table {
		return RawPayload{}, fmt.Errorf("record for table %q on %q topic", payload.Table, table)
	}
	return payload, nil
}

// KafkaPublisher writes change records to the per-table topics.
type KafkaPublisher struct {
	writer      *kafkago.Writer
	topicPrefix string
}

// NewKafkaPublisher constructs a publisher over brokers.
func NewKafkaPublisher(brokers []string, topicPrefix string) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, errMissingBrokers
	}
	writer := &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
	}
	return &KafkaPublisher{writer: writer, topicPrefix: topicPrefix}, nil
}

// Publish writes payloads keyed by their entity id so one entity stays on one partition.
func (p *KafkaPublisher) Publish(ctx context.Context, payloads ...RawPayload) error {
	messages := make([]kafkago.Message, 0, len(payloads))
	for _, payload := range payloads {
		message, err := encodeKafkaRecord(p.topicPrefix, payload)
		if err != nil {
			return err
		}
		messages = append(messages, message)
	}
	return p.writer.WriteMessages(ctx, messages...)
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func encodeKafkaRecord(topicPrefix string, payload RawPayload) (kafkago.Message, error) {
	if strings.TrimSpace(payload.Table) == "" {
		return kafkago.Message{}, fmt.Errorf("%w: missing table", ErrMalformedPayload)
	}
	value, err := json.Marshal(payload)
	if err != nil {
		return kafkago.Message{}, err
	}
	var key []byte
	var row struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(payload.Snapshot(), &row); err == nil && row.ID != "" {
		key = []byte(row.ID)
	}
	return kafkago.Message{
		Topic: topicPrefix + payload.Table,
		Key:   key,
		Value: value,
		Time:  time.Now(),
	}, nil
}
