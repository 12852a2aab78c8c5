package kafka

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/arklim/iam-twofactor/internal/infra/config"
)

// Producer wraps a Sarama producer. Async mode is fire-and-forget with errors
// drained in the background; sync mode waits for the leader ack on every send.
type Producer struct {
	producer sarama.AsyncProducer
	sync     sarama.SyncProducer
	logger   *zap.Logger
	cfg      config.KafkaSettings
	errChan  chan error
	done     chan struct{}
}

func newSaramaConfig(async bool) *sarama.Config {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = sarama.V3_5_0_0
	saramaConfig.ClientID = "iam-twofactor"

	saramaConfig.Producer.RequiredAcks = sarama.WaitForLocal
	saramaConfig.Producer.Compression = sarama.CompressionSnappy
	saramaConfig.Producer.Retry.Max = 3
	saramaConfig.Producer.Return.Errors = true
	// Sync producers require successes to be returned.
	saramaConfig.Producer.Return.Successes = !async
	if async {
		saramaConfig.Producer.Flush.Frequency = 100 * time.Millisecond
		saramaConfig.Producer.Flush.Messages = 100
	}

	saramaConfig.Metadata.Retry.Max = 3
	saramaConfig.Metadata.Retry.Backoff = 250 * time.Millisecond
	return saramaConfig
}

// NewProducer connects to the configured brokers.
func NewProducer(cfg config.KafkaSettings, logger *zap.Logger) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Producer{
		logger:  logger,
		cfg:     cfg,
		errChan: make(chan error, 256),
		done:    make(chan struct{}),
	}

	if cfg.Async {
		producer, err := sarama.NewAsyncProducer(cfg.Brokers, newSaramaConfig(true))
		if err != nil {
			return nil, fmt.Errorf("create kafka producer: %w", err)
		}
		p.producer = producer
		go p.handleErrors()
	} else {
		producer, err := sarama.NewSyncProducer(cfg.Brokers, newSaramaConfig(false))
		if err != nil {
			return nil, fmt.Errorf("create kafka producer: %w", err)
		}
		p.sync = producer
	}

	logger.Info("kafka producer initialized",
		zap.Strings("brokers", cfg.Brokers),
		zap.String("topic_prefix", cfg.TopicPrefix),
		zap.Bool("async", cfg.Async),
	)

	return p, nil
}

func (p *Producer) handleErrors() {
	for {
		select {
		case err, ok := <-p.producer.Errors():
			if !ok {
				return
			}
			if err == nil {
				continue
			}
			p.logger.Error("kafka producer error",
				zap.Error(err.Err),
				zap.String("topic", err.Msg.Topic),
			)
			select {
			case p.errChan <- err.Err:
			default:
				p.logger.Warn("kafka error channel full, dropping error")
			}
		case <-p.done:
			return
		}
	}
}

// Send enqueues (async) or delivers (sync) one message.
func (p *Producer) Send(ctx context.Context, msg *sarama.ProducerMessage) error {
	if p.sync != nil {
		if _, _, err := p.sync.SendMessage(msg); err != nil {
			return fmt.Errorf("send kafka message: %w", err)
		}
		return nil
	}

	select {
	case p.producer.Input() <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Errors returns asynchronous delivery failures for external monitoring.
func (p *Producer) Errors() <-chan error {
	return p.errChan
}

// Close flushes pending messages and releases the producer.
func (p *Producer) Close() error {
	p.logger.Info("closing kafka producer")
	close(p.done)

	var err error
	if p.producer != nil {
		err = p.producer.Close()
	}
	if p.sync != nil {
		err = p.sync.Close()
	}
	close(p.errChan)
	if err != nil {
		return fmt.Errorf("close kafka producer: %w", err)
	}
	return nil
}

// TopicName returns the full topic name with prefix.
func (p *Producer) TopicName(eventType string) string {
	if p.cfg.TopicPrefix == "" {
		return eventType
	}

	prefix := p.cfg.TopicPrefix + "."
	if strings.HasPrefix(eventType, prefix) {
		return eventType
	}
	return prefix + eventType
}
