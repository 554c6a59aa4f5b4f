package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/twmb/franz-go/pkg/kgo"

	"caseline/internal/config"
	"caseline/internal/events"
)

const defaultKafkaTopic = "caseline.case-events"

type producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// KafkaPublisher publishes committed transitions keyed by case id, so one case's
// notifications stay ordered within a partition.
type KafkaPublisher struct {
	client producer
	closer func()
	topic  string
}

func NewKafkaPublisher(cfg config.KafkaConfig) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka.brokers is required")
	}
	topic := cfg.Topic
	if topic == "" {
		topic = defaultKafkaTopic
	}
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(topic),
	}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	return &KafkaPublisher{client: client, closer: client.Close, topic: topic}, nil
}

func (p *KafkaPublisher) Name() string { return "kafka" }

func (p *KafkaPublisher) Notify(ctx context.Context, n events.Notification) error {
	value, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	rec := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(n.CaseID),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "caseline-event", Value: []byte(n.Type)},
			{Key: "caseline-notable", Value: []byte(strconv.FormatBool(events.Notable(n.Transition)))},
		},
	}
	if err := p.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("produce %s: %w", n.Type, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() {
	if p.closer != nil {
		p.closer()
	}
}
