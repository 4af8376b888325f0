// Package events publishes submission lifecycle events to a message broker.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v2/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-skills/internal/submission"
)

const DefaultTopic = "exercise.submissions"

var ErrNotSubscribable = errors.New("publisher has no local subscriber")

// Publisher implements submission.EventSink on top of a watermill publisher.
type Publisher struct {
	pub   message.Publisher
	sub   message.Subscriber
	topic string
	log   zerolog.Logger
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// NewKafkaPublisher publishes to Kafka.
func NewKafkaPublisher(cfg KafkaConfig, log zerolog.Logger) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("no kafka brokers configured")
	}
	pub, err := kafka.NewPublisher(kafka.PublisherConfig{
		Brokers:   cfg.Brokers,
		Marshaler: kafka.DefaultMarshaler{},
	}, NewZerologAdapter(log))
	if err != nil {
		return nil, fmt.Errorf("create kafka publisher: %w", err)
	}
	return newPublisher(pub, nil, cfg.Topic, log), nil
}

// NewMemoryPublisher keeps events in-process. Subscribe reads them back.
func NewMemoryPublisher(topic string, log zerolog.Logger) *Publisher {
	ch := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, NewZerologAdapter(log))
	return newPublisher(ch, ch, topic, log)
}

func newPublisher(pub message.Publisher, sub message.Subscriber, topic string, log zerolog.Logger) *Publisher {
	if topic == "" {
		topic = DefaultTopic
	}
	return &Publisher{
		pub:   pub,
		sub:   sub,
		topic: topic,
		log:   log.With().Str("component", "event_publisher").Str("topic", topic).Logger(),
	}
}

func (p *Publisher) Topic() string { return p.topic }

// Publish sends ev keyed by submission id.
func (p *Publisher) Publish(ctx context.Context, ev submission.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), body)
	msg.SetContext(ctx)
	msg.Metadata.Set("event_type", string(ev.Type))
	msg.Metadata.Set("submission_id", ev.Submission.ID)
	msg.Metadata.Set("status", string(ev.Submission.Status))
	msg.Metadata.Set("occurred_at", ev.OccurredAt.Format(time.RFC3339))

	if err := p.pub.Publish(p.topic, msg); err != nil {
		p.log.Error().Err(err).
			Str("event_type", string(ev.Type)).
			Str("submission_id", ev.Submission.ID).
			Msg("Failed to publish event")
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}

	p.log.Debug().
		Str("event_type", string(ev.Type)).
		Str("submission_id", ev.Submission.ID).
		Msg("Published event")
	return nil
}

// Subscribe streams published messages. Only in-process publishers support it.
func (p *Publisher) Subscribe(ctx context.Context) (<-chan *message.Message, error) {
	if p.sub == nil {
		return nil, ErrNotSubscribable
	}
	return p.sub.Subscribe(ctx, p.topic)
}

func (p *Publisher) Close() error {
	return p.pub.Close()
}

// Decode reads a submission event back from a message.
func Decode(msg *message.Message) (submission.Event, error) {
	var ev submission.Event
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		return ev, fmt.Errorf("decode event %s: %w", msg.UUID, err)
	}
	return ev, nil
}
