package kafkaevents

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"github.com/segmentio/kafka-go"

	"github.com/luno/refine"
)

const (
	headerEventID   = "event_id"
	headerEventType = "event_type"
	headerIteration = "iteration"
	headerStatus    = "status"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher publishes workflow events to a single Kafka topic. Messages are keyed by workflow id so that the
// events of one workflow stay ordered within a partition.
type Publisher struct {
	writer messageWriter
	topic  string
}

func New(brokers []string, topic string) *Publisher {
	return &Publisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
			BatchTimeout:           10 * time.Millisecond,
		},
		topic: topic,
	}
}

var _ refine.EventPublisher = (*Publisher)(nil)

func (p *Publisher) Publish(ctx context.Context, e refine.Event) error {
	msg, err := toMessage(e)
	if err != nil {
		return err
	}

	err = p.writer.WriteMessages(ctx, msg)
	if err != nil {
		return errors.Wrap(err, "publish event", j.MKV{
			"topic":       p.topic,
			"workflow_id": e.WorkflowID,
			"event_type":  string(e.Type),
		})
	}

	return nil
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}

func toMessage(e refine.Event) (kafka.Message, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return kafka.Message{}, errors.Wrap(err, "marshal event", j.MKV{"event_id": e.ID})
	}

	return kafka.Message{
		Key:   []byte(e.WorkflowID),
		Value: b,
		Headers: []kafka.Header{
			{Key: headerEventID, Value: []byte(e.ID)},
			{Key: headerEventType, Value: []byte(e.Type)},
			{Key: headerIteration, Value: []byte(strconv.Itoa(e.Iteration))},
			{Key: headerStatus, Value: []byte(e.Status.String())},
		},
		Time: e.CreatedAt,
	}, nil
}

// FromMessage decodes an event published by Publisher.
func FromMessage(m kafka.Message) (refine.Event, error) {
	var e refine.Event
	err := json.Unmarshal(m.Value, &e)
	if err != nil {
		return refine.Event{}, errors.Wrap(err, "unmarshal event", j.MKV{"key": string(m.Key)})
	}

	return e, nil
}
