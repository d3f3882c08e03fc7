package messaging

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/rl1809/stock-reservation/internal/core/domain"
	"github.com/rl1809/stock-reservation/internal/tracing"
)

const EventTypeReservationCompleted = "reservation.completed"

type Producer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

type ReservationCompletedEvent struct {
	EventID       string    `json:"event_id"`
	Type          string    `json:"type"`
	ReservationID int64     `json:"reservation_id"`
	ProductID     int64     `json:"product_id"`
	Quantity      int       `json:"quantity"`
	Status        string    `json:"status"`
	Timestamp     time.Time `json:"timestamp"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// NewWriter returns an async writer keyed by product, so events of one
// product land on one partition in commit order.
func NewWriter(brokers []string, topic string, log zerolog.Logger) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 50 * time.Millisecond,
		Async:        true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				log.Error().Err(err).Int("messages", len(messages)).Msg("kafka delivery failed")
			}
		},
	}
}

type KafkaPublisher struct {
	producer Producer
	now      func() time.Time
}

func NewKafkaPublisher(producer Producer) *KafkaPublisher {
	return &KafkaPublisher{producer: producer, now: time.Now}
}

func (p *KafkaPublisher) PublishReservationCompleted(ctx context.Context, reservation domain.Reservation) error {
	msg, err := p.buildMessage(ctx, reservation)
	if err != nil {
		return err
	}
	if err := p.producer.WriteMessages(ctx, msg); err != nil {
		return errors.Wrapf(err, "publish %s for reservation %d", EventTypeReservationCompleted, reservation.ID)
	}
	return nil
}

func (p *KafkaPublisher) buildMessage(ctx context.Context, reservation domain.Reservation) (kafka.Message, error) {
	event := ReservationCompletedEvent{
		EventID:       uuid.NewString(),
		Type:          EventTypeReservationCompleted,
		ReservationID: reservation.ID,
		ProductID:     reservation.ProductID,
		Quantity:      reservation.Quantity,
		Status:        string(reservation.Status),
		Timestamp:     reservation.Timestamp.UTC(),
		OccurredAt:    p.now().UTC(),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return kafka.Message{}, errors.Wrap(err, "marshal event")
	}

	headers := []kafka.Header{{Key: "event_type", Value: []byte(event.Type)}}
	headers = tracing.InjectKafkaHeaders(ctx, headers)

	return kafka.Message{
		Key:     []byte(strconv.FormatInt(reservation.ProductID, 10)),
		Value:   payload,
		Headers: headers,
		Time:    event.OccurredAt,
	}, nil
}
