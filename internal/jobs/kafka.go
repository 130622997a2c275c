package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dukerupert/trestle/internal/domain"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

// Writer is the subset of kafka.Writer the accounting queue needs.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// AccountingSyncMessage is the value written for every payment to sync.
type AccountingSyncMessage struct {
	PaymentID  uuid.UUID `json:"payment_id"`
	OrgID      uuid.UUID `json:"org_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// KafkaAccountingQueue hands payments to the accounting sync service over a
// Kafka topic. Messages are keyed by org so one org's payments stay ordered.
type KafkaAccountingQueue struct {
	writer Writer
	now    func() time.Time
}

var _ domain.AccountingQueue = (*KafkaAccountingQueue)(nil)

// NewKafkaWriter creates a writer for topic on brokers.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
}

// NewKafkaAccountingQueue creates the queue around w.
func NewKafkaAccountingQueue(w Writer) *KafkaAccountingQueue {
	return &KafkaAccountingQueue{writer: w, now: time.Now}
}

// EnqueuePaymentSync writes one accounting sync message.
func (q *KafkaAccountingQueue) EnqueuePaymentSync(ctx context.Context, paymentID, orgID uuid.UUID) error {
	value, err := json.Marshal(AccountingSyncMessage{
		PaymentID:  paymentID,
		OrgID:      orgID,
		EnqueuedAt: q.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal accounting message: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(orgID.String()),
		Value: value,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(JobTypeAccountingSync)},
		},
	}
	if err := q.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

// Close closes the underlying writer.
func (q *KafkaAccountingQueue) Close() error {
	return q.writer.Close()
}
