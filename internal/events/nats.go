// Package events publishes payment events to NATS.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dukerupert/trestle/internal/domain"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Subjects, relative to the configured prefix.
const (
	SubjectPaymentRecorded = "payments.recorded"
	SubjectAccountingSync  = "payments.accounting_sync"
	SubjectWaiverRequested = "waivers.requested"
)

// DefaultSubjectPrefix is used when no prefix is configured.
const DefaultSubjectPrefix = "trestle"

const (
	defaultFlushTimeout = 2 * time.Second
	headerOrgID         = "Org-Id"
	headerRequestID     = "Request-Id"
)

// Conn is the subset of *nats.Conn the publisher uses.
type Conn interface {
	PublishMsg(msg *nats.Msg) error
	FlushTimeout(timeout time.Duration) error
	Drain() error
}

// Publisher publishes JSON events under a subject prefix.
type Publisher struct {
	conn   Conn
	prefix string
}

var _ domain.EventPublisher = (*Publisher)(nil)

// Connect dials NATS and returns the connection. The caller owns it.
func Connect(url string, logger zerolog.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("trestle"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return nc, nil
}

// NewPublisher creates a Publisher. An empty prefix uses DefaultSubjectPrefix.
func NewPublisher(conn Conn, prefix string) *Publisher {
	prefix = strings.Trim(prefix, ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &Publisher{conn: conn, prefix: prefix}
}

// Subject returns the full subject for name.
func (p *Publisher) Subject(name string) string {
	return p.prefix + "." + name
}

// PublishPaymentRecorded publishes a payment.recorded event.
func (p *Publisher) PublishPaymentRecorded(ctx context.Context, evt domain.PaymentRecordedEvent) error {
	return p.Publish(ctx, SubjectPaymentRecorded, evt.OrgID.String(), evt)
}

// Publish marshals v and publishes it to the prefixed subject, then flushes
// so a publish error surfaces to the caller instead of being lost.
func (p *Publisher) Publish(ctx context.Context, name, orgID string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", name, err)
	}

	msg := nats.NewMsg(p.Subject(name))
	msg.Data = data
	msg.Header.Set(headerOrgID, orgID)
	if reqID := domain.RequestIDFromContext(ctx); reqID != "" {
		msg.Header.Set(headerRequestID, reqID)
	}

	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}

	timeout := defaultFlushTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d < timeout {
			timeout = d
		}
	}
	if timeout <= 0 {
		return fmt.Errorf("publish %s: %w", msg.Subject, context.DeadlineExceeded)
	}
	if err := p.conn.FlushTimeout(timeout); err != nil {
		return fmt.Errorf("flush %s: %w", msg.Subject, err)
	}
	return nil
}

// Close drains the connection.
func (p *Publisher) Close() error {
	return p.conn.Drain()
}
