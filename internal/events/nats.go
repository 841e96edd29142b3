package events

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/dukerupert/kurv/internal/domain"
)

// subjectPrefix namespaces cart events on the bus, one subject per event
// type (e.g. kurv.cart.item_added).
const subjectPrefix = "kurv.cart."

// NATSPublisher publishes events as JSON messages over NATS.
type NATSPublisher struct {
	conn   *nats.Conn
	logger *slog.Logger
}

// NewNATSPublisher wraps an established NATS connection.
func NewNATSPublisher(conn *nats.Conn, logger *slog.Logger) *NATSPublisher {
	return &NATSPublisher{conn: conn, logger: logger}
}

// Publish serializes and sends the event. Failures are logged and
// swallowed; event delivery is best-effort by contract.
func (p *NATSPublisher) Publish(_ context.Context, event domain.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("failed to serialize cart event",
			"event", event.EventName(),
			"error", err,
		)
		return
	}

	subject := subjectPrefix + event.EventName()
	if err := p.conn.Publish(subject, payload); err != nil {
		p.logger.Error("failed to publish cart event",
			"event", event.EventName(),
			"subject", subject,
			"error", err,
		)
	}
}
