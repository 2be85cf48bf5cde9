package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix is the subject root for policy events.
const DefaultSubjectPrefix = "kernel.policy"

// NATSBus publishes events to NATS JetStream. Event IDs double as JetStream
// message IDs so redeliveries collapse on the broker.
type NATSBus struct {
	conn          *nats.Conn
	js            nats.JetStreamContext
	subjectPrefix string
	logger        *slog.Logger
}

// NewNATSBus connects to url and prepares a JetStream publisher. An empty
// subjectPrefix falls back to DefaultSubjectPrefix.
func NewNATSBus(url, subjectPrefix string, logger *slog.Logger) (*NATSBus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if subjectPrefix == "" {
		subjectPrefix = DefaultSubjectPrefix
	}
	conn, err := nats.Connect(url,
		nats.Name("podium-kernel"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open jetstream context: %w", err)
	}
	return &NATSBus{
		conn:          conn,
		js:            js,
		subjectPrefix: subjectPrefix,
		logger:        logger.With("component", "nats_bus"),
	}, nil
}

// Publish serializes ev and publishes it on "<prefix>.<type>".
func (b *NATSBus) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	subject := b.subjectPrefix + "." + string(ev.Type)
	_, err = b.js.Publish(subject, data, nats.MsgId(ev.ID), nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("publish to jetstream: %w", err)
	}
	b.logger.Debug("published event", "subject", subject, "event_id", ev.ID)
	return nil
}

// Close drains pending publishes and closes the connection.
func (b *NATSBus) Close() error {
	return b.conn.Drain()
}
