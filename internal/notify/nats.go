package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"conductor/internal/logging"
)

// NATSSink publishes notifications to a per-owner NATS subject.
type NATSSink struct {
	conn   *nats.Conn
	prefix string
	logger logging.Logger
}

// NewNATSSink connects to the given NATS URL. prefix defaults to "notify".
func NewNATSSink(url, prefix string, logger logging.Logger) (*NATSSink, error) {
	if prefix == "" {
		prefix = "notify"
	}
	conn, err := nats.Connect(url,
		nats.Name("conductor-notify"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &NATSSink{conn: conn, prefix: prefix, logger: logging.OrNop(logger)}, nil
}

// Notify implements Sink. The subject is "<prefix>.<ownerID>".
func (s *NATSSink) Notify(_ context.Context, n Notification) error {
	if n.At.IsZero() {
		n.At = time.Now()
	}
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	subject := fmt.Sprintf("%s.%s", s.prefix, n.OwnerID)
	if err := s.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	s.logger.Debug("published %s notification for owner %s on %s", n.Kind, n.OwnerID, subject)
	return nil
}

// Close drains the connection.
func (s *NATSSink) Close() {
	if s.conn != nil {
		s.conn.Close()
	}
}
