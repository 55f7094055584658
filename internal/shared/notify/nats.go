package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSPublisher publishes engine events to NATS for the notification service.
//
// Subject convention: <prefix>.<event_type>, e.g. notifications.pm.phase.blocked
//
// Publishing is non-fatal: failures are logged and returned for the caller's
// log only, they never roll back engine state.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
	logger *zap.Logger
}

// NewNATSPublisher creates a publisher on an established connection.
func NewNATSPublisher(nc *nats.Conn, prefix string, logger *zap.Logger) *NATSPublisher {
	if prefix == "" {
		prefix = "notifications.pm"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSPublisher{nc: nc, prefix: prefix, logger: logger}
}

// Subject returns the subject an event is published on.
func (p *NATSPublisher) Subject(event string) string {
	return fmt.Sprintf("%s.%s", p.prefix, event)
}

func (p *NATSPublisher) Notify(_ context.Context, n Notification) error {
	if p == nil || p.nc == nil {
		return nil
	}

	data, err := json.Marshal(n)
	if err != nil {
		p.logger.Warn("notification: failed to marshal event", zap.String("event_type", n.Event), zap.Error(err))
		return err
	}

	subject := p.Subject(n.Event)
	if err := p.nc.Publish(subject, data); err != nil {
		p.logger.Warn("notification: failed to publish NATS event (non-fatal)",
			zap.String("subject", subject),
			zap.String("project_id", n.ProjectID),
			zap.Error(err),
		)
		return err
	}

	p.logger.Debug("notification: event published",
		zap.String("subject", subject),
		zap.String("project_id", n.ProjectID),
		zap.Int("recipients", len(n.Recipients)),
	)
	return nil
}
