// internal/alerting/nats.go
package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSSink publishes alerts to poolwatch.alerts.<type> subjects so other
// systems (dashboards, paging bridges) can subscribe without touching this
// process.
type NATSSink struct {
	nc     *nats.Conn
	logger *zap.Logger
}

func NewNATSSink(url string, logger *zap.Logger) (*NATSSink, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(10),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("alerting: connect to nats: %w", err)
	}

	logger.Info("connected to nats", zap.String("url", url))
	return &NATSSink{nc: nc, logger: logger}, nil
}

func (s *NATSSink) Name() string { return "nats" }

func (s *NATSSink) Deliver(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("alerting: marshal nats payload: %w", err)
	}

	subject := fmt.Sprintf("poolwatch.alerts.%s", ev.Type)
	if err := s.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("alerting: publish to %s: %w", subject, err)
	}
	return nil
}

// Close flushes buffered publishes before dropping the connection.
func (s *NATSSink) Close() error {
	if s.nc != nil {
		s.logger.Info("closing nats connection")
		return s.nc.Drain()
	}
	return nil
}
