// Package events publishes execution lifecycle events to NATS so external
// systems (notification services, audit logs) can observe the engine
// without coupling to its HTTP or store layers.
//
// Grounded on the teacher's internal/events.Subscriber connection setup
// (nats.Connect with reconnect/error handlers, disabled-when-unconfigured
// fallback) re-purposed as a Publisher, since the teacher's own Publisher
// was replaced by a no-op stub — SPEC_FULL.md §3 reinstates a live
// publisher using the same nats.go dependency the teacher's go.mod still
// carries.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/pytask-manager/engine/internal/logger"
)

// Config configures the NATS connection. An empty URL disables publishing.
type Config struct {
	URL string
}

// Publisher emits execution lifecycle events. A Publisher with no live
// connection silently drops every Publish call.
type Publisher struct {
	conn    *nats.Conn
	enabled bool
}

// NewPublisher connects to NATS, or returns a disabled Publisher if cfg.URL
// is empty or the connection attempt fails.
func NewPublisher(cfg Config) (*Publisher, error) {
	log := logger.Events()

	if cfg.URL == "" {
		log.Info().Msg("NATS_URL not configured, event publishing disabled")
		return &Publisher{enabled: false}, nil
	}

	opts := []nats.Option{
		nats.Name("pytask-engine"),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(10),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		log.Warn().Err(err).Str("url", cfg.URL).Msg("failed to connect to NATS, event publishing disabled")
		return &Publisher{enabled: false}, nil
	}

	log.Info().Str("url", conn.ConnectedUrl()).Msg("connected to NATS")
	return &Publisher{conn: conn, enabled: true}, nil
}

// Close drains and closes the NATS connection.
func (p *Publisher) Close() error {
	if !p.enabled {
		return nil
	}
	return p.conn.Drain()
}

func (p *Publisher) publish(subject string, payload interface{}) {
	if !p.enabled {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Events().Error().Err(err).Str("subject", subject).Msg("failed to marshal event")
		return
	}
	if err := p.conn.Publish(subject, data); err != nil {
		logger.Events().Warn().Err(err).Str("subject", subject).Msg("failed to publish event")
	}
}

// PublishExecutionStarted publishes SubjectExecutionStarted.
func (p *Publisher) PublishExecutionStarted(ctx context.Context, executionID, scriptID int64, scheduleID *int64) {
	p.publish(SubjectExecutionStarted, ExecutionStartedEvent{
		EventID:     uuid.NewString(),
		Timestamp:   time.Now().UTC(),
		ExecutionID: executionID,
		ScriptID:    scriptID,
		ScheduleID:  scheduleID,
	})
}

// PublishExecutionSucceeded publishes SubjectExecutionSucceeded.
func (p *Publisher) PublishExecutionSucceeded(ctx context.Context, executionID, scriptID int64) {
	p.publish(SubjectExecutionSucceeded, ExecutionSucceededEvent{
		EventID:     uuid.NewString(),
		Timestamp:   time.Now().UTC(),
		ExecutionID: executionID,
		ScriptID:    scriptID,
	})
}

// PublishExecutionFailed publishes SubjectExecutionFailed.
func (p *Publisher) PublishExecutionFailed(ctx context.Context, executionID, scriptID int64, errMessage string) {
	p.publish(SubjectExecutionFailed, ExecutionFailedEvent{
		EventID:      uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		ExecutionID:  executionID,
		ScriptID:     scriptID,
		ErrorMessage: errMessage,
	})
}

// PublishInstallFinished publishes SubjectInstallFinished.
func (p *Publisher) PublishInstallFinished(ctx context.Context, scriptID int64, success bool, detail string) {
	p.publish(SubjectInstallFinished, InstallFinishedEvent{
		EventID:   uuid.NewString(),
		Timestamp: time.Now().UTC(),
		ScriptID:  scriptID,
		Success:   success,
		Detail:    detail,
	})
}
