package events

import (
	"Coffer/internal/observability"
	"Coffer/internal/persistence"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	StreamName       = "COFFER_BALANCES"
	SubjectPrefix    = "coffer.balances"
	DefaultQueueSize = 4096
)

// Publisher is the subset of jetstream.JetStream used for publishing.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// Subject returns the subject balance updates for id are published on.
func Subject(id uuid.UUID) string {
	return SubjectPrefix + "." + id.String()
}

// BalancePublisher announces every durable account write on NATS.
// AccountSaved only enqueues; Run does the publishing. When the queue is
// full the update is dropped, since subscribers can always read the
// current balance from the API.
type BalancePublisher struct {
	js      Publisher
	queue   chan persistence.SavedAccount
	logger  zerolog.Logger
	metrics *observability.Metrics
}

func NewBalancePublisher(js Publisher, queueSize int, logger zerolog.Logger, metrics *observability.Metrics) *BalancePublisher {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &BalancePublisher{
		js:      js,
		queue:   make(chan persistence.SavedAccount, queueSize),
		logger:  logger,
		metrics: metrics,
	}
}

// AccountSaved implements persistence.SaveListener. It never blocks.
func (p *BalancePublisher) AccountSaved(s persistence.SavedAccount) {
	select {
	case p.queue <- s:
	default:
		if p.metrics != nil {
			p.metrics.EventsDropped.Inc()
		}
		p.logger.Debug().Str("account", s.ID.String()).Msg("publish queue full, dropping balance event")
	}
}

// Run publishes queued updates until ctx is cancelled.
func (p *BalancePublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case s := <-p.queue:
			if err := p.publish(ctx, s); err != nil {
				if p.metrics != nil {
					p.metrics.PublishErrors.Inc()
				}
				// Non-fatal: the write itself already succeeded.
				p.logger.Warn().Err(err).Str("account", s.ID.String()).Msg("balance publish failed")
				continue
			}
			if p.metrics != nil {
				p.metrics.EventsPublished.Inc()
			}
		}
	}
}

func (p *BalancePublisher) publish(ctx context.Context, s persistence.SavedAccount) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal balance event: %w", err)
	}
	_, err = p.js.Publish(ctx, Subject(s.ID), data)
	return err
}

// EnsureStream creates the balance event stream if it does not exist.
func EnsureStream(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{SubjectPrefix + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", StreamName, err)
	}
	logger.Info().Str("stream", StreamName).Msg("ensured balance event stream")
	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("coffer"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
