package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// SessionRunner executes the clustering pipeline for one session.
type SessionRunner interface {
	Run(ctx context.Context, sessionID uuid.UUID) error
}

// Subscriber consumes run requests and executes them through the pipeline
// runner. Workers in the same queue group share the load; each request is
// delivered to exactly one of them.
type Subscriber struct {
	client *Client
	runner SessionRunner
	logger *slog.Logger
	subs   []*nats.Subscription
}

// NewSubscriber creates a new run request subscriber.
func NewSubscriber(client *Client, runner SessionRunner, logger *slog.Logger) *Subscriber {
	return &Subscriber{
		client: client,
		runner: runner,
		logger: logger,
	}
}

// Start begins consuming run requests.
func (s *Subscriber) Start(ctx context.Context) error {
	// Try a JetStream durable consumer first, fall back to core NATS.
	sub, err := s.client.js.QueueSubscribe(SubjectSessionRun, queueGroup, s.handleRun,
		nats.Durable(queueGroup),
		nats.DeliverAll(),
		nats.AckExplicit(),
		nats.MaxDeliver(3),
	)
	if err != nil {
		s.logger.Warn("JetStream subscribe failed, using core NATS", "subject", SubjectSessionRun, "error", err)
		sub, err = s.client.conn.QueueSubscribe(SubjectSessionRun, queueGroup, s.handleRun)
		if err != nil {
			return fmt.Errorf("subscribing to %s: %w", SubjectSessionRun, err)
		}
	}
	s.subs = append(s.subs, sub)
	s.logger.Info("subscribed to run requests", "subject", SubjectSessionRun, "queue", queueGroup)
	return nil
}

// Stop unsubscribes from all subjects.
func (s *Subscriber) Stop() {
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
}

func (s *Subscriber) handleRun(msg *nats.Msg) {
	var req RunRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Error("failed to parse run request", "error", err, "subject", msg.Subject)
		s.ack(msg)
		return
	}
	if req.SessionID == uuid.Nil {
		s.logger.Error("run request missing session id", "subject", msg.Subject)
		s.ack(msg)
		return
	}

	s.logger.Info("run request received", "session_id", req.SessionID, "zone_id", req.ZoneID)

	// The runner records failures on the session itself, so the message is
	// acked regardless of the outcome. Redelivery would retry a session that
	// has already been marked failed.
	if err := s.runner.Run(context.Background(), req.SessionID); err != nil {
		s.logger.Error("session run failed", "session_id", req.SessionID, "error", err)
	}

	s.ack(msg)
}

func (s *Subscriber) ack(msg *nats.Msg) {
	if msg.Reply != "" {
		_ = msg.Ack()
	}
}
