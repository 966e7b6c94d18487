package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Publisher publishes session run requests to NATS.
type Publisher struct {
	client *Client
	logger *slog.Logger
}

// NewPublisher creates a new run request publisher.
func NewPublisher(client *Client, logger *slog.Logger) *Publisher {
	return &Publisher{client: client, logger: logger}
}

// RunRequest is the message delivered to pipeline workers.
type RunRequest struct {
	SessionID uuid.UUID `json:"session_id"`
	ZoneID    string    `json:"zone_id"`
	Timestamp time.Time `json:"timestamp"`
}

// EnqueueRun publishes a run request for the given session.
func (p *Publisher) EnqueueRun(_ context.Context, sessionID uuid.UUID, zoneID string) error {
	data, err := json.Marshal(RunRequest{
		SessionID: sessionID,
		ZoneID:    zoneID,
		Timestamp: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("marshaling run request: %w", err)
	}

	if err := p.client.conn.Publish(SubjectSessionRun, data); err != nil {
		return fmt.Errorf("publishing to %s: %w", SubjectSessionRun, err)
	}

	p.logger.Debug("enqueued session run", "session_id", sessionID, "zone_id", zoneID)
	return nil
}
