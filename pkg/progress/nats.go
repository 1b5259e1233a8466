package progress

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Event is the JSON body published by NATSSink.
type Event struct {
	RunID     string    `json:"runId"`
	Stage     string    `json:"stage"`
	Percent   float64   `json:"percent"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher is the subset of *nats.Conn used by NATSSink.
type Publisher interface {
	Publish(subject string, data []byte) error
}

var _ Publisher = (*nats.Conn)(nil)

// NATSSink publishes each notification as an Event on a subject. Publish
// failures are logged and otherwise ignored.
type NATSSink struct {
	conn    Publisher
	subject string
	runID   string
	logger  *zap.Logger
}

// NewNATSSink creates a sink publishing on subject for the given run.
func NewNATSSink(conn Publisher, subject, runID string, logger *zap.Logger) *NATSSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSSink{
		conn:    conn,
		subject: subject,
		runID:   runID,
		logger:  logger,
	}
}

// Emit publishes the notification.
func (s *NATSSink) Emit(stage string, percent float64, message string) {
	data, err := json.Marshal(Event{
		RunID:     s.runID,
		Stage:     stage,
		Percent:   percent,
		Message:   message,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		s.logger.Warn("failed to encode progress event", zap.Error(err))
		return
	}
	if err := s.conn.Publish(s.subject, data); err != nil {
		s.logger.Warn("failed to publish progress event",
			zap.String("subject", s.subject),
			zap.String("run_id", s.runID),
			zap.Error(err))
	}
}

var _ Sink = (*NATSSink)(nil)
