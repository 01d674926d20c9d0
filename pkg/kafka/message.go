package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Ramsey-B/fern/pkg/models"
)

// IncomingMessage is a consumed Kafka message
type IncomingMessage struct {
	Key       string
	Value     []byte
	Headers   map[string]string
	Partition int
	Offset    int64
	Timestamp time.Time
	Topic     string
}

// IntakeMessage is a producer run's batch of proposals
type IntakeMessage struct {
	ProjectID     string                  `json:"project_id"`
	ProducerRunID string                  `json:"producer_run_id"`
	Actor         string                  `json:"actor,omitempty"`
	Candidates    []models.CandidateInput `json:"candidates"`
}

// ParseIntake decodes the message value as an intake batch
func (m *IncomingMessage) ParseIntake() (*IntakeMessage, error) {
	var intake IntakeMessage
	if err := json.Unmarshal(m.Value, &intake); err != nil {
		return nil, fmt.Errorf("failed to decode intake message: %w", err)
	}
	if intake.ProjectID == "" {
		intake.ProjectID = m.Headers["project_id"]
	}
	if intake.ProjectID == "" {
		return nil, fmt.Errorf("intake message at offset %d has no project_id", m.Offset)
	}
	if intake.ProducerRunID == "" {
		intake.ProducerRunID = m.Key
	}
	return &intake, nil
}
