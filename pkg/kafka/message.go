package kafka

import (
	"encoding/json"
	"time"

	"github.com/Ramsey-B/sorrel/pkg/models"
)

// IncomingMessage wraps a raw Kafka message with parsed headers
type IncomingMessage struct {
	Key       string
	Value     []byte
	Headers   map[string]string
	Partition int
	Offset    int64
	Timestamp time.Time
	Topic     string

	// Parsed content
	Envelope *DebeziumEnvelope
	Record   *models.Record
}

// ParseRecordChange parses the message value as a Debezium change event on
// the records table and extracts the resulting record state.
func (m *IncomingMessage) ParseRecordChange() error {
	envelope, err := ParseDebeziumMessage(m.Value)
	if err != nil {
		return err
	}
	m.Envelope = envelope

	row, err := envelope.Payload.ParseRecordRow()
	if err != nil {
		return err
	}
	if row != nil {
		m.Record = row.ToRecord()
	}
	return nil
}

// IsRowDelete reports whether the change removed the record row. Row deletes
// carry no after-state, so the record id comes from the message key.
func (m *IncomingMessage) IsRowDelete() bool {
	return m.Envelope != nil && m.Envelope.Payload.IsDelete()
}

// RecordID returns the record id of the change, falling back to the Kafka
// message key for row deletes.
func (m *IncomingMessage) RecordID() string {
	if m.Record != nil {
		return m.Record.ID
	}
	if m.Envelope != nil && len(m.Envelope.Payload.Before) > 0 {
		var before struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(m.Envelope.Payload.Before, &before); err == nil && before.ID != "" {
			return before.ID
		}
	}
	return keyRecordID(m.Key)
}

// keyRecordID extracts the record id from a Kafka message key, which may be
// either the plain id or the Debezium key struct {"id": "..."}.
func keyRecordID(key string) string {
	if len(key) > 0 && key[0] == '{' {
		var parsed struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal([]byte(key), &parsed); err == nil && parsed.ID != "" {
			return parsed.ID
		}
	}
	return key
}

// HarvestCompletedMessage signals that a source finished a harvest run and
// its flagged records should be re-deduplicated.
type HarvestCompletedMessage struct {
	Type      string    `json:"type"` // "harvest.completed"
	SourceID  string    `json:"source_id"`
	HarvestID string    `json:"harvest_id"`
	Status    string    `json:"status"` // "success", "partial", "failed"
	Timestamp time.Time `json:"timestamp"`
	Records   int       `json:"records,omitempty"`
}

// IsHarvestCompleted checks if the message is a harvest.completed event
func (m *IncomingMessage) IsHarvestCompleted() bool {
	if msgType := m.Headers["type"]; msgType == "harvest.completed" {
		return true
	}

	var evt HarvestCompletedMessage
	if err := json.Unmarshal(m.Value, &evt); err == nil {
		return evt.Type == "harvest.completed"
	}

	return false
}

// ParseHarvestCompleted parses the message as a harvest.completed event
func (m *IncomingMessage) ParseHarvestCompleted() (*HarvestCompletedMessage, error) {
	var evt HarvestCompletedMessage
	if err := json.Unmarshal(m.Value, &evt); err != nil {
		return nil, err
	}
	return &evt, nil
}
