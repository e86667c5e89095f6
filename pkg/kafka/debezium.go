package kafka

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/Ramsey-B/sorrel/pkg/models"
)

// DebeziumEnvelope is the standard Debezium CDC message format
type DebeziumEnvelope struct {
	Schema  json.RawMessage `json:"schema,omitempty"`
	Payload DebeziumPayload `json:"payload"`
}

// DebeziumPayload contains the before/after state of a row
type DebeziumPayload struct {
	Before json.RawMessage `json:"before"`
	After  json.RawMessage `json:"after"`
	Source DebeziumSource  `json:"source"`
	Op     string          `json:"op"` // c=create, u=update, d=delete, r=read (snapshot)
	TsMs   int64           `json:"ts_ms"`
}

// DebeziumSource contains metadata about the source of the change
type DebeziumSource struct {
	Version   string `json:"version"`
	Connector string `json:"connector"`
	Name      string `json:"name"`
	TsMs      int64  `json:"ts_ms"`
	Snapshot  string `json:"snapshot,omitempty"`
	Db        string `json:"db"`
	Schema    string `json:"schema"`
	Table     string `json:"table"`
	TxId      int64  `json:"txId,omitempty"`
	Lsn       int64  `json:"lsn,omitempty"`
}

// IsCreate returns true if this is a create operation
func (p *DebeziumPayload) IsCreate() bool {
	return p.Op == "c" || p.Op == "r"
}

// IsUpdate returns true if this is an update operation
func (p *DebeziumPayload) IsUpdate() bool {
	return p.Op == "u"
}

// IsDelete returns true if this is a delete operation
func (p *DebeziumPayload) IsDelete() bool {
	return p.Op == "d"
}

// RecordRow represents a row from the records table as Debezium serializes it
type RecordRow struct {
	ID           string          `json:"id"`
	SourceID     string          `json:"source_id"`
	Format       string          `json:"format"`
	Payload      json.RawMessage `json:"payload"`
	Deleted      bool            `json:"deleted"`
	Suppressed   *bool           `json:"suppressed"`
	DedupID      *string         `json:"dedup_id"`
	UpdateNeeded bool            `json:"update_needed"`
	HostRecordID *string         `json:"host_record_id"`
	LinkingID    *string         `json:"linking_id"`
	CreatedAt    string          `json:"created_at"`
	UpdatedAt    string          `json:"updated_at"`
}

// ToRecord converts the Debezium row to a Record model. The candidate key
// columns are left out on purpose: the extractor recomputes them from the
// payload before every dedup pass.
func (r *RecordRow) ToRecord() *models.Record {
	return &models.Record{
		ID:           r.ID,
		SourceID:     r.SourceID,
		Format:       r.Format,
		Payload:      r.Payload,
		Deleted:      r.Deleted,
		Suppressed:   r.Suppressed,
		DedupID:      r.DedupID,
		UpdateNeeded: r.UpdateNeeded,
		HostRecordID: r.HostRecordID,
		LinkingID:    r.LinkingID,
		CreatedAt:    parseDebeziumTimestamp(r.CreatedAt),
		UpdatedAt:    parseDebeziumTimestamp(r.UpdatedAt),
	}
}

// parseDebeziumTimestamp parses a timestamp string from Debezium.
// Debezium can send timestamps in various formats depending on the connector config.
func parseDebeziumTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}

	formats := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05.999999Z",
		"2006-01-02T15:04:05.999999",
		"2006-01-02 15:04:05.999999",
		"2006-01-02 15:04:05",
	}

	for _, format := range formats {
		if t, err := time.Parse(format, s); err == nil {
			return t
		}
	}

	return time.Time{}
}

// ParseDebeziumMessage parses a raw Kafka message as a Debezium envelope
func ParseDebeziumMessage(data []byte) (*DebeziumEnvelope, error) {
	var envelope DebeziumEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, err
	}
	return &envelope, nil
}

func unwrapJSONStringJSON(raw json.RawMessage) (json.RawMessage, error) {
	raw = json.RawMessage(bytes.TrimSpace(raw))
	if len(raw) == 0 {
		return raw, nil
	}
	if raw[0] != '"' {
		return raw, nil // already object/array/etc.
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	return json.RawMessage(s), nil
}

// ParseRecordRow parses the After payload as a RecordRow
func (p *DebeziumPayload) ParseRecordRow() (*RecordRow, error) {
	if len(p.After) == 0 || string(p.After) == "null" {
		return nil, nil
	}

	var row RecordRow
	if err := json.Unmarshal(p.After, &row); err != nil {
		return nil, err
	}

	unwrapped, err := unwrapJSONStringJSON(row.Payload)
	if err != nil {
		return nil, err
	}
	row.Payload = unwrapped

	return &row, nil
}

// Timestamp returns the event timestamp
func (p *DebeziumPayload) Timestamp() time.Time {
	return time.UnixMilli(p.TsMs)
}
