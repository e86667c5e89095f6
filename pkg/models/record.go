package models

import (
	"encoding/json"
	"time"
)

// Record represents one harvested bibliographic record in the staging store.
// Field order matches schema: id, source_id, format, payload, ...
type Record struct {
	ID           string          `json:"id" db:"id"`
	SourceID     string          `json:"source_id" db:"source_id"`
	Format       string          `json:"format" db:"format"`
	Payload      json.RawMessage `json:"payload" db:"payload"` // normalized metadata, read through metadata.Record accessors
	Deleted      bool            `json:"deleted" db:"deleted"`
	Suppressed   *bool           `json:"suppressed,omitempty" db:"suppressed"`
	DedupID      *string         `json:"dedup_id,omitempty" db:"dedup_id"`
	UpdateNeeded bool            `json:"update_needed" db:"update_needed"`
	TitleKeys    []string        `json:"title_keys,omitempty" db:"title_keys"`
	ISBNKeys     []string        `json:"isbn_keys,omitempty" db:"isbn_keys"`
	IDKeys       []string        `json:"id_keys,omitempty" db:"id_keys"`
	HostRecordID *string         `json:"host_record_id,omitempty" db:"host_record_id"`
	LinkingID    *string         `json:"linking_id,omitempty" db:"linking_id"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}

// IsSuppressed treats the tri-state suppressed flag as false when absent
func (r *Record) IsSuppressed() bool {
	return r.Suppressed != nil && *r.Suppressed
}

// IsComponentPart returns true if the record is a child of a host record
func (r *Record) IsComponentPart() bool {
	return r.HostRecordID != nil && *r.HostRecordID != ""
}

// AsDocument converts the record to a generic document for filter evaluation.
// Optional fields render as missing keys, which keeps $exists meaningful.
func (r *Record) AsDocument() map[string]any {
	doc := map[string]any{
		"id":            r.ID,
		"source_id":     r.SourceID,
		"format":        r.Format,
		"deleted":       r.Deleted,
		"update_needed": r.UpdateNeeded,
		"created_at":    r.CreatedAt,
		"updated_at":    r.UpdatedAt,
	}
	if r.Suppressed != nil {
		doc["suppressed"] = *r.Suppressed
	}
	if r.DedupID != nil {
		doc["dedup_id"] = *r.DedupID
	}
	if len(r.TitleKeys) > 0 {
		doc["title_keys"] = r.TitleKeys
	}
	if len(r.ISBNKeys) > 0 {
		doc["isbn_keys"] = r.ISBNKeys
	}
	if len(r.IDKeys) > 0 {
		doc["id_keys"] = r.IDKeys
	}
	if r.HostRecordID != nil {
		doc["host_record_id"] = *r.HostRecordID
	}
	if r.LinkingID != nil {
		doc["linking_id"] = *r.LinkingID
	}
	return doc
}

// ApplyUpdate applies set/unset field updates to the record in place.
// Unknown fields are ignored so stores stay tolerant of schema drift.
func (r *Record) ApplyUpdate(set map[string]any, unset []string) {
	for field, value := range set {
		switch field {
		case "dedup_id":
			if s, ok := value.(string); ok {
				r.DedupID = &s
			}
		case "update_needed":
			if b, ok := value.(bool); ok {
				r.UpdateNeeded = b
			}
		case "deleted":
			if b, ok := value.(bool); ok {
				r.Deleted = b
			}
		case "suppressed":
			if b, ok := value.(bool); ok {
				r.Suppressed = &b
			}
		case "title_keys":
			if keys, ok := value.([]string); ok {
				r.TitleKeys = keys
			}
		case "isbn_keys":
			if keys, ok := value.([]string); ok {
				r.ISBNKeys = keys
			}
		case "id_keys":
			if keys, ok := value.([]string); ok {
				r.IDKeys = keys
			}
		case "updated_at":
			if t, ok := value.(time.Time); ok {
				r.UpdatedAt = t
			}
		}
	}

	for _, field := range unset {
		switch field {
		case "dedup_id":
			r.DedupID = nil
		case "suppressed":
			r.Suppressed = nil
		case "title_keys":
			r.TitleKeys = nil
		case "isbn_keys":
			r.ISBNKeys = nil
		case "id_keys":
			r.IDKeys = nil
		case "host_record_id":
			r.HostRecordID = nil
		case "linking_id":
			r.LinkingID = nil
		}
	}
}

// SourcePrefix extracts the source qualifier from a source-qualified record
// id ("source.localid"). Returns the whole id when it has no qualifier.
func SourcePrefix(id string) string {
	for i := 0; i < len(id); i++ {
		if id[i] == '.' {
			return id[:i]
		}
	}
	return id
}
