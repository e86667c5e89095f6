package database

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSONB scans and values a jsonb column as T
type JSONB[T any] struct {
	Data T
}

func (j *JSONB[T]) Scan(src any) error {
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, &j.Data)
	case string:
		return json.Unmarshal([]byte(v), &j.Data)
	default:
		return fmt.Errorf("JSONB.Scan: expected []byte or string, got %T", src)
	}
}

func (j JSONB[T]) Value() (driver.Value, error) {
	return json.Marshal(j.Data)
}

func (j *JSONB[T]) GetValue() T {
	return j.Data
}
