package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Payload represents category-specific event fields stored as JSON
type Payload map[string]interface{}

// Value implements driver.Valuer interface
func (p Payload) Value() (driver.Value, error) {
	if p == nil {
		return nil, nil
	}
	return json.Marshal(p)
}

// Scan implements sql.Scanner interface
func (p *Payload) Scan(value interface{}) error {
	if value == nil {
		*p = make(Payload)
		return nil
	}

	switch data := value.(type) {
	case []byte:
		return json.Unmarshal(data, p)
	case string:
		return json.Unmarshal([]byte(data), p)
	default:
		return fmt.Errorf("cannot scan %T into Payload", value)
	}
}

// String returns a payload field as a string, or "" if absent
func (p Payload) String(key string) string {
	if p == nil {
		return ""
	}
	s, _ := p[key].(string)
	return s
}

// Int returns a payload field as an int, or 0 if absent.
// JSON numbers decode as float64, so both forms are accepted.
func (p Payload) Int(key string) int {
	if p == nil {
		return 0
	}
	switch v := p[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
