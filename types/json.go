package types

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// StringList is a []string stored as a JSON column.
type StringList []string

// Value implements driver.Valuer.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (l *StringList) Scan(src any) error {
	return scanJSON(src, l)
}

// ResourceProfile maps a named resource to a fractional requirement,
// e.g. cpu:0.3. Stored as a JSON column.
type ResourceProfile map[string]float64

// Value implements driver.Valuer.
func (p ResourceProfile) Value() (driver.Value, error) {
	if p == nil {
		return "{}", nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (p *ResourceProfile) Scan(src any) error {
	return scanJSON(src, p)
}

// JSONMap is a generic JSON object column.
type JSONMap map[string]any

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(src any) error {
	return scanJSON(src, m)
}

// PerformanceJSON stores a PerformanceRecord as a JSON column.
type PerformanceJSON struct {
	PerformanceRecord
}

// Value implements driver.Valuer.
func (p PerformanceJSON) Value() (driver.Value, error) {
	b, err := json.Marshal(p.PerformanceRecord)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (p *PerformanceJSON) Scan(src any) error {
	return scanJSON(src, &p.PerformanceRecord)
}

// MarshalJSON flattens the record in API payloads.
func (p PerformanceJSON) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.PerformanceRecord)
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *PerformanceJSON) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &p.PerformanceRecord)
}

func scanJSON(src, dst any) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		if len(v) == 0 {
			return nil
		}
		return json.Unmarshal(v, dst)
	case string:
		if v == "" {
			return nil
		}
		return json.Unmarshal([]byte(v), dst)
	default:
		return fmt.Errorf("unsupported JSON column type %T", src)
	}
}
