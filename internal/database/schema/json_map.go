package schema

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSONCounts stores a name -> count map in a json column.
type JSONCounts map[string]int

// Value implements the driver.Valuer interface
func (m JSONCounts) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan implements the sql.Scanner interface
func (m *JSONCounts) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*m = make(JSONCounts)
		return nil
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return fmt.Errorf("unsupported Scan, storing driver.Value type %T into type *JSONCounts", value)
	}
}
