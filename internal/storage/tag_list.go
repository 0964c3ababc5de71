package storage

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// TagList stores item tags inside a JSON text column.
type TagList []string

// Value implements driver.Valuer so TagList can be stored as JSON.
func (t TagList) Value() (driver.Value, error) {
	if len(t) == 0 {
		return "[]", nil
	}

	data, err := json.Marshal([]string(t))
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements sql.Scanner to hydrate the TagList from the database.
func (t *TagList) Scan(value any) error {
	if value == nil {
		*t = nil
		return nil
	}

	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("storage.TagList: unsupported type %T", value)
	}

	if len(data) == 0 {
		*t = nil
		return nil
	}
	var parsed []string
	if err := json.Unmarshal(data, &parsed); err != nil {
		return err
	}
	*t = parsed
	return nil
}

// tagPattern matches one JSON-encoded tag inside the column for LIKE queries.
func tagPattern(tag string) string {
	encoded, _ := json.Marshal(tag)
	return "%" + string(encoded) + "%"
}
