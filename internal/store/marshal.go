package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/MarioHBS/knn-portal-backend-sub001/internal/value"
)

// marshalFields converts Fields to JSON TEXT for storage. Key order is the
// insertion order of the fields.
func marshalFields(f value.Fields) (string, error) {
	data, err := f.MarshalJSON()
	if err != nil {
		return "", fmt.Errorf("marshal fields: %w", err)
	}
	return string(data), nil
}

// marshalKinds records which fields are timestamps. Go's json.Marshal sorts
// map keys, so the output is deterministic.
func marshalKinds(f value.Fields) (string, error) {
	kinds := f.Kinds()
	m := make(map[string]string, len(kinds))
	for name, k := range kinds {
		m[name] = k.String()
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal kinds: %w", err)
	}
	return string(data), nil
}

// unmarshalKinds parses the kinds column.
func unmarshalKinds(data string) (map[string]value.Kind, error) {
	if data == "" || data == "{}" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return nil, fmt.Errorf("unmarshal kinds: %w", err)
	}
	kinds := make(map[string]value.Kind, len(m))
	for name, s := range m {
		k, err := value.ParseKind(s)
		if err != nil {
			return nil, fmt.Errorf("unmarshal kinds: field %q: %w", name, err)
		}
		kinds[name] = k
	}
	return kinds, nil
}

// unmarshalFields parses the fields column, restoring timestamps.
func unmarshalFields(fields, kinds string) (value.Fields, error) {
	k, err := unmarshalKinds(kinds)
	if err != nil {
		return value.Fields{}, err
	}
	f, err := value.DecodeFields([]byte(fields), k)
	if err != nil {
		return value.Fields{}, fmt.Errorf("unmarshal fields: %w", err)
	}
	return f, nil
}

// formatTime renders a record timestamp column.
func formatTime(t time.Time) string {
	return value.NewTimestamp(t).String()
}

// parseTime parses a record timestamp column.
func parseTime(s string) (time.Time, error) {
	ts, err := value.ParseTimestamp(s)
	if err != nil {
		return time.Time{}, err
	}
	return ts.Time(), nil
}
