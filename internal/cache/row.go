package cache

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// DecodeJSONRow is the default row decoder: the row payload is a
// JSON-encoded sub-document and the row identity is its "id" field.
func DecodeJSONRow(raw string) (string, any, error) {
	var row map[string]any
	if err := json.Unmarshal([]byte(raw), &row); err != nil {
		return "", nil, fmt.Errorf("row sub-document: %w", err)
	}
	key, err := rowKey(row)
	if err != nil {
		return "", nil, err
	}
	return key, row, nil
}

// rowKey extracts the row identity from a decoded row.
func rowKey(row map[string]any) (string, error) {
	id, ok := row["id"]
	if !ok {
		return "", fmt.Errorf("row has no id field")
	}
	switch v := id.(type) {
	case string:
		return v, nil
	case float64:
		// json numbers decode as float64; integral ids format without
		// an exponent or trailing zeros.
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10), nil
		}
		return strconv.FormatFloat(v, 'g', -1, 64), nil
	default:
		return "", fmt.Errorf("row id has unsupported type %T", id)
	}
}
