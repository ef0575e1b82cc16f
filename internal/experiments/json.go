package experiments

import (
	"database/sql"
	"encoding/json"
)

// marshalJSON serializes a value for a JSON column; nil becomes SQL NULL.
func marshalJSON(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

// unmarshalJSON deserializes a nullable JSON column into dst.
func unmarshalJSON(raw sql.NullString, dst any) error {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw.String), dst)
}
