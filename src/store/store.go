package store

import (
	"errors"

	jsoniter "github.com/json-iterator/go"
)

// ErrNotFound is returned when a requested record does not exist or belongs
// to a different user.
var ErrNotFound = errors.New("record not found")

// Every TEXT column holding structured data (mappings, errors, tags,
// metadata) round-trips through these helpers on each store call.
var json = jsoniter.ConfigCompatibleWithStandardLibrary

// marshalJSON serializes a value for a TEXT column, returning "" for nil so
// empty collections do not bloat rows.
func marshalJSON(v interface{}) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// unmarshalJSON deserializes a TEXT column into dst, treating empty input as
// an absent value.
func unmarshalJSON(data string, dst interface{}) error {
	if data == "" {
		return nil
	}
	return json.Unmarshal([]byte(data), dst)
}
