package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strconv"

	"github.com/MarcoPoloResearchLab/fieldcare/internal/apperr"
	"gorm.io/datatypes"
)

// Record is a schemaless entity payload. Numbers are kept as json.Number so
// revision counters and ids round-trip without float conversion.
type Record map[string]any

// DecodeRecord parses a JSON object. Anything other than a single object is a bad request.
func DecodeRecord(data []byte) (Record, error) {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	var record Record
	if err := decoder.Decode(&record); err != nil {
		return nil, apperr.BadRequestf("payload is not a JSON object: %v", err)
	}
	if record == nil {
		return nil, apperr.BadRequestf("payload is not a JSON object")
	}
	var trailing json.RawMessage
	if err := decoder.Decode(&trailing); !errors.Is(err, io.EOF) {
		return nil, apperr.BadRequestf("payload has trailing data")
	}
	return record, nil
}

// Encode renders the record as a JSON column value.
func (r Record) Encode() (datatypes.JSON, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}

// String returns the canonical string form of a scalar attribute, or "" when
// the attribute is absent or not a scalar.
func (r Record) String(key string) string {
	return scalarString(r[key])
}

// Path returns the canonical string at a nested attribute path such as
// expected.value, or "" when any step is missing.
func (r Record) Path(keys ...string) string {
	var current any = map[string]any(r)
	for _, key := range keys {
		object, ok := current.(map[string]any)
		if !ok {
			if record, isRecord := current.(Record); isRecord {
				object = record
			} else {
				return ""
			}
		}
		current = object[key]
	}
	return scalarString(current)
}

// Int64 reads a numeric attribute, accepting numeric strings.
func (r Record) Int64(key string) int64 {
	switch value := r[key].(type) {
	case json.Number:
		if parsed, err := value.Int64(); err == nil {
			return parsed
		}
		if parsed, err := value.Float64(); err == nil {
			return int64(parsed)
		}
	case float64:
		return int64(value)
	case int:
		return int64(value)
	case int64:
		return value
	case string:
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return parsed
		}
	}
	return 0
}

// Clone returns a shallow copy.
func (r Record) Clone() Record {
	clone := make(Record, len(r))
	for key, value := range r {
		clone[key] = value
	}
	return clone
}

// Merge returns a copy of r with every top-level key of partial applied over it.
func (r Record) Merge(partial Record) Record {
	merged := r.Clone()
	for key, value := range partial {
		merged[key] = value
	}
	return merged
}

func scalarString(value any) string {
	switch typed := value.(type) {
	case string:
		return typed
	case json.Number:
		return typed.String()
	case bool:
		return strconv.FormatBool(typed)
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case int:
		return strconv.Itoa(typed)
	case int64:
		return strconv.FormatInt(typed, 10)
	default:
		return ""
	}
}

func decodeColumn(payload datatypes.JSON) (Record, error) {
	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.UseNumber()
	var record Record
	if err := decoder.Decode(&record); err != nil {
		return nil, err
	}
	if record == nil {
		record = Record{}
	}
	return record, nil
}
