package wire

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TimeLayout is the RESTQP datetime encoding: ISO-8601 with microsecond
// precision and no zone designator.
const TimeLayout = "2006-01-02T15:04:05.000000"

// Envelope is the JSON body of a RESTQP message. The receiver's queue is
// carried in the request path, not in the body.
type Envelope struct {
	MessageID      string          `json:"message_id"`
	Action         string          `json:"action"`
	SenderURL      string          `json:"sender_url"`
	Data           json.RawMessage `json:"data,omitempty"`
	TaskID         string          `json:"task_id,omitempty"`
	PingbackDate   *Time           `json:"pingback_date,omitempty"`
	ExpirationDate *Time           `json:"expiration_date,omitempty"`
	Info           string          `json:"info,omitempty"`
}

// Time is a time.Time that marshals in the RESTQP datetime encoding.
type Time time.Time

// MarshalJSON implements json.Marshaler.
func (t Time) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Time(t).Format(TimeLayout))
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Time) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := time.Parse(TimeLayout, s)
	if err != nil {
		return fmt.Errorf("invalid datetime %q: %w", s, err)
	}
	*t = Time(parsed)
	return nil
}

// FromTime converts an optional time.Time to an optional wire Time.
func FromTime(t *time.Time) *Time {
	if t == nil {
		return nil
	}
	wt := Time(*t)
	return &wt
}

// ToTime converts an optional wire Time back to an optional time.Time.
func ToTime(t *Time) *time.Time {
	if t == nil {
		return nil
	}
	tt := time.Time(*t)
	return &tt
}

// looksLikeDatetime matches the strings the decoder attempts to convert.
// Any string starting with "20" and containing a "T" is a candidate; this is
// a known wire-compat footgun kept for interoperability (and it needs a
// revisit in the year 2100).
func looksLikeDatetime(s string) bool {
	return strings.HasPrefix(s, "20") && strings.Contains(s, "T")
}

// Marshal encodes a value as JSON, formatting time.Time values in the
// RESTQP datetime encoding.
func Marshal(v any) ([]byte, error) {
	return json.Marshal(encodeValue(v))
}

func encodeValue(v any) any {
	switch val := v.(type) {
	case time.Time:
		return val.Format(TimeLayout)
	case *time.Time:
		if val == nil {
			return nil
		}
		return val.Format(TimeLayout)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = encodeValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = encodeValue(item)
		}
		return out
	default:
		return v
	}
}

// Unmarshal decodes JSON into maps, slices and scalars, converting any
// string that parses in the RESTQP datetime encoding into a time.Time.
// Strings that merely resemble a datetime but fail to parse pass through
// unchanged.
func Unmarshal(data []byte) (any, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return decodeValue(v), nil
}

// UnmarshalInto decodes JSON into v. Untyped destinations receive the
// datetime conversion of Unmarshal; typed destinations decode their fields
// directly.
func UnmarshalInto(data []byte, v any) error {
	switch out := v.(type) {
	case *any:
		decoded, err := Unmarshal(data)
		if err != nil {
			return err
		}
		*out = decoded
	case *map[string]any:
		decoded, err := Unmarshal(data)
		if err != nil {
			return err
		}
		m, ok := decoded.(map[string]any)
		if !ok {
			return fmt.Errorf("cannot decode %T into a map", decoded)
		}
		*out = m
	case *[]any:
		decoded, err := Unmarshal(data)
		if err != nil {
			return err
		}
		s, ok := decoded.([]any)
		if !ok {
			return fmt.Errorf("cannot decode %T into a slice", decoded)
		}
		*out = s
	default:
		return json.Unmarshal(data, v)
	}
	return nil
}

func decodeValue(v any) any {
	switch val := v.(type) {
	case string:
		if looksLikeDatetime(val) {
			if t, err := time.Parse(TimeLayout, val); err == nil {
				return t
			}
		}
		return val
	case map[string]any:
		for k, item := range val {
			val[k] = decodeValue(item)
		}
		return val
	case []any:
		for i, item := range val {
			val[i] = decodeValue(item)
		}
		return val
	default:
		return v
	}
}
