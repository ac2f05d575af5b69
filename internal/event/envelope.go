package event

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

// maxFieldLen is the rune limit for type and source after normalization.
const maxFieldLen = 256

// Envelope is the three-field event body accepted on ingress and forwarded
// verbatim to consumers: no identifiers or timestamps are ever injected.
type Envelope struct {
	Type    string          `json:"type"`
	Source  string          `json:"source"`
	Payload json.RawMessage `json:"payload"`
}

// ValidationError names the envelope field that failed validation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("event: invalid %s: %s", e.Field, e.Reason)
}

// Parse decodes a raw request body into a normalized Envelope.
// The body must be a JSON object with string fields type and source and a
// payload key that may hold any JSON value including null. Type is trimmed
// and lowercased, source is trimmed; both are limited to 256 runes after
// normalization.
func Parse(body []byte) (Envelope, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return Envelope{}, fmt.Errorf("event: body is not a JSON object: %w", err)
	}
	if fields == nil {
		// A top-level null decodes without error but is not an object.
		return Envelope{}, fmt.Errorf("event: body is not a JSON object")
	}

	typ, err := stringField(fields, "type")
	if err != nil {
		return Envelope{}, err
	}
	src, err := stringField(fields, "source")
	if err != nil {
		return Envelope{}, err
	}

	payload, ok := fields["payload"]
	if !ok {
		return Envelope{}, &ValidationError{Field: "payload", Reason: "missing"}
	}
	if !json.Valid(payload) {
		return Envelope{}, &ValidationError{Field: "payload", Reason: "not serializable as JSON"}
	}

	typ = strings.ToLower(strings.TrimSpace(typ))
	src = strings.TrimSpace(src)

	if typ == "" {
		return Envelope{}, &ValidationError{Field: "type", Reason: "empty after trimming"}
	}
	if src == "" {
		return Envelope{}, &ValidationError{Field: "source", Reason: "empty after trimming"}
	}
	if utf8.RuneCountInString(typ) > maxFieldLen {
		return Envelope{}, &ValidationError{Field: "type", Reason: fmt.Sprintf("exceeds %d characters", maxFieldLen)}
	}
	if utf8.RuneCountInString(src) > maxFieldLen {
		return Envelope{}, &ValidationError{Field: "source", Reason: fmt.Sprintf("exceeds %d characters", maxFieldLen)}
	}

	return Envelope{Type: typ, Source: src, Payload: payload}, nil
}

// stringField extracts a required string member from a decoded object.
func stringField(fields map[string]json.RawMessage, name string) (string, error) {
	raw, ok := fields[name]
	if !ok {
		return "", &ValidationError{Field: name, Reason: "missing"}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", &ValidationError{Field: name, Reason: "not a string"}
	}
	return s, nil
}

// Body serializes the envelope exactly as it is forwarded to consumers:
// the three fields type, source, payload and nothing else.
func (e Envelope) Body() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("event: marshal envelope: %w", err)
	}
	return b, nil
}

// PayloadObjectKey returns the string value of the given key if the payload
// is a JSON object containing it. Used for the optional repo log field.
func (e Envelope) PayloadObjectKey(key string) (string, bool) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(e.Payload, &obj); err != nil {
		return "", false
	}
	raw, ok := obj[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}
