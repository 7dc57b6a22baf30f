// ABOUTME: Envelope wrapper around every inter-agent message with parse and serialize
// ABOUTME: Parse dispatches by kind, checks required fields and decodes the typed payload

package a2a

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Envelope is the common wrapper around every inter-agent message.
type Envelope struct {
	Type      Kind
	From      string
	To        string
	MessageID string
	Timestamp time.Time
	InReplyTo string
	Payload   Payload
}

// wireEnvelope is the JSON shape of an Envelope.
type wireEnvelope struct {
	Type      Kind            `json:"type"`
	From      string          `json:"from"`
	To        string          `json:"to,omitempty"`
	MessageID string          `json:"message_id"`
	Timestamp time.Time       `json:"timestamp"`
	InReplyTo string          `json:"in_reply_to,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

// As returns the envelope payload as T when the kinds match.
func As[T Payload](e *Envelope) (T, bool) {
	p, ok := e.Payload.(T)
	return p, ok
}

// Validate checks envelope-level invariants and the payload's own rules.
func (e *Envelope) Validate() error {
	if !e.Type.Known() {
		return unknownKind(e.Type)
	}
	if e.From == "" {
		return missing("", "from")
	}
	if e.MessageID == "" {
		return missing("", "message_id")
	}
	if e.Timestamp.IsZero() {
		return missing("", "timestamp")
	}
	if e.Payload == nil {
		return missing(e.Type, "payload")
	}
	if e.Payload.Kind() != e.Type {
		return invalid(e.Type, "payload", "does not match envelope type")
	}
	if e.Type == KindAnalysisResponse && e.InReplyTo == "" {
		return missing(e.Type, "in_reply_to")
	}
	return e.Payload.validate()
}

// MarshalJSON encodes the envelope in its wire shape.
func (e Envelope) MarshalJSON() ([]byte, error) {
	var payload json.RawMessage
	if e.Payload != nil {
		e.Payload.normalize()
		raw, err := json.Marshal(e.Payload)
		if err != nil {
			return nil, err
		}
		payload = raw
	} else {
		payload = json.RawMessage("{}")
	}
	return json.Marshal(wireEnvelope{
		Type:      e.Type,
		From:      e.From,
		To:        e.To,
		MessageID: e.MessageID,
		Timestamp: e.Timestamp.UTC(),
		InReplyTo: e.InReplyTo,
		Payload:   payload,
	})
}

// UnmarshalJSON parses and validates a wire envelope.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	parsed, err := Parse(data)
	if err != nil {
		return err
	}
	*e = *parsed
	return nil
}

// Parse decodes and validates an inbound envelope.
func Parse(data []byte) (*Envelope, error) {
	var head struct {
		Type Kind `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, decodeError("", "", err)
	}

	spec, ok := payloadSpecs[head.Type]
	if !ok {
		return nil, unknownKind(head.Type)
	}

	var wire wireEnvelope
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, decodeError(head.Type, "", err)
	}

	if isNull(wire.Payload) {
		return nil, missing(head.Type, "payload")
	}
	if err := requirePaths(head.Type, wire.Payload, spec.required); err != nil {
		return nil, err
	}

	payload := spec.new()
	if err := json.Unmarshal(wire.Payload, payload); err != nil {
		return nil, decodeError(head.Type, "payload.", err)
	}
	payload.normalize()

	env := &Envelope{
		Type:      wire.Type,
		From:      wire.From,
		To:        wire.To,
		MessageID: wire.MessageID,
		Timestamp: wire.Timestamp.UTC(),
		InReplyTo: wire.InReplyTo,
		Payload:   payload,
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return env, nil
}

// Marshal serializes a validated envelope.
func Marshal(e *Envelope) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// decodeError converts encoding/json errors into a PayloadError naming the field.
func decodeError(kind Kind, prefix string, err error) error {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		field := typeErr.Field
		if field == "" {
			field = strings.TrimSuffix(prefix, ".")
		} else {
			field = prefix + field
		}
		return invalid(kind, field, "has wrong type "+typeErr.Value)
	}
	var parseErr *time.ParseError
	if errors.As(err, &parseErr) {
		return invalid(kind, "timestamp", "is not an RFC3339 time")
	}
	return invalid(kind, "body", "is not valid JSON: "+err.Error())
}

// requirePaths checks that each dotted path resolves to a non-null value.
func requirePaths(kind Kind, payload json.RawMessage, paths []string) error {
	for _, path := range paths {
		if err := requirePath(kind, payload, path); err != nil {
			return err
		}
	}
	return nil
}

func requirePath(kind Kind, payload json.RawMessage, path string) error {
	current := payload
	var walked []string
	for _, segment := range strings.Split(path, ".") {
		optional := strings.HasSuffix(segment, "?")
		key := strings.TrimSuffix(segment, "?")
		walked = append(walked, key)

		var obj map[string]json.RawMessage
		if err := json.Unmarshal(current, &obj); err != nil {
			return invalid(kind, strings.Join(append([]string{"payload"}, walked[:len(walked)-1]...), "."), "must be an object")
		}
		next, ok := obj[key]
		if !ok || isNull(next) {
			if optional {
				return nil
			}
			return missing(kind, "payload."+strings.Join(walked, "."))
		}
		current = next
	}
	return nil
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
