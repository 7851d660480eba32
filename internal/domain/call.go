package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CallDescriptor identifies an external call: which capability, which operation, which arguments.
type CallDescriptor struct {
	Service string          `json:"service"`
	Method  string          `json:"method"`
	Args    json.RawMessage `json:"args,omitempty"`
}

func (d CallDescriptor) String() string {
	return d.Service + "." + d.Method
}

// Equal reports whether two descriptors name the same call. Args are compared
// after canonicalization so key order and whitespace do not matter.
func (d CallDescriptor) Equal(other CallDescriptor) bool {
	if d.Service != other.Service || d.Method != other.Method {
		return false
	}
	a, errA := CanonicalJSON(d.Args)
	b, errB := CanonicalJSON(other.Args)
	if errA != nil || errB != nil {
		return bytes.Equal(d.Args, other.Args)
	}
	return bytes.Equal(a, b)
}

// CanonicalJSON re-encodes raw so that equal values produce equal bytes.
// Empty input and JSON null both canonicalize to null.
func CanonicalJSON(raw json.RawMessage) ([]byte, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return []byte("null"), nil
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("invalid json: %w", err)
	}
	return json.Marshal(v)
}

// NewID returns a prefixed random identifier, e.g. "tr_<uuid>".
func NewID(prefix string) string {
	return prefix + "_" + uuid.New().String()
}

// NewEvent builds a trace event with a JSON-encoded payload.
func NewEvent(taskRunID string, eventType EventType, payload interface{}) (*Event, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return &Event{
		EventID:   NewID("evt"),
		TaskRunID: taskRunID,
		Ts:        time.Now().UnixMilli(),
		Type:      eventType,
		Payload:   payloadBytes,
	}, nil
}
