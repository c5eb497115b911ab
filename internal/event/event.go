// Package event defines the capture event model shared by the pipeline,
// the local spool, and the transport.
package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Errors
var (
	ErrUnknownType  = errors.New("event: unknown event type")
	ErrInvalidValue = errors.New("event: invalid payload value")
)

// Type identifies the kind of observation an event carries.
type Type string

// Event types emitted by the capture pipeline.
const (
	TypeAppSwitch   Type = "app_switch"
	TypeWindowTitle Type = "window_title"
	TypeInputCounts Type = "input_counts"
	TypeIdleStart   Type = "idle_start"
	TypeIdleEnd     Type = "idle_end"
)

// Valid reports whether t is a known event type.
func (t Type) Valid() bool {
	switch t {
	case TypeAppSwitch, TypeWindowTitle, TypeInputCounts, TypeIdleStart, TypeIdleEnd:
		return true
	}
	return false
}

// Kind discriminates the closed set of payload value variants.
type Kind int

// Payload value kinds. There is deliberately no "any" variant: every value
// crossing the process boundary is one of these.
const (
	KindInt Kind = iota
	KindFloat
	KindBool
	KindString
	KindArray
	KindObject
)

// Value is a closed tagged variant for structured payload fields.
// The zero Value is the integer 0.
type Value struct {
	kind Kind
	i    int64
	f    float64
	b    bool
	s    string
	a    []Value
	o    map[string]Value
}

// Int returns an integer value.
func Int(v int64) Value { return Value{kind: KindInt, i: v} }

// Float returns a floating-point value.
func Float(v float64) Value { return Value{kind: KindFloat, f: v} }

// Bool returns a boolean value.
func Bool(v bool) Value { return Value{kind: KindBool, b: v} }

// String returns a string value.
func String(v string) Value { return Value{kind: KindString, s: v} }

// Array returns an array value.
func Array(vs ...Value) Value { return Value{kind: KindArray, a: vs} }

// Object returns an object value.
func Object(m map[string]Value) Value { return Value{kind: KindObject, o: m} }

// Kind returns the variant tag.
func (v Value) Kind() Kind { return v.kind }

// IntValue returns the integer payload; valid only when Kind is KindInt.
func (v Value) IntValue() int64 { return v.i }

// StringValue returns the string payload; valid only when Kind is KindString.
func (v Value) StringValue() string { return v.s }

// BoolValue returns the boolean payload; valid only when Kind is KindBool.
func (v Value) BoolValue() bool { return v.b }

// FloatValue returns the float payload; valid only when Kind is KindFloat.
func (v Value) FloatValue() float64 { return v.f }

// MarshalJSON encodes the value as its plain JSON representation.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindInt:
		return json.Marshal(v.i)
	case KindFloat:
		return json.Marshal(v.f)
	case KindBool:
		return json.Marshal(v.b)
	case KindString:
		return json.Marshal(v.s)
	case KindArray:
		if v.a == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.a)
	case KindObject:
		if v.o == nil {
			return []byte("{}"), nil
		}
		return json.Marshal(v.o)
	}
	return nil, ErrInvalidValue
}

// UnmarshalJSON decodes a plain JSON value into the matching variant.
// JSON numbers without a fraction or exponent decode as integers.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	decoded, err := fromAny(raw)
	if err != nil {
		return err
	}
	*v = decoded
	return nil
}

func fromAny(raw any) (Value, error) {
	switch t := raw.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return Int(i), nil
		}
		f, err := t.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("%w: %v", ErrInvalidValue, err)
		}
		return Float(f), nil
	case bool:
		return Bool(t), nil
	case string:
		return String(t), nil
	case []any:
		arr := make([]Value, 0, len(t))
		for _, e := range t {
			ev, err := fromAny(e)
			if err != nil {
				return Value{}, err
			}
			arr = append(arr, ev)
		}
		return Array(arr...), nil
	case map[string]any:
		obj := make(map[string]Value, len(t))
		for k, e := range t {
			ev, err := fromAny(e)
			if err != nil {
				return Value{}, err
			}
			obj[k] = ev
		}
		return Object(obj), nil
	case nil:
		return Value{}, fmt.Errorf("%w: null is not a payload value", ErrInvalidValue)
	}
	return Value{}, fmt.Errorf("%w: %T", ErrInvalidValue, raw)
}

// CaptureEvent is a single filtered observation. Events are immutable once
// constructed; Seq is assigned by the capture state machine's sequencer and
// must never be set by producers.
type CaptureEvent struct {
	Type           Type             `json:"event_type"`
	Timestamp      time.Time        `json:"timestamp"`
	AppName        string           `json:"application_name,omitempty"`
	AppID          string           `json:"application_id,omitempty"`
	WindowTitle    string           `json:"window_title,omitempty"`
	Payload        map[string]Value `json:"structured_payload,omitempty"`
	IdempotencyKey string           `json:"idempotency_key,omitempty"`
	Seq            uint64           `json:"sequence_number"`
}

// Validate checks structural invariants before an event enters the pipeline.
func (e *CaptureEvent) Validate() error {
	if !e.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownType, e.Type)
	}
	if e.Timestamp.IsZero() {
		return errors.New("event: zero timestamp")
	}
	return nil
}
