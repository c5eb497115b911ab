package event

import (
	"encoding/json"
	"testing"
	"time"
)

func TestTypeValid(t *testing.T) {
	for _, typ := range []Type{TypeAppSwitch, TypeWindowTitle, TypeInputCounts, TypeIdleStart, TypeIdleEnd} {
		if !typ.Valid() {
			t.Errorf("%q should be valid", typ)
		}
	}
	if Type("keylog").Valid() {
		t.Error("unknown type accepted")
	}
}

func TestValueJSONRoundTrip(t *testing.T) {
	payload := map[string]Value{
		"keystrokes": Int(120),
		"cadence":    Float(3.5),
		"focused":    Bool(true),
		"layout":     String("us"),
		"buckets":    Array(Int(1), Int(2), Int(3)),
		"nested":     Object(map[string]Value{"depth": Int(2)}),
	}

	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded map[string]Value
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if decoded["keystrokes"].Kind() != KindInt || decoded["keystrokes"].IntValue() != 120 {
		t.Error("int value lost in round trip")
	}
	if decoded["cadence"].Kind() != KindFloat || decoded["cadence"].FloatValue() != 3.5 {
		t.Error("float value lost in round trip")
	}
	if decoded["focused"].Kind() != KindBool || !decoded["focused"].BoolValue() {
		t.Error("bool value lost in round trip")
	}
	if decoded["layout"].Kind() != KindString || decoded["layout"].StringValue() != "us" {
		t.Error("string value lost in round trip")
	}
	if decoded["buckets"].Kind() != KindArray {
		t.Error("array value lost in round trip")
	}
	if decoded["nested"].Kind() != KindObject {
		t.Error("object value lost in round trip")
	}
}

func TestValueWholeNumberStaysInt(t *testing.T) {
	var v Value
	if err := json.Unmarshal([]byte("42"), &v); err != nil {
		t.Fatal(err)
	}
	if v.Kind() != KindInt || v.IntValue() != 42 {
		t.Errorf("whole JSON number should decode as int, got kind %d", v.Kind())
	}

	if err := json.Unmarshal([]byte("42.5"), &v); err != nil {
		t.Fatal(err)
	}
	if v.Kind() != KindFloat {
		t.Errorf("fractional JSON number should decode as float, got kind %d", v.Kind())
	}
}

func TestValueRejectsNull(t *testing.T) {
	var v Value
	if err := json.Unmarshal([]byte("null"), &v); err == nil {
		t.Error("null must be rejected, there is no untyped variant")
	}

	var m map[string]Value
	if err := json.Unmarshal([]byte(`{"x": null}`), &m); err == nil {
		t.Error("nested null must be rejected")
	}
}

func TestCaptureEventValidate(t *testing.T) {
	ev := &CaptureEvent{Type: TypeAppSwitch, Timestamp: time.Now()}
	if err := ev.Validate(); err != nil {
		t.Errorf("valid event rejected: %v", err)
	}

	bad := &CaptureEvent{Type: "bogus", Timestamp: time.Now()}
	if err := bad.Validate(); err == nil {
		t.Error("unknown type accepted")
	}

	noTime := &CaptureEvent{Type: TypeAppSwitch}
	if err := noTime.Validate(); err == nil {
		t.Error("zero timestamp accepted")
	}
}
