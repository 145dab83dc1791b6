package events

import (
	"encoding/json"
	"testing"
)

func TestEvent_JSONShape(t *testing.T) {
	old := uint16(2)
	ev := Event{
		Action:     "changed",
		Key:        "sensors::rack1::temp",
		Value:      []byte("23.5"),
		Version:    3,
		OldVersion: &old,
		Instance:   "kvsd-1",
		Time:       "2025-06-01T12:00:00Z",
	}
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["action"] != "changed" || got["key"] != "sensors::rack1::temp" {
		t.Errorf("unexpected fields: %v", got)
	}
	if got["version"] != float64(3) || got["old_version"] != float64(2) {
		t.Errorf("versions = %v / %v", got["version"], got["old_version"])
	}
}

func TestEvent_RemovedOmitsValue(t *testing.T) {
	data, err := json.Marshal(Event{Action: "removed", Key: "k", Version: 1})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := got["value"]; ok {
		t.Error("removed event carries a value field")
	}
	if _, ok := got["old_version"]; ok {
		t.Error("removed event carries old_version")
	}
}
