package jsonutil

import (
	"testing"
)

func TestMarshalOrEmpty(t *testing.T) {
	if got := string(MarshalOrEmpty(map[string]int{"a": 1})); got != `{"a":1}` {
		t.Errorf("got %q", got)
	}
	if got := string(MarshalOrEmpty(make(chan int))); got != "{}" {
		t.Errorf("unmarshalable value: got %q, want {}", got)
	}
}

func TestRemarshal(t *testing.T) {
	type rec struct {
		Name  string `json:"name"`
		Count int    `json:"count,omitempty"`
	}
	var m map[string]any
	if err := Remarshal(rec{Name: "x"}, &m); err != nil {
		t.Fatal(err)
	}
	if m["name"] != "x" {
		t.Errorf("m = %v", m)
	}
	if _, ok := m["count"]; ok {
		t.Error("omitempty zero field should be absent")
	}

	var back rec
	if err := Remarshal(map[string]any{"name": "y", "count": 3, "extra": true}, &back); err != nil {
		t.Fatal(err)
	}
	if back.Name != "y" || back.Count != 3 {
		t.Errorf("back = %+v", back)
	}
}

func TestToMap(t *testing.T) {
	m, err := ToMap(struct {
		A string `json:"a"`
	}{A: "v"})
	if err != nil {
		t.Fatal(err)
	}
	if m["a"] != "v" {
		t.Errorf("m = %v", m)
	}
}
