package canonicalize

import (
	"encoding/json"
	"math"
	"testing"
)

func TestJCS_Sorting(t *testing.T) {
	// Map with unsorted keys
	input := map[string]interface{}{
		"c": 3,
		"a": 1,
		"b": 2,
	}

	expected := `{"a":1,"b":2,"c":3}`

	b, err := JCS(input)
	if err != nil {
		t.Fatalf("JCS failed: %v", err)
	}

	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestJCS_RecursiveSorting(t *testing.T) {
	// Keys must sort at every nesting level, not just the top.
	input := map[string]interface{}{
		"z": map[string]interface{}{
			"y": "foo",
			"x": "bar",
		},
		"a": 1,
	}

	expected := `{"a":1,"z":{"x":"bar","y":"foo"}}`

	b, err := JCS(input)
	if err != nil {
		t.Fatalf("JCS failed: %v", err)
	}

	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestJCS_ArrayOrderPreserved(t *testing.T) {
	input := map[string]interface{}{
		"rules": []interface{}{"third", "first", "second"},
	}

	expected := `{"rules":["third","first","second"]}`

	b, err := JCS(input)
	if err != nil {
		t.Fatalf("JCS failed: %v", err)
	}

	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestJCS_NoHTMLEscaping(t *testing.T) {
	input := map[string]interface{}{"q": "a<b && c>d"}

	b, err := JCS(input)
	if err != nil {
		t.Fatalf("JCS failed: %v", err)
	}

	expected := `{"q":"a<b && c>d"}`
	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestJCS_StructAndMapAgree(t *testing.T) {
	type scoped struct {
		Action string `json:"action"`
		Tenant string `json:"tenant"`
	}

	fromStruct, err := Hash(scoped{Action: "export", Tenant: "acme"})
	if err != nil {
		t.Fatalf("Hash(struct) failed: %v", err)
	}

	fromMap, err := Hash(map[string]interface{}{
		"tenant": "acme",
		"action": "export",
	})
	if err != nil {
		t.Fatalf("Hash(map) failed: %v", err)
	}

	if fromStruct != fromMap {
		t.Errorf("struct and map hashes differ: %s vs %s", fromStruct, fromMap)
	}
}

func TestJCS_RejectsNaN(t *testing.T) {
	_, err := JCS(map[string]interface{}{"v": math.NaN()})
	if err == nil {
		t.Fatal("expected error for NaN value")
	}
}

func TestHash_StableAcrossKeyOrder(t *testing.T) {
	a := json.RawMessage(`{"id":"p-1","name":"limits","version":"1.0.0"}`)
	b := json.RawMessage(`{"version":"1.0.0","id":"p-1","name":"limits"}`)

	var va, vb interface{}
	if err := json.Unmarshal(a, &va); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(b, &vb); err != nil {
		t.Fatal(err)
	}

	ha, err := Hash(va)
	if err != nil {
		t.Fatal(err)
	}
	hb, err := Hash(vb)
	if err != nil {
		t.Fatal(err)
	}

	if ha != hb {
		t.Errorf("hashes differ across key order: %s vs %s", ha, hb)
	}
	if len(ha) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(ha))
	}
}
