package canonical

import (
	"errors"
	"strings"
	"testing"
)

// TestMarshal_SortsKeys tests that object keys are emitted in sorted order.
func TestMarshal_SortsKeys(t *testing.T) {
	got, err := Marshal(map[string]any{"b": 1, "a": "x", "c": []any{true, false}})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	want := `{"a":"x","b":1,"c":[true,false]}`
	if string(got) != want {
		t.Errorf("Marshal() = %s, want %s", got, want)
	}
}

// TestMarshal_Struct tests that struct json tags are honoured and nulls dropped.
func TestMarshal_Struct(t *testing.T) {
	type inner struct {
		Zed   int      `json:"zed"`
		Alpha string   `json:"alpha"`
		Tags  []string `json:"tags"`
	}

	got, err := Marshal(inner{Zed: 3, Alpha: "a"})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	want := `{"alpha":"a","zed":3}`
	if string(got) != want {
		t.Errorf("Marshal() = %s, want %s", got, want)
	}
}

// TestMarshal_NFC tests that composed and decomposed strings encode identically.
func TestMarshal_NFC(t *testing.T) {
	composed, err := Marshal(map[string]any{"name": "caf\u00e9"})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	decomposed, err := Marshal(map[string]any{"name": "cafe\u0301"})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	if string(composed) != string(decomposed) {
		t.Errorf("NFC mismatch: %s vs %s", composed, decomposed)
	}
}

// TestMarshal_RejectsFloats tests that non-integer numbers are refused.
func TestMarshal_RejectsFloats(t *testing.T) {
	_, err := Marshal(map[string]any{"ratio": 0.5})
	if !errors.Is(err, ErrFloatNotAllowed) {
		t.Errorf("Marshal() error = %v, want ErrFloatNotAllowed", err)
	}
}

// TestDigest tests digest stability across map construction order.
func TestDigest(t *testing.T) {
	a := map[string]any{"x": 1, "y": map[string]any{"k": "v", "j": 2}}
	b := map[string]any{"y": map[string]any{"j": 2, "k": "v"}, "x": 1}

	da, err := Digest(a)
	if err != nil {
		t.Fatalf("Digest() error = %v", err)
	}
	db, err := Digest(b)
	if err != nil {
		t.Fatalf("Digest() error = %v", err)
	}

	if da != db {
		t.Errorf("digests differ: %s vs %s", da, db)
	}
	if !strings.HasPrefix(da, DigestPrefix) || len(da) != len(DigestPrefix)+64 {
		t.Errorf("unexpected digest format %q", da)
	}

	sum, err := SumBytes(a)
	if err != nil {
		t.Fatalf("SumBytes() error = %v", err)
	}
	if len(sum) != 32 {
		t.Errorf("SumBytes() len = %d, want 32", len(sum))
	}
}
