package governance

import (
	"encoding/json"
	"errors"
	"testing"
)

// TestRulesLogic_UnmarshalFlat tests decoding the flat wire form into typed params.
func TestRulesLogic_UnmarshalFlat(t *testing.T) {
	var rules RulesLogic
	data := []byte(`{"type":"coverage","min_tests":2,"include_paths":["src/*"],"exclude_paths":["src/gen/*"]}`)
	if err := json.Unmarshal(data, &rules); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}

	if rules.Type != CheckerCoverage {
		t.Errorf("Type = %q, want coverage", rules.Type)
	}
	params, ok := rules.Params.(*CoverageParams)
	if !ok {
		t.Fatalf("Params type = %T, want *CoverageParams", rules.Params)
	}
	if params.MinTests != 2 {
		t.Errorf("MinTests = %d, want 2", params.MinTests)
	}
	if len(rules.Include) != 1 || rules.Include[0] != "src/*" {
		t.Errorf("Include = %v", rules.Include)
	}
	if len(rules.Exclude) != 1 || rules.Exclude[0] != "src/gen/*" {
		t.Errorf("Exclude = %v", rules.Exclude)
	}
}

// TestRulesLogic_MarshalFlat tests that params are flattened next to the type.
func TestRulesLogic_MarshalFlat(t *testing.T) {
	rules := RulesLogic{
		Type:   CheckerSecurityPath,
		Params: &SecurityPathParams{SecurityPaths: []string{"auth/"}},
	}

	got, err := json.Marshal(rules)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	want := `{"security_paths":["auth/"],"type":"security_path"}`
	if string(got) != want {
		t.Errorf("Marshal() = %s, want %s", got, want)
	}
}

// TestRulesLogic_UnknownKindPreserved tests that unknown kinds keep their raw fields.
func TestRulesLogic_UnknownKindPreserved(t *testing.T) {
	in := `{"max_depth":3,"type":"dependency_depth"}`

	var rules RulesLogic
	if err := json.Unmarshal([]byte(in), &rules); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if rules.Params.Kind() != "dependency_depth" {
		t.Errorf("Kind() = %q", rules.Params.Kind())
	}

	out, err := json.Marshal(rules)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if string(out) != in {
		t.Errorf("round trip = %s, want %s", out, in)
	}

	var verr *ValidationError
	if err := rules.Validate(); !errors.As(err, &verr) {
		t.Errorf("Validate() error = %v, want ValidationError", err)
	}
}

// TestParseRules tests decoding from a generic map such as YAML output.
func TestParseRules(t *testing.T) {
	rules, err := ParseRules(map[string]any{
		"type":      "pr_size",
		"max_files": 40,
	})
	if err != nil {
		t.Fatalf("ParseRules() error = %v", err)
	}
	if p := rules.Params.(*PRSizeParams); p.MaxFiles != 40 {
		t.Errorf("MaxFiles = %d, want 40", p.MaxFiles)
	}
	if err := rules.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
	if got := rules.IncludePatterns(); len(got) != 1 || got[0] != "*" {
		t.Errorf("IncludePatterns() = %v, want [*]", got)
	}
}
