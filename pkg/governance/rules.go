package governance

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// CheckerKind names a deterministic checker.
type CheckerKind string

const (
	CheckerCoverage      CheckerKind = "coverage"
	CheckerSecurityPath  CheckerKind = "security_path"
	CheckerFileExtension CheckerKind = "file_extension"
	CheckerPRSize        CheckerKind = "pr_size"
)

// CheckerParams is the typed parameter block of one checker kind.
type CheckerParams interface {
	Kind() CheckerKind
}

// CoverageParams configures the coverage checker.
type CoverageParams struct {
	// MinTests is the minimum number of changed test files. Zero means 1.
	MinTests int `json:"min_tests,omitempty"`
}

func (CoverageParams) Kind() CheckerKind { return CheckerCoverage }

// SecurityPathParams configures the security_path checker.
type SecurityPathParams struct {
	// SecurityPaths are path prefixes that may not be changed.
	// Empty means "auth/" and "config/".
	SecurityPaths []string `json:"security_paths,omitempty"`
}

func (SecurityPathParams) Kind() CheckerKind { return CheckerSecurityPath }

// FileExtensionParams configures the file_extension checker.
type FileExtensionParams struct {
	// AllowedExtensions lists permitted extensions including the dot.
	// Empty allows everything.
	AllowedExtensions []string `json:"allowed_extensions,omitempty"`
}

func (FileExtensionParams) Kind() CheckerKind { return CheckerFileExtension }

// PRSizeParams configures the pr_size checker.
type PRSizeParams struct {
	// MaxFiles is the recommended maximum of changed files. Zero means 20.
	MaxFiles int `json:"max_files,omitempty"`
}

func (PRSizeParams) Kind() CheckerKind { return CheckerPRSize }

// UnknownParams preserves the raw parameters of a kind this build does not
// know, so that stored rules keep their exact hash.
type UnknownParams struct {
	kind   CheckerKind
	Fields map[string]json.RawMessage
}

func (p *UnknownParams) Kind() CheckerKind { return p.kind }

func (p *UnknownParams) MarshalJSON() ([]byte, error) {
	if p.Fields == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(p.Fields)
}

var (
	paramsMu        sync.RWMutex
	paramsFactories = map[CheckerKind]func() CheckerParams{
		CheckerCoverage:      func() CheckerParams { return &CoverageParams{} },
		CheckerSecurityPath:  func() CheckerParams { return &SecurityPathParams{} },
		CheckerFileExtension: func() CheckerParams { return &FileExtensionParams{} },
		CheckerPRSize:        func() CheckerParams { return &PRSizeParams{} },
	}
)

// RegisterParams makes a new checker kind decodable. The factory must return
// a pointer to a zero parameter struct.
func RegisterParams(kind CheckerKind, factory func() CheckerParams) {
	paramsMu.Lock()
	defer paramsMu.Unlock()
	paramsFactories[kind] = factory
}

// KnownKind reports whether kind has registered parameters.
func KnownKind(kind CheckerKind) bool {
	paramsMu.RLock()
	defer paramsMu.RUnlock()
	_, ok := paramsFactories[kind]
	return ok
}

// KnownKinds returns the registered kinds in lexical order.
func KnownKinds() []CheckerKind {
	paramsMu.RLock()
	defer paramsMu.RUnlock()
	kinds := make([]CheckerKind, 0, len(paramsFactories))
	for k := range paramsFactories {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// RulesLogic is the declarative content of a PolicyVersion: a checker kind,
// its typed parameters and the include/exclude path patterns that scope it.
//
// On the wire it is a flat object, e.g.
//
//	{"type":"coverage","min_tests":2,"include_paths":["src/*"]}
type RulesLogic struct {
	Type    CheckerKind
	Include []string
	Exclude []string
	Params  CheckerParams
}

// IncludePatterns returns the include patterns, defaulting to "*".
func (r RulesLogic) IncludePatterns() []string {
	if len(r.Include) == 0 {
		return []string{"*"}
	}
	return r.Include
}

// Validate checks that the rules name a registered checker kind whose
// parameters match.
func (r RulesLogic) Validate() error {
	if r.Type == "" {
		return NewValidationError("rules_logic.type", "checker type is required")
	}
	if !KnownKind(r.Type) {
		return NewValidationError("rules_logic.type", fmt.Sprintf("unknown checker type %q", r.Type))
	}
	if r.Params != nil && r.Params.Kind() != r.Type {
		return NewValidationError("rules_logic", fmt.Sprintf("parameters for %q do not match type %q", r.Params.Kind(), r.Type))
	}
	return nil
}

// MarshalJSON flattens the parameters next to type/include/exclude.
func (r RulesLogic) MarshalJSON() ([]byte, error) {
	fields := map[string]json.RawMessage{}

	if r.Params != nil {
		raw, err := json.Marshal(r.Params)
		if err != nil {
			return nil, fmt.Errorf("marshal %s parameters: %w", r.Type, err)
		}
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, fmt.Errorf("flatten %s parameters: %w", r.Type, err)
		}
	}

	typ, _ := json.Marshal(r.Type)
	fields["type"] = typ
	if len(r.Include) > 0 {
		fields["include_paths"], _ = json.Marshal(r.Include)
	}
	if len(r.Exclude) > 0 {
		fields["exclude_paths"], _ = json.Marshal(r.Exclude)
	}

	return json.Marshal(fields)
}

// UnmarshalJSON decodes the flat form into typed parameters.
func (r *RulesLogic) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("decode rules_logic: %w", err)
	}

	var out RulesLogic
	if raw, ok := fields["type"]; ok {
		if err := json.Unmarshal(raw, &out.Type); err != nil {
			return fmt.Errorf("decode rules_logic.type: %w", err)
		}
		delete(fields, "type")
	}
	if raw, ok := fields["include_paths"]; ok {
		if err := json.Unmarshal(raw, &out.Include); err != nil {
			return fmt.Errorf("decode rules_logic.include_paths: %w", err)
		}
		delete(fields, "include_paths")
	}
	if raw, ok := fields["exclude_paths"]; ok {
		if err := json.Unmarshal(raw, &out.Exclude); err != nil {
			return fmt.Errorf("decode rules_logic.exclude_paths: %w", err)
		}
		delete(fields, "exclude_paths")
	}

	paramsMu.RLock()
	factory, known := paramsFactories[out.Type]
	paramsMu.RUnlock()

	if !known {
		if len(fields) == 0 {
			fields = nil
		}
		out.Params = &UnknownParams{kind: out.Type, Fields: fields}
		*r = out
		return nil
	}

	params := factory()
	rest, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(rest, params); err != nil {
		return fmt.Errorf("decode %s parameters: %w", out.Type, err)
	}
	out.Params = params
	*r = out
	return nil
}

// ParseRules decodes rules from any JSON-compatible value, such as a map
// produced by a YAML decoder.
func ParseRules(v any) (RulesLogic, error) {
	var rules RulesLogic
	raw, err := json.Marshal(v)
	if err != nil {
		return rules, NewValidationError("rules_logic", err.Error())
	}
	if err := json.Unmarshal(raw, &rules); err != nil {
		return rules, NewValidationError("rules_logic", err.Error())
	}
	return rules, nil
}
