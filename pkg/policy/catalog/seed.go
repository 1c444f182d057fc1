package catalog

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	"mercator-hq/prgate/pkg/governance"
)

// maxSeedFileSize bounds a single seed file.
const maxSeedFileSize = 1 << 20

// Seed is one policy declared in a seed file.
type Seed struct {
	ID          string                      `yaml:"id"`
	Name        string                      `yaml:"name"`
	Scope       governance.Scope            `yaml:"scope"`
	Target      string                      `yaml:"target"`
	OwningRole  string                      `yaml:"owning_role"`
	Description string                      `yaml:"description"`
	Level       governance.EnforcementLevel `yaml:"level"`
	Rules       map[string]any              `yaml:"rules"`

	// File is the seed file the policy came from.
	File string `yaml:"-"`
}

type seedFile struct {
	Policies []Seed `yaml:"policies"`
}

// LoadError reports a seed file that could not be read or parsed.
type LoadError struct {
	FilePath string
	Message  string
	Cause    error
}

func (e *LoadError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.FilePath, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.FilePath, e.Message)
}

func (e *LoadError) Unwrap() error { return e.Cause }

// LoadFile reads the seeds declared in one YAML file.
func LoadFile(path string) ([]Seed, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, &LoadError{FilePath: path, Message: "failed to access file", Cause: err}
	}
	if !info.Mode().IsRegular() {
		return nil, &LoadError{FilePath: path, Message: "not a regular file"}
	}
	if info.Size() > maxSeedFileSize {
		return nil, &LoadError{FilePath: path, Message: fmt.Sprintf("file size %d bytes exceeds maximum %d bytes", info.Size(), maxSeedFileSize)}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{FilePath: path, Message: "failed to read file", Cause: err}
	}
	if !utf8.Valid(data) {
		return nil, &LoadError{FilePath: path, Message: "file contains invalid UTF-8 encoding"}
	}

	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, &LoadError{FilePath: path, Message: "YAML parsing failed", Cause: err}
	}

	for i := range f.Policies {
		f.Policies[i].File = path
		if err := f.Policies[i].validate(); err != nil {
			return nil, &LoadError{FilePath: path, Message: fmt.Sprintf("policy %d", i), Cause: err}
		}
	}
	return f.Policies, nil
}

// LoadDir reads every .yaml/.yml file under dir, skipping hidden entries.
// Seeds are returned ordered by id; duplicate ids across files are an error.
func LoadDir(dir string) ([]Seed, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if strings.HasPrefix(d.Name(), ".") && path != dir {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() && isSeedFile(path) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, &LoadError{FilePath: dir, Message: "failed to walk directory", Cause: err}
	}
	sort.Strings(files)

	var (
		seeds []Seed
		errs  []error
		seen  = map[string]string{}
	)
	for _, path := range files {
		loaded, err := LoadFile(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, s := range loaded {
			if other, dup := seen[s.ID]; dup {
				errs = append(errs, &LoadError{FilePath: path, Message: fmt.Sprintf("policy %q already declared in %s", s.ID, other)})
				continue
			}
			seen[s.ID] = path
			seeds = append(seeds, s)
		}
	}

	sort.Slice(seeds, func(i, j int) bool { return seeds[i].ID < seeds[j].ID })
	return seeds, errors.Join(errs...)
}

func isSeedFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// ParsedRules decodes the seed's rules into the typed union.
func (s Seed) ParsedRules() (governance.RulesLogic, error) {
	return governance.ParseRules(s.Rules)
}

func (s Seed) validate() error {
	if s.ID == "" {
		return governance.NewValidationError("id", "policy id is required")
	}
	if err := validatePolicy(CreatePolicyRequest{ID: s.ID, Name: s.Name, Scope: s.Scope, TargetID: s.Target}); err != nil {
		return err
	}
	if !s.Level.Valid() {
		return governance.NewValidationError("level", fmt.Sprintf("unknown enforcement level %q", s.Level))
	}
	rules, err := s.ParsedRules()
	if err != nil {
		return err
	}
	return rules.Validate()
}
