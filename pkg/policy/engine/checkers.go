package engine

import (
	"fmt"
	"slices"
	"strings"

	"mercator-hq/prgate/pkg/governance"
)

const (
	defaultMinTests = 1
	defaultMaxFiles = 20
)

var defaultSecurityPaths = []string{"auth/", "config/"}

func builtinCheckers() []Checker {
	return []Checker{
		CheckerFunc{K: governance.CheckerCoverage, Fn: checkCoverage},
		CheckerFunc{K: governance.CheckerPRSize, Fn: checkPRSize},
		CheckerFunc{K: governance.CheckerSecurityPath, Fn: checkSecurityPath},
		CheckerFunc{K: governance.CheckerFileExtension, Fn: checkFileExtension},
	}
}

func pass(msg string) CheckResult {
	return CheckResult{Verdict: governance.VerdictPass, Message: msg}
}

// checkCoverage requires a minimum number of changed test files.
func checkCoverage(facts *governance.Facts, rules governance.RulesLogic) CheckResult {
	var p governance.CoverageParams
	switch v := rules.Params.(type) {
	case *governance.CoverageParams:
		p = *v
	case governance.CoverageParams:
		p = v
	}

	minTests := p.MinTests
	if minTests <= 0 {
		minTests = defaultMinTests
	}
	found := facts.Metadata.TestFilesChangedCount

	if found < minTests {
		return CheckResult{
			Verdict:  governance.VerdictBlock,
			Message:  fmt.Sprintf("Required at least %d test file(s), but found %d.", minTests, found),
			FactPath: "metadata.test_files_changed_count",
			Expected: fmt.Sprintf(">= %d", minTests),
			Actual:   fmt.Sprintf("%d", found),
		}
	}
	return pass("Coverage requirements met.")
}

// checkPRSize warns when too many files change.
func checkPRSize(facts *governance.Facts, rules governance.RulesLogic) CheckResult {
	var p governance.PRSizeParams
	switch v := rules.Params.(type) {
	case *governance.PRSizeParams:
		p = *v
	case governance.PRSizeParams:
		p = v
	}

	maxFiles := p.MaxFiles
	if maxFiles <= 0 {
		maxFiles = defaultMaxFiles
	}
	total := facts.Changes.TotalFiles

	if total > maxFiles {
		return CheckResult{
			Verdict:  governance.VerdictWarn,
			Message:  fmt.Sprintf("PR is large (%d files). Recommended maximum is %d.", total, maxFiles),
			FactPath: "changes.total_files",
			Expected: fmt.Sprintf("<= %d", maxFiles),
			Actual:   fmt.Sprintf("%d", total),
		}
	}
	return pass("PR size is within limits.")
}

// checkSecurityPath blocks changes under security-sensitive prefixes.
func checkSecurityPath(facts *governance.Facts, rules governance.RulesLogic) CheckResult {
	var p governance.SecurityPathParams
	switch v := rules.Params.(type) {
	case *governance.SecurityPathParams:
		p = *v
	case governance.SecurityPathParams:
		p = v
	}

	prefixes := p.SecurityPaths
	if len(prefixes) == 0 {
		prefixes = defaultSecurityPaths
	}

	var hits []string
	for _, f := range facts.Changes.Files {
		for _, prefix := range prefixes {
			if strings.HasPrefix(f.Path, prefix) {
				hits = append(hits, f.Path)
				break
			}
		}
	}

	if len(hits) > 0 {
		joined := strings.Join(hits, ", ")
		return CheckResult{
			Verdict:  governance.VerdictBlock,
			Message:  "Unauthorized changes to security-sensitive paths: " + joined,
			FactPath: "changes.files.path",
			Expected: "No changes to security paths",
			Actual:   joined,
		}
	}
	return pass("No security path violations.")
}

// checkFileExtension blocks extensions outside the allow list.
func checkFileExtension(facts *governance.Facts, rules governance.RulesLogic) CheckResult {
	var p governance.FileExtensionParams
	switch v := rules.Params.(type) {
	case *governance.FileExtensionParams:
		p = *v
	case governance.FileExtensionParams:
		p = v
	}

	if len(p.AllowedExtensions) == 0 {
		return pass("All extensions allowed.")
	}

	var invalid []string
	for _, f := range facts.Changes.Files {
		if slices.Contains(p.AllowedExtensions, f.Extension) || slices.Contains(invalid, f.Extension) {
			continue
		}
		invalid = append(invalid, f.Extension)
	}

	if len(invalid) > 0 {
		joined := strings.Join(invalid, ", ")
		return CheckResult{
			Verdict:  governance.VerdictBlock,
			Message:  "Forbidden file extensions found: " + joined,
			FactPath: "changes.files.extension",
			Expected: "One of: " + strings.Join(p.AllowedExtensions, ", "),
			Actual:   joined,
		}
	}
	return pass("File extensions are valid.")
}
