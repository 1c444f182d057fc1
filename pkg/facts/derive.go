package facts

import (
	"path"
	"sort"
	"strings"

	"mercator-hq/prgate/pkg/governance"
)

var (
	testFilePatterns = []string{".test.", ".spec.", "_test.", "test_"}
	testDirPatterns  = []string{"tests/", "test/", "__tests__/"}
)

// IsTestFile classifies a path by naming convention only. Matching is
// case-insensitive; directory patterns match at the start of the path or
// after a separator.
func IsTestFile(p string) bool {
	lower := strings.ToLower(p)
	for _, pattern := range testFilePatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	for _, dir := range testDirPatterns {
		if strings.HasPrefix(lower, dir) || strings.Contains(lower, "/"+dir) {
			return true
		}
	}
	return false
}

// Extension returns the last ".ext" of the base name including the dot.
// Dotfiles without a further dot have no extension.
func Extension(p string) string {
	base := path.Base(p)
	if strings.Trim(base, ".") == "" {
		return ""
	}
	idx := strings.LastIndex(base, ".")
	if idx <= 0 {
		return ""
	}
	return base[idx:]
}

// PathPrefixes returns the sorted unique directory prefixes of paths,
// e.g. "src/auth/login.ts" yields "src" and "src/auth".
func PathPrefixes(paths []string) []string {
	seen := map[string]bool{}
	for _, p := range paths {
		parts := strings.Split(p, "/")
		current := ""
		for _, part := range parts[:len(parts)-1] {
			if part == "" {
				continue
			}
			if current == "" {
				current = part
			} else {
				current = current + "/" + part
			}
			seen[current] = true
		}
	}

	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Derive computes the facts of a change set. It is deterministic: file
// order is preserved and every derived collection is sorted.
func Derive(cs *ChangeSet) governance.Facts {
	files := make([]governance.FileFact, 0, len(cs.Files))
	paths := make([]string, 0, len(cs.Files))
	var additions, deletions, tests int

	for _, f := range cs.Files {
		ff := governance.FileFact{
			Path:       f.Path,
			Extension:  Extension(f.Path),
			Status:     f.Status,
			Additions:  f.Additions,
			Deletions:  f.Deletions,
			IsTestFile: IsTestFile(f.Path),
		}
		if ff.IsTestFile {
			tests++
		}
		additions += f.Additions
		deletions += f.Deletions
		files = append(files, ff)
		paths = append(paths, f.Path)
	}

	labels := append([]string{}, cs.Labels...)

	return governance.Facts{
		IngestionStatus: governance.IngestionStatus{
			Complete:      true,
			MissingFields: []string{},
		},
		Provenance: cs.Provenance,
		PullRequest: governance.PullRequestFact{
			Title:      cs.Title,
			Author:     governance.AuthorFact{ID: cs.AuthorID, Username: cs.AuthorLogin},
			BaseBranch: cs.BaseBranch,
			Labels:     labels,
			IsDraft:    cs.IsDraft,
		},
		Changes: governance.ChangeFacts{
			TotalFiles: len(files),
			Additions:  additions,
			Deletions:  deletions,
			Files:      files,
		},
		Metadata: governance.DerivedFacts{
			TestFilesChangedCount: tests,
			PathPrefixes:          PathPrefixes(paths),
		},
	}
}
