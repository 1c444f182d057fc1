// Package catalog manages policies and their immutable versions.
//
// Policies are created through Service, either directly (the admin API) or
// by syncing a directory of YAML seed files. A sync never edits an existing
// version: when a seed's rules or enforcement level differ from the latest
// stored version, a new version numbered latest+1 is written.
//
// # Seed Files
//
//	policies:
//	  - id: org-require-tests
//	    name: Require tests
//	    scope: ORG
//	    target: acme
//	    level: MANDATORY
//	    rules:
//	      type: coverage
//	      min_tests: 1
//	      include_paths: ["src/*"]
//
// # Hot Reload
//
// Watcher follows the seed directory with fsnotify and debounces bursts of
// events into a single sync.
package catalog
