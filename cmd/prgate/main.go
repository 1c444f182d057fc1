// prgate is a governance gate for pull requests. It ingests the facts of a
// pull request revision, evaluates the policies in force, records an
// immutable decision and reports it as a GitHub check run.
//
// Usage:
//
//	# Start the webhook receiver, worker pool and admin API
//	prgate serve --config /etc/prgate/config.yaml
//
//	# Evaluate one revision and exit non-zero when it is blocked
//	prgate analyze --owner acme --repo api --pr 42 --sha 3f2c9e1
//
//	# Load policy seed files into the catalog
//	prgate policy sync --dir policies/
//
//	# Grant a time-boxed override on a blocked decision
//	prgate override create --decision <id> --hash <hash> --sha <sha> \
//	    --category EMERGENCY_HOTFIX --actor alice --justification "..."
//
//	# Measure the blast radius of a draft rule set
//	prgate simulate run --policy require-tests --rules draft.yaml
package main

import "os"

func main() {
	os.Exit(Execute())
}
