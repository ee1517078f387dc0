package version

import "fmt"

var (
	// Version is the semantic version of the binary. Overridden at build time.
	Version = "dev"
	// Commit is the git commit hash. Overridden at build time.
	Commit = "unknown"
	// BuildDate is the build timestamp. Overridden at build time.
	BuildDate = "unknown"
)

// String is the one-line form printed by `pricewatch version`.
func String() string {
	return fmt.Sprintf("pricewatch %s (commit %s, built %s)", Version, Commit, BuildDate)
}

// UserAgent is sent by the catalog loaders unless configured otherwise.
func UserAgent() string {
	return "pricewatch/" + Version + " (+https://github.com/pricewatch/pricewatch)"
}
