package version

var (
	// Version is the current application version.
	// Populated by the build system (ldflags); the fallback tracks releases.
	Version = "v1.2.0"

	// Commit is the git short hash of the build.
	Commit = "unknown"

	// Date is the build timestamp.
	Date = "unknown"
)

// Agent returns the User-Agent value for upstream calls made on the
// proxy's own behalf.
func Agent() string {
	return "frlproxy/" + Version
}

// Via returns the value appended to the Via header on proxied responses.
func Via() string {
	return "1.1 frlproxy-" + Version
}
