package config

import "time"

// Settings holds the dispatcher-wide tunables. Zero values are never used;
// FromEnv fills every field with its documented default.
type Settings struct {
	// MaxInitAttempts bounds how often a backend init is retried before the
	// record is left Errored.
	MaxInitAttempts int

	// MaxTimeout is the per-backend inactivity threshold: a backend holding a
	// claim without emitting progress for this long is declared stalled.
	MaxTimeout time.Duration

	// PerRequestTimeout bounds the total time a request may wait for a
	// backend, queueing included.
	PerRequestTimeout time.Duration

	// Listen is the bind address of the federation API surface.
	Listen string

	// OutputDir is the root directory for saved images.
	OutputDir string

	// HistoryDB is the path of the sqlite generation-history database.
	HistoryDB string

	// ManifestPath locates the YAML backend manifest.
	ManifestPath string
}

// FromEnv builds Settings from the environment, applying defaults.
func FromEnv() Settings {
	return Settings{
		MaxInitAttempts:   ParseInt("DISPATCH_MAX_INIT_ATTEMPTS", 3),
		MaxTimeout:        ParseDuration("DISPATCH_MAX_TIMEOUT", 20*time.Minute),
		PerRequestTimeout: ParseDuration("DISPATCH_PER_REQUEST_TIMEOUT", 10080*time.Minute),
		Listen:            ParseString("DISPATCH_LISTEN", ":7821"),
		OutputDir:         ParseString("DISPATCH_OUTPUT_DIR", "output"),
		HistoryDB:         ParseString("DISPATCH_HISTORY_DB", "history.db"),
		ManifestPath:      ParseString("DISPATCH_BACKENDS", "backends.yml"),
	}
}
