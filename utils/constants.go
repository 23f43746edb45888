package utils // import "github.com/helmsmanhq/helmsman/utils"

// This block contains the directories the control plane uses on disk. They're
// needed by a few packages (the process spawner driver writes per-server
// runtime files, the control plane's HTTP server stores its TLS material), so
// they live in the least common denominator --- this package.

var (
	// HelmsmanDir is the root of the control plane's on-disk runtime state
	// (per-server readiness files, spawner scratch space). A variable rather
	// than a constant so local development can point it somewhere writable.
	HelmsmanDir string = "/var/lib/helmsman/"

	// HelmsmanPrivateDir gets its own root path so that TLS material for the
	// internal API never sits next to files single-user servers can read.
	HelmsmanPrivateDir string = "/var/lib/helmsman-private/"
)
