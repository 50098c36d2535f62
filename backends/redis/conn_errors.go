package redis

// connErrorStrings feeds store.MaybeConnError: substrings that mark a
// Redis error as connectivity-related rather than operational. "NOSCRIPT"
// is deliberately absent — it's handled by a reload-and-retry in
// runScript, not routed to insurance failover. Override via
// Config.ConnErrorStrings if a deployment's network stack produces
// different wording.
var connErrorStrings = []string{
	"connection refused",
	"connection timeout",
	"connection reset",
	"network is unreachable",
	"no such host",
	"timeout",
	"i/o timeout",
	"broken pipe",
	"connection pool exhausted",
}
