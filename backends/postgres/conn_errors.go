package postgres

// connErrorStrings feeds store.MaybeConnError: substrings marking a
// Postgres error as connectivity-related rather than operational (a
// constraint violation or the plpgsql RAISE EXCEPTION for an unknown op
// is never mistaken for an outage). Override via Config.ConnErrorStrings
// for deployments with different wording.
var connErrorStrings = []string{
	"connection refused",
	"connection timeout",
	"connection reset",
	"network is unreachable",
	"no such host",
	"i/o timeout",
	"broken pipe",
	"pool exhausted",
	"too many connections",
	"database is locked",
	"terminating connection",
}
