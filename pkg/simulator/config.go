package simulator

import "time"

// Config carries the simulator-wide knobs from the external interfaces
// table: an RNG seed for reproducible reliability/port sampling, and
// connection pooling limits. The Simulator has no connection tracker:
// MaxPerEndpoint, MaxIdle and MaxAge are stored but never read, and
// connections are not pooled or reaped.
type Config struct {
	// Seed drives both the Bernoulli reliability sampling and the
	// ephemeral port allocator. Two simulators built with the same seed
	// and the same sequence of calls behave identically.
	Seed int64

	// MaxPerEndpoint is a per-destination-endpoint connection limit; the
	// Simulator does not enforce it.
	MaxPerEndpoint int
	// MaxIdle is an idle-connection limit; the Simulator does not enforce it.
	MaxIdle time.Duration
	// MaxAge is a connection lifetime cap; the Simulator does not enforce it.
	MaxAge time.Duration
}

// DefaultConfig returns permissive pooling defaults with a fixed seed for
// reproducibility; callers that want true randomness should set Seed from
// a real entropy source.
func DefaultConfig() Config {
	return Config{
		Seed:           1,
		MaxPerEndpoint: 8,
		MaxIdle:        30 * time.Second,
		MaxAge:         5 * time.Minute,
	}
}
