package core

import "sync/atomic"

// Counters holds live aggregate counters mutated by concurrent dialogue
// turns. Increments are atomic so parallel turns never lose updates to a
// stale read-modify-write.
type Counters struct {
	messages         atomic.Int64
	intents          atomic.Int64
	actions          atomic.Int64
	providerFailures atomic.Int64
}

// CountersSnapshot is a point-in-time copy of all counters.
type CountersSnapshot struct {
	Messages         int64 `json:"messages"`
	Intents          int64 `json:"intents"`
	Actions          int64 `json:"actions"`
	ProviderFailures int64 `json:"provider_failures"`
}

// AddMessages atomically adds n handled messages.
func (c *Counters) AddMessages(n int64) { c.messages.Add(n) }

// AddIntents atomically adds n detected intents.
func (c *Counters) AddIntents(n int64) { c.intents.Add(n) }

// AddActions atomically adds n executed actions.
func (c *Counters) AddActions(n int64) { c.actions.Add(n) }

// AddProviderFailures atomically adds n provider failures.
func (c *Counters) AddProviderFailures(n int64) { c.providerFailures.Add(n) }

// Snapshot returns a point-in-time copy of all counters.
func (c *Counters) Snapshot() CountersSnapshot {
	return CountersSnapshot{
		Messages:         c.messages.Load(),
		Intents:          c.intents.Load(),
		Actions:          c.actions.Load(),
		ProviderFailures: c.providerFailures.Load(),
	}
}
