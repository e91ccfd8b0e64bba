package botconfig

import "time"

// Event is the firing event a config is resolved for: the event name plus
// the context the trigger predicates inspect.
type Event struct {
	Name    string
	Subject string
	Text    string
	Source  string
	Status  string
	At      time.Time
}

// Resolver selects the active configuration for a firing event. Resolution
// is pure given (event, available configs): it reads the store and never
// mutates anything except the lazy creation of the singleton default.
//
// Resolution order:
//  1. an explicit per-subject override, if present
//  2. the first enabled config whose trigger predicate matches the event
//  3. the singleton default config, auto-created if none exists
type Resolver struct {
	store *Store
}

// NewResolver constructs a resolver over the given store.
func NewResolver(store *Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve returns the config governing the event.
func (r *Resolver) Resolve(ev Event) *BotConfig {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	if cfg, ok := r.store.Override(ev.Subject); ok && cfg.Enabled {
		return cfg
	}

	for _, cfg := range r.store.List() {
		if !cfg.Enabled || cfg.Default {
			continue
		}
		for _, td := range cfg.Triggers {
			if td.Event != "" && td.Event != ev.Name {
				continue
			}
			if td.Predicate.Matches(ev) {
				return cfg
			}
		}
	}

	return r.store.EnsureDefault()
}
