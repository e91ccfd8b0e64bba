package botconfig

import (
	"sync"
	"time"

	"github.com/convomesh/convomesh/core"
)

// DefaultConfigName names the lazily-created singleton default config.
const DefaultConfigName = "default"

// Store is a thread-safe registry of bot configurations plus per-subject
// overrides. Exactly one config is designated default; it is created lazily
// the first time resolution falls through to it.
type Store struct {
	mu        sync.RWMutex
	configs   map[string]*BotConfig // by config id
	order     []string              // registration order for deterministic scans
	overrides map[string]string     // subject id -> config id
}

// NewStore constructs an empty config store.
func NewStore() *Store {
	return &Store{
		configs:   make(map[string]*BotConfig),
		overrides: make(map[string]string),
	}
}

// Put registers (or replaces) a config. A nil Counters field is initialized
// so turns can increment unconditionally.
func (s *Store) Put(cfg *BotConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.ID == "" {
		cfg.ID = core.NewID()
	}
	if cfg.Counters == nil {
		cfg.Counters = &core.Counters{}
	}
	if _, exists := s.configs[cfg.ID]; !exists {
		s.order = append(s.order, cfg.ID)
	}
	s.configs[cfg.ID] = cfg
}

// Get returns a config by id.
func (s *Store) Get(id string) (*BotConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.configs[id]
	return cfg, ok
}

// List returns all configs in registration order.
func (s *Store) List() []*BotConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*BotConfig, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.configs[id])
	}
	return out
}

// SetOverride pins a subject to an explicit config.
func (s *Store) SetOverride(subjectID, configID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides[subjectID] = configID
}

// ClearOverride removes a subject's explicit config pin.
func (s *Store) ClearOverride(subjectID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.overrides, subjectID)
}

// Override returns the pinned config for a subject, if any.
func (s *Store) Override(subjectID string) (*BotConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.overrides[subjectID]
	if !ok {
		return nil, false
	}
	cfg, ok := s.configs[id]
	return cfg, ok
}

// EnsureDefault returns the singleton default config, creating it if absent.
func (s *Store) EnsureDefault() *BotConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.order {
		if s.configs[id].Default {
			return s.configs[id]
		}
	}
	cfg := newDefaultConfig()
	s.configs[cfg.ID] = cfg
	s.order = append(s.order, cfg.ID)
	return cfg
}

func newDefaultConfig() *BotConfig {
	return &BotConfig{
		ID:             core.NewID(),
		Name:           DefaultConfigName,
		Enabled:        true,
		Default:        true,
		PromptTemplate: "You are a helpful assistant for {{.company | default \"our team\"}}. Answer briefly and accurately.",
		Provider: ProviderParams{
			Model:       "gpt-4o-mini",
			Temperature: 0.7,
			MaxTokens:   1024,
		},
		Rules: Rules{
			MaxTurns:        30,
			SessionTimeout:  30 * time.Minute,
			StopKeywords:    []string{"stop", "unsubscribe"},
			HandoffKeywords: []string{"human", "agent", "operator"},
		},
		Counters: &core.Counters{},
	}
}
