// Package botconfig holds the named configurations governing prompts,
// enabled structured functions, trigger predicates and rule thresholds for
// dialogues, plus the resolver that selects the active configuration for a
// firing event.
package botconfig

import (
	"strings"
	"time"

	"github.com/convomesh/convomesh/core"
)

// ProviderParams are the completion-provider parameters carried by a config.
type ProviderParams struct {
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int64   `json:"max_tokens"`
}

// FunctionSpec declares one structured function exposed to the provider. The
// Parameters map is a JSON-schema contract; Action maps the function onto a
// closed executor kind.
type FunctionSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  map[string]any  `json:"parameters"`
	Action      core.ActionKind `json:"action"`
}

// Predicate restricts when a trigger definition matches. Absent fields are
// wildcards; all specified fields must hold.
type Predicate struct {
	// Keywords match case-insensitively by substring containment; one hit
	// suffices.
	Keywords []string `json:"keywords,omitempty"`
	// Sources is an allow-list of event sources/channels.
	Sources []string `json:"sources,omitempty"`
	// Statuses is an allow-list of subject statuses.
	Statuses []string `json:"statuses,omitempty"`
	// After/Before bound the time of day ("15:04" format, inclusive).
	After  string `json:"after,omitempty"`
	Before string `json:"before,omitempty"`
}

// TriggerDef binds an event name to an optional predicate.
type TriggerDef struct {
	Event     string    `json:"event"`
	Predicate Predicate `json:"predicate"`
}

// Rules are the dialogue rule thresholds evaluated before any provider call.
type Rules struct {
	MaxTurns        int           `json:"max_turns"`
	SessionTimeout  time.Duration `json:"session_timeout"`
	StopKeywords    []string      `json:"stop_keywords,omitempty"`
	HandoffKeywords []string      `json:"handoff_keywords,omitempty"`
}

// QAPair is one knowledge question/answer entry appended to the system
// instruction.
type QAPair struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// Knowledge carries the knowledge sections assembled into the prompt:
// background facts, Q&A pairs and disallowed-topic substitutions.
type Knowledge struct {
	Facts        []string          `json:"facts,omitempty"`
	QA           []QAPair          `json:"qa,omitempty"`
	Replacements map[string]string `json:"replacements,omitempty"`
}

// BotConfig is the named configuration governing a dialogue: prompt template,
// provider parameters, enabled structured functions, trigger definitions and
// rule thresholds. Counters are live and mutated by concurrent turns.
type BotConfig struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Enabled        bool           `json:"enabled"`
	Default        bool           `json:"default"`
	PromptTemplate string         `json:"prompt_template"`
	Provider       ProviderParams `json:"provider"`
	Functions      []FunctionSpec `json:"functions,omitempty"`
	Triggers       []TriggerDef   `json:"triggers,omitempty"`
	Rules          Rules          `json:"rules"`
	Knowledge      Knowledge      `json:"knowledge"`
	Counters       *core.Counters `json:"-"`
}

// FunctionByName returns the spec for a named structured function.
func (c *BotConfig) FunctionByName(name string) (FunctionSpec, bool) {
	for _, fn := range c.Functions {
		if fn.Name == name {
			return fn, true
		}
	}
	return FunctionSpec{}, false
}

// MatchesKeyword reports whether text contains any of the given keywords,
// case-insensitively.
func MatchesKeyword(text string, keywords []string) bool {
	lower := strings.ToLower(text)
	for _, kw := range keywords {
		if kw == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// Matches evaluates the predicate against a firing event. All specified
// fields must hold; absent fields are wildcards.
func (p Predicate) Matches(ev Event) bool {
	if len(p.Keywords) > 0 && !MatchesKeyword(ev.Text, p.Keywords) {
		return false
	}
	if len(p.Sources) > 0 && !containsFold(p.Sources, ev.Source) {
		return false
	}
	if len(p.Statuses) > 0 && !containsFold(p.Statuses, ev.Status) {
		return false
	}
	if p.After != "" || p.Before != "" {
		hm := ev.At.Format("15:04")
		if p.After != "" && hm < p.After {
			return false
		}
		if p.Before != "" && hm > p.Before {
			return false
		}
	}
	return true
}

func containsFold(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}
