package dialogue

import (
	"fmt"
	"strings"

	"github.com/convomesh/convomesh/botconfig"
	"github.com/convomesh/convomesh/core"
	"github.com/convomesh/convomesh/internal/util"
	"github.com/convomesh/convomesh/provider"
)

// buildSystemPrompt renders the config's prompt template against the
// session's context variables and appends the knowledge sections.
func buildSystemPrompt(cfg *botconfig.BotConfig, sess *core.Session) (string, error) {
	vars := map[string]any{
		"subject_id": sess.SubjectID,
		"channel":    sess.Channel,
		"intent":     sess.Context.Intent,
	}
	for k, v := range sess.Context.Vars {
		vars[k] = v
	}
	for k, v := range sess.Context.Entities {
		vars[k] = v
	}

	rendered, err := util.RenderTemplate(cfg.PromptTemplate, vars)
	if err != nil {
		return "", fmt.Errorf("render prompt template: %w", err)
	}

	var b strings.Builder
	b.WriteString(rendered)

	if len(cfg.Knowledge.Facts) > 0 {
		b.WriteString("\n\nBackground facts:\n")
		for _, fact := range cfg.Knowledge.Facts {
			b.WriteString("- ")
			b.WriteString(fact)
			b.WriteString("\n")
		}
	}

	if len(cfg.Knowledge.QA) > 0 {
		b.WriteString("\nReference questions and answers:\n")
		for _, qa := range cfg.Knowledge.QA {
			fmt.Fprintf(&b, "Q: %s\nA: %s\n", qa.Question, qa.Answer)
		}
	}

	if len(cfg.Knowledge.Replacements) > 0 {
		b.WriteString("\nWhen a disallowed topic comes up, answer with the mapped phrasing instead of engaging:\n")
		for topic, phrasing := range cfg.Knowledge.Replacements {
			fmt.Fprintf(&b, "- %s: %s\n", topic, phrasing)
		}
	}

	return b.String(), nil
}

// buildRequest assembles the outbound provider request: the system
// instruction, the last-K window of the session log and the config's
// structured-function schemas.
func buildRequest(cfg *botconfig.BotConfig, sess *core.Session, window int) (provider.Request, error) {
	system, err := buildSystemPrompt(cfg, sess)
	if err != nil {
		return provider.Request{}, err
	}

	messages := []provider.Message{{Role: core.RoleSystem, Content: system}}
	for _, msg := range sess.Window(window) {
		if msg.Content == "" {
			continue
		}
		messages = append(messages, provider.Message{Role: msg.Role, Content: msg.Content})
	}

	var functions []provider.FunctionDef
	for _, fn := range cfg.Functions {
		functions = append(functions, provider.FunctionDef{
			Name:        fn.Name,
			Description: fn.Description,
			Parameters:  fn.Parameters,
		})
	}

	return provider.Request{
		Model:       cfg.Provider.Model,
		Temperature: cfg.Provider.Temperature,
		MaxTokens:   cfg.Provider.MaxTokens,
		Messages:    messages,
		Functions:   functions,
	}, nil
}
