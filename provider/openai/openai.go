// Package openai provides a completion provider backed by the OpenAI Chat
// Completions API (including function/tool calling). It adapts ConvoMesh's
// normalized Request/Response structures into the SDK's message format and
// back.
package openai

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"

	"github.com/convomesh/convomesh/core"
	"github.com/convomesh/convomesh/provider"
)

// Options configure the OpenAI provider adapter. Per-request model,
// temperature and token cap from the bot config take precedence; these serve
// as fallbacks.
type Options struct {
	Model               string
	Temperature         float64
	MaxCompletionTokens int64
}

// Provider wraps the OpenAI Chat Completions API behind the generic
// provider.Provider interface.
type Provider struct {
	client *openai.Client
	opts   Options
}

// New creates a new OpenAI provider using the official client.
func New(optFns ...func(o *Options)) *Provider {
	client := openai.NewClient()
	return NewFromClient(&client, optFns...)
}

// NewFromClient creates a new OpenAI provider from an existing client.
func NewFromClient(client *openai.Client, optFns ...func(o *Options)) *Provider {
	opts := Options{
		Model:               openai.ChatModelGPT4oMini,
		Temperature:         0.7,
		MaxCompletionTokens: 4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Provider{client: client, opts: opts}
}

// Complete implements provider.Provider with a single non-streaming call.
func (p *Provider) Complete(ctx context.Context, req provider.Request) (*provider.Response, error) {
	params := p.buildParams(req)

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai api error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices returned")
	}

	msg := resp.Choices[0].Message
	out := &provider.Response{
		Content:    msg.Content,
		TokensUsed: int(resp.Usage.TotalTokens),
	}
	if len(msg.ToolCalls) > 0 {
		tc := msg.ToolCalls[0]
		out.StructuredCall = &core.StructuredCall{
			Name:          tc.Function.Name,
			ArgumentsJSON: tc.Function.Arguments,
		}
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Provider) buildParams(req provider.Request) openai.ChatCompletionNewParams {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case core.RoleSystem:
			messages = append(messages, openai.SystemMessage(m.Content))
		case core.RoleAssistant:
			messages = append(messages, openai.AssistantMessage(m.Content))
		default:
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}

	model := req.Model
	if model == "" {
		model = p.opts.Model
	}
	temperature := req.Temperature
	if temperature == 0 {
		temperature = p.opts.Temperature
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = p.opts.MaxCompletionTokens
	}

	params := openai.ChatCompletionNewParams{
		Messages:            messages,
		Model:               model,
		Temperature:         openai.Float(temperature),
		MaxCompletionTokens: openai.Int(maxTokens),
	}
	if len(req.Functions) == 0 {
		return params
	}

	tools := make([]openai.ChatCompletionToolParam, len(req.Functions))
	for i, fn := range req.Functions {
		tools[i] = openai.ChatCompletionToolParam{
			Type: "function",
			Function: openai.FunctionDefinitionParam{
				Name:        fn.Name,
				Description: openai.String(fn.Description),
				Parameters:  fn.Parameters,
			},
		}
	}
	params.Tools = tools
	return params
}

// Info returns metadata describing this OpenAI provider implementation.
func (p *Provider) Info() provider.Info {
	return provider.Info{Name: p.opts.Model, Provider: "openai"}
}
