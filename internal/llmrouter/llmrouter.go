// Package llmrouter asks a chat-completion model which agents a message is
// meant for. It is an optional refinement over the keyword heuristic; every
// failure mode degrades to the caller's fallback rather than an error the
// user sees.
package llmrouter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// ErrNoRoute is returned when the model answered but named no usable agent.
var ErrNoRoute = errors.New("llmrouter: no agent selected")

const systemPrompt = `You route chat messages to AI coding agents.
Given a message and a list of agents (id, type, keywords), reply with the ids
of the agents the message is addressed to, comma separated, and nothing else.
Reply with "none" if no agent should handle it.`

// Candidate describes one routable agent for the model.
type Candidate struct {
	ID       string
	Type     string
	Keywords []string
}

// Config configures the upstream model endpoint.
type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// Router selects target agents via a chat completion call.
type Router struct {
	client  openai.Client
	model   string
	timeout time.Duration
}

func New(cfg Config) *Router {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	model := cfg.Model
	if model == "" {
		model = openai.ChatModelGPT4oMini
	}
	return &Router{
		client:  openai.NewClient(opts...),
		model:   model,
		timeout: timeout,
	}
}

// Route returns the subset of candidates the model addressed the message to.
// The model's answer is validated against the candidate set; ids it invents
// are dropped. An empty or "none" answer is ErrNoRoute.
func (r *Router) Route(ctx context.Context, content string, candidates []Candidate) ([]string, error) {
	if len(candidates) == 0 {
		return nil, ErrNoRoute
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	resp, err := r.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: r.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt(content, candidates)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, ErrNoRoute
	}
	ids := parseIDs(resp.Choices[0].Message.Content, candidates)
	if len(ids) == 0 {
		return nil, ErrNoRoute
	}
	return ids, nil
}

func userPrompt(content string, candidates []Candidate) string {
	var b strings.Builder
	b.WriteString("Agents:\n")
	for _, c := range candidates {
		fmt.Fprintf(&b, "- id=%s type=%s keywords=%s\n", c.ID, c.Type, strings.Join(c.Keywords, ","))
	}
	b.WriteString("\nMessage:\n")
	b.WriteString(content)
	return b.String()
}

// parseIDs accepts comma or newline separated ids and keeps only ones that
// name a real candidate, preserving the model's order without duplicates.
func parseIDs(answer string, candidates []Candidate) []string {
	valid := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		valid[c.ID] = true
	}
	var out []string
	seen := make(map[string]bool)
	for _, line := range strings.Split(answer, "\n") {
		for _, tok := range strings.Split(line, ",") {
			id := strings.Trim(strings.TrimSpace(tok), `"'`)
			if id == "" || strings.EqualFold(id, "none") {
				continue
			}
			if valid[id] && !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	return out
}
