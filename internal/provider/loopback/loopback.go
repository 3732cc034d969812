package loopback

import (
	"context"
	"errors"
	"strings"

	"github.com/ventureforge/energy-gateway/internal/energy"
	"github.com/ventureforge/energy-gateway/internal/provider"
)

// Ensure Loopback implements Generator.
var _ provider.Generator = (*Loopback)(nil)

// Loopback echoes the prompt back with deterministic usage numbers. It keeps
// the reserve/generate/settle pipeline exercisable without any upstream
// provider credentials.
type Loopback struct{}

// New creates a Loopback instance.
func New() *Loopback {
	return &Loopback{}
}

func (l *Loopback) Name() string { return "loopback" }

// Generate fabricates a completion for the prompt.
func (l *Loopback) Generate(ctx context.Context, req provider.Request) (provider.Response, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return provider.Response{}, errors.New("empty prompt")
	}

	output := "[loopback] " + prompt
	promptTokens := energy.EstimateTokens(prompt)
	completionTokens := energy.EstimateTokens(output)

	model := req.Model
	if model == "" {
		model = "loopback-v1"
	}

	return provider.Response{
		Output:   output,
		Provider: l.Name(),
		Model:    model,
		Usage: energy.TokenUsage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		},
	}, nil
}
