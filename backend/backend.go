// Package backend defines the generation backend contract: one RPC that
// turns a prompt into structured template content plus token usage.
package backend

import "context"

// Result is one successful generation: the raw content (expected to be a
// JSON artifact), the token counts, and the model that actually served the
// request (which may differ from the one requested).
type Result struct {
	Content      string
	InputTokens  int
	OutputTokens int
	Model        string
}

// Generator is the remote generation backend. All failures are treated as
// retryable by the worker, up to its attempt ceiling.
type Generator interface {
	Generate(ctx context.Context, prompt, model string) (*Result, error)
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, prompt, model string) (*Result, error)

// Generate calls f.
func (f GeneratorFunc) Generate(ctx context.Context, prompt, model string) (*Result, error) {
	return f(ctx, prompt, model)
}
