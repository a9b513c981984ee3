package runner

import (
	"context"

	"github.com/leolilley/ryeos-kernel/kernel/provider"
)

// ProviderCaller is the subset of *provider.Client the runner depends
// on, narrowed to an interface so tests can substitute a fake provider
// without an HTTP round trip. *provider.Client satisfies this directly.
type ProviderCaller interface {
	CreateCompletion(ctx context.Context, messages []provider.Message, tools []provider.ToolDef, systemPrompt string) (provider.Response, error)
	CreateStreamingCompletion(ctx context.Context, messages []provider.Message, tools []provider.ToolDef, sinks []provider.Sink, systemPrompt string) (provider.Response, error)
}
