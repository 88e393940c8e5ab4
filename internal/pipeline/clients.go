package pipeline

import (
	"context"

	"github.com/airp2/storyforge/internal/modelclient"
)

// ChatCaller is the subset of *modelclient.Client the pipeline stages
// need, narrowed so stage tests can inject fakes instead of driving a
// real HTTP endpoint.
type ChatCaller interface {
	Call(ctx context.Context, prompt string, opts modelclient.CallOpts) (string, error)
}

// Embedder is the subset of *modelclient.EmbedClient the vectorizer
// needs.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}
