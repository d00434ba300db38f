package embedding

import (
	"context"

	"github.com/pinchen147/twitter-persona-agents/internal/ollama"
)

// OllamaProvider embeds through a local Ollama server.
type OllamaProvider struct {
	client *ollama.Client
	model  string
}

func NewOllamaProvider(c *ollama.Client, model string) *OllamaProvider {
	return &OllamaProvider{client: c, model: model}
}

func (p *OllamaProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	return p.client.Embed(ctx, p.model, text)
}

func (p *OllamaProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return p.client.EmbedMany(ctx, p.model, texts)
}
