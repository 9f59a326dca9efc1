package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"
	"github.com/xhad/dossier/internal/types"
)

// GeneratorConfig represents the configuration for the text generation provider.
type GeneratorConfig struct {
	Provider    string // "ollama" or "openai"
	Model       string
	BaseURL     string
	APIKey      string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
	Logger      *slog.Logger
}

// Generator sends section prompts to a langchaingo model and normalizes provider errors.
type Generator struct {
	config GeneratorConfig
	llm    llms.Model
	logger *slog.Logger
}

func (c *GeneratorConfig) applyDefaults() {
	if c.Provider == "" {
		c.Provider = "ollama"
	}
	if c.Model == "" {
		c.Model = "mistral" // Default Ollama model
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 2000
	}
	if c.Temperature == 0 {
		c.Temperature = 0.3
	}
	if c.BaseURL == "" && c.Provider == "ollama" {
		c.BaseURL = "http://localhost:11434" // Default Ollama URL
	}
	if c.Timeout == 0 {
		c.Timeout = 2 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// NewGeneratorWithConfig creates a Generator for the configured provider.
func NewGeneratorWithConfig(config GeneratorConfig) (*Generator, error) {
	config.applyDefaults()

	if config.Temperature < 0 || config.Temperature > 2 {
		return nil, fmt.Errorf("temperature must be between 0 and 2")
	}
	if config.MaxTokens < 0 {
		return nil, fmt.Errorf("max tokens cannot be negative")
	}

	var (
		model llms.Model
		err   error
	)
	switch config.Provider {
	case "ollama":
		model, err = ollama.New(ollama.WithModel(config.Model), ollama.WithServerURL(config.BaseURL))
	case "openai":
		opts := []openai.Option{openai.WithModel(config.Model), openai.WithToken(config.APIKey)}
		if config.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(config.BaseURL))
		}
		model, err = openai.New(opts...)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", config.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize LLM: %w", err)
	}

	return NewGeneratorFromModel(model, config), nil
}

// NewGeneratorFromModel wraps an already constructed langchaingo model.
func NewGeneratorFromModel(model llms.Model, config GeneratorConfig) *Generator {
	config.applyDefaults()
	return &Generator{config: config, llm: model, logger: config.Logger}
}

// Generate runs one completion under the configured timeout. Every failure is a *types.GenerationError.
func (g *Generator) Generate(ctx context.Context, prompt types.Prompt, opts types.GenerateOptions) (string, error) {
	temperature := g.config.Temperature
	if opts.Temperature > 0 {
		temperature = opts.Temperature
	}
	maxTokens := g.config.MaxTokens
	if opts.MaxTokens > 0 {
		maxTokens = opts.MaxTokens
	}

	ctx, cancel := context.WithTimeout(ctx, g.config.Timeout)
	defer cancel()

	content := []llms.MessageContent{
		llms.TextParts(schema.ChatMessageTypeSystem, prompt.System),
		llms.TextParts(schema.ChatMessageTypeHuman, prompt.User),
	}

	start := time.Now()
	resp, err := g.llm.GenerateContent(ctx, content,
		llms.WithTemperature(temperature),
		llms.WithMaxTokens(maxTokens),
	)
	if err != nil {
		return "", classifyGenerationError(ctx, err)
	}
	if resp == nil || len(resp.Choices) == 0 || resp.Choices[0] == nil {
		return "", &types.GenerationError{Err: errors.New("no response from LLM")}
	}

	text := strings.TrimSpace(resp.Choices[0].Content)
	if text == "" {
		return "", &types.GenerationError{Err: errors.New("empty completion"), Retryable: true}
	}
	g.logger.Debug("generation complete", "provider", g.config.Provider, "model", g.config.Model,
		"duration", time.Since(start), "chars", len(text))
	return text, nil
}

func classifyGenerationError(ctx context.Context, err error) *types.GenerationError {
	var genErr *types.GenerationError
	if errors.As(err, &genErr) {
		return genErr
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &types.GenerationError{Err: err, Timeout: true}
	}
	return &types.GenerationError{Err: err, Retryable: shouldRetry(err)}
}
