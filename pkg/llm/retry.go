package llm

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/xhad/dossier/internal/types"
)

const retryBaseDelay = 300 * time.Millisecond

type retryingGenerator struct {
	base   types.Generator
	delay  time.Duration
	logger *slog.Logger
}

// WithRetry retries a generation once when the provider reports a transient failure.
func WithRetry(base types.Generator, delay time.Duration, logger *slog.Logger) types.Generator {
	if base == nil {
		return nil
	}
	if delay <= 0 {
		delay = retryBaseDelay
	}
	if logger == nil {
		logger = slog.Default()
	}
	return retryingGenerator{base: base, delay: delay, logger: logger}
}

func (r retryingGenerator) Generate(ctx context.Context, prompt types.Prompt, opts types.GenerateOptions) (string, error) {
	text, err := r.base.Generate(ctx, prompt, opts)
	var genErr *types.GenerationError
	if err == nil || !errors.As(err, &genErr) || !genErr.Retryable {
		return text, err
	}

	r.logger.Warn("llm retry", "attempt", 1, "error", err)
	select {
	case <-time.After(r.delay):
	case <-ctx.Done():
		return "", &types.GenerationError{Err: ctx.Err(), Timeout: errors.Is(ctx.Err(), context.DeadlineExceeded)}
	}
	return r.base.Generate(ctx, prompt, opts)
}

func shouldRetry(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "status code: 5") || strings.Contains(msg, "http status 5") ||
		strings.Contains(msg, "server_error") || strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "429") {
		return true
	}
	if strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection closed") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "tls handshake timeout") ||
		strings.Contains(msg, "eof") {
		return true
	}
	return false
}
