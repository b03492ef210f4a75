package unifiedllm

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// LoggingMiddleware logs each provider call. Failures go to warn with their
// class; successes go to debug with token usage.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, req Request) (*Response, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			log := logger.With(
				zap.String("provider", req.Provider),
				zap.String("model", req.Model),
				zap.Int("messages", len(req.Messages)),
				zap.Duration("elapsed", time.Since(start)),
			)
			if err != nil {
				log.Warn("llm request failed",
					zap.String("class", string(ClassOf(err))),
					zap.Bool("retryable", IsRetryable(err)),
					zap.Error(err))
				return nil, err
			}
			log.Debug("llm request completed",
				zap.String("finish", string(resp.FinishReason)),
				zap.Int("input_tokens", resp.Usage.InputTokens),
				zap.Int("output_tokens", resp.Usage.OutputTokens))
			return resp, nil
		}
	}
}
