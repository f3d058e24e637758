package cartridge

import (
	"context"

	"go.uber.org/zap"

	"github.com/execguard/broker/internal/canon"
	"github.com/execguard/broker/internal/store"
)

// LoggingInterceptor is the default Interceptor: it only observes,
// never vetoes or mutates, and emits a structured log line per phase.
type LoggingInterceptor struct {
	Logger *zap.Logger
}

func (i *LoggingInterceptor) BeforeEnrich(ctx context.Context, actionType string, params canon.Value, rctx store.RequestContext) (BeforeEnrichResult, error) {
	i.Logger.Debug("cartridge enrich", zap.String("actionType", actionType), zap.String("principalId", rctx.PrincipalID))
	return BeforeEnrichResult{Parameters: params}, nil
}

func (i *LoggingInterceptor) BeforeExecute(ctx context.Context, actionType string, params canon.Value, rctx store.RequestContext) (BeforeExecuteResult, error) {
	i.Logger.Info("cartridge execute starting", zap.String("actionType", actionType), zap.String("traceId", rctx.TraceID))
	return BeforeExecuteResult{Proceed: true, Parameters: params}, nil
}

func (i *LoggingInterceptor) AfterExecute(ctx context.Context, actionType string, params canon.Value, result store.ExecutionResult, rctx store.RequestContext) (store.ExecutionResult, error) {
	i.Logger.Info("cartridge execute finished",
		zap.String("actionType", actionType),
		zap.Bool("success", result.Success),
		zap.Int64("durationMs", result.DurationMs),
	)
	return result, nil
}
