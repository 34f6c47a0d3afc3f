package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/kyeliu99/PFlow/internal/config"
	"github.com/kyeliu99/PFlow/internal/observability"
	apperrors "github.com/kyeliu99/PFlow/pkg/util/errorutil"
)

// RetryPolicy bounds retries of transient engine faults.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// RetryPolicyFromConfig reads the retry budget from engine configuration.
func RetryPolicyFromConfig(cfg config.EngineConfig) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    cfg.MaxAttempts,
		InitialBackoff: cfg.InitialBackoff(),
		MaxBackoff:     cfg.MaxBackoff(),
	}
}

// RetryingClient retries EngineUnavailable failures of the wrapped client
// with exponential backoff. Every other outcome is returned as is.
// Retrying StartInstance relies on the submission key to stay idempotent.
type RetryingClient struct {
	inner   Client
	policy  RetryPolicy
	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewRetryingClient wraps inner.
func NewRetryingClient(inner Client, policy RetryPolicy, logger *zap.Logger, metrics *observability.Metrics) *RetryingClient {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	if policy.MaxBackoff < policy.InitialBackoff {
		policy.MaxBackoff = policy.InitialBackoff
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetryingClient{inner: inner, policy: policy, logger: logger, metrics: metrics}
}

func (c *RetryingClient) StartInstance(ctx context.Context, req StartRequest) (string, error) {
	var id string
	err := c.do(ctx, "start_instance", func(ctx context.Context) error {
		var err error
		id, err = c.inner.StartInstance(ctx, req)
		return err
	})
	return id, err
}

func (c *RetryingClient) SignalDecision(ctx context.Context, processInstanceID string, decision Decision) error {
	return c.do(ctx, "signal_decision", func(ctx context.Context) error {
		return c.inner.SignalDecision(ctx, processInstanceID, decision)
	})
}

func (c *RetryingClient) QueryState(ctx context.Context, processInstanceID string) (*InstanceState, error) {
	var state *InstanceState
	err := c.do(ctx, "query_state", func(ctx context.Context) error {
		var err error
		state, err = c.inner.QueryState(ctx, processInstanceID)
		return err
	})
	return state, err
}

func (c *RetryingClient) CancelInstance(ctx context.Context, processInstanceID, reason string) error {
	return c.do(ctx, "cancel_instance", func(ctx context.Context) error {
		return c.inner.CancelInstance(ctx, processInstanceID, reason)
	})
}

func (c *RetryingClient) do(ctx context.Context, op string, call func(context.Context) error) error {
	backoff := c.policy.InitialBackoff
	for attempt := 1; ; attempt++ {
		err := call(ctx)
		c.metrics.RecordEngineCall(op, outcome(err))
		if err == nil || !apperrors.Retryable(err) {
			return err
		}
		if attempt >= c.policy.MaxAttempts {
			c.logger.Warn("engine call failed, retries exhausted",
				zap.String("operation", op),
				zap.Int("attempts", attempt),
				zap.Error(err),
			)
			return err
		}

		c.logger.Info("engine call failed, retrying",
			zap.String("operation", op),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return apperrors.NewEngineUnavailable(op, ctx.Err())
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, c.policy.MaxBackoff)
	}
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return apperrors.ToDomainError(err).Code
}
