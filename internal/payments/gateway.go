package payments

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mbd888/bazaar/internal/apperr"
	"github.com/mbd888/bazaar/internal/circuitbreaker"
	"github.com/mbd888/bazaar/internal/idgen"
	"github.com/mbd888/bazaar/internal/retry"
)

// RefundRequest asks the provider to return money for a captured payment.
type RefundRequest struct {
	ProviderRef    string // the provider's payment id
	AmountCents    int64
	Currency       string
	Reason         string
	IdempotencyKey string
	// RefundID is echoed back in provider webhooks as metadata.
	RefundID       string
}

// RefundResult is the provider's answer. Pending means the provider
// accepted the refund but will confirm it later by webhook.
type RefundResult struct {
	ProviderRef string
	Pending     bool
}

// Gateway is a payment provider.
type Gateway interface {
	Name() string
	Refund(ctx context.Context, req RefundRequest) (*RefundResult, error)
}

// IsTimeout reports whether a gateway call gave up waiting. The provider
// may still have acted on it.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

// Resilient wraps a Gateway with a per-call timeout, retry with backoff on
// retryable failures, and a circuit breaker keyed by provider name.
type Resilient struct {
	inner       Gateway
	breaker     *circuitbreaker.Breaker
	timeout     time.Duration
	maxAttempts int
	baseDelay   time.Duration
	logger      *slog.Logger
}

// ResilientConfig tunes Resilient.
type ResilientConfig struct {
	Timeout     time.Duration
	MaxAttempts int
	BaseDelay   time.Duration
}

func NewResilient(inner Gateway, breaker *circuitbreaker.Breaker, cfg ResilientConfig, logger *slog.Logger) *Resilient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 200 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resilient{
		inner:       inner,
		breaker:     breaker,
		timeout:     cfg.Timeout,
		maxAttempts: cfg.MaxAttempts,
		baseDelay:   cfg.BaseDelay,
		logger:      logger,
	}
}

func (r *Resilient) Name() string { return r.inner.Name() }

// Refund retries the same idempotency key, so a retried call can never
// refund twice.
func (r *Resilient) Refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	var out *RefundResult
	attempt := 0
	err := retry.DoIf(ctx, r.maxAttempts, r.baseDelay, retryableCall, func() error {
		attempt++
		err := r.breaker.Execute(r.inner.Name(), func() error {
			callCtx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()
			res, err := r.inner.Refund(callCtx, req)
			if err != nil {
				if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && !IsTimeout(err) {
					err = errors.Join(err, context.DeadlineExceeded)
				}
				return err
			}
			out = res
			return nil
		}, retryableCall)
		if errors.Is(err, circuitbreaker.ErrOpen) {
			return apperr.Gateway(err, false)
		}
		if err != nil {
			gatewayCallsTotal.WithLabelValues(r.inner.Name(), callResult(err)).Inc()
			r.logger.Warn("gateway refund attempt failed",
				"provider", r.inner.Name(), "attempt", attempt, "idempotency_key", req.IdempotencyKey, "error", err)
			return err
		}
		gatewayCallsTotal.WithLabelValues(r.inner.Name(), "ok").Inc()
		return nil
	})
	if err != nil {
		if IsTimeout(err) {
			return nil, apperr.Gateway(err, true)
		}
		return nil, err
	}
	return out, nil
}

// retryableCall covers classified retryable gateway errors and timeouts.
func retryableCall(err error) bool {
	return IsTimeout(err) || apperr.IsRetryable(err)
}

func callResult(err error) string {
	switch {
	case IsTimeout(err):
		return "timeout"
	case apperr.IsRetryable(err):
		return "retryable"
	}
	return "rejected"
}

// Sandbox is an in-process gateway used when no provider is configured.
// Every refund succeeds immediately.
type Sandbox struct{}

func (Sandbox) Name() string { return "sandbox" }

func (Sandbox) Refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.AmountCents <= 0 {
		return nil, apperr.Gateway(errors.New("amount must be positive"), false)
	}
	return &RefundResult{ProviderRef: idgen.WithPrefix("re_sandbox_")}, nil
}
