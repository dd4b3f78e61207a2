// Package txgateway serializes every chain write behind a single lock.
// Versioned shared objects make concurrent writers poison each other with
// stale references, so one transaction is in flight at a time: acquire the
// lock, dry-run, sign, execute, release. Failures map onto a fixed code
// taxonomy so callers can tell a retryable stale read from a real revert.
package txgateway

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"perpSentinel/internal/chain"
	"perpSentinel/internal/observability"
)

// Executor is the slice of the chain client the gateway drives.
type Executor interface {
	DryRun(ctx context.Context, txBytesB64 string) (chain.DryRunResult, error)
	Execute(ctx context.Context, txBytesB64 string, signaturesB64 []string) (chain.ExecuteResult, error)
}

// Config holds gateway settings.
type Config struct {
	// LockTimeout bounds how long a submission waits for the global lock
	// before giving up. Zero means wait until ctx cancels.
	LockTimeout time.Duration
}

// Gateway is the single entry point for chain writes.
type Gateway struct {
	cfg     Config
	chain   Executor
	ops     *Signer
	sponsor *Signer
	metrics *observability.Metrics
	logger  *zap.Logger

	// lock is a one-slot semaphore; holding the token is holding the
	// global submission lock.
	lock chan struct{}
}

// New builds a gateway. sponsor may be nil when sponsored submission is
// not configured.
func New(cfg Config, executor Executor, ops, sponsor *Signer, metrics *observability.Metrics, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		cfg:     cfg,
		chain:   executor,
		ops:     ops,
		sponsor: sponsor,
		metrics: metrics,
		logger:  logger,
		lock:    make(chan struct{}, 1),
	}
}

// Submit signs txBytes with the operations key and executes it. kind
// labels the submission for logs and metrics ("liquidation",
// "price_push", ...). Returns the execution receipt or a *Error.
func (g *Gateway) Submit(ctx context.Context, kind, txBytesB64 string) (chain.ExecuteResult, error) {
	return g.submit(ctx, kind, txBytesB64, func(raw []byte) []string {
		return []string{g.ops.Sign(raw)}
	})
}

// SubmitSponsored executes a user-built transaction with the sponsor
// paying gas. The user has signed the full transaction bytes; the sponsor
// co-signs those exact bytes without altering them, so any mutation here
// would invalidate the user's signature.
func (g *Gateway) SubmitSponsored(ctx context.Context, kind, txBytesB64, userSignatureB64 string) (chain.ExecuteResult, error) {
	if g.sponsor == nil {
		return chain.ExecuteResult{}, &Error{
			Code:      CodeInvalidInput,
			RequestID: uuid.NewString(),
			Message:   "sponsor key not configured",
		}
	}
	if strings.TrimSpace(userSignatureB64) == "" {
		return chain.ExecuteResult{}, &Error{
			Code:      CodeInvalidInput,
			RequestID: uuid.NewString(),
			Message:   "missing user signature",
		}
	}
	return g.submit(ctx, kind, txBytesB64, func(raw []byte) []string {
		return []string{userSignatureB64, g.sponsor.Sign(raw)}
	})
}

func (g *Gateway) submit(ctx context.Context, kind, txBytesB64 string, sign func(raw []byte) []string) (chain.ExecuteResult, error) {
	requestID := uuid.NewString()
	logger := g.logger.With(
		zap.String("request_id", requestID),
		zap.String("kind", kind),
	)

	raw, err := g.validate(txBytesB64)
	if err != nil {
		g.metrics.Submission(kind, string(CodeInvalidInput))
		return chain.ExecuteResult{}, &Error{
			Code:      CodeInvalidInput,
			RequestID: requestID,
			Message:   "invalid transaction bytes",
			Err:       err,
		}
	}

	release, err := g.acquire(ctx)
	if err != nil {
		g.metrics.Submission(kind, "lock_timeout")
		return chain.ExecuteResult{}, &Error{
			Code:      CodeSubmitFailed,
			RequestID: requestID,
			Message:   "waiting for submission lock",
			Err:       err,
		}
	}
	defer release()

	start := time.Now()
	logger.Debug("submission lock acquired")

	dryRun, err := g.chain.DryRun(ctx, txBytesB64)
	if err != nil {
		code := classify(err.Error(), CodeSubmitFailed)
		g.metrics.Submission(kind, string(code))
		return chain.ExecuteResult{}, &Error{
			Code:      code,
			RequestID: requestID,
			Message:   "dry run call failed",
			Err:       err,
		}
	}
	if dryRun.Status != "success" {
		code := classify(dryRun.Error, CodeDryRunFailed)
		g.metrics.Submission(kind, string(code))
		logger.Warn("dry run rejected transaction",
			zap.String("code", string(code)),
			zap.String("node_error", dryRun.Error),
		)
		return chain.ExecuteResult{}, &Error{
			Code:      code,
			RequestID: requestID,
			Message:   fmt.Sprintf("dry run failed: %s", dryRun.Error),
		}
	}

	result, err := g.chain.Execute(ctx, txBytesB64, sign(raw))
	if err != nil {
		code := classify(err.Error(), CodeSubmitFailed)
		g.metrics.Submission(kind, string(code))
		logger.Warn("execution failed",
			zap.String("code", string(code)),
			zap.Error(err),
		)
		return chain.ExecuteResult{}, &Error{
			Code:      code,
			RequestID: requestID,
			Message:   "execution failed",
			Err:       err,
		}
	}

	g.metrics.Submission(kind, "success")
	logger.Info("transaction executed",
		zap.String("digest", result.Digest),
		zap.Duration("elapsed", time.Since(start)),
	)
	return result, nil
}

func (g *Gateway) validate(txBytesB64 string) ([]byte, error) {
	if strings.TrimSpace(txBytesB64) == "" {
		return nil, fmt.Errorf("empty transaction")
	}
	raw, err := base64.StdEncoding.DecodeString(txBytesB64)
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty transaction")
	}
	return raw, nil
}

// acquire takes the global lock, respecting ctx and the configured
// timeout. The returned release must be called on every path.
func (g *Gateway) acquire(ctx context.Context) (func(), error) {
	if g.cfg.LockTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.LockTimeout)
		defer cancel()
	}

	select {
	case g.lock <- struct{}{}:
		return func() { <-g.lock }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
