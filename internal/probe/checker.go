// internal/probe/checker.go
package probe

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/hamed0406/dpichecker/internal/domain"
)

// ProgressFunc receives interim snapshots of a target's result.
type ProgressFunc func(domain.CheckResult)

// Checker runs the full retry loop for one target.
type Checker interface {
	Check(ctx context.Context, t domain.Target, progress ProgressFunc) domain.CheckResult
}

// TargetChecker retries a target with exponential backoff and reduces the
// evidence to clean, blocked or error.
type TargetChecker struct {
	Prober Attempter
	Clock  Clock
	Policy Policy
	Logger *zap.Logger
}

func NewTargetChecker(prober Attempter, policy Policy, logger *zap.Logger) *TargetChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TargetChecker{
		Prober: prober,
		Clock:  SystemClock(),
		Policy: policy,
		Logger: logger,
	}
}

// Check starts from zero evidence on every call. Cancellation is honoured
// only between attempts; the returned result is then still "checking".
func (c *TargetChecker) Check(ctx context.Context, t domain.Target, progress ProgressFunc) domain.CheckResult {
	if progress == nil {
		progress = func(domain.CheckResult) {}
	}
	limit := c.Policy.MaxAttempts
	if limit < 1 {
		limit = 1
	}

	result := domain.CheckResult{Target: t, Status: domain.StatusChecking}
	progress(result.Clone())

	var (
		signatures int
		failures   int
		last       AttemptOutcome
	)

	for attempt := 1; attempt <= limit; attempt++ {
		if attempt > 1 {
			if err := c.Clock.Sleep(ctx, c.Policy.Backoff(attempt)); err != nil {
				result.Detail = fmt.Sprintf("cancelled after attempt %d/%d: %s", attempt-1, limit, last.Detail)
				c.Logger.Info("check_cancelled", zap.String("url", t.URL), zap.Int("attempts", result.Attempts))
				return result
			}
		}

		out := c.Prober.Attempt(ctx, t.URL, attempt)
		last = out
		result.Attempts = attempt
		result.TimingMS = out.TimingMS()
		result.TransferSize = out.TransferSize

		if out.Success {
			result.Status = domain.StatusClean
			result.Detail = fmt.Sprintf("%s (attempt %d/%d)", out.Detail, attempt, limit)
			return result
		}

		failures++
		if out.DPISignature {
			signatures++
		}
		result.Detail = fmt.Sprintf("attempt %d/%d: %s", attempt, limit, out.Detail)
		progress(result.Clone())
	}

	switch {
	case signatures >= c.Policy.SignatureQuorum:
		result.Status = domain.StatusBlocked
		result.Detail = fmt.Sprintf("DPI block detected (%d/%d DPI signatures). %s", signatures, limit, last.Detail)
	case failures == limit:
		result.Status = domain.StatusBlocked
		result.Detail = fmt.Sprintf("endpoint blocked, all %d/%d attempts failed. %s", failures, limit, last.Detail)
	default:
		// Unreachable while every non-success path counts a failure; kept in
		// case the all-failed rule is narrowed.
		result.Status = domain.StatusError
		result.Detail = fmt.Sprintf("inconclusive after %d attempts. %s", limit, last.Detail)
	}
	return result
}
