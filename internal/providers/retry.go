package providers

import (
	"context"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/jackzampolin/billfold/internal/fault"
)

// Backoff schedule applied to provider I/O. The same schedule governs the
// orchestrator's per-task retries and the OCR download fallback.
const (
	RetryInitialDelay = 2 * time.Second
	RetryMaxDelay     = 30 * time.Second
	RetryMaxAttempts  = 3
)

// Retry runs fn under the shared backoff schedule and reports how many
// attempts were made. TRANSIENT errors retry up to the attempt budget.
// QUOTA gets exactly one retry before it is surfaced; every other kind
// returns immediately.
func Retry(ctx context.Context, fn func() error) (int, error) {
	attempts := 1
	quotaRetried := false

	err := retry.Do(fn,
		retry.Context(ctx),
		retry.Attempts(RetryMaxAttempts),
		retry.Delay(RetryInitialDelay),
		retry.MaxDelay(RetryMaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			switch fault.KindOf(err) {
			case fault.Transient:
				return true
			case fault.Quota:
				if quotaRetried {
					return false
				}
				quotaRetried = true
				return true
			default:
				return false
			}
		}),
		retry.OnRetry(func(n uint, _ error) {
			attempts = int(n) + 2
		}),
	)

	return attempts, err
}
