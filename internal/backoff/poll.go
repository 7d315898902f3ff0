package backoff

import (
	"context"
	"errors"
	"time"
)

// ErrPollTimeout is returned when the condition never held within the budget.
var ErrPollTimeout = errors.New("condition not met before timeout")

// PollUntil evaluates cond until it reports true, sleeping between attempts
// according to the policy. It gives up once the total budget is spent or the
// context is cancelled. An error from cond stops polling immediately.
func PollUntil(ctx context.Context, policy Policy, budget time.Duration, cond func() (bool, error)) error {
	deadline := time.Now().Add(budget)

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		ok, err := cond()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ErrPollTimeout
		}

		delay := policy.Delay(attempt)
		if delay > remaining {
			delay = remaining
		}
		if err := SleepWithContext(ctx, delay); err != nil {
			return err
		}
	}
}
