package delivery

import "time"

// RetryPolicy decides whether to try again after a failed attempt.
type RetryPolicy interface {
	// Next is called after failed attempt n (1-based). It returns how long
	// to wait before attempt n+1, or false to give up.
	Next(attempt int) (time.Duration, bool)
}

// Fixed waits Delay between attempts. MaxAttempts <= 0 never gives up.
type Fixed struct {
	Delay       time.Duration
	MaxAttempts int
}

// Next implements RetryPolicy.
func (f Fixed) Next(attempt int) (time.Duration, bool) {
	if f.MaxAttempts > 0 && attempt >= f.MaxAttempts {
		return 0, false
	}
	return f.Delay, true
}

// Forever retries indefinitely with a fixed delay.
func Forever(delay time.Duration) Fixed { return Fixed{Delay: delay} }
