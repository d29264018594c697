package upstream

import (
	"context"
	"math/rand"
	"net/http"
	"strconv"
	"time"
)

// RetryPolicy is the backoff shape used by doWithRetry, ported from the
// teacher's client-go retry policy.
type RetryPolicy struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   5,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}
}

// shouldRetry reports whether statusCode warrants a retry: server errors and
// rate limiting, never other 4xx.
func shouldRetry(statusCode int) bool {
	if statusCode == http.StatusTooManyRequests {
		return true
	}
	return statusCode >= 500 && statusCode < 600
}

// parseRetryAfter parses the Retry-After header, as seconds or an HTTP-date,
// capping at one hour. Returns 0 if absent or invalid.
func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		delta := time.Duration(secs) * time.Second
		if delta > time.Hour {
			delta = time.Hour
		}
		return delta
	}
	if t, err := http.ParseTime(header); err == nil {
		delta := time.Until(t)
		if delta > time.Hour {
			delta = time.Hour
		}
		if delta > 0 {
			return delta
		}
	}
	return 0
}

// doWithRetry executes a request with exponential backoff and jitter.
// makeRequest must build a fresh *http.Request on every call so the body can
// be re-read on retry.
func doWithRetry(ctx context.Context, httpClient *http.Client, policy RetryPolicy, op string, makeRequest func() (*http.Request, error)) (*http.Response, error) {
	delay := policy.InitialDelay

	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		req, err := makeRequest()
		if err != nil {
			return nil, newCallError(op, 0, err)
		}

		resp, err := httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if attempt < policy.MaxRetries {
				if waitErr := sleepOrDone(ctx, delay); waitErr != nil {
					return nil, waitErr
				}
				delay = nextDelay(delay, policy)
				continue
			}
			return nil, newCallError(op, 0, err)
		}

		if shouldRetry(resp.StatusCode) && attempt < policy.MaxRetries {
			retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
			jitter := time.Duration(rand.Float64() * float64(delay))
			waitTime := jitter
			if retryAfter > waitTime {
				waitTime = retryAfter
			}
			resp.Body.Close()

			if waitErr := sleepOrDone(ctx, waitTime); waitErr != nil {
				return nil, waitErr
			}
			delay = nextDelay(delay, policy)
			continue
		}

		return resp, nil
	}

	return nil, newCallError(op, 0, ErrRateLimited)
}

func sleepOrDone(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func nextDelay(delay time.Duration, policy RetryPolicy) time.Duration {
	next := time.Duration(float64(delay) * policy.Multiplier)
	if next > policy.MaxDelay {
		return policy.MaxDelay
	}
	return next
}
