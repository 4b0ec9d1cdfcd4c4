// Package retry runs fallible operations with exponential backoff.
package retry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"
)

// PermanentError marks an error as not worth retrying, such as a 4xx
// response from an upstream provider.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so Do returns it immediately instead of retrying.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Do invokes fn until it succeeds, up to maxAttempts times. Between
// attempts it sleeps baseDelay doubled per attempt, with 25% jitter so
// concurrent callers do not retry in lockstep. A wrapped PermanentError
// or a cancelled context ends the loop early.
func Do(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	delay := baseDelay
	var lastErr error
	for attempt := 1; ; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		var perm *PermanentError
		if errors.As(lastErr, &perm) {
			return perm.Err
		}
		if attempt >= maxAttempts {
			return lastErr
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jittered(delay)):
		}
		delay *= 2
	}
}

// jittered spreads d over [0.75d, 1.25d].
func jittered(d time.Duration) time.Duration {
	quarter := int64(d / 4)
	if quarter <= 0 {
		return d
	}
	var b [8]byte
	_, _ = rand.Read(b[:])
	offset := int64(binary.BigEndian.Uint64(b[:])%uint64(2*quarter+1)) - quarter
	return d + time.Duration(offset)
}
