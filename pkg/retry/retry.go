package retry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethpandaops/runsync/pkg/config"
	"github.com/sirupsen/logrus"
)

// ErrTransient marks an error from a remote call that kept failing after
// all retries were used up.
var ErrTransient = errors.New("transient remote failure")

// Policy bounds the exponential backoff used around a remote call.
type Policy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
	MaxRetries      uint64
}

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
		MaxElapsedTime:  5 * time.Minute,
		MaxRetries:      5,
	}
}

// NoRetry returns a policy that runs the operation once.
func NoRetry() Policy {
	return Policy{}
}

// PolicyFromConfig converts the retry section of the config.
func PolicyFromConfig(cfg *config.RetryConfig) Policy {
	return Policy{
		InitialInterval: cfg.InitialInterval,
		MaxInterval:     cfg.MaxInterval,
		MaxElapsedTime:  cfg.MaxElapsedTime,
		MaxRetries:      cfg.MaxRetries,
	}
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()

	if p.InitialInterval > 0 {
		exp.InitialInterval = p.InitialInterval
	}

	if p.MaxInterval > 0 {
		exp.MaxInterval = p.MaxInterval
	}

	exp.MaxElapsedTime = p.MaxElapsedTime

	return backoff.WithContext(backoff.WithMaxRetries(exp, p.MaxRetries), ctx)
}

// Do runs fn until it succeeds, returns a permanent error, or the policy is
// exhausted. Exhausted retryable errors are wrapped with ErrTransient.
func Do(
	ctx context.Context,
	log logrus.FieldLogger,
	p Policy,
	op string,
	fn func() error,
) error {
	var permanent bool

	operation := func() error {
		err := fn()
		if err == nil {
			return nil
		}

		if !IsRetryable(err) {
			permanent = true

			return backoff.Permanent(err)
		}

		return err
	}

	notify := func(err error, wait time.Duration) {
		log.WithError(err).
			WithField("op", op).
			WithField("retry_in", wait.Round(time.Millisecond)).
			Warn("Remote call failed, retrying")
	}

	err := backoff.RetryNotify(operation, p.backOff(ctx), notify)
	if err == nil {
		return nil
	}

	if permanent || ctx.Err() != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return fmt.Errorf("%s: %w: %w", op, ErrTransient, err)
}

// StatusError is a non-2xx HTTP response from a remote service.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d %s", e.Code, http.StatusText(e.Code))
	}

	return fmt.Sprintf("unexpected status %d %s: %s", e.Code, http.StatusText(e.Code), e.Body)
}

// Retryable reports whether the status is worth retrying.
func (e *StatusError) Retryable() bool {
	return e.Code == http.StatusTooManyRequests ||
		e.Code == http.StatusRequestTimeout ||
		e.Code >= http.StatusInternalServerError
}

// permanentError marks an error that must not be retried.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so that Do returns it without retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}

	return &permanentError{err: err}
}

// IsRetryable classifies err. Status errors decide for themselves, errors
// wrapped with Permanent are final, everything else (network failures,
// request timeouts, truncated bodies) is retried.
func IsRetryable(err error) bool {
	var perm *permanentError
	if errors.As(err, &perm) {
		return false
	}

	var status *StatusError
	if errors.As(err, &status) {
		return status.Retryable()
	}

	return true
}
