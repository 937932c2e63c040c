/* SPDX-License-Identifier: BSD-2-Clause */

package rangefs

import (
	"context"
	"errors"
	"net/http"

	"github.com/cenkalti/backoff/v4"
)

// failureClass is the retry controller's classification of a transport
// failure (§4.4).
type failureClass int

const (
	classTransient failureClass = iota
	classPermanent
	classProtocol
)

// classifiedError pairs a transport error with its retry classification.
type classifiedError struct {
	class failureClass
	err   error
}

func (e *classifiedError) Error() string { return e.err.Error() }
func (e *classifiedError) Unwrap() error { return e.err }

func transientErr(err error) *classifiedError  { return &classifiedError{class: classTransient, err: err} }
func permanentErr(err error) *classifiedError  { return &classifiedError{class: classPermanent, err: err} }
func protocolErr(err error) *classifiedError   { return &classifiedError{class: classProtocol, err: err} }

// classifyStatus maps an HTTP status code observed in response to a Range
// GET to a failure class, per §4.4. Success codes (206/200 handled by the
// transport itself) never reach here.
func classifyStatus(status int) failureClass {
	switch status {
	case http.StatusRequestTimeout, http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return classTransient
	case http.StatusNotImplemented:
		return classPermanent
	}
	switch {
	case status >= 500:
		return classTransient
	case status >= 400:
		return classPermanent
	}
	return classPermanent
}

// retryController wraps one logical transport call with capped exponential
// backoff (§4.4), built on cenkalti/backoff's exponential strategy: its
// InitialInterval/Multiplier/MaxInterval/RandomizationFactor map directly
// onto the configured retry_initial_backoff, retry_backoff_multiplier,
// retry_max_backoff, and retry_jitter_fraction.
type retryController struct {
	cfg    Config
	logger Logger
}

func newRetryController(cfg Config) *retryController {
	logger := cfg.Logger
	if logger == nil {
		logger = NoopLogger()
	}
	return &retryController{cfg: cfg, logger: logger}
}

func (r *retryController) backoff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.cfg.RetryInitialBackoff
	eb.Multiplier = r.cfg.RetryBackoffMultiplier
	eb.MaxInterval = r.cfg.RetryMaxBackoff
	eb.RandomizationFactor = r.cfg.RetryJitterFraction
	eb.MaxElapsedTime = 0 // bounded by attempt count below, not wall time
	if r.cfg.RetryMaxAttempts == 0 {
		return eb
	}
	return backoff.WithMaxRetries(eb, uint64(r.cfg.RetryMaxAttempts-1))
}

// do runs op, retrying transient classifiedErrors per the configured
// backoff schedule. Permanent and protocol failures are returned
// immediately without retry. On attempt exhaustion the last transient
// error is surfaced as Network, per §4.4.
func (r *retryController) do(ctx context.Context, op func(ctx context.Context) error) error {
	var lastErr error
	attempt := func() error {
		err := op(ctx)
		if err == nil {
			return nil
		}
		var ce *classifiedError
		if !errors.As(err, &ce) {
			// Unclassified errors (e.g. ctx cancellation) are not retried.
			lastErr = err
			return backoff.Permanent(err)
		}
		lastErr = ce.err
		switch ce.class {
		case classTransient:
			r.logger.Debug("transient transport failure, retrying", map[string]any{"err": ce.err.Error()})
			return err
		case classProtocol:
			return backoff.Permanent(errProtocol(ce.err.Error(), ce.err))
		default:
			return backoff.Permanent(errNetwork(ce.err.Error(), ce.err))
		}
	}

	err := backoff.Retry(attempt, backoff.WithContext(r.backoff(), ctx))
	if err == nil {
		return nil
	}

	var rfErr *Error
	if errors.As(err, &rfErr) {
		return rfErr
	}
	if ctx.Err() != nil {
		return errNetwork("request canceled", ctx.Err())
	}
	return errNetwork("retries exhausted", lastErr)
}
