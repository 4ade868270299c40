package migration

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
	"go.uber.org/zap"

	"github.com/temirov/pdsmigrate/internal/atproto"
)

const (
	maximumRetryDelayMultiplierConstant = 16
	minimumRetryDelayConstant           = time.Millisecond
	logMessageReadRetryConstant         = "Retrying read after transient failure"
	logFieldOperationConstant           = "operation"
	logFieldAttemptConstant             = "attempt"
)

// callPolicy bounds every external call with a timeout and repeats idempotent reads
// that fail transiently. Writes go through write and are attempted once.
type callPolicy struct {
	logger   *zap.Logger
	clock    clock.Clock
	timeout  time.Duration
	attempts int
	delay    time.Duration
}

func newCallPolicy(logger *zap.Logger, callClock clock.Clock, settings RunSettings) callPolicy {
	if callClock == nil {
		callClock = clock.WallClock
	}
	return callPolicy{
		logger:   logger,
		clock:    callClock,
		timeout:  settings.CallTimeout,
		attempts: settings.ReadRetryAttempts,
		delay:    settings.ReadRetryDelay,
	}
}

func (policy callPolicy) write(callContext context.Context, call func(context.Context) error) error {
	return policy.once(callContext, call)
}

func (policy callPolicy) read(callContext context.Context, operation string, call func(context.Context) error) error {
	if policy.attempts <= 1 {
		return policy.once(callContext, call)
	}

	retryDelay := policy.delay
	if retryDelay <= 0 {
		retryDelay = minimumRetryDelayConstant
	}

	var lastError error
	retryError := retry.Call(retry.CallArgs{
		Func: func() error {
			lastError = policy.once(callContext, call)
			return lastError
		},
		IsFatalError: func(err error) bool {
			return !atproto.IsTransient(err)
		},
		NotifyFunc: func(err error, attempt int) {
			if attempt >= policy.attempts {
				return
			}
			policy.logger.Warn(
				logMessageReadRetryConstant,
				zap.String(logFieldOperationConstant, operation),
				zap.Int(logFieldAttemptConstant, attempt),
				zap.Error(err),
			)
		},
		Attempts:    policy.attempts,
		Delay:       retryDelay,
		MaxDelay:    retryDelay * maximumRetryDelayMultiplierConstant,
		BackoffFunc: retry.DoubleDelay,
		Clock:       policy.clock,
		Stop:        callContext.Done(),
	})
	if retry.IsAttemptsExceeded(retryError) || retry.IsRetryStopped(retryError) {
		if contextError := callContext.Err(); contextError != nil && lastError == nil {
			return contextError
		}
		return lastError
	}
	return retryError
}

func (policy callPolicy) once(callContext context.Context, call func(context.Context) error) error {
	if policy.timeout <= 0 {
		return call(callContext)
	}
	timeoutContext, cancel := context.WithTimeout(callContext, policy.timeout)
	defer cancel()
	return call(timeoutContext)
}
