package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	scerrors "github.com/otherjamesbrown/board-signal-scout/pkg/errors"
	"github.com/otherjamesbrown/board-signal-scout/pkg/logging"
)

// Contract describes how one kind of model reply is decoded into T.
type Contract[T any] struct {
	// Name identifies the call in logs, metrics and errors ("classify", "score").
	Name   string
	Decode func(fields map[string]any) (T, error)
}

// Observer receives one callback per attempt. status is "ok" or an error code.
type Observer interface {
	ObserveAttempt(contract string, attempt int, status string, elapsed time.Duration)
}

// Invoker carries what every contract call shares.
type Invoker struct {
	Client   Client
	Retry    RetryPolicy
	Observer Observer
	Logger   logging.Logger
}

// NewInvoker returns an Invoker with the default retry policy.
func NewInvoker(client Client, logger logging.Logger) *Invoker {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Invoker{
		Client: client,
		Retry:  DefaultRetryPolicy(),
		Logger: logger.With(logging.F("component", "llm")),
	}
}

// Invoke sends prompt, strips fences, parses a single JSON object and decodes
// it with c. Retryable failures are attempted again up to inv.Retry.MaxAttempts
// times in total. Every failure is returned as a *scerrors.CallError.
func Invoke[T any](ctx context.Context, inv *Invoker, c Contract[T], prompt string) (T, error) {
	var zero T
	logger := inv.logger().WithContext(ctx)
	maxAttempts := inv.Retry.attempts()
	start := time.Now()

	for attempt := 1; ; attempt++ {
		attemptStart := time.Now()
		result, err := invokeOnce(ctx, inv, c, prompt, logger)
		elapsed := time.Since(attemptStart)

		if err == nil {
			inv.observe(c.Name, attempt, "ok", elapsed)
			return result, nil
		}

		ce := err
		ce.Stage = c.Name
		ce.Attempts = attempt
		ce.Duration = time.Since(start)
		if ce.Code == scerrors.ErrTimeout {
			ce.Timeout = inv.Retry.AttemptTimeout
		}
		inv.observe(c.Name, attempt, string(ce.Code), elapsed)

		// The caller's context ending always stops the loop.
		if ctxErr := ctx.Err(); ctxErr != nil {
			if errors.Is(ctxErr, context.Canceled) {
				ce.Code = scerrors.ErrContextCancelled
			}
			return zero, ce
		}
		if attempt >= maxAttempts || !scerrors.IsRetryable(ce.Code) {
			return zero, ce
		}

		backoff := inv.Retry.Backoff(attempt)
		logger.Warn("Model call failed, retrying",
			logging.F("contract", c.Name),
			logging.F("attempt", attempt),
			logging.F("code", string(ce.Code)),
			logging.F("backoff", backoff),
			logging.Err(ce.Cause))

		select {
		case <-ctx.Done():
			ce.Code = scerrors.ErrContextCancelled
			return zero, ce
		case <-time.After(backoff):
		}
	}
}

func invokeOnce[T any](ctx context.Context, inv *Invoker, c Contract[T], prompt string, logger logging.Logger) (T, *scerrors.CallError) {
	var zero T

	callCtx := ctx
	if inv.Retry.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, inv.Retry.AttemptTimeout)
		defer cancel()
	}

	raw, err := inv.Client.Complete(callCtx, prompt)
	if err != nil {
		return zero, scerrors.ClassifyError(err, c.Name)
	}

	fields, err := parseObject(StripFences(raw))
	if err != nil {
		logger.Debug("Model reply is not a JSON object",
			logging.F("contract", c.Name),
			logging.F("reply", truncate(raw, 200)))
		return zero, &scerrors.CallError{
			Code:    scerrors.ErrParseError,
			Message: err.Error(),
			Cause:   err,
		}
	}

	result, err := c.Decode(fields)
	if err != nil {
		return zero, &scerrors.CallError{
			Code:    scerrors.ErrContract,
			Message: err.Error(),
			Cause:   err,
		}
	}
	return result, nil
}

// parseObject decodes exactly one JSON object, keeping numbers as json.Number.
func parseObject(payload string) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(payload)))
	dec.UseNumber()

	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("model response is not valid JSON: %w", err)
	}
	if fields == nil {
		return nil, fmt.Errorf("model response is not valid JSON: expected an object, got null")
	}
	if dec.More() {
		return nil, fmt.Errorf("model response is not valid JSON: trailing data after object")
	}
	return fields, nil
}

func (inv *Invoker) logger() logging.Logger {
	if inv.Logger == nil {
		return logging.NewNopLogger()
	}
	return inv.Logger
}

func (inv *Invoker) observe(contract string, attempt int, status string, elapsed time.Duration) {
	if inv.Observer != nil {
		inv.Observer.ObserveAttempt(contract, attempt, status, elapsed)
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
