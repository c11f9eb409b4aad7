// Package executor drives fetch attempts for one request until it succeeds,
// fails structurally, or the retry policy gives up.
package executor

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/fetch-engine/internal/clock/system"
	"github.com/JakeFAU/fetch-engine/internal/fetch"
	"github.com/JakeFAU/fetch-engine/internal/metrics"
	"github.com/JakeFAU/fetch-engine/internal/retry"
)

const tracerName = "github.com/JakeFAU/fetch-engine/internal/executor"

// Limiter spaces out attempts against the same host.
type Limiter interface {
	Wait(ctx context.Context, url string) error
}

// SleepFunc suspends the calling execution for d or until ctx ends.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Option customizes an Executor.
type Option func(*Executor)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithLimiter enables per-host politeness before each attempt.
func WithLimiter(l Limiter) Option {
	return func(e *Executor) { e.limiter = l }
}

// WithEngine replaces the retry engine, mainly to control jitter in tests.
func WithEngine(engine *retry.Engine) Option {
	return func(e *Executor) {
		if engine != nil {
			e.engine = engine
		}
	}
}

// WithClock sets the clock used for result timestamps.
func WithClock(clock fetch.Clock) Option {
	return func(e *Executor) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithSleep replaces the inter-attempt sleep.
func WithSleep(sleep SleepFunc) Option {
	return func(e *Executor) {
		if sleep != nil {
			e.sleep = sleep
		}
	}
}

// WithTracer sets the tracer used for per-job spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(e *Executor) {
		if tracer != nil {
			e.tracer = tracer
		}
	}
}

// Executor runs requests to a terminal Result. It holds no per-request state
// and is safe for concurrent use.
type Executor struct {
	strategies map[fetch.Mode]fetch.Strategy
	policy     retry.Policy
	engine     *retry.Engine
	limiter    Limiter
	logger     *zap.Logger
	clock      fetch.Clock
	sleep      SleepFunc
	tracer     trace.Tracer
}

// New builds an Executor. A nil strategy leaves its mode unsupported.
func New(static, dynamic fetch.Strategy, policy retry.Policy, opts ...Option) *Executor {
	e := &Executor{
		strategies: map[fetch.Mode]fetch.Strategy{},
		policy:     policy,
		engine:     retry.NewEngine(),
		logger:     zap.NewNop(),
		clock:      system.New(),
		sleep:      Sleep,
		tracer:     otel.Tracer(tracerName),
	}
	if static != nil {
		e.strategies[fetch.ModeStatic] = static
	}
	if dynamic != nil {
		e.strategies[fetch.ModeDynamic] = dynamic
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute attempts req until success or a terminal failure:
//
//	Pending -> Attempting -> Succeeded
//	                      -> Retrying -> Attempting
//	                      -> Failed
//
// Redirect-limit and configuration failures go straight to Failed. Each call
// is recorded as one span with an event per failed attempt.
func (e *Executor) Execute(ctx context.Context, req fetch.Request) fetch.Result {
	ctx, span := e.tracer.Start(ctx, "fetch.execute", trace.WithAttributes(
		attribute.String("fetch.job_id", req.JobID),
		attribute.String("fetch.mode", string(req.Mode)),
		attribute.String("url.full", req.URL),
	))
	defer span.End()

	result := e.run(ctx, span, req)
	span.SetAttributes(
		attribute.Int("fetch.attempts_used", result.AttemptsUsed),
		attribute.Int("http.response.status_code", result.StatusCode),
	)
	if result.Success {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetAttributes(attribute.String("fetch.classification", string(result.Classification)))
		span.SetStatus(codes.Error, result.Error)
	}
	return result
}

func (e *Executor) run(ctx context.Context, span trace.Span, req fetch.Request) fetch.Result {
	result := fetch.Result{
		JobID:     req.JobID,
		URL:       req.URL,
		Mode:      req.Mode,
		StartedAt: e.clock.Now(),
	}
	logger := e.logger.With(
		zap.String("job_id", req.JobID),
		zap.String("url", req.URL),
		zap.String("mode", string(req.Mode)),
	)

	strategy, ok := e.strategies[req.Mode]
	if !ok {
		return e.fail(logger, result, fetch.ConfigurationError(fmt.Errorf("no strategy for mode %q", req.Mode)))
	}
	policy := e.policy.Merge(req.Retry)
	if err := policy.Validate(); err != nil {
		return e.fail(logger, result, fetch.ConfigurationError(fmt.Errorf("retry policy: %w", err)))
	}
	budget := req.RetryBudget
	if budget <= 0 {
		budget = policy.MaxAttempts
	}

	var last *fetch.Error
	for attempt := 0; attempt < budget; attempt++ {
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx, req.URL); err != nil {
				last = fetch.NetworkError(err)
				break
			}
		}

		start := time.Now()
		resp, err := strategy.Fetch(ctx, req)
		result.AttemptsUsed = attempt + 1
		metrics.ObserveAttempt(string(req.Mode), err == nil, time.Since(start))
		if err == nil {
			return e.succeed(logger, result, resp)
		}

		last = fetch.Classify(err)
		span.AddEvent("attempt failed", trace.WithAttributes(
			attribute.Int("fetch.attempt", attempt),
			attribute.String("fetch.classification", string(last.Class)),
			attribute.Int("http.response.status_code", last.StatusCode),
		))
		fields := []zap.Field{
			zap.Int("attempt", attempt),
			zap.String("class", string(last.Class)),
			zap.Int("status", last.StatusCode),
			zap.String("error", last.Message),
		}
		if last.Class.Terminal() {
			logger.Warn("attempt failed with non-retryable error", fields...)
			break
		}

		decision := e.engine.Decide(toFailure(last), attempt, policy)
		fields = append(fields, zap.String("reason", decision.Reason))
		if !decision.Retry || attempt+1 >= budget {
			logger.Warn("attempt failed; giving up", fields...)
			break
		}

		logger.Warn("attempt failed; retrying",
			append(fields,
				zap.Duration("delay", decision.Delay),
				zap.Strings("keywords", decision.Keywords),
			)...,
		)
		span.AddEvent("retry scheduled", trace.WithAttributes(
			attribute.Int64("fetch.retry_delay_ms", decision.Delay.Milliseconds()),
			attribute.String("fetch.retry_reason", decision.Reason),
		))
		metrics.ObserveRetry(string(req.Mode), string(last.Class), decision.Delay)
		result.RetryReasons = append(result.RetryReasons, decision.Reason)
		if err := e.sleep(ctx, decision.Delay); err != nil {
			logger.Warn("retry wait interrupted", zap.Int("attempt", attempt), zap.Error(err))
			break
		}
	}
	return e.fail(logger, result, last)
}

func (e *Executor) succeed(logger *zap.Logger, result fetch.Result, resp fetch.Response) fetch.Result {
	result.Success = true
	result.Body = string(resp.Body)
	result.StatusCode = resp.StatusCode
	result.FinalURL = resp.URL
	result.FinishedAt = e.clock.Now()
	metrics.ObserveRedirects(string(result.Mode), resp.Redirects)
	metrics.ObserveResult(string(result.Mode), string(result.Status()), result.URL, len(resp.Body))
	logger.Info("fetch succeeded",
		zap.Int("attempts", result.AttemptsUsed),
		zap.Int("status", resp.StatusCode),
		zap.Int("bytes", len(resp.Body)),
	)
	return result
}

func (e *Executor) fail(logger *zap.Logger, result fetch.Result, last *fetch.Error) fetch.Result {
	if last == nil {
		last = fetch.NetworkError(fmt.Errorf("no attempt was made"))
	}
	result.Success = false
	result.Error = last.Message
	result.Classification = last.Class
	result.StatusCode = last.StatusCode
	result.FinishedAt = e.clock.Now()
	metrics.ObserveResult(string(result.Mode), string(result.Status()), result.URL, 0)
	logger.Error("fetch failed",
		zap.Int("attempts", result.AttemptsUsed),
		zap.String("class", string(last.Class)),
		zap.String("error", last.Message),
	)
	return result
}

func toFailure(fe *fetch.Error) retry.Failure {
	return retry.Failure{
		Message:    fe.Message,
		StatusCode: fe.StatusCode,
		StatusText: fe.StatusText,
		Body:       fe.Body,
		Headers:    fe.Headers,
	}
}

// Sleep waits for d, returning early with ctx's error if it ends first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("retry sleep canceled: %w", ctx.Err())
	}
}
