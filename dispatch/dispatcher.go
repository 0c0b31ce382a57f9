// Package dispatch implements the gateway's request routing engine: for
// a chat completion request, resolve the logical model to candidate
// provider bindings, select one via the balancer, attempt it with
// bounded retries, and fall over to the next healthy candidate on
// failure — writing one failure log row for each provider whose
// attempts are exhausted and one success row for the provider that
// answers (or a single failure row when no provider could be tried).
package dispatch

import (
	"context"
	"math"
	"time"

	"github.com/agentflow/gateway/balancer"
	"github.com/agentflow/gateway/health"
	"github.com/agentflow/gateway/models"
	"github.com/agentflow/gateway/providers"
	"github.com/agentflow/gateway/store"
	"github.com/agentflow/gateway/types"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Config tunes dispatch behavior.
type Config struct {
	// MaxRetriesPerProvider bounds retries against a single candidate
	// before moving to the next one in the fallback chain.
	MaxRetriesPerProvider int
	// RequestTimeout bounds a single provider attempt.
	RequestTimeout time.Duration
}

// DefaultConfig returns sane dispatch defaults.
func DefaultConfig() Config {
	return Config{MaxRetriesPerProvider: 2, RequestTimeout: 60 * time.Second}
}

// Dispatcher routes chat completion requests across configured
// providers with retry and fallback.
type Dispatcher struct {
	cfg       Config
	store     *store.Store
	balancer  *balancer.Balancer
	health    *health.Store
	providers *providers.Registry
	db        *gorm.DB
	logger    *zap.Logger
}

// New constructs a Dispatcher.
func New(cfg Config, st *store.Store, bal *balancer.Balancer, healthStore *health.Store, registry *providers.Registry, db *gorm.DB, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{cfg: cfg, store: st, balancer: bal, health: healthStore, providers: registry, db: db, logger: logger}
}

// Outcome is the result of a dispatched request, used to build its
// request-log rows. It is returned alongside the response
// (or error) so HTTP handlers can surface ProviderName in their own
// response metadata without re-deriving it.
type Outcome struct {
	RequestID    string
	LogicalModel string
	ProviderName string
	Attempts     int
}

// Completion dispatches a non-streaming chat completion, trying
// candidates in fallback order with bounded per-provider retries.
func (d *Dispatcher) Completion(ctx context.Context, requestID string, req *providers.ChatRequest, explicitFallbacks []string) (*providers.ChatResponse, Outcome, error) {
	start := time.Now()
	logicalModel := req.Model
	outcome := Outcome{RequestID: requestID, LogicalModel: logicalModel}

	bindings, err := d.store.BindingsFor(ctx, logicalModel)
	if err != nil {
		return nil, outcome, types.NewError(types.ErrInternalError, err.Error())
	}
	if len(bindings) == 0 {
		e := types.NewError(types.ErrModelNotFound, "no provider bound to model "+logicalModel).WithHTTPStatus(404)
		d.logTerminal(ctx, outcome, false, e, time.Since(start), providers.ChatUsage{}, false)
		return nil, outcome, e
	}

	candidates := d.balancer.Candidates(bindings)
	first, ok := d.balancer.Select(candidates, explicitFallbacks)
	if !ok {
		e := types.NewError(types.ErrNoProvider, "no healthy provider for model "+logicalModel).WithHTTPStatus(503).WithRetryable(true)
		d.logTerminal(ctx, outcome, false, e, time.Since(start), providers.ChatUsage{}, false)
		return nil, outcome, e
	}
	chain := d.balancer.Ordered(candidates, first)

	var lastErr error
	tried := false
	for _, cand := range chain {
		provider, ok := d.providers.Get(cand.ProviderName)
		if !ok {
			lastErr = types.NewError(types.ErrProviderNotFound, "provider not registered: "+cand.ProviderName)
			continue
		}
		outcome.ProviderName = cand.ProviderName

		vendorReq := *req
		vendorReq.Model = cand.ProviderModel

		resp, attempts, err := d.attemptWithRetry(ctx, provider, &vendorReq)
		outcome.Attempts += attempts
		if err == nil {
			d.health.RecordSuccess(cand.ProviderName, time.Since(start))
			d.logTerminal(ctx, outcome, true, nil, time.Since(start), resp.Usage, false)
			return resp, outcome, nil
		}
		lastErr = err
		d.health.RecordFailure(cand.ProviderName, err.Error())
		d.logTerminal(ctx, outcome, false, err, time.Since(start), providers.ChatUsage{}, false)
		tried = true
		// attemptWithRetry already stops retrying a permanent
		// (non-retryable) error without burning the retry budget; the
		// fallback chain itself always continues to the next candidate
		// regardless of classification, per the gateway's error
		// classification gap fix (transient retries, permanent fails
		// over immediately rather than aborting the whole request).
	}

	finalErr := wrapExhausted(lastErr)
	if !tried {
		d.logTerminal(ctx, outcome, false, finalErr, time.Since(start), providers.ChatUsage{}, false)
	}
	return nil, outcome, finalErr
}

// attemptWithRetry calls provider.Completion with bounded retries and
// exponential backoff (min(2^attempt, 10) seconds) between attempts
// against the SAME provider. It does not fall over to another provider
// — that is the caller's (Completion's) job.
func (d *Dispatcher) attemptWithRetry(ctx context.Context, provider providers.Provider, req *providers.ChatRequest) (*providers.ChatResponse, int, error) {
	var lastErr error
	maxAttempts := d.cfg.MaxRetriesPerProvider + 1
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Min(math.Pow(2, float64(attempt)), 10)) * time.Second
			select {
			case <-ctx.Done():
				return nil, attempt, ctx.Err()
			case <-time.After(backoff):
			}
		}
		attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.RequestTimeout)
		resp, err := provider.Completion(attemptCtx, req)
		cancel()
		if err == nil {
			return resp, attempt + 1, nil
		}
		lastErr = err
		if !isRetryable(err) {
			return nil, attempt + 1, err
		}
	}
	return nil, maxAttempts, lastErr
}

func isRetryable(err error) bool {
	if e, ok := err.(*types.Error); ok {
		return e.Retryable
	}
	return false
}

func wrapExhausted(lastErr error) error {
	if lastErr == nil {
		return types.NewError(types.ErrAllProvidersFailed, "all providers exhausted").WithHTTPStatus(502)
	}
	if e, ok := lastErr.(*types.Error); ok {
		return types.NewError(types.ErrAllProvidersFailed, e.Message).WithHTTPStatus(502).WithProvider(e.Provider).WithCause(lastErr)
	}
	return types.NewError(types.ErrAllProvidersFailed, lastErr.Error()).WithHTTPStatus(502).WithCause(lastErr)
}

// logTerminal writes one request_log row for a dispatch outcome.
// Completion calls it once for each provider that fails, once on
// success, and once for a request that fails before any provider is
// tried; the streaming accountant reaches it through LogStreamTerminal.
func (d *Dispatcher) logTerminal(ctx context.Context, o Outcome, success bool, err error, latency time.Duration, usage providers.ChatUsage, streamed bool) {
	row := models.RequestLog{
		RequestID:        o.RequestID,
		LogicalModel:     o.LogicalModel,
		ProviderName:     o.ProviderName,
		Attempts:         o.Attempts,
		Success:          success,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		EstimatedTokens:  usage.Estimated,
		LatencyMs:        latency.Milliseconds(),
		Streamed:         streamed,
		CreatedAt:        time.Now(),
	}
	if err != nil {
		row.ErrorCode = string(types.GetErrorCode(err))
	}
	if d.db == nil {
		return
	}
	if dbErr := d.db.WithContext(ctx).Create(&row).Error; dbErr != nil && d.logger != nil {
		d.logger.Error("failed to persist request log", zap.Error(dbErr), zap.String("request_id", o.RequestID))
	}
}

// ResolveForStream performs the same binding/health/selection work as
// Completion but returns the ordered candidate chain without executing
// it, for callers (the streaming accountant) that need their own
// retry/fallback loop around provider.Stream.
func (d *Dispatcher) ResolveForStream(ctx context.Context, logicalModel string, explicitFallbacks []string) ([]balancer.Candidate, error) {
	bindings, err := d.store.BindingsFor(ctx, logicalModel)
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, err.Error())
	}
	if len(bindings) == 0 {
		return nil, types.NewError(types.ErrModelNotFound, "no provider bound to model "+logicalModel).WithHTTPStatus(404)
	}
	candidates := d.balancer.Candidates(bindings)
	first, ok := d.balancer.Select(candidates, explicitFallbacks)
	if !ok {
		return nil, types.NewError(types.ErrNoProvider, "no healthy provider for model "+logicalModel).WithHTTPStatus(503).WithRetryable(true)
	}
	return d.balancer.Ordered(candidates, first), nil
}

// ProviderByName resolves a registered provider, for the streaming path.
func (d *Dispatcher) ProviderByName(name string) (providers.Provider, bool) {
	return d.providers.Get(name)
}

// RecordHealth exposes health bookkeeping to the streaming accountant,
// which drives its own provider attempts outside Completion.
func (d *Dispatcher) RecordHealth(providerName string, err error, latency time.Duration) {
	if err != nil {
		d.health.RecordFailure(providerName, err.Error())
		return
	}
	d.health.RecordSuccess(providerName, latency)
}

// LogStreamTerminal lets the streaming accountant write a request-log
// row, marked as streamed, through the same path Completion uses. The
// write ignores ctx's cancellation, so a stream whose client disconnected
// still gets its row.
func (d *Dispatcher) LogStreamTerminal(ctx context.Context, o Outcome, success bool, err error, latency time.Duration, usage providers.ChatUsage) {
	d.logTerminal(context.WithoutCancel(ctx), o, success, err, latency, usage, true)
}
