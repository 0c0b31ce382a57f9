// Package stream runs the streaming half of request dispatch: it picks
// a provider exactly like the non-streaming dispatcher, passes chunks
// through to the caller as they arrive, extracts usage from the final
// upstream chunk when present, falls back to the token estimator when
// it isn't, and guarantees a single terminal request-log row even if
// the client disconnects mid-stream.
package stream

import (
	"context"
	"time"

	"github.com/agentflow/gateway/balancer"
	"github.com/agentflow/gateway/dispatch"
	"github.com/agentflow/gateway/providers"
	"github.com/agentflow/gateway/tokencount"
	"github.com/agentflow/gateway/types"
	"github.com/google/uuid"
)

// Accountant drives a streaming completion across the dispatcher's
// resolved fallback chain.
type Accountant struct {
	dispatcher *dispatch.Dispatcher
}

// New constructs an Accountant over a Dispatcher.
func New(d *dispatch.Dispatcher) *Accountant {
	return &Accountant{dispatcher: d}
}

// Stream resolves candidates for req.Model, attempts them in fallback
// order (no per-provider retry loop — a mid-stream failure on a
// streaming call moves straight to the next provider, since partial
// output already sent to the client can't be un-sent), and returns a
// channel of providers.StreamChunk. The returned channel is always
// closed by Stream's own goroutine, which also guarantees exactly one
// finalizer log row is written no matter how the stream ends: normal
// completion, upstream error, or the context being cancelled because
// the client disconnected.
func (a *Accountant) Stream(ctx context.Context, req *providers.ChatRequest, explicitFallbacks []string) (<-chan providers.StreamChunk, error) {
	requestID := uuid.NewString()
	chain, err := a.dispatcher.ResolveForStream(ctx, req.Model, explicitFallbacks)
	if err != nil {
		return nil, err
	}

	out := make(chan providers.StreamChunk)
	go a.run(ctx, requestID, req, chain, out)
	return out, nil
}

// run owns the output channel for the lifetime of the stream and is
// the only place the single finalizer log row is written.
func (a *Accountant) run(ctx context.Context, requestID string, req *providers.ChatRequest, chain []balancer.Candidate, out chan<- providers.StreamChunk) {
	defer close(out)

	start := time.Now()
	outcome := dispatch.Outcome{RequestID: requestID, LogicalModel: req.Model}

	var lastErr error
	for _, cand := range chain {
		provider, ok := a.dispatcher.ProviderByName(cand.ProviderName)
		if !ok {
			lastErr = types.NewError(types.ErrProviderNotFound, "provider not registered: "+cand.ProviderName)
			continue
		}
		outcome.ProviderName = cand.ProviderName
		outcome.Attempts++

		vendorReq := *req
		vendorReq.Model = cand.ProviderModel

		upstream, err := provider.Stream(ctx, &vendorReq)
		if err != nil {
			lastErr = err
			a.dispatcher.RecordHealth(cand.ProviderName, err, 0)
			continue
		}

		usage, sawContent, streamErr := a.relay(ctx, upstream, out, req, cand.ProviderType)
		latency := time.Since(start)
		if streamErr != nil {
			lastErr = streamErr
			a.dispatcher.RecordHealth(cand.ProviderName, streamErr, latency)
			if sawContent {
				// Already sent partial output to the client; don't
				// silently retry another provider mid-response. Report
				// the failure as the terminal chunk instead.
				out <- providers.StreamChunk{Provider: cand.ProviderName, Err: streamErr}
				a.dispatcher.LogStreamTerminal(ctx, outcome, false, streamErr, latency, usage)
				return
			}
			continue
		}

		a.dispatcher.RecordHealth(cand.ProviderName, nil, latency)
		a.dispatcher.LogStreamTerminal(ctx, outcome, true, nil, latency, usage)
		return
	}

	finalErr := lastErr
	if finalErr == nil {
		finalErr = types.NewError(types.ErrAllProvidersFailed, "all providers exhausted").WithHTTPStatus(502)
	}
	out <- providers.StreamChunk{Err: finalErr}
	a.dispatcher.LogStreamTerminal(ctx, outcome, false, finalErr, time.Since(start), providers.ChatUsage{})
}

// relay pumps chunks from upstream to out, accumulating completion text
// for fallback token estimation, and returns the final usage (from the
// provider if it sent one, otherwise estimated), whether any content
// was forwarded to the client, and any terminal stream error.
func (a *Accountant) relay(ctx context.Context, upstream <-chan providers.StreamChunk, out chan<- providers.StreamChunk, req *providers.ChatRequest, providerType string) (providers.ChatUsage, bool, error) {
	var completion string
	var sawContent bool
	var finalUsage *providers.ChatUsage

	for {
		select {
		case <-ctx.Done():
			return estimateUsage(req, completion, finalUsage, providerType), sawContent, ctx.Err()
		case chunk, ok := <-upstream:
			if !ok {
				return estimateUsage(req, completion, finalUsage, providerType), sawContent, nil
			}
			if chunk.Err != nil {
				return estimateUsage(req, completion, finalUsage, providerType), sawContent, chunk.Err
			}
			if chunk.Delta != "" {
				completion += chunk.Delta
				sawContent = true
			}
			if chunk.Usage != nil {
				finalUsage = chunk.Usage
			}
			out <- chunk
			if chunk.Done {
				return estimateUsage(req, completion, finalUsage, providerType), sawContent, nil
			}
		}
	}
}

// estimateUsage fills in usage when the upstream never reported it. For
// the OpenAI-compatible vendor path, prompt tokens use tiktoken-go's
// exact BPE count when the model's encoding resolves; every other vendor
// (and any tiktoken resolution failure) uses the character-class
// heuristic. Completion tokens always come from the heuristic against
// the accumulated delta text, per the accounting contract.
func estimateUsage(req *providers.ChatRequest, completion string, final *providers.ChatUsage, providerType string) providers.ChatUsage {
	if final != nil && final.TotalTokens > 0 {
		return *final
	}
	var prompt int
	if providerType == "openai" || providerType == "openaicompat" {
		prompt = tokencount.PreciseOpenAIPromptTokens(req.Model, req.Messages)
	} else {
		prompt = tokencount.EstimateMessages(req.Messages)
	}
	compl := tokencount.EstimateCompletion(completion)
	return providers.ChatUsage{
		PromptTokens:     prompt,
		CompletionTokens: compl,
		TotalTokens:      prompt + compl,
		Estimated:        true,
	}
}
