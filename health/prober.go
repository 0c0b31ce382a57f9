package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Probeable is anything the prober can health-check. providers.Provider
// does not satisfy it directly; Adapter builds one from a
// ProviderHealthChecker, so this package never imports providers.
type Probeable interface {
	Name() string
	HealthCheck(ctx context.Context) (healthy bool, latency time.Duration, err error)
}

// Prober runs periodic background health probes against a set of
// providers and records the outcome into a Store.
type Prober struct {
	store    *Store
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger

	mu        sync.Mutex
	providers []Probeable

	cancel context.CancelFunc
	done   chan struct{}
}

// NewProber creates a prober that checks providers every interval,
// bounding each probe to timeout.
func NewProber(store *Store, interval, timeout time.Duration, logger *zap.Logger) *Prober {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Prober{store: store, interval: interval, timeout: timeout, logger: logger, done: make(chan struct{})}
}

// Register adds a provider to the probe rotation.
func (p *Prober) Register(provider Probeable) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.providers = append(p.providers, provider)
}

// Start launches the background probe loop. Call Stop to terminate it.
func (p *Prober) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	go p.loop(ctx)
}

// Stop terminates the background probe loop and waits for it to exit.
func (p *Prober) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	<-p.done
}

func (p *Prober) loop(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	p.probeAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probeAll(ctx)
		}
	}
}

func (p *Prober) probeAll(ctx context.Context) {
	p.mu.Lock()
	providers := make([]Probeable, len(p.providers))
	copy(providers, p.providers)
	p.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(len(providers))
	for _, provider := range providers {
		provider := provider
		go func() {
			defer wg.Done()
			p.probeOne(ctx, provider)
		}()
	}
	wg.Wait()
}

func (p *Prober) probeOne(ctx context.Context, provider Probeable) {
	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	healthy, latency, err := provider.HealthCheck(probeCtx)
	if err != nil || !healthy {
		msg := ""
		if err != nil {
			msg = err.Error()
		}
		p.store.RecordFailure(provider.Name(), msg)
		if p.logger != nil {
			p.logger.Warn("provider health probe failed", zap.String("provider", provider.Name()), zap.Error(err))
		}
		return
	}
	p.store.RecordSuccess(provider.Name(), latency)
}

// ManualProbe runs a single out-of-cycle probe against one provider,
// bypassing the interval timer, and records its outcome into the
// store. Intended for an operator-triggered "check this provider now"
// admin action.
func (p *Prober) ManualProbe(ctx context.Context, provider Probeable) {
	p.probeOne(ctx, provider)
}
