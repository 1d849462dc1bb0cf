package rpcrouter

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ProbeFunc performs one cheap liveness call against url.
type ProbeFunc func(ctx context.Context, chainRef, url string) error

// Prober periodically re-checks endpoints that have failed and whose cooldown
// has elapsed, so a recovered endpoint regains its health score before the
// router rotates back to it.
type Prober struct {
	router   *Router
	probe    ProbeFunc
	interval time.Duration
	timeout  time.Duration
	logger   zerolog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewProber creates a prober for router.
func NewProber(router *Router, probe ProbeFunc, interval, timeout time.Duration, logger zerolog.Logger) *Prober {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Prober{
		router:   router,
		probe:    probe,
		interval: interval,
		timeout:  timeout,
		logger:   logger.With().Str("component", "rpc_prober").Logger(),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the probe loop in the background.
func (p *Prober) Start(ctx context.Context) {
	p.logger.Info().Dur("interval", p.interval).Msg("starting rpc prober")
	go p.run(ctx)
}

// Stop stops the probe loop.
func (p *Prober) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

func (p *Prober) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info().Msg("rpc prober stopping: context cancelled")
			return
		case <-p.stopCh:
			p.logger.Info().Msg("rpc prober stopping: stop signal received")
			return
		case <-p.router.clock.TickAfter(p.interval):
			p.ProbeOnce(ctx)
		}
	}
}

type probeTarget struct {
	chainRef string
	url      string
}

// ProbeOnce probes every recovering endpoint once and reports the outcomes.
// It returns the number of endpoints probed.
func (p *Prober) ProbeOnce(ctx context.Context) int {
	if p.probe == nil {
		return 0
	}
	targets := p.recovering()
	if len(targets) == 0 {
		return 0
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, t := range targets {
		g.Go(func() error {
			checkCtx, cancel := context.WithTimeout(gctx, p.timeout)
			defer cancel()

			start := p.router.clock.Now()
			err := p.probe(checkCtx, t.chainRef, t.url)
			latency := p.router.clock.Now().Sub(start)

			p.router.ReportRpcOutcome(t.chainRef, Outcome{
				URL:     t.url,
				Success: err == nil,
				Err:     err,
				Latency: latency,
			})
			if err == nil {
				p.logger.Info().
					Str("chain", t.chainRef).
					Str("url", t.url).
					Msg("endpoint recovered")
			}
			// probe failures are recorded as health, never abort the batch
			return nil
		})
	}
	_ = g.Wait()
	return len(targets)
}

func (p *Prober) recovering() []probeTarget {
	now := p.router.clock.Now()
	p.router.mu.RLock()
	defer p.router.mu.RUnlock()

	var out []probeTarget
	for ref, pool := range p.router.chains {
		for _, ep := range pool.endpoints {
			if ep.Health.ConsecutiveFailures > 0 && !ep.Health.InCooldown(now) {
				out = append(out, probeTarget{chainRef: ref, url: ep.URL})
			}
		}
	}
	return out
}
