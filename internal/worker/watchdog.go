package worker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Alerter receives operational alerts from the watchdog. A nil alerter
// disables alerting.
type Alerter interface {
	WorkerCritical(domain string, snapshot HealthSnapshot)
	WorkerRestarted(domain string)
}

// RestartFunc builds and starts a replacement worker for a domain. The
// watchdog stops the critical worker before calling it and watches the
// replacement it returns.
type RestartFunc func(ctx context.Context, domain string) (*Worker, error)

// Watchdog polls worker health and intervenes once per CRITICAL detection:
// restart when a RestartFunc is configured, otherwise stop. The one-shot
// latch clears when the worker reports non-critical again.
type Watchdog struct {
	workers  map[string]*Worker
	restart  RestartFunc
	alerter  Alerter
	interval time.Duration

	mu       sync.Mutex
	handled  map[string]bool
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewWatchdog creates a watchdog over the given workers, keyed by domain
func NewWatchdog(workers []*Worker, restart RestartFunc, alerter Alerter, interval time.Duration) *Watchdog {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	byDomain := make(map[string]*Worker, len(workers))
	for _, w := range workers {
		byDomain[w.Domain()] = w
	}
	return &Watchdog{
		workers:  byDomain,
		restart:  restart,
		alerter:  alerter,
		interval: interval,
		handled:  make(map[string]bool),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the polling loop
func (wd *Watchdog) Start(ctx context.Context) {
	wd.wg.Add(1)
	go func() {
		defer wd.wg.Done()
		ticker := time.NewTicker(wd.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-wd.stopCh:
				return
			case <-ticker.C:
				wd.check(ctx)
			}
		}
	}()
}

// Stop halts the polling loop
func (wd *Watchdog) Stop() {
	wd.stopOnce.Do(func() { close(wd.stopCh) })
	wd.wg.Wait()
}

// Replace swaps in a freshly constructed worker after a restart so later
// polls watch the new instance
func (wd *Watchdog) Replace(domain string, w *Worker) {
	wd.mu.Lock()
	defer wd.mu.Unlock()
	wd.workers[domain] = w
	delete(wd.handled, domain)
}

// StopWorkers stops every watched worker, replacements included. Call Stop
// first so an in-flight restart cannot revive a worker mid-drain.
func (wd *Watchdog) StopWorkers() {
	for _, w := range wd.snapshot() {
		w.Stop()
	}
}

// Status reports every worker's current health snapshot
func (wd *Watchdog) Status() map[string]HealthSnapshot {
	workers := wd.snapshot()
	status := make(map[string]HealthSnapshot, len(workers))
	for domain, w := range workers {
		status[domain] = w.Health()
	}
	return status
}

func (wd *Watchdog) snapshot() map[string]*Worker {
	wd.mu.Lock()
	defer wd.mu.Unlock()
	workers := make(map[string]*Worker, len(wd.workers))
	for domain, w := range wd.workers {
		workers[domain] = w
	}
	return workers
}

func (wd *Watchdog) check(ctx context.Context) {
	for domain, w := range wd.snapshot() {
		snapshot := w.Health()
		if snapshot.State != HealthCritical {
			wd.mu.Lock()
			delete(wd.handled, domain)
			wd.mu.Unlock()
			continue
		}

		wd.mu.Lock()
		alreadyHandled := wd.handled[domain]
		wd.handled[domain] = true
		wd.mu.Unlock()
		if alreadyHandled {
			continue
		}

		log.Error().
			Str("domain", domain).
			Int("consecutive_failures", snapshot.ConsecutiveFailures).
			Int("stuck_slots", snapshot.StuckSlots).
			Int("pool_exhaustions", snapshot.PoolExhaustions).
			Msg("Worker critical")
		if wd.alerter != nil {
			wd.alerter.WorkerCritical(domain, snapshot)
		}

		if wd.restart != nil {
			w.Stop()
			replacement, err := wd.restart(ctx, domain)
			if err != nil {
				log.Error().Err(err).Str("domain", domain).Msg("Worker restart failed")
				continue
			}
			wd.Replace(domain, replacement)
			if wd.alerter != nil {
				wd.alerter.WorkerRestarted(domain)
			}
			continue
		}

		w.Stop()
	}
}
