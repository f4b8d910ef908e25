package jobqueue

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/packetwarden/formflow-api/internal/pkg/billing"
	"github.com/packetwarden/formflow-api/internal/pkg/database"
	"github.com/packetwarden/formflow-api/internal/pkg/env"
)

// Manager drives the scheduled reconciliation passes when the gateway runs
// with an in-process scheduler (SCHEDULER_MODE=internal). In the default
// external mode a platform trigger posts ticks to /stripe/jobs/tick and the
// manager stays idle. Every pass is idempotent and bounded by batch size,
// so overlapping deployments only cost duplicate reads.
type Manager struct {
	svc             *billing.Service
	retryTicker     *time.Ticker
	graceTicker     *time.Ticker
	catalogTicker   *time.Ticker
	retentionTicker *time.Ticker
	stopCh          chan struct{}
	wg              sync.WaitGroup
	mu              sync.Mutex
	running         bool
}

var (
	globalManager *Manager
	managerOnce   sync.Once
)

// GetManager returns the global scheduler manager (singleton).
func GetManager() *Manager {
	managerOnce.Do(func() {
		globalManager = &Manager{
			svc:    billing.NewServiceFromDB(database.GetDB()),
			stopCh: make(chan struct{}),
		}
	})
	return globalManager
}

// NewManager creates a manager with an injected billing service; used by
// tests.
func NewManager(svc *billing.Service) *Manager {
	return &Manager{svc: svc, stopCh: make(chan struct{})}
}

// Start launches the tickers. A no-op unless SCHEDULER_MODE=internal.
func (m *Manager) Start() {
	if env.GetEnv("SCHEDULER_MODE", "external") != "internal" {
		log.Info("[Scheduler] External trigger mode, in-process tickers disabled")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.stopCh = make(chan struct{})
	m.running = true
	log.Info("[Scheduler] Starting reconciliation tickers")

	m.retryTicker = time.NewTicker(5 * time.Minute)
	m.graceTicker = time.NewTicker(time.Hour)
	m.catalogTicker = time.NewTicker(catalogInterval(m.svc.Config().CatalogCron))
	m.retentionTicker = time.NewTicker(24 * time.Hour)

	m.wg.Add(4)
	go m.loop(m.retryTicker, billing.CronDueRetry)
	go m.loop(m.graceTicker, billing.CronGraceExpiry)
	go m.loop(m.catalogTicker, m.svc.Config().CatalogCron)
	go m.loop(m.retentionTicker, billing.CronRetention)
}

// Stop halts the tickers and waits for in-flight passes.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	log.Info("[Scheduler] Stopping reconciliation tickers...")
	close(m.stopCh)
	m.retryTicker.Stop()
	m.graceTicker.Stop()
	m.catalogTicker.Stop()
	m.retentionTicker.Stop()
	m.running = false
	m.wg.Wait()
	log.Info("[Scheduler] All tickers stopped")
}

func (m *Manager) loop(ticker *time.Ticker, cron string) {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			if err := m.svc.Dispatch(ctx, cron); err != nil {
				log.Errorf("[Scheduler] Tick %q failed: %v", cron, err)
			}
			cancel()
		}
	}
}

// catalogInterval derives a ticker period from the configured catalog cron.
// Only the "*/N * * * *" shape is honored; anything else falls back to the
// 15 minute default.
func catalogInterval(cron string) time.Duration {
	var minutes int
	if n, err := parseEveryMinutes(cron); err == nil && n > 0 {
		minutes = n
	} else {
		minutes = 15
	}
	return time.Duration(minutes) * time.Minute
}
