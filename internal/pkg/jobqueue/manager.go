package jobqueue

import (
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/CreditFox/app/models"
	metrics "github.com/ManuelReschke/CreditFox/internal/pkg/metrics/counter"
)

// Manager manages the global job queue and background tasks
type Manager struct {
	queue              *Queue
	sweepTicker        *time.Ticker
	retryTicker        *time.Ticker
	counterFlushTicker *time.Ticker
	archiveTicker      *time.Ticker
	stopCh             chan struct{}
	wg                 sync.WaitGroup
	mu                 sync.Mutex
	running            bool
	lastArchivedMonth  string
}

var (
	globalManager *Manager
	managerOnce   sync.Once
)

// GetManager returns the global job queue manager (singleton)
func GetManager() *Manager {
	managerOnce.Do(func() {
		// Get worker count from settings, fallback to 4 if not available
		workerCount := 4
		if settings := getAppSettings(); settings != nil {
			workerCount = settings.GetJobQueueWorkerCount()
		}

		globalManager = &Manager{
			queue:  NewQueue(workerCount), // Configurable workers for allocation + archive jobs
			stopCh: make(chan struct{}),
		}
	})
	return globalManager
}

// GetQueue returns the managed job queue
func (m *Manager) GetQueue() *Queue {
	return m.queue
}

// Start starts the job queue and background tasks
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	// Recreate stop channel for each start cycle so manager can be restarted safely.
	m.stopCh = make(chan struct{})
	m.running = true
	log.Info("[JobQueue Manager] Starting job queue and background tasks")

	// Start the job queue
	m.queue.Start()

	// Get intervals from settings
	sweepInterval := 60 * time.Minute // Default fallback
	retryInterval := 15 * time.Minute // Default fallback
	flushInterval := 5 * time.Second  // Default fallback
	if settings := getAppSettings(); settings != nil {
		sweepInterval = settings.GetAllocationSweepInterval()
		retryInterval = settings.GetAllocationRetryInterval()
		flushInterval = settings.GetCounterFlushInterval()
	}

	// Start allocation sweep - configurable interval
	m.sweepTicker = time.NewTicker(sweepInterval)
	m.wg.Add(1)
	go m.sweepWorker()

	// Start allocation retry mechanism - configurable interval
	m.retryTicker = time.NewTicker(retryInterval)
	m.wg.Add(1)
	go m.retryWorker()

	// Start counter flush worker (Redis -> DB)
	m.counterFlushTicker = time.NewTicker(flushInterval)
	m.wg.Add(1)
	go m.counterFlushWorker()

	// Ledger archive check runs hourly; the job itself is idempotent per month
	m.archiveTicker = time.NewTicker(time.Hour)
	m.wg.Add(1)
	go m.archiveWorker()

	log.Info("[JobQueue Manager] Started successfully")
}

// Stop stops the job queue and background tasks
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	log.Info("[JobQueue Manager] Stopping job queue and background tasks...")

	// Stop sweep ticker
	if m.sweepTicker != nil {
		m.sweepTicker.Stop()
	}

	// Stop retry ticker
	if m.retryTicker != nil {
		m.retryTicker.Stop()
	}

	if m.counterFlushTicker != nil {
		m.counterFlushTicker.Stop()
	}
	if m.archiveTicker != nil {
		m.archiveTicker.Stop()
	}

	// Signal workers to stop
	close(m.stopCh)
	m.stopCh = nil
	m.running = false

	// Wait for background workers to finish
	m.wg.Wait()

	// Stop the job queue
	m.queue.Stop()

	log.Info("[JobQueue Manager] Stopped successfully")
}

// sweepWorker runs periodically to allocate due monthly tranches
func (m *Manager) sweepWorker() {
	defer m.wg.Done()
	interval := 60 * time.Minute // Default fallback
	if settings := getAppSettings(); settings != nil {
		interval = settings.GetAllocationSweepInterval()
	}
	log.Infof("[JobQueue Manager] Started allocation sweep worker (interval: %s)", interval)

	for {
		select {
		case <-m.stopCh:
			log.Info("[JobQueue Manager] Allocation sweep worker stopping")
			return
		case <-m.sweepTicker.C:
			log.Debug("[JobQueue Manager] Running allocation sweep")
			if _, err := m.runAllocationSweepOnce(); err != nil {
				log.Errorf("[JobQueue Manager] Allocation sweep error: %v", err)
			}
		}
	}
}

// retryWorker runs periodically to retry failed allocations
func (m *Manager) retryWorker() {
	defer m.wg.Done()
	interval := 15 * time.Minute // Default fallback
	if settings := getAppSettings(); settings != nil {
		interval = settings.GetAllocationRetryInterval()
	}
	log.Infof("[JobQueue Manager] Started retry worker (interval: %s)", interval)

	for {
		select {
		case <-m.stopCh:
			log.Info("[JobQueue Manager] Retry worker stopping")
			return
		case <-m.retryTicker.C:
			log.Debug("[JobQueue Manager] Running retry check for failed allocations")
			if err := m.queue.RetryDueAllocations(); err != nil {
				log.Errorf("[JobQueue Manager] Error retrying failed allocations: %v", err)
			}
		}
	}
}

// counterFlushWorker periodically flushes in-memory counters from Redis to DB
func (m *Manager) counterFlushWorker() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			log.Info("[JobQueue Manager] Counter flush worker stopping")
			return
		case <-m.counterFlushTicker.C:
			if err := m.flushCountersOnce(); err != nil {
				log.Errorf("[JobQueue Manager] Counter flush error: %v", err)
			}
		}
	}
}

// archiveWorker periodically enqueues the previous month's ledger archive
func (m *Manager) archiveWorker() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			log.Info("[JobQueue Manager] Archive worker stopping")
			return
		case <-m.archiveTicker.C:
			if err := m.runLedgerArchiveOnce(); err != nil {
				log.Errorf("[JobQueue Manager] Ledger archive error: %v", err)
			}
		}
	}
}

// runAllocationSweepOnce enqueues a sweep job for the current period when sweeping is enabled
func (m *Manager) runAllocationSweepOnce() (*Job, error) {
	settings := getAppSettings()
	if settings == nil || !settings.IsAllocationSweepEnabled() {
		return nil, nil
	}
	return m.queue.EnqueueAllocationSweepJob("")
}

// runLedgerArchiveOnce enqueues an archive job for the previous month.
// lastArchivedMonth is only touched by the archive worker goroutine; the
// job itself skips months already present in the bucket.
func (m *Manager) runLedgerArchiveOnce() error {
	settings := getAppSettings()
	if settings == nil || !settings.IsLedgerArchiveEnabled() {
		return nil
	}

	month := models.PeriodKeyFor(time.Now().UTC().AddDate(0, -1, 0))
	if m.lastArchivedMonth == month {
		return nil
	}

	if _, err := m.queue.EnqueueLedgerArchiveJob(month); err != nil {
		return err
	}
	m.lastArchivedMonth = month
	return nil
}

func (m *Manager) flushCountersOnce() error {
	// Flush Redis -> DB (batched CASE update)
	return metrics.FlushAll()
}

// IsRunning returns whether the manager is currently running
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// getAppSettings safely returns the current app settings
func getAppSettings() *models.AppSettings {
	return models.GetAppSettings()
}

// RunAllocationSweepOnce exposes a manual trigger for a single allocation sweep (admin use).
// It enqueues the sweep regardless of the sweep-enabled setting.
func (m *Manager) RunAllocationSweepOnce(periodKey string) (*Job, error) {
	return m.queue.EnqueueAllocationSweepJob(periodKey)
}
