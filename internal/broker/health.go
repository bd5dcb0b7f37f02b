package broker

import (
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// healthMonitor wraps a gocron scheduler running a single scan job. The
// scheduler is created on the first start call so a broker that never
// accepts a connection never spawns scheduler goroutines.
type healthMonitor struct {
	interval time.Duration
	clock    clockwork.Clock
	scan     func() int
	logger   *zap.Logger

	mu      sync.Mutex
	cron    gocron.Scheduler
	stopped bool
}

func newHealthMonitor(interval time.Duration, clock clockwork.Clock, scan func() int, logger *zap.Logger) *healthMonitor {
	return &healthMonitor{
		interval: interval,
		clock:    clock,
		scan:     scan,
		logger:   logger.Named("health"),
	}
}

// start schedules the scan job. It is a no-op once running or stopped.
func (m *healthMonitor) start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cron != nil || m.stopped {
		return nil
	}

	s, err := gocron.NewScheduler(gocron.WithClock(m.clock))
	if err != nil {
		return fmt.Errorf("failed to create gocron scheduler: %w", err)
	}

	// Singleton mode: a slow scan delays the next one instead of overlapping.
	_, err = s.NewJob(
		gocron.DurationJob(m.interval),
		gocron.NewTask(m.run),
		gocron.WithName("health-monitor"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = s.Shutdown()
		return fmt.Errorf("gocron.NewJob failed for health monitor (interval: %s): %w", m.interval, err)
	}

	s.Start()
	m.cron = s
	m.logger.Info("health monitor started", zap.Duration("interval", m.interval))
	return nil
}

// stop shuts the scheduler down, waiting for a running scan to finish.
func (m *healthMonitor) stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	if m.cron == nil {
		return nil
	}
	s := m.cron
	m.cron = nil
	if err := s.Shutdown(); err != nil {
		return fmt.Errorf("health monitor shutdown error: %w", err)
	}
	m.logger.Info("health monitor stopped")
	return nil
}

func (m *healthMonitor) running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cron != nil
}

// run executes one scan. A panic escaping the scan is logged so later
// cycles still run.
func (m *healthMonitor) run() {
	defer func() {
		if rec := recover(); rec != nil {
			m.logger.Error("health scan panicked", zap.Any("panic", rec))
		}
	}()
	if n := m.scan(); n > 0 {
		m.logger.Info("reaped stale connections", zap.Int("count", n))
	}
}

// reapStale disconnects every connection idle for longer than StaleAfter or
// already marked inactive. It works on a snapshot of the table: records
// that disappear mid-scan are skipped, and a failure on one record does not
// stop the rest of the scan. Returns the number of connections reaped.
func (b *Broker) reapStale() int {
	now := b.clock.Now()

	b.mu.RLock()
	records := make([]*Connection, 0, len(b.conns))
	for _, c := range b.conns {
		records = append(records, c)
	}
	b.mu.RUnlock()

	reaped := 0
	for _, c := range records {
		idle := now.Sub(c.LastSeen())
		if c.Active() && idle <= b.cfg.StaleAfter {
			continue
		}
		if b.reap(c, idle) {
			reaped++
		}
	}
	return reaped
}

func (b *Broker) reap(c *Connection, idle time.Duration) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			b.logger.Error("failed to reap connection",
				zap.String("client_id", c.ID),
				zap.Any("panic", rec),
			)
			ok = false
		}
	}()
	if !b.disconnectRecord(c, CloseNormalClosure, ReasonStale) {
		return false
	}
	b.recorder.ConnectionReaped()
	b.logger.Info("reaped stale connection",
		zap.String("client_id", c.ID),
		zap.Duration("idle", idle),
	)
	return true
}
