package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Func is the body of a scheduled job.
type Func func(ctx context.Context) error

// DefaultAlertAfter is the number of consecutive failures of one job that
// raises a system alert.
const DefaultAlertAfter = 3

type Alerter interface {
	SendSystemAlert(title, message, severity string) error
}

// Manager runs named jobs on cron schedules. A job whose previous run is
// still going when its next tick fires skips that tick.
type Manager struct {
	cron    *cron.Cron
	entries map[string]cron.EntryID
	logger  *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.RWMutex
	running bool

	alerts     Alerter
	alertAfter int
	failMu     sync.Mutex
	failures   map[string]int
}

func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}

	cl := cronLogger{logger: logger.Sugar()}
	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		entries:    make(map[string]cron.EntryID),
		failures:   make(map[string]int),
		alertAfter: DefaultAlertAfter,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// SetAlerter makes the manager send a system alert when a job fails after
// times in a row. Call it before Start.
func (m *Manager) SetAlerter(alerts Alerter, after int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if after <= 0 {
		after = DefaultAlertAfter
	}
	m.alerts = alerts
	m.alertAfter = after
}

// Add registers fn under name with a standard cron spec or a descriptor such
// as "@every 1m".
func (m *Manager) Add(name, spec string, fn Func) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[name]; ok {
		return fmt.Errorf("job %q already scheduled", name)
	}

	id, err := m.cron.AddFunc(spec, func() {
		m.record(name, fn(m.ctx))
	})
	if err != nil {
		return fmt.Errorf("invalid schedule %q for job %q: %w", spec, name, err)
	}

	m.entries[name] = id
	m.logger.Info("job scheduled", zap.String("job", name), zap.String("schedule", spec))
	return nil
}

// record tracks consecutive failures of a job and alerts when they reach
// the threshold.
func (m *Manager) record(name string, err error) {
	m.failMu.Lock()
	if err == nil {
		delete(m.failures, name)
		m.failMu.Unlock()
		return
	}
	m.failures[name]++
	failures := m.failures[name]
	m.failMu.Unlock()

	m.logger.Error("scheduled job failed",
		zap.String("job", name),
		zap.Int("consecutive_failures", failures),
		zap.Error(err),
	)

	m.mu.RLock()
	alerts, after := m.alerts, m.alertAfter
	m.mu.RUnlock()
	if alerts == nil || failures != after {
		return
	}
	title := fmt.Sprintf("Scheduled job %s is failing", name)
	message := fmt.Sprintf("%d consecutive failures, last error: %v", failures, err)
	if aerr := alerts.SendSystemAlert(title, message, "danger"); aerr != nil {
		m.logger.Warn("failed to send alert", zap.String("job", name), zap.Error(aerr))
	}
}

// Trigger runs the named job once on the caller's goroutine, through the
// same skip-if-still-running guard as scheduled ticks.
func (m *Manager) Trigger(name string) error {
	m.mu.RLock()
	id, ok := m.entries[name]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("job %q not scheduled", name)
	}

	m.cron.Entry(id).WrappedJob.Run()
	return nil
}

func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return fmt.Errorf("scheduler already running")
	}
	m.running = true

	m.logger.Info("starting scheduler", zap.Int("jobs", len(m.entries)))
	m.cron.Start()
	return nil
}

// Stop cancels the context handed to running jobs and waits for them to
// return.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	m.logger.Info("stopping scheduler")
	m.cancel()
	<-m.cron.Stop().Done()
	m.running = false
}

type cronLogger struct {
	logger *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Errorw(msg, append(keysAndValues, "error", err)...)
}
