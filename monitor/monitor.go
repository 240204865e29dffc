// Package monitor tracks per-study inactivity and fires completion
// callbacks once a study has been quiet for the configured timeout.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultTimeout is the inactivity window after which a study is
// considered complete.
const DefaultTimeout = 60 * time.Second

const tickInterval = 1 * time.Second

// CompletionCallback is invoked once per completion transition. It must
// be idempotent: a study re-activated after finalization starts a new
// cycle and fires again.
type CompletionCallback func(studyUID string)

// StudyMonitor watches active studies and dispatches completion
// callbacks from a single background worker.
type StudyMonitor struct {
	mu        sync.Mutex
	active    map[string]time.Time
	callbacks []CompletionCallback
	timeout   time.Duration
	logger    *slog.Logger
}

// New creates a monitor with the given inactivity timeout; zero means
// DefaultTimeout.
func New(timeout time.Duration, logger *slog.Logger) *StudyMonitor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StudyMonitor{
		active:  make(map[string]time.Time),
		timeout: timeout,
		logger:  logger,
	}
}

// OnComplete registers a completion callback. Registration is expected
// before Run starts.
func (m *StudyMonitor) OnComplete(cb CompletionCallback) {
	m.mu.Lock()
	m.callbacks = append(m.callbacks, cb)
	m.mu.Unlock()
}

// UpdateActivity records activity for a study, (re)starting its
// inactivity window.
func (m *StudyMonitor) UpdateActivity(studyUID string) {
	m.mu.Lock()
	m.active[studyUID] = time.Now()
	m.mu.Unlock()
}

// ActiveCount returns the number of studies currently being watched.
func (m *StudyMonitor) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Run ticks every second until ctx is done, finalizing every study
// whose inactivity window has elapsed.
func (m *StudyMonitor) Run(ctx context.Context) {
	m.logger.Info("Study monitor started", "timeout", m.timeout)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Study monitor stopped")
			return
		case now := <-ticker.C:
			m.finalizeExpired(now)
		}
	}
}

// finalizeExpired removes every expired study from the active set and
// invokes the callbacks for each. Callbacks run outside the lock.
func (m *StudyMonitor) finalizeExpired(now time.Time) {
	m.mu.Lock()
	var expired []string
	for uid, last := range m.active {
		if now.Sub(last) > m.timeout {
			expired = append(expired, uid)
			delete(m.active, uid)
		}
	}
	callbacks := make([]CompletionCallback, len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.mu.Unlock()

	for _, uid := range expired {
		m.logger.Info("Study complete", "study_uid", uid)
		for _, cb := range callbacks {
			cb(uid)
		}
	}
}
