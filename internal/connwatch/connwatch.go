// Package connwatch monitors the reachability of external dependencies
// (Ollama, the retrieval collaborator, the MQTT broker) with exponential
// backoff.
//
// This is distinct from httpkit's transport-level retry, which absorbs
// sub-second dial hiccups. connwatch is for multi-second to multi-minute
// outages: service restarts and network partitions.
//
// A Watcher runs in two phases: a startup phase that probes with
// exponential backoff until the service answers or the retry budget is
// spent, then a background phase that polls on a fixed interval and
// fires callbacks on ready/down transitions.
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ProbeFunc checks whether a service is reachable. nil means healthy.
// Must be safe for concurrent use.
type ProbeFunc func(ctx context.Context) error

// BackoffConfig controls probe timing.
type BackoffConfig struct {
	// InitialDelay before the first startup retry.
	InitialDelay time.Duration

	// MaxDelay caps backoff growth.
	MaxDelay time.Duration

	// Multiplier grows the delay after each failed startup probe.
	Multiplier float64

	// MaxRetries bounds the startup phase.
	MaxRetries int

	// PollInterval is the background check cadence once the startup
	// phase ends, connected or not.
	PollInterval time.Duration

	// ProbeTimeout bounds each individual probe call.
	ProbeTimeout time.Duration
}

// DefaultBackoffConfig is the standard schedule: 2s, 4s, 8s, 16s, 32s,
// then 60s capped, ten startup attempts, 60-second background polls.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   10,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

// withDefaults fills zero-valued fields from DefaultBackoffConfig.
func (b BackoffConfig) withDefaults() BackoffConfig {
	d := DefaultBackoffConfig()
	if b.InitialDelay <= 0 {
		b.InitialDelay = d.InitialDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = d.MaxDelay
	}
	if b.Multiplier <= 0 {
		b.Multiplier = d.Multiplier
	}
	if b.MaxRetries <= 0 {
		b.MaxRetries = d.MaxRetries
	}
	if b.PollInterval <= 0 {
		b.PollInterval = d.PollInterval
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = d.ProbeTimeout
	}
	return b
}

// WatcherConfig configures one service watcher.
type WatcherConfig struct {
	// Name identifies the service in logs and Status, e.g. "ollama".
	Name string

	// Probe checks service health.
	Probe ProbeFunc

	// Backoff timing; zero fields take defaults.
	Backoff BackoffConfig

	// OnReady fires on the not-ready → ready transition. Runs on its
	// own goroutine. Optional.
	OnReady func()

	// OnDown fires on the ready → not-ready transition. Runs on its
	// own goroutine. Optional.
	OnDown func(err error)

	// Logger defaults to the manager's logger.
	Logger *slog.Logger
}

// ServiceStatus is one service's health as reported by Status. The json
// tags match the /healthz component table.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher monitors one service.
type Watcher struct {
	config WatcherConfig
	ready  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
}

// IsReady reports whether the service answered its most recent probe.
func (w *Watcher) IsReady() bool {
	return w.ready.Load()
}

// LastError returns the most recent probe error, nil when healthy.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Status snapshots the watcher state.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := ServiceStatus{
		Name:      w.config.Name,
		Ready:     w.ready.Load(),
		LastCheck: w.lastCheck,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Wait blocks until the watcher goroutine exits.
func (w *Watcher) Wait() {
	<-w.done
}

// Stop cancels the watcher and waits for its goroutine.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	if w.connect(ctx) {
		w.poll(ctx)
	}
}

// connect is the startup phase. Returns false only when ctx was
// cancelled mid-backoff; exhausting retries still moves on to polling.
func (w *Watcher) connect(ctx context.Context) bool {
	cfg := w.config.Backoff
	logger := w.config.Logger

	delay := cfg.InitialDelay
	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		err := w.probe(ctx)
		w.record(err)

		if err == nil {
			w.ready.Store(true)
			logger.Info("service connected",
				"service", w.config.Name,
				"after_attempts", attempt,
			)
			if w.config.OnReady != nil {
				go w.config.OnReady()
			}
			return true
		}

		if attempt == cfg.MaxRetries {
			logger.Info("startup connection failed, entering background polling",
				"service", w.config.Name,
				"attempts", attempt,
				"error", err,
			)
			return true
		}

		logger.Debug("startup probe failed, retrying",
			"service", w.config.Name,
			"attempt", attempt,
			"max_retries", cfg.MaxRetries,
			"next_delay", delay.String(),
			"error", err,
		)

		if !sleep(ctx, delay) {
			return false
		}
		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
	return true
}

// poll is the background phase: fixed-interval probes with transition
// callbacks.
func (w *Watcher) poll(ctx context.Context) {
	logger := w.config.Logger
	ticker := time.NewTicker(w.config.Backoff.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		err := w.probe(ctx)
		w.record(err)
		wasReady := w.ready.Load()

		switch {
		case wasReady && err != nil:
			w.ready.Store(false)
			logger.Info("service became unreachable",
				"service", w.config.Name,
				"error", err,
			)
			if w.config.OnDown != nil {
				go w.config.OnDown(err)
			}
		case !wasReady && err == nil:
			w.ready.Store(true)
			logger.Info("service recovered", "service", w.config.Name)
			if w.config.OnReady != nil {
				go w.config.OnReady()
			}
		case !wasReady:
			logger.Debug("service still unreachable",
				"service", w.config.Name,
				"error", err,
			)
		}
	}
}

func (w *Watcher) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.config.Backoff.ProbeTimeout)
	defer cancel()
	return w.config.Probe(probeCtx)
}

func (w *Watcher) record(err error) {
	w.mu.Lock()
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()
}

// sleep waits for d or ctx, whichever first. False means cancelled.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Manager owns a set of watchers keyed by service name.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	logger   *slog.Logger
}

// NewManager creates an empty manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		logger:   logger,
	}
}

// Watch registers and starts a watcher. It runs until ctx is cancelled
// or Stop is called. Panics on an empty Name or nil Probe; both are
// programming errors, not runtime conditions.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: WatcherConfig.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: WatcherConfig.Probe must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}
	cfg.Backoff = cfg.Backoff.withDefaults()

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		config: cfg,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go w.run(watchCtx)

	m.mu.Lock()
	m.watchers[cfg.Name] = w
	m.mu.Unlock()

	return w
}

// Status reports the health of every watched service.
func (m *Manager) Status() map[string]ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]ServiceStatus, len(m.watchers))
	for name, w := range m.watchers {
		status[name] = w.Status()
	}
	return status
}

// Stop shuts down every watcher and waits for their goroutines.
func (m *Manager) Stop() {
	m.mu.RLock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.RUnlock()

	for _, w := range watchers {
		w.Stop()
	}
}
