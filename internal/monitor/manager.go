package monitor

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/pvoronin/giftwatch/internal/metrics"
)

// StartOptions carries mode-specific parameters for Manager.Start.
type StartOptions struct {
	Range    RangeParams  // range mode interval, ignored in continuous mode
	Progress ProgressFunc // optional, range mode only
}

// Manager holds one Poller per registered source and controls their
// background executions. It enforces at most one active run per source;
// the source→run mapping is the only state mutated by concurrent callers
// and is serialized behind the mutex. Construct explicitly with NewManager
// and pass by reference; there is no package-level instance.
type Manager struct {
	fetcher Fetcher
	cfg     PollerConfig
	logger  *zap.Logger

	mu      sync.Mutex
	pollers map[string]*Poller
	runs    map[string]*run
}

// run is one live cancellable execution of a poller.
type run struct {
	mode   Mode
	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager constructs a Manager that builds pollers over the shared
// fetcher and config.
func NewManager(fetcher Fetcher, cfg PollerConfig, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		fetcher: fetcher,
		cfg:     cfg,
		logger:  logger,
		pollers: make(map[string]*Poller),
		runs:    make(map[string]*run),
	}
}

// Register adds a source. It is idempotent: re-registering an existing name
// is a no-op and does not reset its cursor state.
func (m *Manager) Register(name, urlTemplate string, startIndex int) error {
	if name == "" {
		return fmt.Errorf("source name is required")
	}
	if err := ValidateTemplate(urlTemplate); err != nil {
		return fmt.Errorf("source %q: %w", name, err)
	}
	if startIndex < 1 {
		startIndex = 1
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.pollers[name]; exists {
		return nil
	}
	src := Source{Name: name, URLTemplate: urlTemplate, StartIndex: startIndex}
	m.pollers[name] = NewPoller(src, m.fetcher, m.cfg, m.logger)
	m.logger.Info("source registered", zap.String("source", name))
	return nil
}

// Start spawns a cancellable background run of the named source's poller.
// If a run is already active it is stopped and awaited first, so two runs
// for one source never overlap. Start returns once the new run has been
// scheduled; completion is observed via Status or the progress callback.
// The run lives until ctx ends, the run is stopped, or (range mode) the
// interval is exhausted.
func (m *Manager) Start(ctx context.Context, name string, mode Mode, sink Sink, opts StartOptions) error {
	if mode != ModeContinuous && mode != ModeRange {
		return fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}

	m.mu.Lock()
	poller, ok := m.pollers[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownSource, name)
	}
	// Stop whatever run holds the slot. The mutex is released while awaiting
	// shutdown, so a concurrent Start may install its own run in the window;
	// re-check after re-acquiring and stop that one too. The install below
	// happens under the lock with the slot verified empty, so at most one
	// run per source survives concurrent Starts.
	for {
		prev, active := m.runs[name]
		if !active {
			break
		}
		delete(m.runs, name)
		m.mu.Unlock()
		prev.cancel()
		<-prev.done
		m.mu.Lock()
	}

	runCtx, cancel := context.WithCancel(ctx)
	r := &run{mode: mode, cancel: cancel, done: make(chan struct{})}
	m.runs[name] = r
	m.mu.Unlock()

	metrics.IncActivePollers()
	go func() {
		defer close(r.done)
		defer metrics.DecActivePollers()
		switch mode {
		case ModeContinuous:
			poller.RunContinuous(runCtx, sink)
		case ModeRange:
			poller.RunRange(runCtx, opts.Range, sink, opts.Progress)
		}
		cancel()
		// Natural completion: release the handle unless a newer run
		// has already replaced it.
		m.mu.Lock()
		if m.runs[name] == r {
			delete(m.runs, name)
		}
		m.mu.Unlock()
	}()

	m.logger.Info("run started", zap.String("source", name), zap.String("mode", string(mode)))
	return nil
}

// Stop cancels the named source's active run and awaits its cooperative
// shutdown. Stopping an idle, finished, or unknown source is a no-op, so a
// subsequent Start never races with a still-finishing predecessor.
func (m *Manager) Stop(name string) {
	m.mu.Lock()
	r := m.runs[name]
	delete(m.runs, name)
	m.mu.Unlock()
	if r == nil {
		return
	}
	r.cancel()
	<-r.done
	m.logger.Info("run stopped", zap.String("source", name))
}

// StopAll stops every active run. Used at process shutdown; no background
// executions survive it.
func (m *Manager) StopAll() {
	m.mu.Lock()
	names := make([]string, 0, len(m.runs))
	for name := range m.runs {
		names = append(names, name)
	}
	m.mu.Unlock()
	for _, name := range names {
		m.Stop(name)
	}
}

// Status reports a point-in-time snapshot for the named source. Unregistered
// names report StateUnknown.
func (m *Manager) Status(name string) Status {
	m.mu.Lock()
	poller, ok := m.pollers[name]
	r := m.runs[name]
	m.mu.Unlock()

	if !ok {
		return Status{State: StateUnknown}
	}
	st := poller.Snapshot()
	st.State = StateStopped
	if r != nil {
		select {
		case <-r.done:
		default:
			st.State = StateRunning
			st.Mode = r.mode
		}
	}
	return st
}

// Sources lists the registered source definitions.
func (m *Manager) Sources() []Source {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Source, 0, len(m.pollers))
	for _, p := range m.pollers {
		out = append(out, p.Source())
	}
	return out
}
