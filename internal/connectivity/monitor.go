// Package connectivity tracks whether the remote system is reachable and
// turns offline to online transitions into a single sync trigger.
package connectivity

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Guizzs26/go-offline-sync/internal/events"
	"github.com/Guizzs26/go-offline-sync/pkg/metrics"
)

const DefaultDebounce = 500 * time.Millisecond

// Source feeds observed reachability into a Monitor until ctx is done
type Source interface {
	Run(ctx context.Context, m *Monitor) error
}

// Monitor caches the last observed connectivity state
type Monitor struct {
	online   atomic.Bool
	bus      *events.Bus
	logger   *slog.Logger
	debounce time.Duration

	mu          sync.Mutex
	pending     *time.Timer
	onReconnect func()
}

// NewMonitor starts in the given state. A nil bus disables event emission.
func NewMonitor(initial bool, bus *events.Bus, debounce time.Duration, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if debounce < 0 {
		debounce = 0
	}
	m := &Monitor{bus: bus, logger: logger, debounce: debounce}
	m.online.Store(initial)
	metrics.Online.Set(boolGauge(initial))
	return m
}

func (m *Monitor) IsOnline() bool {
	return m.online.Load()
}

// OnReconnect sets the hook fired once per offline to online transition
func (m *Monitor) OnReconnect(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReconnect = fn
}

// Set records an observation. Repeated observations of the same state are
// ignored; a transition emits online/offline and, when coming back online,
// arms the reconnect hook after the debounce window. Going offline again
// inside the window cancels the pending trigger.
func (m *Monitor) Set(online bool) {
	if m.online.Swap(online) == online {
		return
	}
	metrics.Online.Set(boolGauge(online))

	m.mu.Lock()
	if m.pending != nil {
		m.pending.Stop()
		m.pending = nil
	}
	if online {
		m.pending = time.AfterFunc(m.debounce, m.fireReconnect)
	}
	m.mu.Unlock()

	if online {
		m.logger.Info("Connectivity restored")
		m.emit(events.Online)
	} else {
		m.logger.Warn("Connectivity lost")
		m.emit(events.Offline)
	}
}

func (m *Monitor) fireReconnect() {
	m.mu.Lock()
	m.pending = nil
	fn := m.onReconnect
	m.mu.Unlock()

	if fn == nil || !m.IsOnline() {
		return
	}
	fn()
}

// Stop cancels a pending reconnect trigger
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending != nil {
		m.pending.Stop()
		m.pending = nil
	}
}

func (m *Monitor) emit(name events.Name) {
	if m.bus != nil {
		m.bus.Emit(name, nil)
	}
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
