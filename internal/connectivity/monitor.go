// Package connectivity observes offline/online transitions of the link to the
// authoritative store.
package connectivity

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"
)

// State describes the observed link state.
type State int

const (
	// StateOffline means the authoritative store is unreachable.
	StateOffline State = iota
	// StateOnline means the authoritative store is reachable.
	StateOnline
)

func (s State) String() string {
	if s == StateOnline {
		return "online"
	}
	return "offline"
}

// Prober reports whether the authoritative store is currently reachable.
type Prober func(ctx context.Context) bool

// Monitor samples a Prober and emits exactly one event per actual transition.
// The initial state is sampled once at startup and emitted as the first event.
type Monitor struct {
	probe    Prober
	interval time.Duration
	logger   *slog.Logger
	events   chan State
	online   atomic.Bool
}

// NewMonitor constructs a Monitor.
func NewMonitor(probe Prober, interval time.Duration, logger *slog.Logger) *Monitor {
	return &Monitor{
		probe:    probe,
		interval: interval,
		logger:   logger,
		events:   make(chan State, 1),
	}
}

// Events returns the transition stream.
func (m *Monitor) Events() <-chan State {
	return m.events
}

// Online reports the last observed state.
func (m *Monitor) Online() bool {
	return m.online.Load()
}

// Run samples the prober until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	last := m.probe(ctx)
	m.online.Store(last)
	if err := m.emit(ctx, stateOf(last)); err != nil {
		return err
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			cur := m.probe(ctx)
			if cur == last {
				continue
			}
			last = cur
			m.online.Store(cur)
			m.logger.Info("connectivity changed", slog.String("state", stateOf(cur).String()))
			if err := m.emit(ctx, stateOf(cur)); err != nil {
				return err
			}
		}
	}
}

func (m *Monitor) emit(ctx context.Context, s State) error {
	select {
	case m.events <- s:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func stateOf(online bool) State {
	if online {
		return StateOnline
	}
	return StateOffline
}

// HTTPProber probes reachability of the given URL.
func HTTPProber(url string, timeout time.Duration) Prober {
	client := &http.Client{Timeout: timeout}
	return func(ctx context.Context) bool {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			return false
		}
		resp, err := client.Do(req)
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode < http.StatusInternalServerError
	}
}
