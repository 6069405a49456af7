package connectivity

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedProber struct {
	mu     sync.Mutex
	states []bool
	idx    int
}

func (p *scriptedProber) probe(context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.idx < len(p.states)-1 {
		s := p.states[p.idx]
		p.idx++
		return s
	}
	return p.states[len(p.states)-1]
}

func collect(t *testing.T, events <-chan State, n int) []State {
	t.Helper()
	var got []State
	for len(got) < n {
		select {
		case s := <-events:
			got = append(got, s)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d, got %v", len(got), got)
		}
	}
	return got
}

func TestMonitorEmitsOnePerTransition(t *testing.T) {
	// offline at startup, flaps to online, stays online, drops again.
	prober := &scriptedProber{states: []bool{false, true, true, true, false}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := NewMonitor(prober.probe, time.Millisecond, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = m.Run(ctx)
		close(done)
	}()

	got := collect(t, m.Events(), 3)
	assert.Equal(t, []State{StateOffline, StateOnline, StateOffline}, got)

	cancel()
	<-done
}

func TestMonitorSamplesInitialStateOnce(t *testing.T) {
	prober := &scriptedProber{states: []bool{true}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := NewMonitor(prober.probe, time.Millisecond, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()

	got := collect(t, m.Events(), 1)
	require.Equal(t, []State{StateOnline}, got)
	assert.True(t, m.Online())

	// A steady state produces no further events.
	select {
	case s := <-m.Events():
		t.Fatalf("unexpected event %v", s)
	case <-time.After(20 * time.Millisecond):
	}
}
