// Package netmon tracks network availability and whether the offline
// fallback should be shown in place of the normal UI.
package netmon

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// DefaultReconnectDelay is how long the fallback stays up after reconnecting.
const DefaultReconnectDelay = 500 * time.Millisecond

// State is the connectivity state.
type State int

const (
	Online State = iota
	Offline
)

func (s State) String() string {
	if s == Offline {
		return "offline"
	}
	return "online"
}

// Prober performs a direct connectivity check.
type Prober interface {
	Probe(ctx context.Context) bool
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) bool

// Probe calls f.
func (f ProberFunc) Probe(ctx context.Context) bool { return f(ctx) }

// HTTPProber reports online when a HEAD request to URL gets any HTTP response.
type HTTPProber struct {
	URL    string
	Client *http.Client
}

// Probe issues the HEAD request.
func (p HTTPProber) Probe(ctx context.Context) bool {
	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

// Monitor is the Online/Offline state machine.
//
// Going offline shows the fallback immediately. Coming back online hides it
// only after the reconnect delay; a disconnect within that delay keeps it up.
type Monitor struct {
	prober Prober
	delay  time.Duration
	log    *slog.Logger

	mu        sync.Mutex
	state     State
	fallback  bool
	seq       uint64 // invalidates pending fallback removals
	listeners []func(State)
}

// New creates a monitor whose initial state comes from one probe.
func New(ctx context.Context, prober Prober, delay time.Duration, log *slog.Logger) *Monitor {
	if delay <= 0 {
		delay = DefaultReconnectDelay
	}
	if log == nil {
		log = slog.Default()
	}
	m := &Monitor{prober: prober, delay: delay, log: log}
	if prober != nil && !prober.Probe(ctx) {
		m.state = Offline
		m.fallback = true
	}
	return m
}

// State returns the current state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Online reports whether the network is currently available.
func (m *Monitor) Online() bool {
	return m.State() == Online
}

// FallbackActive reports whether the offline fallback should be shown.
func (m *Monitor) FallbackActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fallback
}

// Subscribe registers fn to be called on every state transition.
func (m *Monitor) Subscribe(fn func(State)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// SetOffline handles a disconnect signal.
func (m *Monitor) SetOffline() {
	m.mu.Lock()
	if m.state == Offline {
		m.mu.Unlock()
		return
	}
	m.state = Offline
	m.fallback = true
	m.seq++
	listeners := append([]func(State){}, m.listeners...)
	m.mu.Unlock()

	m.log.Warn("network_offline")
	for _, fn := range listeners {
		fn(Offline)
	}
}

// SetOnline handles a reconnect signal.
func (m *Monitor) SetOnline() {
	m.mu.Lock()
	if m.state == Online {
		m.mu.Unlock()
		return
	}
	m.state = Online
	m.seq++
	seq := m.seq
	listeners := append([]func(State){}, m.listeners...)
	m.mu.Unlock()

	time.AfterFunc(m.delay, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.seq == seq && m.state == Online {
			m.fallback = false
		}
	})

	m.log.Info("network_online", slog.Duration("fallback_delay", m.delay))
	for _, fn := range listeners {
		fn(Online)
	}
}

// Watch probes every interval and feeds the result into the state machine
// until ctx is done.
func (m *Monitor) Watch(ctx context.Context, interval time.Duration) {
	if m.prober == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.prober.Probe(ctx) {
				m.SetOnline()
			} else if ctx.Err() == nil {
				m.SetOffline()
			}
		}
	}
}
