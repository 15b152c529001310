// Package wake implements the Wake Monitor (§4.4): a background probe that
// detects "system was asleep / network was down" via periodic TCP
// reachability checks against well-known DNS endpoints, firing sleep/wake
// callbacks on transition. Grounded on original_source's
// utils/connection_monitor.py, reshaped into a goroutine with an explicit
// stop channel per the cooperative-task model.
package wake

import (
	"context"
	"net"
	"sync"
	"time"
)

// DefaultEndpoints are the three well-known DNS endpoints probed by
// default.
var DefaultEndpoints = []string{"8.8.8.8:53", "1.1.1.1:53", "208.67.222.222:53"}

const dialTimeout = 3 * time.Second

// Callback is a sleep/wake notification. Failures must not prevent other
// registered callbacks from running.
type Callback func()

// Monitor tracks online/offline transitions and fires registered callbacks.
type Monitor struct {
	endpoints     []string
	checkInterval time.Duration

	mu             sync.Mutex
	isOnline       bool
	lastOnline     time.Time
	sleepSuspected bool

	sleepCallbacks []Callback
	wakeCallbacks  []Callback

	dial func(network, addr string, timeout time.Duration) (net.Conn, error)
}

// New builds a Monitor with the given probe interval (default 15s if zero).
func New(checkInterval time.Duration) *Monitor {
	if checkInterval <= 0 {
		checkInterval = 15 * time.Second
	}
	return &Monitor{
		endpoints:     DefaultEndpoints,
		checkInterval: checkInterval,
		isOnline:      true,
		lastOnline:    time.Now(),
		dial:          net.DialTimeout,
	}
}

// OnSleep registers a callback fired on an online->offline transition.
func (m *Monitor) OnSleep(cb Callback) { m.sleepCallbacks = append(m.sleepCallbacks, cb) }

// OnWake registers a callback fired when an outage lasting more than
// 2*checkInterval ends, provided "sleep suspected" was set.
func (m *Monitor) OnWake(cb Callback) { m.wakeCallbacks = append(m.wakeCallbacks, cb) }

// IsOnline reports the monitor's current view of reachability.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isOnline
}

// Run blocks, probing every checkInterval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probe()
		}
	}
}

func (m *Monitor) probe() {
	reachable := m.anyReachable()

	m.mu.Lock()
	wasOnline := m.isOnline
	outageStart := m.lastOnline
	sleepSuspected := m.sleepSuspected

	switch {
	case wasOnline && !reachable:
		m.isOnline = false
		m.lastOnline = time.Now()
		m.sleepSuspected = true
	case !wasOnline && reachable:
		m.isOnline = true
	}
	nowSuspected := m.sleepSuspected
	m.mu.Unlock()

	if wasOnline && !reachable {
		fireAll(m.sleepCallbacks)
		return
	}
	if !wasOnline && reachable {
		outage := time.Since(outageStart)
		if outage > 2*m.checkInterval && sleepSuspected {
			m.mu.Lock()
			m.sleepSuspected = false
			m.mu.Unlock()
			fireAll(m.wakeCallbacks)
		} else if nowSuspected {
			m.mu.Lock()
			m.sleepSuspected = false
			m.mu.Unlock()
		}
	}
}

func (m *Monitor) anyReachable() bool {
	for _, ep := range m.endpoints {
		conn, err := m.dial("tcp", ep, dialTimeout)
		if err == nil {
			conn.Close()
			return true
		}
	}
	return false
}

// fireAll runs every callback, isolating panics/failures so one callback
// can never prevent the others from running.
func fireAll(cbs []Callback) {
	for _, cb := range cbs {
		cb := cb
		func() {
			defer func() { _ = recover() }()
			cb()
		}()
	}
}
