// Package monitor runs the security check routines on a timer, keeps a
// bounded event history, and fans events out to live subscribers.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"guardsuite/internal/guardsuite"
	"guardsuite/internal/history"
	"guardsuite/internal/sampler"
	"guardsuite/internal/stream"
)

const (
	// DefaultInterval is the poll interval used when Start gets zero.
	DefaultInterval = 30 * time.Second
	// DefaultCheckTimeout bounds each check routine per cycle.
	DefaultCheckTimeout = 5 * time.Second
	// DefaultHistorySize is the event history capacity.
	DefaultHistorySize = 100
)

// ErrPollInFlight is returned by PollNow when a cycle is already running.
var ErrPollInFlight = errors.New("poll cycle already in flight")

// Options configures a Monitor.
type Options struct {
	Hub          *stream.Hub
	Clock        func() time.Time
	NewID        func() string
	Checks       []sampler.Check
	HistorySize  int
	CheckTimeout time.Duration
	Debug        bool
}

// Monitor owns the poll loop, the event history, and the subscriber hub.
type Monitor struct {
	lastCheck      time.Time
	hub            *stream.Hub
	events         *history.Buffer[guardsuite.SecurityEvent]
	now            func() time.Time
	newID          func() string
	cancel         context.CancelFunc
	done           chan struct{}
	checks         []sampler.Check
	eventListeners []func(guardsuite.SecurityEvent)
	errorListeners []func(error)
	checkTimeout   time.Duration
	mu             sync.Mutex
	listenersMu    sync.RWMutex
	polling        chan struct{} // held by the running cycle
	active         bool
	debug          bool
}

// New creates a stopped Monitor.
func New(opts Options) *Monitor {
	m := &Monitor{
		hub:          opts.Hub,
		checks:       opts.Checks,
		now:          opts.Clock,
		newID:        opts.NewID,
		checkTimeout: opts.CheckTimeout,
		polling:      make(chan struct{}, 1),
		debug:        opts.Debug,
	}
	if m.hub == nil {
		m.hub = stream.NewHub()
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.newID == nil {
		m.newID = uuid.NewString
	}
	if m.checkTimeout <= 0 {
		m.checkTimeout = DefaultCheckTimeout
	}
	size := opts.HistorySize
	if size <= 0 {
		size = DefaultHistorySize
	}
	m.events = history.New[guardsuite.SecurityEvent](size)

	// Every event is broadcast; high severity ones also raise an alert
	m.OnEvent(func(ev guardsuite.SecurityEvent) {
		m.hub.Broadcast(stream.EventMessage(ev))
		if ev.Severity == guardsuite.SeverityHigh {
			m.hub.Broadcast(stream.AlertMessage(ev))
		}
	})
	return m
}

// Start begins polling every interval, running one cycle immediately.
// It returns false if the monitor was already running.
func (m *Monitor) Start(interval time.Duration) bool {
	if interval <= 0 {
		interval = DefaultInterval
	}

	m.mu.Lock()
	if m.active {
		m.mu.Unlock()
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.active = true
	m.cancel = cancel
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	log.Printf("[INFO] Security monitoring started (interval=%v, checks=%d)", interval, len(m.checks))
	m.hub.Broadcast(stream.StatusMessage(m.Status()))

	go m.loop(ctx, interval, done)
	return true
}

// Stop cancels the timer and waits for an in-flight cycle to finish.
// It returns false if the monitor was not running. Must not be called
// from an event listener.
func (m *Monitor) Stop() bool {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return false
	}
	m.active = false
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	cancel()
	<-done

	log.Print("[INFO] Security monitoring stopped")
	m.hub.Broadcast(stream.StatusMessage(m.Status()))
	return true
}

// Close stops monitoring and disconnects every subscriber.
func (m *Monitor) Close() {
	m.Stop()
	m.hub.CloseAll()
}

func (m *Monitor) loop(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)

	// The first cycle waits out an in-flight PollNow instead of skipping
	m.poll(ctx, true)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			m.poll(ctx, false)
		}
	}
}

// PollNow runs one cycle outside the timer and returns its events.
func (m *Monitor) PollNow(ctx context.Context) ([]guardsuite.SecurityEvent, error) {
	events, ran := m.poll(ctx, false)
	if !ran {
		return nil, ErrPollInFlight
	}
	return events, nil
}

// poll runs one cycle. Unless wait is set, a cycle that would overlap a
// running one is skipped, never queued.
func (m *Monitor) poll(ctx context.Context, wait bool) (events []guardsuite.SecurityEvent, ran bool) {
	if wait {
		select {
		case m.polling <- struct{}{}:
		case <-ctx.Done():
			return nil, false
		}
	} else {
		select {
		case m.polling <- struct{}{}:
		default:
			if m.debug {
				log.Print("[DEBUG] Skipping poll: previous cycle still running")
			}
			return nil, false
		}
	}
	defer func() { <-m.polling }()

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("%w: %v", guardsuite.ErrCycle, r)
			log.Printf("[ERROR] %v", err)
			m.emitError(err)
			events, ran = nil, true
		}
	}()

	start := time.Now()
	stamp := m.now()
	m.mu.Lock()
	m.lastCheck = stamp
	m.mu.Unlock()

	// A stop during the cycle lets running checks finish
	batches := m.runChecks(context.WithoutCancel(ctx))

	for _, batch := range batches {
		for _, ev := range batch {
			ev.Timestamp = stamp
			if ev.ID == "" {
				ev.ID = m.newID()
			}
			if ev.Details == nil {
				ev.Details = map[string]any{}
			}
			m.events.Push(ev)
			events = append(events, ev)
		}
	}

	for _, ev := range events {
		m.emitEvent(ev)
	}

	if m.debug || len(events) > 0 {
		log.Printf("[INFO] Poll cycle produced %d events in %v", len(events), time.Since(start))
	}
	return events, true
}

// runChecks runs every check concurrently and returns their events in
// check order. Failed checks contribute nothing.
func (m *Monitor) runChecks(ctx context.Context) [][]guardsuite.SecurityEvent {
	batches := make([][]guardsuite.SecurityEvent, len(m.checks))
	var wg sync.WaitGroup
	for i, check := range m.checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			events, err := m.runCheck(ctx, check)
			if err != nil {
				err = fmt.Errorf("%w: %s: %w", guardsuite.ErrCheckRoutine, check.Name(), err)
				log.Printf("[WARN] %v", err)
				m.emitError(err)
				return
			}
			batches[i] = events
		}()
	}
	wg.Wait()
	return batches
}

type checkResult struct {
	err    error
	events []guardsuite.SecurityEvent
}

// runCheck bounds one check by the check timeout even if it ignores ctx.
func (m *Monitor) runCheck(ctx context.Context, check sampler.Check) ([]guardsuite.SecurityEvent, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, m.checkTimeout)
	defer cancel()

	ch := make(chan checkResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- checkResult{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		events, err := check.Run(ctx)
		ch <- checkResult{events: events, err: err}
	}()

	select {
	case res := <-ch:
		if m.debug {
			log.Printf("[DEBUG] Check %s completed in %v (events: %d, err: %v)",
				check.Name(), time.Since(start), len(res.events), res.err)
		}
		return res.events, res.err
	case <-ctx.Done():
		return nil, fmt.Errorf("timed out after %v: %w", m.checkTimeout, ctx.Err())
	}
}

// OnEvent registers an internal listener called once per emitted event.
func (m *Monitor) OnEvent(fn func(guardsuite.SecurityEvent)) {
	m.listenersMu.Lock()
	m.eventListeners = append(m.eventListeners, fn)
	m.listenersMu.Unlock()
}

// OnError registers an internal listener for check and cycle failures.
// Errors never reach external subscribers.
func (m *Monitor) OnError(fn func(error)) {
	m.listenersMu.Lock()
	m.errorListeners = append(m.errorListeners, fn)
	m.listenersMu.Unlock()
}

func (m *Monitor) emitEvent(ev guardsuite.SecurityEvent) {
	m.listenersMu.RLock()
	listeners := append(([]func(guardsuite.SecurityEvent))(nil), m.eventListeners...)
	m.listenersMu.RUnlock()

	for _, fn := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("[ERROR] Event listener panicked on %s: %v", ev.ID, r)
				}
			}()
			fn(ev)
		}()
	}
}

func (m *Monitor) emitError(err error) {
	m.listenersMu.RLock()
	listeners := append(([]func(error))(nil), m.errorListeners...)
	m.listenersMu.RUnlock()

	for _, fn := range listeners {
		fn(err)
	}
}

// AddSubscriber sends sub the current status and then registers it, so the
// status is always its first message. The subscriber is dropped
// automatically when it disconnects.
func (m *Monitor) AddSubscriber(sub stream.Subscriber) error {
	return m.hub.AddWithGreeting(sub, stream.StatusMessage(m.Status()))
}

// RemoveSubscriber deregisters the subscriber with id.
func (m *Monitor) RemoveSubscriber(id string) {
	m.hub.Remove(id)
}

// SubscriberCount returns the number of live subscribers.
func (m *Monitor) SubscriberCount() int {
	return m.hub.Len()
}

// Status returns a snapshot of the monitor state.
func (m *Monitor) Status() guardsuite.MonitoringStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return guardsuite.MonitoringStatus{
		IsActive:  m.active,
		LastCheck: m.lastCheck,
		ActiveMonitors: guardsuite.ActiveMonitors{
			AppBehavior:       true,
			NetworkActivity:   true,
			PermissionChanges: true,
		},
	}
}

// Events returns a copy of the event history, newest first.
func (m *Monitor) Events() []guardsuite.SecurityEvent {
	return m.events.Snapshot()
}
