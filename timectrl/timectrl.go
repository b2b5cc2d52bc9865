package timectrl

import (
	"sync"
	"time"
)

// SimClock is an interface for accessing simulation time. Components that
// schedule work against the swarm clock depend on it rather than on the
// concrete controller.
type SimClock interface {
	// Now returns the current simulation time.
	Now() time.Time
	// After returns a channel that receives the simulation time once d has
	// elapsed in simulation time.
	After(d time.Duration) <-chan time.Time
}

// Mode describes how the TimeController advances simulation time.
type Mode int

const (
	// RealTime advances according to wall-clock time.
	RealTime Mode = iota
	// Accelerated advances as quickly as the loop can run while still stepping by Tick.
	Accelerated
)

func (m Mode) String() string {
	if m == Accelerated {
		return "accelerated"
	}
	return "realtime"
}

type timer struct {
	due time.Time
	ch  chan time.Time
}

// TimeController drives simulation time and notifies registered listeners.
// It implements SimClock.
type TimeController struct {
	mu        sync.RWMutex
	StartTime time.Time
	Tick      time.Duration
	Mode      Mode

	// currentTime tracks the current simulation time. It is updated
	// as the controller advances time.
	currentTime time.Time

	listeners []func(time.Time)
	timers    []timer

	stopOnce sync.Once
	stop     chan struct{}
}

// NewTimeController constructs a controller.
func NewTimeController(start time.Time, tick time.Duration, mode Mode) *TimeController {
	return &TimeController{
		StartTime:   start,
		Tick:        tick,
		Mode:        mode,
		currentTime: start,
		stop:        make(chan struct{}),
	}
}

// Now returns the current simulation time. Implements SimClock.
func (tc *TimeController) Now() time.Time {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.currentTime
}

// SetTime jumps simulation time to t and fires any timers that fall due.
// Listeners are not called.
func (tc *TimeController) SetTime(t time.Time) {
	tc.mu.Lock()
	tc.currentTime = t
	due := tc.takeDueLocked(t)
	tc.mu.Unlock()
	fire(due, t)
}

// After returns a channel that receives the simulation time once d has
// elapsed in simulation time. Implements SimClock. A non-positive d fires
// immediately.
func (tc *TimeController) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)

	tc.mu.Lock()
	now := tc.currentTime
	if d <= 0 {
		tc.mu.Unlock()
		ch <- now
		return ch
	}
	tc.timers = append(tc.timers, timer{due: now.Add(d), ch: ch})
	tc.mu.Unlock()
	return ch
}

// AddListener registers a callback invoked on every tick.
func (tc *TimeController) AddListener(fn func(time.Time)) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.listeners = append(tc.listeners, fn)
}

// Stop ends a running Start loop after the current tick. It is safe to call
// more than once.
func (tc *TimeController) Stop() {
	tc.stopOnce.Do(func() { close(tc.stop) })
}

// Start runs the controller for the specified duration in a separate goroutine.
// A zero duration runs until Stop. It returns a channel that is closed when
// the controller finishes.
func (tc *TimeController) Start(duration time.Duration) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)

		tc.mu.Lock()
		simTime := tc.StartTime
		tc.currentTime = simTime
		tc.mu.Unlock()

		elapsed := time.Duration(0)

		var tickC <-chan time.Time
		if tc.Mode == RealTime {
			ticker := time.NewTicker(tc.Tick)
			defer ticker.Stop()
			tickC = ticker.C
		}

		for {
			if duration > 0 && elapsed >= duration {
				return
			}

			if tickC != nil {
				select {
				case <-tickC:
				case <-tc.stop:
					return
				}
			} else {
				select {
				case <-tc.stop:
					return
				default:
				}
			}

			simTime = simTime.Add(tc.Tick)
			elapsed += tc.Tick

			tc.mu.Lock()
			tc.currentTime = simTime
			due := tc.takeDueLocked(simTime)
			listeners := append([]func(time.Time){}, tc.listeners...)
			tc.mu.Unlock()

			fire(due, simTime)
			for _, fn := range listeners {
				fn(simTime)
			}
		}
	}()
	return done
}

// takeDueLocked removes and returns timers due at or before now.
func (tc *TimeController) takeDueLocked(now time.Time) []timer {
	var due []timer
	kept := tc.timers[:0]
	for _, t := range tc.timers {
		if !t.due.After(now) {
			due = append(due, t)
			continue
		}
		kept = append(kept, t)
	}
	tc.timers = kept
	return due
}

func fire(due []timer, now time.Time) {
	for _, t := range due {
		t.ch <- now
	}
}
