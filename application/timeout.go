package application

import (
	"sync"
	"time"
)

// timerWheel is a per-poll timer queue keyed by poll identifier. One
// time.Timer is armed for the earliest entry; firing posts the due poll
// identifiers through the fire callback, which re-enters the manager
// mailbox. Setting an identifier again overwrites its next-fire time, so a
// re-registered poll never sees a stale deadline. Handlers still guard with
// a freshness check because a fire may race a concurrent Set or Cancel.
type timerWheel struct {
	name string
	fire func(pollID int64)

	mu      sync.Mutex
	entries map[int64]time.Time
	timer   *time.Timer
	stopped bool
}

func newTimerWheel(name string, fire func(pollID int64)) *timerWheel {
	return &timerWheel{
		name:    name,
		fire:    fire,
		entries: make(map[int64]time.Time),
	}
}

func (w *timerWheel) Set(pollID int64, at time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.entries[pollID] = at
	w.reschedule()
}

func (w *timerWheel) Cancel(pollID int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if _, ok := w.entries[pollID]; !ok {
		return
	}
	delete(w.entries, pollID)
	w.reschedule()
}

func (w *timerWheel) Has(pollID int64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.entries[pollID]
	return ok
}

func (w *timerWheel) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.entries = nil
}

// reschedule arms the wheel for its earliest entry. Callers hold w.mu.
func (w *timerWheel) reschedule() {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	var earliest time.Time
	found := false
	for _, at := range w.entries {
		if !found || at.Before(earliest) {
			earliest = at
			found = true
		}
	}
	if !found {
		return
	}
	delay := time.Until(earliest)
	if delay < 0 {
		delay = 0
	}
	w.timer = time.AfterFunc(delay, w.onTimer)
}

func (w *timerWheel) onTimer() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	now := time.Now()
	var due []int64
	for pollID, at := range w.entries {
		if !at.After(now) {
			due = append(due, pollID)
			delete(w.entries, pollID)
		}
	}
	w.reschedule()
	w.mu.Unlock()

	for _, pollID := range due {
		w.fire(pollID)
	}
}
