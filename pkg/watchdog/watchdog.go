// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package watchdog provides a liveness deadline that the owning loop must
// service. Missing the deadline is fatal to the device.
package watchdog

import (
	"sync"
	"time"
)

// Watchdog fires its expiry callback once if Kick is not called within the
// timeout.
type Watchdog struct {
	mu       sync.Mutex
	timeout  time.Duration
	timer    *time.Timer
	onExpire func()
	kicks    uint64
	expired  bool
	stopped  bool
}

// New arms a watchdog. onExpire runs on its own goroutine.
func New(timeout time.Duration, onExpire func()) *Watchdog {
	w := &Watchdog{timeout: timeout, onExpire: onExpire}
	w.timer = time.AfterFunc(timeout, w.expire)
	return w
}

func (w *Watchdog) expire() {
	w.mu.Lock()
	if w.stopped || w.expired {
		w.mu.Unlock()
		return
	}
	w.expired = true
	fn := w.onExpire
	w.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Kick restarts the deadline. Kicking an expired or stopped watchdog does nothing.
func (w *Watchdog) Kick() {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped || w.expired {
		return
	}
	w.kicks++
	w.timer.Reset(w.timeout)
}

// Stop disarms the watchdog
func (w *Watchdog) Stop() {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	w.timer.Stop()
}

// Kicks returns how many times the deadline was serviced
func (w *Watchdog) Kicks() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.kicks
}

// Expired reports whether the deadline was missed
func (w *Watchdog) Expired() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.expired
}
