// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package watchdog

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatchdog_Expires(t *testing.T) {
	var fired atomic.Int32
	w := New(20*time.Millisecond, func() { fired.Add(1) })
	defer w.Stop()

	require.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, time.Millisecond)
	assert.True(t, w.Expired())

	// expiry is reported once
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), fired.Load())
}

func TestWatchdog_KickKeepsAlive(t *testing.T) {
	var fired atomic.Int32
	w := New(50*time.Millisecond, func() { fired.Add(1) })
	defer w.Stop()

	for i := 0; i < 10; i++ {
		time.Sleep(10 * time.Millisecond)
		w.Kick()
	}
	assert.Equal(t, int32(0), fired.Load())
	assert.Equal(t, uint64(10), w.Kicks())
	assert.False(t, w.Expired())
}

func TestWatchdog_Stop(t *testing.T) {
	var fired atomic.Int32
	w := New(10*time.Millisecond, func() { fired.Add(1) })
	w.Stop()
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())

	w.Kick()
	assert.Equal(t, uint64(0), w.Kicks())
}

func TestWatchdog_NilSafe(t *testing.T) {
	var w *Watchdog
	assert.NotPanics(t, func() {
		w.Kick()
		w.Stop()
	})
}
