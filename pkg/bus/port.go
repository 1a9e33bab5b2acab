// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bus

import "io"

// Drainer is implemented by ports that can wait for their transmit buffer to
// empty. go.bug.st/serial ports do.
type Drainer interface {
	Drain() error
}

// Drain waits for w to finish transmitting when it supports it
func Drain(w io.Writer) error {
	if d, ok := w.(Drainer); ok {
		return d.Drain()
	}
	return nil
}
