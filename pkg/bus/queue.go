// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package bus holds the RS-485 plumbing shared by the Hub and the Units:
// the received-byte hand-off queue, direction-control lines, the six
// segment multiplexer and an in-memory half-duplex medium.
package bus

import (
	"io"
	"sync"
)

// DefaultQueueSize is the receive queue depth used when none is given
const DefaultQueueSize = 1024

// Queue hands bytes read by a single reader goroutine to a single consumer
// loop. The consumer owns all parser state; the reader only produces.
type Queue struct {
	ch   chan byte
	err  error
	once sync.Once
	done chan struct{}
}

// NewQueue starts reading r into a queue of the given depth.
// The channel returned by Bytes is closed when r returns an error.
func NewQueue(r io.Reader, size int) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	q := &Queue{
		ch:   make(chan byte, size),
		done: make(chan struct{}),
	}
	go q.readLoop(r)
	return q
}

func (q *Queue) readLoop(r io.Reader) {
	buf := make([]byte, 256)
	defer close(q.ch)
	for {
		n, err := r.Read(buf)
		for i := 0; i < n; i++ {
			select {
			case q.ch <- buf[i]:
			case <-q.done:
				return
			}
		}
		if err != nil {
			q.err = err
			return
		}
	}
}

// Bytes returns the receive channel
func (q *Queue) Bytes() <-chan byte {
	return q.ch
}

// Flush discards every byte currently queued and returns the count
func (q *Queue) Flush() int {
	n := 0
	for {
		select {
		case _, ok := <-q.ch:
			if !ok {
				return n
			}
			n++
		default:
			return n
		}
	}
}

// Err returns the read error that ended the queue. Only valid after the
// Bytes channel has been closed.
func (q *Queue) Err() error {
	return q.err
}

// Stop makes the reader goroutine exit at its next delivery. It does not
// interrupt a blocked Read; close the underlying reader for that.
func (q *Queue) Stop() {
	q.once.Do(func() { close(q.done) })
}
