// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Thermoquad/derv/pkg/bus"
	"github.com/Thermoquad/derv/pkg/derv"
)

// ErrReplyTimeout is returned when the hub does not answer in time
var ErrReplyTimeout = errors.New("no reply from hub")

// hubClient is the controller end of a hub link. One command is in flight
// at a time, as the hub requires.
type hubClient struct {
	conn     Connection
	rx       *bus.Queue
	base     time.Duration
	perUnit  time.Duration
	assemble *derv.ReplyAssembler
}

func newHubClient(conn Connection) *hubClient {
	return &hubClient{
		conn:     conn,
		rx:       bus.NewQueue(conn, 0),
		base:     cfg.Client.Timeout,
		perUnit:  cfg.Hub.UnitTimeout,
		assemble: derv.NewReplyAssembler(),
	}
}

func (c *hubClient) Close() error {
	c.rx.Stop()
	return c.conn.Close()
}

// budget is the longest a hub may legitimately take for cmd
func (c *hubClient) budget(cmd *derv.Command) time.Duration {
	if !cmd.PollsUnits() {
		return c.base
	}
	return c.base + time.Duration(len(cmd.Addresses))*c.perUnit
}

// Exchange sends cmd and returns the decoded reply and its raw frame
func (c *hubClient) Exchange(ctx context.Context, cmd *derv.Command) (*derv.Reply, []byte, error) {
	data, err := derv.EncodeCommand(cmd)
	if err != nil {
		return nil, nil, err
	}
	frame, err := c.Roundtrip(ctx, data, c.budget(cmd))
	if err != nil {
		return nil, nil, err
	}
	r, err := derv.DecodeReply(frame)
	return r, frame, err
}

// Roundtrip writes raw command bytes and waits for one reply frame
func (c *hubClient) Roundtrip(ctx context.Context, data []byte, timeout time.Duration) ([]byte, error) {
	c.rx.Flush()
	c.assemble.Reset()
	if _, err := c.conn.Write(data); err != nil {
		return nil, fmt.Errorf("write failed: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, fmt.Errorf("%w within %s", ErrReplyTimeout, timeout)
		case b, ok := <-c.rx.Bytes():
			if !ok {
				if err := c.rx.Err(); err != nil {
					return nil, fmt.Errorf("read failed: %w", err)
				}
				return nil, ErrConnectionClosed
			}
			frame, err := c.assemble.DecodeByte(b)
			if err != nil {
				return nil, err
			}
			if frame != nil {
				return frame, nil
			}
		}
	}
}
