// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Thermoquad/derv/internal/sink"
	"github.com/Thermoquad/derv/pkg/derv"
)

var (
	monitorCode     uint8
	monitorSegment  uint8
	monitorAddrs    string
	monitorInterval time.Duration
	monitorSink     string
	monitorShowAll  bool
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Poll units through the hub and display live readings",
	Long: `Poll a set of addresses at a fixed rate and show the latest reading, error
and counters for each address, with reply statistics and an event log.

With --sink redis every polled slot is appended to the sink.redis.stream
stream (XADD, capped at sink.redis.maxLen).

Press 'q' to quit.`,
	RunE: runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)
	monitorCmd.Flags().Uint8Var(&monitorCode, "code", derv.CodeTempHum, "Sensor code to poll")
	monitorCmd.Flags().Uint8VarP(&monitorSegment, "segment", "s", 1, "Hub bus segment (1-6)")
	monitorCmd.Flags().StringVarP(&monitorAddrs, "addr", "a", "1", "Unit addresses, e.g. 1,2,10-14")
	monitorCmd.Flags().DurationVar(&monitorInterval, "interval", time.Second, "Time between polls")
	monitorCmd.Flags().StringVar(&monitorSink, "sink", "none", "Readings sink: none or redis")
	monitorCmd.Flags().BoolVar(&monitorShowAll, "show-all", false, "Log every reply, not only failures")
}

func openSink() (sink.Sink, error) {
	switch monitorSink {
	case "", "none":
		return sink.Nop{}, nil
	case "redis":
		return sink.NewRedis(cfg.Sink.Redis, logger.Named("sink"))
	}
	return nil, fmt.Errorf("unknown sink %q (use none or redis)", monitorSink)
}

// poll runs until ctx is done, handing every exchange to send
func poll(ctx context.Context, client *hubClient, c *derv.Command, every time.Duration, out sink.Sink, send func(tea.Msg)) {
	limiter := rate.NewLimiter(rate.Every(every), 1)
	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		start := time.Now()
		r, _, err := client.Exchange(ctx, c)
		if ctx.Err() != nil {
			return
		}
		msg := pollMsg{at: time.Now(), rtt: time.Since(start), reply: r, err: err}
		if err == nil {
			msg.validation = derv.ValidateReply(c, r)
			if serr := out.Publish(ctx, sink.FromReply(c, r, msg.at)); serr != nil {
				logger.Warn("sink publish failed", zap.Error(serr))
				msg.sinkErr = serr
			}
		}
		send(msg)
	}
}

func runMonitor(cmd *cobra.Command, args []string) error {
	addrs, err := parseAddrs(monitorAddrs)
	if err != nil {
		return err
	}
	if len(addrs) == 0 {
		return fmt.Errorf("--addr is required")
	}
	c := derv.NewSensorRead(monitorCode, monitorSegment, addrs...)
	if _, ok := c.DataSize(); !ok {
		return fmt.Errorf("code %d has no fixed size, use query generic", monitorCode)
	}

	out, err := openSink()
	if err != nil {
		return err
	}
	defer out.Close()

	conn, connInfo, err := OpenConnection()
	if err != nil {
		return err
	}
	client := newHubClient(conn)
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := newMonitorModel(connInfo, c, monitorInterval, monitorShowAll)
	p := tea.NewProgram(m, tea.WithAltScreen())
	go poll(ctx, client, c, monitorInterval, out, p.Send)

	_, err = p.Run()
	return err
}
