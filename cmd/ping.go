// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/derv/pkg/derv"
)

var (
	pingTimeout int
	pingCount   int
	pingValue   uint16
)

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Test the controller link by pinging the hub",
	Long: `Send ping commands to the hub and check every pong carries value+1.

The hub answers pings itself without touching the unit bus, so this tests the
controller link and the hub parser only.

Exit codes:
  0 - All pings answered correctly
  1 - A ping timed out or was answered with the wrong value
  2 - Connection error`,
	RunE: runPing,
}

func init() {
	rootCmd.AddCommand(pingCmd)
	pingCmd.Flags().IntVar(&pingTimeout, "timeout", 2, "Timeout in seconds for each ping")
	pingCmd.Flags().IntVar(&pingCount, "count", 3, "Number of pings to send")
	pingCmd.Flags().Uint16Var(&pingValue, "value", 1000, "First ping value; later pings increment it")
}

func runPing(cmd *cobra.Command, args []string) error {
	conn, connInfo, err := OpenConnection()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	client := newHubClient(conn)
	defer client.Close()

	fmt.Printf("derv - Hub Ping\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Timeout: %d seconds per ping\n\n", pingTimeout)

	ctx, stop := signalContext()
	defer stop()

	failures := 0
	for i := 0; i < pingCount; i++ {
		value := pingValue + uint16(i)
		c := derv.NewPing(value)
		data, _ := derv.EncodeCommand(c)

		start := time.Now()
		frame, err := client.Roundtrip(ctx, data, time.Duration(pingTimeout)*time.Second)
		rtt := time.Since(start)
		if err != nil {
			if errors.Is(err, ErrReplyTimeout) {
				fmt.Printf("ping %d: TIMEOUT\n", value)
				failures++
				continue
			}
			fmt.Fprintf(os.Stderr, "Read error: %v\n", err)
			os.Exit(2)
		}

		r, err := derv.DecodeReply(frame)
		if err != nil {
			fmt.Printf("ping %d: bad reply: %v\n", value, err)
			failures++
			continue
		}
		if anomalies := derv.ValidateReply(c, r); len(anomalies) > 0 {
			fmt.Printf("ping %d: %s\n", value, anomalies[0].Message)
			failures++
			continue
		}
		fmt.Printf("ping %d: pong %d in %s\n", value, r.Value, rtt.Round(time.Microsecond))
	}

	fmt.Printf("\n--- ping summary ---\n")
	fmt.Printf("%d sent, %d ok, %d failed\n", pingCount, pingCount-failures, failures)
	if failures > 0 {
		os.Exit(1)
	}
	return nil
}
