// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/derv/pkg/bus"
	"github.com/Thermoquad/derv/pkg/derv"
)

var (
	addressNew     uint16
	addressSegment uint8
)

var addressCmd = &cobra.Command{
	Use:   "address",
	Short: "Assign a new address to a factory-fresh unit",
	Long: `Send the change-address frame directly on a unit bus.

Only units still at address 0 act on it, so connect the new unit alone on the
segment. The bus is --port (default hub.bus); --segment is enabled through
hub.lines exactly as the hub does before a query. The unit stores the address
and does not reply; verify with: derv query generic --code 63 --size 2 --addr <new>`,
	RunE: runAddress,
}

func init() {
	rootCmd.AddCommand(addressCmd)
	addressCmd.Flags().Uint16Var(&addressNew, "new", 0, "Address to assign")
	addressCmd.Flags().Uint8VarP(&addressSegment, "segment", "s", 1, "Hub bus segment (1-6)")
	_ = addressCmd.MarkFlagRequired("new")
}

// sendChangeAddress transmits the broadcast on one segment and leaves every
// segment disabled afterwards
func sendChangeAddress(w io.Writer, mux *bus.Multiplexer, segment uint8, addr uint16) ([]byte, error) {
	if err := mux.Select(segment); err != nil {
		return nil, err
	}
	frame := derv.EncodeChangeAddress(addr)
	_, err := w.Write(frame)
	if err == nil {
		err = bus.Drain(w)
	}
	if derr := mux.DeselectAll(); err == nil {
		err = derr
	}
	if err != nil {
		return nil, fmt.Errorf("failed to send change-address: %w", err)
	}
	return frame, nil
}

func runAddress(cmd *cobra.Command, args []string) error {
	sc := serialOverride(cfg.Hub.Bus)
	conn, err := OpenSerial(sc)
	if err != nil {
		return err
	}
	defer conn.Close()

	segments, lines, err := hubSegments(cfg.Hub.Lines, conn)
	if err != nil {
		return err
	}
	defer lines.Close()

	mux, err := bus.NewMultiplexer(segments, logger.Named("mux"))
	if err != nil {
		return err
	}

	frame, err := sendChangeAddress(conn, mux, addressSegment, addressNew)
	if err != nil {
		return err
	}

	fmt.Printf("Sent change-address to %d on %s segment %d: % X\n", addressNew, sc.Port, addressSegment, frame)
	// give the unit time to persist before the port closes
	time.Sleep(100 * time.Millisecond)
	return nil
}
