// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/derv/pkg/derv"
)

var (
	scanSegments []uint
	scanFrom     uint16
	scanTo       uint16
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Discover units by reading their firmware version",
	Long: `Scan an address range on one or more segments with generic reads of the
unit version (code 63), 32 addresses per command.

Every address that answers is listed with its firmware version. Addresses that
time out are skipped. With the default 4s unit timeout a full chunk of empty
addresses takes more than two minutes, so keep ranges small on sparse buses.

Exit codes:
  0 - At least one unit found
  1 - No unit answered
  2 - Connection error`,
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)
	scanCmd.Flags().UintSliceVarP(&scanSegments, "segment", "s", []uint{1}, "Segments to scan")
	scanCmd.Flags().Uint16Var(&scanFrom, "from", 1, "First address")
	scanCmd.Flags().Uint16Var(&scanTo, "to", 32, "Last address")
}

type scanHit struct {
	segment uint8
	address uint16
	version uint16
}

// scanChunks splits an inclusive address range into command sized lists
func scanChunks(from, to uint16) [][]uint16 {
	var chunks [][]uint16
	var cur []uint16
	for a := uint32(from); a <= uint32(to); a++ {
		cur = append(cur, uint16(a))
		if len(cur) == derv.MaxAddressCount {
			chunks = append(chunks, cur)
			cur = nil
		}
	}
	if len(cur) > 0 {
		chunks = append(chunks, cur)
	}
	return chunks
}

// scanHits extracts the answering units from a version read reply
func scanHits(segment uint8, addrs []uint16, r *derv.Reply) []scanHit {
	var hits []scanHit
	for i, addr := range addrs {
		if _, failed := r.ErrorFor(uint8(i + 1)); failed {
			continue
		}
		slot := r.Slot(i)
		if len(slot) != 2 {
			continue
		}
		hits = append(hits, scanHit{segment: segment, address: addr, version: uint16(slot[0]) | uint16(slot[1])<<8})
	}
	return hits
}

func runScan(cmd *cobra.Command, args []string) error {
	if scanTo < scanFrom {
		return fmt.Errorf("--to %d is below --from %d", scanTo, scanFrom)
	}

	conn, connInfo, err := OpenConnection()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	client := newHubClient(conn)
	defer client.Close()

	fmt.Printf("derv - Unit Scan\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Range: %d-%d on segments %v\n\n", scanFrom, scanTo, scanSegments)

	ctx, stop := signalContext()
	defer stop()

	var found []scanHit
	for _, seg := range scanSegments {
		segment := uint8(seg)
		for _, addrs := range scanChunks(scanFrom, scanTo) {
			fmt.Printf("Segment %d: addresses %d-%d...\n", segment, addrs[0], addrs[len(addrs)-1])
			c := derv.NewGenericRead(derv.CodeUnitVersion, 2, segment, addrs...)
			r, _, err := client.Exchange(ctx, c)
			if err != nil {
				if errors.Is(err, ErrReplyTimeout) {
					fmt.Printf("  hub did not answer\n")
					continue
				}
				fmt.Fprintf(os.Stderr, "Read error: %v\n", err)
				os.Exit(2)
			}
			for _, a := range derv.ValidateReply(c, r) {
				if a.Type == derv.AnomalyUnitError {
					continue
				}
				fmt.Printf("  WARNING: %s\n", a.Message)
			}
			for _, h := range scanHits(segment, addrs, r) {
				fmt.Printf("  unit found: addr=%d version=%d\n", h.address, h.version)
				found = append(found, h)
			}
		}
	}

	fmt.Printf("\n--- scan summary ---\n")
	fmt.Printf("Units found: %d\n", len(found))
	if len(found) == 0 {
		fmt.Printf("No units answered. Check segment wiring and unit power.\n")
		os.Exit(1)
	}
	return nil
}
