// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Thermoquad/derv/pkg/derv"
)

var rawLogCmd = &cobra.Command{
	Use:   "raw_log",
	Short: "Sniff a unit bus and print every unit reply",
	Long: `Continuously decode and display unit reply frames seen on a DERV segment.

Connect a receive-only adapter to the segment (--port, default hub.bus). Each
reply is printed with its timestamp, address, code, payload and CRC status.
Hub query frames carry no size field; they are skipped and the decoder
resynchronizes on the following preamble.`,
	RunE: runRawLog,
}

func init() {
	rootCmd.AddCommand(rawLogCmd)
}

// sniffer wraps a sniff decoder so a query frame never swallows the preamble
// of the reply that follows it
type sniffer struct {
	dec     *derv.ReplyDecoder
	skipped int
}

func newSniffer() *sniffer {
	return &sniffer{dec: derv.NewSniffDecoder()}
}

func (s *sniffer) DecodeByte(b byte) *derv.UnitReply {
	r, err := s.dec.DecodeByte(b)
	if errors.Is(err, derv.ErrReplySizeTooLarge) {
		// a query frame ended and b belongs to the next frame
		s.skipped++
		r, _ = s.dec.DecodeByte(b)
	}
	return r
}

func runRawLog(cmd *cobra.Command, args []string) error {
	sc := serialOverride(cfg.Hub.Bus)
	conn, err := OpenSerial(sc)
	if err != nil {
		return err
	}
	defer conn.Close()

	fmt.Printf("derv - Raw Bus Log\n")
	fmt.Printf("Connection: Serial: %s @ %d baud\n", sc.Port, sc.Baud)
	fmt.Printf("Press Ctrl+C to exit\n\n")

	s := newSniffer()
	buf := make([]byte, 128)

	for {
		n, err := conn.Read(buf)
		if err != nil {
			logger.Warn("bus read failed", zap.Error(err), zap.Int("skipped_queries", s.skipped))
			return nil
		}

		for i := 0; i < n; i++ {
			if r := s.DecodeByte(buf[i]); r != nil {
				fmt.Println(derv.FormatUnitReply(r))
			}
		}
	}
}
