// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Thermoquad/derv/pkg/derv"
)

var (
	queryCode    uint8
	querySegment uint8
	queryAddrs   string
	querySize    uint8
	queryValue   uint16
	queryPayload string
	queryOutput  string
)

var queryCmd = &cobra.Command{
	Use:   "query <read|generic|cal-read|cal-set|ping|version>",
	Short: "Send one controller command to a hub and print the reply",
	Long: `Send one controller command and decode, validate and print the hub reply.

Kinds:
  read      direct sensor read of --code (1, 2, 3, 6, 7) on --segment for --addr
  generic   generic read (25) of inner --code with --size bytes per address
  cal-read  calibration read (64) of inner --code with --size bytes per address
  cal-set   calibration write (65) of inner --code with --payload to one --addr
  ping      ping with --value; the hub answers value+1
  version   hub firmware version

Addresses are a comma separated list with optional ranges: --addr 1,2,10-14

Examples:
  derv query read --port /dev/ttyUSB0 --code 1 --segment 1 --addr 1,2,3
  derv query generic --url ws://localhost:8765/ws --code 63 --size 2 --segment 1 --addr 1
  derv query cal-set --code 8 --segment 1 --addr 4 --payload 01020304 -o yaml`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"read", "generic", "cal-read", "cal-set", "ping", "version"},
	RunE:      runQuery,
}

func init() {
	rootCmd.AddCommand(queryCmd)
	queryCmd.Flags().Uint8Var(&queryCode, "code", derv.CodeTempHum, "Sensor or inner code")
	queryCmd.Flags().Uint8VarP(&querySegment, "segment", "s", 1, "Hub bus segment (1-6)")
	queryCmd.Flags().StringVarP(&queryAddrs, "addr", "a", "", "Unit addresses, e.g. 1,2,10-14")
	queryCmd.Flags().Uint8Var(&querySize, "size", 2, "Bytes per address (generic and cal-read)")
	queryCmd.Flags().Uint16Var(&queryValue, "value", 1000, "Ping value")
	queryCmd.Flags().StringVar(&queryPayload, "payload", "", "Calibration payload in hex (cal-set)")
	queryCmd.Flags().StringVarP(&queryOutput, "output", "o", "text", "Output format: text, json or yaml")
}

// parseAddrs parses "1,2,10-14" into an address list
func parseAddrs(s string) ([]uint16, error) {
	var out []uint16
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lo, hi, isRange := strings.Cut(part, "-")
		first, err := strconv.ParseUint(lo, 0, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid address %q", part)
		}
		last := first
		if isRange {
			last, err = strconv.ParseUint(hi, 0, 16)
			if err != nil || last < first {
				return nil, fmt.Errorf("invalid address range %q", part)
			}
		}
		for a := first; a <= last; a++ {
			out = append(out, uint16(a))
		}
	}
	if len(out) > derv.MaxAddressCount {
		return nil, fmt.Errorf("%d addresses given, a command takes at most %d", len(out), derv.MaxAddressCount)
	}
	return out, nil
}

// buildCommand creates the command for a query kind from the flag values
func buildCommand(kind string) (*derv.Command, error) {
	switch kind {
	case "ping":
		return derv.NewPing(queryValue), nil
	case "version":
		return derv.NewVersion(), nil
	}

	addrs, err := parseAddrs(queryAddrs)
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("--addr is required for %s", kind)
	}

	switch kind {
	case "read":
		return derv.NewSensorRead(queryCode, querySegment, addrs...), nil
	case "generic":
		return derv.NewGenericRead(queryCode, querySize, querySegment, addrs...), nil
	case "cal-read":
		return derv.NewCalRead(queryCode, querySize, querySegment, addrs...), nil
	case "cal-set":
		if len(addrs) != 1 {
			return nil, fmt.Errorf("cal-set takes exactly one address")
		}
		payload, err := hex.DecodeString(queryPayload)
		if err != nil {
			return nil, fmt.Errorf("invalid --payload: %w", err)
		}
		return derv.NewCalSet(queryCode, querySegment, addrs[0], payload), nil
	}
	return nil, fmt.Errorf("unknown query kind %q", kind)
}

type slotResult struct {
	Index   int    `json:"index" yaml:"index"`
	Address uint16 `json:"address" yaml:"address"`
	Data    string `json:"data" yaml:"data"`
	Decoded string `json:"decoded,omitempty" yaml:"decoded,omitempty"`
	Error   string `json:"error,omitempty" yaml:"error,omitempty"`
}

type queryResult struct {
	Command   string       `json:"command" yaml:"command"`
	Reply     string       `json:"reply" yaml:"reply"`
	Value     *uint16      `json:"value,omitempty" yaml:"value,omitempty"`
	EchoCode  *uint8       `json:"echo_code,omitempty" yaml:"echo_code,omitempty"`
	Readings  []slotResult `json:"readings,omitempty" yaml:"readings,omitempty"`
	Errors    []string     `json:"errors,omitempty" yaml:"errors,omitempty"`
	Anomalies []string     `json:"anomalies,omitempty" yaml:"anomalies,omitempty"`
	Raw       string       `json:"raw" yaml:"raw"`
}

func buildResult(c *derv.Command, r *derv.Reply, frame []byte) queryResult {
	res := queryResult{
		Command: derv.FormatCommand(c),
		Reply:   derv.FormatReplyCode(r.Code),
		Raw:     hex.EncodeToString(frame),
	}
	if r.Code == 0 {
		res.Reply = "ERROR"
	}

	switch r.Code {
	case derv.ReplyPong, derv.ReplyVersion:
		v := r.Value
		res.Value = &v
	case derv.ReplyReadings:
		echo := r.EchoCode
		res.EchoCode = &echo
		for i := 0; i < int(r.Count); i++ {
			slot := slotResult{Index: i + 1, Data: hex.EncodeToString(r.Slot(i))}
			if i < len(c.Addresses) {
				slot.Address = c.Addresses[i]
			}
			if kind, failed := r.ErrorFor(uint8(i + 1)); failed {
				slot.Error = kind.String()
			} else {
				slot.Decoded = derv.FormatReading(r.EchoCode, r.Slot(i))
			}
			res.Readings = append(res.Readings, slot)
		}
	}

	if r.Code != derv.ReplyReadings {
		for _, e := range r.Errors {
			res.Errors = append(res.Errors, e.Kind.String())
		}
	}
	for _, v := range derv.ValidateReply(c, r) {
		res.Anomalies = append(res.Anomalies, v.Message)
	}
	return res
}

func writeResult(w io.Writer, format string, res queryResult) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	case "yaml":
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return enc.Encode(res)
	case "text":
	default:
		return fmt.Errorf("unknown output format %q", format)
	}

	fmt.Fprintf(w, "Command: %s\n", res.Command)
	fmt.Fprintf(w, "Reply:   %s\n", res.Reply)
	if res.Value != nil {
		fmt.Fprintf(w, "Value:   %d\n", *res.Value)
	}
	for _, s := range res.Readings {
		if s.Error != "" {
			fmt.Fprintf(w, "  [%2d] addr=%-5d %s\n", s.Index, s.Address, s.Error)
			continue
		}
		fmt.Fprintf(w, "  [%2d] addr=%-5d %s (%s)\n", s.Index, s.Address, s.Decoded, s.Data)
	}
	for _, e := range res.Errors {
		fmt.Fprintf(w, "Error:   %s\n", e)
	}
	for _, a := range res.Anomalies {
		fmt.Fprintf(w, "WARNING: %s\n", a)
	}
	fmt.Fprintf(w, "Raw:     %s\n", res.Raw)
	return nil
}

func runQuery(cmd *cobra.Command, args []string) error {
	c, err := buildCommand(args[0])
	if err != nil {
		return err
	}

	conn, connInfo, err := OpenConnection()
	if err != nil {
		return err
	}
	client := newHubClient(conn)
	defer client.Close()

	if queryOutput == "text" {
		fmt.Printf("Connection: %s\n", connInfo)
	}

	ctx, stop := signalContext()
	defer stop()
	r, frame, err := client.Exchange(ctx, c)
	if err != nil {
		return err
	}
	return writeResult(os.Stdout, queryOutput, buildResult(c, r, frame))
}

