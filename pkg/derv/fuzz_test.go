// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package derv

import (
	"math/rand"
	"os"
	"strconv"
	"testing"
	"time"
)

// getFuzzRounds returns the number of fuzz rounds from FUZZ_ROUNDS env var, default 1000
func getFuzzRounds() int {
	if envRounds := os.Getenv("FUZZ_ROUNDS"); envRounds != "" {
		if rounds, err := strconv.Atoi(envRounds); err == nil && rounds > 0 {
			return rounds
		}
	}
	return 1000
}

// getFuzzSeed returns the seed from FUZZ_SEED env var, or generates one from current time
func getFuzzSeed() int64 {
	if envSeed := os.Getenv("FUZZ_SEED"); envSeed != "" {
		if seed, err := strconv.ParseInt(envSeed, 10, 64); err == nil {
			return seed
		}
	}
	return time.Now().UnixNano()
}

// newFuzzRng creates a new random number generator and logs the seed for reproducibility
func newFuzzRng(t *testing.T) *rand.Rand {
	seed := getFuzzSeed()
	t.Logf("Seed: %d (reproduce with FUZZ_SEED=%d)", seed, seed)
	return rand.New(rand.NewSource(seed))
}

// randomBytes returns n random bytes biased towards preamble characters
func randomBytes(rng *rand.Rand, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		if rng.Intn(4) == 0 {
			out[i] = Magic[rng.Intn(MagicSize)]
		} else {
			out[i] = byte(rng.Intn(256))
		}
	}
	return out
}

// randomCommand builds a well-formed random controller command
func randomCommand(rng *rand.Rand) *Command {
	addrs := make([]uint16, 1+rng.Intn(MaxAddressCount))
	for i := range addrs {
		addrs[i] = uint16(rng.Intn(0x10000))
	}
	port := uint8(MinPort + rng.Intn(MaxPort))
	switch rng.Intn(6) {
	case 0:
		return NewPing(uint16(rng.Intn(0x10000)))
	case 1:
		return NewVersion()
	case 2:
		return NewGenericRead(uint8(1+rng.Intn(63)), uint8(rng.Intn(MaxDataSize+1)), port, addrs...)
	case 3:
		return NewCalRead(uint8(1+rng.Intn(63)), uint8(rng.Intn(MaxDataSize+1)), port, addrs...)
	case 4:
		payload := randomBytes(rng, rng.Intn(MaxDataSize+1))
		return NewCalSet(uint8(rng.Intn(256)), port, addrs[0], payload)
	default:
		codes := []uint8{CodeTempHum, CodeWind, CodeTach, CodeThermocouple, CodePressure}
		return NewSensorRead(codes[rng.Intn(len(codes))], port, addrs...)
	}
}

// ============================================================
// Decoder Fuzz Tests
// ============================================================

// TestFuzzCommandDecoder_RandomBytes feeds random bytes to the decoder
// and verifies it doesn't crash or panic
func TestFuzzCommandDecoder_RandomBytes(t *testing.T) {
	rounds := getFuzzRounds()
	rng := newFuzzRng(t)
	t.Logf("Running %d fuzz rounds", rounds)

	for i := 0; i < rounds; i++ {
		d := NewCommandDecoder()
		for _, b := range randomBytes(rng, 1+rng.Intn(256)) {
			cmd, err := d.DecodeByte(b)
			if cmd != nil && err != nil {
				t.Fatalf("round %d: decoder returned both a command and an error", i)
			}
			if cmd != nil && cmd.PollsUnits() && (len(cmd.Addresses) == 0 || len(cmd.Addresses) > MaxAddressCount) {
				t.Fatalf("round %d: command with %d addresses", i, len(cmd.Addresses))
			}
		}
	}
}

// TestFuzzCommandDecoder_RoundTrip encodes random commands, prefixes noise
// and verifies each one decodes back intact
func TestFuzzCommandDecoder_RoundTrip(t *testing.T) {
	rounds := getFuzzRounds()
	rng := newFuzzRng(t)

	for i := 0; i < rounds; i++ {
		c := randomCommand(rng)
		data, err := EncodeCommand(c)
		if err != nil {
			t.Fatalf("round %d: encode %s: %v", i, FormatCommand(c), err)
		}

		d := NewCommandDecoder()
		var got *Command
		for _, b := range data {
			cmd, err := d.DecodeByte(b)
			if err != nil {
				t.Fatalf("round %d: decode %s: %v", i, FormatCommand(c), err)
			}
			if cmd != nil {
				got = cmd
			}
		}
		if got == nil || FormatCommand(got) != FormatCommand(c) {
			t.Fatalf("round %d: round trip mismatch for %s", i, FormatCommand(c))
		}
	}
}

// TestFuzzReplyDecoder_RandomBytes verifies the reply decoder never returns
// a reply larger than MaxDataSize or from an unexpected address
func TestFuzzReplyDecoder_RandomBytes(t *testing.T) {
	rounds := getFuzzRounds()
	rng := newFuzzRng(t)

	for i := 0; i < rounds; i++ {
		want := uint16(rng.Intn(4))
		d := NewReplyDecoder(want)
		for _, b := range randomBytes(rng, 1+rng.Intn(256)) {
			r, _ := d.DecodeByte(b)
			if r == nil {
				continue
			}
			if r.Address != want || r.Size() > MaxDataSize {
				t.Fatalf("round %d: unexpected reply %+v", i, r)
			}
		}
	}
}

// TestFuzzReplyDecoder_NoiseThenFrame verifies a valid frame is found after noise
func TestFuzzReplyDecoder_NoiseThenFrame(t *testing.T) {
	rounds := getFuzzRounds()
	rng := newFuzzRng(t)

	for i := 0; i < rounds; i++ {
		addr := uint16(rng.Intn(0x10000))
		data := randomBytes(rng, rng.Intn(MaxDataSize+1))
		frame := MustEncodeReply(addr, uint8(rng.Intn(64)), data)

		// noise without the preamble letters cannot start a frame
		noise := make([]byte, rng.Intn(32))
		for j := range noise {
			noise[j] = byte(0x80 | rng.Intn(0x80))
		}

		d := NewReplyDecoder(addr)
		var got *UnitReply
		for _, b := range append(noise, frame...) {
			if r, _ := d.DecodeByte(b); r != nil {
				got = r
			}
		}
		if got == nil || !got.CRCValid || got.Size() != len(data) {
			t.Fatalf("round %d: frame % X not recovered", i, frame)
		}
	}
}

// TestFuzzReplyAssembler_RandomReplies splits a stream of random hub replies
func TestFuzzReplyAssembler_RandomReplies(t *testing.T) {
	rounds := getFuzzRounds()
	rng := newFuzzRng(t)

	for i := 0; i < rounds; i++ {
		var stream []byte
		n := 1 + rng.Intn(5)
		for j := 0; j < n; j++ {
			switch rng.Intn(3) {
			case 0:
				stream = append(stream, EncodePong(uint16(rng.Intn(0x10000)))...)
			case 1:
				stream = append(stream, EncodeSingleError(ErrorKind(rng.Intn(11)))...)
			default:
				count := 1 + rng.Intn(MaxAddressCount)
				size := rng.Intn(MaxDataSize + 1)
				var errs []ErrorEntry
				for k := 0; k < rng.Intn(count+1); k++ {
					errs = append(errs, ErrorEntry{Kind: ErrKindUnitTimeout, Index: uint8(k + 1)})
				}
				stream = append(stream, EncodeReadings(errs, CodeWind, uint8(count), make([]byte, count*size))...)
			}
		}

		a := NewReplyAssembler()
		frames := 0
		for _, b := range stream {
			frame, err := a.DecodeByte(b)
			if err != nil {
				t.Fatalf("round %d: %v", i, err)
			}
			if frame == nil {
				continue
			}
			frames++
			if _, err := DecodeReply(frame); err != nil {
				t.Fatalf("round %d: decode % X: %v", i, frame, err)
			}
		}
		if frames != n {
			t.Fatalf("round %d: got %d frames, expected %d", i, frames, n)
		}
	}
}
