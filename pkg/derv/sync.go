// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package derv

// MagicHunter matches the preamble one byte at a time.
//
// A byte that breaks a partial match is tested again from position zero, so
// it may itself start the next preamble. No byte is silently dropped.
type MagicHunter struct {
	count int
}

// Feed consumes one byte and reports whether the preamble just completed.
// After completion the hunter stays synced until Reset.
func (h *MagicHunter) Feed(b byte) bool {
	if h.count >= MagicSize {
		return true
	}
	for {
		if b == Magic[h.count] {
			h.count++
			return h.count == MagicSize
		}
		if h.count == 0 {
			return false
		}
		// retry the current byte against the start of the preamble
		h.count = 0
	}
}

// Count returns how many preamble bytes are matched
func (h *MagicHunter) Count() int {
	return h.count
}

// Synced reports whether the whole preamble has been seen
func (h *MagicHunter) Synced() bool {
	return h.count >= MagicSize
}

// Reset returns the hunter to the start of the preamble
func (h *MagicHunter) Reset() {
	h.count = 0
}
