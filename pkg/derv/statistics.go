// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package derv

import (
	"errors"
	"fmt"
	"time"
)

// Statistics tracks reply statistics and error rates
type Statistics struct {
	StartTime      time.Time
	LastUpdateTime time.Time

	// Counters
	TotalReplies   uint64
	ValidReplies   uint64
	DecodeErrors   uint64
	Anomalies      uint64
	UnitTimeouts   uint64
	CRCErrors      uint64
	MissingFeature uint64
	BadRxSize      uint64
	OtherErrors    uint64

	// Rates (calculated)
	ReplyRate float64 // replies/sec
	ErrorRate float64 // errors/sec
}

// NewStatistics creates a new statistics tracker
func NewStatistics() *Statistics {
	now := time.Now()
	return &Statistics{
		StartTime:      now,
		LastUpdateTime: now,
	}
}

// Update updates statistics based on a reply and its errors
func (s *Statistics) Update(r *Reply, decodeErr error, validationErrors []ValidationError) {
	s.TotalReplies++
	s.LastUpdateTime = time.Now()

	if decodeErr != nil || r == nil {
		s.DecodeErrors++
		return
	}

	for _, e := range r.Errors {
		switch e.Kind {
		case ErrKindUnitTimeout:
			s.UnitTimeouts++
		case ErrKindBadCRC:
			s.CRCErrors++
		case ErrKindMissingFeature:
			s.MissingFeature++
		case ErrKindBadUnitRxSize:
			s.BadRxSize++
		default:
			s.OtherErrors++
		}
	}

	clean := true
	for _, v := range validationErrors {
		if v.Type != AnomalyUnitError {
			s.Anomalies++
			clean = false
		}
	}
	if clean && !r.HasErrors() {
		s.ValidReplies++
	}
}

// IsDecodeError reports whether err came out of reply decoding
func IsDecodeError(err error) bool {
	return errors.Is(err, ErrShortReply) || errors.Is(err, ErrBadLength) || errors.Is(err, ErrBadReplyCode)
}

// CalculateRates calculates reply and error rates
func (s *Statistics) CalculateRates() {
	elapsed := time.Since(s.StartTime).Seconds()
	if elapsed > 0 {
		s.ReplyRate = float64(s.TotalReplies) / elapsed
		errorCount := s.DecodeErrors + s.Anomalies + s.UnitTimeouts + s.CRCErrors +
			s.MissingFeature + s.BadRxSize + s.OtherErrors
		s.ErrorRate = float64(errorCount) / elapsed
	}
}

// String returns a formatted statistics summary
func (s *Statistics) String() string {
	s.CalculateRates()

	var validPercent float64
	if s.TotalReplies > 0 {
		validPercent = float64(s.ValidReplies) * 100.0 / float64(s.TotalReplies)
	}

	elapsed := time.Since(s.StartTime)

	result := fmt.Sprintf("=== Statistics (%.0f seconds) ===\n", elapsed.Seconds())
	result += fmt.Sprintf("Total Replies:   %8d\n", s.TotalReplies)
	result += fmt.Sprintf("Clean Replies:   %8d (%.1f%%)\n", s.ValidReplies, validPercent)

	if s.DecodeErrors > 0 {
		result += fmt.Sprintf("Decode Errors:   %8d\n", s.DecodeErrors)
	}
	if s.Anomalies > 0 {
		result += fmt.Sprintf("Anomalies:       %8d\n", s.Anomalies)
	}
	if s.UnitTimeouts > 0 {
		result += fmt.Sprintf("Unit Timeouts:   %8d\n", s.UnitTimeouts)
	}
	if s.CRCErrors > 0 {
		result += fmt.Sprintf("CRC Errors:      %8d\n", s.CRCErrors)
	}
	if s.MissingFeature > 0 {
		result += fmt.Sprintf("Missing Feature: %8d\n", s.MissingFeature)
	}
	if s.BadRxSize > 0 {
		result += fmt.Sprintf("Bad Rx Size:     %8d\n", s.BadRxSize)
	}
	if s.OtherErrors > 0 {
		result += fmt.Sprintf("Other Errors:    %8d\n", s.OtherErrors)
	}

	result += fmt.Sprintf("Reply Rate:      %8.1f replies/sec\n", s.ReplyRate)
	result += fmt.Sprintf("Error Rate:      %8.1f errors/sec\n", s.ErrorRate)
	result += "================================\n"

	return result
}

// Reset resets all statistics counters
func (s *Statistics) Reset() {
	*s = *NewStatistics()
}
