// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package derv

import "fmt"

// AnomalyType represents different types of reply anomalies
type AnomalyType int

const (
	AnomalyWrongReplyCode AnomalyType = iota
	AnomalyEchoMismatch
	AnomalyCountMismatch
	AnomalySizeMismatch
	AnomalyUnitError
	AnomalyPongMismatch
)

// ValidationError represents a reply validation failure
type ValidationError struct {
	Type    AnomalyType
	Message string
	Details map[string]interface{}
}

// Error implements the error interface
func (v *ValidationError) Error() string {
	return v.Message
}

// ValidateReply checks a decoded hub reply against the command that produced it.
// Returns a slice of validation errors (empty if the reply is consistent).
func ValidateReply(c *Command, r *Reply) []ValidationError {
	errors := []ValidationError{}

	switch c.Kind {
	case KindPing:
		if r.Code != ReplyPong {
			return append(errors, wrongCode(ReplyPong, r.Code))
		}
		if r.Value != c.Ping+1 {
			errors = append(errors, ValidationError{
				Type:    AnomalyPongMismatch,
				Message: fmt.Sprintf("Pong value=%d (expected %d)", r.Value, c.Ping+1),
				Details: map[string]interface{}{"pong": r.Value, "expected": c.Ping + 1},
			})
		}
		return errors

	case KindVersion:
		if r.Code != ReplyVersion {
			errors = append(errors, wrongCode(ReplyVersion, r.Code))
		}
		return errors
	}

	if r.Code != ReplyReadings {
		return append(errors, wrongCode(ReplyReadings, r.Code))
	}

	if r.EchoCode != c.EchoCode() {
		errors = append(errors, ValidationError{
			Type:    AnomalyEchoMismatch,
			Message: fmt.Sprintf("Echoed code=%d (sent %d)", r.EchoCode, c.EchoCode()),
			Details: map[string]interface{}{"echo": r.EchoCode, "sent": c.EchoCode()},
		})
	}

	if int(r.Count) != len(c.Addresses) {
		errors = append(errors, ValidationError{
			Type:    AnomalyCountMismatch,
			Message: fmt.Sprintf("Reply count=%d (sent %d addresses)", r.Count, len(c.Addresses)),
			Details: map[string]interface{}{"count": r.Count, "expected": len(c.Addresses)},
		})
	}

	if size, ok := c.DataSize(); ok {
		want := int(size) * len(c.Addresses)
		if len(r.Data) != want || r.TotalSize != uint8(want+1) {
			errors = append(errors, ValidationError{
				Type:    AnomalySizeMismatch,
				Message: fmt.Sprintf("Readings size=%d total=%d (expected %d)", len(r.Data), r.TotalSize, want),
				Details: map[string]interface{}{"length": len(r.Data), "total": r.TotalSize, "expected": want},
			})
		}
	}

	for _, e := range r.Errors {
		errors = append(errors, ValidationError{
			Type:    AnomalyUnitError,
			Message: fmt.Sprintf("%s at index %d", e.Kind, e.Index),
			Details: map[string]interface{}{"kind": e.Kind, "index": e.Index},
		})
	}

	return errors
}

func wrongCode(want, got ReplyCode) ValidationError {
	return ValidationError{
		Type:    AnomalyWrongReplyCode,
		Message: fmt.Sprintf("Reply code=%s (expected %s)", FormatReplyCode(got), FormatReplyCode(want)),
		Details: map[string]interface{}{"code": got, "expected": want},
	}
}
