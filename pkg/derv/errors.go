// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package derv

import "errors"

var (
	// ErrBadAddrCount is returned when a command names 0 or more than 32 addresses
	ErrBadAddrCount = errors.New("bad address count")
	// ErrBadCommandCode is returned for a code no grammar is known for
	ErrBadCommandCode = errors.New("bad command code")
	// ErrCalSizeTooLarge is returned when a declared size exceeds MaxDataSize
	ErrCalSizeTooLarge = errors.New("declared size too large")
	// ErrReplySizeTooLarge is returned when a unit reply declares more than MaxDataSize bytes
	ErrReplySizeTooLarge = errors.New("unit reply size too large")
	// ErrShortReply is returned when a hub reply ends before its declared fields
	ErrShortReply = errors.New("short reply")
	// ErrBadReplyCode is returned when a hub reply block starts with an unexpected code
	ErrBadReplyCode = errors.New("unexpected reply code")
	// ErrBadLength is returned when a hub reply length field disagrees with its body
	ErrBadLength = errors.New("bad reply length")
	// ErrInvalidPort is returned for a bus port outside 1..6
	ErrInvalidPort = errors.New("invalid bus port")
)
