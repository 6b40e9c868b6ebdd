// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package workerstore defines the storage service boundary for the service
// worker registry: the database record types, the synchronous Backend
// surface implemented by durable stores, and the disconnectable channel
// layer (Service, Conn) the registry talks through.
package workerstore

import "github.com/zeebo/errs"

// Error is the default error class for the workerstore package.
var Error = errs.Class("workerstore error")

// DatabaseStatus is the result code every storage call reports.
type DatabaseStatus int

const (
	// Ok means the call succeeded.
	Ok DatabaseStatus = iota
	// ErrNotFound means the requested record does not exist.
	ErrNotFound
	// ErrDisabled means the store refused the call because it was disabled.
	ErrDisabled
	// ErrDisconnected means the channel to the storage service was severed
	// before the reply arrived.
	ErrDisconnected
	// ErrFailed is a generic failure.
	ErrFailed
	// ErrIOError means the underlying database failed.
	ErrIOError
	// ErrCorrupted means the database content could not be decoded.
	ErrCorrupted
)

func (status DatabaseStatus) String() string {
	switch status {
	case Ok:
		return "ok"
	case ErrNotFound:
		return "not found"
	case ErrDisabled:
		return "disabled"
	case ErrDisconnected:
		return "disconnected"
	case ErrFailed:
		return "failed"
	case ErrIOError:
		return "io error"
	case ErrCorrupted:
		return "corrupted"
	default:
		return "unknown"
	}
}
