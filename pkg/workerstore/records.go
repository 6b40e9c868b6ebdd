// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package workerstore

import (
	"time"

	"storj.io/swreg/pkg/worker"
)

// RegistrationData is the persisted form of a registration together with
// the fields of its stored version.
type RegistrationData struct {
	RegistrationID int64
	Scope          string
	ScriptURL      string
	ScriptType     worker.ScriptType
	UpdateViaCache worker.UpdateViaCache

	HasFetchHandler    bool
	VersionID          int64
	IsActive           bool
	LastUpdateCheck    time.Time
	ScriptResponseTime time.Time

	NavigationPreload worker.NavigationPreloadState
	OriginTrialTokens []string
	UsedFeatures      []uint32

	CrossOriginEmbedderPolicy *worker.CrossOriginEmbedderPolicy

	ResourcesTotalSizeBytes int64
}

// Origin derives the origin key for the record's scope.
func (data *RegistrationData) Origin() (string, error) {
	return worker.OriginFromScope(data.Scope)
}

// DeletedVersion describes the version a store or delete removed from the
// database, so the caller can account for the freed bytes.
type DeletedVersion struct {
	VersionID          int64
	ResourcesTotalSize int64
}

// OriginState reports whether an origin still has registrations after a
// delete.
type OriginState int

const (
	// OriginRetained means registrations remain for the origin.
	OriginRetained OriginState = iota
	// OriginEmptied means the delete removed the origin's last registration.
	OriginEmptied
)

// UserDataEntry is one key/value pair scoped to a registration.
type UserDataEntry struct {
	Key   string
	Value string
}

// RegistrationUserData is a user-data value together with the registration
// it belongs to, returned by the all-registrations queries.
type RegistrationUserData struct {
	RegistrationID int64
	Value          string
}

// PolicyUpdate is a storage policy decision for one origin.
type PolicyUpdate struct {
	Origin          string
	PurgeOnShutdown bool
}
