// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package workerstore

import (
	"time"

	"storj.io/swreg/pkg/worker"
)

// The methods below mirror the Backend surface over the channel. Argument
// values are captured per call, so a retried call reissues the identical
// request. A sever before the reply is delivered drops the payload and
// reports ErrDisconnected, even when the backend already ran the call.

// NewRegistrationID asks the service for the next registration id.
func (conn *Conn) NewRegistrationID() (int64, DatabaseStatus) {
	var id int64
	var status DatabaseStatus
	if !conn.do(func(backend Backend) { id, status = backend.NewRegistrationID() }) {
		return 0, ErrDisconnected
	}
	return id, status
}

// NewVersionID asks the service for the next version id.
func (conn *Conn) NewVersionID() (int64, DatabaseStatus) {
	var id int64
	var status DatabaseStatus
	if !conn.do(func(backend Backend) { id, status = backend.NewVersionID() }) {
		return 0, ErrDisconnected
	}
	return id, status
}

// FindRegistrationForClientURL runs the longest-scope-prefix lookup.
func (conn *Conn) FindRegistrationForClientURL(clientURL string) (*RegistrationData, []worker.ResourceRecord, DatabaseStatus) {
	var data *RegistrationData
	var resources []worker.ResourceRecord
	var status DatabaseStatus
	if !conn.do(func(backend Backend) {
		data, resources, status = backend.FindRegistrationForClientURL(clientURL)
	}) {
		return nil, nil, ErrDisconnected
	}
	return data, resources, status
}

// FindRegistrationForScope looks up the registration with exactly scope.
func (conn *Conn) FindRegistrationForScope(scope string) (*RegistrationData, []worker.ResourceRecord, DatabaseStatus) {
	var data *RegistrationData
	var resources []worker.ResourceRecord
	var status DatabaseStatus
	if !conn.do(func(backend Backend) {
		data, resources, status = backend.FindRegistrationForScope(scope)
	}) {
		return nil, nil, ErrDisconnected
	}
	return data, resources, status
}

// FindRegistrationForID looks up a registration by id.
func (conn *Conn) FindRegistrationForID(registrationID int64, origin string) (*RegistrationData, []worker.ResourceRecord, DatabaseStatus) {
	var data *RegistrationData
	var resources []worker.ResourceRecord
	var status DatabaseStatus
	if !conn.do(func(backend Backend) {
		data, resources, status = backend.FindRegistrationForID(registrationID, origin)
	}) {
		return nil, nil, ErrDisconnected
	}
	return data, resources, status
}

// RegistrationsForOrigin lists stored registrations for origin.
func (conn *Conn) RegistrationsForOrigin(origin string) ([]*RegistrationData, [][]worker.ResourceRecord, DatabaseStatus) {
	var data []*RegistrationData
	var resources [][]worker.ResourceRecord
	var status DatabaseStatus
	if !conn.do(func(backend Backend) {
		data, resources, status = backend.RegistrationsForOrigin(origin)
	}) {
		return nil, nil, ErrDisconnected
	}
	return data, resources, status
}

// RegisteredOrigins lists every origin with registrations.
func (conn *Conn) RegisteredOrigins() ([]string, DatabaseStatus) {
	var origins []string
	var status DatabaseStatus
	if !conn.do(func(backend Backend) { origins, status = backend.RegisteredOrigins() }) {
		return nil, ErrDisconnected
	}
	return origins, status
}

// StoreRegistration writes a registration record.
func (conn *Conn) StoreRegistration(data *RegistrationData, resources []worker.ResourceRecord) (DeletedVersion, DatabaseStatus) {
	var deleted DeletedVersion
	var status DatabaseStatus
	if !conn.do(func(backend Backend) {
		deleted, status = backend.StoreRegistration(data, resources)
	}) {
		return DeletedVersion{}, ErrDisconnected
	}
	return deleted, status
}

// DeleteRegistration removes a registration record.
func (conn *Conn) DeleteRegistration(registrationID int64, origin string) (OriginState, DeletedVersion, DatabaseStatus) {
	var originState OriginState
	var deleted DeletedVersion
	var status DatabaseStatus
	if !conn.do(func(backend Backend) {
		originState, deleted, status = backend.DeleteRegistration(registrationID, origin)
	}) {
		return OriginRetained, DeletedVersion{}, ErrDisconnected
	}
	return originState, deleted, status
}

// UpdateToActiveState marks the stored version active.
func (conn *Conn) UpdateToActiveState(registrationID int64, origin string) DatabaseStatus {
	var status DatabaseStatus
	if !conn.do(func(backend Backend) {
		status = backend.UpdateToActiveState(registrationID, origin)
	}) {
		return ErrDisconnected
	}
	return status
}

// UpdateLastUpdateCheckTime persists the update check timestamp.
func (conn *Conn) UpdateLastUpdateCheckTime(registrationID int64, origin string, checkTime time.Time) DatabaseStatus {
	var status DatabaseStatus
	if !conn.do(func(backend Backend) {
		status = backend.UpdateLastUpdateCheckTime(registrationID, origin, checkTime)
	}) {
		return ErrDisconnected
	}
	return status
}

// UpdateNavigationPreloadEnabled persists the navigation preload flag.
func (conn *Conn) UpdateNavigationPreloadEnabled(registrationID int64, origin string, enabled bool) DatabaseStatus {
	var status DatabaseStatus
	if !conn.do(func(backend Backend) {
		status = backend.UpdateNavigationPreloadEnabled(registrationID, origin, enabled)
	}) {
		return ErrDisconnected
	}
	return status
}

// UpdateNavigationPreloadHeader persists the navigation preload header.
func (conn *Conn) UpdateNavigationPreloadHeader(registrationID int64, origin string, header string) DatabaseStatus {
	var status DatabaseStatus
	if !conn.do(func(backend Backend) {
		status = backend.UpdateNavigationPreloadHeader(registrationID, origin, header)
	}) {
		return ErrDisconnected
	}
	return status
}

// WriteUncommittedResourceIDs marks resource ids ahead of their commit.
func (conn *Conn) WriteUncommittedResourceIDs(resourceIDs []int64) DatabaseStatus {
	var status DatabaseStatus
	if !conn.do(func(backend Backend) {
		status = backend.WriteUncommittedResourceIDs(resourceIDs)
	}) {
		return ErrDisconnected
	}
	return status
}

// DoomUncommittedResources unmarks uncommitted resource ids.
func (conn *Conn) DoomUncommittedResources(resourceIDs []int64) DatabaseStatus {
	var status DatabaseStatus
	if !conn.do(func(backend Backend) {
		status = backend.DoomUncommittedResources(resourceIDs)
	}) {
		return ErrDisconnected
	}
	return status
}

// GetUserData reads user data values.
func (conn *Conn) GetUserData(registrationID int64, keys []string) ([]string, DatabaseStatus) {
	var values []string
	var status DatabaseStatus
	if !conn.do(func(backend Backend) {
		values, status = backend.GetUserData(registrationID, keys)
	}) {
		return nil, ErrDisconnected
	}
	return values, status
}

// GetUserDataByKeyPrefix reads user data values by key prefix.
func (conn *Conn) GetUserDataByKeyPrefix(registrationID int64, prefix string) ([]string, DatabaseStatus) {
	var values []string
	var status DatabaseStatus
	if !conn.do(func(backend Backend) {
		values, status = backend.GetUserDataByKeyPrefix(registrationID, prefix)
	}) {
		return nil, ErrDisconnected
	}
	return values, status
}

// GetUserKeysAndDataByKeyPrefix reads user data entries by key prefix.
func (conn *Conn) GetUserKeysAndDataByKeyPrefix(registrationID int64, prefix string) ([]UserDataEntry, DatabaseStatus) {
	var entries []UserDataEntry
	var status DatabaseStatus
	if !conn.do(func(backend Backend) {
		entries, status = backend.GetUserKeysAndDataByKeyPrefix(registrationID, prefix)
	}) {
		return nil, ErrDisconnected
	}
	return entries, status
}

// StoreUserData writes user data entries.
func (conn *Conn) StoreUserData(registrationID int64, origin string, entries []UserDataEntry) DatabaseStatus {
	var status DatabaseStatus
	if !conn.do(func(backend Backend) {
		status = backend.StoreUserData(registrationID, origin, entries)
	}) {
		return ErrDisconnected
	}
	return status
}

// ClearUserData removes user data keys.
func (conn *Conn) ClearUserData(registrationID int64, keys []string) DatabaseStatus {
	var status DatabaseStatus
	if !conn.do(func(backend Backend) {
		status = backend.ClearUserData(registrationID, keys)
	}) {
		return ErrDisconnected
	}
	return status
}

// ClearUserDataByKeyPrefixes removes user data keys by prefix.
func (conn *Conn) ClearUserDataByKeyPrefixes(registrationID int64, prefixes []string) DatabaseStatus {
	var status DatabaseStatus
	if !conn.do(func(backend Backend) {
		status = backend.ClearUserDataByKeyPrefixes(registrationID, prefixes)
	}) {
		return ErrDisconnected
	}
	return status
}

// ClearUserDataForAllRegistrationsByKeyPrefix removes matching keys across
// every registration.
func (conn *Conn) ClearUserDataForAllRegistrationsByKeyPrefix(prefix string) DatabaseStatus {
	var status DatabaseStatus
	if !conn.do(func(backend Backend) {
		status = backend.ClearUserDataForAllRegistrationsByKeyPrefix(prefix)
	}) {
		return ErrDisconnected
	}
	return status
}

// GetUserDataForAllRegistrations reads key's value for every registration.
func (conn *Conn) GetUserDataForAllRegistrations(key string) ([]RegistrationUserData, DatabaseStatus) {
	var values []RegistrationUserData
	var status DatabaseStatus
	if !conn.do(func(backend Backend) {
		values, status = backend.GetUserDataForAllRegistrations(key)
	}) {
		return nil, ErrDisconnected
	}
	return values, status
}

// GetUserDataForAllRegistrationsByKeyPrefix reads matching values for every
// registration.
func (conn *Conn) GetUserDataForAllRegistrationsByKeyPrefix(prefix string) ([]RegistrationUserData, DatabaseStatus) {
	var values []RegistrationUserData
	var status DatabaseStatus
	if !conn.do(func(backend Backend) {
		values, status = backend.GetUserDataForAllRegistrationsByKeyPrefix(prefix)
	}) {
		return nil, ErrDisconnected
	}
	return values, status
}

// Recover rebinds the resource references of live versions after the
// storage service restarted.
func (conn *Conn) Recover(refs []int64) DatabaseStatus {
	var status DatabaseStatus
	if !conn.do(func(backend Backend) { status = backend.RebindResourceRefs(refs) }) {
		return ErrDisconnected
	}
	return status
}

// ApplyPolicyUpdates records per-origin storage policy decisions.
func (conn *Conn) ApplyPolicyUpdates(updates []PolicyUpdate) DatabaseStatus {
	var status DatabaseStatus
	if !conn.do(func(backend Backend) { status = backend.ApplyPolicyUpdates(updates) }) {
		return ErrDisconnected
	}
	return status
}

// PerformStorageCleanup purges doomed resources.
func (conn *Conn) PerformStorageCleanup() DatabaseStatus {
	var status DatabaseStatus
	if !conn.do(func(backend Backend) { status = backend.PerformStorageCleanup() }) {
		return ErrDisconnected
	}
	return status
}

// Disable refuses all further storage writes.
func (conn *Conn) Disable() DatabaseStatus {
	var status DatabaseStatus
	if !conn.do(func(backend Backend) { status = backend.Disable() }) {
		return ErrDisconnected
	}
	return status
}

// DeleteAndStartOver wipes the database and reinitializes it empty.
func (conn *Conn) DeleteAndStartOver() DatabaseStatus {
	var status DatabaseStatus
	if !conn.do(func(backend Backend) { status = backend.DeleteAndStartOver() }) {
		return ErrDisconnected
	}
	return status
}
