// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package workerstore

import (
	"time"

	"storj.io/swreg/pkg/worker"
)

// Backend is the synchronous database surface of the storage service. A
// Backend runs on the service's dispatcher, one call at a time; every call
// reports a DatabaseStatus alongside its payload.
type Backend interface {
	// NewRegistrationID assigns the next registration id.
	NewRegistrationID() (int64, DatabaseStatus)
	// NewVersionID assigns the next version id.
	NewVersionID() (int64, DatabaseStatus)

	// FindRegistrationForClientURL finds the registration whose scope is
	// the longest prefix of clientURL.
	FindRegistrationForClientURL(clientURL string) (*RegistrationData, []worker.ResourceRecord, DatabaseStatus)
	// FindRegistrationForScope finds the registration with exactly scope.
	FindRegistrationForScope(scope string) (*RegistrationData, []worker.ResourceRecord, DatabaseStatus)
	// FindRegistrationForID finds a registration by id within origin. An
	// empty origin searches across all origins.
	FindRegistrationForID(registrationID int64, origin string) (*RegistrationData, []worker.ResourceRecord, DatabaseStatus)
	// RegistrationsForOrigin returns every stored registration for origin,
	// with resources parallel to the returned records.
	RegistrationsForOrigin(origin string) ([]*RegistrationData, [][]worker.ResourceRecord, DatabaseStatus)
	// RegisteredOrigins returns every origin with at least one registration.
	RegisteredOrigins() ([]string, DatabaseStatus)

	// StoreRegistration writes the record and commits its resources,
	// returning the superseded version, if any, so its freed bytes can be
	// accounted.
	StoreRegistration(data *RegistrationData, resources []worker.ResourceRecord) (DeletedVersion, DatabaseStatus)
	// DeleteRegistration removes the record and dooms its resources.
	DeleteRegistration(registrationID int64, origin string) (OriginState, DeletedVersion, DatabaseStatus)
	// UpdateToActiveState marks the stored version active.
	UpdateToActiveState(registrationID int64, origin string) DatabaseStatus
	// UpdateLastUpdateCheckTime persists the update check timestamp.
	UpdateLastUpdateCheckTime(registrationID int64, origin string, checkTime time.Time) DatabaseStatus
	// UpdateNavigationPreloadEnabled persists the navigation preload flag.
	UpdateNavigationPreloadEnabled(registrationID int64, origin string, enabled bool) DatabaseStatus
	// UpdateNavigationPreloadHeader persists the navigation preload header.
	UpdateNavigationPreloadHeader(registrationID int64, origin string, header string) DatabaseStatus

	// WriteUncommittedResourceIDs marks resource ids written ahead of the
	// registration record that commits them.
	WriteUncommittedResourceIDs(resourceIDs []int64) DatabaseStatus
	// DoomUncommittedResources unmarks uncommitted resource ids and queues
	// them for purging.
	DoomUncommittedResources(resourceIDs []int64) DatabaseStatus

	// GetUserData reads the values for keys, all of which must exist.
	GetUserData(registrationID int64, keys []string) ([]string, DatabaseStatus)
	// GetUserDataByKeyPrefix reads every value whose key has prefix.
	GetUserDataByKeyPrefix(registrationID int64, prefix string) ([]string, DatabaseStatus)
	// GetUserKeysAndDataByKeyPrefix reads every entry whose key has prefix.
	GetUserKeysAndDataByKeyPrefix(registrationID int64, prefix string) ([]UserDataEntry, DatabaseStatus)
	// StoreUserData writes entries for a stored registration.
	StoreUserData(registrationID int64, origin string, entries []UserDataEntry) DatabaseStatus
	// ClearUserData removes keys.
	ClearUserData(registrationID int64, keys []string) DatabaseStatus
	// ClearUserDataByKeyPrefixes removes every key matching any prefix.
	ClearUserDataByKeyPrefixes(registrationID int64, prefixes []string) DatabaseStatus
	// ClearUserDataForAllRegistrationsByKeyPrefix removes every matching
	// key across all registrations.
	ClearUserDataForAllRegistrationsByKeyPrefix(prefix string) DatabaseStatus
	// GetUserDataForAllRegistrations reads key's value for every
	// registration that has it.
	GetUserDataForAllRegistrations(key string) ([]RegistrationUserData, DatabaseStatus)
	// GetUserDataForAllRegistrationsByKeyPrefix reads every matching value
	// across all registrations.
	GetUserDataForAllRegistrationsByKeyPrefix(prefix string) ([]RegistrationUserData, DatabaseStatus)

	// RebindResourceRefs re-establishes resource references of live
	// versions after the storage service restarted, so cleanup does not
	// purge resources still in use.
	RebindResourceRefs(refs []int64) DatabaseStatus
	// ApplyPolicyUpdates records per-origin storage policy decisions.
	ApplyPolicyUpdates(updates []PolicyUpdate) DatabaseStatus
	// PerformStorageCleanup purges doomed resources and compacts indexes.
	PerformStorageCleanup() DatabaseStatus

	// Disable refuses all further calls until DeleteAndStartOver.
	Disable() DatabaseStatus
	// DeleteAndStartOver wipes the database and reinitializes it empty.
	DeleteAndStartOver() DatabaseStatus

	// Close releases the underlying database.
	Close() error
}
