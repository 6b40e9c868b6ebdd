// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package worker

import (
	"sync"
	"time"
)

// RegistrationStatus is the lifecycle status of a Registration.
type RegistrationStatus int

const (
	// RegistrationIntact is the normal status of a registration.
	RegistrationIntact RegistrationStatus = iota
	// RegistrationUninstalling means a delete has started. The transition
	// is one-way.
	RegistrationUninstalling
)

func (status RegistrationStatus) String() string {
	switch status {
	case RegistrationIntact:
		return "intact"
	case RegistrationUninstalling:
		return "uninstalling"
	default:
		return "unknown"
	}
}

// UpdateViaCache is the registration's script update cache policy.
type UpdateViaCache int

const (
	// UpdateViaCacheImports caches imported scripts only.
	UpdateViaCacheImports UpdateViaCache = iota
	// UpdateViaCacheAll caches the main script and imports.
	UpdateViaCacheAll
	// UpdateViaCacheNone bypasses the cache for all scripts.
	UpdateViaCacheNone
)

// NavigationPreloadState is the registration's navigation preload setting.
type NavigationPreloadState struct {
	Enabled bool
	Header  string
}

// DefaultNavigationPreloadHeader is the header value used until the page
// sets one explicitly.
const DefaultNavigationPreloadHeader = "true"

// Registration is a scope to script mapping plus its installing, waiting
// and active version slots.
type Registration struct {
	id     int64
	scope  string
	origin string

	mu                 sync.Mutex
	status             RegistrationStatus
	deleted            bool
	stored             bool
	updateViaCache     UpdateViaCache
	navigationPreload  NavigationPreloadState
	resourcesTotalSize int64
	lastUpdateCheck    time.Time
	installing         *Version
	waiting            *Version
	active             *Version
}

// NewRegistration creates an intact registration for scope. The origin key
// is derived from the scope.
func NewRegistration(id int64, scope string, updateViaCache UpdateViaCache) (*Registration, error) {
	origin, err := OriginFromScope(scope)
	if err != nil {
		return nil, err
	}
	return &Registration{
		id:             id,
		scope:          scope,
		origin:         origin,
		status:         RegistrationIntact,
		updateViaCache: updateViaCache,
		navigationPreload: NavigationPreloadState{
			Header: DefaultNavigationPreloadHeader,
		},
	}, nil
}

// ID returns the storage-assigned registration id.
func (reg *Registration) ID() int64 { return reg.id }

// Scope returns the URL prefix the registration controls.
func (reg *Registration) Scope() string { return reg.scope }

// Origin returns the origin key derived from the scope.
func (reg *Registration) Origin() string { return reg.origin }

// Status returns the current lifecycle status.
func (reg *Registration) Status() RegistrationStatus {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return reg.status
}

// SetUninstalling flips the registration into the uninstalling status.
// The transition happens at most once.
func (reg *Registration) SetUninstalling() error {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if reg.status == RegistrationUninstalling {
		return Error.New("registration %d is already uninstalling", reg.id)
	}
	reg.status = RegistrationUninstalling
	return nil
}

// IsDeleted reports whether the registration was deleted. Once true the
// registration is unfindable regardless of any other state.
func (reg *Registration) IsDeleted() bool {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return reg.deleted
}

// MarkDeleted permanently marks the registration deleted.
func (reg *Registration) MarkDeleted() {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.deleted = true
}

// IsUninstalled reports whether the registration was deleted and holds no
// versions in any slot anymore.
func (reg *Registration) IsUninstalled() bool {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return reg.deleted && reg.installing == nil && reg.waiting == nil && reg.active == nil
}

// IsStored reports whether the registration is persisted in storage.
func (reg *Registration) IsStored() bool {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return reg.stored
}

// SetStored records whether the registration is persisted in storage.
func (reg *Registration) SetStored(stored bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.stored = stored
}

// UpdateViaCache returns the script update cache policy.
func (reg *Registration) UpdateViaCache() UpdateViaCache {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return reg.updateViaCache
}

// SetUpdateViaCache replaces the script update cache policy.
func (reg *Registration) SetUpdateViaCache(policy UpdateViaCache) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.updateViaCache = policy
}

// NavigationPreload returns the navigation preload state.
func (reg *Registration) NavigationPreload() NavigationPreloadState {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return reg.navigationPreload
}

// SetNavigationPreloadEnabled toggles navigation preload.
func (reg *Registration) SetNavigationPreloadEnabled(enabled bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.navigationPreload.Enabled = enabled
}

// SetNavigationPreloadHeader replaces the navigation preload header value.
func (reg *Registration) SetNavigationPreloadHeader(header string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.navigationPreload.Header = header
}

// SetNavigationPreload replaces the whole navigation preload state.
func (reg *Registration) SetNavigationPreload(state NavigationPreloadState) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.navigationPreload = state
}

// ResourcesTotalSize returns the cached byte total of the stored version's
// resources.
func (reg *Registration) ResourcesTotalSize() int64 {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return reg.resourcesTotalSize
}

// SetResourcesTotalSize caches the byte total of the stored version's
// resources.
func (reg *Registration) SetResourcesTotalSize(size int64) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.resourcesTotalSize = size
}

// LastUpdateCheck returns when the script was last checked for updates.
func (reg *Registration) LastUpdateCheck() time.Time {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return reg.lastUpdateCheck
}

// SetLastUpdateCheck records when the script was last checked for updates.
func (reg *Registration) SetLastUpdateCheck(checkTime time.Time) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.lastUpdateCheck = checkTime
}

// Installing returns the version in the installing slot, if any.
func (reg *Registration) Installing() *Version {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return reg.installing
}

// Waiting returns the version in the waiting slot, if any.
func (reg *Registration) Waiting() *Version {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return reg.waiting
}

// Active returns the version in the active slot, if any.
func (reg *Registration) Active() *Version {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return reg.active
}

// SetInstalling places version into the installing slot, nil clears it.
func (reg *Registration) SetInstalling(version *Version) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.installing = version
}

// SetWaiting places version into the waiting slot, nil clears it.
func (reg *Registration) SetWaiting(version *Version) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.waiting = version
}

// SetActive places version into the active slot, nil clears it.
func (reg *Registration) SetActive(version *Version) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.active = version
}

// LiveVersions returns the versions currently held in any slot.
func (reg *Registration) LiveVersions() []*Version {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	var versions []*Version
	for _, version := range []*Version{reg.installing, reg.waiting, reg.active} {
		if version != nil {
			versions = append(versions, version)
		}
	}
	return versions
}

// DoomVersions dooms every version the registration holds and empties all
// slots. Used when the registration became unserviceable as a whole.
func (reg *Registration) DoomVersions() {
	reg.mu.Lock()
	installing, waiting, active := reg.installing, reg.waiting, reg.active
	reg.installing, reg.waiting, reg.active = nil, nil, nil
	reg.mu.Unlock()

	for _, version := range []*Version{installing, waiting, active} {
		if version != nil {
			version.Doom()
		}
	}
}
