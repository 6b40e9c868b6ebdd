// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package registry

import (
	"context"

	"storj.io/swreg/pkg/worker"
	"storj.io/swreg/pkg/workerstore"
)

// The live object directory is the single source of truth while a
// registration or version is referenced in-process. An object is findable
// only while it is stored in the database or sitting in the installing
// table; merely being live makes it reachable by id, not findable.

// findableLocked must be called with the registry mutex held.
func (registry *Registry) findableLocked(reg *worker.Registration) bool {
	if reg.IsDeleted() {
		return false
	}
	if reg.IsStored() {
		return true
	}
	_, installing := registry.installing[reg.ID()]
	return installing
}

// GetLiveRegistration returns the live registration for id, if any.
func (registry *Registry) GetLiveRegistration(registrationID int64) (*worker.Registration, bool) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	reg, ok := registry.liveRegistrations[registrationID]
	return reg, ok
}

// GetLiveVersion returns the live version for id, if any.
func (registry *Registry) GetLiveVersion(versionID int64) (*worker.Version, bool) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	version, ok := registry.liveVersions[versionID]
	return version, ok
}

// AddLiveVersion makes a version reachable by id.
func (registry *Registry) AddLiveVersion(version *worker.Version) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.liveVersions[version.ID()] = version
}

// NotifyInstallingRegistration makes a not-yet-persisted registration
// discoverable through the installing table.
func (registry *Registry) NotifyInstallingRegistration(reg *worker.Registration) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.installing[reg.ID()] = reg
	registry.liveRegistrations[reg.ID()] = reg
	for _, version := range reg.LiveVersions() {
		registry.liveVersions[version.ID()] = version
	}
}

// NotifyDoneInstallingRegistration removes the registration from the
// installing table. When the install failed, the version's write-ahead
// resource ids are doomed so the blobs do not leak.
func (registry *Registry) NotifyDoneInstallingRegistration(ctx context.Context, reg *worker.Registration, version *worker.Version, installErr error) (err error) {
	defer mon.Task()(&ctx)(&err)

	registry.mu.Lock()
	delete(registry.installing, reg.ID())
	registry.mu.Unlock()

	if installErr == nil || version == nil {
		return nil
	}
	resources := version.Resources()
	if len(resources) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(resources))
	for _, resource := range resources {
		ids = append(ids, resource.ResourceID)
	}
	return registry.DoomUncommittedResources(ctx, ids)
}

// NotifyDoneUninstallingRegistration removes the registration from the
// uninstalling table and prunes directory entries that can never be found
// again.
func (registry *Registry) NotifyDoneUninstallingRegistration(reg *worker.Registration) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	delete(registry.uninstalling, reg.ID())
	if reg.IsDeleted() {
		delete(registry.liveRegistrations, reg.ID())
	}
	for id, version := range registry.liveVersions {
		if version.IsRedundant() {
			delete(registry.liveVersions, id)
		}
	}
}

// IsUninstallingRegistration reports whether the registration sits in the
// uninstalling table.
func (registry *Registry) IsUninstallingRegistration(registrationID int64) bool {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	_, ok := registry.uninstalling[registrationID]
	return ok
}

func (registry *Registry) installingForID(registrationID int64) *worker.Registration {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	return registry.installing[registrationID]
}

// installingForScope selects the installing registration for exactly scope.
// Deleted entries still participate in the selection; the caller maps a
// deleted winner to not-found rather than falling through to another entry.
func (registry *Registry) installingForScope(scope string) *worker.Registration {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	var found *worker.Registration
	for _, reg := range registry.installing {
		if reg.Scope() != scope {
			continue
		}
		if found == nil || reg.ID() > found.ID() {
			found = reg
		}
	}
	return found
}

// installingForClientURL selects the longest-scope-prefix match over the
// whole installing table, deleted entries included. The match is not
// canonical: a deleted winner means the caller reports not-found instead of
// settling for a shorter live match.
func (registry *Registry) installingForClientURL(clientURL string) *worker.Registration {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	var best *worker.Registration
	for _, reg := range registry.installing {
		if !worker.ScopeMatches(reg.Scope(), clientURL) {
			continue
		}
		if best == nil || len(reg.Scope()) > len(best.Scope()) {
			best = reg
		}
	}
	return best
}

func (registry *Registry) installingForOrigin(origin string) []*worker.Registration {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	var regs []*worker.Registration
	for _, reg := range registry.installing {
		if reg.Origin() == origin {
			regs = append(regs, reg)
		}
	}
	return regs
}

// registrationFromRecord materializes a storage record into the canonical
// live objects, reusing any that already exist.
func (registry *Registry) registrationFromRecord(data *workerstore.RegistrationData, resources []worker.ResourceRecord) (*worker.Registration, error) {
	registry.mu.Lock()
	if reg, ok := registry.liveRegistrations[data.RegistrationID]; ok {
		registry.mu.Unlock()
		return reg, nil
	}
	version := registry.liveVersions[data.VersionID]
	registry.mu.Unlock()

	reg, err := worker.NewRegistration(data.RegistrationID, data.Scope, data.UpdateViaCache)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	reg.SetStored(true)
	reg.SetResourcesTotalSize(data.ResourcesTotalSizeBytes)
	reg.SetLastUpdateCheck(data.LastUpdateCheck)
	reg.SetNavigationPreload(data.NavigationPreload)

	if version == nil {
		version = worker.NewVersion(data.VersionID, data.ScriptURL, data.ScriptType)
		version.SetResources(resources)
		version.SetScriptResponseTime(data.ScriptResponseTime)
		version.SetOriginTrialTokens(data.OriginTrialTokens)
		version.SetUsedFeatures(data.UsedFeatures)
		version.SetCrossOriginEmbedderPolicy(data.CrossOriginEmbedderPolicy)
		if data.HasFetchHandler {
			version.SetFetchHandler(worker.FetchHandlerExists)
		} else {
			version.SetFetchHandler(worker.FetchHandlerDoesNotExist)
		}
		target := worker.VersionInstalled
		if data.IsActive {
			target = worker.VersionActivated
		}
		for status := worker.VersionInstalling; status <= target; status++ {
			if err := version.SetStatus(status); err != nil {
				return nil, Error.Wrap(err)
			}
		}
	}
	if data.IsActive {
		reg.SetActive(version)
	} else {
		reg.SetWaiting(version)
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()
	// a concurrent materialization may have won
	if existing, ok := registry.liveRegistrations[data.RegistrationID]; ok {
		return existing, nil
	}
	registry.liveRegistrations[data.RegistrationID] = reg
	registry.liveVersions[version.ID()] = version
	registry.trackedOrigins[reg.Origin()] = struct{}{}
	return reg, nil
}
