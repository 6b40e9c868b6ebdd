// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package registry

import (
	"context"
	"time"

	"storj.io/swreg/pkg/worker"
	"storj.io/swreg/pkg/workerstore"
)

// StoreRegistration persists a registration together with the version that
// should become its stored version. On success the registration counts as
// findable even after a process restart.
func (registry *Registry) StoreRegistration(ctx context.Context, reg *worker.Registration, version *worker.Version) (err error) {
	defer mon.Task()(&ctx)(&err)

	if registry.isStorageDisabled() {
		return ErrAbort
	}
	if reg.Status() != worker.RegistrationIntact {
		return ErrFailed
	}
	if version.FetchHandler() == worker.FetchHandlerUnknown {
		return ErrFailed
	}
	resources := version.Resources()
	if len(resources) == 0 {
		// a version without resources cannot be revived after a restart
		return ErrFailed
	}

	var total int64
	for _, resource := range resources {
		total += resource.SizeBytes
	}
	data := registrationData(reg, version, total)

	var deleted workerstore.DeletedVersion
	status, err := registry.call(ctx, func(conn *workerstore.Conn) (workerstore.DatabaseStatus, func()) {
		d, st := conn.StoreRegistration(data, resources)
		return st, func() { deleted = d }
	})
	if err != nil {
		return err
	}
	if err := registry.convertStatus(status); err != nil {
		registry.notifyWriteFailed(reg.Origin())
		return err
	}

	reg.SetStored(true)
	reg.SetResourcesTotalSize(total)

	registry.mu.Lock()
	registry.liveRegistrations[reg.ID()] = reg
	registry.liveVersions[version.ID()] = version
	registry.trackedOrigins[reg.Origin()] = struct{}{}
	registry.mu.Unlock()

	// the superseded version's bytes are released by the same write
	registry.notifyStorageModified(reg.Origin(), total-deleted.ResourcesTotalSize)
	if registry.config.Delegate != nil {
		registry.config.Delegate.NotifyRegistrationStored(reg.ID(), reg.Scope())
	}
	return nil
}

func registrationData(reg *worker.Registration, version *worker.Version, total int64) *workerstore.RegistrationData {
	return &workerstore.RegistrationData{
		RegistrationID:            reg.ID(),
		Scope:                     reg.Scope(),
		ScriptURL:                 version.ScriptURL(),
		ScriptType:                version.ScriptType(),
		UpdateViaCache:            reg.UpdateViaCache(),
		HasFetchHandler:           version.FetchHandler() == worker.FetchHandlerExists,
		VersionID:                 version.ID(),
		IsActive:                  version.Status() == worker.VersionActivated,
		LastUpdateCheck:           reg.LastUpdateCheck(),
		ScriptResponseTime:        version.ScriptResponseTime(),
		NavigationPreload:         reg.NavigationPreload(),
		OriginTrialTokens:         version.OriginTrialTokens(),
		UsedFeatures:              version.UsedFeatures(),
		CrossOriginEmbedderPolicy: version.CrossOriginEmbedderPolicy(),
		ResourcesTotalSizeBytes:   total,
	}
}

// DeleteRegistration removes a registration from storage. The registration
// becomes unfindable immediately; live versions keep running until their
// clients unload, tracked through the uninstalling table.
func (registry *Registry) DeleteRegistration(ctx context.Context, reg *worker.Registration) (err error) {
	defer mon.Task()(&ctx)(&err)

	if registry.isStorageDisabled() {
		return ErrAbort
	}
	if reg.IsDeleted() {
		return ErrNotFound
	}

	// unfindable before the storage round trip, so concurrent lookups and a
	// second delete cannot observe a half-deleted registration
	registry.mu.Lock()
	registry.uninstalling[reg.ID()] = reg
	registry.mu.Unlock()
	_ = reg.SetUninstalling()
	reg.MarkDeleted()

	var originState workerstore.OriginState
	var deleted workerstore.DeletedVersion
	status, err := registry.call(ctx, func(conn *workerstore.Conn) (workerstore.DatabaseStatus, func()) {
		o, d, st := conn.DeleteRegistration(reg.ID(), reg.Origin())
		return st, func() { originState, deleted = o, d }
	})
	if err != nil {
		return err
	}
	if err := registry.convertStatus(status); err != nil {
		if status != workerstore.ErrNotFound {
			registry.notifyWriteFailed(reg.Origin())
		}
		return err
	}

	reg.SetStored(false)
	registry.notifyStorageModified(reg.Origin(), -deleted.ResourcesTotalSize)
	if originState == workerstore.OriginEmptied {
		registry.mu.Lock()
		delete(registry.trackedOrigins, reg.Origin())
		registry.mu.Unlock()
		if registry.config.Delegate != nil {
			registry.config.Delegate.NotifyAllRegistrationsDeletedForOrigin(reg.Origin())
		}
	}
	return nil
}

// UpdateToActiveState flips the stored version's active bit.
func (registry *Registry) UpdateToActiveState(ctx context.Context, reg *worker.Registration) (err error) {
	defer mon.Task()(&ctx)(&err)

	if registry.isStorageDisabled() {
		return ErrAbort
	}
	status, err := registry.call(ctx, func(conn *workerstore.Conn) (workerstore.DatabaseStatus, func()) {
		return conn.UpdateToActiveState(reg.ID(), reg.Origin()), nil
	})
	if err != nil {
		return err
	}
	return registry.convertStatus(status)
}

// UpdateLastUpdateCheckTime persists when the script was last checked for
// updates and mirrors it on the live registration.
func (registry *Registry) UpdateLastUpdateCheckTime(ctx context.Context, reg *worker.Registration, checkTime time.Time) (err error) {
	defer mon.Task()(&ctx)(&err)

	if registry.isStorageDisabled() {
		return ErrAbort
	}
	status, err := registry.call(ctx, func(conn *workerstore.Conn) (workerstore.DatabaseStatus, func()) {
		return conn.UpdateLastUpdateCheckTime(reg.ID(), reg.Origin(), checkTime), nil
	})
	if err != nil {
		return err
	}
	if err := registry.convertStatus(status); err != nil {
		return err
	}
	reg.SetLastUpdateCheck(checkTime)
	return nil
}

// UpdateNavigationPreloadEnabled persists the navigation preload toggle and
// mirrors it on the live registration.
func (registry *Registry) UpdateNavigationPreloadEnabled(ctx context.Context, reg *worker.Registration, enabled bool) (err error) {
	defer mon.Task()(&ctx)(&err)

	if registry.isStorageDisabled() {
		return ErrAbort
	}
	status, err := registry.call(ctx, func(conn *workerstore.Conn) (workerstore.DatabaseStatus, func()) {
		return conn.UpdateNavigationPreloadEnabled(reg.ID(), reg.Origin(), enabled), nil
	})
	if err != nil {
		return err
	}
	if err := registry.convertStatus(status); err != nil {
		return err
	}
	reg.SetNavigationPreloadEnabled(enabled)
	return nil
}

// UpdateNavigationPreloadHeader persists the navigation preload header and
// mirrors it on the live registration.
func (registry *Registry) UpdateNavigationPreloadHeader(ctx context.Context, reg *worker.Registration, header string) (err error) {
	defer mon.Task()(&ctx)(&err)

	if registry.isStorageDisabled() {
		return ErrAbort
	}
	status, err := registry.call(ctx, func(conn *workerstore.Conn) (workerstore.DatabaseStatus, func()) {
		return conn.UpdateNavigationPreloadHeader(reg.ID(), reg.Origin(), header), nil
	})
	if err != nil {
		return err
	}
	if err := registry.convertStatus(status); err != nil {
		return err
	}
	reg.SetNavigationPreloadHeader(header)
	return nil
}

// WriteUncommittedResourceIDs records the ids of resources an installing
// version is about to write, so they can be purged when the install never
// commits.
func (registry *Registry) WriteUncommittedResourceIDs(ctx context.Context, resourceIDs []int64) (err error) {
	defer mon.Task()(&ctx)(&err)

	status, err := registry.call(ctx, func(conn *workerstore.Conn) (workerstore.DatabaseStatus, func()) {
		return conn.WriteUncommittedResourceIDs(resourceIDs), nil
	})
	if err != nil {
		return err
	}
	return registry.convertStatus(status)
}

// DoomUncommittedResources marks uncommitted resources purgeable.
func (registry *Registry) DoomUncommittedResources(ctx context.Context, resourceIDs []int64) (err error) {
	defer mon.Task()(&ctx)(&err)

	status, err := registry.call(ctx, func(conn *workerstore.Conn) (workerstore.DatabaseStatus, func()) {
		return conn.DoomUncommittedResources(resourceIDs), nil
	})
	if err != nil {
		return err
	}
	return registry.convertStatus(status)
}

// OnVersionResourceReadFailure handles an unreadable stored resource. The
// registration's versions cannot be trusted anymore, so everything is
// doomed and the registration removed. A registration that was already
// deleted concurrently is fine.
func (registry *Registry) OnVersionResourceReadFailure(ctx context.Context, reg *worker.Registration) (err error) {
	defer mon.Task()(&ctx)(&err)

	reg.DoomVersions()
	if err := registry.DeleteRegistration(ctx, reg); err != nil && err != ErrNotFound {
		return err
	}
	registry.NotifyDoneUninstallingRegistration(reg)
	return nil
}
