// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package testbackend implements an in-memory workerstore.Backend with
// per-method call counts and forced statuses for tests.
package testbackend

import (
	"sort"
	"strings"
	"sync"
	"time"

	"storj.io/swreg/pkg/worker"
	"storj.io/swreg/pkg/workerstore"
)

type record struct {
	data      workerstore.RegistrationData
	resources []worker.ResourceRecord
}

// Client implements an in-memory registration database.
type Client struct {
	mu sync.Mutex

	registrations map[int64]record
	userData      map[int64]map[string]string
	uncommitted   map[int64]struct{}
	purgeable     map[int64]struct{}
	liveRefs      map[int64]struct{}
	policies      map[string]bool

	nextRegistrationID int64
	nextVersionID      int64
	disabled           bool

	// CallCount tracks how many times each backend method ran.
	CallCount struct {
		NewRegistrationID              int
		NewVersionID                   int
		FindForClientURL               int
		FindForScope                   int
		FindForID                      int
		RegistrationsForOrigin         int
		RegisteredOrigins              int
		StoreRegistration              int
		DeleteRegistration             int
		UpdateToActiveState            int
		UpdateLastUpdateCheckTime      int
		UpdateNavigationPreload        int
		WriteUncommittedResourceIDs    int
		DoomUncommittedResources       int
		GetUserData                    int
		StoreUserData                  int
		ClearUserData                  int
		GetUserDataForAllRegistrations int
		RebindResourceRefs             int
		ApplyPolicyUpdates             int
		PerformStorageCleanup          int
		Disable                        int
		DeleteAndStartOver             int
	}

	// ForcedStatus makes the named method return the given status instead
	// of running. Method names match the Backend interface.
	ForcedStatus map[string]workerstore.DatabaseStatus

	// Hook, when set, runs at the start of every backend method before any
	// state is touched. Tests use it to stall calls at a chosen point, for
	// example across a simulated storage crash. Set it before the backend
	// is shared with a service.
	Hook func(method string)
}

// New creates an empty in-memory backend.
func New() *Client {
	return &Client{
		registrations: map[int64]record{},
		userData:      map[int64]map[string]string{},
		uncommitted:   map[int64]struct{}{},
		purgeable:     map[int64]struct{}{},
		liveRefs:      map[int64]struct{}{},
		policies:      map[string]bool{},
		ForcedStatus:  map[string]workerstore.DatabaseStatus{},
	}
}

func (client *Client) enter(method string) {
	if client.Hook != nil {
		client.Hook(method)
	}
}

// gate handles the disabled flag and forced statuses; it must be called
// with the mutex held.
func (client *Client) gate(method string) (workerstore.DatabaseStatus, bool) {
	if status, ok := client.ForcedStatus[method]; ok {
		return status, false
	}
	if client.disabled {
		return workerstore.ErrDisabled, false
	}
	return workerstore.Ok, true
}

// NewRegistrationID assigns the next registration id.
func (client *Client) NewRegistrationID() (int64, workerstore.DatabaseStatus) {
	client.enter("NewRegistrationID")
	client.mu.Lock()
	defer client.mu.Unlock()
	client.CallCount.NewRegistrationID++
	if status, ok := client.gate("NewRegistrationID"); !ok {
		return worker.InvalidRegistrationID, status
	}
	client.nextRegistrationID++
	return client.nextRegistrationID, workerstore.Ok
}

// NewVersionID assigns the next version id.
func (client *Client) NewVersionID() (int64, workerstore.DatabaseStatus) {
	client.enter("NewVersionID")
	client.mu.Lock()
	defer client.mu.Unlock()
	client.CallCount.NewVersionID++
	if status, ok := client.gate("NewVersionID"); !ok {
		return worker.InvalidVersionID, status
	}
	client.nextVersionID++
	return client.nextVersionID, workerstore.Ok
}

func cloneRecord(rec record) (*workerstore.RegistrationData, []worker.ResourceRecord) {
	data := rec.data
	return &data, append([]worker.ResourceRecord(nil), rec.resources...)
}

func resourcesTotal(resources []worker.ResourceRecord) int64 {
	var total int64
	for _, resource := range resources {
		total += resource.SizeBytes
	}
	return total
}

// FindRegistrationForClientURL finds the longest-scope-prefix match.
func (client *Client) FindRegistrationForClientURL(clientURL string) (*workerstore.RegistrationData, []worker.ResourceRecord, workerstore.DatabaseStatus) {
	client.enter("FindRegistrationForClientURL")
	client.mu.Lock()
	defer client.mu.Unlock()
	client.CallCount.FindForClientURL++
	if status, ok := client.gate("FindRegistrationForClientURL"); !ok {
		return nil, nil, status
	}

	var best *record
	for id := range client.registrations {
		rec := client.registrations[id]
		if !worker.ScopeMatches(rec.data.Scope, clientURL) {
			continue
		}
		if best == nil || len(rec.data.Scope) > len(best.data.Scope) {
			copied := rec
			best = &copied
		}
	}
	if best == nil {
		return nil, nil, workerstore.ErrNotFound
	}
	data, resources := cloneRecord(*best)
	return data, resources, workerstore.Ok
}

// FindRegistrationForScope finds the registration with exactly scope.
func (client *Client) FindRegistrationForScope(scope string) (*workerstore.RegistrationData, []worker.ResourceRecord, workerstore.DatabaseStatus) {
	client.enter("FindRegistrationForScope")
	client.mu.Lock()
	defer client.mu.Unlock()
	client.CallCount.FindForScope++
	if status, ok := client.gate("FindRegistrationForScope"); !ok {
		return nil, nil, status
	}

	for id := range client.registrations {
		rec := client.registrations[id]
		if rec.data.Scope == scope {
			data, resources := cloneRecord(rec)
			return data, resources, workerstore.Ok
		}
	}
	return nil, nil, workerstore.ErrNotFound
}

// FindRegistrationForID finds a registration by id.
func (client *Client) FindRegistrationForID(registrationID int64, origin string) (*workerstore.RegistrationData, []worker.ResourceRecord, workerstore.DatabaseStatus) {
	client.enter("FindRegistrationForID")
	client.mu.Lock()
	defer client.mu.Unlock()
	client.CallCount.FindForID++
	if status, ok := client.gate("FindRegistrationForID"); !ok {
		return nil, nil, status
	}

	rec, ok := client.registrations[registrationID]
	if !ok {
		return nil, nil, workerstore.ErrNotFound
	}
	if origin != "" {
		recOrigin, err := rec.data.Origin()
		if err != nil || recOrigin != origin {
			return nil, nil, workerstore.ErrNotFound
		}
	}
	data, resources := cloneRecord(rec)
	return data, resources, workerstore.Ok
}

// RegistrationsForOrigin lists stored registrations for origin.
func (client *Client) RegistrationsForOrigin(origin string) ([]*workerstore.RegistrationData, [][]worker.ResourceRecord, workerstore.DatabaseStatus) {
	client.enter("RegistrationsForOrigin")
	client.mu.Lock()
	defer client.mu.Unlock()
	client.CallCount.RegistrationsForOrigin++
	if status, ok := client.gate("RegistrationsForOrigin"); !ok {
		return nil, nil, status
	}

	var ids []int64
	for id := range client.registrations {
		rec := client.registrations[id]
		recOrigin, err := rec.data.Origin()
		if err == nil && recOrigin == origin {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, k int) bool { return ids[i] < ids[k] })

	var data []*workerstore.RegistrationData
	var resources [][]worker.ResourceRecord
	for _, id := range ids {
		recData, recResources := cloneRecord(client.registrations[id])
		data = append(data, recData)
		resources = append(resources, recResources)
	}
	return data, resources, workerstore.Ok
}

// RegisteredOrigins lists every origin with at least one registration.
func (client *Client) RegisteredOrigins() ([]string, workerstore.DatabaseStatus) {
	client.enter("RegisteredOrigins")
	client.mu.Lock()
	defer client.mu.Unlock()
	client.CallCount.RegisteredOrigins++
	if status, ok := client.gate("RegisteredOrigins"); !ok {
		return nil, status
	}

	seen := map[string]struct{}{}
	for _, rec := range client.registrations {
		origin, err := rec.data.Origin()
		if err == nil {
			seen[origin] = struct{}{}
		}
	}
	origins := make([]string, 0, len(seen))
	for origin := range seen {
		origins = append(origins, origin)
	}
	sort.Strings(origins)
	return origins, workerstore.Ok
}

// StoreRegistration writes the record and commits its resources.
func (client *Client) StoreRegistration(data *workerstore.RegistrationData, resources []worker.ResourceRecord) (workerstore.DeletedVersion, workerstore.DatabaseStatus) {
	client.enter("StoreRegistration")
	client.mu.Lock()
	defer client.mu.Unlock()
	client.CallCount.StoreRegistration++
	if status, ok := client.gate("StoreRegistration"); !ok {
		return workerstore.DeletedVersion{}, status
	}

	var deleted workerstore.DeletedVersion
	if old, ok := client.registrations[data.RegistrationID]; ok {
		deleted = workerstore.DeletedVersion{
			VersionID:          old.data.VersionID,
			ResourcesTotalSize: resourcesTotal(old.resources),
		}
		for _, resource := range old.resources {
			client.purgeable[resource.ResourceID] = struct{}{}
		}
	}
	for _, resource := range resources {
		delete(client.uncommitted, resource.ResourceID)
	}
	stored := *data
	client.registrations[data.RegistrationID] = record{
		data:      stored,
		resources: append([]worker.ResourceRecord(nil), resources...),
	}
	return deleted, workerstore.Ok
}

// DeleteRegistration removes the record and dooms its resources.
func (client *Client) DeleteRegistration(registrationID int64, origin string) (workerstore.OriginState, workerstore.DeletedVersion, workerstore.DatabaseStatus) {
	client.enter("DeleteRegistration")
	client.mu.Lock()
	defer client.mu.Unlock()
	client.CallCount.DeleteRegistration++
	if status, ok := client.gate("DeleteRegistration"); !ok {
		return workerstore.OriginRetained, workerstore.DeletedVersion{}, status
	}

	rec, ok := client.registrations[registrationID]
	if !ok {
		return workerstore.OriginRetained, workerstore.DeletedVersion{}, workerstore.ErrNotFound
	}
	deleted := workerstore.DeletedVersion{
		VersionID:          rec.data.VersionID,
		ResourcesTotalSize: resourcesTotal(rec.resources),
	}
	for _, resource := range rec.resources {
		client.purgeable[resource.ResourceID] = struct{}{}
	}
	delete(client.registrations, registrationID)
	delete(client.userData, registrationID)

	for _, other := range client.registrations {
		otherOrigin, err := other.data.Origin()
		if err == nil && otherOrigin == origin {
			return workerstore.OriginRetained, deleted, workerstore.Ok
		}
	}
	return workerstore.OriginEmptied, deleted, workerstore.Ok
}

func (client *Client) updateRecord(registrationID int64, method string, update func(*workerstore.RegistrationData)) workerstore.DatabaseStatus {
	if status, ok := client.gate(method); !ok {
		return status
	}
	rec, ok := client.registrations[registrationID]
	if !ok {
		return workerstore.ErrNotFound
	}
	update(&rec.data)
	client.registrations[registrationID] = rec
	return workerstore.Ok
}

// UpdateToActiveState marks the stored version active.
func (client *Client) UpdateToActiveState(registrationID int64, origin string) workerstore.DatabaseStatus {
	client.enter("UpdateToActiveState")
	client.mu.Lock()
	defer client.mu.Unlock()
	client.CallCount.UpdateToActiveState++
	return client.updateRecord(registrationID, "UpdateToActiveState",
		func(data *workerstore.RegistrationData) { data.IsActive = true })
}

// UpdateLastUpdateCheckTime persists the update check timestamp.
func (client *Client) UpdateLastUpdateCheckTime(registrationID int64, origin string, checkTime time.Time) workerstore.DatabaseStatus {
	client.enter("UpdateLastUpdateCheckTime")
	client.mu.Lock()
	defer client.mu.Unlock()
	client.CallCount.UpdateLastUpdateCheckTime++
	return client.updateRecord(registrationID, "UpdateLastUpdateCheckTime",
		func(data *workerstore.RegistrationData) { data.LastUpdateCheck = checkTime })
}

// UpdateNavigationPreloadEnabled persists the navigation preload flag.
func (client *Client) UpdateNavigationPreloadEnabled(registrationID int64, origin string, enabled bool) workerstore.DatabaseStatus {
	client.enter("UpdateNavigationPreloadEnabled")
	client.mu.Lock()
	defer client.mu.Unlock()
	client.CallCount.UpdateNavigationPreload++
	return client.updateRecord(registrationID, "UpdateNavigationPreloadEnabled",
		func(data *workerstore.RegistrationData) { data.NavigationPreload.Enabled = enabled })
}

// UpdateNavigationPreloadHeader persists the navigation preload header.
func (client *Client) UpdateNavigationPreloadHeader(registrationID int64, origin string, header string) workerstore.DatabaseStatus {
	client.enter("UpdateNavigationPreloadHeader")
	client.mu.Lock()
	defer client.mu.Unlock()
	client.CallCount.UpdateNavigationPreload++
	return client.updateRecord(registrationID, "UpdateNavigationPreloadHeader",
		func(data *workerstore.RegistrationData) { data.NavigationPreload.Header = header })
}

// WriteUncommittedResourceIDs marks resource ids ahead of their commit.
func (client *Client) WriteUncommittedResourceIDs(resourceIDs []int64) workerstore.DatabaseStatus {
	client.enter("WriteUncommittedResourceIDs")
	client.mu.Lock()
	defer client.mu.Unlock()
	client.CallCount.WriteUncommittedResourceIDs++
	if status, ok := client.gate("WriteUncommittedResourceIDs"); !ok {
		return status
	}
	for _, id := range resourceIDs {
		client.uncommitted[id] = struct{}{}
	}
	return workerstore.Ok
}

// DoomUncommittedResources unmarks uncommitted resource ids.
func (client *Client) DoomUncommittedResources(resourceIDs []int64) workerstore.DatabaseStatus {
	client.enter("DoomUncommittedResources")
	client.mu.Lock()
	defer client.mu.Unlock()
	client.CallCount.DoomUncommittedResources++
	if status, ok := client.gate("DoomUncommittedResources"); !ok {
		return status
	}
	for _, id := range resourceIDs {
		delete(client.uncommitted, id)
		client.purgeable[id] = struct{}{}
	}
	return workerstore.Ok
}

// GetUserData reads the values for keys.
func (client *Client) GetUserData(registrationID int64, keys []string) ([]string, workerstore.DatabaseStatus) {
	client.enter("GetUserData")
	client.mu.Lock()
	defer client.mu.Unlock()
	client.CallCount.GetUserData++
	if status, ok := client.gate("GetUserData"); !ok {
		return nil, status
	}

	entries := client.userData[registrationID]
	values := make([]string, 0, len(keys))
	for _, key := range keys {
		value, ok := entries[key]
		if !ok {
			return nil, workerstore.ErrNotFound
		}
		values = append(values, value)
	}
	return values, workerstore.Ok
}

// GetUserDataByKeyPrefix reads every value whose key has prefix.
func (client *Client) GetUserDataByKeyPrefix(registrationID int64, prefix string) ([]string, workerstore.DatabaseStatus) {
	entries, status := client.GetUserKeysAndDataByKeyPrefix(registrationID, prefix)
	if status != workerstore.Ok {
		return nil, status
	}
	values := make([]string, 0, len(entries))
	for _, entry := range entries {
		values = append(values, entry.Value)
	}
	return values, workerstore.Ok
}

// GetUserKeysAndDataByKeyPrefix reads every entry whose key has prefix.
func (client *Client) GetUserKeysAndDataByKeyPrefix(registrationID int64, prefix string) ([]workerstore.UserDataEntry, workerstore.DatabaseStatus) {
	client.enter("GetUserKeysAndDataByKeyPrefix")
	client.mu.Lock()
	defer client.mu.Unlock()
	client.CallCount.GetUserData++
	if status, ok := client.gate("GetUserKeysAndDataByKeyPrefix"); !ok {
		return nil, status
	}

	var keys []string
	for key := range client.userData[registrationID] {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	entries := make([]workerstore.UserDataEntry, 0, len(keys))
	for _, key := range keys {
		entries = append(entries, workerstore.UserDataEntry{
			Key:   key,
			Value: client.userData[registrationID][key],
		})
	}
	return entries, workerstore.Ok
}

// StoreUserData writes entries for a stored registration.
func (client *Client) StoreUserData(registrationID int64, origin string, entries []workerstore.UserDataEntry) workerstore.DatabaseStatus {
	client.enter("StoreUserData")
	client.mu.Lock()
	defer client.mu.Unlock()
	client.CallCount.StoreUserData++
	if status, ok := client.gate("StoreUserData"); !ok {
		return status
	}

	if _, ok := client.registrations[registrationID]; !ok {
		return workerstore.ErrNotFound
	}
	stored := client.userData[registrationID]
	if stored == nil {
		stored = map[string]string{}
		client.userData[registrationID] = stored
	}
	for _, entry := range entries {
		stored[entry.Key] = entry.Value
	}
	return workerstore.Ok
}

// ClearUserData removes keys.
func (client *Client) ClearUserData(registrationID int64, keys []string) workerstore.DatabaseStatus {
	client.enter("ClearUserData")
	client.mu.Lock()
	defer client.mu.Unlock()
	client.CallCount.ClearUserData++
	if status, ok := client.gate("ClearUserData"); !ok {
		return status
	}
	for _, key := range keys {
		delete(client.userData[registrationID], key)
	}
	return workerstore.Ok
}

// ClearUserDataByKeyPrefixes removes every key matching any prefix.
func (client *Client) ClearUserDataByKeyPrefixes(registrationID int64, prefixes []string) workerstore.DatabaseStatus {
	client.enter("ClearUserDataByKeyPrefixes")
	client.mu.Lock()
	defer client.mu.Unlock()
	client.CallCount.ClearUserData++
	if status, ok := client.gate("ClearUserDataByKeyPrefixes"); !ok {
		return status
	}
	for key := range client.userData[registrationID] {
		for _, prefix := range prefixes {
			if strings.HasPrefix(key, prefix) {
				delete(client.userData[registrationID], key)
				break
			}
		}
	}
	return workerstore.Ok
}

// ClearUserDataForAllRegistrationsByKeyPrefix removes matching keys across
// all registrations.
func (client *Client) ClearUserDataForAllRegistrationsByKeyPrefix(prefix string) workerstore.DatabaseStatus {
	client.enter("ClearUserDataForAllRegistrationsByKeyPrefix")
	client.mu.Lock()
	defer client.mu.Unlock()
	client.CallCount.ClearUserData++
	if status, ok := client.gate("ClearUserDataForAllRegistrationsByKeyPrefix"); !ok {
		return status
	}
	for _, entries := range client.userData {
		for key := range entries {
			if strings.HasPrefix(key, prefix) {
				delete(entries, key)
			}
		}
	}
	return workerstore.Ok
}

// GetUserDataForAllRegistrations reads key's value for every registration.
func (client *Client) GetUserDataForAllRegistrations(key string) ([]workerstore.RegistrationUserData, workerstore.DatabaseStatus) {
	client.enter("GetUserDataForAllRegistrations")
	client.mu.Lock()
	defer client.mu.Unlock()
	client.CallCount.GetUserDataForAllRegistrations++
	if status, ok := client.gate("GetUserDataForAllRegistrations"); !ok {
		return nil, status
	}

	var ids []int64
	for id, entries := range client.userData {
		if _, ok := entries[key]; ok {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, k int) bool { return ids[i] < ids[k] })

	values := make([]workerstore.RegistrationUserData, 0, len(ids))
	for _, id := range ids {
		values = append(values, workerstore.RegistrationUserData{
			RegistrationID: id,
			Value:          client.userData[id][key],
		})
	}
	return values, workerstore.Ok
}

// GetUserDataForAllRegistrationsByKeyPrefix reads matching values across
// all registrations.
func (client *Client) GetUserDataForAllRegistrationsByKeyPrefix(prefix string) ([]workerstore.RegistrationUserData, workerstore.DatabaseStatus) {
	client.enter("GetUserDataForAllRegistrationsByKeyPrefix")
	client.mu.Lock()
	defer client.mu.Unlock()
	client.CallCount.GetUserDataForAllRegistrations++
	if status, ok := client.gate("GetUserDataForAllRegistrationsByKeyPrefix"); !ok {
		return nil, status
	}

	var ids []int64
	for id := range client.userData {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, k int) bool { return ids[i] < ids[k] })

	var values []workerstore.RegistrationUserData
	for _, id := range ids {
		var keys []string
		for key := range client.userData[id] {
			if strings.HasPrefix(key, prefix) {
				keys = append(keys, key)
			}
		}
		sort.Strings(keys)
		for _, key := range keys {
			values = append(values, workerstore.RegistrationUserData{
				RegistrationID: id,
				Value:          client.userData[id][key],
			})
		}
	}
	return values, workerstore.Ok
}

// RebindResourceRefs re-establishes resource references of live versions.
func (client *Client) RebindResourceRefs(refs []int64) workerstore.DatabaseStatus {
	client.enter("RebindResourceRefs")
	client.mu.Lock()
	defer client.mu.Unlock()
	client.CallCount.RebindResourceRefs++
	if status, ok := client.gate("RebindResourceRefs"); !ok {
		return status
	}
	client.liveRefs = map[int64]struct{}{}
	for _, ref := range refs {
		client.liveRefs[ref] = struct{}{}
	}
	return workerstore.Ok
}

// ApplyPolicyUpdates records per-origin storage policy decisions.
func (client *Client) ApplyPolicyUpdates(updates []workerstore.PolicyUpdate) workerstore.DatabaseStatus {
	client.enter("ApplyPolicyUpdates")
	client.mu.Lock()
	defer client.mu.Unlock()
	client.CallCount.ApplyPolicyUpdates++
	if status, ok := client.gate("ApplyPolicyUpdates"); !ok {
		return status
	}
	for _, update := range updates {
		client.policies[update.Origin] = update.PurgeOnShutdown
	}
	return workerstore.Ok
}

// PerformStorageCleanup purges doomed resources not referenced live.
func (client *Client) PerformStorageCleanup() workerstore.DatabaseStatus {
	client.enter("PerformStorageCleanup")
	client.mu.Lock()
	defer client.mu.Unlock()
	client.CallCount.PerformStorageCleanup++
	if status, ok := client.gate("PerformStorageCleanup"); !ok {
		return status
	}
	for id := range client.purgeable {
		if _, live := client.liveRefs[id]; !live {
			delete(client.purgeable, id)
		}
	}
	return workerstore.Ok
}

// Disable refuses all further calls until DeleteAndStartOver.
func (client *Client) Disable() workerstore.DatabaseStatus {
	client.enter("Disable")
	client.mu.Lock()
	defer client.mu.Unlock()
	client.CallCount.Disable++
	client.disabled = true
	return workerstore.Ok
}

// DeleteAndStartOver wipes everything and re-enables the store.
func (client *Client) DeleteAndStartOver() workerstore.DatabaseStatus {
	client.enter("DeleteAndStartOver")
	client.mu.Lock()
	defer client.mu.Unlock()
	client.CallCount.DeleteAndStartOver++
	client.registrations = map[int64]record{}
	client.userData = map[int64]map[string]string{}
	client.uncommitted = map[int64]struct{}{}
	client.purgeable = map[int64]struct{}{}
	client.liveRefs = map[int64]struct{}{}
	client.policies = map[string]bool{}
	client.disabled = false
	return workerstore.Ok
}

// Close implements workerstore.Backend.
func (client *Client) Close() error { return nil }

// UncommittedCount returns how many resource ids are marked uncommitted.
func (client *Client) UncommittedCount() int {
	client.mu.Lock()
	defer client.mu.Unlock()
	return len(client.uncommitted)
}

// PurgeableCount returns how many resource ids await purging.
func (client *Client) PurgeableCount() int {
	client.mu.Lock()
	defer client.mu.Unlock()
	return len(client.purgeable)
}
