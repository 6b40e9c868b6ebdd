// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package registrationdb_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/swreg/internal/testcontext"
	"storj.io/swreg/pkg/worker"
	"storj.io/swreg/pkg/workerstore"
	"storj.io/swreg/storage/registrationdb"
)

func openDB(t *testing.T, ctx *testcontext.Context) *registrationdb.DB {
	db, err := registrationdb.Open(zaptest.NewLogger(t), ctx.File("registrations.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ctx.Check(db.Close) })
	return db
}

func makeData(db *registrationdb.DB, t *testing.T, scope string, sizes ...int64) (*workerstore.RegistrationData, []worker.ResourceRecord) {
	registrationID, status := db.NewRegistrationID()
	require.Equal(t, workerstore.Ok, status)
	versionID, status := db.NewVersionID()
	require.Equal(t, workerstore.Ok, status)

	var resources []worker.ResourceRecord
	var total int64
	for i, size := range sizes {
		resources = append(resources, worker.ResourceRecord{
			ResourceID: versionID*100 + int64(i),
			URL:        scope + "sw.js",
			SizeBytes:  size,
		})
		total += size
	}
	now := time.Now().UTC().Truncate(time.Second)
	return &workerstore.RegistrationData{
		RegistrationID:          registrationID,
		Scope:                   scope,
		ScriptURL:               scope + "sw.js",
		UpdateViaCache:          worker.UpdateViaCacheImports,
		HasFetchHandler:         true,
		VersionID:               versionID,
		IsActive:                true,
		LastUpdateCheck:         now,
		ScriptResponseTime:      now,
		NavigationPreload:       worker.NavigationPreloadState{Header: worker.DefaultNavigationPreloadHeader},
		ResourcesTotalSizeBytes: total,
	}, resources
}

func TestRegistrationRoundTrip(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	db := openDB(t, ctx)

	data, resources := makeData(db, t, "https://example.com/app/", 40, 60)
	data.LastUpdateCheck = time.Now().UTC().Truncate(time.Second)
	data.OriginTrialTokens = []string{"token"}
	data.UsedFeatures = []uint32{7, 11}

	deleted, status := db.StoreRegistration(data, resources)
	require.Equal(t, workerstore.Ok, status)
	require.Zero(t, deleted.ResourcesTotalSize)

	found, foundResources, status := db.FindRegistrationForScope("https://example.com/app/")
	require.Equal(t, workerstore.Ok, status)
	require.Equal(t, data, found)
	require.Equal(t, resources, foundResources)

	found, _, status = db.FindRegistrationForID(data.RegistrationID, "https://example.com")
	require.Equal(t, workerstore.Ok, status)
	require.Equal(t, data.Scope, found.Scope)

	_, _, status = db.FindRegistrationForID(data.RegistrationID, "https://other.com")
	require.Equal(t, workerstore.ErrNotFound, status)

	origins, status := db.RegisteredOrigins()
	require.Equal(t, workerstore.Ok, status)
	require.Equal(t, []string{"https://example.com"}, origins)
}

func TestRegistrationSurvivesReopen(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	path := ctx.File("registrations.db")

	db, err := registrationdb.Open(zaptest.NewLogger(t), path)
	require.NoError(t, err)
	data, resources := makeData(db, t, "https://example.com/app/", 100)
	_, status := db.StoreRegistration(data, resources)
	require.Equal(t, workerstore.Ok, status)
	require.NoError(t, db.Close())

	reopened, err := registrationdb.Open(zaptest.NewLogger(t), path)
	require.NoError(t, err)
	defer ctx.Check(reopened.Close)

	stored, storedResources, status := reopened.FindRegistrationForScope("https://example.com/app/")
	require.Equal(t, workerstore.Ok, status)
	require.Equal(t, data, stored)
	require.Equal(t, resources, storedResources)

	// sequences continue after reopen
	id, status := reopened.NewRegistrationID()
	require.Equal(t, workerstore.Ok, status)
	require.Greater(t, id, data.RegistrationID)
}

func TestFindForClientURLLongestScope(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	db := openDB(t, ctx)

	shallow, shallowResources := makeData(db, t, "https://example.com/a/", 10)
	deep, deepResources := makeData(db, t, "https://example.com/a/b/", 10)
	_, status := db.StoreRegistration(shallow, shallowResources)
	require.Equal(t, workerstore.Ok, status)
	_, status = db.StoreRegistration(deep, deepResources)
	require.Equal(t, workerstore.Ok, status)

	found, _, status := db.FindRegistrationForClientURL("https://example.com/a/b/c")
	require.Equal(t, workerstore.Ok, status)
	require.Equal(t, deep.RegistrationID, found.RegistrationID)

	found, _, status = db.FindRegistrationForClientURL("https://example.com/a/x")
	require.Equal(t, workerstore.Ok, status)
	require.Equal(t, shallow.RegistrationID, found.RegistrationID)

	_, _, status = db.FindRegistrationForClientURL("https://example.com/other")
	require.Equal(t, workerstore.ErrNotFound, status)
}

func TestStoreSupersedesAndDeleteDooms(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	db := openDB(t, ctx)

	data, resources := makeData(db, t, "https://example.com/app/", 100)
	require.Equal(t, workerstore.Ok, mustStatus(db.StoreRegistration(data, resources)))

	// replacing the stored version dooms the old resources
	replacement := *data
	versionID, status := db.NewVersionID()
	require.Equal(t, workerstore.Ok, status)
	replacement.VersionID = versionID
	newResources := []worker.ResourceRecord{{ResourceID: versionID * 100, URL: data.ScriptURL, SizeBytes: 150}}
	replacement.ResourcesTotalSizeBytes = 150

	deleted, status := db.StoreRegistration(&replacement, newResources)
	require.Equal(t, workerstore.Ok, status)
	require.Equal(t, data.VersionID, deleted.VersionID)
	require.Equal(t, int64(100), deleted.ResourcesTotalSize)

	originState, deleted, status := db.DeleteRegistration(data.RegistrationID, "https://example.com")
	require.Equal(t, workerstore.Ok, status)
	require.Equal(t, workerstore.OriginEmptied, originState)
	require.Equal(t, int64(150), deleted.ResourcesTotalSize)

	_, _, status = db.FindRegistrationForScope("https://example.com/app/")
	require.Equal(t, workerstore.ErrNotFound, status)

	_, _, status = db.DeleteRegistration(data.RegistrationID, "https://example.com")
	require.Equal(t, workerstore.ErrNotFound, status)
}

func mustStatus(_ workerstore.DeletedVersion, status workerstore.DatabaseStatus) workerstore.DatabaseStatus {
	return status
}

func TestOriginStateAcrossRegistrations(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	db := openDB(t, ctx)

	first, firstResources := makeData(db, t, "https://example.com/a/", 10)
	second, secondResources := makeData(db, t, "https://example.com/b/", 10)
	require.Equal(t, workerstore.Ok, mustStatus(db.StoreRegistration(first, firstResources)))
	require.Equal(t, workerstore.Ok, mustStatus(db.StoreRegistration(second, secondResources)))

	originState, _, status := db.DeleteRegistration(first.RegistrationID, "https://example.com")
	require.Equal(t, workerstore.Ok, status)
	require.Equal(t, workerstore.OriginRetained, originState)

	originState, _, status = db.DeleteRegistration(second.RegistrationID, "https://example.com")
	require.Equal(t, workerstore.Ok, status)
	require.Equal(t, workerstore.OriginEmptied, originState)
}

func TestUncommittedResourceLifecycle(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	db := openDB(t, ctx)

	require.Equal(t, workerstore.Ok, db.WriteUncommittedResourceIDs([]int64{1, 2, 3}))
	require.Equal(t, workerstore.Ok, db.DoomUncommittedResources([]int64{1, 2, 3}))

	// a live reference protects a doomed resource from cleanup
	require.Equal(t, workerstore.Ok, db.RebindResourceRefs([]int64{2}))
	require.Equal(t, workerstore.Ok, db.PerformStorageCleanup())
	require.Equal(t, workerstore.Ok, db.RebindResourceRefs(nil))
	require.Equal(t, workerstore.Ok, db.PerformStorageCleanup())
}

func TestUpdateOperations(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	db := openDB(t, ctx)

	data, resources := makeData(db, t, "https://example.com/app/", 10)
	data.IsActive = false
	require.Equal(t, workerstore.Ok, mustStatus(db.StoreRegistration(data, resources)))

	require.Equal(t, workerstore.Ok, db.UpdateToActiveState(data.RegistrationID, "https://example.com"))
	checkTime := time.Now().UTC().Truncate(time.Second)
	require.Equal(t, workerstore.Ok, db.UpdateLastUpdateCheckTime(data.RegistrationID, "https://example.com", checkTime))
	require.Equal(t, workerstore.Ok, db.UpdateNavigationPreloadEnabled(data.RegistrationID, "https://example.com", true))
	require.Equal(t, workerstore.Ok, db.UpdateNavigationPreloadHeader(data.RegistrationID, "https://example.com", "custom"))

	found, _, status := db.FindRegistrationForID(data.RegistrationID, "")
	require.Equal(t, workerstore.Ok, status)
	require.True(t, found.IsActive)
	require.True(t, found.LastUpdateCheck.Equal(checkTime))
	require.Equal(t, worker.NavigationPreloadState{Enabled: true, Header: "custom"}, found.NavigationPreload)

	require.Equal(t, workerstore.ErrNotFound, db.UpdateToActiveState(data.RegistrationID+100, ""))
}

func TestDisableAndDeleteAndStartOver(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	db := openDB(t, ctx)

	data, resources := makeData(db, t, "https://example.com/app/", 10)
	require.Equal(t, workerstore.Ok, mustStatus(db.StoreRegistration(data, resources)))

	require.Equal(t, workerstore.Ok, db.Disable())
	_, _, status := db.FindRegistrationForScope("https://example.com/app/")
	require.Equal(t, workerstore.ErrDisabled, status)
	require.Equal(t, workerstore.ErrDisabled, mustStatus(db.StoreRegistration(data, resources)))

	require.Equal(t, workerstore.Ok, db.DeleteAndStartOver())

	// empty and enabled again
	_, _, status = db.FindRegistrationForScope("https://example.com/app/")
	require.Equal(t, workerstore.ErrNotFound, status)
	origins, status := db.RegisteredOrigins()
	require.Equal(t, workerstore.Ok, status)
	require.Empty(t, origins)
}
