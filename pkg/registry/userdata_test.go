// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package registry_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"storj.io/swreg/internal/testcontext"
	"storj.io/swreg/pkg/registry"
	"storj.io/swreg/pkg/workerstore"
)

func TestUserDataRoundTrip(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	setup := newTestSetup(t, ctx)

	reg, version := makeRegistration(t, ctx, setup, "https://example.com/app/", 100)
	require.NoError(t, setup.registry.StoreRegistration(ctx, reg, version))

	require.NoError(t, setup.registry.StoreUserData(ctx, reg.ID(), reg.Origin(), []workerstore.UserDataEntry{
		{Key: "prefix:alpha", Value: "1"},
		{Key: "prefix:beta", Value: "2"},
		{Key: "other", Value: "3"},
	}))

	values, err := setup.registry.GetUserData(ctx, reg.ID(), []string{"prefix:alpha", "other"})
	require.NoError(t, err)
	require.Equal(t, []string{"1", "3"}, values)

	// every requested key must exist
	_, err = setup.registry.GetUserData(ctx, reg.ID(), []string{"prefix:alpha", "missing"})
	require.Equal(t, registry.ErrNotFound, err)

	values, err = setup.registry.GetUserDataByKeyPrefix(ctx, reg.ID(), "prefix:")
	require.NoError(t, err)
	require.Equal(t, []string{"1", "2"}, values)

	entries, err := setup.registry.GetUserKeysAndDataByKeyPrefix(ctx, reg.ID(), "prefix:")
	require.NoError(t, err)
	require.Equal(t, []workerstore.UserDataEntry{
		{Key: "prefix:alpha", Value: "1"},
		{Key: "prefix:beta", Value: "2"},
	}, entries)

	require.NoError(t, setup.registry.ClearUserData(ctx, reg.ID(), []string{"prefix:alpha", "missing"}))
	values, err = setup.registry.GetUserDataByKeyPrefix(ctx, reg.ID(), "prefix:")
	require.NoError(t, err)
	require.Equal(t, []string{"2"}, values)

	require.NoError(t, setup.registry.ClearUserDataByKeyPrefixes(ctx, reg.ID(), []string{"prefix:", "oth"}))
	entries, err = setup.registry.GetUserKeysAndDataByKeyPrefix(ctx, reg.ID(), "prefix:")
	require.NoError(t, err)
	require.Empty(t, entries)
	values, err = setup.registry.GetUserDataByKeyPrefix(ctx, reg.ID(), "ot")
	require.NoError(t, err)
	require.Empty(t, values)
}

func TestUserDataAcrossRegistrations(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	setup := newTestSetup(t, ctx)

	first, firstVersion := makeRegistration(t, ctx, setup, "https://example.com/a/", 10)
	require.NoError(t, setup.registry.StoreRegistration(ctx, first, firstVersion))
	second, secondVersion := makeRegistration(t, ctx, setup, "https://example.com/b/", 10)
	require.NoError(t, setup.registry.StoreRegistration(ctx, second, secondVersion))

	require.NoError(t, setup.registry.StoreUserData(ctx, first.ID(), first.Origin(), []workerstore.UserDataEntry{
		{Key: "shared", Value: "from-first"},
		{Key: "shared:extra", Value: "x"},
	}))
	require.NoError(t, setup.registry.StoreUserData(ctx, second.ID(), second.Origin(), []workerstore.UserDataEntry{
		{Key: "shared", Value: "from-second"},
	}))

	values, err := setup.registry.GetUserDataForAllRegistrations(ctx, "shared")
	require.NoError(t, err)
	require.Equal(t, []workerstore.RegistrationUserData{
		{RegistrationID: first.ID(), Value: "from-first"},
		{RegistrationID: second.ID(), Value: "from-second"},
	}, values)

	values, err = setup.registry.GetUserDataForAllRegistrationsByKeyPrefix(ctx, "shared")
	require.NoError(t, err)
	require.Len(t, values, 3)

	require.NoError(t, setup.registry.ClearUserDataForAllRegistrationsByKeyPrefix(ctx, "shared"))
	values, err = setup.registry.GetUserDataForAllRegistrationsByKeyPrefix(ctx, "shared")
	require.NoError(t, err)
	require.Empty(t, values)

	// user data dies with its registration
	require.NoError(t, setup.registry.StoreUserData(ctx, first.ID(), first.Origin(), []workerstore.UserDataEntry{
		{Key: "doomed", Value: "v"},
	}))
	require.NoError(t, setup.registry.DeleteRegistration(ctx, first))
	values, err = setup.registry.GetUserDataForAllRegistrations(ctx, "doomed")
	require.NoError(t, err)
	require.Empty(t, values)
}

func TestUserDataRejectsInvalidInput(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	setup := newTestSetup(t, ctx)

	reg, version := makeRegistration(t, ctx, setup, "https://example.com/app/", 100)
	require.NoError(t, setup.registry.StoreRegistration(ctx, reg, version))

	// rejected synchronously, storage never sees them
	err := setup.registry.StoreUserData(ctx, -1, reg.Origin(), []workerstore.UserDataEntry{{Key: "k", Value: "v"}})
	require.Equal(t, registry.ErrFailed, err)
	err = setup.registry.StoreUserData(ctx, reg.ID(), reg.Origin(), nil)
	require.Equal(t, registry.ErrFailed, err)
	err = setup.registry.StoreUserData(ctx, reg.ID(), reg.Origin(), []workerstore.UserDataEntry{{Key: "", Value: "v"}})
	require.Equal(t, registry.ErrFailed, err)
	require.Zero(t, setup.backend.CallCount.StoreUserData)

	_, err = setup.registry.GetUserData(ctx, reg.ID(), nil)
	require.Equal(t, registry.ErrFailed, err)
	_, err = setup.registry.GetUserData(ctx, reg.ID(), []string{""})
	require.Equal(t, registry.ErrFailed, err)
	err = setup.registry.ClearUserData(ctx, reg.ID(), []string{""})
	require.Equal(t, registry.ErrFailed, err)
	require.Zero(t, setup.backend.CallCount.GetUserData)
	require.Zero(t, setup.backend.CallCount.ClearUserData)

	// storing against an unknown registration fails in storage
	err = setup.registry.StoreUserData(ctx, reg.ID()+1000, reg.Origin(), []workerstore.UserDataEntry{{Key: "k", Value: "v"}})
	require.Equal(t, registry.ErrNotFound, err)
}
