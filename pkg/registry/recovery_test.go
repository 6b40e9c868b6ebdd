// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package registry_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/swreg/internal/testcontext"
	"storj.io/swreg/pkg/registry"
	"storj.io/swreg/pkg/worker"
	"storj.io/swreg/pkg/workerstore"
	"storj.io/swreg/storage/testbackend"
)

func TestRecoveryReplaysPendingCall(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	backend := testbackend.New()
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	backend.Hook = func(method string) {
		if method != "StoreRegistration" {
			return
		}
		once.Do(func() {
			close(entered)
			<-release
		})
	}
	setup := newTestSetupWithBackend(t, ctx, backend)

	reg, version := makeRegistration(t, ctx, setup, "https://example.com/app/", 100)

	result := make(chan error, 1)
	ctx.Go(func() error {
		result <- setup.registry.StoreRegistration(ctx, reg, version)
		return nil
	})

	// the call reached the backend; crash before its reply is delivered
	<-entered
	require.Equal(t, 1, setup.registry.PendingCalls())
	setup.service.Crash()
	close(release)

	// recovery replays the call and the caller completes exactly once
	require.NoError(t, <-result)
	require.True(t, reg.IsStored())
	require.Equal(t, 2, backend.CallCount.StoreRegistration)
	require.Zero(t, setup.registry.PendingCalls())

	select {
	case err := <-result:
		t.Fatal("reply delivered twice:", err)
	case <-time.After(50 * time.Millisecond):
	}

	// the store is durable
	found, err := setup.registry.FindRegistrationForScope(ctx, "https://example.com/app/")
	require.NoError(t, err)
	require.Same(t, reg, found)
}

func TestRecoveryReplayDeliversLookupPayload(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	backend := testbackend.New()
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	backend.Hook = func(method string) {
		if method != "FindRegistrationForScope" {
			return
		}
		once.Do(func() {
			close(entered)
			<-release
		})
	}
	setup := newTestSetupWithBackend(t, ctx, backend)

	reg, version := makeRegistration(t, ctx, setup, "https://example.com/app/", 100)
	require.NoError(t, setup.registry.StoreRegistration(ctx, reg, version))

	type lookup struct {
		reg *worker.Registration
		err error
	}
	result := make(chan lookup, 1)
	ctx.Go(func() error {
		found, err := setup.registry.FindRegistrationForScope(ctx, "https://example.com/app/")
		result <- lookup{reg: found, err: err}
		return nil
	})

	// crash while the lookup sits in the backend; its reply is dropped and
	// the severed invocation must not clobber the payload the replay
	// delivers
	<-entered
	setup.service.Crash()
	close(release)

	got := <-result
	require.NoError(t, got.err)
	require.Same(t, reg, got.reg)
	require.Equal(t, 2, backend.CallCount.FindForScope)
}

func TestRecoveryRebindsLiveResourceRefs(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	backend := testbackend.New()
	setup := newTestSetupWithBackend(t, ctx, backend)

	reg, version := makeRegistration(t, ctx, setup, "https://example.com/app/", 100)
	require.NoError(t, setup.registry.StoreRegistration(ctx, reg, version))

	before := backend.CallCount.RebindResourceRefs
	setup.service.Crash()

	// this call parks until recovery replays it, and the refs were rebound
	// before any replayed call ran
	_, err := setup.registry.NewVersionID(ctx)
	require.NoError(t, err)
	require.Greater(t, backend.CallCount.RebindResourceRefs, before)
}

func TestRecoveryRetryBudgetExhausted(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	backend := testbackend.New()
	log := zaptest.NewLogger(t)
	service := workerstore.NewService(log.Named("service"), backend)

	fatal := make(chan error, 1)
	reg, err := registry.New(ctx, log.Named("registry"), service, registry.Config{
		MaxRecoveryRetries: 2,
		FatalHook:          func(err error) { fatal <- err },
	})
	require.NoError(t, err)
	defer ctx.Check(reg.Close)

	// stopping the service makes every reconnect attempt fail
	service.Stop()

	select {
	case err := <-fatal:
		require.Error(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("fatal hook never fired")
	}

	_, err = reg.NewRegistrationID(ctx)
	require.Equal(t, registry.ErrAbort, err)
	require.Zero(t, reg.PendingCalls())
}

func TestFatalRecoverySkipsDeleteAndStartOver(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	backend := testbackend.New()
	log := zaptest.NewLogger(t)
	service := workerstore.NewService(log.Named("service"), backend)

	fatal := make(chan error, 1)
	delegate := newFakeDelegate()
	reg, err := registry.New(ctx, log.Named("registry"), service, registry.Config{
		Delegate:           delegate,
		MaxRecoveryRetries: 2,
		FatalHook:          func(err error) { fatal <- err },
	})
	require.NoError(t, err)
	defer ctx.Check(reg.Close)

	// stopping the service makes every reconnect attempt fail; the parked
	// call fails once the retry budget runs out
	service.Stop()
	result := make(chan error, 1)
	ctx.Go(func() error {
		_, err := reg.NewRegistrationID(ctx)
		result <- err
		return nil
	})

	select {
	case err := <-fatal:
		require.Error(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("fatal hook never fired")
	}
	require.Equal(t, registry.ErrAbort, <-result)

	// giving up is terminal: the failing calls must not request a wipe on
	// their way out
	select {
	case <-delegate.wipes:
		t.Fatal("delete and start over scheduled after fatal recovery failure")
	case <-time.After(50 * time.Millisecond):
	}
	require.Zero(t, backend.CallCount.Disable)
}

func TestPrepareForDeleteAndStartOverDisablesBackend(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	backend := testbackend.New()
	setup := newTestSetupWithBackend(t, ctx, backend)

	setup.registry.PrepareForDeleteAndStartOver()
	require.Equal(t, 1, backend.CallCount.Disable)

	// the backend refuses writers on other channels too
	_, status := backend.NewRegistrationID()
	require.Equal(t, workerstore.ErrDisabled, status)

	// the wipe re-enables everything
	require.NoError(t, setup.registry.DeleteAndStartOver(ctx))
	setup.registry.DidDeleteAndStartOver(nil)
	fresh, version := makeRegistration(t, ctx, setup, "https://example.com/app/", 10)
	require.NoError(t, setup.registry.StoreRegistration(ctx, fresh, version))
}

func TestCorruptionSchedulesDeleteAndStartOver(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	backend := testbackend.New()
	setup := newTestSetupWithBackend(t, ctx, backend)

	reg, version := makeRegistration(t, ctx, setup, "https://example.com/app/", 100)
	require.NoError(t, setup.registry.StoreRegistration(ctx, reg, version))

	backend.ForcedStatus["GetUserData"] = workerstore.ErrCorrupted
	_, err := setup.registry.GetUserData(ctx, reg.ID(), []string{"key"})
	require.Equal(t, registry.ErrFailed, err)

	select {
	case <-setup.delegate.wipes:
	case <-time.After(5 * time.Second):
		t.Fatal("delete and start over never scheduled")
	}

	// while disabled, writes fail fast without reaching storage
	stores := backend.CallCount.StoreRegistration
	err = setup.registry.StoreRegistration(ctx, reg, version)
	require.Equal(t, registry.ErrAbort, err)
	require.Equal(t, stores, backend.CallCount.StoreRegistration)
	_, err = setup.registry.FindRegistrationForScope(ctx, "https://example.com/app/")
	require.Equal(t, registry.ErrAbort, err)

	// a second corruption while one wipe is scheduled is coalesced
	_, err = setup.registry.GetUserData(ctx, reg.ID(), []string{"key"})
	require.Equal(t, registry.ErrFailed, err)
	select {
	case <-setup.delegate.wipes:
		t.Fatal("delete and start over scheduled twice")
	case <-time.After(50 * time.Millisecond):
	}

	// the owning context performs the wipe and reports back
	delete(backend.ForcedStatus, "GetUserData")
	require.NoError(t, setup.registry.DeleteAndStartOver(ctx))
	setup.registry.DidDeleteAndStartOver(nil)

	// storage works again, wiped clean
	fresh, freshVersion := makeRegistration(t, ctx, setup, "https://example.com/fresh/", 10)
	require.NoError(t, setup.registry.StoreRegistration(ctx, fresh, freshVersion))
	origins, err := setup.registry.RegisteredOrigins(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"https://example.com"}, origins)
	_, err = setup.registry.FindRegistrationForScope(ctx, "https://example.com/app/")
	require.Equal(t, registry.ErrNotFound, err)
}

func TestCloseFailsPendingCalls(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	backend := testbackend.New()
	setup := newTestSetupWithBackend(t, ctx, backend)

	// crash and stop so the pending call can never be replayed
	setup.service.Stop()

	result := make(chan error, 1)
	ctx.Go(func() error {
		_, err := setup.registry.NewRegistrationID(ctx)
		result <- err
		return nil
	})

	require.Eventually(t, func() bool {
		return setup.registry.PendingCalls() == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, setup.registry.Close())
	require.Equal(t, registry.ErrAbort, <-result)
}
