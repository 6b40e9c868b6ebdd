// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package workerstore_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/swreg/internal/testcontext"
	"storj.io/swreg/pkg/workerstore"
	"storj.io/swreg/storage/testbackend"
)

func TestServiceCallsRunSerialized(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	backend := testbackend.New()
	service := workerstore.NewService(zaptest.NewLogger(t), backend)
	defer service.Stop()

	conn, err := service.Connect(ctx)
	require.NoError(t, err)

	var group sync.WaitGroup
	for i := 0; i < 10; i++ {
		group.Add(1)
		go func() {
			defer group.Done()
			_, status := conn.NewRegistrationID()
			assert.Equal(t, workerstore.Ok, status)
		}()
	}
	group.Wait()

	id, status := conn.NewRegistrationID()
	require.Equal(t, workerstore.Ok, status)
	require.Equal(t, int64(11), id)
	require.Equal(t, 11, backend.CallCount.NewRegistrationID)
}

func TestServiceCrashSeversConns(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	backend := testbackend.New()
	service := workerstore.NewService(zaptest.NewLogger(t), backend)
	defer service.Stop()

	conn, err := service.Connect(ctx)
	require.NoError(t, err)

	service.Crash()

	select {
	case <-conn.Closed():
	default:
		t.Fatal("conn not severed by crash")
	}

	_, status := conn.NewRegistrationID()
	require.Equal(t, workerstore.ErrDisconnected, status)

	// the backend survives the crash; a fresh conn sees its state
	fresh, err := service.Connect(ctx)
	require.NoError(t, err)
	id, status := fresh.NewRegistrationID()
	require.Equal(t, workerstore.Ok, status)
	require.Equal(t, int64(1), id)
}

func TestServiceReplyDroppedWhenCrashRacesCall(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	backend := testbackend.New()
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	backend.Hook = func(method string) {
		if method != "NewVersionID" {
			return
		}
		once.Do(func() {
			close(entered)
			<-release
		})
	}

	service := workerstore.NewService(zaptest.NewLogger(t), backend)
	defer service.Stop()

	conn, err := service.Connect(ctx)
	require.NoError(t, err)

	result := make(chan workerstore.DatabaseStatus, 1)
	ctx.Go(func() error {
		_, status := conn.NewVersionID()
		result <- status
		return nil
	})

	<-entered
	service.Crash()
	close(release)

	// the backend executed the call, but the severed conn drops the reply
	require.Equal(t, workerstore.ErrDisconnected, <-result)
	require.Equal(t, 1, backend.CallCount.NewVersionID)
}

func TestServiceStopRefusesConnections(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	backend := testbackend.New()
	service := workerstore.NewService(zaptest.NewLogger(t), backend)

	conn, err := service.Connect(ctx)
	require.NoError(t, err)

	service.Stop()

	select {
	case <-conn.Closed():
	default:
		t.Fatal("conn not severed by stop")
	}

	_, err = service.Connect(ctx)
	require.Error(t, err)
}

func TestConnCloseIsLocal(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	backend := testbackend.New()
	service := workerstore.NewService(zaptest.NewLogger(t), backend)
	defer service.Stop()

	first, err := service.Connect(ctx)
	require.NoError(t, err)
	second, err := service.Connect(ctx)
	require.NoError(t, err)

	require.NoError(t, first.Close())
	_, status := first.NewRegistrationID()
	require.Equal(t, workerstore.ErrDisconnected, status)

	_, status = second.NewRegistrationID()
	require.Equal(t, workerstore.Ok, status)
}
