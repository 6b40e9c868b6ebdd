// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package registry

import (
	"context"
	"time"

	"go.uber.org/zap"

	"storj.io/swreg/pkg/worker"
	"storj.io/swreg/pkg/workerstore"
)

// recoveryRetryInterval is the pause between failed reconnect attempts.
const recoveryRetryInterval = 100 * time.Millisecond

// watchConn waits for the storage channel to be severed and kicks off
// recovery. One watcher runs per connection.
func (registry *Registry) watchConn(conn *workerstore.Conn) {
	select {
	case <-conn.Closed():
		registry.onDisconnect(conn)
	case <-registry.done:
	}
}

// onDisconnect marks the registry recovering. Calls that were in flight
// stay in the table; their replies, if any, were dropped with the channel
// and they will be replayed once a new channel is up.
func (registry *Registry) onDisconnect(conn *workerstore.Conn) {
	registry.mu.Lock()
	if registry.closed || registry.fatal || registry.conn != conn {
		registry.mu.Unlock()
		return
	}
	registry.conn = nil
	registry.state = connectionRecovering
	pending := len(registry.inflight)
	registry.mu.Unlock()

	registry.log.Warn("storage disconnected, recovering",
		zap.Int("pending calls", pending))
	go registry.recoverConnection()
}

func (registry *Registry) recoverConnection() {
	for {
		registry.mu.Lock()
		if registry.closed || registry.fatal {
			registry.mu.Unlock()
			return
		}
		registry.retryCount++
		if registry.retryCount > registry.config.MaxRecoveryRetries {
			registry.mu.Unlock()
			registry.failRecovery()
			return
		}
		attempt := registry.retryCount
		registry.mu.Unlock()

		if registry.tryRecoverOnce(attempt) {
			return
		}

		select {
		case <-time.After(recoveryRetryInterval):
		case <-registry.done:
			return
		}
	}
}

// tryRecoverOnce makes one reconnect attempt. On success the live resource
// refs are rebound before any queued call runs, so the storage service
// cannot purge resources that versions in this process still reference.
func (registry *Registry) tryRecoverOnce(attempt int) bool {
	ctx := context.Background()
	conn, err := registry.connector.Connect(ctx)
	if err != nil {
		registry.log.Warn("storage reconnect failed",
			zap.Int("attempt", attempt), zap.Error(err))
		return false
	}

	if status := conn.Recover(registry.liveResourceRefs()); status != workerstore.Ok {
		registry.log.Warn("storage recover handshake failed",
			zap.Int("attempt", attempt),
			zap.Stringer("status", status))
		_ = conn.Close()
		return false
	}

	registry.mu.Lock()
	if registry.closed || registry.fatal {
		registry.mu.Unlock()
		_ = conn.Close()
		return true
	}
	registry.conn = conn
	registry.state = connectionNormal
	registry.retryCount = 0
	replay := make([]*inflightCall, 0, len(registry.inflight))
	for call := range registry.inflight {
		replay = append(replay, call)
	}
	registry.mu.Unlock()

	registry.log.Info("storage recovered",
		zap.Int("replayed calls", len(replay)))
	go registry.watchConn(conn)
	for _, call := range replay {
		go call.invoke(conn)
	}
	return true
}

// failRecovery gives up on reconnecting. Storage stays disabled, pending
// calls fail and the fatal hook decides what happens to the process.
func (registry *Registry) failRecovery() {
	registry.mu.Lock()
	registry.fatal = true
	registry.storageDisabled = true
	pending := registry.takePendingLocked()
	hook := registry.config.FatalHook
	registry.mu.Unlock()

	for _, call := range pending {
		call.fail(workerstore.ErrDisabled)
	}

	err := Error.New("storage recovery retry budget exhausted")
	if hook != nil {
		hook(err)
		return
	}
	registry.log.Fatal("storage unrecoverable", zap.Error(err))
}

// liveResourceRefs collects the rebinding tokens of every live version
// that has not become redundant.
func (registry *Registry) liveResourceRefs() []int64 {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	refs := make([]int64, 0, len(registry.liveVersions))
	for _, version := range registry.liveVersions {
		if version.IsRedundant() {
			continue
		}
		refs = append(refs, version.ResourceRef())
	}
	return refs
}

// scheduleDeleteAndStartOver asks the owning context to wipe storage. The
// request is debounced: only one wipe at a time and not again within the
// cooldown.
func (registry *Registry) scheduleDeleteAndStartOver() {
	registry.mu.Lock()
	// once recovery gave up the process is going away; failing calls must
	// not trigger a wipe on their way out
	if registry.deleteAndStartOverScheduled || registry.closed || registry.fatal {
		registry.mu.Unlock()
		return
	}
	if !registry.lastDeleteAndStartOver.IsZero() &&
		time.Since(registry.lastDeleteAndStartOver) < registry.config.DeleteAndStartOverCooldown {
		registry.mu.Unlock()
		return
	}
	registry.deleteAndStartOverScheduled = true
	registry.lastDeleteAndStartOver = time.Now()
	delegate := registry.config.Delegate
	registry.mu.Unlock()

	registry.log.Error("storage reported corruption, scheduling delete and start over")
	registry.PrepareForDeleteAndStartOver()
	if delegate != nil {
		go delegate.ScheduleDeleteAndStartOver()
	}
}

// PrepareForDeleteAndStartOver disables storage ahead of a wipe. While
// disabled, write operations fail fast without reaching storage. The
// backend itself is disabled too, so other channel holders stop writing
// until DeleteAndStartOver re-enables it.
func (registry *Registry) PrepareForDeleteAndStartOver() {
	registry.mu.Lock()
	registry.storageDisabled = true
	conn := registry.conn
	registry.mu.Unlock()

	if conn == nil {
		return
	}
	if status := conn.Disable(); status != workerstore.Ok {
		registry.log.Warn("disabling storage backend before wipe failed",
			zap.Stringer("status", status))
	}
}

// DeleteAndStartOver wipes storage on behalf of the owning context.
func (registry *Registry) DeleteAndStartOver(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	status, err := registry.call(ctx, func(conn *workerstore.Conn) (workerstore.DatabaseStatus, func()) {
		return conn.DeleteAndStartOver(), nil
	})
	if err != nil {
		return err
	}
	if status != workerstore.Ok {
		return ErrFailed
	}
	return nil
}

// DidDeleteAndStartOver is called by the owning context once the wipe
// finished. On success storage is enabled again.
func (registry *Registry) DidDeleteAndStartOver(err error) {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	registry.deleteAndStartOverScheduled = false
	if err != nil {
		registry.log.Error("delete and start over failed, storage stays disabled", zap.Error(err))
		return
	}
	if registry.fatal {
		return
	}

	// the wipe reset storage-assigned ids, so nothing live can be trusted
	registry.liveRegistrations = map[int64]*worker.Registration{}
	registry.liveVersions = map[int64]*worker.Version{}
	registry.installing = map[int64]*worker.Registration{}
	registry.uninstalling = map[int64]*worker.Registration{}
	registry.trackedOrigins = map[string]struct{}{}

	registry.storageDisabled = false
	registry.log.Info("delete and start over completed, storage enabled")
}
