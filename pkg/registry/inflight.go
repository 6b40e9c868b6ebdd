// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package registry

import (
	"context"

	"storj.io/swreg/pkg/workerstore"
)

// inflightCall is one pending storage RPC. The invoker captures the call's
// arguments, so re-running it after a reconnect reissues the identical
// request. A call whose reply was lost to a disconnect stays in the
// inflight set until recovery replays it.
type inflightCall struct {
	invoke func(conn *workerstore.Conn)
	fail   func(status workerstore.DatabaseStatus)
}

// startRemoteCall registers the call and, while the connection is normal,
// invokes it immediately. During recovery the call waits for replay.
func (registry *Registry) startRemoteCall(call *inflightCall) error {
	registry.mu.Lock()
	if registry.closed || registry.fatal {
		registry.mu.Unlock()
		return ErrAbort
	}
	registry.inflight[call] = struct{}{}
	conn, state := registry.conn, registry.state
	registry.mu.Unlock()

	if state == connectionNormal && conn != nil {
		go call.invoke(conn)
	}
	return nil
}

// finishRemoteCall removes the call from the inflight set and reports
// whether this caller owns delivering its reply.
func (registry *Registry) finishRemoteCall(call *inflightCall) bool {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if _, ok := registry.inflight[call]; !ok {
		return false
	}
	delete(registry.inflight, call)
	return true
}

// call issues one storage RPC and waits for its reply. Disconnects are
// invisible here: the reply just arrives after recovery replays the call.
//
// invoke runs the RPC into invocation-local results and returns a publish
// function that moves them into the caller's variables. A stale invocation
// and a recovery replay of the same call can run concurrently; only the one
// that wins reply ownership publishes, so a loser cannot clobber the
// payload the caller observes.
func (registry *Registry) call(ctx context.Context, invoke func(conn *workerstore.Conn) (workerstore.DatabaseStatus, func())) (workerstore.DatabaseStatus, error) {
	done := make(chan workerstore.DatabaseStatus, 1)

	call := &inflightCall{}
	call.invoke = func(conn *workerstore.Conn) {
		status, publish := invoke(conn)
		if status == workerstore.ErrDisconnected {
			// reply lost; the call stays pending for replay
			return
		}
		if registry.finishRemoteCall(call) {
			if publish != nil {
				publish()
			}
			done <- status
		}
	}
	call.fail = func(status workerstore.DatabaseStatus) {
		done <- status
	}

	if err := registry.startRemoteCall(call); err != nil {
		return workerstore.ErrDisabled, err
	}

	select {
	case status := <-done:
		return status, nil
	case <-ctx.Done():
		return workerstore.ErrFailed, Error.Wrap(ctx.Err())
	}
}

// PendingCalls returns how many calls await a reply or replay.
func (registry *Registry) PendingCalls() int {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	return len(registry.inflight)
}
