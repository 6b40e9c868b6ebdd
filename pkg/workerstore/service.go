// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package workerstore

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Connector re-acquires a channel to the storage service. Reconnection
// after a crash is the caller's responsibility, not the channel's.
type Connector interface {
	Connect(ctx context.Context) (*Conn, error)
}

// Service hosts a Backend the way the browser's storage service does:
// calls arrive over Conn handles and run serialized on one dispatcher
// goroutine. The service can crash, severing every handle without touching
// the backend, and accepts fresh connections afterwards.
type Service struct {
	log     *zap.Logger
	backend Backend

	mu      sync.Mutex
	conns   map[*Conn]struct{}
	stopped bool

	queue chan func()
	done  chan struct{}
}

// NewService starts a service hosting backend.
func NewService(log *zap.Logger, backend Backend) *Service {
	service := &Service{
		log:     log,
		backend: backend,
		conns:   map[*Conn]struct{}{},
		queue:   make(chan func(), 64),
		done:    make(chan struct{}),
	}
	go service.dispatch()
	return service
}

func (service *Service) dispatch() {
	for {
		select {
		case fn := <-service.queue:
			fn()
		case <-service.done:
			return
		}
	}
}

func (service *Service) enqueue(fn func()) bool {
	select {
	case service.queue <- fn:
		return true
	case <-service.done:
		return false
	}
}

// Connect hands out a new channel handle.
func (service *Service) Connect(ctx context.Context) (*Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, Error.Wrap(err)
	}

	service.mu.Lock()
	defer service.mu.Unlock()
	if service.stopped {
		return nil, Error.New("storage service stopped")
	}
	conn := &Conn{service: service, closed: make(chan struct{})}
	service.conns[conn] = struct{}{}
	return conn, nil
}

// Crash severs every open handle. Calls waiting for a reply observe a
// disconnect; the backend itself stays intact.
func (service *Service) Crash() {
	service.mu.Lock()
	conns := service.conns
	service.conns = map[*Conn]struct{}{}
	service.mu.Unlock()

	for conn := range conns {
		conn.sever()
	}
	service.log.Warn("storage service crashed", zap.Int("severed", len(conns)))
}

// Stop severs every handle and refuses new connections. The backend is not
// closed; its owner does that.
func (service *Service) Stop() {
	service.mu.Lock()
	if service.stopped {
		service.mu.Unlock()
		return
	}
	service.stopped = true
	service.mu.Unlock()

	service.Crash()
	close(service.done)
}

// Conn is one channel handle to the storage service. Every call returns
// ErrDisconnected once the handle is severed; replies that were in flight
// at sever time are dropped.
type Conn struct {
	service *Service
	closed  chan struct{}
	once    sync.Once
}

// Closed is closed when the handle is severed.
func (conn *Conn) Closed() <-chan struct{} { return conn.closed }

func (conn *Conn) sever() {
	conn.once.Do(func() { close(conn.closed) })
}

// Close severs the handle locally.
func (conn *Conn) Close() error {
	conn.service.mu.Lock()
	delete(conn.service.conns, conn)
	conn.service.mu.Unlock()
	conn.sever()
	return nil
}

// do runs fn on the service dispatcher and reports whether the reply made
// it back before the handle was severed.
func (conn *Conn) do(fn func(backend Backend)) bool {
	select {
	case <-conn.closed:
		return false
	default:
	}

	done := make(chan struct{})
	if !conn.service.enqueue(func() {
		fn(conn.service.backend)
		close(done)
	}) {
		return false
	}

	select {
	case <-done:
	case <-conn.closed:
		return false
	}
	// the reply is dropped when the sever raced the call
	select {
	case <-conn.closed:
		return false
	default:
		return true
	}
}
