// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package registry implements the service worker registry: the façade over
// the storage service that answers lookups, persists registrations,
// reconciles storage records with live in-memory objects and survives
// storage service crashes by replaying in-flight calls.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"storj.io/swreg/pkg/worker"
	"storj.io/swreg/pkg/workerstore"
)

var (
	mon = monkit.Package()

	// Error is the default error class for the registry package.
	Error = errs.Class("registry error")

	// ErrNotFound is returned when no registration matches the lookup.
	ErrNotFound = errs.New("registration not found")
	// ErrFailed is returned for generic storage failures and rejected
	// preconditions on writes.
	ErrFailed = errs.New("storage operation failed")
	// ErrAbort is returned while storage is disabled, for example during
	// delete-and-start-over.
	ErrAbort = errs.New("storage operation aborted")
	// ErrDisconnected is returned when the storage channel was severed and
	// could not be recovered for this call.
	ErrDisconnected = errs.New("storage disconnected")
)

// QuotaObserver is notified whenever stored bytes change or a write fails.
// Implementations must be safe for calls from any goroutine.
type QuotaObserver interface {
	NotifyStorageModified(origin string, deltaBytes int64)
	NotifyWriteFailed(origin string)
}

// ContextDelegate is the owning context the registry reports back into.
type ContextDelegate interface {
	// NotifyRegistrationStored fires after a registration was durably
	// persisted.
	NotifyRegistrationStored(registrationID int64, scope string)
	// NotifyAllRegistrationsDeletedForOrigin fires when a delete removed
	// the origin's last registration.
	NotifyAllRegistrationsDeletedForOrigin(origin string)
	// ScheduleDeleteAndStartOver asks the context to wipe storage and
	// reinitialize it. The context reports completion through
	// Registry.DidDeleteAndStartOver.
	ScheduleDeleteAndStartOver()
}

// Config tunes optional registry behavior.
type Config struct {
	Quota    QuotaObserver
	Delegate ContextDelegate

	// FatalHook runs when the recovery retry budget is exhausted. The
	// default exits the process via the logger.
	FatalHook func(error)

	MaxRecoveryRetries         int
	DeleteAndStartOverCooldown time.Duration
}

const (
	defaultMaxRecoveryRetries         = 100
	defaultDeleteAndStartOverCooldown = 5 * time.Minute
)

type connectionState int

const (
	connectionNormal connectionState = iota
	connectionRecovering
)

// Registry coordinates lookups, stores, deletes, user data and recovery
// for service worker registrations.
type Registry struct {
	log       *zap.Logger
	connector workerstore.Connector
	config    Config

	mu    sync.Mutex
	conn  *workerstore.Conn
	state connectionState

	inflight   map[*inflightCall]struct{}
	retryCount int

	liveRegistrations map[int64]*worker.Registration
	liveVersions      map[int64]*worker.Version
	installing        map[int64]*worker.Registration
	uninstalling      map[int64]*worker.Registration
	trackedOrigins    map[string]struct{}

	storageDisabled             bool
	deleteAndStartOverScheduled bool
	lastDeleteAndStartOver      time.Time

	closed bool
	fatal  bool
	done   chan struct{}
}

// New connects to the storage service and creates a registry.
func New(ctx context.Context, log *zap.Logger, connector workerstore.Connector, config Config) (*Registry, error) {
	if config.MaxRecoveryRetries == 0 {
		config.MaxRecoveryRetries = defaultMaxRecoveryRetries
	}
	if config.DeleteAndStartOverCooldown == 0 {
		config.DeleteAndStartOverCooldown = defaultDeleteAndStartOverCooldown
	}

	conn, err := connector.Connect(ctx)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	registry := &Registry{
		log:               log,
		connector:         connector,
		config:            config,
		conn:              conn,
		state:             connectionNormal,
		inflight:          map[*inflightCall]struct{}{},
		liveRegistrations: map[int64]*worker.Registration{},
		liveVersions:      map[int64]*worker.Version{},
		installing:        map[int64]*worker.Registration{},
		uninstalling:      map[int64]*worker.Registration{},
		trackedOrigins:    map[string]struct{}{},
		done:              make(chan struct{}),
	}
	go registry.watchConn(conn)
	return registry, nil
}

// Close tears the registry down. Pending calls complete with ErrAbort and
// the disconnect handler becomes a no-op.
func (registry *Registry) Close() error {
	registry.mu.Lock()
	if registry.closed {
		registry.mu.Unlock()
		return nil
	}
	registry.closed = true
	conn := registry.conn
	registry.conn = nil
	pending := registry.takePendingLocked()
	registry.mu.Unlock()

	close(registry.done)
	if conn != nil {
		_ = conn.Close()
	}
	for _, call := range pending {
		call.fail(workerstore.ErrDisabled)
	}
	return nil
}

// takePendingLocked removes and returns every pending call.
func (registry *Registry) takePendingLocked() []*inflightCall {
	pending := make([]*inflightCall, 0, len(registry.inflight))
	for call := range registry.inflight {
		pending = append(pending, call)
	}
	registry.inflight = map[*inflightCall]struct{}{}
	return pending
}

func (registry *Registry) isStorageDisabled() bool {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	return registry.storageDisabled
}

// convertStatus translates a storage status into the registry's public
// error. Anything outside Ok, NotFound and the disconnect machinery is
// treated as a sign of corruption and schedules delete-and-start-over.
func (registry *Registry) convertStatus(status workerstore.DatabaseStatus) error {
	switch status {
	case workerstore.Ok:
		return nil
	case workerstore.ErrNotFound:
		return ErrNotFound
	case workerstore.ErrDisconnected:
		return ErrDisconnected
	}

	registry.scheduleDeleteAndStartOver()
	switch status {
	case workerstore.ErrDisabled:
		// the original mapping for a disabled store is ambiguous; abort is
		// what it returns in practice
		return ErrAbort
	default:
		return ErrFailed
	}
}

func (registry *Registry) notifyStorageModified(origin string, delta int64) {
	if registry.config.Quota != nil && delta != 0 {
		registry.config.Quota.NotifyStorageModified(origin, delta)
	}
}

func (registry *Registry) notifyWriteFailed(origin string) {
	if registry.config.Quota != nil {
		registry.config.Quota.NotifyWriteFailed(origin)
	}
}

// FindRegistrationForClientURL finds the registration whose scope is the
// longest prefix of clientURL. Registrations still installing, never yet
// persisted, are discoverable through the same longest-prefix rule.
func (registry *Registry) FindRegistrationForClientURL(ctx context.Context, clientURL string) (reg *worker.Registration, err error) {
	defer mon.Task()(&ctx)(&err)

	var data *workerstore.RegistrationData
	var resources []worker.ResourceRecord
	status, err := registry.call(ctx, func(conn *workerstore.Conn) (workerstore.DatabaseStatus, func()) {
		d, r, st := conn.FindRegistrationForClientURL(clientURL)
		return st, func() { data, resources = d, r }
	})
	if err != nil {
		return nil, err
	}
	if status == workerstore.ErrNotFound {
		// an installing registration is discoverable before it was ever
		// persisted; the longest match is not canonical, a deleted winner
		// still means not found
		if installing := registry.installingForClientURL(clientURL); installing != nil && !installing.IsDeleted() {
			return installing, nil
		}
		return nil, ErrNotFound
	}
	if err := registry.convertStatus(status); err != nil {
		return nil, err
	}
	return registry.registrationFromRecord(data, resources)
}

// FindRegistrationForScope finds the registration with exactly scope. An
// installing registration for the scope short-circuits storage entirely.
func (registry *Registry) FindRegistrationForScope(ctx context.Context, scope string) (reg *worker.Registration, err error) {
	defer mon.Task()(&ctx)(&err)

	if registry.isStorageDisabled() {
		return nil, ErrAbort
	}
	if installing := registry.installingForScope(scope); installing != nil {
		if installing.IsDeleted() {
			return nil, ErrNotFound
		}
		return installing, nil
	}

	var data *workerstore.RegistrationData
	var resources []worker.ResourceRecord
	status, err := registry.call(ctx, func(conn *workerstore.Conn) (workerstore.DatabaseStatus, func()) {
		d, r, st := conn.FindRegistrationForScope(scope)
		return st, func() { data, resources = d, r }
	})
	if err != nil {
		return nil, err
	}
	if err := registry.convertStatus(status); err != nil {
		return nil, err
	}
	return registry.registrationFromRecord(data, resources)
}

// FindRegistrationForID finds a registration by id within origin,
// preferring the live object directory over storage.
func (registry *Registry) FindRegistrationForID(ctx context.Context, registrationID int64, origin string) (reg *worker.Registration, err error) {
	defer mon.Task()(&ctx)(&err)
	return registry.findForID(ctx, registrationID, origin)
}

// FindRegistrationForIDOnly finds a registration by id across all origins.
func (registry *Registry) FindRegistrationForIDOnly(ctx context.Context, registrationID int64) (reg *worker.Registration, err error) {
	defer mon.Task()(&ctx)(&err)
	return registry.findForID(ctx, registrationID, "")
}

func (registry *Registry) findForID(ctx context.Context, registrationID int64, origin string) (*worker.Registration, error) {
	registry.mu.Lock()
	if live, ok := registry.liveRegistrations[registrationID]; ok {
		findable := registry.findableLocked(live)
		registry.mu.Unlock()
		if !findable {
			return nil, ErrNotFound
		}
		if origin != "" && live.Origin() != origin {
			return nil, ErrNotFound
		}
		return live, nil
	}
	registry.mu.Unlock()

	var data *workerstore.RegistrationData
	var resources []worker.ResourceRecord
	status, err := registry.call(ctx, func(conn *workerstore.Conn) (workerstore.DatabaseStatus, func()) {
		d, r, st := conn.FindRegistrationForID(registrationID, origin)
		return st, func() { data, resources = d, r }
	})
	if err != nil {
		return nil, err
	}
	if status == workerstore.ErrNotFound {
		if installing := registry.installingForID(registrationID); installing != nil && !installing.IsDeleted() {
			return installing, nil
		}
		return nil, ErrNotFound
	}
	if err := registry.convertStatus(status); err != nil {
		return nil, err
	}
	return registry.registrationFromRecord(data, resources)
}

// RegistrationsForOrigin unions the stored registrations for origin with
// the installing ones, de-duplicated by id.
func (registry *Registry) RegistrationsForOrigin(ctx context.Context, origin string) (regs []*worker.Registration, err error) {
	defer mon.Task()(&ctx)(&err)

	var data []*workerstore.RegistrationData
	var resources [][]worker.ResourceRecord
	status, err := registry.call(ctx, func(conn *workerstore.Conn) (workerstore.DatabaseStatus, func()) {
		d, r, st := conn.RegistrationsForOrigin(origin)
		return st, func() { data, resources = d, r }
	})
	if err != nil {
		return nil, err
	}
	if err := registry.convertStatus(status); err != nil {
		return nil, err
	}

	seen := map[int64]struct{}{}
	for i := range data {
		reg, err := registry.registrationFromRecord(data[i], resources[i])
		if err != nil {
			return nil, err
		}
		seen[reg.ID()] = struct{}{}
		regs = append(regs, reg)
	}
	for _, installing := range registry.installingForOrigin(origin) {
		if _, ok := seen[installing.ID()]; ok || installing.IsDeleted() {
			continue
		}
		regs = append(regs, installing)
	}
	return regs, nil
}

// RegisteredOrigins lists every origin with stored registrations.
func (registry *Registry) RegisteredOrigins(ctx context.Context) (origins []string, err error) {
	defer mon.Task()(&ctx)(&err)

	status, err := registry.call(ctx, func(conn *workerstore.Conn) (workerstore.DatabaseStatus, func()) {
		o, st := conn.RegisteredOrigins()
		return st, func() { origins = o }
	})
	if err != nil {
		return nil, err
	}
	if err := registry.convertStatus(status); err != nil {
		return nil, err
	}
	return origins, nil
}

// NewRegistrationID asks storage for the next registration id.
func (registry *Registry) NewRegistrationID(ctx context.Context) (id int64, err error) {
	defer mon.Task()(&ctx)(&err)

	status, err := registry.call(ctx, func(conn *workerstore.Conn) (workerstore.DatabaseStatus, func()) {
		assigned, st := conn.NewRegistrationID()
		return st, func() { id = assigned }
	})
	if err != nil {
		return worker.InvalidRegistrationID, err
	}
	if err := registry.convertStatus(status); err != nil {
		return worker.InvalidRegistrationID, err
	}
	return id, nil
}

// NewVersionID asks storage for the next version id.
func (registry *Registry) NewVersionID(ctx context.Context) (id int64, err error) {
	defer mon.Task()(&ctx)(&err)

	status, err := registry.call(ctx, func(conn *workerstore.Conn) (workerstore.DatabaseStatus, func()) {
		assigned, st := conn.NewVersionID()
		return st, func() { id = assigned }
	})
	if err != nil {
		return worker.InvalidVersionID, err
	}
	if err := registry.convertStatus(status); err != nil {
		return worker.InvalidVersionID, err
	}
	return id, nil
}

// PerformStorageCleanup asks storage to purge doomed resources.
func (registry *Registry) PerformStorageCleanup(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	status, err := registry.call(ctx, func(conn *workerstore.Conn) (workerstore.DatabaseStatus, func()) {
		return conn.PerformStorageCleanup(), nil
	})
	if err != nil {
		return err
	}
	return registry.convertStatus(status)
}

// ApplyPolicyUpdates forwards per-origin storage policy decisions. Updates
// for origins the registry does not track, because they have no stored
// registrations, are dropped before reaching storage.
func (registry *Registry) ApplyPolicyUpdates(ctx context.Context, updates []workerstore.PolicyUpdate) (err error) {
	defer mon.Task()(&ctx)(&err)

	registry.mu.Lock()
	tracked := make([]workerstore.PolicyUpdate, 0, len(updates))
	for _, update := range updates {
		if _, ok := registry.trackedOrigins[update.Origin]; ok {
			tracked = append(tracked, update)
		}
	}
	registry.mu.Unlock()
	if len(tracked) == 0 {
		return nil
	}

	status, err := registry.call(ctx, func(conn *workerstore.Conn) (workerstore.DatabaseStatus, func()) {
		return conn.ApplyPolicyUpdates(tracked), nil
	})
	if err != nil {
		return err
	}
	return registry.convertStatus(status)
}
