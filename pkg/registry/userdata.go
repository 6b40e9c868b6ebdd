// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package registry

import (
	"context"

	"storj.io/swreg/pkg/worker"
	"storj.io/swreg/pkg/workerstore"
)

// GetUserData reads the values for keys. Every key must exist, otherwise
// the whole read fails with ErrNotFound.
func (registry *Registry) GetUserData(ctx context.Context, registrationID int64, keys []string) (values []string, err error) {
	defer mon.Task()(&ctx)(&err)

	if registrationID == worker.InvalidRegistrationID || len(keys) == 0 {
		return nil, ErrFailed
	}
	for _, key := range keys {
		if key == "" {
			return nil, ErrFailed
		}
	}

	status, err := registry.call(ctx, func(conn *workerstore.Conn) (workerstore.DatabaseStatus, func()) {
		v, st := conn.GetUserData(registrationID, keys)
		return st, func() { values = v }
	})
	if err != nil {
		return nil, err
	}
	if err := registry.convertStatus(status); err != nil {
		return nil, err
	}
	return values, nil
}

// GetUserDataByKeyPrefix reads the values of every key starting with
// prefix, ordered by key.
func (registry *Registry) GetUserDataByKeyPrefix(ctx context.Context, registrationID int64, prefix string) (values []string, err error) {
	defer mon.Task()(&ctx)(&err)

	if registrationID == worker.InvalidRegistrationID || prefix == "" {
		return nil, ErrFailed
	}

	status, err := registry.call(ctx, func(conn *workerstore.Conn) (workerstore.DatabaseStatus, func()) {
		v, st := conn.GetUserDataByKeyPrefix(registrationID, prefix)
		return st, func() { values = v }
	})
	if err != nil {
		return nil, err
	}
	if err := registry.convertStatus(status); err != nil {
		return nil, err
	}
	return values, nil
}

// GetUserKeysAndDataByKeyPrefix reads every key starting with prefix along
// with its value, ordered by key.
func (registry *Registry) GetUserKeysAndDataByKeyPrefix(ctx context.Context, registrationID int64, prefix string) (entries []workerstore.UserDataEntry, err error) {
	defer mon.Task()(&ctx)(&err)

	if registrationID == worker.InvalidRegistrationID || prefix == "" {
		return nil, ErrFailed
	}

	status, err := registry.call(ctx, func(conn *workerstore.Conn) (workerstore.DatabaseStatus, func()) {
		e, st := conn.GetUserKeysAndDataByKeyPrefix(registrationID, prefix)
		return st, func() { entries = e }
	})
	if err != nil {
		return nil, err
	}
	if err := registry.convertStatus(status); err != nil {
		return nil, err
	}
	return entries, nil
}

// StoreUserData writes key/value pairs for a registration. Invalid input
// is rejected before reaching storage.
func (registry *Registry) StoreUserData(ctx context.Context, registrationID int64, origin string, entries []workerstore.UserDataEntry) (err error) {
	defer mon.Task()(&ctx)(&err)

	if registrationID == worker.InvalidRegistrationID || registrationID <= 0 || len(entries) == 0 {
		return ErrFailed
	}
	for _, entry := range entries {
		if entry.Key == "" {
			return ErrFailed
		}
	}

	status, err := registry.call(ctx, func(conn *workerstore.Conn) (workerstore.DatabaseStatus, func()) {
		return conn.StoreUserData(registrationID, origin, entries), nil
	})
	if err != nil {
		return err
	}
	return registry.convertStatus(status)
}

// ClearUserData deletes keys. Keys that do not exist are ignored.
func (registry *Registry) ClearUserData(ctx context.Context, registrationID int64, keys []string) (err error) {
	defer mon.Task()(&ctx)(&err)

	if registrationID == worker.InvalidRegistrationID || len(keys) == 0 {
		return ErrFailed
	}
	for _, key := range keys {
		if key == "" {
			return ErrFailed
		}
	}

	status, err := registry.call(ctx, func(conn *workerstore.Conn) (workerstore.DatabaseStatus, func()) {
		return conn.ClearUserData(registrationID, keys), nil
	})
	if err != nil {
		return err
	}
	return registry.convertStatus(status)
}

// ClearUserDataByKeyPrefixes deletes every key starting with any of the
// prefixes.
func (registry *Registry) ClearUserDataByKeyPrefixes(ctx context.Context, registrationID int64, prefixes []string) (err error) {
	defer mon.Task()(&ctx)(&err)

	if registrationID == worker.InvalidRegistrationID || len(prefixes) == 0 {
		return ErrFailed
	}
	for _, prefix := range prefixes {
		if prefix == "" {
			return ErrFailed
		}
	}

	status, err := registry.call(ctx, func(conn *workerstore.Conn) (workerstore.DatabaseStatus, func()) {
		return conn.ClearUserDataByKeyPrefixes(registrationID, prefixes), nil
	})
	if err != nil {
		return err
	}
	return registry.convertStatus(status)
}

// ClearUserDataForAllRegistrationsByKeyPrefix deletes every key starting
// with prefix across all registrations.
func (registry *Registry) ClearUserDataForAllRegistrationsByKeyPrefix(ctx context.Context, prefix string) (err error) {
	defer mon.Task()(&ctx)(&err)

	if prefix == "" {
		return ErrFailed
	}

	status, err := registry.call(ctx, func(conn *workerstore.Conn) (workerstore.DatabaseStatus, func()) {
		return conn.ClearUserDataForAllRegistrationsByKeyPrefix(prefix), nil
	})
	if err != nil {
		return err
	}
	return registry.convertStatus(status)
}

// GetUserDataForAllRegistrations reads key's value for every registration
// that has it.
func (registry *Registry) GetUserDataForAllRegistrations(ctx context.Context, key string) (values []workerstore.RegistrationUserData, err error) {
	defer mon.Task()(&ctx)(&err)

	if key == "" {
		return nil, ErrFailed
	}

	status, err := registry.call(ctx, func(conn *workerstore.Conn) (workerstore.DatabaseStatus, func()) {
		v, st := conn.GetUserDataForAllRegistrations(key)
		return st, func() { values = v }
	})
	if err != nil {
		return nil, err
	}
	if err := registry.convertStatus(status); err != nil {
		return nil, err
	}
	return values, nil
}

// GetUserDataForAllRegistrationsByKeyPrefix reads every key starting with
// prefix across all registrations.
func (registry *Registry) GetUserDataForAllRegistrationsByKeyPrefix(ctx context.Context, prefix string) (values []workerstore.RegistrationUserData, err error) {
	defer mon.Task()(&ctx)(&err)

	if prefix == "" {
		return nil, ErrFailed
	}

	status, err := registry.call(ctx, func(conn *workerstore.Conn) (workerstore.DatabaseStatus, func()) {
		v, st := conn.GetUserDataForAllRegistrationsByKeyPrefix(prefix)
		return st, func() { values = v }
	})
	if err != nil {
		return nil, err
	}
	if err := registry.convertStatus(status); err != nil {
		return nil, err
	}
	return values, nil
}
