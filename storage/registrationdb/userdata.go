// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package registrationdb

import (
	"bytes"
	"encoding/binary"

	"github.com/boltdb/bolt"

	"storj.io/swreg/pkg/workerstore"
)

// GetUserData reads the values for keys, all of which must exist.
func (db *DB) GetUserData(registrationID int64, keys []string) (values []string, status workerstore.DatabaseStatus) {
	status = db.view(func(tx *bolt.Tx) workerstore.DatabaseStatus {
		bucket := tx.Bucket([]byte(userDataBucket))
		for _, key := range keys {
			value := bucket.Get(userDataKey(registrationID, key))
			if value == nil {
				return workerstore.ErrNotFound
			}
			values = append(values, string(value))
		}
		return workerstore.Ok
	})
	if status != workerstore.Ok {
		return nil, status
	}
	return values, status
}

// GetUserDataByKeyPrefix reads every value whose key has prefix.
func (db *DB) GetUserDataByKeyPrefix(registrationID int64, prefix string) ([]string, workerstore.DatabaseStatus) {
	entries, status := db.GetUserKeysAndDataByKeyPrefix(registrationID, prefix)
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
func (db *DB) GetUserKeysAndDataByKeyPrefix(registrationID int64, prefix string) (entries []workerstore.UserDataEntry, status workerstore.DatabaseStatus) {
	status = db.view(func(tx *bolt.Tx) workerstore.DatabaseStatus {
		seek := userDataKey(registrationID, prefix)
		cursor := tx.Bucket([]byte(userDataBucket)).Cursor()
		for key, value := cursor.Seek(seek); key != nil && bytes.HasPrefix(key, seek); key, value = cursor.Next() {
			entries = append(entries, workerstore.UserDataEntry{
				Key:   string(key[8:]),
				Value: string(value),
			})
		}
		return workerstore.Ok
	})
	if status != workerstore.Ok {
		return nil, status
	}
	return entries, status
}

// StoreUserData writes entries for a stored registration.
func (db *DB) StoreUserData(registrationID int64, origin string, entries []workerstore.UserDataEntry) workerstore.DatabaseStatus {
	return db.update(func(tx *bolt.Tx) workerstore.DatabaseStatus {
		if _, st := loadRegistration(tx, registrationID); st != workerstore.Ok {
			return st
		}
		bucket := tx.Bucket([]byte(userDataBucket))
		for _, entry := range entries {
			if err := bucket.Put(userDataKey(registrationID, entry.Key), []byte(entry.Value)); err != nil {
				return workerstore.ErrIOError
			}
		}
		return workerstore.Ok
	})
}

// ClearUserData removes keys.
func (db *DB) ClearUserData(registrationID int64, keys []string) workerstore.DatabaseStatus {
	return db.update(func(tx *bolt.Tx) workerstore.DatabaseStatus {
		bucket := tx.Bucket([]byte(userDataBucket))
		for _, key := range keys {
			if err := bucket.Delete(userDataKey(registrationID, key)); err != nil {
				return workerstore.ErrIOError
			}
		}
		return workerstore.Ok
	})
}

// ClearUserDataByKeyPrefixes removes every key matching any prefix.
func (db *DB) ClearUserDataByKeyPrefixes(registrationID int64, prefixes []string) workerstore.DatabaseStatus {
	return db.update(func(tx *bolt.Tx) workerstore.DatabaseStatus {
		bucket := tx.Bucket([]byte(userDataBucket))
		for _, prefix := range prefixes {
			seek := userDataKey(registrationID, prefix)
			var doomed [][]byte
			cursor := bucket.Cursor()
			for key, _ := cursor.Seek(seek); key != nil && bytes.HasPrefix(key, seek); key, _ = cursor.Next() {
				doomed = append(doomed, append([]byte(nil), key...))
			}
			for _, key := range doomed {
				if err := bucket.Delete(key); err != nil {
					return workerstore.ErrIOError
				}
			}
		}
		return workerstore.Ok
	})
}

// ClearUserDataForAllRegistrationsByKeyPrefix removes every matching key
// across all registrations.
func (db *DB) ClearUserDataForAllRegistrationsByKeyPrefix(prefix string) workerstore.DatabaseStatus {
	return db.update(func(tx *bolt.Tx) workerstore.DatabaseStatus {
		bucket := tx.Bucket([]byte(userDataBucket))
		var doomed [][]byte
		cursor := bucket.Cursor()
		for key, _ := cursor.First(); key != nil; key, _ = cursor.Next() {
			if len(key) > 8 && bytes.HasPrefix(key[8:], []byte(prefix)) {
				doomed = append(doomed, append([]byte(nil), key...))
			}
		}
		for _, key := range doomed {
			if err := bucket.Delete(key); err != nil {
				return workerstore.ErrIOError
			}
		}
		return workerstore.Ok
	})
}

// GetUserDataForAllRegistrations reads key's value for every registration
// that has it.
func (db *DB) GetUserDataForAllRegistrations(key string) (values []workerstore.RegistrationUserData, status workerstore.DatabaseStatus) {
	status = db.view(func(tx *bolt.Tx) workerstore.DatabaseStatus {
		cursor := tx.Bucket([]byte(userDataBucket)).Cursor()
		for dataKey, value := cursor.First(); dataKey != nil; dataKey, value = cursor.Next() {
			if len(dataKey) > 8 && string(dataKey[8:]) == key {
				values = append(values, workerstore.RegistrationUserData{
					RegistrationID: int64(binary.BigEndian.Uint64(dataKey[:8])),
					Value:          string(value),
				})
			}
		}
		return workerstore.Ok
	})
	if status != workerstore.Ok {
		return nil, status
	}
	return values, status
}

// GetUserDataForAllRegistrationsByKeyPrefix reads every matching value
// across all registrations.
func (db *DB) GetUserDataForAllRegistrationsByKeyPrefix(prefix string) (values []workerstore.RegistrationUserData, status workerstore.DatabaseStatus) {
	status = db.view(func(tx *bolt.Tx) workerstore.DatabaseStatus {
		cursor := tx.Bucket([]byte(userDataBucket)).Cursor()
		for dataKey, value := cursor.First(); dataKey != nil; dataKey, value = cursor.Next() {
			if len(dataKey) > 8 && bytes.HasPrefix(dataKey[8:], []byte(prefix)) {
				values = append(values, workerstore.RegistrationUserData{
					RegistrationID: int64(binary.BigEndian.Uint64(dataKey[:8])),
					Value:          string(value),
				})
			}
		}
		return workerstore.Ok
	})
	if status != workerstore.Ok {
		return nil, status
	}
	return values, status
}
