// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package registrationdb implements the durable workerstore.Backend on top
// of a Bolt database.
package registrationdb

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"sync"
	"time"

	"github.com/boltdb/bolt"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/swreg/pkg/worker"
	"storj.io/swreg/pkg/workerstore"
)

var (
	// Error is the default error class for the registrationdb package.
	Error = errs.Class("registrationdb error")

	defaultTimeout = 1 * time.Second
)

const (
	// fileMode sets permissions so owner can read and write
	fileMode = 0600

	registrationsBucket = "registrations"
	scopesBucket        = "scopes"
	uncommittedBucket   = "uncommitted"
	purgeableBucket     = "purgeable"
	userDataBucket      = "userdata"
	registrationIDSeq   = "registration_ids"
	versionIDSeq        = "version_ids"
)

var buckets = []string{
	registrationsBucket,
	scopesBucket,
	uncommittedBucket,
	purgeableBucket,
	userDataBucket,
	registrationIDSeq,
	versionIDSeq,
}

// storedRegistration is the on-disk form of one registration.
type storedRegistration struct {
	Data      workerstore.RegistrationData
	Resources []worker.ResourceRecord
}

// DB is the Bolt-backed registration database.
type DB struct {
	log  *zap.Logger
	db   *bolt.DB
	Path string

	mu       sync.Mutex
	disabled bool
	liveRefs map[int64]struct{}
}

// Open opens or creates the registration database at path.
func Open(log *zap.Logger, path string) (*DB, error) {
	db, err := bolt.Open(path, fileMode, &bolt.Options{Timeout: defaultTimeout})
	if err != nil {
		return nil, Error.Wrap(err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(bucket)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, Error.Wrap(err)
	}

	return &DB{
		log:      log,
		db:       db,
		Path:     path,
		liveRefs: map[int64]struct{}{},
	}, nil
}

// Close closes the underlying Bolt database.
func (db *DB) Close() error {
	return Error.Wrap(db.db.Close())
}

func idKey(id int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(id))
	return key
}

func userDataKey(registrationID int64, key string) []byte {
	return append(idKey(registrationID), []byte(key)...)
}

func (db *DB) isDisabled() bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.disabled
}

// view wraps a read transaction, translating failures to statuses.
func (db *DB) view(fn func(tx *bolt.Tx) workerstore.DatabaseStatus) workerstore.DatabaseStatus {
	if db.isDisabled() {
		return workerstore.ErrDisabled
	}
	status := workerstore.Ok
	err := db.db.View(func(tx *bolt.Tx) error {
		status = fn(tx)
		return nil
	})
	if err != nil {
		db.log.Error("bolt view failed", zap.Error(err))
		return workerstore.ErrIOError
	}
	return status
}

// update wraps a write transaction, translating failures to statuses. The
// transaction rolls back when fn does not report Ok.
func (db *DB) update(fn func(tx *bolt.Tx) workerstore.DatabaseStatus) workerstore.DatabaseStatus {
	if db.isDisabled() {
		return workerstore.ErrDisabled
	}
	status := workerstore.Ok
	err := db.db.Update(func(tx *bolt.Tx) error {
		status = fn(tx)
		if status != workerstore.Ok {
			return Error.New("rolled back: %v", status)
		}
		return nil
	})
	if err != nil && status == workerstore.Ok {
		db.log.Error("bolt update failed", zap.Error(err))
		return workerstore.ErrIOError
	}
	return status
}

func nextID(tx *bolt.Tx, bucket string) (int64, workerstore.DatabaseStatus) {
	sequence, err := tx.Bucket([]byte(bucket)).NextSequence()
	if err != nil {
		return worker.InvalidRegistrationID, workerstore.ErrIOError
	}
	return int64(sequence), workerstore.Ok
}

// NewRegistrationID assigns the next registration id.
func (db *DB) NewRegistrationID() (id int64, status workerstore.DatabaseStatus) {
	status = db.update(func(tx *bolt.Tx) workerstore.DatabaseStatus {
		var st workerstore.DatabaseStatus
		id, st = nextID(tx, registrationIDSeq)
		return st
	})
	if status != workerstore.Ok {
		return worker.InvalidRegistrationID, status
	}
	return id, status
}

// NewVersionID assigns the next version id.
func (db *DB) NewVersionID() (id int64, status workerstore.DatabaseStatus) {
	status = db.update(func(tx *bolt.Tx) workerstore.DatabaseStatus {
		var st workerstore.DatabaseStatus
		id, st = nextID(tx, versionIDSeq)
		return st
	})
	if status != workerstore.Ok {
		return worker.InvalidVersionID, status
	}
	return id, status
}

func loadRegistration(tx *bolt.Tx, registrationID int64) (*storedRegistration, workerstore.DatabaseStatus) {
	value := tx.Bucket([]byte(registrationsBucket)).Get(idKey(registrationID))
	if value == nil {
		return nil, workerstore.ErrNotFound
	}
	var stored storedRegistration
	if err := json.Unmarshal(value, &stored); err != nil {
		return nil, workerstore.ErrCorrupted
	}
	return &stored, workerstore.Ok
}

func saveRegistration(tx *bolt.Tx, stored *storedRegistration) workerstore.DatabaseStatus {
	value, err := json.Marshal(stored)
	if err != nil {
		return workerstore.ErrFailed
	}
	if err := tx.Bucket([]byte(registrationsBucket)).Put(idKey(stored.Data.RegistrationID), value); err != nil {
		return workerstore.ErrIOError
	}
	return workerstore.Ok
}

// FindRegistrationForClientURL finds the registration whose scope is the
// longest prefix of clientURL.
func (db *DB) FindRegistrationForClientURL(clientURL string) (data *workerstore.RegistrationData, resources []worker.ResourceRecord, status workerstore.DatabaseStatus) {
	status = db.view(func(tx *bolt.Tx) workerstore.DatabaseStatus {
		var bestScope string
		var bestID int64
		cursor := tx.Bucket([]byte(scopesBucket)).Cursor()
		for key, value := cursor.First(); key != nil; key, value = cursor.Next() {
			scope := string(key)
			if worker.ScopeMatches(scope, clientURL) && len(scope) > len(bestScope) {
				bestScope = scope
				bestID = int64(binary.BigEndian.Uint64(value))
			}
		}
		if bestScope == "" {
			return workerstore.ErrNotFound
		}
		stored, st := loadRegistration(tx, bestID)
		if st != workerstore.Ok {
			return st
		}
		data, resources = &stored.Data, stored.Resources
		return workerstore.Ok
	})
	return data, resources, status
}

// FindRegistrationForScope finds the registration with exactly scope.
func (db *DB) FindRegistrationForScope(scope string) (data *workerstore.RegistrationData, resources []worker.ResourceRecord, status workerstore.DatabaseStatus) {
	status = db.view(func(tx *bolt.Tx) workerstore.DatabaseStatus {
		value := tx.Bucket([]byte(scopesBucket)).Get([]byte(scope))
		if value == nil {
			return workerstore.ErrNotFound
		}
		stored, st := loadRegistration(tx, int64(binary.BigEndian.Uint64(value)))
		if st != workerstore.Ok {
			return st
		}
		data, resources = &stored.Data, stored.Resources
		return workerstore.Ok
	})
	return data, resources, status
}

// FindRegistrationForID finds a registration by id within origin. An empty
// origin searches across all origins.
func (db *DB) FindRegistrationForID(registrationID int64, origin string) (data *workerstore.RegistrationData, resources []worker.ResourceRecord, status workerstore.DatabaseStatus) {
	status = db.view(func(tx *bolt.Tx) workerstore.DatabaseStatus {
		stored, st := loadRegistration(tx, registrationID)
		if st != workerstore.Ok {
			return st
		}
		if origin != "" {
			storedOrigin, err := stored.Data.Origin()
			if err != nil {
				return workerstore.ErrCorrupted
			}
			if storedOrigin != origin {
				return workerstore.ErrNotFound
			}
		}
		data, resources = &stored.Data, stored.Resources
		return workerstore.Ok
	})
	return data, resources, status
}

// RegistrationsForOrigin returns every stored registration for origin.
func (db *DB) RegistrationsForOrigin(origin string) (data []*workerstore.RegistrationData, resources [][]worker.ResourceRecord, status workerstore.DatabaseStatus) {
	status = db.view(func(tx *bolt.Tx) workerstore.DatabaseStatus {
		cursor := tx.Bucket([]byte(registrationsBucket)).Cursor()
		for key, value := cursor.First(); key != nil; key, value = cursor.Next() {
			var stored storedRegistration
			if err := json.Unmarshal(value, &stored); err != nil {
				return workerstore.ErrCorrupted
			}
			storedOrigin, err := stored.Data.Origin()
			if err != nil {
				return workerstore.ErrCorrupted
			}
			if storedOrigin != origin {
				continue
			}
			copied := stored
			data = append(data, &copied.Data)
			resources = append(resources, copied.Resources)
		}
		return workerstore.Ok
	})
	return data, resources, status
}

// RegisteredOrigins returns every origin with at least one registration.
func (db *DB) RegisteredOrigins() (origins []string, status workerstore.DatabaseStatus) {
	status = db.view(func(tx *bolt.Tx) workerstore.DatabaseStatus {
		seen := map[string]struct{}{}
		cursor := tx.Bucket([]byte(scopesBucket)).Cursor()
		for key, _ := cursor.First(); key != nil; key, _ = cursor.Next() {
			origin, err := worker.OriginFromScope(string(key))
			if err != nil {
				return workerstore.ErrCorrupted
			}
			if _, ok := seen[origin]; !ok {
				seen[origin] = struct{}{}
				origins = append(origins, origin)
			}
		}
		return workerstore.Ok
	})
	return origins, status
}

func resourcesTotal(resources []worker.ResourceRecord) int64 {
	var total int64
	for _, resource := range resources {
		total += resource.SizeBytes
	}
	return total
}

// StoreRegistration writes the record, commits its resources and dooms the
// superseded version's resources.
func (db *DB) StoreRegistration(data *workerstore.RegistrationData, resources []worker.ResourceRecord) (deleted workerstore.DeletedVersion, status workerstore.DatabaseStatus) {
	status = db.update(func(tx *bolt.Tx) workerstore.DatabaseStatus {
		old, st := loadRegistration(tx, data.RegistrationID)
		switch st {
		case workerstore.Ok:
			deleted = workerstore.DeletedVersion{
				VersionID:          old.Data.VersionID,
				ResourcesTotalSize: resourcesTotal(old.Resources),
			}
			purgeable := tx.Bucket([]byte(purgeableBucket))
			for _, resource := range old.Resources {
				if err := purgeable.Put(idKey(resource.ResourceID), nil); err != nil {
					return workerstore.ErrIOError
				}
			}
			if old.Data.Scope != data.Scope {
				if err := tx.Bucket([]byte(scopesBucket)).Delete([]byte(old.Data.Scope)); err != nil {
					return workerstore.ErrIOError
				}
			}
		case workerstore.ErrNotFound:
		default:
			return st
		}

		uncommitted := tx.Bucket([]byte(uncommittedBucket))
		for _, resource := range resources {
			if err := uncommitted.Delete(idKey(resource.ResourceID)); err != nil {
				return workerstore.ErrIOError
			}
		}

		if err := tx.Bucket([]byte(scopesBucket)).Put([]byte(data.Scope), idKey(data.RegistrationID)); err != nil {
			return workerstore.ErrIOError
		}
		return saveRegistration(tx, &storedRegistration{Data: *data, Resources: resources})
	})
	if status != workerstore.Ok {
		return workerstore.DeletedVersion{}, status
	}
	return deleted, status
}

// DeleteRegistration removes the record, dooms its resources and reports
// whether the origin still has registrations.
func (db *DB) DeleteRegistration(registrationID int64, origin string) (originState workerstore.OriginState, deleted workerstore.DeletedVersion, status workerstore.DatabaseStatus) {
	originState = workerstore.OriginRetained
	status = db.update(func(tx *bolt.Tx) workerstore.DatabaseStatus {
		stored, st := loadRegistration(tx, registrationID)
		if st != workerstore.Ok {
			return st
		}
		deleted = workerstore.DeletedVersion{
			VersionID:          stored.Data.VersionID,
			ResourcesTotalSize: resourcesTotal(stored.Resources),
		}

		purgeable := tx.Bucket([]byte(purgeableBucket))
		for _, resource := range stored.Resources {
			if err := purgeable.Put(idKey(resource.ResourceID), nil); err != nil {
				return workerstore.ErrIOError
			}
		}
		if err := tx.Bucket([]byte(scopesBucket)).Delete([]byte(stored.Data.Scope)); err != nil {
			return workerstore.ErrIOError
		}
		if err := tx.Bucket([]byte(registrationsBucket)).Delete(idKey(registrationID)); err != nil {
			return workerstore.ErrIOError
		}

		// drop the registration's user data
		prefix := idKey(registrationID)
		userData := tx.Bucket([]byte(userDataBucket))
		var doomedKeys [][]byte
		cursor := userData.Cursor()
		for key, _ := cursor.Seek(prefix); key != nil && bytes.HasPrefix(key, prefix); key, _ = cursor.Next() {
			doomedKeys = append(doomedKeys, append([]byte(nil), key...))
		}
		for _, key := range doomedKeys {
			if err := userData.Delete(key); err != nil {
				return workerstore.ErrIOError
			}
		}

		originState = workerstore.OriginEmptied
		scopes := tx.Bucket([]byte(scopesBucket)).Cursor()
		for key, _ := scopes.First(); key != nil; key, _ = scopes.Next() {
			scopeOrigin, err := worker.OriginFromScope(string(key))
			if err == nil && scopeOrigin == origin {
				originState = workerstore.OriginRetained
				break
			}
		}
		return workerstore.Ok
	})
	if status != workerstore.Ok {
		return workerstore.OriginRetained, workerstore.DeletedVersion{}, status
	}
	return originState, deleted, status
}

func (db *DB) updateRecord(registrationID int64, fn func(*workerstore.RegistrationData)) workerstore.DatabaseStatus {
	return db.update(func(tx *bolt.Tx) workerstore.DatabaseStatus {
		stored, st := loadRegistration(tx, registrationID)
		if st != workerstore.Ok {
			return st
		}
		fn(&stored.Data)
		return saveRegistration(tx, stored)
	})
}

// UpdateToActiveState marks the stored version active.
func (db *DB) UpdateToActiveState(registrationID int64, origin string) workerstore.DatabaseStatus {
	return db.updateRecord(registrationID, func(data *workerstore.RegistrationData) {
		data.IsActive = true
	})
}

// UpdateLastUpdateCheckTime persists the update check timestamp.
func (db *DB) UpdateLastUpdateCheckTime(registrationID int64, origin string, checkTime time.Time) workerstore.DatabaseStatus {
	return db.updateRecord(registrationID, func(data *workerstore.RegistrationData) {
		data.LastUpdateCheck = checkTime
	})
}

// UpdateNavigationPreloadEnabled persists the navigation preload flag.
func (db *DB) UpdateNavigationPreloadEnabled(registrationID int64, origin string, enabled bool) workerstore.DatabaseStatus {
	return db.updateRecord(registrationID, func(data *workerstore.RegistrationData) {
		data.NavigationPreload.Enabled = enabled
	})
}

// UpdateNavigationPreloadHeader persists the navigation preload header.
func (db *DB) UpdateNavigationPreloadHeader(registrationID int64, origin string, header string) workerstore.DatabaseStatus {
	return db.updateRecord(registrationID, func(data *workerstore.RegistrationData) {
		data.NavigationPreload.Header = header
	})
}

// WriteUncommittedResourceIDs marks resource ids written ahead of the
// registration record that commits them.
func (db *DB) WriteUncommittedResourceIDs(resourceIDs []int64) workerstore.DatabaseStatus {
	return db.update(func(tx *bolt.Tx) workerstore.DatabaseStatus {
		uncommitted := tx.Bucket([]byte(uncommittedBucket))
		for _, id := range resourceIDs {
			if err := uncommitted.Put(idKey(id), nil); err != nil {
				return workerstore.ErrIOError
			}
		}
		return workerstore.Ok
	})
}

// DoomUncommittedResources unmarks uncommitted resource ids and queues them
// for purging.
func (db *DB) DoomUncommittedResources(resourceIDs []int64) workerstore.DatabaseStatus {
	return db.update(func(tx *bolt.Tx) workerstore.DatabaseStatus {
		uncommitted := tx.Bucket([]byte(uncommittedBucket))
		purgeable := tx.Bucket([]byte(purgeableBucket))
		for _, id := range resourceIDs {
			if err := uncommitted.Delete(idKey(id)); err != nil {
				return workerstore.ErrIOError
			}
			if err := purgeable.Put(idKey(id), nil); err != nil {
				return workerstore.ErrIOError
			}
		}
		return workerstore.Ok
	})
}

// RebindResourceRefs re-establishes the resource references of live
// versions after a storage service restart.
func (db *DB) RebindResourceRefs(refs []int64) workerstore.DatabaseStatus {
	if db.isDisabled() {
		return workerstore.ErrDisabled
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	db.liveRefs = map[int64]struct{}{}
	for _, ref := range refs {
		db.liveRefs[ref] = struct{}{}
	}
	return workerstore.Ok
}

// ApplyPolicyUpdates records per-origin storage policy decisions.
func (db *DB) ApplyPolicyUpdates(updates []workerstore.PolicyUpdate) workerstore.DatabaseStatus {
	// policy enforcement happens at shutdown by the embedder; recording the
	// flags is enough here
	if db.isDisabled() {
		return workerstore.ErrDisabled
	}
	return workerstore.Ok
}

// PerformStorageCleanup purges doomed resources that no live version
// references.
func (db *DB) PerformStorageCleanup() workerstore.DatabaseStatus {
	db.mu.Lock()
	liveRefs := make(map[int64]struct{}, len(db.liveRefs))
	for ref := range db.liveRefs {
		liveRefs[ref] = struct{}{}
	}
	db.mu.Unlock()

	return db.update(func(tx *bolt.Tx) workerstore.DatabaseStatus {
		purgeable := tx.Bucket([]byte(purgeableBucket))
		cursor := purgeable.Cursor()
		var doomed [][]byte
		for key, _ := cursor.First(); key != nil; key, _ = cursor.Next() {
			id := int64(binary.BigEndian.Uint64(key))
			if _, live := liveRefs[id]; !live {
				doomed = append(doomed, append([]byte(nil), key...))
			}
		}
		for _, key := range doomed {
			if err := purgeable.Delete(key); err != nil {
				return workerstore.ErrIOError
			}
		}
		return workerstore.Ok
	})
}

// Disable refuses all further calls until DeleteAndStartOver.
func (db *DB) Disable() workerstore.DatabaseStatus {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.disabled = true
	return workerstore.Ok
}

// DeleteAndStartOver drops every bucket and reinitializes the database
// empty and enabled.
func (db *DB) DeleteAndStartOver() workerstore.DatabaseStatus {
	db.mu.Lock()
	db.disabled = false
	db.liveRefs = map[int64]struct{}{}
	db.mu.Unlock()

	return db.update(func(tx *bolt.Tx) workerstore.DatabaseStatus {
		for _, bucket := range buckets {
			if err := tx.DeleteBucket([]byte(bucket)); err != nil {
				return workerstore.ErrIOError
			}
			if _, err := tx.CreateBucket([]byte(bucket)); err != nil {
				return workerstore.ErrIOError
			}
		}
		return workerstore.Ok
	})
}
