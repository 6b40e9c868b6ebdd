// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package worker implements the service worker data model: registrations,
// versions and the lifecycle state machines both of them obey.
package worker

import (
	"sort"
	"sync"
	"time"

	"github.com/zeebo/errs"
)

// Error is the default error class for the worker package.
var Error = errs.Class("worker error")

// InvalidRegistrationID marks a registration id that was never assigned
// by storage.
const InvalidRegistrationID int64 = -1

// InvalidVersionID marks a version id that was never assigned by storage.
const InvalidVersionID int64 = -1

// VersionStatus is the lifecycle status of a Version. It only ever advances,
// except for the side exit to VersionRedundant which is reachable from any
// status and is terminal.
type VersionStatus int

const (
	// VersionNew is the initial status of a freshly created version.
	VersionNew VersionStatus = iota
	// VersionInstalling means the install event is being dispatched.
	VersionInstalling
	// VersionInstalled means installation finished and the version waits.
	VersionInstalled
	// VersionActivating means the activate event is being dispatched.
	VersionActivating
	// VersionActivated means the version controls clients.
	VersionActivated
	// VersionRedundant is the terminal failure status.
	VersionRedundant
)

func (status VersionStatus) String() string {
	switch status {
	case VersionNew:
		return "new"
	case VersionInstalling:
		return "installing"
	case VersionInstalled:
		return "installed"
	case VersionActivating:
		return "activating"
	case VersionActivated:
		return "activated"
	case VersionRedundant:
		return "redundant"
	default:
		return "unknown"
	}
}

// FetchHandlerExistence describes whether the script registered a fetch
// handler. It must be resolved before the version can be stored.
type FetchHandlerExistence int

const (
	// FetchHandlerUnknown means the main script has not finished evaluating.
	FetchHandlerUnknown FetchHandlerExistence = iota
	// FetchHandlerExists means the script registered a fetch handler.
	FetchHandlerExists
	// FetchHandlerDoesNotExist means the script registered no fetch handler.
	FetchHandlerDoesNotExist
)

// ScriptType distinguishes classic scripts from module scripts.
type ScriptType int

const (
	// ScriptTypeClassic is a classic script.
	ScriptTypeClassic ScriptType = iota
	// ScriptTypeModule is a module script.
	ScriptTypeModule
)

// ResourceRecord describes one script resource (main script or import)
// belonging to a version.
type ResourceRecord struct {
	ResourceID int64
	URL        string
	SizeBytes  int64
}

// CrossOriginEmbedderPolicy is the COEP the main script response carried.
// It stays unset on a version until the main script has loaded.
type CrossOriginEmbedderPolicy struct {
	Value             string
	ReportingEndpoint string
}

// Version is one concrete script instance and its lifecycle status.
type Version struct {
	id         int64
	scriptURL  string
	scriptType ScriptType

	mu                 sync.Mutex
	status             VersionStatus
	fetchHandler       FetchHandlerExistence
	resources          map[string]ResourceRecord
	coep               *CrossOriginEmbedderPolicy
	usedFeatures       map[uint32]struct{}
	originTrialTokens  []string
	scriptResponseTime time.Time
	resourceRef        int64
}

// NewVersion creates a version in the VersionNew status.
func NewVersion(id int64, scriptURL string, scriptType ScriptType) *Version {
	return &Version{
		id:           id,
		scriptURL:    scriptURL,
		scriptType:   scriptType,
		status:       VersionNew,
		fetchHandler: FetchHandlerUnknown,
		resources:    map[string]ResourceRecord{},
		usedFeatures: map[uint32]struct{}{},
		resourceRef:  id,
	}
}

// ID returns the storage-assigned version id.
func (version *Version) ID() int64 { return version.id }

// ScriptURL returns the main script URL.
func (version *Version) ScriptURL() string { return version.scriptURL }

// ScriptType returns whether the script is classic or a module.
func (version *Version) ScriptType() ScriptType { return version.scriptType }

// Status returns the current lifecycle status.
func (version *Version) Status() VersionStatus {
	version.mu.Lock()
	defer version.mu.Unlock()
	return version.status
}

// SetStatus advances the lifecycle status. Only forward transitions are
// allowed and nothing leaves VersionRedundant.
func (version *Version) SetStatus(status VersionStatus) error {
	version.mu.Lock()
	defer version.mu.Unlock()

	if version.status == VersionRedundant {
		return Error.New("version %d is redundant", version.id)
	}
	if status == VersionRedundant {
		version.status = VersionRedundant
		return nil
	}
	if status <= version.status {
		return Error.New("version %d cannot go from %v back to %v",
			version.id, version.status, status)
	}
	version.status = status
	return nil
}

// Doom forces the version into the terminal VersionRedundant status.
func (version *Version) Doom() {
	version.mu.Lock()
	defer version.mu.Unlock()
	version.status = VersionRedundant
}

// IsRedundant reports whether the version reached the terminal status.
func (version *Version) IsRedundant() bool {
	return version.Status() == VersionRedundant
}

// FetchHandler returns whether the script registered a fetch handler.
func (version *Version) FetchHandler() FetchHandlerExistence {
	version.mu.Lock()
	defer version.mu.Unlock()
	return version.fetchHandler
}

// SetFetchHandler resolves the fetch handler existence.
func (version *Version) SetFetchHandler(existence FetchHandlerExistence) {
	version.mu.Lock()
	defer version.mu.Unlock()
	version.fetchHandler = existence
}

// SetResources replaces the version's resource records. The version owns
// these exclusively; callers must not hold on to the slice.
func (version *Version) SetResources(resources []ResourceRecord) {
	version.mu.Lock()
	defer version.mu.Unlock()
	version.resources = make(map[string]ResourceRecord, len(resources))
	for _, resource := range resources {
		version.resources[resource.URL] = resource
	}
}

// Resources returns a copy of the resource records, ordered by resource id.
func (version *Version) Resources() []ResourceRecord {
	version.mu.Lock()
	defer version.mu.Unlock()

	resources := make([]ResourceRecord, 0, len(version.resources))
	for _, resource := range version.resources {
		resources = append(resources, resource)
	}
	sort.Slice(resources, func(i, k int) bool {
		return resources[i].ResourceID < resources[k].ResourceID
	})
	return resources
}

// ResourcesTotalSize returns the byte total across all resource records.
func (version *Version) ResourcesTotalSize() int64 {
	version.mu.Lock()
	defer version.mu.Unlock()

	var total int64
	for _, resource := range version.resources {
		total += resource.SizeBytes
	}
	return total
}

// CrossOriginEmbedderPolicy returns the COEP, nil until the main script
// has loaded.
func (version *Version) CrossOriginEmbedderPolicy() *CrossOriginEmbedderPolicy {
	version.mu.Lock()
	defer version.mu.Unlock()
	return version.coep
}

// SetCrossOriginEmbedderPolicy records the COEP from the main script load.
func (version *Version) SetCrossOriginEmbedderPolicy(coep *CrossOriginEmbedderPolicy) {
	version.mu.Lock()
	defer version.mu.Unlock()
	version.coep = coep
}

// MarkUsedFeature records a web platform feature the script used.
func (version *Version) MarkUsedFeature(feature uint32) {
	version.mu.Lock()
	defer version.mu.Unlock()
	version.usedFeatures[feature] = struct{}{}
}

// SetUsedFeatures replaces the used feature set.
func (version *Version) SetUsedFeatures(features []uint32) {
	version.mu.Lock()
	defer version.mu.Unlock()
	version.usedFeatures = make(map[uint32]struct{}, len(features))
	for _, feature := range features {
		version.usedFeatures[feature] = struct{}{}
	}
}

// UsedFeatures returns the used feature set, sorted.
func (version *Version) UsedFeatures() []uint32 {
	version.mu.Lock()
	defer version.mu.Unlock()

	features := make([]uint32, 0, len(version.usedFeatures))
	for feature := range version.usedFeatures {
		features = append(features, feature)
	}
	sort.Slice(features, func(i, k int) bool { return features[i] < features[k] })
	return features
}

// OriginTrialTokens returns the origin trial tokens, nil when none were set.
func (version *Version) OriginTrialTokens() []string {
	version.mu.Lock()
	defer version.mu.Unlock()
	return append([]string(nil), version.originTrialTokens...)
}

// SetOriginTrialTokens records the origin trial tokens from the main script.
func (version *Version) SetOriginTrialTokens(tokens []string) {
	version.mu.Lock()
	defer version.mu.Unlock()
	version.originTrialTokens = append([]string(nil), tokens...)
}

// ScriptResponseTime returns when the main script response was received.
func (version *Version) ScriptResponseTime() time.Time {
	version.mu.Lock()
	defer version.mu.Unlock()
	return version.scriptResponseTime
}

// SetScriptResponseTime records when the main script response was received.
func (version *Version) SetScriptResponseTime(responseTime time.Time) {
	version.mu.Lock()
	defer version.mu.Unlock()
	version.scriptResponseTime = responseTime
}

// ResourceRef is the storage reference rebinding token handed to the
// storage service on recovery so that the version's resources stay alive
// across a storage service restart.
func (version *Version) ResourceRef() int64 {
	version.mu.Lock()
	defer version.mu.Unlock()
	return version.resourceRef
}

// SetResourceRef replaces the storage reference rebinding token.
func (version *Version) SetResourceRef(ref int64) {
	version.mu.Lock()
	defer version.mu.Unlock()
	version.resourceRef = ref
}
