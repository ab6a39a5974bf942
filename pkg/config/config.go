// Package config implements the simulator's "configuration via mappings"
// convention (see design notes): every service accepts two string-keyed
// maps at construction — property values (semantic knobs) and
// message-payload values (byte sizes to charge per RPC kind) — which this
// package parses into typed enums internally while keeping the external,
// caller-facing shape mapping-based, the same way the teacher's Manager and
// Deploy configs stay YAML/struct-literal shaped at the edges.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// PropertyKey enumerates the semantic configuration knobs recognized across
// compute and storage services.
type PropertyKey string

const (
	BatchSchedulingAlgorithm PropertyKey = "BATCH_SCHEDULING_ALGORITHM"
	HostSelectionAlgorithm   PropertyKey = "HOST_SELECTION_ALGORITHM"
	VMPlacementAlgorithm     PropertyKey = "VM_PLACEMENT_ALGORITHM"
	ReducedSimulation        PropertyKey = "REDUCED_SIMULATION"
	CacheMaxLifetime         PropertyKey = "CACHE_MAX_LIFETIME"
	BufferSize               PropertyKey = "BUFFER_SIZE"
	SupportsPilotJobs        PropertyKey = "SUPPORTS_PILOT_JOBS"
	EvictionPolicy           PropertyKey = "EVICTION_POLICY"
	BackfillingDepth         PropertyKey = "BACKFILLING_DEPTH"
	ThreadStartupOverhead    PropertyKey = "THREAD_STARTUP_OVERHEAD"
	NegotiatorOverhead       PropertyKey = "NEGOTIATOR_OVERHEAD"
	GridPreExecutionDelay    PropertyKey = "GRID_PRE_EXECUTION_DELAY"
	NonGridPreExecutionDelay PropertyKey = "NON_GRID_PRE_EXECUTION_DELAY"
)

// PayloadKey enumerates the RPC kinds whose simulated wire payload size is
// configurable.
type PayloadKey string

const (
	FileWriteRequestPayload    PayloadKey = "FILE_WRITE_REQUEST_PAYLOAD"
	FileReadRequestPayload     PayloadKey = "FILE_READ_REQUEST_PAYLOAD"
	FileCopyRequestPayload     PayloadKey = "FILE_COPY_REQUEST_PAYLOAD"
	FileLookupRequestPayload   PayloadKey = "FILE_LOOKUP_REQUEST_PAYLOAD"
	FileDeleteRequestPayload   PayloadKey = "FILE_DELETE_REQUEST_PAYLOAD"
	SubmitJobRequestPayload    PayloadKey = "SUBMIT_JOB_REQUEST_PAYLOAD"
	JobTypeNotSupportedPayload PayloadKey = "JOB_TYPE_NOT_SUPPORTED_PAYLOAD"
)

// defaultPayload is charged (in bytes, as a simulated control-message size)
// when a caller does not override a PayloadKey.
const defaultPayload = 1024.0

// Properties is the externally mapping-shaped property bag accepted by
// service constructors.
type Properties map[string]string

// Payloads is the externally mapping-shaped payload-size bag accepted by
// service constructors.
type Payloads map[string]string

// Get returns the raw string value for key, and whether it was present.
func (p Properties) Get(key PropertyKey) (string, bool) {
	v, ok := p[string(key)]
	return v, ok
}

// GetFloat returns key parsed as a float64, or def if absent/unparseable.
func (p Properties) GetFloat(key PropertyKey, def float64) float64 {
	v, ok := p.Get(key)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

// GetBool returns key parsed as a bool, or def if absent/unparseable.
func (p Properties) GetBool(key PropertyKey, def bool) bool {
	v, ok := p.Get(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// GetString returns key's raw value, or def if absent.
func (p Properties) GetString(key PropertyKey, def string) string {
	if v, ok := p.Get(key); ok {
		return v
	}
	return def
}

// BytesFor returns the configured payload size for key, falling back to
// defaultPayload.
func (p Payloads) BytesFor(key PayloadKey) float64 {
	v, ok := p[string(key)]
	if !ok {
		return defaultPayload
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultPayload
	}
	return f
}

// propertyFile is the on-disk YAML shape understood by LoadPropertiesYAML,
// mirroring the teacher's practice of keeping operator-facing config in
// YAML even though the in-process type is a plain map.
type propertyFile struct {
	Properties Properties `yaml:"properties"`
	Payloads   Payloads   `yaml:"payloads"`
}

// LoadPropertiesYAML reads a YAML file of the shape:
//
//	properties:
//	  BATCH_SCHEDULING_ALGORITHM: conservative_bf
//	payloads:
//	  FILE_READ_REQUEST_PAYLOAD: "2048"
func LoadPropertiesYAML(path string) (Properties, Payloads, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	var pf propertyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if pf.Properties == nil {
		pf.Properties = Properties{}
	}
	if pf.Payloads == nil {
		pf.Payloads = Payloads{}
	}
	return pf.Properties, pf.Payloads, nil
}
