package storage

import (
	"encoding/json"
	"fmt"
)

// StringCompressionMode selects per-string symbol-table compression
// inside leaves.
type StringCompressionMode string

const (
	StringCompressionNone StringCompressionMode = "NONE"
	StringCompressionFSST StringCompressionMode = "FSST"
)

// IndexBackend names the secondary-index backend consumed by the CAS,
// name and path listeners. Those listeners are themselves out of scope
// (node-level/secondary-index surface); the config option
// is kept because the resource configuration file must still be able to
// name the choice for a future consumer.
type IndexBackend string

const (
	IndexBackendRBTree IndexBackend = "RBTREE"
	IndexBackendHOT    IndexBackend = "HOT"
)

// ResourceConfig is the resource configuration file,
// serialized with encoding/json. The teacher hardcodes page size, cache
// capacity and compression choice rather than carrying a config object
// at all; this is the one place this module departs from "keep the
// original layout" because this engine requires a persisted,
// per-resource configuration file with no prior analogue.
type ResourceConfig struct {
	DatabaseID uint32 `json:"databaseId"`
	ResourceID uint32 `json:"resourceId"`

	// ByteStages lists the byte-pipe stage names in order, e.g.
	// ["zstd"] or ["snappy"]. Empty means the identity pipeline.
	ByteStages []string `json:"byteStages"`

	// Hash selects the checksum algorithm used for new writes; existing
	// references always carry their own algorithm implicitly via hash
	// length, so this only affects pages written under this config.
	Hash HashAlgorithm `json:"hash"`

	// Versioning and RevsToRestore apply uniformly to every index type
	// in this resource. The teacher has no per-index-type knob either;
	// sirixdb-style per-index-type versioning is a refinement this
	// module does not need for a single-resource engine.
	Versioning    VersioningType `json:"versioning"`
	RevsToRestore int            `json:"revsToRestore"`

	Fanout     int                `json:"fanout"`
	MaxNodeKey map[IndexType]uint64 `json:"maxNodeKey"`

	StringCompression StringCompressionMode `json:"stringCompression"`
	IndexBackend      IndexBackend          `json:"indexBackend"`
	UseTextCompression bool                 `json:"useTextCompression"`
	UseDeweyIDs        bool                 `json:"useDeweyIds"`

	// StorageBackend names the BackendProvider to use ("filechannel",
	// "mmap", or "" to let StorageProviders.Select pick the highest
	// priority available one).
	StorageBackend string `json:"storageBackend,omitempty"`

	// SessionLimit is 1 for the single-writer model; kept explicit and
	// configurable rather than hardcoded so concurrency/lock.go's
	// error message can cite it.
	SessionLimit int `json:"sessionLimit"`
}

// DefaultMaxNodeKey gives every index type a generous default ceiling
// (2^40 addressable leaves) so a resource config omitting maxNodeKey
// still produces a usable trie depth.
func DefaultMaxNodeKey() map[IndexType]uint64 {
	const defaultCeiling = uint64(1) << 40
	out := make(map[IndexType]uint64, len(allIndexTypes))
	for _, t := range allIndexTypes {
		out[t] = defaultCeiling
	}
	return out
}

// DefaultResourceConfig returns the configuration this module's own
// tests and examples use: XXH3 checksums, zstd compression, INCREMENTAL
// versioning with a 16-revision window, fanout 512 (matching the
// a 4 KB page granularity when slots are ~8 bytes each).
func DefaultResourceConfig(databaseID, resourceID uint32) *ResourceConfig {
	return &ResourceConfig{
		DatabaseID:    databaseID,
		ResourceID:    resourceID,
		ByteStages:    []string{"zstd"},
		Hash:          HashXXH3,
		Versioning:    VersioningIncremental,
		RevsToRestore: 16,
		Fanout:        512,
		MaxNodeKey:    DefaultMaxNodeKey(),
		StringCompression: StringCompressionNone,
		IndexBackend:      IndexBackendRBTree,
		SessionLimit:      1,
	}
}

// Validate rejects a configuration the rest of the package cannot act
// on safely.
func (c *ResourceConfig) Validate() error {
	if c.Fanout <= 0 || c.Fanout&(c.Fanout-1) != 0 {
		return newErr("Validate", KindCorruptHeader, fmt.Errorf("fanout %d is not a positive power of two", c.Fanout))
	}
	if c.RevsToRestore <= 0 {
		return newErr("Validate", KindCorruptHeader, fmt.Errorf("revsToRestore %d must be positive", c.RevsToRestore))
	}
	if c.SessionLimit <= 0 {
		return newErr("Validate", KindCorruptHeader, fmt.Errorf("sessionLimit %d must be positive", c.SessionLimit))
	}
	return nil
}

// BuildPipeline constructs the byte pipe named by ByteStages, in order.
func (c *ResourceConfig) BuildPipeline() (*Pipeline, error) {
	stages := make([]Stage, 0, len(c.ByteStages))
	for _, name := range c.ByteStages {
		switch name {
		case "snappy":
			stages = append(stages, SnappyStage{})
		case "s2":
			stages = append(stages, S2Stage{})
		case "zstd":
			stages = append(stages, NewZstdStage(0))
		default:
			return nil, newErr("BuildPipeline", KindUnsupportedCompression, fmt.Errorf("unknown byte-pipe stage %q", name))
		}
	}
	return NewPipeline(stages...), nil
}

// BuildTrie constructs the IndirectTrie this configuration implies.
func (c *ResourceConfig) BuildTrie() *IndirectTrie {
	maxNodeKey := c.MaxNodeKey
	if maxNodeKey == nil {
		maxNodeKey = DefaultMaxNodeKey()
	}
	return NewIndirectTrie(c.Fanout, maxNodeKey)
}

// MarshalConfig renders c as the on-disk resource configuration file.
func MarshalConfig(c *ResourceConfig) ([]byte, error) {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return nil, newErr("MarshalConfig", KindIO, err)
	}
	return b, nil
}

// UnmarshalConfig parses the on-disk resource configuration file.
func UnmarshalConfig(b []byte) (*ResourceConfig, error) {
	var c ResourceConfig
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, newErr("UnmarshalConfig", KindCorruptHeader, err)
	}
	return &c, nil
}
