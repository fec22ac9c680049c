package storage

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/xylodb/xylodb/concurrency"
)

const resourceConfigFile = "config.json"

// Engine owns one resource directory on disk: its OS-level write lock,
// its ResourceConfig, and the write-admission lock every
// StorageEngineWriter opened against it shares. Generalized from "one
// process-wide database file" into "one resource directory a process
// may open for writing at most once, and for reading any number of
// times".
type Engine struct {
	dir        string
	lock       *fileLock
	config     *ResourceConfig
	provider   BackendProvider
	admission  *concurrency.WriteAdmissionLock
	logger     *log.Logger
	memBackend *fileChannelBackend // non-nil only for OpenEngineMemory
}

// CreateResource writes a fresh resource directory: the config file, the
// bootstrap UberPage beacons, and an empty revisions file. Fails if the
// directory already holds a resource.
func CreateResource(dir string, config *ResourceConfig) error {
	if err := config.Validate(); err != nil {
		return err
	}
	if _, err := os.Stat(filepath.Join(dir, resourceConfigFile)); err == nil {
		return newErr("CreateResource", KindIO, fmt.Errorf("resource already exists at %q", dir))
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return newErr("CreateResource", KindIO, err)
	}

	provider, err := selectProvider(config)
	if err != nil {
		return err
	}
	pipeline, err := config.BuildPipeline()
	if err != nil {
		return err
	}
	w, err := provider.OpenWriter(dir, pipeline, config.DatabaseID, config.ResourceID)
	if err != nil {
		return err
	}
	defer w.Close()

	bootstrap := NewBootstrapUberPage(config.DatabaseID, config.ResourceID)
	if err := w.WriteUberPageBeacons(bootstrap); err != nil {
		return err
	}

	raw, err := MarshalConfig(config)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, resourceConfigFile), raw, 0644); err != nil {
		return newErr("CreateResource", KindIO, err)
	}
	return nil
}

// OpenEngine opens dir for writing, taking the OS-level advisory lock so
// a second process cannot also open it for writing (the
// single-writer model extended across process boundaries the way the
// an OS-level advisory lock does for the whole database file). The
// config file written by CreateResource is loaded from disk.
func OpenEngine(dir string, logger *log.Logger) (*Engine, error) {
	config, err := loadResourceConfig(dir)
	if err != nil {
		return nil, err
	}
	lock, err := lockFile(dir)
	if err != nil {
		return nil, err
	}
	provider, err := selectProvider(config)
	if err != nil {
		lock.unlock()
		return nil, err
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Engine{
		dir:       dir,
		lock:      lock,
		config:    config,
		provider:  provider,
		admission: concurrency.NewWriteAdmissionLock(config.SessionLimit, concurrency.LockPolicyFail),
		logger:    logger,
	}, nil
}

// OpenEngineMemory opens an ephemeral, in-memory-backed equivalent of
// OpenEngine for tests and the WASM/playground profile: no OS file lock
// is taken (there is no shared file to contend over), and the resource
// must already have a config supplied by the caller since there is no
// directory to read one from. Every writer and reader this engine opens
// shares the same pair of MemFiles, so a reader can observe revisions a
// writer committed earlier in the same process.
func OpenEngineMemory(config *ResourceConfig) (*Engine, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	pipeline, err := config.BuildPipeline()
	if err != nil {
		return nil, err
	}
	mem, err := newMemoryFileChannelBackend(pipeline, config.DatabaseID, config.ResourceID, false)
	if err != nil {
		return nil, err
	}
	if err := mem.WriteUberPageBeacons(NewBootstrapUberPage(config.DatabaseID, config.ResourceID)); err != nil {
		return nil, err
	}
	return &Engine{
		config:     config,
		admission:  concurrency.NewWriteAdmissionLock(config.SessionLimit, concurrency.LockPolicyFail),
		logger:     log.Default(),
		memBackend: mem,
	}, nil
}

// NewWriter opens the single write session this engine admits, backed by
// the shared in-memory backend when the engine was created via
// OpenEngineMemory, or by the on-disk backend chosen by
// StorageProviders.Select otherwise.
func (e *Engine) NewWriter() (*StorageEngineWriter, error) {
	if e.memBackend != nil {
		return OpenStorageEngineWriter(e.memBackend, e.config, e.admission, e.logger)
	}
	pipeline, err := e.config.BuildPipeline()
	if err != nil {
		return nil, err
	}
	backend, err := e.provider.OpenWriter(e.dir, pipeline, e.config.DatabaseID, e.config.ResourceID)
	if err != nil {
		return nil, err
	}
	return OpenStorageEngineWriter(backend, e.config, e.admission, e.logger)
}

// NewReadSession opens a read-only view of revision (or the latest
// revision, if negative). Readers never touch e.admission: readers
// may coexist with the writer without taking any lock.
func (e *Engine) NewReadSession(revision int64) (*ReadSession, error) {
	if e.memBackend != nil {
		return OpenReadSession(e.memBackend, e.config, revision)
	}
	pipeline, err := e.config.BuildPipeline()
	if err != nil {
		return nil, err
	}
	backend, err := e.provider.OpenReader(e.dir, pipeline, e.config.DatabaseID, e.config.ResourceID)
	if err != nil {
		return nil, err
	}
	return OpenReadSession(backend, e.config, revision)
}

// Close releases the OS-level write lock, if one was taken.
func (e *Engine) Close() error {
	if e.lock != nil {
		return e.lock.unlock()
	}
	return nil
}

func selectProvider(config *ResourceConfig) (BackendProvider, error) {
	if config.StorageBackend != "" {
		return defaultProviders.ByName(config.StorageBackend)
	}
	return Select()
}

func loadResourceConfig(dir string) (*ResourceConfig, error) {
	raw, err := os.ReadFile(filepath.Join(dir, resourceConfigFile))
	if err != nil {
		return nil, newErr("loadResourceConfig", KindIO, err)
	}
	config, err := UnmarshalConfig(raw)
	if err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}
