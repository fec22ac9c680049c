//go:build js || wasip1

package storage

// runtimeSupportsMmap is false on js/wasip1: OpenEngineMemory is the only
// resource profile there, and MemFile is not a real *os.File mmap-go can
// map.
const runtimeSupportsMmap = false
