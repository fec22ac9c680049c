//go:build !js && !wasip1

package storage

// runtimeSupportsMmap is true on every platform edsrzf/mmap-go supports
// a real file mapping on: linux/darwin/windows. js/wasip1 builds have no
// file descriptors to map and use
// mmapsupport_js.go instead.
const runtimeSupportsMmap = true
