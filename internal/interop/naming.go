package interop

import "strings"

// DevicePrefix marks peers that speak SEPS rather than the native codec.
const DevicePrefix = "SEPS-"

// IsInteropDevice reports whether a discovered peer name belongs to a SEPS
// device. Names without the prefix are native mesh nodes.
func IsInteropDevice(name string) bool {
	return strings.HasPrefix(name, DevicePrefix)
}

// InteropDeviceName is the name under which node id is advertised to SEPS
// peers.
func InteropDeviceName(id string) string {
	if IsInteropDevice(id) {
		return id
	}
	return DevicePrefix + id
}
