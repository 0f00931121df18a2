package telemetry

import "strings"

const (
	DeviceTypeUserTerminal = "u"
	DeviceTypeRouter       = "r"

	userTerminalPrefix = "ut"
	routerPrefix       = "Router-"
)

// DeviceDocID returns the document id for a device. User terminal ids are prefixed with
// "ut" and router ids with "Router-" unless already prefixed; other device types and empty
// ids are returned unchanged.
func DeviceDocID(deviceType, deviceID string) string {
	if deviceID == "" {
		return ""
	}
	var prefix string
	switch deviceType {
	case DeviceTypeUserTerminal:
		prefix = userTerminalPrefix
	case DeviceTypeRouter:
		prefix = routerPrefix
	default:
		return deviceID
	}
	if strings.HasPrefix(deviceID, prefix) {
		return deviceID
	}
	return prefix + deviceID
}
