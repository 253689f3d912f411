package chronicle

import (
	"encoding/hex"
	"net"
	"strings"
)

// Sensor is the capability contract every producer implements. Capture must
// be non-blocking or bounded; it may return an empty slice. Each captured
// envelope carries a fresh time-ordered id and the capture-time timestamp,
// assigned by the sensor (not downstream).
type Sensor interface {
	// Name is the adapter's declared name, used as the default sensor id.
	Name() string
	// Description is a human-readable summary for the control surface.
	Description() string
	// Initialize applies configuration. Called once before Start.
	Initialize(config map[string]any) error
	// Start begins production.
	Start() error
	// Stop halts production. graceful allows in-flight work to finish.
	Stop(graceful bool) error
	// IsRunning reports whether the sensor is currently producing.
	IsRunning() bool
	// Capture returns the envelopes produced since the last call.
	Capture() ([]Envelope, error)
}

const fallbackDeviceID = "unknown-device"

// ResolveDeviceID determines the stable device identity used in envelope
// metadata. Resolution order: explicit config value, hardware MAC-derived
// identifier, constant placeholder. Sensors resolve this once at
// Initialize so the identity is stable across captures.
func ResolveDeviceID(config map[string]any) string {
	if v, ok := config["device_id"].(string); ok && v != "" {
		return v
	}
	if mac := firstHardwareAddr(); len(mac) > 0 {
		return "Node-" + strings.ToUpper(hex.EncodeToString(mac))
	}
	return fallbackDeviceID
}

// firstHardwareAddr returns the MAC of the first non-loopback interface
// that has one.
func firstHardwareAddr() net.HardwareAddr {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) == 0 {
			continue
		}
		return iface.HardwareAddr
	}
	return nil
}
