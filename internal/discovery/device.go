package discovery

import (
	"github.com/nugget/ohmpub/internal/buildinfo"
	"github.com/nugget/ohmpub/internal/topic"
)

// DeviceInfo holds the Home Assistant device registry fields shared by
// every sensor of one machine, so HA groups them under a single device
// page.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	SWVersion    string   `json:"sw_version,omitempty"`
}

// SensorConfig is the JSON payload of an HA MQTT sensor discovery
// message. DeviceClass and UnitOfMeasurement are emitted as null when
// the kind has no HA equivalent.
type SensorConfig struct {
	Device                    DeviceInfo `json:"device"`
	Name                      string     `json:"name"`
	StateTopic                string     `json:"state_topic"`
	DeviceClass               *string    `json:"device_class"`
	ExpireAfter               int        `json:"expire_after"`
	UniqueID                  string     `json:"unique_id"`
	ObjectID                  string     `json:"object_id,omitempty"`
	SuggestedDisplayPrecision int        `json:"suggested_display_precision"`
	StateClass                string     `json:"state_class"`
	UnitOfMeasurement         *string    `json:"unit_of_measurement"`
	ValueTemplate             string     `json:"value_template"`
	AvailabilityTopic         string     `json:"availability_topic,omitempty"`
}

// NewDeviceInfo creates the device block for a machine. The node id is
// the primary identifier so every sensor of the machine lands on the
// same HA device.
func NewDeviceInfo(machine string) DeviceInfo {
	return DeviceInfo{
		Identifiers:  []string{topic.NodeID(machine)},
		Name:         machine,
		Manufacturer: "ohmpub",
		Model:        "Hardware Monitor",
		SWVersion:    buildinfo.Version,
	}
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
