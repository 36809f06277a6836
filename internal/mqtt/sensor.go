package mqtt

// DeviceInfo contains device information for grouping in Home Assistant
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name,omitempty"`
	Model        string   `json:"model,omitempty"`
	Manufacturer string   `json:"manufacturer,omitempty"`
}

// Availability is one topic of a discovery availability list
type Availability struct {
	Topic               string `json:"topic"`
	PayloadAvailable    string `json:"payload_available,omitempty"`
	PayloadNotAvailable string `json:"payload_not_available,omitempty"`
}

// Availability modes
const (
	AvailabilityAll    = "all"
	AvailabilityLatest = "latest"
)

// EntityConfig holds the discovery fields shared by every component
type EntityConfig struct {
	Name     string `json:"name"`
	UniqueID string `json:"unique_id"`
	ObjectID string `json:"object_id,omitempty"`

	StateTopic          string `json:"state_topic"`
	JSONAttributesTopic string `json:"json_attributes_topic,omitempty"`

	Availability     []Availability `json:"availability,omitempty"`
	AvailabilityMode string         `json:"availability_mode,omitempty"`

	DeviceClass       string `json:"device_class,omitempty"`
	UnitOfMeasurement string `json:"unit_of_measurement,omitempty"`
	Icon              string `json:"icon,omitempty"`
	EntityCategory    string `json:"entity_category,omitempty"`
	EnabledByDefault  *bool  `json:"enabled_by_default,omitempty"`

	Device *DeviceInfo `json:"device,omitempty"`
}

// SensorConfig is the discovery payload of a sensor
type SensorConfig struct {
	EntityConfig

	StateClass    string `json:"state_class,omitempty"`
	ValueTemplate string `json:"value_template,omitempty"`
}

// NumberConfig is the discovery payload of a number entity
type NumberConfig struct {
	EntityConfig

	CommandTopic string  `json:"command_topic"`
	Min          float64 `json:"min"`
	Max          float64 `json:"max"`
	Step         float64 `json:"step"`
	Mode         string  `json:"mode,omitempty"`
	Retain       bool    `json:"retain"`
}
