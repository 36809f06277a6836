package mqtt

// BridgeStatusTopic is the bridge last-will topic, relative to the prefix
const BridgeStatusTopic = "bridge/status"

// Discovery components
const (
	ComponentSensor = "sensor"
	ComponentNumber = "number"
)

// Topics is the fixed topic layout of one calculator entry.
type Topics struct {
	Bridge string

	State        string
	Availability string
	Attributes   string

	SensorConfig string
	MinConfig    string
	MaxConfig    string

	MinState string
	MinSet   string
	MaxState string
	MaxSet   string
}

// NewTopics builds the topics for entryID below prefix and discoveryPrefix.
func NewTopics(prefix, discoveryPrefix, entryID string) Topics {
	base := prefix + "/" + entryID
	return Topics{
		Bridge: prefix + "/" + BridgeStatusTopic,

		State:        base + "/state",
		Availability: base + "/availability",
		Attributes:   base + "/attributes",

		SensorConfig: DiscoveryTopic(discoveryPrefix, ComponentSensor, entryID),
		MinConfig:    DiscoveryTopic(discoveryPrefix, ComponentNumber, entryID+"_min_vpd"),
		MaxConfig:    DiscoveryTopic(discoveryPrefix, ComponentNumber, entryID+"_max_vpd"),

		MinState: base + "/min_vpd/state",
		MinSet:   base + "/min_vpd/set",
		MaxState: base + "/max_vpd/state",
		MaxSet:   base + "/max_vpd/set",
	}
}

// DiscoveryConfigs returns every discovery topic of the entry.
func (t Topics) DiscoveryConfigs() []string {
	return []string{t.SensorConfig, t.MinConfig, t.MaxConfig}
}

// DiscoveryTopic returns <discoveryPrefix>/<component>/<objectID>/config.
func DiscoveryTopic(discoveryPrefix, component, objectID string) string {
	return discoveryPrefix + "/" + component + "/" + objectID + "/config"
}

// HAStatusTopic is where Home Assistant announces its birth and last will.
func HAStatusTopic(discoveryPrefix string) string {
	return discoveryPrefix + "/status"
}
