// Package entry defines the persisted configuration of a VPD calculator
// instance and the bbolt-backed store that owns it.
package entry

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Data keys, as used by the setup wizard and the API.
const (
	KeyName             = "name"
	KeyTempSensor       = "temp_sensor"
	KeyHumiditySensor   = "humidity_sensor"
	KeyLeafDelta        = "leaf_delta"
	KeyTargetDevice     = "target_device"
	KeyCreateThresholds = "create_threshold_entities"
	KeyInitialMinVPD    = "initial_min_vpd"
	KeyInitialMaxVPD    = "initial_max_vpd"
	KeyMinVPD           = "min_vpd"
	KeyMaxVPD           = "max_vpd"
)

// Limits and defaults
const (
	Version = 1

	DefaultLeafDelta = 0.0
	LeafDeltaMin     = -5.0
	LeafDeltaMax     = 5.0
	LeafDeltaStep    = 0.1

	DefaultMinVPD     = 0.85
	DefaultMaxVPD     = 1.15
	ThresholdMinLimit = 0.1
	ThresholdMaxLimit = 2.5
	ThresholdStep     = 0.01
)

var (
	// ErrNotFound is returned when no entry has the given ID
	ErrNotFound = errors.New("entry not found")

	// ErrInvalid wraps every validation failure
	ErrInvalid = errors.New("invalid entry data")

	// ErrThresholdOrder is returned when min_vpd is not below max_vpd
	ErrThresholdOrder = fmt.Errorf("%w: min_vpd must be less than max_vpd", ErrInvalid)
)

// Data is the user-supplied configuration of one calculator.
type Data struct {
	Name             string  `json:"name"`
	TempSensor       string  `json:"temp_sensor"`
	HumiditySensor   string  `json:"humidity_sensor"`
	LeafDelta        float64 `json:"leaf_delta"`
	TargetDevice     string  `json:"target_device,omitempty"`
	CreateThresholds bool    `json:"create_threshold_entities"`
	InitialMinVPD    float64 `json:"initial_min_vpd,omitempty"`
	InitialMaxVPD    float64 `json:"initial_max_vpd,omitempty"`
	MinVPD           float64 `json:"min_vpd,omitempty"`
	MaxVPD           float64 `json:"max_vpd,omitempty"`
}

// Entry is a persisted calculator instance.
type Entry struct {
	ID        string    `json:"entry_id"`
	Version   int       `json:"version"`
	Title     string    `json:"title"`
	Data      Data      `json:"data"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewID returns a new 32 character lowercase hex entry ID.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// DefaultData returns the defaults the wizard starts from.
func DefaultData() Data {
	return Data{
		LeafDelta:        DefaultLeafDelta,
		CreateThresholds: true,
		InitialMinVPD:    DefaultMinVPD,
		InitialMaxVPD:    DefaultMaxVPD,
	}
}

// DataFromMap decodes wizard values into Data.
func DataFromMap(values map[string]any) (Data, error) {
	raw, err := json.Marshal(values)
	if err != nil {
		return Data{}, fmt.Errorf("failed to encode entry data: %w", err)
	}

	data := DefaultData()
	if err := json.Unmarshal(raw, &data); err != nil {
		return Data{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return data, nil
}

// ToMap returns the data keyed the way the wizard expects it.
func (d Data) ToMap() map[string]any {
	m := map[string]any{
		KeyName:             d.Name,
		KeyTempSensor:       d.TempSensor,
		KeyHumiditySensor:   d.HumiditySensor,
		KeyLeafDelta:        d.LeafDelta,
		KeyCreateThresholds: d.CreateThresholds,
	}
	if d.TargetDevice != "" {
		m[KeyTargetDevice] = d.TargetDevice
	}
	if d.CreateThresholds {
		m[KeyInitialMinVPD] = d.InitialMinVPD
		m[KeyInitialMaxVPD] = d.InitialMaxVPD
		m[KeyMinVPD] = d.MinVPD
		m[KeyMaxVPD] = d.MaxVPD
	}
	return m
}

// Normalize fills in threshold defaults and resets the current thresholds
// to the initial ones when they are unset.
func (d *Data) Normalize() {
	d.Name = strings.TrimSpace(d.Name)
	if !d.CreateThresholds {
		d.InitialMinVPD, d.InitialMaxVPD = 0, 0
		d.MinVPD, d.MaxVPD = 0, 0
		return
	}
	if d.InitialMinVPD == 0 {
		d.InitialMinVPD = DefaultMinVPD
	}
	if d.InitialMaxVPD == 0 {
		d.InitialMaxVPD = DefaultMaxVPD
	}
	if d.MinVPD == 0 {
		d.MinVPD = d.InitialMinVPD
	}
	if d.MaxVPD == 0 {
		d.MaxVPD = d.InitialMaxVPD
	}
}

// Validate checks the data invariants.
func (d Data) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalid)
	}
	if !isSensor(d.TempSensor) {
		return fmt.Errorf("%w: temp_sensor must be a sensor entity, got %q", ErrInvalid, d.TempSensor)
	}
	if !isSensor(d.HumiditySensor) {
		return fmt.Errorf("%w: humidity_sensor must be a sensor entity, got %q", ErrInvalid, d.HumiditySensor)
	}
	if d.LeafDelta < LeafDeltaMin || d.LeafDelta > LeafDeltaMax {
		return fmt.Errorf("%w: leaf_delta %v out of range", ErrInvalid, d.LeafDelta)
	}

	if !d.CreateThresholds {
		return nil
	}
	for _, v := range []float64{d.InitialMinVPD, d.InitialMaxVPD, d.MinVPD, d.MaxVPD} {
		if !InThresholdRange(v) {
			return fmt.Errorf("%w: threshold %v out of range", ErrInvalid, v)
		}
	}
	if d.InitialMinVPD >= d.InitialMaxVPD || d.MinVPD >= d.MaxVPD {
		return ErrThresholdOrder
	}
	return nil
}

// InThresholdRange reports whether v is an acceptable threshold value.
func InThresholdRange(v float64) bool {
	return v >= ThresholdMinLimit && v <= ThresholdMaxLimit
}

func isSensor(entityID string) bool {
	name, ok := strings.CutPrefix(entityID, "sensor.")
	return ok && name != ""
}
