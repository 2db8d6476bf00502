package device

import "time"

type CapabilitySource string

const (
	SourceBridge   CapabilitySource = "bridge"
	SourceInferred CapabilitySource = "inferred"
)

// Access mirrors the bridge's access bitmask: 1 read, 2 write, 4 event.
type Access struct {
	Read  bool `json:"read"`
	Write bool `json:"write"`
	Event bool `json:"event"`
}

type CapabilityProperties struct {
	Property    string   `json:"property,omitempty"`
	Unit        string   `json:"unit,omitempty"`
	Min         *float64 `json:"min,omitempty"`
	Max         *float64 `json:"max,omitempty"`
	Step        *float64 `json:"step,omitempty"`
	Values      []string `json:"values,omitempty"`
	Access      *Access  `json:"access,omitempty"`
	Description string   `json:"description,omitempty"`
	Parent      string   `json:"parent,omitempty"`
	Domain      string   `json:"domain,omitempty"`
}

type Capability struct {
	DeviceID   string               `json:"device_id"`
	Name       string               `json:"name"`
	Type       string               `json:"type"`
	Properties CapabilityProperties `json:"properties"`
	Exposed    bool                 `json:"exposed"`
	Configured bool                 `json:"configured"`
	Source     CapabilitySource     `json:"source"`
}

type Entity struct {
	EntityID string  `json:"entity_id"`
	Domain   string  `json:"domain"`
	Platform string  `json:"platform"`
	Name     string  `json:"name,omitempty"`
	Disabled bool    `json:"disabled"`
	DeviceID string  `json:"device_id"`
	AreaID   *string `json:"area_id,omitempty"`
}

type Area struct {
	AreaID string `json:"area_id"`
	Name   string `json:"name"`
}

// Sources records which upstream records a device was built from.
type Sources struct {
	RegistryID  string `json:"registry_id,omitempty"`
	BridgeIEEE  string `json:"bridge_ieee,omitempty"`
	BridgeName  string `json:"bridge_friendly_name,omitempty"`
	PowerSource string `json:"power_source,omitempty"`
}

// Device is the canonical, source-independent view of one physical device.
type Device struct {
	ID              string       `json:"id"`
	Name            string       `json:"name"`
	Manufacturer    string       `json:"manufacturer,omitempty"`
	Model           string       `json:"model,omitempty"`
	AreaID          *string      `json:"area_id"`
	AreaName        *string      `json:"area_name"`
	Integration     string       `json:"integration"`
	FirmwareVersion string       `json:"firmware_version,omitempty"`
	HardwareVersion string       `json:"hardware_version,omitempty"`
	Capabilities    []Capability `json:"capabilities"`
	Entities        []Entity     `json:"entities"`
	LastSeen        *time.Time   `json:"last_seen,omitempty"`
	HealthScore     float64      `json:"health_score"`
	Disabled        bool         `json:"disabled"`
	Sources         Sources      `json:"sources"`
}

// Clone returns a deep copy so callers can never mutate shared state.
func (d Device) Clone() Device {
	out := d
	out.AreaID = clonePtr(d.AreaID)
	out.AreaName = clonePtr(d.AreaName)
	out.LastSeen = clonePtr(d.LastSeen)
	out.Capabilities = make([]Capability, len(d.Capabilities))
	for i, c := range d.Capabilities {
		c.Properties = c.Properties.clone()
		out.Capabilities[i] = c
	}
	out.Entities = make([]Entity, len(d.Entities))
	for i, e := range d.Entities {
		e.AreaID = clonePtr(e.AreaID)
		out.Entities[i] = e
	}
	return out
}

func (p CapabilityProperties) clone() CapabilityProperties {
	p.Min = clonePtr(p.Min)
	p.Max = clonePtr(p.Max)
	p.Step = clonePtr(p.Step)
	p.Access = clonePtr(p.Access)
	p.Values = append([]string(nil), p.Values...)
	return p
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func (d Device) HasCapability(name string) bool {
	for _, c := range d.Capabilities {
		if c.Name == name {
			return true
		}
	}
	return false
}

// IsBatteryPowered reports whether the bridge says the device runs on battery
// or it exposes a battery capability.
func (d Device) IsBatteryPowered() bool {
	if d.Sources.PowerSource == "Battery" {
		return true
	}
	return d.HasCapability("battery")
}
