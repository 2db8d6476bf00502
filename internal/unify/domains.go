package unify

import (
	"homepulse/core-go/internal/device"
)

type inferred struct {
	name string
	typ  string
}

// domainCapabilities maps an entity domain to the capabilities a device with
// such an entity is assumed to have when no richer source is available.
var domainCapabilities = map[string][]inferred{
	"light":               {{"brightness", "numeric"}, {"on_off", "binary"}},
	"switch":              {{"on_off", "binary"}},
	"input_boolean":       {{"on_off", "binary"}},
	"sensor":              {{"measurement", "numeric"}},
	"binary_sensor":       {{"detection", "binary"}},
	"climate":             {{"temperature_control", "climate"}},
	"water_heater":        {{"temperature_control", "climate"}},
	"humidifier":          {{"humidity_control", "numeric"}},
	"cover":               {{"position", "numeric"}},
	"lock":                {{"lock", "lock"}},
	"fan":                 {{"speed", "numeric"}},
	"media_player":        {{"media_control", "media"}},
	"camera":              {{"video_stream", "stream"}},
	"vacuum":              {{"cleaning", "enum"}},
	"alarm_control_panel": {{"security", "enum"}},
	"siren":               {{"alert", "binary"}},
	"button":              {{"trigger", "action"}},
	"number":              {{"setpoint", "numeric"}},
	"select":              {{"selection", "enum"}},
	"device_tracker":      {{"presence", "binary"}},
	"update":              {{"firmware_update", "update"}},
}

// CapabilitiesFromEntities infers capabilities from the domains of a
// device's enabled entities. Unknown domains contribute nothing.
func CapabilitiesFromEntities(deviceID string, entities []device.Entity) []device.Capability {
	out := []device.Capability{}
	seen := map[string]struct{}{}
	for _, e := range entities {
		if e.Disabled {
			continue
		}
		for _, inf := range domainCapabilities[e.Domain] {
			if _, dup := seen[inf.name]; dup {
				continue
			}
			seen[inf.name] = struct{}{}
			out = append(out, device.Capability{
				DeviceID:   deviceID,
				Name:       inf.name,
				Type:       inf.typ,
				Properties: device.CapabilityProperties{Domain: e.Domain},
				Exposed:    true,
				Source:     device.SourceInferred,
			})
		}
	}
	return out
}
