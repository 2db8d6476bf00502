package unify

import (
	"fmt"
	"strings"

	"homepulse/core-go/internal/bridge"
	"homepulse/core-go/internal/device"
)

// CapabilitiesFromExposes flattens a bridge exposes tree into capabilities.
// Container nodes without a property (light, switch, climate) contribute only
// their features; the container type is kept as the parent.
func CapabilitiesFromExposes(deviceID string, exposes []bridge.Expose) []device.Capability {
	out := []device.Capability{}
	seen := map[string]struct{}{}
	for _, e := range exposes {
		walkExpose(deviceID, e, "", &out, seen)
	}
	return out
}

func walkExpose(deviceID string, e bridge.Expose, parent string, out *[]device.Capability, seen map[string]struct{}) {
	kind := strings.ToLower(strings.TrimSpace(e.Type))
	if kind == "" {
		kind = parent
	}
	property := strings.ToLower(strings.TrimSpace(e.Property))
	hasChildren := len(e.Features) > 0

	if !hasChildren || property != "" {
		name := capabilityName(property, e.Name, len(*out))
		if _, dup := seen[name]; !dup {
			seen[name] = struct{}{}
			access := parseAccess(e.Access)
			props := device.CapabilityProperties{
				Property:    property,
				Unit:        e.Unit,
				Min:         e.ValueMin,
				Max:         e.ValueMax,
				Step:        e.ValueStep,
				Values:      stringValues(e.Values),
				Access:      &access,
				Description: e.Description,
			}
			if parent != "" && parent != kind {
				props.Parent = parent
			}
			*out = append(*out, device.Capability{
				DeviceID:   deviceID,
				Name:       name,
				Type:       kind,
				Properties: props,
				Exposed:    true,
				Configured: e.Category == "config",
				Source:     device.SourceBridge,
			})
		}
	}

	for _, f := range e.Features {
		walkExpose(deviceID, f, kind, out, seen)
	}
}

// parseAccess decodes the bitmask; a missing value means read-only.
func parseAccess(v *int) device.Access {
	mask := 1
	if v != nil {
		mask = *v
	}
	return device.Access{
		Read:  mask&1 != 0,
		Write: mask&2 != 0,
		Event: mask&4 != 0,
	}
}

func capabilityName(property, name string, idx int) string {
	if property != "" {
		return property
	}
	if s := slugify(name); s != "" {
		return s
	}
	return fmt.Sprintf("cap_%d", idx)
}

func slugify(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	var b strings.Builder
	for _, r := range v {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '/':
			b.WriteRune('_')
		}
	}
	return b.String()
}

func stringValues(vs []any) []string {
	if len(vs) == 0 {
		return nil
	}
	out := make([]string, 0, len(vs))
	for _, v := range vs {
		if v == nil {
			continue
		}
		out = append(out, fmt.Sprint(v))
	}
	return out
}
