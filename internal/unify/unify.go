package unify

import (
	"strings"
	"time"

	"homepulse/core-go/internal/bridge"
	"homepulse/core-go/internal/device"
	"homepulse/core-go/internal/naming"
	"homepulse/core-go/internal/registry"
)

const (
	bridgeIntegration = "zigbee2mqtt"
	bridgeIDPrefix    = "bridge_"
)

// Parser merges hub registry records with bridge devices. The zero value is
// usable.
type Parser struct {
	Now func() time.Time
	// LastSeen optionally reports when a device was last heard from, keyed by
	// the unified device id.
	LastSeen func(deviceID string) (time.Time, bool)
}

// ParseDevices merges the given records with a zero-value Parser.
func ParseDevices(areas []registry.Area, devices []registry.Device, entities []registry.Entity, bridgeDevices []bridge.Device) []device.Device {
	return Parser{}.Parse(areas, devices, entities, bridgeDevices)
}

// Parse returns one device per registry device plus one per unmatched bridge
// device. Registry devices are matched to bridge devices by hardware
// identifier first, then by manufacturer and model among the bridge devices
// that are still unmatched.
func (p Parser) Parse(areas []registry.Area, devices []registry.Device, entities []registry.Entity, bridgeDevices []bridge.Device) []device.Device {
	now := time.Now()
	if p.Now != nil {
		now = p.Now()
	}

	areaNames := make(map[string]string, len(areas))
	for _, a := range areas {
		areaNames[a.AreaID] = a.Name
	}

	entitiesByDevice := make(map[string][]registry.Entity)
	for _, e := range entities {
		if e.DeviceID == nil || *e.DeviceID == "" {
			continue
		}
		entitiesByDevice[*e.DeviceID] = append(entitiesByDevice[*e.DeviceID], e)
	}

	bridgeByIEEE := make(map[string]int, len(bridgeDevices))
	for i, bd := range bridgeDevices {
		if bd.IsCoordinator() {
			continue
		}
		key := canonicalHardwareID(bd.IEEEAddress)
		if key == "" {
			continue
		}
		if _, dup := bridgeByIEEE[key]; !dup {
			bridgeByIEEE[key] = i
		}
	}
	matched := make(map[int]bool, len(bridgeDevices))

	out := make([]device.Device, 0, len(devices)+len(bridgeDevices))
	seenIDs := make(map[string]struct{}, len(devices))

	for _, rd := range devices {
		if _, dup := seenIDs[rd.ID]; dup {
			continue
		}
		seenIDs[rd.ID] = struct{}{}

		bi, ok := matchByIdentifier(rd, bridgeByIEEE, matched)
		if !ok {
			bi, ok = matchByModel(rd, bridgeDevices, matched)
		}
		var bd *bridge.Device
		if ok {
			matched[bi] = true
			bd = &bridgeDevices[bi]
		}
		out = append(out, p.merge(rd, bd, entitiesByDevice[rd.ID], areaNames, now))
	}

	for i, bd := range bridgeDevices {
		if matched[i] || bd.IsCoordinator() {
			continue
		}
		ieee := strings.ToLower(strings.TrimSpace(bd.IEEEAddress))
		if ieee == "" {
			continue
		}
		id := bridgeIDPrefix + ieee
		if _, dup := seenIDs[id]; dup {
			continue
		}
		seenIDs[id] = struct{}{}
		out = append(out, p.fromBridge(id, bd, now))
	}
	return out
}

func matchByIdentifier(rd registry.Device, byIEEE map[string]int, matched map[int]bool) (int, bool) {
	pairs := make([]registry.Pair, 0, len(rd.Identifiers)+len(rd.Connections))
	pairs = append(pairs, rd.Identifiers...)
	pairs = append(pairs, rd.Connections...)
	for _, pr := range pairs {
		key := canonicalHardwareID(pr.Value)
		if key == "" {
			continue
		}
		if i, ok := byIEEE[key]; ok && !matched[i] {
			return i, true
		}
	}
	return 0, false
}

// matchByModel is a weak fallback: two devices of the same make and model
// without identifiers can be merged wrongly.
func matchByModel(rd registry.Device, bridgeDevices []bridge.Device, matched map[int]bool) (int, bool) {
	manufacturer := normalize(deref(rd.Manufacturer))
	model := normalize(deref(rd.Model))
	if manufacturer == "" || model == "" {
		return 0, false
	}
	for i, bd := range bridgeDevices {
		if matched[i] || bd.IsCoordinator() {
			continue
		}
		if normalize(bd.Vendor()) == manufacturer && normalize(bd.Model()) == model {
			return i, true
		}
	}
	return 0, false
}

func (p Parser) merge(rd registry.Device, bd *bridge.Device, entities []registry.Entity, areaNames map[string]string, now time.Time) device.Device {
	d := device.Device{
		ID:              rd.ID,
		Manufacturer:    strings.TrimSpace(deref(rd.Manufacturer)),
		Model:           strings.TrimSpace(deref(rd.Model)),
		Integration:     rd.Integration(),
		FirmwareVersion: strings.TrimSpace(deref(rd.SWVersion)),
		HardwareVersion: strings.TrimSpace(deref(rd.HWVersion)),
		Disabled:        rd.Disabled(),
		Sources:         device.Sources{RegistryID: rd.ID},
	}
	if d.Integration == "" {
		d.Integration = "unknown"
	}
	if rd.AreaID != nil && *rd.AreaID != "" {
		d.AreaID = strPtr(*rd.AreaID)
		if name, ok := areaNames[*rd.AreaID]; ok {
			d.AreaName = strPtr(name)
		}
	}

	d.Entities = make([]device.Entity, 0, len(entities))
	for _, e := range entities {
		de := device.Entity{
			EntityID: e.EntityID,
			Domain:   e.Domain(),
			Platform: e.Platform,
			Name:     e.DisplayName(),
			Disabled: e.Disabled(),
			DeviceID: rd.ID,
		}
		if e.AreaID != nil && *e.AreaID != "" {
			de.AreaID = strPtr(*e.AreaID)
		} else if d.AreaID != nil {
			de.AreaID = strPtr(*d.AreaID)
		}
		d.Entities = append(d.Entities, de)
	}

	friendly := ""
	if bd != nil {
		friendly = bd.FriendlyName
		if d.Manufacturer == "" {
			d.Manufacturer = bd.Vendor()
		}
		if d.Model == "" {
			d.Model = bd.Model()
		}
		if d.FirmwareVersion == "" {
			d.FirmwareVersion = strings.TrimSpace(bd.SoftwareBuildID)
		}
		if d.HardwareVersion == "" {
			d.HardwareVersion = strings.TrimSpace(bd.DateCode)
		}
		d.Sources.BridgeIEEE = bd.IEEEAddress
		d.Sources.BridgeName = bd.FriendlyName
		d.Sources.PowerSource = bd.PowerSource
		d.Capabilities = CapabilitiesFromExposes(d.ID, bd.Exposes())
	} else {
		d.Capabilities = CapabilitiesFromEntities(d.ID, d.Entities)
	}
	d.Name = displayName(rd.DisplayName(), friendly, d.Manufacturer, d.Model, rd.ID)

	p.finish(&d, now)
	return d
}

func (p Parser) fromBridge(id string, bd bridge.Device, now time.Time) device.Device {
	d := device.Device{
		ID:              id,
		Name:            displayName("", bd.FriendlyName, bd.Vendor(), bd.Model(), bd.FriendlyName),
		Manufacturer:    bd.Vendor(),
		Model:           bd.Model(),
		Integration:     bridgeIntegration,
		FirmwareVersion: strings.TrimSpace(bd.SoftwareBuildID),
		HardwareVersion: strings.TrimSpace(bd.DateCode),
		Disabled:        bd.Disabled,
		Entities:        []device.Entity{},
		Sources: device.Sources{
			BridgeIEEE:  bd.IEEEAddress,
			BridgeName:  bd.FriendlyName,
			PowerSource: bd.PowerSource,
		},
	}
	d.Capabilities = CapabilitiesFromExposes(id, bd.Exposes())
	p.finish(&d, now)
	return d
}

// displayName picks the best of the registry, bridge and model names and
// falls back to fallback when none is usable.
func displayName(registryName, bridgeName, manufacturer, model, fallback string) string {
	name, ok := naming.Choose([]naming.Candidate{
		{Name: registryName, Source: naming.SourceRegistry},
		{Name: bridgeName, Source: naming.SourceBridge},
		{Name: strings.TrimSpace(manufacturer + " " + model), Source: naming.SourceModel},
	})
	if !ok {
		return fallback
	}
	return name
}

func (p Parser) finish(d *device.Device, now time.Time) {
	if p.LastSeen != nil {
		if ts, ok := p.LastSeen(d.ID); ok {
			d.LastSeen = &ts
		}
	}
	d.HealthScore = Baseline(*d, now)
}

// canonicalHardwareID lowercases a hardware address and strips the 0x prefix
// and separators so that "0x00124B00..." and "00:12:4b:00:..." compare equal.
func canonicalHardwareID(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, "0x")
	s = strings.NewReplacer(":", "", "-", "").Replace(s)
	return s
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func strPtr(s string) *string { return &s }
