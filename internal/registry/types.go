package registry

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Frame is the envelope for every message exchanged with the hub.
type Frame struct {
	Type        string          `json:"type"`
	ID          int64           `json:"id,omitempty"`
	Success     *bool           `json:"success,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       *FrameError     `json:"error,omitempty"`
	Event       *EventFrame     `json:"event,omitempty"`
	Message     string          `json:"message,omitempty"`
	HAVersion   string          `json:"ha_version,omitempty"`
	AccessToken string          `json:"access_token,omitempty"`
}

type FrameError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type EventFrame struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	Origin    string          `json:"origin,omitempty"`
	TimeFired time.Time       `json:"time_fired"`
}

// Event is an unsolicited event routed to subscription handlers.
type Event struct {
	Type      string
	Data      json.RawMessage
	TimeFired time.Time
}

type Handler func(Event)

// Pair is one (domain, value) tuple from a device's identifiers or
// connections. Non-string members are stringified.
type Pair struct {
	Domain string
	Value  string
}

func (p *Pair) UnmarshalJSON(b []byte) error {
	var raw []any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if len(raw) > 0 && raw[0] != nil {
		p.Domain = fmt.Sprint(raw[0])
	}
	if len(raw) > 1 && raw[1] != nil {
		p.Value = fmt.Sprint(raw[1])
	}
	return nil
}

func (p Pair) MarshalJSON() ([]byte, error) {
	return json.Marshal([]string{p.Domain, p.Value})
}

// Device is one record from the hub's device registry. Optional fields are
// nil when absent upstream.
type Device struct {
	ID            string   `json:"id"`
	Name          *string  `json:"name"`
	NameByUser    *string  `json:"name_by_user"`
	Manufacturer  *string  `json:"manufacturer"`
	Model         *string  `json:"model"`
	SWVersion     *string  `json:"sw_version"`
	HWVersion     *string  `json:"hw_version"`
	AreaID        *string  `json:"area_id"`
	DisabledBy    *string  `json:"disabled_by"`
	EntryType     *string  `json:"entry_type"`
	ViaDeviceID   *string  `json:"via_device_id"`
	ConfigEntries []string `json:"config_entries"`
	Identifiers   []Pair   `json:"identifiers"`
	Connections   []Pair   `json:"connections"`
}

func (d Device) DisplayName() string {
	if d.NameByUser != nil && strings.TrimSpace(*d.NameByUser) != "" {
		return strings.TrimSpace(*d.NameByUser)
	}
	if d.Name != nil {
		return strings.TrimSpace(*d.Name)
	}
	return ""
}

func (d Device) Disabled() bool {
	return d.DisabledBy != nil && *d.DisabledBy != ""
}

// Integration returns the domain of the first identifier, which names the
// integration that created the device.
func (d Device) Integration() string {
	for _, p := range d.Identifiers {
		if p.Domain != "" {
			return p.Domain
		}
	}
	return ""
}

type Entity struct {
	EntityID       string  `json:"entity_id"`
	DeviceID       *string `json:"device_id"`
	AreaID         *string `json:"area_id"`
	Platform       string  `json:"platform"`
	Name           *string `json:"name"`
	OriginalName   *string `json:"original_name"`
	DisabledBy     *string `json:"disabled_by"`
	HiddenBy       *string `json:"hidden_by"`
	EntityCategory *string `json:"entity_category"`
	UniqueID       string  `json:"unique_id"`
}

func (e Entity) Domain() string {
	domain, _, ok := strings.Cut(e.EntityID, ".")
	if !ok {
		return ""
	}
	return domain
}

func (e Entity) Disabled() bool {
	return e.DisabledBy != nil && *e.DisabledBy != ""
}

func (e Entity) DisplayName() string {
	if e.Name != nil && *e.Name != "" {
		return *e.Name
	}
	if e.OriginalName != nil {
		return *e.OriginalName
	}
	return ""
}

type Area struct {
	AreaID  string   `json:"area_id"`
	Name    string   `json:"name"`
	Aliases []string `json:"aliases"`
	FloorID *string  `json:"floor_id"`
}
