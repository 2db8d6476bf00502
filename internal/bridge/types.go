package bridge

import (
	"encoding/json"
	"strings"
	"time"
)

// Expose is one node of a device definition's exposes tree. Composite and
// specific exposes (light, switch, climate) nest their members in Features.
type Expose struct {
	Type        string          `json:"type"`
	Name        string          `json:"name,omitempty"`
	Label       string          `json:"label,omitempty"`
	Property    string          `json:"property,omitempty"`
	Description string          `json:"description,omitempty"`
	Unit        string          `json:"unit,omitempty"`
	Category    string          `json:"category,omitempty"`
	Endpoint    string          `json:"endpoint,omitempty"`
	Access      *int            `json:"access,omitempty"`
	ValueMin    *float64        `json:"value_min,omitempty"`
	ValueMax    *float64        `json:"value_max,omitempty"`
	ValueStep   *float64        `json:"value_step,omitempty"`
	ValueOn     json.RawMessage `json:"value_on,omitempty"`
	ValueOff    json.RawMessage `json:"value_off,omitempty"`
	Values      []any           `json:"values,omitempty"`
	Features    []Expose        `json:"features,omitempty"`
}

type Definition struct {
	Model       string   `json:"model"`
	Vendor      string   `json:"vendor"`
	Description string   `json:"description"`
	SupportsOTA bool     `json:"supports_ota"`
	Exposes     []Expose `json:"exposes"`
}

// Device is one entry of the bridge's device list.
type Device struct {
	IEEEAddress        string      `json:"ieee_address"`
	FriendlyName       string      `json:"friendly_name"`
	Type               string      `json:"type"`
	NetworkAddress     int         `json:"network_address"`
	Supported          bool        `json:"supported"`
	Disabled           bool        `json:"disabled"`
	Interviewing       bool        `json:"interviewing"`
	InterviewCompleted bool        `json:"interview_completed"`
	Manufacturer       string      `json:"manufacturer"`
	ModelID            string      `json:"model_id"`
	PowerSource        string      `json:"power_source"`
	SoftwareBuildID    string      `json:"software_build_id"`
	DateCode           string      `json:"date_code"`
	Definition         *Definition `json:"definition"`
}

func (d Device) Vendor() string {
	if d.Definition != nil && strings.TrimSpace(d.Definition.Vendor) != "" {
		return strings.TrimSpace(d.Definition.Vendor)
	}
	return strings.TrimSpace(d.Manufacturer)
}

func (d Device) Model() string {
	if d.Definition != nil && strings.TrimSpace(d.Definition.Model) != "" {
		return strings.TrimSpace(d.Definition.Model)
	}
	return strings.TrimSpace(d.ModelID)
}

func (d Device) Exposes() []Expose {
	if d.Definition == nil {
		return nil
	}
	return d.Definition.Exposes
}

func (d Device) IsCoordinator() bool {
	return strings.EqualFold(d.Type, "Coordinator")
}

type GroupMember struct {
	IEEEAddress string `json:"ieee_address"`
	Endpoint    int    `json:"endpoint"`
}

type Group struct {
	ID           int           `json:"id"`
	FriendlyName string        `json:"friendly_name"`
	Members      []GroupMember `json:"members"`
}

type Info struct {
	Version     string `json:"version"`
	Commit      string `json:"commit"`
	LogLevel    string `json:"log_level"`
	PermitJoin  bool   `json:"permit_join"`
	Coordinator struct {
		IEEEAddress string `json:"ieee_address"`
		Type        string `json:"type"`
	} `json:"coordinator"`
}

type NetworkNode struct {
	IEEEAddress    string `json:"ieeeAddr"`
	FriendlyName   string `json:"friendlyName"`
	Type           string `json:"type"`
	NetworkAddress int    `json:"networkAddress"`
}

type LinkEnd struct {
	IEEEAddress    string `json:"ieeeAddr"`
	NetworkAddress int    `json:"networkAddress"`
}

type NetworkLink struct {
	Source      LinkEnd `json:"source"`
	Target      LinkEnd `json:"target"`
	LinkQuality int     `json:"linkquality"`
	Depth       int     `json:"depth"`
}

type NetworkMap struct {
	Nodes      []NetworkNode `json:"nodes"`
	Links      []NetworkLink `json:"links"`
	ReceivedAt time.Time     `json:"received_at"`
}

// networkMapResponse is the envelope on <base>/bridge/response/networkmap.
type networkMapResponse struct {
	Status string `json:"status"`
	Error  string `json:"error"`
	Data   struct {
		Type  string     `json:"type"`
		Value NetworkMap `json:"value"`
	} `json:"data"`
}

// Event is a message on <base>/bridge/event.
type Event struct {
	Type string `json:"type"`
	Data struct {
		FriendlyName string `json:"friendly_name"`
		IEEEAddress  string `json:"ieee_address"`
		Status       string `json:"status,omitempty"`
	} `json:"data"`
}
