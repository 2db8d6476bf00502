package inventory

import (
	"context"
	"encoding/json"
	"fmt"

	"homepulse/core-go/internal/device"
	"homepulse/core-go/internal/sqlcgen"
)

// Queries is the subset of sqlcgen.Queries the persister uses.
type Queries interface {
	UpsertDevice(ctx context.Context, arg sqlcgen.UpsertDeviceParams) error
	ListDevices(ctx context.Context) ([]sqlcgen.Device, error)
	DisableDevicesNotIn(ctx context.Context, ids []string) (int64, error)
	UpdateDeviceHealthScore(ctx context.Context, id string, score float64) (int64, error)
}

// Persister mirrors the device table into Postgres so the last known
// inventory survives restarts.
type Persister struct {
	q Queries
}

func NewPersister(q Queries) *Persister {
	return &Persister{q: q}
}

// Save upserts every device. Rows for devices missing from devs are flagged
// disabled, never deleted.
func (p *Persister) Save(ctx context.Context, devs []device.Device) error {
	if p == nil || p.q == nil {
		return nil
	}
	ids := make([]string, 0, len(devs))
	for _, d := range devs {
		arg, err := toParams(d)
		if err != nil {
			return err
		}
		if err := p.q.UpsertDevice(ctx, arg); err != nil {
			return fmt.Errorf("upsert device %s: %w", d.ID, err)
		}
		ids = append(ids, d.ID)
	}
	if _, err := p.q.DisableDevicesNotIn(ctx, ids); err != nil {
		return fmt.Errorf("disable missing devices: %w", err)
	}
	return nil
}

func (p *Persister) Load(ctx context.Context) ([]device.Device, error) {
	if p == nil || p.q == nil {
		return nil, nil
	}
	rows, err := p.q.ListDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	out := make([]device.Device, 0, len(rows))
	for _, r := range rows {
		d, err := fromRow(r)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func (p *Persister) SaveHealthScore(ctx context.Context, id string, score float64) error {
	if p == nil || p.q == nil {
		return nil
	}
	n, err := p.q.UpdateDeviceHealthScore(ctx, id, score)
	if err != nil {
		return fmt.Errorf("update health score %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func toParams(d device.Device) (sqlcgen.UpsertDeviceParams, error) {
	caps, err := json.Marshal(d.Capabilities)
	if err != nil {
		return sqlcgen.UpsertDeviceParams{}, fmt.Errorf("encode capabilities for %s: %w", d.ID, err)
	}
	ents, err := json.Marshal(d.Entities)
	if err != nil {
		return sqlcgen.UpsertDeviceParams{}, fmt.Errorf("encode entities for %s: %w", d.ID, err)
	}
	return sqlcgen.UpsertDeviceParams{
		ID:              d.ID,
		Name:            d.Name,
		Manufacturer:    optional(d.Manufacturer),
		Model:           optional(d.Model),
		AreaID:          d.AreaID,
		AreaName:        d.AreaName,
		Integration:     d.Integration,
		FirmwareVersion: optional(d.FirmwareVersion),
		HardwareVersion: optional(d.HardwareVersion),
		Disabled:        d.Disabled,
		HealthScore:     d.HealthScore,
		RegistryID:      optional(d.Sources.RegistryID),
		BridgeIEEE:      optional(d.Sources.BridgeIEEE),
		BridgeName:      optional(d.Sources.BridgeName),
		PowerSource:     optional(d.Sources.PowerSource),
		Capabilities:    caps,
		Entities:        ents,
		LastSeen:        d.LastSeen,
	}, nil
}

func fromRow(r sqlcgen.Device) (device.Device, error) {
	d := device.Device{
		ID:              r.ID,
		Name:            r.Name,
		Manufacturer:    value(r.Manufacturer),
		Model:           value(r.Model),
		AreaID:          r.AreaID,
		AreaName:        r.AreaName,
		Integration:     r.Integration,
		FirmwareVersion: value(r.FirmwareVersion),
		HardwareVersion: value(r.HardwareVersion),
		Disabled:        r.Disabled,
		HealthScore:     r.HealthScore,
		LastSeen:        r.LastSeen,
		Sources: device.Sources{
			RegistryID:  value(r.RegistryID),
			BridgeIEEE:  value(r.BridgeIEEE),
			BridgeName:  value(r.BridgeName),
			PowerSource: value(r.PowerSource),
		},
	}
	if len(r.Capabilities) > 0 {
		if err := json.Unmarshal(r.Capabilities, &d.Capabilities); err != nil {
			return device.Device{}, fmt.Errorf("decode capabilities for %s: %w", r.ID, err)
		}
	}
	if len(r.Entities) > 0 {
		if err := json.Unmarshal(r.Entities, &d.Entities); err != nil {
			return device.Device{}, fmt.Errorf("decode entities for %s: %w", r.ID, err)
		}
	}
	return d, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func value(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
