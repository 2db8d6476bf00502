package sqlcgen

import "time"

type Device struct {
	ID              string
	Name            string
	Manufacturer    *string
	Model           *string
	AreaID          *string
	AreaName        *string
	Integration     string
	FirmwareVersion *string
	HardwareVersion *string
	Disabled        bool
	HealthScore     float64
	RegistryID      *string
	BridgeIEEE      *string
	BridgeName      *string
	PowerSource     *string
	Capabilities    []byte
	Entities        []byte
	LastSeen        *time.Time
	UpdatedAt       time.Time
}

type DiscoveryRun struct {
	ID          string
	Status      string
	Trigger     string
	Stats       map[string]any
	StartedAt   time.Time
	CompletedAt *time.Time
	LastError   *string
}

type DiscoveryRunLog struct {
	ID        int64
	RunID     string
	Level     string
	Message   string
	CreatedAt time.Time
}
