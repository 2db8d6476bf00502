package sqlcgen

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX matches the minimal interface needed from pgxpool.Pool or pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, optionsAndArgs ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, optionsAndArgs ...any) pgx.Row
}

type Queries struct {
	db DBTX
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

func (q *Queries) WithTx(tx pgx.Tx) *Queries {
	return &Queries{db: tx}
}

const upsertDevice = `-- name: UpsertDevice :exec
INSERT INTO devices (
  id,
  name,
  manufacturer,
  model,
  area_id,
  area_name,
  integration,
  firmware_version,
  hardware_version,
  disabled,
  health_score,
  registry_id,
  bridge_ieee,
  bridge_name,
  power_source,
  capabilities,
  entities,
  last_seen
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, COALESCE($16::jsonb, '[]'::jsonb), COALESCE($17::jsonb, '[]'::jsonb), $18)
ON CONFLICT (id) DO UPDATE
SET name = EXCLUDED.name,
    manufacturer = EXCLUDED.manufacturer,
    model = EXCLUDED.model,
    area_id = EXCLUDED.area_id,
    area_name = EXCLUDED.area_name,
    integration = EXCLUDED.integration,
    firmware_version = EXCLUDED.firmware_version,
    hardware_version = EXCLUDED.hardware_version,
    disabled = EXCLUDED.disabled,
    health_score = EXCLUDED.health_score,
    registry_id = EXCLUDED.registry_id,
    bridge_ieee = EXCLUDED.bridge_ieee,
    bridge_name = EXCLUDED.bridge_name,
    power_source = EXCLUDED.power_source,
    capabilities = EXCLUDED.capabilities,
    entities = EXCLUDED.entities,
    last_seen = COALESCE(EXCLUDED.last_seen, devices.last_seen),
    updated_at = now()
`

type UpsertDeviceParams struct {
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
}

func (q *Queries) UpsertDevice(ctx context.Context, arg UpsertDeviceParams) error {
	_, err := q.db.Exec(ctx, upsertDevice,
		arg.ID,
		arg.Name,
		arg.Manufacturer,
		arg.Model,
		arg.AreaID,
		arg.AreaName,
		arg.Integration,
		arg.FirmwareVersion,
		arg.HardwareVersion,
		arg.Disabled,
		arg.HealthScore,
		arg.RegistryID,
		arg.BridgeIEEE,
		arg.BridgeName,
		arg.PowerSource,
		arg.Capabilities,
		arg.Entities,
		arg.LastSeen,
	)
	return err
}

const listDevices = `-- name: ListDevices :many
SELECT id, name, manufacturer, model, area_id, area_name, integration,
       firmware_version, hardware_version, disabled, health_score,
       registry_id, bridge_ieee, bridge_name, power_source,
       capabilities, entities, last_seen, updated_at
FROM devices
ORDER BY id ASC
`

func (q *Queries) ListDevices(ctx context.Context) ([]Device, error) {
	rows, err := q.db.Query(ctx, listDevices)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Device
	for rows.Next() {
		var i Device
		if err := rows.Scan(
			&i.ID,
			&i.Name,
			&i.Manufacturer,
			&i.Model,
			&i.AreaID,
			&i.AreaName,
			&i.Integration,
			&i.FirmwareVersion,
			&i.HardwareVersion,
			&i.Disabled,
			&i.HealthScore,
			&i.RegistryID,
			&i.BridgeIEEE,
			&i.BridgeName,
			&i.PowerSource,
			&i.Capabilities,
			&i.Entities,
			&i.LastSeen,
			&i.UpdatedAt,
		); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const disableDevicesNotIn = `-- name: DisableDevicesNotIn :execrows
UPDATE devices
SET disabled = true,
    updated_at = now()
WHERE NOT (id = ANY($1::text[]))
  AND NOT disabled
`

func (q *Queries) DisableDevicesNotIn(ctx context.Context, ids []string) (int64, error) {
	result, err := q.db.Exec(ctx, disableDevicesNotIn, ids)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

const updateDeviceHealthScore = `-- name: UpdateDeviceHealthScore :execrows
UPDATE devices
SET health_score = $2,
    updated_at = now()
WHERE id = $1
`

func (q *Queries) UpdateDeviceHealthScore(ctx context.Context, id string, score float64) (int64, error) {
	result, err := q.db.Exec(ctx, updateDeviceHealthScore, id, score)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

const insertDiscoveryRun = `-- name: InsertDiscoveryRun :one
INSERT INTO discovery_runs (status, trigger, stats)
VALUES ($1, $2, COALESCE($3, '{}'::jsonb))
RETURNING id, status, trigger, stats, started_at, completed_at, last_error
`

type InsertDiscoveryRunParams struct {
	Status  string
	Trigger string
	Stats   map[string]any
}

func (q *Queries) InsertDiscoveryRun(ctx context.Context, arg InsertDiscoveryRunParams) (DiscoveryRun, error) {
	row := q.db.QueryRow(ctx, insertDiscoveryRun, arg.Status, arg.Trigger, arg.Stats)
	var i DiscoveryRun
	err := row.Scan(
		&i.ID,
		&i.Status,
		&i.Trigger,
		&i.Stats,
		&i.StartedAt,
		&i.CompletedAt,
		&i.LastError,
	)
	return i, err
}

const updateDiscoveryRun = `-- name: UpdateDiscoveryRun :one
UPDATE discovery_runs
SET status = $2,
    stats = COALESCE($3, stats),
    completed_at = $4,
    last_error = $5
WHERE id = $1
RETURNING id, status, trigger, stats, started_at, completed_at, last_error
`

type UpdateDiscoveryRunParams struct {
	ID          string
	Status      string
	Stats       map[string]any
	CompletedAt *time.Time
	LastError   *string
}

func (q *Queries) UpdateDiscoveryRun(ctx context.Context, arg UpdateDiscoveryRunParams) (DiscoveryRun, error) {
	row := q.db.QueryRow(ctx, updateDiscoveryRun, arg.ID, arg.Status, arg.Stats, arg.CompletedAt, arg.LastError)
	var i DiscoveryRun
	err := row.Scan(
		&i.ID,
		&i.Status,
		&i.Trigger,
		&i.Stats,
		&i.StartedAt,
		&i.CompletedAt,
		&i.LastError,
	)
	return i, err
}

const getLatestDiscoveryRun = `-- name: GetLatestDiscoveryRun :one
SELECT id, status, trigger, stats, started_at, completed_at, last_error
FROM discovery_runs
ORDER BY started_at DESC
LIMIT 1
`

func (q *Queries) GetLatestDiscoveryRun(ctx context.Context) (DiscoveryRun, error) {
	row := q.db.QueryRow(ctx, getLatestDiscoveryRun)
	var i DiscoveryRun
	err := row.Scan(
		&i.ID,
		&i.Status,
		&i.Trigger,
		&i.Stats,
		&i.StartedAt,
		&i.CompletedAt,
		&i.LastError,
	)
	return i, err
}

const listDiscoveryRuns = `-- name: ListDiscoveryRuns :many
SELECT id, status, trigger, stats, started_at, completed_at, last_error
FROM discovery_runs
ORDER BY started_at DESC, id DESC
LIMIT $1
`

func (q *Queries) ListDiscoveryRuns(ctx context.Context, limit int32) ([]DiscoveryRun, error) {
	rows, err := q.db.Query(ctx, listDiscoveryRuns, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []DiscoveryRun
	for rows.Next() {
		var i DiscoveryRun
		if err := rows.Scan(&i.ID, &i.Status, &i.Trigger, &i.Stats, &i.StartedAt, &i.CompletedAt, &i.LastError); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const insertDiscoveryRunLog = `-- name: InsertDiscoveryRunLog :exec
INSERT INTO discovery_run_logs (run_id, level, message)
VALUES ($1, $2, $3)
`

type InsertDiscoveryRunLogParams struct {
	RunID   string
	Level   string
	Message string
}

func (q *Queries) InsertDiscoveryRunLog(ctx context.Context, arg InsertDiscoveryRunLogParams) error {
	_, err := q.db.Exec(ctx, insertDiscoveryRunLog, arg.RunID, arg.Level, arg.Message)
	return err
}

const listDiscoveryRunLogs = `-- name: ListDiscoveryRunLogs :many
SELECT id, run_id, level, message, created_at
FROM discovery_run_logs
WHERE run_id = $1
ORDER BY created_at DESC, id DESC
LIMIT $2
`

func (q *Queries) ListDiscoveryRunLogs(ctx context.Context, runID string, limit int32) ([]DiscoveryRunLog, error) {
	rows, err := q.db.Query(ctx, listDiscoveryRunLogs, runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []DiscoveryRunLog
	for rows.Next() {
		var i DiscoveryRunLog
		if err := rows.Scan(&i.ID, &i.RunID, &i.Level, &i.Message, &i.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}
