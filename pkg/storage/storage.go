// Package storage implements persistence against PostgreSQL: append-only
// telemetry, field-level device upserts, and read-only customer lookups for
// notification dereference.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/protei/gv50ingest/internal/logger"
	"github.com/protei/gv50ingest/pkg/device"
)

// Store wraps a PostgreSQL connection pool implementing the core's
// persistence contract.
type Store struct {
	db  *sql.DB
	log *logger.Logger
}

// Config configures the connection pool.
type Config struct {
	URI          string
	Database     string // appended as dbname= to a keyword-form URI that has none; ignored otherwise
	MaxOpenConns int
	MaxIdleConns int
}

// Open connects to PostgreSQL, verifies reachability, and runs the core's
// schema migrations.
func Open(cfg Config) (*Store, error) {
	conn, err := sql.Open("postgres", dsn(cfg))
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		conn.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		conn.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	conn.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &Store{db: conn, log: logger.Get().WithComponent("storage")}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS devices (
			imei TEXT PRIMARY KEY,
			plate TEXT,
			customer_ref TEXT,
			ignition_on BOOLEAN NOT NULL DEFAULT FALSE,
			blocked BOOLEAN NOT NULL DEFAULT FALSE,
			block_cmd_pending BOOLEAN,
			ip_change_pending BOOLEAN NOT NULL DEFAULT FALSE,
			battery_voltage DOUBLE PRECISION NOT NULL DEFAULT 0,
			battery_low BOOLEAN NOT NULL DEFAULT FALSE,
			last_battery_alert_at TIMESTAMPTZ,
			last_seen_at TIMESTAMPTZ,
			last_motion_code TEXT,
			moving BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE TABLE IF NOT EXISTS telemetry (
			id BIGSERIAL PRIMARY KEY,
			imei TEXT NOT NULL,
			longitude DOUBLE PRECISION,
			latitude DOUBLE PRECISION,
			altitude DOUBLE PRECISION,
			speed DOUBLE PRECISION,
			course DOUBLE PRECISION,
			server_ts TIMESTAMPTZ NOT NULL,
			device_ts TIMESTAMPTZ,
			raw_frame TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_telemetry_imei_server_ts ON telemetry (imei, server_ts)`,
		`CREATE TABLE IF NOT EXISTS customers (
			id TEXT PRIMARY KEY,
			fcm_token TEXT
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// AppendTelemetry persists one sample. It never fails fatally: on error the
// sample is logged and dropped, and the handler continues: availability
// over durability on this path.
func (s *Store) AppendTelemetry(sample device.Telemetry) {
	_, err := s.db.Exec(
		`INSERT INTO telemetry (imei, longitude, latitude, altitude, speed, course, server_ts, device_ts, raw_frame)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		sample.IMEI, sample.Longitude, sample.Latitude, sample.Altitude, sample.Speed, sample.Course,
		sample.ServerTime, nullableTime(sample.DeviceTime), sample.RawFrame,
	)
	if err != nil {
		s.log.Error("append_telemetry failed, sample dropped", err, "imei", sample.IMEI)
	}
}

// LoadDevice returns the persisted row for imei, or nil if none exists yet.
func (s *Store) LoadDevice(ctx context.Context, imei string) (*device.Device, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT imei, plate, customer_ref, ignition_on, blocked, block_cmd_pending, ip_change_pending,
		        battery_voltage, battery_low, last_battery_alert_at, last_seen_at, last_motion_code, moving
		 FROM devices WHERE imei = $1`, imei)

	var d device.Device
	var plate, customerRef, motionCode sql.NullString
	var blockPending sql.NullBool
	var lastAlert, lastSeen sql.NullTime

	err := row.Scan(&d.IMEI, &plate, &customerRef, &d.IgnitionOn, &d.Blocked, &blockPending, &d.IPChangePending,
		&d.BatteryVoltage, &d.BatteryLow, &lastAlert, &lastSeen, &motionCode, &d.Moving)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load_device %s: %w", imei, err)
	}

	d.Plate = plate.String
	d.CustomerRef = customerRef.String
	d.LastMotionCode = motionCode.String
	if blockPending.Valid {
		v := blockPending.Bool
		d.BlockCmdPending = &v
	}
	if lastAlert.Valid {
		d.LastBatteryAlertAt = lastAlert.Time
	}
	if lastSeen.Valid {
		d.LastSeenAt = lastSeen.Time
	}
	return &d, nil
}

// UpsertDevice applies a sparse field-level update, creating the row if it
// does not yet exist. Last-writer-wins on concurrent updates;
// no per-IMEI lock is held across this call.
func (s *Store) UpsertDevice(ctx context.Context, upd device.Update) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (imei, ignition_on, blocked, block_cmd_pending, ip_change_pending,
		                      battery_voltage, battery_low, last_battery_alert_at, last_seen_at,
		                      last_motion_code, moving)
		VALUES ($1, COALESCE($2, FALSE), COALESCE($3, FALSE), $4, COALESCE($5, FALSE),
		        COALESCE($6, 0), COALESCE($7, FALSE), $8, $9, $10, COALESCE($11, FALSE))
		ON CONFLICT (imei) DO UPDATE SET
			ignition_on = COALESCE($2, devices.ignition_on),
			blocked = COALESCE($3, devices.blocked),
			block_cmd_pending = CASE WHEN $12 THEN NULL WHEN $4 IS NOT NULL THEN $4 ELSE devices.block_cmd_pending END,
			ip_change_pending = COALESCE($5, devices.ip_change_pending),
			battery_voltage = COALESCE($6, devices.battery_voltage),
			battery_low = COALESCE($7, devices.battery_low),
			last_battery_alert_at = COALESCE($8, devices.last_battery_alert_at),
			last_seen_at = COALESCE($9, devices.last_seen_at),
			last_motion_code = COALESCE($10, devices.last_motion_code),
			moving = COALESCE($11, devices.moving)
		`,
		upd.IMEI, upd.IgnitionOn, upd.Blocked, upd.BlockCmdPending, upd.IPChangePending,
		upd.BatteryVoltage, upd.BatteryLow, upd.LastBatteryAlertAt, upd.LastSeenAt,
		upd.LastMotionCode, upd.Moving, upd.ClearBlockCmdPending,
	)
	if err != nil {
		return fmt.Errorf("upsert_device %s: %w", upd.IMEI, err)
	}
	return nil
}

// LoadCustomer returns a customer row for notification dereference.
func (s *Store) LoadCustomer(ctx context.Context, id string) (*device.Customer, error) {
	if id == "" {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx, `SELECT id, fcm_token FROM customers WHERE id = $1`, id)
	var c device.Customer
	err := row.Scan(&c.ID, &c.FCMToken)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load_customer %s: %w", id, err)
	}
	return &c, nil
}

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

// dsn combines the configured URI with an explicit database name. The
// dbname suffix only applies to keyword-form DSNs; URL-form URIs carry the
// database in their path already.
func dsn(cfg Config) string {
	if cfg.Database == "" || strings.Contains(cfg.URI, "://") || strings.Contains(cfg.URI, "dbname=") {
		return cfg.URI
	}
	return cfg.URI + " dbname=" + cfg.Database
}
