package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"sbd_decoder/internal/sbd"
)

// PostgresConfig holds PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// PostgresDB wraps a PostgreSQL connection pool for device state storage.
type PostgresDB struct {
	pool *pgxpool.Pool
}

// OpenPostgres opens a connection pool to PostgreSQL.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*PostgresDB, error) {
	connStr := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database)

	poolCfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}

	poolCfg.MaxConns = 10
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	// Test the connection.
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &PostgresDB{pool: pool}, nil
}

// Close closes the PostgreSQL connection pool.
func (d *PostgresDB) Close() {
	d.pool.Close()
}

// Pool returns the underlying connection pool for advanced operations.
func (d *PostgresDB) Pool() *pgxpool.Pool {
	return d.pool
}

// CreateSchema creates the PostgreSQL tables.
func (d *PostgresDB) CreateSchema(ctx context.Context) error {
	schema := `
	-- Mutable per-device state, one row per IMEI.
	CREATE TABLE IF NOT EXISTS devices (
		imei            TEXT PRIMARY KEY,
		first_seen      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		last_seen       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		frame_count     INTEGER NOT NULL DEFAULT 1,
		last_msg_type   SMALLINT NOT NULL DEFAULT 0,
		last_battery    SMALLINT NOT NULL DEFAULT 0,
		last_timer      INTEGER NOT NULL DEFAULT 0,
		low_power       BOOLEAN NOT NULL DEFAULT FALSE,
		needs_ack       BOOLEAN NOT NULL DEFAULT FALSE,
		last_lat_enc    INTEGER NOT NULL DEFAULT 0,
		last_lon_enc    INTEGER NOT NULL DEFAULT 0,
		last_lat        DOUBLE PRECISION,
		last_lon        DOUBLE PRECISION,
		rec_hour        SMALLINT,
		rec_minute      SMALLINT
	);

	CREATE INDEX IF NOT EXISTS idx_devices_last_seen ON devices(last_seen);

	-- Append-only fixes: the current position of each frame plus its
	-- history entries.
	CREATE TABLE IF NOT EXISTS positions (
		id              BIGSERIAL PRIMARY KEY,
		imei            TEXT NOT NULL,
		received_at     TIMESTAMPTZ NOT NULL,
		source          TEXT NOT NULL,
		history_index   INTEGER NOT NULL DEFAULT 0,
		lat_enc         INTEGER NOT NULL,
		lon_enc         INTEGER NOT NULL,
		latitude        DOUBLE PRECISION,
		longitude       DOUBLE PRECISION
	);

	CREATE INDEX IF NOT EXISTS idx_positions_imei_time ON positions(imei, received_at DESC);
	`

	_, err := d.pool.Exec(ctx, schema)
	if err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Device represents per-device state built up from ingested frames.
type Device struct {
	IMEI        string
	FirstSeen   time.Time
	LastSeen    time.Time
	FrameCount  int
	LastMsgType int16
	LastBattery int16
	LastTimer   int
	LowPower    bool
	NeedsAck    bool
	LastLatEnc  int32
	LastLonEnc  int32
	LastLat     *float64
	LastLon     *float64
	RecHour     *int16
	RecMinute   *int16
}

// UpsertDevice folds one decoded frame into the device's state row.
// Nullable fields keep their previous value when the new frame has none.
// A frame without a device identity is skipped, not an error.
func (d *PostgresDB) UpsertDevice(ctx context.Context, imei string, seenAt time.Time, res *sbd.Result) error {
	if imei == "" {
		return nil
	}

	var recHour, recMinute *int16
	if res.Period != nil {
		h, m := int16(res.Period.Hour), int16(res.Period.Minute)
		recHour, recMinute = &h, &m
	}

	_, err := d.pool.Exec(ctx, `
		INSERT INTO devices (imei, first_seen, last_seen, frame_count, last_msg_type, last_battery,
			last_timer, low_power, needs_ack, last_lat_enc, last_lon_enc, last_lat, last_lon,
			rec_hour, rec_minute)
		VALUES ($1, $2, $2, 1, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (imei) DO UPDATE SET
			last_seen = EXCLUDED.last_seen,
			frame_count = devices.frame_count + 1,
			last_msg_type = EXCLUDED.last_msg_type,
			last_battery = EXCLUDED.last_battery,
			last_timer = EXCLUDED.last_timer,
			low_power = EXCLUDED.low_power,
			needs_ack = EXCLUDED.needs_ack,
			last_lat_enc = EXCLUDED.last_lat_enc,
			last_lon_enc = EXCLUDED.last_lon_enc,
			last_lat = COALESCE(EXCLUDED.last_lat, devices.last_lat),
			last_lon = COALESCE(EXCLUDED.last_lon, devices.last_lon),
			rec_hour = COALESCE(EXCLUDED.rec_hour, devices.rec_hour),
			rec_minute = COALESCE(EXCLUDED.rec_minute, devices.rec_minute)
	`, imei, seenAt, int16(res.Header.MsgType), int16(res.BatteryCode), int(res.Timer),
		res.Header.LowPower, res.Header.NeedsAck,
		res.Current.Lat.Encoded, res.Current.Lon.Encoded,
		res.Current.Lat.Degrees, res.Current.Lon.Degrees,
		recHour, recMinute)
	return err
}

const deviceColumns = `imei, first_seen, last_seen, frame_count, last_msg_type, last_battery,
	last_timer, low_power, needs_ack, last_lat_enc, last_lon_enc, last_lat, last_lon,
	rec_hour, rec_minute`

func scanDevice(row pgx.Row) (Device, error) {
	var dev Device
	err := row.Scan(&dev.IMEI, &dev.FirstSeen, &dev.LastSeen, &dev.FrameCount,
		&dev.LastMsgType, &dev.LastBattery, &dev.LastTimer, &dev.LowPower, &dev.NeedsAck,
		&dev.LastLatEnc, &dev.LastLonEnc, &dev.LastLat, &dev.LastLon,
		&dev.RecHour, &dev.RecMinute)
	return dev, err
}

// GetDevice retrieves a device by IMEI, or nil when unknown.
func (d *PostgresDB) GetDevice(ctx context.Context, imei string) (*Device, error) {
	row := d.pool.QueryRow(ctx, "SELECT "+deviceColumns+" FROM devices WHERE imei = $1", imei)
	dev, err := scanDevice(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &dev, nil
}

// ListDevices retrieves all known devices, most recently seen first.
func (d *PostgresDB) ListDevices(ctx context.Context) ([]Device, error) {
	rows, err := d.pool.Query(ctx, "SELECT "+deviceColumns+" FROM devices ORDER BY last_seen DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		dev, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		devices = append(devices, dev)
	}
	return devices, rows.Err()
}

// Position represents one stored fix for a device.
type Position struct {
	ID           int64
	IMEI         string
	ReceivedAt   time.Time
	Source       string // "current" or "history"
	HistoryIndex int
	LatEnc       int32
	LonEnc       int32
	Latitude     *float64
	Longitude    *float64
}

// InsertPositions appends the frame's current fix and history entries.
func (d *PostgresDB) InsertPositions(ctx context.Context, imei string, receivedAt time.Time, res *sbd.Result) error {
	insert := func(source string, idx int, p sbd.CoordinatePair) error {
		_, err := d.pool.Exec(ctx, `
			INSERT INTO positions (imei, received_at, source, history_index, lat_enc, lon_enc, latitude, longitude)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, imei, receivedAt, source, idx, p.Lat.Encoded, p.Lon.Encoded, p.Lat.Degrees, p.Lon.Degrees)
		return err
	}

	if err := insert("current", 0, res.Current); err != nil {
		return fmt.Errorf("insert current position: %w", err)
	}
	for i, p := range res.History {
		if err := insert("history", i, p); err != nil {
			return fmt.Errorf("insert history position %d: %w", i, err)
		}
	}
	return nil
}

const positionColumns = `id, imei, received_at, source, history_index, lat_enc, lon_enc, latitude, longitude`

func scanPosition(row pgx.Row) (Position, error) {
	var p Position
	err := row.Scan(&p.ID, &p.IMEI, &p.ReceivedAt, &p.Source, &p.HistoryIndex,
		&p.LatEnc, &p.LonEnc, &p.Latitude, &p.Longitude)
	return p, err
}

// LatestPosition retrieves the most recent fix for a device, preferring the
// current fix of the newest frame over its history entries.
func (d *PostgresDB) LatestPosition(ctx context.Context, imei string) (*Position, error) {
	row := d.pool.QueryRow(ctx, `
		SELECT `+positionColumns+`
		FROM positions WHERE imei = $1
		ORDER BY received_at DESC, source ASC, history_index ASC
		LIMIT 1
	`, imei)
	p, err := scanPosition(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Track retrieves recent fixes for a device, newest frame first.
func (d *PostgresDB) Track(ctx context.Context, imei string, limit int) ([]Position, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := d.pool.Query(ctx, `
		SELECT `+positionColumns+`
		FROM positions WHERE imei = $1
		ORDER BY received_at DESC, source ASC, history_index ASC
		LIMIT $2
	`, imei, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var track []Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		track = append(track, p)
	}
	return track, rows.Err()
}
