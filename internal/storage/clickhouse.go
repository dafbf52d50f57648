package storage

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"sbd_decoder/internal/sbd"
)

// ClickHouseConfig holds ClickHouse connection settings.
type ClickHouseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// ClickHouseDB wraps a ClickHouse connection for frame analytics storage.
type ClickHouseDB struct {
	conn driver.Conn
}

// Conn returns the underlying ClickHouse connection for direct queries.
func (d *ClickHouseDB) Conn() driver.Conn {
	return d.conn
}

// OpenClickHouse opens a connection to ClickHouse.
func OpenClickHouse(ctx context.Context, cfg ClickHouseConfig) (*ClickHouseDB, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout:     10 * time.Second,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}

	// Test the connection.
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}

	return &ClickHouseDB{conn: conn}, nil
}

// Close closes the ClickHouse connection.
func (d *ClickHouseDB) Close() error {
	return d.conn.Close()
}

// CreateSchema creates the ClickHouse tables.
func (d *ClickHouseDB) CreateSchema(ctx context.Context) error {
	query := `CREATE TABLE IF NOT EXISTS frames (
		device_id       LowCardinality(String),
		received_at     DateTime64(3),
		raw_hex         String,
		raw_len         UInt16,
		version         UInt8,
		msg_type        UInt8,
		has_payload     Bool,
		needs_ack       Bool,
		low_power       Bool,
		lat_enc         Int32,
		lon_enc         Int32,
		lat_deg         Nullable(Float64),
		lon_deg         Nullable(Float64),
		battery_code    UInt8,
		iridium_timer   UInt16,
		tlv_type        Nullable(UInt8),
		tlv_length      Nullable(UInt8),
		tlv_value_hex   String,
		history_count   UInt16,
		rec_hour        Nullable(UInt8),
		rec_minute      Nullable(UInt8),
		note_count      UInt16,
		notes_json      String,
		result_json     String,
		created_at      DateTime64(3) DEFAULT now64(3)
	)
	ENGINE = MergeTree()
	PARTITION BY toYYYYMM(received_at)
	ORDER BY (device_id, received_at)
	SETTINGS index_granularity = 8192`

	if err := d.conn.Exec(ctx, query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// CHFrameParams contains one decoded frame for insertion.
type CHFrameParams struct {
	DeviceID   string
	ReceivedAt time.Time
	Raw        []byte
	Result     *sbd.Result
}

const chFrameInsert = `
	INSERT INTO frames (device_id, received_at, raw_hex, raw_len, version, msg_type,
		has_payload, needs_ack, low_power, lat_enc, lon_enc, lat_deg, lon_deg,
		battery_code, iridium_timer, tlv_type, tlv_length, tlv_value_hex,
		history_count, rec_hour, rec_minute, note_count, notes_json, result_json)
`

// chFrameRow flattens a frame into the column value list for the insert above.
func chFrameRow(p CHFrameParams) ([]interface{}, error) {
	res := p.Result
	resultJSON, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	notesJSON, err := json.Marshal(res.Notes)
	if err != nil {
		return nil, fmt.Errorf("marshal notes: %w", err)
	}

	var tlvType, tlvLength *uint8
	var tlvValueHex string
	if res.TLV != nil {
		tlvType = &res.TLV.Type
		tlvLength = &res.TLV.Length
		tlvValueHex = res.TLV.Value.String()
	}
	var recHour, recMinute *uint8
	if res.Period != nil {
		recHour = &res.Period.Hour
		recMinute = &res.Period.Minute
	}

	return []interface{}{
		p.DeviceID, p.ReceivedAt, hex.EncodeToString(p.Raw), uint16(res.RawLen),
		res.Header.Version, res.Header.MsgType,
		res.Header.HasPayload, res.Header.NeedsAck, res.Header.LowPower,
		res.Current.Lat.Encoded, res.Current.Lon.Encoded,
		res.Current.Lat.Degrees, res.Current.Lon.Degrees,
		res.BatteryCode, res.Timer, tlvType, tlvLength, tlvValueHex,
		uint16(len(res.History)), recHour, recMinute,
		uint16(len(res.Notes)), string(notesJSON), string(resultJSON),
	}, nil
}

// Insert stores a single frame in ClickHouse.
func (d *ClickHouseDB) Insert(ctx context.Context, p CHFrameParams) error {
	row, err := chFrameRow(p)
	if err != nil {
		return err
	}
	query := chFrameInsert + " VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
	if err := d.conn.Exec(ctx, query, row...); err != nil {
		return fmt.Errorf("insert frame: %w", err)
	}
	return nil
}

// InsertBatch stores multiple frames in ClickHouse efficiently.
func (d *ClickHouseDB) InsertBatch(ctx context.Context, frames []CHFrameParams) error {
	if len(frames) == 0 {
		return nil
	}

	batch, err := d.conn.PrepareBatch(ctx, chFrameInsert)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, p := range frames {
		row, err := chFrameRow(p)
		if err != nil {
			return err
		}
		if err := batch.Append(row...); err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}

	return nil
}

// Count returns the total number of frames, optionally filtered by device.
func (d *ClickHouseDB) Count(ctx context.Context, deviceID string) (uint64, error) {
	var count uint64
	var err error
	if deviceID != "" {
		row := d.conn.QueryRow(ctx, "SELECT count() FROM frames WHERE device_id = ?", deviceID)
		err = row.Scan(&count)
	} else {
		row := d.conn.QueryRow(ctx, "SELECT count() FROM frames")
		err = row.Scan(&count)
	}
	return count, err
}

// CountByDevice returns frame counts grouped by device.
func (d *ClickHouseDB) CountByDevice(ctx context.Context) (map[string]uint64, error) {
	counts := make(map[string]uint64)
	rows, err := d.conn.Query(ctx, "SELECT device_id, count() FROM frames GROUP BY device_id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var dev string
		var count uint64
		if err := rows.Scan(&dev, &count); err != nil {
			return nil, fmt.Errorf("scan count by device: %w", err)
		}
		counts[dev] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate count by device: %w", err)
	}
	return counts, nil
}

// CountByMsgType returns frame counts grouped by message type.
func (d *ClickHouseDB) CountByMsgType(ctx context.Context) (map[uint8]uint64, error) {
	counts := make(map[uint8]uint64)
	rows, err := d.conn.Query(ctx, "SELECT msg_type, count() FROM frames GROUP BY msg_type")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var typ uint8
		var count uint64
		if err := rows.Scan(&typ, &count); err != nil {
			return nil, fmt.Errorf("scan count by msg type: %w", err)
		}
		counts[typ] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate count by msg type: %w", err)
	}
	return counts, nil
}
