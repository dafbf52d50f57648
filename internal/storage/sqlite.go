// Package storage provides persistent storage for decoded SBD frames.
package storage

import (
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"sbd_decoder/internal/sbd"
)

// ArchivedFrame is one decoded frame as stored in the local archive.
type ArchivedFrame struct {
	ID          int64
	ReceivedAt  time.Time
	DeviceID    string
	RawHex      string
	RawLen      int
	Version     uint8
	MsgType     uint8
	HasPayload  bool
	NeedsAck    bool
	LowPower    bool
	LatEnc      int32
	LonEnc      int32
	LatDeg      *float64
	LonDeg      *float64
	BatteryCode uint8
	Timer       uint16
	TLVType     *uint8
	TLVLength   *uint8
	TLVValueHex string
	HistoryLen  int
	RecHour     *uint8
	RecMinute   *uint8
	TailHex     string
	NoteCount   int
	NotesJSON   string
	ResultJSON  string
}

// ArchivePosition is one stored fix, either the frame's current position or
// a GNSS history entry.
type ArchivePosition struct {
	FrameID    int64
	DeviceID   string
	ReceivedAt time.Time
	Source     string // "current" or "history"
	Index      int    // history index, 0 for current
	LatEnc     int32
	LonEnc     int32
	LatDeg     *float64
	LonDeg     *float64
}

// Archive wraps a SQLite database holding decoded frames for local
// inspection workflows.
type Archive struct {
	db *sql.DB
}

// OpenArchive opens or creates a SQLite archive at the given path.
func OpenArchive(path string) (*Archive, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable WAL mode for better concurrent access.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	if err := createArchiveSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Archive{db: db}, nil
}

// Close closes the database connection.
func (a *Archive) Close() error {
	return a.db.Close()
}

func createArchiveSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS frames (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		received_at TEXT NOT NULL,
		device_id TEXT,
		raw_hex TEXT NOT NULL,
		raw_len INTEGER NOT NULL,
		version INTEGER NOT NULL,
		msg_type INTEGER NOT NULL,
		has_payload INTEGER NOT NULL,
		needs_ack INTEGER NOT NULL,
		low_power INTEGER NOT NULL,
		lat_enc INTEGER NOT NULL,
		lon_enc INTEGER NOT NULL,
		lat_deg REAL,
		lon_deg REAL,
		battery_code INTEGER NOT NULL,
		timer INTEGER NOT NULL,
		tlv_type INTEGER,
		tlv_length INTEGER,
		tlv_value_hex TEXT,
		history_count INTEGER NOT NULL DEFAULT 0,
		rec_hour INTEGER,
		rec_minute INTEGER,
		tail_hex TEXT,
		note_count INTEGER NOT NULL DEFAULT 0,
		notes_json TEXT,
		result_json TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_frames_device ON frames(device_id);
	CREATE INDEX IF NOT EXISTS idx_frames_received ON frames(received_at);
	CREATE INDEX IF NOT EXISTS idx_frames_msg_type ON frames(msg_type);
	CREATE INDEX IF NOT EXISTS idx_frames_notes ON frames(note_count);

	CREATE TABLE IF NOT EXISTS positions (
		frame_id INTEGER NOT NULL REFERENCES frames(id) ON DELETE CASCADE,
		device_id TEXT,
		received_at TEXT NOT NULL,
		source TEXT NOT NULL,
		idx INTEGER NOT NULL DEFAULT 0,
		lat_enc INTEGER NOT NULL,
		lon_enc INTEGER NOT NULL,
		lat_deg REAL,
		lon_deg REAL,
		PRIMARY KEY (frame_id, source, idx)
	);

	CREATE INDEX IF NOT EXISTS idx_positions_device ON positions(device_id, received_at);
	`

	_, err := db.Exec(schema)
	return err
}

// InsertFrame stores one decode result together with its raw bytes. The
// frame's positions (current fix plus history entries) are written to the
// positions table in the same transaction.
func (a *Archive) InsertFrame(deviceID string, raw []byte, res *sbd.Result) (int64, error) {
	resultJSON, err := json.Marshal(res)
	if err != nil {
		return 0, fmt.Errorf("marshal result: %w", err)
	}
	notesJSON, err := json.Marshal(res.Notes)
	if err != nil {
		return 0, fmt.Errorf("marshal notes: %w", err)
	}

	receivedAt := time.Now().UTC().Format(time.RFC3339)

	var tlvType, tlvLength interface{}
	var tlvValueHex string
	if res.TLV != nil {
		tlvType = int(res.TLV.Type)
		tlvLength = int(res.TLV.Length)
		tlvValueHex = res.TLV.Value.String()
	}
	var recHour, recMinute interface{}
	if res.Period != nil {
		recHour = int(res.Period.Hour)
		recMinute = int(res.Period.Minute)
	}

	tx, err := a.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.Exec(`
		INSERT INTO frames (received_at, device_id, raw_hex, raw_len, version, msg_type,
			has_payload, needs_ack, low_power, lat_enc, lon_enc, lat_deg, lon_deg,
			battery_code, timer, tlv_type, tlv_length, tlv_value_hex, history_count,
			rec_hour, rec_minute, tail_hex, note_count, notes_json, result_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, receivedAt, deviceID, hex.EncodeToString(raw), res.RawLen,
		res.Header.Version, res.Header.MsgType,
		res.Header.HasPayload, res.Header.NeedsAck, res.Header.LowPower,
		res.Current.Lat.Encoded, res.Current.Lon.Encoded,
		res.Current.Lat.Degrees, res.Current.Lon.Degrees,
		res.BatteryCode, res.Timer, tlvType, tlvLength, tlvValueHex,
		len(res.History), recHour, recMinute, res.Tail.String(),
		len(res.Notes), string(notesJSON), string(resultJSON))
	if err != nil {
		return 0, fmt.Errorf("insert frame: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("frame id: %w", err)
	}

	insertPos := func(source string, idx int, p sbd.CoordinatePair) error {
		_, err := tx.Exec(`
			INSERT INTO positions (frame_id, device_id, received_at, source, idx, lat_enc, lon_enc, lat_deg, lon_deg)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, id, deviceID, receivedAt, source, idx,
			p.Lat.Encoded, p.Lon.Encoded, p.Lat.Degrees, p.Lon.Degrees)
		return err
	}

	if err := insertPos("current", 0, res.Current); err != nil {
		return 0, fmt.Errorf("insert current position: %w", err)
	}
	for i, p := range res.History {
		if err := insertPos("history", i, p); err != nil {
			return 0, fmt.Errorf("insert history position %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit frame: %w", err)
	}
	return id, nil
}

// RecentFrames returns the newest frames, optionally filtered by device.
func (a *Archive) RecentFrames(limit int, deviceID string) ([]ArchivedFrame, error) {
	if limit <= 0 {
		limit = 20
	}

	query := frameColumns + " FROM frames"
	var args []interface{}
	if deviceID != "" {
		query += " WHERE device_id = ?"
		args = append(args, deviceID)
	}
	query += fmt.Sprintf(" ORDER BY id DESC LIMIT %d", limit)

	rows, err := a.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query frames: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var frames []ArchivedFrame
	for rows.Next() {
		f, err := scanFrame(rows)
		if err != nil {
			return nil, fmt.Errorf("scan frame: %w", err)
		}
		frames = append(frames, f)
	}
	return frames, rows.Err()
}

// FrameByID retrieves a single archived frame, or nil when absent.
func (a *Archive) FrameByID(id int64) (*ArchivedFrame, error) {
	row := a.db.QueryRow(frameColumns+" FROM frames WHERE id = ?", id)
	f, err := scanFrame(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &f, nil
}

// Positions returns stored fixes for a device, newest frame first, for
// track export. A zero limit returns everything.
func (a *Archive) Positions(deviceID string, limit int) ([]ArchivePosition, error) {
	query := `SELECT frame_id, device_id, received_at, source, idx, lat_enc, lon_enc, lat_deg, lon_deg
		FROM positions`
	var args []interface{}
	if deviceID != "" {
		query += " WHERE device_id = ?"
		args = append(args, deviceID)
	}
	query += " ORDER BY frame_id DESC, source, idx"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := a.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var positions []ArchivePosition
	for rows.Next() {
		var p ArchivePosition
		var ts string
		var dev sql.NullString
		var latDeg, lonDeg sql.NullFloat64
		if err := rows.Scan(&p.FrameID, &dev, &ts, &p.Source, &p.Index,
			&p.LatEnc, &p.LonEnc, &latDeg, &lonDeg); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		p.DeviceID = dev.String
		p.ReceivedAt, _ = time.Parse(time.RFC3339, ts)
		if latDeg.Valid {
			p.LatDeg = &latDeg.Float64
		}
		if lonDeg.Valid {
			p.LonDeg = &lonDeg.Float64
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// ArchiveStats summarises the archive contents.
type ArchiveStats struct {
	TotalFrames int
	Devices     int
	WithNotes   int
	ByMsgType   map[int]int
}

// Stats returns aggregate statistics about archived frames.
func (a *Archive) Stats() (*ArchiveStats, error) {
	stats := &ArchiveStats{ByMsgType: make(map[int]int)}

	row := a.db.QueryRow("SELECT COUNT(*) FROM frames")
	if err := row.Scan(&stats.TotalFrames); err != nil {
		return nil, err
	}

	row = a.db.QueryRow("SELECT COUNT(DISTINCT device_id) FROM frames WHERE device_id != ''")
	if err := row.Scan(&stats.Devices); err != nil {
		return nil, err
	}

	row = a.db.QueryRow("SELECT COUNT(*) FROM frames WHERE note_count > 0")
	if err := row.Scan(&stats.WithNotes); err != nil {
		return nil, err
	}

	rows, err := a.db.Query("SELECT msg_type, COUNT(*) FROM frames GROUP BY msg_type ORDER BY COUNT(*) DESC")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var typ, count int
		if err := rows.Scan(&typ, &count); err != nil {
			return nil, err
		}
		stats.ByMsgType[typ] = count
	}
	return stats, rows.Err()
}

const frameColumns = `SELECT id, received_at, device_id, raw_hex, raw_len, version, msg_type,
	has_payload, needs_ack, low_power, lat_enc, lon_enc, lat_deg, lon_deg,
	battery_code, timer, tlv_type, tlv_length, tlv_value_hex, history_count,
	rec_hour, rec_minute, tail_hex, note_count, notes_json, result_json`

// scanFrame reads one frames row from either *sql.Row or *sql.Rows.
func scanFrame(row interface{ Scan(...interface{}) error }) (ArchivedFrame, error) {
	var f ArchivedFrame
	var ts string
	var dev, tlvValue, tail, notesJSON sql.NullString
	var latDeg, lonDeg sql.NullFloat64
	var tlvType, tlvLength, recHour, recMinute sql.NullInt64
	var hasPayload, needsAck, lowPower int

	err := row.Scan(&f.ID, &ts, &dev, &f.RawHex, &f.RawLen, &f.Version, &f.MsgType,
		&hasPayload, &needsAck, &lowPower, &f.LatEnc, &f.LonEnc, &latDeg, &lonDeg,
		&f.BatteryCode, &f.Timer, &tlvType, &tlvLength, &tlvValue, &f.HistoryLen,
		&recHour, &recMinute, &tail, &f.NoteCount, &notesJSON, &f.ResultJSON)
	if err != nil {
		return f, err
	}

	f.ReceivedAt, _ = time.Parse(time.RFC3339, ts)
	f.DeviceID = dev.String
	f.HasPayload = hasPayload == 1
	f.NeedsAck = needsAck == 1
	f.LowPower = lowPower == 1
	if latDeg.Valid {
		f.LatDeg = &latDeg.Float64
	}
	if lonDeg.Valid {
		f.LonDeg = &lonDeg.Float64
	}
	if tlvType.Valid {
		v := uint8(tlvType.Int64)
		f.TLVType = &v
	}
	if tlvLength.Valid {
		v := uint8(tlvLength.Int64)
		f.TLVLength = &v
	}
	f.TLVValueHex = tlvValue.String
	if recHour.Valid {
		v := uint8(recHour.Int64)
		f.RecHour = &v
	}
	if recMinute.Valid {
		v := uint8(recMinute.Int64)
		f.RecMinute = &v
	}
	f.TailHex = tail.String
	f.NotesJSON = notesJSON.String

	return f, nil
}

// Notes decodes the stored notes JSON back into sbd notes.
func (f *ArchivedFrame) Notes() []sbd.Note {
	if f.NotesJSON == "" {
		return nil
	}
	var notes []sbd.Note
	if err := json.Unmarshal([]byte(f.NotesJSON), &notes); err != nil {
		return nil
	}
	return notes
}

// Result decodes the stored full result JSON.
func (f *ArchivedFrame) Result() (*sbd.Result, error) {
	var res sbd.Result
	if err := json.Unmarshal([]byte(f.ResultJSON), &res); err != nil {
		return nil, fmt.Errorf("unmarshal stored result: %w", err)
	}
	return &res, nil
}

// Summary renders a one-line description for listings.
func (f *ArchivedFrame) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "#%d %s", f.ID, f.ReceivedAt.Format("2006-01-02 15:04:05"))
	if f.DeviceID != "" {
		fmt.Fprintf(&b, " dev=%s", f.DeviceID)
	}
	fmt.Fprintf(&b, " v%d type=%d len=%d", f.Version, f.MsgType, f.RawLen)
	if f.LatDeg != nil && f.LonDeg != nil {
		fmt.Fprintf(&b, " lat=%s lon=%s", sbd.FormatDegrees(*f.LatDeg), sbd.FormatDegrees(*f.LonDeg))
	} else {
		fmt.Fprintf(&b, " lat_enc=%d lon_enc=%d", f.LatEnc, f.LonEnc)
	}
	fmt.Fprintf(&b, " bat=%d hist=%d", f.BatteryCode, f.HistoryLen)
	if f.NoteCount > 0 {
		fmt.Fprintf(&b, " notes=%d", f.NoteCount)
	}
	return b.String()
}
