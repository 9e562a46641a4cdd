// Package store is the durable send queue: accepted position reports, their
// side-channel parameters and externally submitted core events live in
// SQLite until the upload worker confirms delivery.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/trackwire/trackwire/internal/track"

	_ "modernc.org/sqlite"
)

// Queue is the storage contract between the producers (filter, event
// submitters) and the consumer (upload worker). The SQLite DB below is the
// production implementation; tests may substitute their own.
type Queue interface {
	// InsertPosition stores a report with its params in one transaction and
	// returns the new row id.
	InsertPosition(ctx context.Context, pos track.Position, params []track.Param) (int64, error)

	// OldestUnsentPosition returns the lowest-id unsent report, or nil.
	OldestUnsentPosition(ctx context.Context) (*track.Position, error)

	// PositionParams returns the params attached to a report, in insert order.
	PositionParams(ctx context.Context, positionID int64) ([]track.Param, error)

	// MarkPositionSent flags a report as delivered. Idempotent.
	MarkPositionSent(ctx context.Context, id int64) error

	// DeletePosition removes a report and its params. Deleting a missing id
	// is not an error.
	DeletePosition(ctx context.Context, id int64) error

	// ClosestPosition returns the report nearest in time to target, or nil
	// when the best match is further away than maxDelta.
	ClosestPosition(ctx context.Context, target time.Time, maxDelta time.Duration) (*track.Position, error)

	// LastInsertWallTime returns when the most recent report was inserted.
	// ok is false when the table is empty.
	LastInsertWallTime(ctx context.Context) (t time.Time, ok bool, err error)

	// TrimRetained deletes sent rows beyond the most recent keepLastN per
	// table, by report time.
	TrimRetained(ctx context.Context, keepLastN int) error

	// InsertCoreEvent queues an externally submitted payload.
	InsertCoreEvent(ctx context.Context, eventTime time.Time, payload, source string) (int64, error)

	// OldestUnsentCoreEvent returns the lowest-id unsent event, or nil.
	OldestUnsentCoreEvent(ctx context.Context) (*track.CoreEvent, error)

	// MarkCoreEventSent flags an event as delivered. Idempotent.
	MarkCoreEventSent(ctx context.Context, id int64) error
}

// DB wraps the SQLite connection backing the queue.
type DB struct {
	*sql.DB
	clock func() time.Time
}

// Open initializes the database at path, creating parent directories and
// running any pending migrations.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(ON)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// modernc sqlite serializes writers; a single connection avoids
	// SQLITE_BUSY between the filter goroutine and the worker
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	d := &DB{DB: db, clock: time.Now}
	if err := d.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

// SetClock overrides the insert-timestamp source. Tests only.
func (d *DB) SetClock(now func() time.Time) { d.clock = now }

// InsertPosition stores pos and its params atomically, returning the row id.
func (d *DB) InsertPosition(ctx context.Context, pos track.Position, params []track.Param) (int64, error) {
	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin insert: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO position
			(deviceId, time, latitude, longitude, altitude, speed, course,
			 accuracy, battery, charging, batteryTempC, mock, sats, sent, createdAt)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		pos.DeviceID, pos.Time.UnixMilli(), pos.Latitude, pos.Longitude,
		pos.Altitude, pos.Speed, pos.Course, pos.Accuracy, pos.Battery,
		boolInt(pos.Charging), nullFloat(pos.BatteryTempC), boolInt(pos.Mock),
		pos.Sats, d.clock().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("insert position: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert position id: %w", err)
	}

	for _, p := range params {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO position_param(position_id, name, type, value) VALUES (?, ?, ?, ?)`,
			id, p.Name, int(p.Type), p.Value); err != nil {
			return 0, fmt.Errorf("insert param %q: %w", p.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit insert: %w", err)
	}
	return id, nil
}

const positionColumns = `id, deviceId, time, latitude, longitude, altitude, speed,
	course, accuracy, battery, charging, batteryTempC, mock, sats, sent, createdAt`

func scanPosition(row *sql.Row) (*track.Position, error) {
	var p track.Position
	var timeMs, createdMs int64
	var charging, mock, sent int
	var tempC sql.NullFloat64
	err := row.Scan(&p.ID, &p.DeviceID, &timeMs, &p.Latitude, &p.Longitude,
		&p.Altitude, &p.Speed, &p.Course, &p.Accuracy, &p.Battery,
		&charging, &tempC, &mock, &p.Sats, &sent, &createdMs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.Time = time.UnixMilli(timeMs).UTC()
	p.CreatedAt = time.UnixMilli(createdMs).UTC()
	p.Charging = charging != 0
	p.Mock = mock != 0
	p.Sent = sent != 0
	if tempC.Valid {
		v := tempC.Float64
		p.BatteryTempC = &v
	}
	return &p, nil
}

// OldestUnsentPosition returns the lowest-id report with sent=0, or nil.
func (d *DB) OldestUnsentPosition(ctx context.Context) (*track.Position, error) {
	row := d.QueryRowContext(ctx,
		`SELECT `+positionColumns+` FROM position WHERE sent = 0 ORDER BY id LIMIT 1`)
	p, err := scanPosition(row)
	if err != nil {
		return nil, fmt.Errorf("oldest unsent position: %w", err)
	}
	return p, nil
}

// PositionParams returns the params attached to positionID in insert order.
func (d *DB) PositionParams(ctx context.Context, positionID int64) ([]track.Param, error) {
	rows, err := d.QueryContext(ctx,
		`SELECT name, type, value FROM position_param WHERE position_id = ? ORDER BY id`,
		positionID)
	if err != nil {
		return nil, fmt.Errorf("position params: %w", err)
	}
	defer rows.Close()

	var out []track.Param
	for rows.Next() {
		p := track.Param{PositionID: positionID}
		var typeCode int
		if err := rows.Scan(&p.Name, &typeCode, &p.Value); err != nil {
			return nil, fmt.Errorf("scan param: %w", err)
		}
		switch track.ParamType(typeCode) {
		case track.ParamInt, track.ParamFloat, track.ParamString, track.ParamBool:
			p.Type = track.ParamType(typeCode)
		default:
			p.Type = track.ParamString
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// MarkPositionSent sets sent=1. Calling it twice is the same as once.
func (d *DB) MarkPositionSent(ctx context.Context, id int64) error {
	if _, err := d.ExecContext(ctx, `UPDATE position SET sent = 1 WHERE id = ?`, id); err != nil {
		return fmt.Errorf("mark position %d sent: %w", id, err)
	}
	return nil
}

// DeletePosition removes a report; its params go with it via the cascade.
func (d *DB) DeletePosition(ctx context.Context, id int64) error {
	if _, err := d.ExecContext(ctx, `DELETE FROM position WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete position %d: %w", id, err)
	}
	return nil
}

// ClosestPosition returns the report nearest in time to target, or nil when
// the best match is off by more than maxDelta.
func (d *DB) ClosestPosition(ctx context.Context, target time.Time, maxDelta time.Duration) (*track.Position, error) {
	row := d.QueryRowContext(ctx,
		`SELECT `+positionColumns+` FROM position ORDER BY ABS(time - ?) LIMIT 1`,
		target.UnixMilli())
	p, err := scanPosition(row)
	if err != nil {
		return nil, fmt.Errorf("closest position: %w", err)
	}
	if p == nil {
		return nil, nil
	}
	delta := p.Time.Sub(target)
	if delta < 0 {
		delta = -delta
	}
	if delta > maxDelta {
		return nil, nil
	}
	return p, nil
}

// LastInsertWallTime returns the createdAt of the most recent report.
func (d *DB) LastInsertWallTime(ctx context.Context) (time.Time, bool, error) {
	var ms int64
	err := d.QueryRowContext(ctx,
		`SELECT createdAt FROM position ORDER BY createdAt DESC LIMIT 1`).Scan(&ms)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("last insert time: %w", err)
	}
	return time.UnixMilli(ms).UTC(), true, nil
}

// TrimRetained deletes sent rows beyond the newest keepLastN per table.
// Position params go with their parent via the cascade.
func (d *DB) TrimRetained(ctx context.Context, keepLastN int) error {
	if _, err := d.ExecContext(ctx, `
		DELETE FROM position
		WHERE sent = 1
		  AND id NOT IN (
		      SELECT id FROM position WHERE sent = 1 ORDER BY time DESC LIMIT ?
		  )`, keepLastN); err != nil {
		return fmt.Errorf("trim positions: %w", err)
	}
	if _, err := d.ExecContext(ctx, `
		DELETE FROM core_event
		WHERE sent = 1
		  AND id NOT IN (
		      SELECT id FROM core_event WHERE sent = 1 ORDER BY eventTime DESC LIMIT ?
		  )`, keepLastN); err != nil {
		return fmt.Errorf("trim core events: %w", err)
	}
	return nil
}

// InsertCoreEvent queues an externally submitted payload for forwarding.
func (d *DB) InsertCoreEvent(ctx context.Context, eventTime time.Time, payload, source string) (int64, error) {
	res, err := d.ExecContext(ctx,
		`INSERT INTO core_event(eventTime, payload, source, sent) VALUES (?, ?, ?, 0)`,
		eventTime.UnixMilli(), payload, source)
	if err != nil {
		return 0, fmt.Errorf("insert core event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert core event id: %w", err)
	}
	return id, nil
}

// OldestUnsentCoreEvent returns the lowest-id event with sent=0, or nil.
func (d *DB) OldestUnsentCoreEvent(ctx context.Context) (*track.CoreEvent, error) {
	var e track.CoreEvent
	var ms int64
	var sent int
	var source sql.NullString
	err := d.QueryRowContext(ctx,
		`SELECT id, eventTime, payload, source, sent FROM core_event WHERE sent = 0 ORDER BY id LIMIT 1`).
		Scan(&e.ID, &ms, &e.Payload, &source, &sent)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("oldest unsent core event: %w", err)
	}
	e.Time = time.UnixMilli(ms).UTC()
	e.Source = source.String
	e.Sent = sent != 0
	return &e, nil
}

// MarkCoreEventSent sets sent=1. Idempotent.
func (d *DB) MarkCoreEventSent(ctx context.Context, id int64) error {
	if _, err := d.ExecContext(ctx, `UPDATE core_event SET sent = 1 WHERE id = ?`, id); err != nil {
		return fmt.Errorf("mark core event %d sent: %w", id, err)
	}
	return nil
}

// Stats summarizes queue depth for diagnostics.
type Stats struct {
	PendingPositions  int64 `json:"pending_positions"`
	PendingCoreEvents int64 `json:"pending_core_events"`
	SentPositions     int64 `json:"sent_positions"`
	SentCoreEvents    int64 `json:"sent_core_events"`
}

// QueueStats counts pending and delivered rows per table.
func (d *DB) QueueStats(ctx context.Context) (Stats, error) {
	var s Stats
	err := d.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM position WHERE sent = 0),
			(SELECT COUNT(*) FROM position WHERE sent = 1),
			(SELECT COUNT(*) FROM core_event WHERE sent = 0),
			(SELECT COUNT(*) FROM core_event WHERE sent = 1)`).
		Scan(&s.PendingPositions, &s.SentPositions, &s.PendingCoreEvents, &s.SentCoreEvents)
	if err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	return s, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullFloat(f *float64) interface{} {
	if f == nil {
		return nil
	}
	return *f
}
