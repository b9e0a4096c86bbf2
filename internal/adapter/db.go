package adapter

import (
	"context"
	"database/sql"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/lorawatch/internal/tele"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS readings (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	source TEXT NOT NULL,
	seq INTEGER NOT NULL,
	temperature REAL NOT NULL,
	humidity REAL NOT NULL,
	rssi INTEGER,
	snr REAL,
	packets_received INTEGER,
	packets_lost INTEGER,
	lora_status BOOLEAN,
	received_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_readings_source ON readings (source, id);

CREATE TABLE IF NOT EXISTS sources (
	name TEXT PRIMARY KEY,
	last_seq INTEGER NOT NULL,
	updated_at BIGINT NOT NULL
);
`

// Reading is one accepted telemetry message, API and live feed form.
type Reading struct {
	Source          string    `json:"source"`
	Seq             uint32    `json:"seq"`
	Temperature     float64   `json:"temperature"`
	Humidity        float64   `json:"humidity"`
	RSSI            *int      `json:"rssi,omitempty"`
	SNR             *float64  `json:"snr,omitempty"`
	PacketsReceived *uint32   `json:"packetsReceived,omitempty"`
	PacketsLost     *uint32   `json:"packetsLost,omitempty"`
	LoraStatus      *bool     `json:"loraStatus,omitempty"`
	ReceivedAt      time.Time `json:"receivedAt"`
}

func readingFrom(tm *tele.Telemetry, at time.Time) Reading {
	return Reading{
		Source:          tm.Source,
		Seq:             tm.Seq,
		Temperature:     tm.Temperature,
		Humidity:        tm.Humidity,
		RSSI:            tm.RSSI,
		SNR:             tm.SNR,
		PacketsReceived: tm.PacketsReceived,
		PacketsLost:     tm.PacketsLost,
		LoraStatus:      tm.LoraStatus,
		ReceivedAt:      at,
	}
}

type Source struct {
	Name      string    `json:"name"`
	LastSeq   uint32    `json:"lastSeq"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// DB keeps reading history and last accepted sequence per source.
type DB struct {
	db *sql.DB
}

func OpenDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Annotatef(err, "sqlite open path=%s", path)
	}
	// single writer, sqlite serializes anyway
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Annotate(err, "sqlite schema")
	}
	return &DB{db: db}, nil
}

func (d *DB) Close() error { return d.db.Close() }

// Insert stores reading and advances source last_seq in one transaction.
func (d *DB) Insert(ctx context.Context, r *Reading) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Annotate(err, "db begin")
	}
	defer tx.Rollback() //nolint:errcheck
	_, err = tx.ExecContext(ctx, `
		INSERT INTO readings (source, seq, temperature, humidity, rssi, snr, packets_received, packets_lost, lora_status, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Source, r.Seq, r.Temperature, r.Humidity,
		nullInt(r.RSSI), nullFloat(r.SNR), nullUint(r.PacketsReceived), nullUint(r.PacketsLost), nullBool(r.LoraStatus),
		r.ReceivedAt.UnixMilli(),
	)
	if err != nil {
		return errors.Annotatef(err, "db insert reading source=%s", r.Source)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO sources (name, last_seq, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET last_seq = excluded.last_seq, updated_at = excluded.updated_at`,
		r.Source, r.Seq, r.ReceivedAt.UnixMilli(),
	)
	if err != nil {
		return errors.Annotatef(err, "db update source=%s", r.Source)
	}
	return errors.Annotate(tx.Commit(), "db commit")
}

// Readings returns newest first. Empty source means every source.
func (d *DB) Readings(ctx context.Context, source string, limit int) ([]Reading, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT source, seq, temperature, humidity, rssi, snr, packets_received, packets_lost, lora_status, received_at
		FROM readings WHERE (? = '' OR source = ?) ORDER BY id DESC LIMIT ?`,
		source, source, limit,
	)
	if err != nil {
		return nil, errors.Annotate(err, "db readings")
	}
	defer rows.Close()

	result := make([]Reading, 0, limit)
	for rows.Next() {
		var r Reading
		var rssi, received, lost sql.NullInt64
		var snr sql.NullFloat64
		var status sql.NullBool
		var at int64
		if err := rows.Scan(&r.Source, &r.Seq, &r.Temperature, &r.Humidity, &rssi, &snr, &received, &lost, &status, &at); err != nil {
			return nil, errors.Annotate(err, "db readings scan")
		}
		if rssi.Valid {
			v := int(rssi.Int64)
			r.RSSI = &v
		}
		if snr.Valid {
			r.SNR = &snr.Float64
		}
		if received.Valid {
			v := uint32(received.Int64)
			r.PacketsReceived = &v
		}
		if lost.Valid {
			v := uint32(lost.Int64)
			r.PacketsLost = &v
		}
		if status.Valid {
			r.LoraStatus = &status.Bool
		}
		r.ReceivedAt = time.UnixMilli(at).UTC()
		result = append(result, r)
	}
	return result, errors.Annotate(rows.Err(), "db readings")
}

func (d *DB) Sources(ctx context.Context) ([]Source, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT name, last_seq, updated_at FROM sources ORDER BY name`)
	if err != nil {
		return nil, errors.Annotate(err, "db sources")
	}
	defer rows.Close()
	result := make([]Source, 0, 8)
	for rows.Next() {
		var s Source
		var at int64
		if err := rows.Scan(&s.Name, &s.LastSeq, &at); err != nil {
			return nil, errors.Annotate(err, "db sources scan")
		}
		s.UpdatedAt = time.UnixMilli(at).UTC()
		result = append(result, s)
	}
	return result, errors.Annotate(rows.Err(), "db sources")
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func nullUint(p *uint32) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func nullFloat(p *float64) sql.NullFloat64 {
	if p == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *p, Valid: true}
}

func nullBool(p *bool) sql.NullBool {
	if p == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *p, Valid: true}
}
