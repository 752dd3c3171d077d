package devicestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/zap"

	// NOTE: required to register the dialect for goqu.
	//
	// If you remove this import, goqu.Dialect("sqlite3") will
	// return a copy of the default dialect, which is not what we want.
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	_ "github.com/glebarez/go-sqlite"

	"github.com/conductorone/p2pvps-lease/pkg/device"
)

const (
	devicesTableName     = "devices"
	privateDataTableName = "device_private_data"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS devices (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		owner TEXT NOT NULL DEFAULT '',
		private_data_id TEXT NOT NULL DEFAULT '',
		expiration INTEGER NOT NULL DEFAULT 0,
		checkin_timestamp INTEGER NOT NULL DEFAULT 0,
		memory INTEGER NOT NULL DEFAULT 0,
		disk_space INTEGER NOT NULL DEFAULT 0,
		processor TEXT NOT NULL DEFAULT '',
		internet_speed INTEGER NOT NULL DEFAULT 0,
		listing_id TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS device_private_data (
		id TEXT PRIMARY KEY,
		device_id TEXT NOT NULL DEFAULT '',
		assigned_port INTEGER NOT NULL DEFAULT 0,
		access_username TEXT NOT NULL DEFAULT '',
		access_password TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_device_private_data_device_id ON device_private_data (device_id)`,
}

// SQLite is a Store backed by a sqlite database file.
type SQLite struct {
	rawDB *sql.DB
	db    *goqu.Database
}

var _ Store = (*SQLite)(nil)
var _ PortLister = (*SQLite)(nil)

// NewSQLite opens (creating if needed) the database at path. ":memory:" is accepted for tests.
func NewSQLite(ctx context.Context, path string) (*SQLite, error) {
	rawDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("devicestore: sqlite: open %q: %w", path, err)
	}
	// A single connection keeps ":memory:" databases shared and serializes writers.
	rawDB.SetMaxOpenConns(1)

	s := &SQLite{
		rawDB: rawDB,
		db:    goqu.New("sqlite3", rawDB),
	}
	if err := s.init(ctx); err != nil {
		_ = rawDB.Close()
		return nil, err
	}

	ctxzap.Extract(ctx).Debug("device store opened", zap.String("backend", "sqlite"), zap.String("path", path))
	return s, nil
}

func (s *SQLite) init(ctx context.Context) error {
	for _, stmt := range sqliteSchema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("devicestore: sqlite: init schema: %w", err)
		}
	}
	return nil
}

func (s *SQLite) Close() error {
	if s.rawDB == nil {
		return nil
	}
	err := s.rawDB.Close()
	s.rawDB = nil
	s.db = nil
	return err
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.rawDB.PingContext(ctx)
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func (s *SQLite) GetDevice(ctx context.Context, id string) (*device.Device, error) {
	q := s.db.From(devicesTableName).Prepared(true)
	q = q.Select(
		"id", "name", "owner", "private_data_id", "expiration", "checkin_timestamp",
		"memory", "disk_space", "processor", "internet_speed", "listing_id",
	)
	q = q.Where(goqu.C("id").Eq(id))

	query, args, err := q.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("devicestore: sqlite: get device: %w", err)
	}

	var (
		d          device.Device
		expiration int64
		checkin    int64
	)
	err = s.db.QueryRowContext(ctx, query, args...).Scan(
		&d.ID, &d.Name, &d.Owner, &d.PrivateDataID, &expiration, &checkin,
		&d.Memory, &d.DiskSpace, &d.Processor, &d.InternetSpeed, &d.ListingID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, device.ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("devicestore: sqlite: get device: %w", err)
	}
	d.Expiration = fromMillis(expiration)
	d.CheckinTimeStamp = fromMillis(checkin)
	return &d, nil
}

func (s *SQLite) SaveDevice(ctx context.Context, d *device.Device) error {
	rec := goqu.Record{
		"name":              d.Name,
		"owner":             d.Owner,
		"private_data_id":   d.PrivateDataID,
		"expiration":        toMillis(d.Expiration),
		"checkin_timestamp": toMillis(d.CheckinTimeStamp),
		"memory":            d.Memory,
		"disk_space":        d.DiskSpace,
		"processor":         d.Processor,
		"internet_speed":    d.InternetSpeed,
		"listing_id":        d.ListingID,
	}
	row := goqu.Record{"id": d.ID}
	for k, v := range rec {
		row[k] = v
	}

	q := s.db.Insert(devicesTableName).Prepared(true)
	q = q.Rows(row)
	q = q.OnConflict(goqu.DoUpdate("id", rec))

	query, args, err := q.ToSQL()
	if err != nil {
		return fmt.Errorf("devicestore: sqlite: save device: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("devicestore: sqlite: save device: %w", err)
	}
	return nil
}

func (s *SQLite) GetPrivateData(ctx context.Context, id string) (*device.PrivateData, error) {
	q := s.db.From(privateDataTableName).Prepared(true)
	q = q.Select("id", "device_id", "assigned_port", "access_username", "access_password")
	q = q.Where(goqu.C("id").Eq(id))

	query, args, err := q.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("devicestore: sqlite: get private data: %w", err)
	}

	var p device.PrivateData
	err = s.db.QueryRowContext(ctx, query, args...).Scan(
		&p.ID, &p.DeviceID, &p.AssignedPort, &p.AccessUsername, &p.AccessPassword,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, device.ErrPrivateDataNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("devicestore: sqlite: get private data: %w", err)
	}
	return &p, nil
}

func (s *SQLite) SavePrivateData(ctx context.Context, p *device.PrivateData) error {
	rec := goqu.Record{
		"device_id":       p.DeviceID,
		"assigned_port":   p.AssignedPort,
		"access_username": p.AccessUsername,
		"access_password": p.AccessPassword,
	}
	row := goqu.Record{"id": p.ID}
	for k, v := range rec {
		row[k] = v
	}

	q := s.db.Insert(privateDataTableName).Prepared(true)
	q = q.Rows(row)
	q = q.OnConflict(goqu.DoUpdate("id", rec))

	query, args, err := q.ToSQL()
	if err != nil {
		return fmt.Errorf("devicestore: sqlite: save private data: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("devicestore: sqlite: save private data: %w", err)
	}
	return nil
}

func (s *SQLite) AssignedPorts(ctx context.Context) ([]int, error) {
	q := s.db.From(privateDataTableName).Prepared(true)
	q = q.Select("assigned_port")
	q = q.Where(goqu.C("assigned_port").Gt(0))
	q = q.Order(goqu.C("assigned_port").Asc())

	query, args, err := q.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("devicestore: sqlite: assigned ports: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("devicestore: sqlite: assigned ports: %w", err)
	}
	defer rows.Close()

	var ports []int
	for rows.Next() {
		var port int
		if err := rows.Scan(&port); err != nil {
			return nil, fmt.Errorf("devicestore: sqlite: assigned ports: %w", err)
		}
		ports = append(ports, port)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("devicestore: sqlite: assigned ports: %w", err)
	}
	return ports, nil
}
