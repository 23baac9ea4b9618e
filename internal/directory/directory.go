// Package directory resolves devices to their owner, house, type and
// configuration.
package directory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/markus-barta/housectl/internal/identity"
)

// ErrDeviceNotFound is returned when no device has the requested id.
var ErrDeviceNotFound = errors.New("device not found")

// Device is a controllable device record. Config is stored and returned as
// opaque JSON.
type Device struct {
	ID      int64
	Name    string
	Type    string
	Config  json.RawMessage
	UserID  int64 // 0 when unowned
	HouseID int64 // 0 when not assigned to a house
}

// Store is the SQLite-backed device directory.
type Store struct {
	db *sql.DB
}

// New creates a directory over db.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Lookup loads a device by id.
func (s *Store) Lookup(ctx context.Context, deviceID int64) (Device, error) {
	var (
		d      Device
		config sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, device_type, config, COALESCE(user_id, 0), COALESCE(house_id, 0)
		FROM devices WHERE id = ?
	`, deviceID).Scan(&d.ID, &d.Name, &d.Type, &config, &d.UserID, &d.HouseID)
	if errors.Is(err, sql.ErrNoRows) {
		return Device{}, ErrDeviceNotFound
	}
	if err != nil {
		return Device{}, fmt.Errorf("look up device %d: %w", deviceID, err)
	}
	if config.Valid && config.String != "" {
		d.Config = json.RawMessage(config.String)
	}
	return d, nil
}

// CreateHouse stores a house and returns its id.
func (s *Store) CreateHouse(ctx context.Context, name string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO houses (name) VALUES (?)`, name)
	if err != nil {
		return 0, fmt.Errorf("insert house: %w", err)
	}
	return res.LastInsertId()
}

// CreateDevice stores d and returns its id. Config must be valid JSON if set.
func (s *Store) CreateDevice(ctx context.Context, d Device) (int64, error) {
	if d.Type == "" {
		return 0, errors.New("device type is required")
	}
	var config sql.NullString
	if len(d.Config) > 0 {
		if !json.Valid(d.Config) {
			return 0, fmt.Errorf("device config is not valid JSON")
		}
		config = sql.NullString{String: string(d.Config), Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (name, device_type, config, user_id, house_id)
		VALUES (?, ?, ?, ?, ?)
	`, d.Name, d.Type, config, nullID(d.UserID), nullID(d.HouseID))
	if err != nil {
		return 0, fmt.Errorf("insert device: %w", err)
	}
	return res.LastInsertId()
}

// CanControl is the dispatch authorization policy: admins control every
// device; other users control devices they own or that sit in their house.
func CanControl(who identity.Identity, d Device) bool {
	if who.IsAdmin() {
		return true
	}
	if d.UserID != 0 && d.UserID == who.UserID {
		return true
	}
	return d.HouseID != 0 && d.HouseID == who.HouseID
}

func nullID(id int64) sql.NullInt64 {
	return sql.NullInt64{Int64: id, Valid: id != 0}
}
