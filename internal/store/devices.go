package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// DeviceStore persists recorder devices.
type DeviceStore struct {
	db DB
}

// NewDeviceStore creates a DeviceStore over the given database connection or
// pool.
func NewDeviceStore(db DB) *DeviceStore {
	return &DeviceStore{db: db}
}

// Create registers a new device. Returns [ErrDeviceExists] when a device with
// the same ID or token hash is already registered.
func (s *DeviceStore) Create(ctx context.Context, d *Device) error {
	const query = `
		INSERT INTO devices (device_id, point_id, register_id, token_hash, is_enabled)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`

	err := s.db.QueryRow(ctx, query,
		d.DeviceID, d.PointID, d.RegisterID, d.TokenHash, d.IsEnabled,
	).Scan(&d.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("store: create device %s: %w", d.DeviceID, ErrDeviceExists)
		}
		return fmt.Errorf("store: create device: %w", err)
	}
	return nil
}

// Get retrieves a device by ID. Returns (nil, nil) when no such device exists.
func (s *DeviceStore) Get(ctx context.Context, deviceID uuid.UUID) (*Device, error) {
	const query = `
		SELECT device_id, point_id, register_id, token_hash, is_enabled, created_at, last_seen_at
		FROM devices
		WHERE device_id = $1`

	d, err := scanDevice(s.db.QueryRow(ctx, query, deviceID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get device %s: %w", deviceID, err)
	}
	return d, nil
}

// GetByTokenHash retrieves a device by its token hash regardless of whether
// it is enabled; the caller distinguishes unknown tokens (401) from disabled
// devices (403). Returns (nil, nil) when no device matches.
func (s *DeviceStore) GetByTokenHash(ctx context.Context, tokenHash string) (*Device, error) {
	const query = `
		SELECT device_id, point_id, register_id, token_hash, is_enabled, created_at, last_seen_at
		FROM devices
		WHERE token_hash = $1`

	d, err := scanDevice(s.db.QueryRow(ctx, query, tokenHash))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get device by token: %w", err)
	}
	return d, nil
}

// SetEnabled toggles a device's is_enabled flag and returns the updated row.
// Returns (nil, nil) when no such device exists.
func (s *DeviceStore) SetEnabled(ctx context.Context, deviceID uuid.UUID, enabled bool) (*Device, error) {
	const query = `
		UPDATE devices
		SET is_enabled = $2
		WHERE device_id = $1
		RETURNING device_id, point_id, register_id, token_hash, is_enabled, created_at, last_seen_at`

	d, err := scanDevice(s.db.QueryRow(ctx, query, deviceID, enabled))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: set device %s enabled: %w", deviceID, err)
	}
	return d, nil
}

// List returns all registered devices, newest first.
func (s *DeviceStore) List(ctx context.Context) ([]Device, error) {
	const query = `
		SELECT device_id, point_id, register_id, token_hash, is_enabled, created_at, last_seen_at
		FROM devices
		ORDER BY created_at DESC`

	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("store: list devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		var d Device
		if err := rows.Scan(
			&d.DeviceID, &d.PointID, &d.RegisterID, &d.TokenHash,
			&d.IsEnabled, &d.CreatedAt, &d.LastSeenAt,
		); err != nil {
			return nil, fmt.Errorf("store: list devices scan: %w", err)
		}
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list devices: %w", err)
	}
	return devices, nil
}

// TouchLastSeen stamps the device's last_seen_at with the database clock.
// Called after every successful upload; best-effort from the caller's point
// of view.
func (s *DeviceStore) TouchLastSeen(ctx context.Context, deviceID uuid.UUID) error {
	const query = `UPDATE devices SET last_seen_at = now() WHERE device_id = $1`
	if _, err := s.db.Exec(ctx, query, deviceID); err != nil {
		return fmt.Errorf("store: touch device %s: %w", deviceID, err)
	}
	return nil
}

// scanDevice scans one devices row from r.
func scanDevice(r pgx.Row) (*Device, error) {
	var d Device
	err := r.Scan(
		&d.DeviceID, &d.PointID, &d.RegisterID, &d.TokenHash,
		&d.IsEnabled, &d.CreatedAt, &d.LastSeenAt,
	)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
