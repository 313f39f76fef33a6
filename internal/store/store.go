// Package store persists devices, filters and telemetry. Two drivers are
// provided: an in-memory store used for development and tests, and a
// MongoDB store for production.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"wiogate/pkg/types"

	"go.uber.org/zap"
)

// ErrNotFound is returned when a lookup matches nothing.
var ErrNotFound = errors.New("not found")

// Store is everything the gateway reads from and writes to the database.
// The batch inserts assign an ID to every record that lacks one, writing it
// back into the caller's slice.
type Store interface {
	DeviceBySerial(ctx context.Context, serial string) (types.Device, error)
	DeviceContext(ctx context.Context, deviceID string) (types.DeviceContext, error)
	FindFilter(ctx context.Context, deviceID, sensorType string) (types.Filter, error)
	InsertData(ctx context.Context, data []types.Data) error
	InsertNotifications(ctx context.Context, notifications []types.Notification) error

	ClientByTenant(ctx context.Context, tenantID string) (string, error)
	CreateDevice(ctx context.Context, device types.Device) (string, error)
	InsertFilters(ctx context.Context, filters []types.Filter) error
	TouchDevice(ctx context.Context, serial string, at time.Time) error
	SetSensorsStatus(ctx context.Context, serial, status string) error

	Close(ctx context.Context) error
}

// Open returns the store selected by config.Driver.
func Open(ctx context.Context, config types.DatabaseConfig, logger *zap.Logger) (Store, error) {
	switch strings.ToLower(config.Driver) {
	case "", "memory":
		logger.Warn("Using in-memory store, nothing will survive a restart")
		return NewMemory(), nil
	case "mongo", "mongodb":
		return NewMongo(ctx, config, logger)
	default:
		return nil, fmt.Errorf("unknown database driver %q", config.Driver)
	}
}
