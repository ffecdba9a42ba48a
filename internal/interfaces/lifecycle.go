package interfaces

import (
	"context"

	"github.com/KevinKickass/SajModbusHub/internal/config"
	"github.com/KevinKickass/SajModbusHub/internal/devices"
	"github.com/KevinKickass/SajModbusHub/internal/storage"
)

// SystemStatus represents the current system state
type SystemStatus struct {
	State              string   `json:"state"`
	InverterCount      int      `json:"inverter_count"`
	ConnectedInverters int      `json:"connected_inverters"`
	PendingInverters   []string `json:"pending_inverters,omitempty"`
	MQTTConnected      bool     `json:"mqtt_connected"`
	HistoryEnabled     bool     `json:"history_enabled"`
}

type LifecycleManager interface {
	Config() *config.Config
	Registry() *devices.Registry
	// History is nil when the database is disabled.
	History() *storage.History
	GetCurrentStatus() SystemStatus
	Shutdown(ctx context.Context) error
}
