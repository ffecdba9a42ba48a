package storage

import (
	"time"

	"github.com/KevinKickass/SajModbusHub/internal/hub"
)

// Record is one stored snapshot generation.
type Record struct {
	Inverter   string         `json:"inverter"`
	Generation uint64         `json:"generation"`
	Timestamp  time.Time      `json:"timestamp"`
	Values     map[string]any `json:"values"`
}

func recordOf(inverter string, s *hub.Snapshot) Record {
	return Record{
		Inverter:   inverter,
		Generation: s.Generation,
		Timestamp:  s.Timestamp,
		Values:     s.Values(),
	}
}
